package tabular

import (
	"math"
	"net/url"
	"regexp"
	"strconv"
	"time"

	domain "github.com/formbridge/api/internal/domain"
)

const (
	inferSampleSize    = 100
	displaySampleLimit = 5
	inferMatchRatio    = 0.8

	// Day serials between these bounds cover roughly 1954 through 2064, which
	// keeps serial detection away from ordinary numeric identifiers.
	serialDateMin = 20000
	serialDateMax = 60000
)

var (
	emailValuePattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phoneValuePattern = regexp.MustCompile(`^\+?[0-9 ().\-]+$`)
)

var inferDateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04",
	"2006/01/02",
	"1/2/2006",
	"Jan 2, 2006",
	"2 Jan 2006",
}

type valueDetector struct {
	dataType domain.DataType
	match    func(string) bool
}

// Detector order decides ambiguous columns: number sits before phone so bare
// digit runs classify numeric, while separator-formatted phone values fail
// float parsing and fall through.
var detectors = []valueDetector{
	{dataType: domain.DataTypeEmail, match: looksLikeEmail},
	{dataType: domain.DataTypeURL, match: looksLikeURL},
	{dataType: domain.DataTypeDate, match: looksLikeDate},
	{dataType: domain.DataTypeNumber, match: looksLikeNumber},
	{dataType: domain.DataTypePhone, match: looksLikePhone},
}

// InferTypes classifies every column from up to sampleSize non-blank values.
// A type wins when at least 80% of the sampled values satisfy its detector;
// columns with no usable samples are unknown, everything else is text.
func InferTypes(table Table, sampleSize int) map[string]domain.DataType {
	if sampleSize <= 0 {
		sampleSize = inferSampleSize
	}
	out := make(map[string]domain.DataType, len(table.Columns))
	for _, column := range table.Columns {
		out[column] = inferColumn(sampleValues(table.Rows, column, sampleSize))
	}
	return out
}

func inferColumn(samples []string) domain.DataType {
	if len(samples) == 0 {
		return domain.DataTypeUnknown
	}
	for _, detector := range detectors {
		hits := 0
		for _, value := range samples {
			if detector.match(value) {
				hits++
			}
		}
		if float64(hits) >= inferMatchRatio*float64(len(samples)) {
			return detector.dataType
		}
	}
	return domain.DataTypeText
}

func looksLikeEmail(value string) bool {
	return emailValuePattern.MatchString(value)
}

func looksLikeURL(value string) bool {
	if len(value) > 4 && value[:4] == "www." {
		return true
	}
	parsed, err := url.Parse(value)
	return err == nil && parsed.IsAbs() && parsed.Host != ""
}

func looksLikeDate(value string) bool {
	for _, layout := range inferDateLayouts {
		if _, err := time.Parse(layout, value); err == nil {
			return true
		}
	}
	serial, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return false
	}
	return serial >= serialDateMin && serial <= serialDateMax && serial == math.Trunc(serial)
}

func looksLikeNumber(value string) bool {
	_, err := strconv.ParseFloat(value, 64)
	return err == nil
}

func looksLikePhone(value string) bool {
	if !phoneValuePattern.MatchString(value) {
		return false
	}
	digits := 0
	for _, r := range value {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 7 && digits <= 15
}
