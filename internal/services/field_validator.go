package services

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	domain "github.com/formbridge/api/internal/domain"
)

const (
	telMinDigits = 7
	telMaxDigits = 15

	dateOutputLayout = "2006-01-02"
)

// serialDateEpoch anchors spreadsheet day-count serials. The 1899-12-30 base
// absorbs the historical 1900 leap-year quirk, so serial 1 is 1899-12-31.
var serialDateEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// calendarLayouts are tried in order; single-digit layouts also accept their
// zero-padded forms.
var calendarLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"1/2/2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
}

type fieldValidator struct{}

// NewFieldValidator constructs the pure type-directed validator.
func NewFieldValidator() FieldValidator {
	return fieldValidator{}
}

// Validate checks a raw value against the field's constraints. The required
// check runs first; type dispatch follows. Unrecognised types pass through
// untouched, so unknown controls never block a fill.
func (fieldValidator) Validate(value any, field TargetField) ValidationResult {
	trimmed := strings.TrimSpace(valueString(value))

	if field.Required && trimmed == "" {
		return failValidation(domain.ErrKindRequiredEmpty, "value is required")
	}

	switch field.Type {
	case domain.FieldTypeEmail:
		return validateEmail(trimmed)
	case domain.FieldTypeTel:
		return validateTel(trimmed)
	case domain.FieldTypeNumber, domain.FieldTypeRange:
		return validateNumber(value, trimmed, field)
	case domain.FieldTypeDate, domain.FieldTypeDateTime:
		return validateDate(value, trimmed)
	case domain.FieldTypeSelectOne, domain.FieldTypeSelectMultiple:
		return validateSelect(trimmed, field.Options)
	case domain.FieldTypeURL:
		return validateURL(trimmed)
	default:
		return passValidation(value)
	}
}

func validateEmail(value string) ValidationResult {
	if value == "" {
		return passValidation("")
	}
	if !emailPattern.MatchString(value) {
		return failValidation(domain.ErrKindInvalidFormat, "must be a valid email address")
	}
	return passValidation(value)
}

// validateTel counts digits only for the length check and passes the original
// trimmed string through on success, preserving formatting like +81 (3).
func validateTel(value string) ValidationResult {
	if value == "" {
		return passValidation("")
	}
	digits := 0
	for _, r := range value {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits < telMinDigits || digits > telMaxDigits {
		return failValidation(domain.ErrKindInvalidLength,
			fmt.Sprintf("phone number must contain %d to %d digits", telMinDigits, telMaxDigits))
	}
	return passValidation(value)
}

func validateNumber(value any, trimmed string, field TargetField) ValidationResult {
	if trimmed == "" {
		return passValidation("")
	}
	parsed, ok := numericValue(value, trimmed)
	if !ok {
		return failValidation(domain.ErrKindNotANumber, "must be a number")
	}
	if field.Min != nil && parsed < *field.Min {
		return failValidation(domain.ErrKindBelowMinimum,
			fmt.Sprintf("must be at least %s", formatBound(*field.Min)))
	}
	if field.Max != nil && parsed > *field.Max {
		return failValidation(domain.ErrKindAboveMaximum,
			fmt.Sprintf("must be at most %s", formatBound(*field.Max)))
	}
	return passValidation(parsed)
}

// validateDate tries calendar forms first, then falls back to interpreting
// numeric values as spreadsheet day serials. Coerced output is always the
// canonical YYYY-MM-DD form.
func validateDate(value any, trimmed string) ValidationResult {
	if trimmed == "" {
		return passValidation("")
	}
	if t, ok := value.(time.Time); ok {
		return passValidation(t.Format(dateOutputLayout))
	}
	if parsed, ok := parseCalendarDate(trimmed); ok {
		return passValidation(parsed.Format(dateOutputLayout))
	}
	if serial, ok := numericValue(value, trimmed); ok && serial > 0 {
		converted := serialDateEpoch.AddDate(0, 0, int(serial))
		return passValidation(converted.Format(dateOutputLayout))
	}
	return failValidation(domain.ErrKindInvalidFormat, "must be a valid date")
}

// validateSelect resolves the value against options in priority order: exact
// option value, exact display text, then containment in either direction, all
// case-insensitive. Fields without options pass the value through.
func validateSelect(value string, options []FieldOption) ValidationResult {
	if value == "" {
		return passValidation("")
	}
	if len(options) == 0 {
		return passValidation(value)
	}
	for _, opt := range options {
		if strings.EqualFold(value, opt.Value) {
			return passValidation(opt.Value)
		}
	}
	for _, opt := range options {
		if strings.EqualFold(value, opt.Text) {
			return passValidation(opt.Value)
		}
	}
	lower := strings.ToLower(value)
	for _, opt := range options {
		if containsEither(lower, strings.ToLower(opt.Value)) || containsEither(lower, strings.ToLower(opt.Text)) {
			return passValidation(opt.Value)
		}
	}
	return failValidation(domain.ErrKindNotInOptions, "does not match any option")
}

// containsEither reports whether either string contains the other.
func containsEither(a, b string) bool {
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func validateURL(value string) ValidationResult {
	if value == "" {
		return passValidation("")
	}
	if parsed, err := url.Parse(value); err == nil && parsed.IsAbs() && (parsed.Host != "" || parsed.Opaque != "") {
		return passValidation(value)
	}
	prefixed := "https://" + value
	if parsed, err := url.Parse(prefixed); err == nil && parsed.Host != "" {
		return passValidation(prefixed)
	}
	return failValidation(domain.ErrKindInvalidFormat, "must be a valid URL")
}

func parseCalendarDate(value string) (time.Time, bool) {
	for _, layout := range calendarLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func numericValue(value any, trimmed string) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	parsed, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// valueString renders any row value for blankness checks and target writes.
func valueString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case time.Time:
		return v.Format(dateOutputLayout)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

func formatBound(bound float64) string {
	return strconv.FormatFloat(bound, 'f', -1, 64)
}

func passValidation(value any) ValidationResult {
	return ValidationResult{Valid: true, Value: value}
}

func failValidation(kind domain.ErrorKind, message string) ValidationResult {
	return ValidationResult{Error: &domain.FieldError{Kind: kind, Message: message}}
}

var _ FieldValidator = fieldValidator{}
