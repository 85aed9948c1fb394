package services

import (
	"math"
	"sort"

	domain "github.com/formbridge/api/internal/domain"
	"github.com/formbridge/api/internal/platform/textutil"
)

// Weights of the five scoring factors. They sum to 1.0; the blended score is
// clamped regardless so rounding drift never escapes the scale.
const (
	matchWeightName      = 0.40
	matchWeightLabel     = 0.25
	matchWeightAttribute = 0.20
	matchWeightSynonym   = 0.10
	matchWeightType      = 0.05
)

// Score thresholds bucketing matches into confidence tiers. Pairs scoring
// below matchThresholdLow are never assigned.
const (
	matchThresholdHigh   = 0.75
	matchThresholdMedium = 0.50
	matchThresholdLow    = 0.25
)

// columnTypeTargets lists the field types each inferred column type fills naturally.
var columnTypeTargets = map[domain.DataType][]domain.FieldType{
	domain.DataTypeEmail:  {domain.FieldTypeEmail},
	domain.DataTypePhone:  {domain.FieldTypeTel},
	domain.DataTypeNumber: {domain.FieldTypeNumber, domain.FieldTypeRange},
	domain.DataTypeDate:   {domain.FieldTypeDate, domain.FieldTypeDateTime},
	domain.DataTypeURL:    {domain.FieldTypeURL},
	domain.DataTypeText:   {domain.FieldTypeText, domain.FieldTypeTextarea, domain.FieldTypePassword},
}

// FieldMatcherDeps wires the synonym vocabulary into the matcher.
type FieldMatcherDeps struct {
	Synonyms SynonymLookup
}

type fieldMatcher struct {
	synonyms SynonymLookup
}

// NewFieldMatcher constructs a FieldMatcher. A nil synonym lookup falls back
// to the built-in vocabulary.
func NewFieldMatcher(deps FieldMatcherDeps) (FieldMatcher, error) {
	synonyms := deps.Synonyms
	if synonyms == nil {
		synonyms = DefaultSynonymTable()
	}
	return &fieldMatcher{synonyms: synonyms}, nil
}

// Score blends name, label, attribute, synonym, and type affinity into one
// [0,1] rating for a column/field pair.
func (m *fieldMatcher) Score(column string, field TargetField, columnType DataType) float64 {
	name := math.Max(textutil.Similarity(column, field.Name), textutil.Similarity(column, field.ID))
	label := textutil.Similarity(column, field.Label)
	attribute := attributeSimilarity(column, field)

	synonym := 0.0
	if m.fieldSynonymous(column, field) {
		synonym = 1.0
	}

	typed := 0.0
	if columnTypeMatches(columnType, field.Type) {
		typed = 1.0
	}

	score := name*matchWeightName +
		label*matchWeightLabel +
		attribute*matchWeightAttribute +
		synonym*matchWeightSynonym +
		typed*matchWeightType
	return clampScore(score)
}

// AutoMap scores every column/field pair and assigns greedily by descending
// score. The stable sort keeps earlier columns and fields ahead on ties, so
// repeated runs over the same inputs produce the same mapping.
func (m *fieldMatcher) AutoMap(columns []ColumnInfo, fields []TargetField) Mapping {
	mapping := make(Mapping, len(columns))
	if len(columns) == 0 || len(fields) == 0 {
		return mapping
	}

	type scoredPair struct {
		column   string
		fieldIdx int
		score    float64
	}

	pairs := make([]scoredPair, 0, len(columns)*len(fields))
	for _, column := range columns {
		for idx, field := range fields {
			score := m.Score(column.Name, field, column.Type)
			if score < matchThresholdLow {
				continue
			}
			pairs = append(pairs, scoredPair{column: column.Name, fieldIdx: idx, score: score})
		}
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].score > pairs[j].score
	})

	usedColumns := make(map[string]struct{}, len(columns))
	usedSelectors := make(map[string]struct{}, len(fields))
	for _, pair := range pairs {
		if _, ok := usedColumns[pair.column]; ok {
			continue
		}
		field := fields[pair.fieldIdx]
		if _, ok := usedSelectors[field.Selector]; ok {
			continue
		}
		usedColumns[pair.column] = struct{}{}
		usedSelectors[field.Selector] = struct{}{}

		mapping[pair.column] = MappingEntry{
			Field:      &field,
			Selector:   field.Selector,
			Confidence: pair.score,
			Level:      confidenceLevel(pair.score),
			Source:     domain.MappingSourceAuto,
		}
	}
	return mapping
}

// fieldSynonymous reports whether the column shares a synonym group with any
// of the field's naming surfaces.
func (m *fieldMatcher) fieldSynonymous(column string, field TargetField) bool {
	for _, candidate := range []string{field.Name, field.ID, field.Label, field.AriaLabel, field.Placeholder} {
		if candidate == "" {
			continue
		}
		if m.synonyms.Synonymous(column, candidate) {
			return true
		}
	}
	return false
}

// attributeSimilarity takes the best similarity across the field's secondary
// naming attributes. Data attribute values participate alongside the
// aria/placeholder/title trio.
func attributeSimilarity(column string, field TargetField) float64 {
	best := 0.0
	for _, candidate := range []string{field.AriaLabel, field.Placeholder, field.Title} {
		if candidate == "" {
			continue
		}
		if sim := textutil.Similarity(column, candidate); sim > best {
			best = sim
		}
	}
	for _, key := range textutil.SortedKeys(field.DataAttrs) {
		value := field.DataAttrs[key]
		if value == "" {
			continue
		}
		if sim := textutil.Similarity(column, value); sim > best {
			best = sim
		}
	}
	return best
}

func columnTypeMatches(columnType domain.DataType, fieldType domain.FieldType) bool {
	for _, target := range columnTypeTargets[columnType] {
		if target == fieldType {
			return true
		}
	}
	return false
}

func confidenceLevel(score float64) ConfidenceLevel {
	switch {
	case score >= matchThresholdHigh:
		return domain.ConfidenceHigh
	case score >= matchThresholdMedium:
		return domain.ConfidenceMedium
	case score >= matchThresholdLow:
		return domain.ConfidenceLow
	default:
		return domain.ConfidenceNone
	}
}

func clampScore(score float64) float64 {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

var _ FieldMatcher = (*fieldMatcher)(nil)
