package services

import (
	"strings"

	domain "github.com/formbridge/api/internal/domain"
	"github.com/formbridge/api/internal/platform/textutil"
)

// defaultProfileConfidence applies to restored profile entries that were
// persisted without a confidence value.
const defaultProfileConfidence = 0.9

type mappingMerger struct{}

// NewMappingMerger constructs the stateless mapping reconciler.
func NewMappingMerger() MappingMerger {
	return mappingMerger{}
}

// Merge overlays manual edits onto an automatic mapping and returns a new
// mapping. An empty selector unmaps the column; a non-empty selector pins the
// column to that target with full confidence, taking the selector away from
// whichever column held it before. Edits apply independently, in column name
// order.
func (mappingMerger) Merge(auto Mapping, manualEdits map[string]string, fields []TargetField) Mapping {
	merged := make(Mapping, len(auto)+len(manualEdits))
	for column, entry := range auto {
		entry.Source = domain.MappingSourceAuto
		merged[column] = entry
	}

	if len(manualEdits) == 0 {
		return merged
	}

	bySelector := fieldIndex(fields)
	for _, column := range textutil.SortedKeys(manualEdits) {
		selector := strings.TrimSpace(manualEdits[column])
		if selector == "" {
			delete(merged, column)
			continue
		}
		for other, entry := range merged {
			if other != column && entry.Selector == selector {
				delete(merged, other)
			}
		}
		entry := MappingEntry{
			Selector:   selector,
			Confidence: 1.0,
			Level:      domain.ConfidenceHigh,
			Source:     domain.MappingSourceManual,
		}
		// Field stays nil when the selector no longer resolves; the entry is
		// kept so the user's intent survives a rescan.
		if field, ok := bySelector[selector]; ok {
			entry.Field = &field
		}
		merged[column] = entry
	}
	return merged
}

// ApplyProfile restores persisted column assignments against a fresh field
// set. Entries whose selectors no longer resolve are dropped without error; a
// profile loaded against a changed target degrades gracefully.
func (mappingMerger) ApplyProfile(entries ProfileEntries, fields []TargetField) Mapping {
	mapping := make(Mapping, len(entries))
	if len(entries) == 0 || len(fields) == 0 {
		return mapping
	}

	bySelector := fieldIndex(fields)
	usedSelectors := make(map[string]struct{}, len(entries))
	for _, column := range textutil.SortedKeys(entries) {
		saved := entries[column]
		field, ok := bySelector[saved.Selector]
		if !ok {
			continue
		}
		if _, taken := usedSelectors[saved.Selector]; taken {
			continue
		}
		usedSelectors[saved.Selector] = struct{}{}

		confidence := defaultProfileConfidence
		if saved.Confidence != nil {
			confidence = clampScore(*saved.Confidence)
		}
		mapping[column] = MappingEntry{
			Field:      &field,
			Selector:   saved.Selector,
			Confidence: confidence,
			Level:      domain.ConfidenceHigh,
			Source:     domain.MappingSourceProfile,
		}
	}
	return mapping
}

// fieldIndex maps selectors to field snapshots, keeping the first field seen
// for a selector when the provider passed duplicates through.
func fieldIndex(fields []TargetField) map[string]TargetField {
	index := make(map[string]TargetField, len(fields))
	for _, field := range fields {
		if field.Selector == "" {
			continue
		}
		if _, ok := index[field.Selector]; !ok {
			index[field.Selector] = field
		}
	}
	return index
}

var _ MappingMerger = mappingMerger{}
