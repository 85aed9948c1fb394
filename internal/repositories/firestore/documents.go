package firestore

import (
	"maps"
	"slices"
	"strings"
	"time"

	domain "github.com/formbridge/api/internal/domain"
)

// Shared document fragments and helpers used across the Firestore repositories.

type fieldOptionDocument struct {
	Value    string `firestore:"value"`
	Text     string `firestore:"text"`
	Selected bool   `firestore:"selected,omitempty"`
}

type targetFieldDocument struct {
	Selector    string                `firestore:"selector"`
	Type        string                `firestore:"type"`
	Name        string                `firestore:"name,omitempty"`
	ElementID   string                `firestore:"elementId,omitempty"`
	Label       string                `firestore:"label,omitempty"`
	Placeholder string                `firestore:"placeholder,omitempty"`
	AriaLabel   string                `firestore:"ariaLabel,omitempty"`
	Title       string                `firestore:"title,omitempty"`
	Required    bool                  `firestore:"required,omitempty"`
	Options     []fieldOptionDocument `firestore:"options,omitempty"`
	Min         *float64              `firestore:"min,omitempty"`
	Max         *float64              `firestore:"max,omitempty"`
	DataAttrs   map[string]string     `firestore:"dataAttrs,omitempty"`
}

type fillOptionsDocument struct {
	SkipFilled  bool  `firestore:"skipFilled"`
	StopOnError bool  `firestore:"stopOnError"`
	RowDelayMS  int64 `firestore:"rowDelayMs,omitempty"`
}

func encodeTargetFieldDocument(field domain.TargetField) targetFieldDocument {
	options := make([]fieldOptionDocument, 0, len(field.Options))
	for _, opt := range field.Options {
		options = append(options, fieldOptionDocument{
			Value:    opt.Value,
			Text:     opt.Text,
			Selected: opt.Selected,
		})
	}
	if len(options) == 0 {
		options = nil
	}
	return targetFieldDocument{
		Selector:    strings.TrimSpace(field.Selector),
		Type:        strings.TrimSpace(string(field.Type)),
		Name:        strings.TrimSpace(field.Name),
		ElementID:   strings.TrimSpace(field.ID),
		Label:       strings.TrimSpace(field.Label),
		Placeholder: strings.TrimSpace(field.Placeholder),
		AriaLabel:   strings.TrimSpace(field.AriaLabel),
		Title:       strings.TrimSpace(field.Title),
		Required:    field.Required,
		Options:     options,
		Min:         cloneFloatPointer(field.Min),
		Max:         cloneFloatPointer(field.Max),
		DataAttrs:   cloneStringMap(field.DataAttrs),
	}
}

func decodeTargetFieldDocument(doc targetFieldDocument) domain.TargetField {
	options := make([]domain.FieldOption, 0, len(doc.Options))
	for _, opt := range doc.Options {
		options = append(options, domain.FieldOption{
			Value:    opt.Value,
			Text:     opt.Text,
			Selected: opt.Selected,
		})
	}
	if len(options) == 0 {
		options = nil
	}
	return domain.TargetField{
		Selector:    strings.TrimSpace(doc.Selector),
		Type:        domain.FieldType(strings.TrimSpace(doc.Type)),
		Name:        strings.TrimSpace(doc.Name),
		ID:          strings.TrimSpace(doc.ElementID),
		Label:       strings.TrimSpace(doc.Label),
		Placeholder: strings.TrimSpace(doc.Placeholder),
		AriaLabel:   strings.TrimSpace(doc.AriaLabel),
		Title:       strings.TrimSpace(doc.Title),
		Required:    doc.Required,
		Options:     options,
		Min:         cloneFloatPointer(doc.Min),
		Max:         cloneFloatPointer(doc.Max),
		DataAttrs:   cloneStringMap(doc.DataAttrs),
	}
}

func encodeFillOptionsDocument(opts domain.FillOptions) fillOptionsDocument {
	return fillOptionsDocument{
		SkipFilled:  opts.SkipFilled,
		StopOnError: opts.StopOnError,
		RowDelayMS:  opts.RowDelay.Milliseconds(),
	}
}

func decodeFillOptionsDocument(doc fillOptionsDocument) domain.FillOptions {
	return domain.FillOptions{
		SkipFilled:  doc.SkipFilled,
		StopOnError: doc.StopOnError,
		RowDelay:    time.Duration(doc.RowDelayMS) * time.Millisecond,
	}
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	return slices.Clone(values)
}

func cloneAnyMap(values map[string]any) map[string]any {
	if len(values) == 0 {
		return nil
	}
	return maps.Clone(values)
}

func cloneStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	return maps.Clone(values)
}

func cloneFloatPointer(value *float64) *float64 {
	if value == nil {
		return nil
	}
	cloned := *value
	return &cloned
}

func chooseTime(primary time.Time, fallback time.Time) time.Time {
	if !primary.IsZero() {
		return primary.UTC()
	}
	if !fallback.IsZero() {
		return fallback.UTC()
	}
	return time.Time{}
}

func normalizeTimePointer(value *time.Time) *time.Time {
	if value == nil || value.IsZero() {
		return nil
	}
	ts := value.UTC()
	return &ts
}

func ownerDocPath(ownerID string) string {
	trimmed := strings.TrimSpace(ownerID)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "/users/") {
		return trimmed
	}
	if strings.HasPrefix(trimmed, "users/") {
		return "/" + trimmed
	}
	return "/users/" + trimmed
}

func extractOwner(ownerRef string, ownerUID string) string {
	if trimmed := strings.TrimSpace(ownerUID); trimmed != "" {
		return trimmed
	}
	ref := strings.TrimSpace(ownerRef)
	ref = strings.TrimPrefix(ref, "/")
	const prefix = "users/"
	if strings.HasPrefix(ref, prefix) {
		return ref[len(prefix):]
	}
	return ref
}
