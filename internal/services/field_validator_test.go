package services

import (
	"testing"
	"time"

	domain "github.com/formbridge/api/internal/domain"
)

func floatPtr(v float64) *float64 { return &v }

func TestFieldValidator_RequiredEmpty(t *testing.T) {
	validator := NewFieldValidator()
	field := TargetField{Selector: "#name", Type: domain.FieldTypeText, Required: true}

	for _, value := range []any{nil, "", "   "} {
		result := validator.Validate(value, field)
		if result.Valid {
			t.Fatalf("expected %v to fail the required check", value)
		}
		if result.Error == nil || result.Error.Kind != domain.ErrKindRequiredEmpty {
			t.Fatalf("expected required_empty, got %+v", result.Error)
		}
	}

	if result := validator.Validate("Jane", field); !result.Valid {
		t.Fatalf("expected non-blank value to pass, got %+v", result.Error)
	}
}

func TestFieldValidator_Email(t *testing.T) {
	validator := NewFieldValidator()
	field := TargetField{Selector: "#email", Type: domain.FieldTypeEmail}

	result := validator.Validate("a@b.com", field)
	if !result.Valid {
		t.Fatalf("expected valid email, got %+v", result.Error)
	}
	if result.Value != "a@b.com" {
		t.Fatalf("expected email to pass unchanged, got %v", result.Value)
	}

	result = validator.Validate("not-an-email", field)
	if result.Valid || result.Error.Kind != domain.ErrKindInvalidFormat {
		t.Fatalf("expected invalid_format, got %+v", result)
	}

	if result := validator.Validate("", field); !result.Valid || result.Value != "" {
		t.Fatalf("expected blank optional email to pass, got %+v", result)
	}
}

func TestFieldValidator_Tel(t *testing.T) {
	validator := NewFieldValidator()
	field := TargetField{Selector: "#tel", Type: domain.FieldTypeTel}

	result := validator.Validate("  +81 (3) 1234-5678  ", field)
	if !result.Valid {
		t.Fatalf("expected formatted number to pass, got %+v", result.Error)
	}
	if result.Value != "+81 (3) 1234-5678" {
		t.Fatalf("expected original trimmed string, got %v", result.Value)
	}

	for _, value := range []string{"12345", "12345678901234567890"} {
		result := validator.Validate(value, field)
		if result.Valid || result.Error.Kind != domain.ErrKindInvalidLength {
			t.Fatalf("expected invalid_length for %q, got %+v", value, result)
		}
	}
}

func TestFieldValidator_Number(t *testing.T) {
	validator := NewFieldValidator()
	field := TargetField{
		Selector: "#qty",
		Type:     domain.FieldTypeNumber,
		Min:      floatPtr(1),
		Max:      floatPtr(100),
	}

	result := validator.Validate("42.5", field)
	if !result.Valid {
		t.Fatalf("expected numeric string to pass, got %+v", result.Error)
	}
	if result.Value != 42.5 {
		t.Fatalf("expected coerced float 42.5, got %v", result.Value)
	}

	if result := validator.Validate(7, field); !result.Valid || result.Value != 7.0 {
		t.Fatalf("expected native int to coerce, got %+v", result)
	}

	cases := []struct {
		value string
		kind  ErrorKind
	}{
		{value: "abc", kind: domain.ErrKindNotANumber},
		{value: "0.5", kind: domain.ErrKindBelowMinimum},
		{value: "101", kind: domain.ErrKindAboveMaximum},
	}
	for _, tc := range cases {
		result := validator.Validate(tc.value, field)
		if result.Valid || result.Error.Kind != tc.kind {
			t.Fatalf("expected %s for %q, got %+v", tc.kind, tc.value, result)
		}
	}

	if result := validator.Validate("", field); !result.Valid || result.Value != "" {
		t.Fatalf("expected blank optional number to pass as empty, got %+v", result)
	}
}

func TestFieldValidator_Date(t *testing.T) {
	validator := NewFieldValidator()
	field := TargetField{Selector: "#date", Type: domain.FieldTypeDate}

	cases := []struct {
		name  string
		value any
		want  string
	}{
		{name: "iso", value: "2024-03-05", want: "2024-03-05"},
		{name: "us slash", value: "3/5/2024", want: "2024-03-05"},
		{name: "month name", value: "March 5, 2024", want: "2024-03-05"},
		{name: "spreadsheet serial string", value: "45678", want: "2025-01-21"},
		{name: "spreadsheet serial number", value: 45678.0, want: "2025-01-21"},
		{name: "native time", value: time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC), want: "2024-03-05"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			result := validator.Validate(tc.value, field)
			if !result.Valid {
				t.Fatalf("expected valid date, got %+v", result.Error)
			}
			if result.Value != tc.want {
				t.Fatalf("expected %q, got %v", tc.want, result.Value)
			}
		})
	}

	result := validator.Validate("not a date", field)
	if result.Valid || result.Error.Kind != domain.ErrKindInvalidFormat {
		t.Fatalf("expected invalid_format, got %+v", result)
	}
}

func TestFieldValidator_DateTimeCoercesToDate(t *testing.T) {
	validator := NewFieldValidator()
	field := TargetField{Selector: "#when", Type: domain.FieldTypeDateTime}

	result := validator.Validate("2024-03-05T10:30", field)
	if !result.Valid || result.Value != "2024-03-05" {
		t.Fatalf("expected canonical date output, got %+v", result)
	}
}

func TestFieldValidator_Select(t *testing.T) {
	validator := NewFieldValidator()
	options := []FieldOption{
		{Value: "y", Text: "Yes"},
		{Value: "n", Text: "No"},
		{Value: "us", Text: "United States"},
	}
	field := TargetField{Selector: "#choice", Type: domain.FieldTypeSelectOne, Options: options}

	result := validator.Validate("Yes", field)
	if !result.Valid || result.Value != "y" {
		t.Fatalf("expected display text to coerce to option value, got %+v", result)
	}

	if result := validator.Validate("N", field); !result.Valid || result.Value != "n" {
		t.Fatalf("expected exact value match, got %+v", result)
	}

	if result := validator.Validate("States", field); !result.Valid || result.Value != "us" {
		t.Fatalf("expected contains match, got %+v", result)
	}

	result = validator.Validate("zzz", field)
	if result.Valid || result.Error.Kind != domain.ErrKindNotInOptions {
		t.Fatalf("expected not_in_options, got %+v", result)
	}

	bare := TargetField{Selector: "#free", Type: domain.FieldTypeSelectOne}
	if result := validator.Validate("anything", bare); !result.Valid || result.Value != "anything" {
		t.Fatalf("expected option-less select to pass through, got %+v", result)
	}
}

func TestFieldValidator_URL(t *testing.T) {
	validator := NewFieldValidator()
	field := TargetField{Selector: "#site", Type: domain.FieldTypeURL}

	result := validator.Validate("https://example.com/path", field)
	if !result.Valid || result.Value != "https://example.com/path" {
		t.Fatalf("expected absolute URL unchanged, got %+v", result)
	}

	result = validator.Validate("example.com", field)
	if !result.Valid || result.Value != "https://example.com" {
		t.Fatalf("expected https prefix retry, got %+v", result)
	}

	result = validator.Validate("not a url", field)
	if result.Valid || result.Error.Kind != domain.ErrKindInvalidFormat {
		t.Fatalf("expected invalid_format, got %+v", result)
	}
}

func TestFieldValidator_PassThroughTypes(t *testing.T) {
	validator := NewFieldValidator()

	for _, fieldType := range []FieldType{
		domain.FieldTypeText,
		domain.FieldTypeTextarea,
		domain.FieldTypeCheckbox,
		domain.FieldTypeRadio,
		domain.FieldTypeHidden,
		FieldType("custom-widget"),
	} {
		field := TargetField{Selector: "#x", Type: fieldType}
		result := validator.Validate("raw value", field)
		if !result.Valid {
			t.Fatalf("expected %s to pass through, got %+v", fieldType, result.Error)
		}
		if result.Value != "raw value" {
			t.Fatalf("expected untouched value for %s, got %v", fieldType, result.Value)
		}
	}
}
