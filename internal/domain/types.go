package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// DataType classifies a dataset column from its sample values.
type DataType string

const (
	// DataTypeText marks free-form text columns.
	DataTypeText DataType = "text"
	// DataTypeEmail marks columns whose samples look like email addresses.
	DataTypeEmail DataType = "email"
	// DataTypePhone marks columns whose samples look like phone numbers.
	DataTypePhone DataType = "phone"
	// DataTypeNumber marks numeric columns.
	DataTypeNumber DataType = "number"
	// DataTypeDate marks date-valued columns, including spreadsheet serials.
	DataTypeDate DataType = "date"
	// DataTypeURL marks columns whose samples parse as URLs.
	DataTypeURL DataType = "url"
	// DataTypeUnknown marks columns with no usable samples.
	DataTypeUnknown DataType = "unknown"
)

// FieldType enumerates the fillable control types a target field may carry.
type FieldType string

const (
	// FieldTypeText is a plain text input.
	FieldTypeText FieldType = "text"
	// FieldTypeEmail is an email input.
	FieldTypeEmail FieldType = "email"
	// FieldTypeTel is a telephone input.
	FieldTypeTel FieldType = "tel"
	// FieldTypeNumber is a numeric input.
	FieldTypeNumber FieldType = "number"
	// FieldTypeRange is a slider input with numeric bounds.
	FieldTypeRange FieldType = "range"
	// FieldTypeDate is a calendar date input.
	FieldTypeDate FieldType = "date"
	// FieldTypeDateTime is a combined date and time input.
	FieldTypeDateTime FieldType = "datetime-local"
	// FieldTypeURL is a URL input.
	FieldTypeURL FieldType = "url"
	// FieldTypeSelectOne is a single-choice select control.
	FieldTypeSelectOne FieldType = "select-one"
	// FieldTypeSelectMultiple is a multi-choice select control.
	FieldTypeSelectMultiple FieldType = "select-multiple"
	// FieldTypeCheckbox is a boolean checkbox.
	FieldTypeCheckbox FieldType = "checkbox"
	// FieldTypeRadio is one control of a radio group.
	FieldTypeRadio FieldType = "radio"
	// FieldTypeTextarea is a multi-line text control.
	FieldTypeTextarea FieldType = "textarea"
	// FieldTypePassword is a password input.
	FieldTypePassword FieldType = "password"
	// FieldTypeHidden is a hidden input, excluded from matching.
	FieldTypeHidden FieldType = "hidden"
)

// FieldOption describes one selectable option of an enumerable control.
type FieldOption struct {
	Value    string
	Text     string
	Selected bool
}

// TargetField describes a fillable destination detected on a target form.
type TargetField struct {
	Selector    string
	Type        FieldType
	Name        string
	ID          string
	Label       string
	Placeholder string
	AriaLabel   string
	Title       string
	Required    bool
	Options     []FieldOption
	Min         *float64
	Max         *float64
	DataAttrs   map[string]string
}

// ConfidenceLevel buckets a match score into coarse confidence tiers.
type ConfidenceLevel string

const (
	// ConfidenceHigh marks scores at or above 0.75 and manual assignments.
	ConfidenceHigh ConfidenceLevel = "high"
	// ConfidenceMedium marks scores in [0.50, 0.75).
	ConfidenceMedium ConfidenceLevel = "medium"
	// ConfidenceLow marks scores in [0.25, 0.50).
	ConfidenceLow ConfidenceLevel = "low"
	// ConfidenceNone marks the absence of a usable match.
	ConfidenceNone ConfidenceLevel = "none"
)

// MappingSource records which path produced a mapping entry.
type MappingSource string

const (
	// MappingSourceAuto marks entries produced by automatic matching.
	MappingSourceAuto MappingSource = "auto"
	// MappingSourceManual marks entries set by an explicit user override.
	MappingSourceManual MappingSource = "manual"
	// MappingSourceProfile marks entries restored from a saved profile.
	MappingSourceProfile MappingSource = "profile"
)

// MappingEntry assigns one column to one target field with provenance metadata.
type MappingEntry struct {
	Field      *TargetField
	Selector   string
	Confidence float64
	Level      ConfidenceLevel
	Source     MappingSource
}

// Mapping relates column names to their assigned target fields. At most one
// entry exists per column and at most one column references each selector.
type Mapping map[string]MappingEntry

// Row holds one record of the source dataset keyed by column name.
type Row map[string]any

// TableData carries one parsed tabular source ready for matching and filling.
type TableData struct {
	Columns []ColumnInfo
	Rows    []Row
}

// TargetState reports the current state of one resolved form control.
type TargetState struct {
	Value   string
	Checked bool
}

// ErrorKind identifies the validation or fill failure classes.
type ErrorKind string

const (
	// ErrKindRequiredEmpty reports a blank value for a required field.
	ErrKindRequiredEmpty ErrorKind = "required_empty"
	// ErrKindInvalidFormat reports a value that does not match the field format.
	ErrKindInvalidFormat ErrorKind = "invalid_format"
	// ErrKindInvalidLength reports a value outside the allowed length range.
	ErrKindInvalidLength ErrorKind = "invalid_length"
	// ErrKindNotANumber reports a value that fails numeric parsing.
	ErrKindNotANumber ErrorKind = "not_a_number"
	// ErrKindBelowMinimum reports a numeric value below the field minimum.
	ErrKindBelowMinimum ErrorKind = "below_minimum"
	// ErrKindAboveMaximum reports a numeric value above the field maximum.
	ErrKindAboveMaximum ErrorKind = "above_maximum"
	// ErrKindNotInOptions reports a value matching none of a select's options.
	ErrKindNotInOptions ErrorKind = "not_in_options"
	// ErrKindTargetNotFound reports a selector that no longer resolves.
	ErrKindTargetNotFound ErrorKind = "target_not_found"
	// ErrKindAborted marks a batch cancelled before completion.
	ErrKindAborted ErrorKind = "aborted"
)

// FieldError carries a classified failure for a single value/field pair.
type FieldError struct {
	Kind    ErrorKind
	Message string
}

// ValidationResult reports the outcome of validating one value against one field.
type ValidationResult struct {
	Valid bool
	Error *FieldError
	Value any
}

// FillOptions carries the caller-tunable fill behaviour switches.
type FillOptions struct {
	SkipFilled  bool
	StopOnError bool
	RowDelay    time.Duration
}

// FillFieldOutcome reports the result of one field write attempt.
type FillFieldOutcome struct {
	Success bool
	Skipped bool
	Error   *FieldError
}

// FillError attributes a failure to a column and selector within a row.
type FillError struct {
	Column   string
	Selector string
	Kind     ErrorKind
	Message  string
}

// FillResult aggregates the outcome of filling one row.
type FillResult struct {
	Success bool
	Filled  int
	Skipped int
	Errors  []FillError
}

// RowResult tags a per-row fill result with its row index. Aborted marks the
// terminal entry of a cancelled batch and carries no fill result.
type RowResult struct {
	Row     int
	Aborted bool
	Result  FillResult
}

// BatchResult aggregates a sequential multi-row fill.
type BatchResult struct {
	TotalFilled int
	TotalErrors int
	Results     []RowResult
}

// BatchProgress is emitted after each processed row of a batch.
type BatchProgress struct {
	Current int
	Total   int
	Result  FillResult
}

// PreviewEntry projects the outcome of one field write without performing it.
type PreviewEntry struct {
	Column        string
	Selector      string
	CurrentValue  string
	ProposedValue any
	Valid         bool
	Error         *FieldError
}

// PreviewResult lists projected outcomes for a whole row plus advisory warnings.
type PreviewResult struct {
	Entries  []PreviewEntry
	Warnings []string
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// AuditLogEntry stores normalized audit information for admin use.
type AuditLogEntry struct {
	ID        string
	Actor     string
	ActorType string
	Action    string
	TargetRef string
	Metadata  map[string]any
	Diff      map[string]any
	IPHash    string
	UserAgent string
	Severity  string
	RequestID string
	CreatedAt time.Time
}

// SignedAssetResponse returns signed URL payloads for upload/download flows.
type SignedAssetResponse struct {
	AssetID   string
	URL       string
	ExpiresAt time.Time
	Method    string
	Headers   map[string]string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
