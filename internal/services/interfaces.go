package services

import (
	"context"
	"io"
	"time"

	domain "github.com/formbridge/api/internal/domain"
	"github.com/formbridge/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination          = domain.Pagination
	SortOrder           = domain.SortOrder
	DataType            = domain.DataType
	FieldType           = domain.FieldType
	FieldOption         = domain.FieldOption
	TargetField         = domain.TargetField
	ColumnInfo          = domain.ColumnInfo
	ConfidenceLevel     = domain.ConfidenceLevel
	MappingSource       = domain.MappingSource
	MappingEntry        = domain.MappingEntry
	Mapping             = domain.Mapping
	Row                 = domain.Row
	ErrorKind           = domain.ErrorKind
	FieldError          = domain.FieldError
	ValidationResult    = domain.ValidationResult
	FillOptions         = domain.FillOptions
	FillFieldOutcome    = domain.FillFieldOutcome
	FillError           = domain.FillError
	FillResult          = domain.FillResult
	RowResult           = domain.RowResult
	BatchResult         = domain.BatchResult
	BatchProgress       = domain.BatchProgress
	PreviewEntry        = domain.PreviewEntry
	PreviewResult       = domain.PreviewResult
	Dataset             = domain.Dataset
	FieldSet            = domain.FieldSet
	MappingProfile      = domain.MappingProfile
	ProfileEntry        = domain.ProfileEntry
	ProfileEntries      = domain.ProfileEntries
	FillRun             = domain.FillRun
	FillRunStatus       = domain.FillRunStatus
	RunProgress         = domain.RunProgress
	RunTotals           = domain.RunTotals
	TargetState         = domain.TargetState
	TableData           = domain.TableData
	SystemHealthReport  = domain.SystemHealthReport
	AuditLogEntry       = domain.AuditLogEntry
	SignedAssetResponse = domain.SignedAssetResponse
)

// SynonymLookup resolves domain-equivalent terms to a shared canonical form.
// Implementations are immutable after construction so lookups are safe for
// concurrent use.
type SynonymLookup interface {
	Canonical(term string) (string, bool)
	Synonymous(a string, b string) bool
}

// FieldMatcher scores column/field affinity and derives complete automatic
// mappings. Both operations are pure: they never mutate their inputs and
// return fresh values on every call.
type FieldMatcher interface {
	// Score rates how well a column matches a target field on a [0,1] scale.
	// Pass domain.DataTypeUnknown when the column type has not been inferred.
	Score(column string, field TargetField, columnType DataType) float64
	// AutoMap assigns columns to fields greedily by descending score,
	// skipping pairs below the minimum confidence threshold. Each column and
	// each selector appears at most once in the result.
	AutoMap(columns []ColumnInfo, fields []TargetField) Mapping
}

// MappingMerger reconciles automatic mappings with manual edits and saved
// profiles. Like the matcher, all operations return new mappings.
type MappingMerger interface {
	// Merge overlays manual selector edits onto an automatic mapping. An
	// empty selector deletes the column's entry; a non-empty selector pins
	// the column to that target with full confidence.
	Merge(auto Mapping, manualEdits map[string]string, fields []TargetField) Mapping
	// ApplyProfile restores a persisted profile against a fresh field set,
	// silently dropping entries whose selectors no longer resolve.
	ApplyProfile(entries ProfileEntries, fields []TargetField) Mapping
}

// FieldValidator checks a raw row value against one target field's
// constraints, coercing where the target type demands it. Failures are
// reported inside the result, never as an error return.
type FieldValidator interface {
	Validate(value any, field TargetField) ValidationResult
}

// ProgressFunc receives one notification per processed batch row.
type ProgressFunc func(progress BatchProgress)

// FillOrchestrator drives validated writes into a form target. All failure
// modes are folded into the returned result values so partial outcomes stay
// inspectable; resolution errors surface as target_not_found field errors.
type FillOrchestrator interface {
	FillField(ctx context.Context, target FormTarget, value any, field TargetField, opts FillOptions) FillFieldOutcome
	FillRow(ctx context.Context, target FormTarget, mapping Mapping, row Row, opts FillOptions) FillResult
	// FillBatch walks rows sequentially, emitting progress after each row and
	// honouring the abort signal at the top of every iteration. A cancelled
	// batch ends with a trailing aborted row marker. A nil abort signal makes
	// the batch cancellable through ctx only.
	FillBatch(ctx context.Context, target FormTarget, mapping Mapping, rows []Row, opts FillOptions, abort *AbortSignal, onProgress ProgressFunc) BatchResult
	// Preview runs the fill validation path without writing anything.
	Preview(ctx context.Context, target FormTarget, mapping Mapping, row Row) PreviewResult
}

// FormTarget abstracts the form being written to, whether a rendered document
// or a live bridge. Resolve reports found=false for selectors that no longer
// match anything; the error return is reserved for transport failures.
type FormTarget interface {
	Resolve(ctx context.Context, selector string) (TargetState, bool, error)
	SetValue(ctx context.Context, selector string, value string) error
	SetChecked(ctx context.Context, selector string, checked bool) error
	// SelectRadio checks the member of the named radio group whose value
	// matches, reporting found=false when no member carries that value.
	SelectRadio(ctx context.Context, name string, value string) (bool, error)
}

// FillIndicator receives per-field outcome notifications after each write
// attempt. Purely cosmetic; fill decisions never depend on it.
type FillIndicator interface {
	FieldFilled(ctx context.Context, selector string)
	FieldFailed(ctx context.Context, selector string, kind ErrorKind)
}

// TableParser turns raw spreadsheet bytes into ordered columns and rows with
// blank rows already filtered out.
type TableParser interface {
	Parse(ctx context.Context, r io.Reader) (TableData, error)
}

// FormScanner detects fillable fields in a markup document.
type FormScanner interface {
	Scan(ctx context.Context, r io.Reader) ([]TargetField, error)
}

// ObjectStore reads and writes payload objects referenced by dataset, field
// set, and run records.
type ObjectStore interface {
	Download(ctx context.Context, path string) ([]byte, error)
	Upload(ctx context.Context, path string, contentType string, data []byte) error
}

// RunEventPublisher accepts fill run lifecycle notifications for downstream processing.
type RunEventPublisher interface {
	PublishRunEvent(ctx context.Context, event RunEvent) error
}

// DatasetService manages ingestion and lifecycle of tabular sources.
type DatasetService interface {
	IngestDataset(ctx context.Context, cmd IngestDatasetCommand) (Dataset, error)
	GetDataset(ctx context.Context, datasetID string) (Dataset, error)
	ListDatasets(ctx context.Context, filter DatasetListFilter) (domain.CursorPage[Dataset], error)
	DeleteDataset(ctx context.Context, cmd DeleteDatasetCommand) error
	// LoadRows re-parses the stored source payload into rows for mapping
	// previews and run execution.
	LoadRows(ctx context.Context, datasetID string) (TableData, error)
}

// FieldSetService captures and serves target form detection passes.
type FieldSetService interface {
	ScanFieldSet(ctx context.Context, cmd ScanFieldSetCommand) (FieldSet, error)
	RegisterFieldSet(ctx context.Context, cmd RegisterFieldSetCommand) (FieldSet, error)
	GetFieldSet(ctx context.Context, fieldSetID string) (FieldSet, error)
	GetByTargetKey(ctx context.Context, ownerID string, targetKey string) (FieldSet, error)
	ListFieldSets(ctx context.Context, filter FieldSetListFilter) (domain.CursorPage[FieldSet], error)
	DeleteFieldSet(ctx context.Context, cmd DeleteFieldSetCommand) error
}

// MappingService exposes matching and merge flows over stored datasets and field sets.
type MappingService interface {
	AutoMap(ctx context.Context, cmd AutoMapCommand) (Mapping, error)
	MergeMapping(ctx context.Context, cmd MergeMappingCommand) (Mapping, error)
	PreviewRow(ctx context.Context, cmd PreviewRowCommand) (PreviewResult, error)
}

// ProfileService persists and restores named mappings per target environment.
type ProfileService interface {
	SaveProfile(ctx context.Context, cmd SaveProfileCommand) (MappingProfile, error)
	GetProfile(ctx context.Context, profileID string) (MappingProfile, error)
	ListProfiles(ctx context.Context, filter ProfileListFilter) (domain.CursorPage[MappingProfile], error)
	ApplyProfile(ctx context.Context, cmd ApplyProfileCommand) (Mapping, error)
	DeleteProfile(ctx context.Context, cmd DeleteProfileCommand) error
}

// FillRunService coordinates batch execution lifecycle over stored datasets.
type FillRunService interface {
	StartRun(ctx context.Context, cmd StartFillRunCommand) (FillRun, error)
	GetRun(ctx context.Context, runID string) (FillRun, error)
	ListRuns(ctx context.Context, filter FillRunListFilter) (domain.CursorPage[FillRun], error)
	StopRun(ctx context.Context, cmd StopFillRunCommand) (FillRun, error)
}

// FillDispatcher executes queued fill runs on background workers and tracks
// their cancellation tokens.
type FillDispatcher interface {
	Enqueue(ctx context.Context, runID string) error
	// Stop trips the abort signal of an active run. It reports false when the
	// run is not currently executing on this instance.
	Stop(ctx context.Context, runID string) (bool, error)
	ActiveRuns() []string
	Shutdown(ctx context.Context) error
}

// AssetService issues signed URLs and coordinates storage metadata syncing.
type AssetService interface {
	IssueSignedUpload(ctx context.Context, cmd SignedUploadCommand) (SignedAssetResponse, error)
	IssueSignedDownload(ctx context.Context, cmd SignedDownloadCommand) (SignedAssetResponse, error)
}

// SystemService aggregates utility endpoints (health checks, audit logs, counters).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	ListAuditLogs(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
	NextCounterValue(ctx context.Context, cmd CounterCommand) (int64, error)
}

// AuditLogService centralizes immutable audit log persistence and retrieval.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
}

// CounterService issues sequence numbers with optional formatting on top of
// the counter repository.
type CounterService interface {
	Next(ctx context.Context, scope string, name string, opts CounterGenerationOptions) (CounterValue, error)
	NextRunNumber(ctx context.Context) (string, error)
}

// CounterGenerationOptions controls how counter values are incremented and formatted.
type CounterGenerationOptions struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
	Prefix       string
	Suffix       string
	PadLength    int
	Formatter    func(now time.Time, value int64) string
}

// CounterValue pairs a raw sequence value with its formatted representation.
type CounterValue struct {
	Value     int64
	Formatted string
}

// ErrorTranslator converts repository or platform errors into domain-aware sentinel errors.
type ErrorTranslator interface {
	Translate(err error) error
}

// DomainError represents a structured error with stable codes for transport across layers.
type DomainError interface {
	error
	Code() string
	SafeMessage() string
}

// Command and DTO definitions ------------------------------------------------

type IngestDatasetCommand struct {
	OwnerID     string
	Name        string
	FileName    string
	ContentType string
	Content     []byte
	StoragePath string
}

type DeleteDatasetCommand struct {
	DatasetID   string
	RequestedBy string
}

type DatasetListFilter struct {
	OwnerID   string
	NameQuery string
	Pagination
}

type ScanFieldSetCommand struct {
	OwnerID     string
	TargetKey   string
	Title       string
	SourceURL   string
	HTML        []byte
	StoragePath string
}

type RegisterFieldSetCommand struct {
	OwnerID   string
	TargetKey string
	Title     string
	SourceURL string
	Fields    []TargetField
	ScannedAt *time.Time
}

type DeleteFieldSetCommand struct {
	FieldSetID  string
	RequestedBy string
}

type FieldSetListFilter struct {
	OwnerID   string
	TargetKey *string
	Pagination
}

type AutoMapCommand struct {
	DatasetID  string
	FieldSetID string
}

// MergeMappingCommand overlays manual edits onto an automatic mapping. Auto
// entries may arrive with nil Field pointers (e.g. replayed from a client);
// the service re-resolves them against the stored field set.
type MergeMappingCommand struct {
	FieldSetID  string
	Auto        Mapping
	ManualEdits map[string]string
}

type PreviewRowCommand struct {
	DatasetID  string
	FieldSetID string
	RowIndex   int
	Mapping    Mapping
}

type SaveProfileCommand struct {
	OwnerID   string
	ProfileID *string
	Name      string
	TargetKey string
	Entries   ProfileEntries
	Options   *domain.FillOptions
}

type ApplyProfileCommand struct {
	ProfileID  string
	FieldSetID string
}

type ProfileListFilter struct {
	OwnerID   string
	TargetKey *string
	Pagination
}

type DeleteProfileCommand struct {
	ProfileID   string
	RequestedBy string
}

// StartFillRunCommand accepts either an explicit mapping, a profile to
// restore, or neither, in which case the run is auto-mapped at start.
type StartFillRunCommand struct {
	OwnerID        string
	DatasetID      string
	FieldSetID     string
	ProfileID      *string
	Mapping        Mapping
	ManualEdits    map[string]string
	Options        FillOptions
	IdempotencyKey string
}

type StopFillRunCommand struct {
	RunID       string
	RequestedBy string
	Reason      string
}

type FillRunListFilter = repositories.FillRunListFilter

// RunEvent describes one fill run lifecycle transition for event consumers.
type RunEvent struct {
	Name       string
	RunID      string
	RunNumber  string
	OwnerID    string
	Status     FillRunStatus
	Totals     RunTotals
	OccurredAt time.Time
}

type SignedUploadCommand struct {
	ActorID     string
	DatasetID   *string
	Kind        string
	Purpose     string
	FileName    string
	ContentType string
	SizeBytes   int64
}

type SignedDownloadCommand struct {
	ActorID string
	AssetID string
}

// AuditLogRecord defines the payload accepted by the audit writer service.
type AuditLogRecord struct {
	Actor                 string
	ActorType             string
	Action                string
	TargetRef             string
	Severity              string
	RequestID             string
	OccurredAt            time.Time
	Metadata              map[string]any
	Diff                  map[string]AuditLogDiff
	SensitiveMetadataKeys []string
	SensitiveDiffKeys     []string
	IPAddress             string
	UserAgent             string
}

// AuditLogDiff captures before/after values for tracked fields.
type AuditLogDiff struct {
	Before any
	After  any
}

type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	ActorType  string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination Pagination
}

type CounterCommand struct {
	CounterID string
	Step      int64
}
