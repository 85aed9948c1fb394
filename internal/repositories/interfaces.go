package repositories

import (
	"context"
	"time"

	domain "github.com/formbridge/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Datasets() DatasetRepository
	FieldSets() FieldSetRepository
	MappingProfiles() MappingProfileRepository
	FillRuns() FillRunRepository
	Assets() AssetRepository
	AuditLogs() AuditLogRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// DatasetRepository persists dataset metadata. Row payloads stay in object
// storage under the dataset's StoragePath; only column summaries live here.
type DatasetRepository interface {
	Insert(ctx context.Context, dataset domain.Dataset) error
	Update(ctx context.Context, dataset domain.Dataset) error
	Delete(ctx context.Context, datasetID string) error
	FindByID(ctx context.Context, datasetID string) (domain.Dataset, error)
	ListByOwner(ctx context.Context, ownerID string, filter DatasetListFilter) (domain.CursorPage[domain.Dataset], error)
}

// FieldSetRepository persists detected target form field sets.
type FieldSetRepository interface {
	Insert(ctx context.Context, set domain.FieldSet) error
	Update(ctx context.Context, set domain.FieldSet) error
	Delete(ctx context.Context, fieldSetID string) error
	FindByID(ctx context.Context, fieldSetID string) (domain.FieldSet, error)
	// FindByTargetKey retrieves the newest field set scanned for a target
	// environment. Should return a RepositoryError with IsNotFound when the
	// owner has never scanned that target.
	FindByTargetKey(ctx context.Context, ownerID string, targetKey string) (domain.FieldSet, error)
	ListByOwner(ctx context.Context, ownerID string, filter FieldSetListFilter) (domain.CursorPage[domain.FieldSet], error)
}

// MappingProfileRepository persists saved column-to-selector assignments.
type MappingProfileRepository interface {
	Insert(ctx context.Context, profile domain.MappingProfile) error
	Update(ctx context.Context, profile domain.MappingProfile) error
	Delete(ctx context.Context, profileID string) error
	FindByID(ctx context.Context, profileID string) (domain.MappingProfile, error)
	FindByName(ctx context.Context, ownerID string, targetKey string, name string) (domain.MappingProfile, error)
	ListByTarget(ctx context.Context, ownerID string, filter ProfileListFilter) (domain.CursorPage[domain.MappingProfile], error)
}

// FillRunRepository persists batch execution state and per-row outcomes.
type FillRunRepository interface {
	Insert(ctx context.Context, run domain.FillRun) error
	Update(ctx context.Context, run domain.FillRun) error
	// UpdateProgress patches only the progress and totals of a running run so
	// the executor can report without racing full-document writes.
	UpdateProgress(ctx context.Context, runID string, progress domain.RunProgress, totals domain.RunTotals, updatedAt time.Time) error
	FindByID(ctx context.Context, runID string) (domain.FillRun, error)
	FindByIdempotencyKey(ctx context.Context, ownerID string, key string) (domain.FillRun, error)
	List(ctx context.Context, filter FillRunListFilter) (domain.CursorPage[domain.FillRun], error)
}

// AssetRepository handles metadata synchronized with Cloud Storage objects.
type AssetRepository interface {
	CreateSignedUpload(ctx context.Context, cmd SignedUploadRecord) (domain.SignedAssetResponse, error)
	CreateSignedDownload(ctx context.Context, cmd SignedDownloadRecord) (domain.SignedAssetResponse, error)
	MarkUploaded(ctx context.Context, assetID string, actorID string, metadata map[string]any) error
}

// AuditLogRepository persists immutable audit trail entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type DatasetListFilter struct {
	NameQuery    string
	UpdatedAfter *time.Time
	Pagination   domain.Pagination
}

type FieldSetListFilter struct {
	TargetKey  *string
	Pagination domain.Pagination
}

type ProfileListFilter struct {
	TargetKey  *string
	Pagination domain.Pagination
}

type FillRunListFilter struct {
	OwnerID    string
	DatasetID  *string
	FieldSetID *string
	Status     []string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	ActorType  string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

type SignedUploadRecord struct {
	ActorID     string
	DatasetID   *string
	Kind        string
	Purpose     string
	FileName    string
	ContentType string
	SizeBytes   int64
}

type SignedDownloadRecord struct {
	ActorID string
	AssetID string
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
