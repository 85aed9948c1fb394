package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/formbridge/api/internal/domain"
	"github.com/formbridge/api/internal/platform/pagination"
	"github.com/formbridge/api/internal/platform/storage"
	"github.com/formbridge/api/internal/repositories"
)

var (
	// ErrDatasetInvalidInput indicates the caller provided invalid arguments.
	ErrDatasetInvalidInput = errors.New("dataset: invalid input")
	// ErrDatasetNotFound indicates the requested dataset does not exist.
	ErrDatasetNotFound = errors.New("dataset: not found")
	// ErrDatasetConflict indicates the operation would conflict with existing state.
	ErrDatasetConflict = errors.New("dataset: conflict")
	// ErrDatasetAccessDenied indicates the actor does not own the dataset.
	ErrDatasetAccessDenied = errors.New("dataset: access denied")
	// ErrDatasetRepositoryUnavailable signals that persistence dependencies are unavailable.
	ErrDatasetRepositoryUnavailable = errors.New("dataset: repository unavailable")
	// ErrDatasetStorageUnavailable signals the payload store dependency is unavailable.
	ErrDatasetStorageUnavailable = errors.New("dataset: object store unavailable")
)

const (
	datasetIDPrefix     = "ds_"
	maxDatasetNameLen   = 120
	maxDatasetSizeBytes = int64(20 * 1024 * 1024)
	defaultDatasetType  = "text/csv"
)

var allowedDatasetContentTypes = map[string]struct{}{
	"text/csv":                  {},
	"application/csv":           {},
	"text/plain":                {},
	"text/tab-separated-values": {},
	"application/octet-stream":  {},
}

type ingestDatasetParams struct {
	ownerID     string
	name        string
	fileName    string
	contentType string
	content     []byte
	storagePath string
}

// SourceArchiver copies a staged upload into a dataset's canonical storage
// location. The signed upload flow parks objects under a temporary prefix;
// archiving pins the source to a path owned by the dataset itself.
type SourceArchiver interface {
	CopyObject(ctx context.Context, sourceBucket, sourceObject, destBucket, destObject string) error
}

// DatasetServiceDeps wires dependencies for the dataset service implementation.
type DatasetServiceDeps struct {
	Datasets     repositories.DatasetRepository
	Parser       TableParser
	Store        ObjectStore
	Audit        AuditLogService
	Archiver     SourceArchiver
	Clock        func() time.Time
	IDGenerator  func() string
	AssetsBucket string
	Logger       func(context.Context, string, map[string]any)
}

type datasetService struct {
	datasets     repositories.DatasetRepository
	parser       TableParser
	store        ObjectStore
	audit        AuditLogService
	archiver     SourceArchiver
	clock        func() time.Time
	newID        func() string
	assetsBucket string
	logger       func(context.Context, string, map[string]any)
}

// NewDatasetService constructs a DatasetService backed by the provided dependencies.
func NewDatasetService(deps DatasetServiceDeps) (DatasetService, error) {
	if deps.Datasets == nil {
		return nil, errors.New("dataset service: datasets repository is required")
	}
	if deps.Parser == nil {
		return nil, errors.New("dataset service: table parser is required")
	}
	if deps.Store == nil {
		return nil, errors.New("dataset service: object store is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &datasetService{
		datasets:     deps.Datasets,
		parser:       deps.Parser,
		store:        deps.Store,
		audit:        deps.Audit,
		archiver:     deps.Archiver,
		clock:        func() time.Time { return clock().UTC() },
		newID:        idGen,
		assetsBucket: strings.TrimSpace(deps.AssetsBucket),
		logger:       logger,
	}, nil
}

// IngestDataset parses the source payload, persists it to object storage, and
// records the column summary. Callers may pass the payload inline or reference
// an object already uploaded through the signed upload flow.
func (s *datasetService) IngestDataset(ctx context.Context, cmd IngestDatasetCommand) (Dataset, error) {
	params, err := s.prepareIngestParams(cmd)
	if err != nil {
		return Dataset{}, err
	}

	raw := params.content
	if len(raw) == 0 {
		raw, err = s.store.Download(ctx, params.storagePath)
		if err != nil {
			return Dataset{}, fmt.Errorf("%w: download %s: %v", ErrDatasetStorageUnavailable, params.storagePath, err)
		}
		if int64(len(raw)) > maxDatasetSizeBytes {
			return Dataset{}, fmt.Errorf("%w: source exceeds maximum size (%d bytes)", ErrDatasetInvalidInput, maxDatasetSizeBytes)
		}
	}

	table, err := s.parser.Parse(ctx, bytes.NewReader(raw))
	if err != nil {
		return Dataset{}, fmt.Errorf("%w: %v", ErrDatasetInvalidInput, err)
	}
	if len(table.Columns) == 0 {
		return Dataset{}, fmt.Errorf("%w: source has no columns", ErrDatasetInvalidInput)
	}

	now := s.now()
	datasetID := s.nextDatasetID()

	storagePath := params.storagePath
	if storagePath == "" {
		storagePath, err = storage.BuildObjectPath(storage.PurposeDatasetSource, storage.PathParams{
			DatasetID: datasetID,
			UploadID:  "upload-" + strings.ToLower(s.newID()),
			FileName:  params.fileName,
		})
		if err != nil {
			return Dataset{}, fmt.Errorf("%w: %v", ErrDatasetInvalidInput, err)
		}
		if err := s.store.Upload(ctx, storagePath, params.contentType, raw); err != nil {
			return Dataset{}, fmt.Errorf("%w: upload %s: %v", ErrDatasetStorageUnavailable, storagePath, err)
		}
	} else {
		storagePath = s.archiveSource(ctx, datasetID, params.fileName, storagePath)
	}

	name := params.name
	if name == "" {
		name = defaultDatasetName(datasetID, params.fileName)
	}

	dataset := Dataset{
		ID:          datasetID,
		Name:        name,
		OwnerID:     params.ownerID,
		StoragePath: storagePath,
		Columns:     cloneColumnInfos(table.Columns),
		RowCount:    len(table.Rows),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.datasets.Insert(ctx, dataset); err != nil {
		return Dataset{}, s.mapRepositoryError(err)
	}

	s.recordDatasetAudit(ctx, dataset, "dataset.ingest", map[string]any{
		"rowCount":    dataset.RowCount,
		"columnCount": len(dataset.Columns),
		"fileName":    params.fileName,
	})

	s.logger(ctx, "dataset ingested", map[string]any{
		"datasetId": dataset.ID,
		"rows":      dataset.RowCount,
		"columns":   len(dataset.Columns),
	})

	return dataset, nil
}

// GetDataset fetches a single dataset by ID.
func (s *datasetService) GetDataset(ctx context.Context, datasetID string) (Dataset, error) {
	if s.datasets == nil {
		return Dataset{}, ErrDatasetRepositoryUnavailable
	}
	datasetID = strings.TrimSpace(datasetID)
	if datasetID == "" {
		return Dataset{}, fmt.Errorf("%w: dataset_id is required", ErrDatasetInvalidInput)
	}
	dataset, err := s.datasets.FindByID(ctx, datasetID)
	if err != nil {
		return Dataset{}, s.mapRepositoryError(err)
	}
	return dataset, nil
}

// ListDatasets returns datasets owned by a user, optionally filtered by name prefix.
func (s *datasetService) ListDatasets(ctx context.Context, filter DatasetListFilter) (domain.CursorPage[Dataset], error) {
	if s.datasets == nil {
		return domain.CursorPage[Dataset]{}, ErrDatasetRepositoryUnavailable
	}
	ownerID := strings.TrimSpace(filter.OwnerID)
	if ownerID == "" {
		return domain.CursorPage[Dataset]{}, fmt.Errorf("%w: owner_id is required", ErrDatasetInvalidInput)
	}
	page, err := s.datasets.ListByOwner(ctx, ownerID, repositories.DatasetListFilter{
		NameQuery:  strings.TrimSpace(filter.NameQuery),
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Dataset]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// DeleteDataset removes a dataset after confirming ownership.
func (s *datasetService) DeleteDataset(ctx context.Context, cmd DeleteDatasetCommand) error {
	if s.datasets == nil {
		return ErrDatasetRepositoryUnavailable
	}
	datasetID := strings.TrimSpace(cmd.DatasetID)
	if datasetID == "" {
		return fmt.Errorf("%w: dataset_id is required", ErrDatasetInvalidInput)
	}
	requestedBy := strings.TrimSpace(cmd.RequestedBy)
	if requestedBy == "" {
		return fmt.Errorf("%w: requested_by is required", ErrDatasetInvalidInput)
	}

	dataset, err := s.datasets.FindByID(ctx, datasetID)
	if err != nil {
		return s.mapRepositoryError(err)
	}
	if dataset.OwnerID != "" && dataset.OwnerID != requestedBy {
		return fmt.Errorf("%w: dataset %s", ErrDatasetAccessDenied, datasetID)
	}

	if err := s.datasets.Delete(ctx, datasetID); err != nil {
		return s.mapRepositoryError(err)
	}

	s.recordDatasetAudit(ctx, dataset, "dataset.delete", map[string]any{
		"requestedBy": requestedBy,
	})

	return nil
}

// LoadRows re-parses the stored source payload into rows for previews and runs.
func (s *datasetService) LoadRows(ctx context.Context, datasetID string) (TableData, error) {
	dataset, err := s.GetDataset(ctx, datasetID)
	if err != nil {
		return TableData{}, err
	}
	if strings.TrimSpace(dataset.StoragePath) == "" {
		return TableData{}, fmt.Errorf("%w: dataset %s has no stored source", ErrDatasetInvalidInput, dataset.ID)
	}
	if s.store == nil {
		return TableData{}, ErrDatasetStorageUnavailable
	}

	raw, err := s.store.Download(ctx, dataset.StoragePath)
	if err != nil {
		return TableData{}, fmt.Errorf("%w: download %s: %v", ErrDatasetStorageUnavailable, dataset.StoragePath, err)
	}

	table, err := s.parser.Parse(ctx, bytes.NewReader(raw))
	if err != nil {
		return TableData{}, fmt.Errorf("%w: %v", ErrDatasetInvalidInput, err)
	}
	return table, nil
}

// archiveSource copies a source referenced from the upload staging area to the
// dataset's canonical path. The staged object keeps serving reads when the
// copy cannot run or fails, so the original path is returned in those cases.
func (s *datasetService) archiveSource(ctx context.Context, datasetID, fileName, stagedPath string) string {
	if s.archiver == nil || s.assetsBucket == "" {
		return stagedPath
	}
	canonical, err := storage.BuildObjectPath(storage.PurposeDatasetSource, storage.PathParams{
		DatasetID: datasetID,
		UploadID:  "upload-" + strings.ToLower(s.newID()),
		FileName:  fileName,
	})
	if err != nil || canonical == stagedPath {
		return stagedPath
	}
	if err := s.archiver.CopyObject(ctx, s.assetsBucket, stagedPath, s.assetsBucket, canonical); err != nil {
		s.logger(ctx, "dataset source archive failed", map[string]any{
			"datasetId": datasetID,
			"from":      stagedPath,
			"error":     err.Error(),
		})
		return stagedPath
	}
	return canonical
}

func (s *datasetService) now() time.Time {
	return s.clock()
}

func (s *datasetService) nextDatasetID() string {
	return datasetIDPrefix + strings.ToLower(strings.TrimSpace(s.newID()))
}

func (s *datasetService) prepareIngestParams(cmd IngestDatasetCommand) (ingestDatasetParams, error) {
	ownerID := strings.TrimSpace(cmd.OwnerID)
	if ownerID == "" {
		return ingestDatasetParams{}, fmt.Errorf("%w: owner_id is required", ErrDatasetInvalidInput)
	}

	storagePath := strings.TrimSpace(cmd.StoragePath)
	if len(cmd.Content) == 0 && storagePath == "" {
		return ingestDatasetParams{}, fmt.Errorf("%w: content or storage_path is required", ErrDatasetInvalidInput)
	}
	if int64(len(cmd.Content)) > maxDatasetSizeBytes {
		return ingestDatasetParams{}, fmt.Errorf("%w: source exceeds maximum size (%d bytes)", ErrDatasetInvalidInput, maxDatasetSizeBytes)
	}

	contentType := strings.ToLower(strings.TrimSpace(cmd.ContentType))
	if contentType == "" {
		contentType = defaultDatasetType
	}
	if _, ok := allowedDatasetContentTypes[contentType]; !ok {
		return ingestDatasetParams{}, fmt.Errorf("%w: content_type %q not allowed", ErrDatasetInvalidInput, contentType)
	}

	name := strings.TrimSpace(cmd.Name)
	if len(name) > maxDatasetNameLen {
		name = name[:maxDatasetNameLen]
	}

	fileName := strings.TrimSpace(cmd.FileName)
	if fileName == "" {
		fileName = "source.csv"
	}

	return ingestDatasetParams{
		ownerID:     ownerID,
		name:        name,
		fileName:    fileName,
		contentType: contentType,
		content:     cmd.Content,
		storagePath: storagePath,
	}, nil
}

func (s *datasetService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pagination.ErrInvalidPageToken) {
		return fmt.Errorf("%w: %v", ErrDatasetInvalidInput, err)
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrDatasetNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrDatasetConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrDatasetRepositoryUnavailable, err)
		}
	}
	return err
}

func (s *datasetService) recordDatasetAudit(ctx context.Context, dataset Dataset, action string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:      dataset.OwnerID,
		ActorType:  "user",
		Action:     action,
		TargetRef:  fmt.Sprintf("/datasets/%s", dataset.ID),
		Severity:   "info",
		OccurredAt: s.now(),
		Metadata:   metadata,
	})
}

func defaultDatasetName(datasetID, fileName string) string {
	base := strings.TrimSpace(fileName)
	if idx := strings.LastIndex(base, "."); idx > 0 {
		base = base[:idx]
	}
	if base != "" && base != "source" {
		if len(base) > maxDatasetNameLen {
			base = base[:maxDatasetNameLen]
		}
		return base
	}
	suffix := datasetID
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	return fmt.Sprintf("Dataset %s", strings.ToUpper(suffix))
}

func cloneColumnInfos(columns []ColumnInfo) []ColumnInfo {
	if len(columns) == 0 {
		return nil
	}
	cloned := make([]ColumnInfo, len(columns))
	for i, col := range columns {
		cloned[i] = ColumnInfo{
			Name:    col.Name,
			Type:    col.Type,
			Samples: cloneStrings(col.Samples),
		}
	}
	return cloned
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	return slices.Clone(values)
}
