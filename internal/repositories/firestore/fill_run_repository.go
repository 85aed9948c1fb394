package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/formbridge/api/internal/domain"
	pfirestore "github.com/formbridge/api/internal/platform/firestore"
	"github.com/formbridge/api/internal/platform/pagination"
	"github.com/formbridge/api/internal/repositories"
)

const fillRunsCollection = "fillRuns"

// FillRunRepository persists batch execution records including the frozen
// mapping, per-row errors, and live progress counters.
type FillRunRepository struct {
	base *pfirestore.BaseRepository[fillRunDocument]
}

// NewFillRunRepository constructs a Firestore-backed fill run repository.
func NewFillRunRepository(provider *pfirestore.Provider) (*FillRunRepository, error) {
	if provider == nil {
		return nil, errors.New("fill run repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[fillRunDocument](provider, fillRunsCollection)
	return &FillRunRepository{base: base}, nil
}

// Insert stores a new fill run document. The ID must be unique.
func (r *FillRunRepository) Insert(ctx context.Context, run domain.FillRun) error {
	if r == nil || r.base == nil {
		return errors.New("fill run repository not initialised")
	}
	runID := strings.TrimSpace(run.ID)
	if runID == "" {
		return errors.New("fill run repository: run id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, runID)
	if err != nil {
		return err
	}
	doc := encodeFillRunDocument(run)
	if _, err := docRef.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("fill_runs.insert", err)
	}
	return nil
}

// Update replaces the persisted run state with the provided snapshot.
func (r *FillRunRepository) Update(ctx context.Context, run domain.FillRun) error {
	if r == nil || r.base == nil {
		return errors.New("fill run repository not initialised")
	}
	runID := strings.TrimSpace(run.ID)
	if runID == "" {
		return errors.New("fill run repository: run id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, runID)
	if err != nil {
		return err
	}
	doc := encodeFillRunDocument(run)
	if _, err := docRef.Set(ctx, doc); err != nil {
		return pfirestore.WrapError("fill_runs.update", err)
	}
	return nil
}

// UpdateProgress patches only the counters so the executor can report between
// rows without racing full-document writes.
func (r *FillRunRepository) UpdateProgress(ctx context.Context, runID string, progress domain.RunProgress, totals domain.RunTotals, updatedAt time.Time) error {
	if r == nil || r.base == nil {
		return errors.New("fill run repository not initialised")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("fill run repository: run id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, runID)
	if err != nil {
		return err
	}
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	updates := []firestore.Update{
		{Path: "progress.current", Value: progress.Current},
		{Path: "progress.total", Value: progress.Total},
		{Path: "totals.filled", Value: totals.Filled},
		{Path: "totals.errors", Value: totals.Errors},
		{Path: "updatedAt", Value: updatedAt.UTC()},
	}
	if _, err := docRef.Update(ctx, updates); err != nil {
		return pfirestore.WrapError("fill_runs.update_progress", err)
	}
	return nil
}

// FindByID fetches a single run.
func (r *FillRunRepository) FindByID(ctx context.Context, runID string) (domain.FillRun, error) {
	if r == nil || r.base == nil {
		return domain.FillRun{}, errors.New("fill run repository not initialised")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.FillRun{}, errors.New("fill run repository: run id is required")
	}
	doc, err := r.base.Get(ctx, runID)
	if err != nil {
		return domain.FillRun{}, err
	}
	return decodeFillRunDocument(runID, doc.Data, doc.CreateTime, doc.UpdateTime), nil
}

// FindByIdempotencyKey returns the run previously created with the given
// client key so retried start requests resolve to the same run.
func (r *FillRunRepository) FindByIdempotencyKey(ctx context.Context, ownerID string, key string) (domain.FillRun, error) {
	if r == nil || r.base == nil {
		return domain.FillRun{}, errors.New("fill run repository not initialised")
	}
	ownerID = strings.TrimSpace(ownerID)
	key = strings.TrimSpace(key)
	if ownerID == "" {
		return domain.FillRun{}, errors.New("fill run repository: owner id is required")
	}
	if key == "" {
		return domain.FillRun{}, errors.New("fill run repository: idempotency key is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("ownerUid", "==", ownerID).
			Where("idempotencyKey", "==", key).
			OrderBy("createdAt", firestore.Desc).
			Limit(1)
	})
	if err != nil {
		return domain.FillRun{}, err
	}
	if len(docs) == 0 {
		return domain.FillRun{}, pfirestore.WrapError("fill_runs.lookup", status.Error(codes.NotFound, "fill run not found"))
	}
	doc := docs[0]
	return decodeFillRunDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime), nil
}

// List returns runs for the filter's owner ordered by creation time (newest
// first).
func (r *FillRunRepository) List(ctx context.Context, filter repositories.FillRunListFilter) (domain.CursorPage[domain.FillRun], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.FillRun]{}, errors.New("fill run repository not initialised")
	}
	ownerID := strings.TrimSpace(filter.OwnerID)
	if ownerID == "" {
		return domain.CursorPage[domain.FillRun]{}, errors.New("fill run repository: owner id is required")
	}

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	var startAfter []any
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		tokenTime, docID, err := pagination.DecodeTimeCursor(token)
		if err != nil {
			return domain.CursorPage[domain.FillRun]{}, fmt.Errorf("fill run repository: %w", err)
		}
		startAfter = []any{tokenTime, docID}
	}

	var datasetID, fieldSetID string
	if filter.DatasetID != nil {
		datasetID = strings.TrimSpace(*filter.DatasetID)
	}
	if filter.FieldSetID != nil {
		fieldSetID = strings.TrimSpace(*filter.FieldSetID)
	}
	statusFilters := normaliseRunStatuses(filter.Status)

	var createdFrom, createdTo *time.Time
	if filter.DateRange.From != nil {
		value := filter.DateRange.From.UTC()
		if !value.IsZero() {
			createdFrom = &value
		}
	}
	if filter.DateRange.To != nil {
		value := filter.DateRange.To.UTC()
		if !value.IsZero() {
			createdTo = &value
		}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("ownerUid", "==", ownerID)
		if datasetID != "" {
			q = q.Where("datasetId", "==", datasetID)
		}
		if fieldSetID != "" {
			q = q.Where("fieldSetId", "==", fieldSetID)
		}
		if len(statusFilters) == 1 {
			q = q.Where("status", "==", statusFilters[0])
		} else if len(statusFilters) > 1 {
			// Firestore in clause supports up to 10 values.
			if len(statusFilters) > 10 {
				statusFilters = statusFilters[:10]
			}
			q = q.Where("status", "in", statusFilters)
		}
		if createdFrom != nil {
			q = q.Where("createdAt", ">=", *createdFrom)
		}
		if createdTo != nil {
			q = q.Where("createdAt", "<=", *createdTo)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.FillRun]{}, err
	}

	valueDocs := docs
	nextToken := ""
	if limit > 0 && len(valueDocs) == fetchLimit {
		last := valueDocs[len(valueDocs)-1]
		tokenTime := last.Data.CreatedAt
		if tokenTime.IsZero() {
			tokenTime = last.CreateTime
		}
		nextToken = pagination.EncodeTimeCursor(tokenTime, last.ID)
		valueDocs = valueDocs[:len(valueDocs)-1]
	}

	items := make([]domain.FillRun, 0, len(valueDocs))
	for _, doc := range valueDocs {
		items = append(items, decodeFillRunDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime))
	}

	return domain.CursorPage[domain.FillRun]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

type fillRunDocument struct {
	RunNumber      string                          `firestore:"runNumber"`
	OwnerRef       string                          `firestore:"ownerRef"`
	OwnerUID       string                          `firestore:"ownerUid"`
	DatasetID      string                          `firestore:"datasetId"`
	FieldSetID     string                          `firestore:"fieldSetId"`
	ProfileID      string                          `firestore:"profileId,omitempty"`
	IdempotencyKey string                          `firestore:"idempotencyKey,omitempty"`
	Status         string                          `firestore:"status"`
	Mapping        map[string]mappingEntryDocument `firestore:"mapping,omitempty"`
	Options        fillOptionsDocument             `firestore:"options"`
	Progress       runProgressDocument             `firestore:"progress"`
	Totals         runTotalsDocument               `firestore:"totals"`
	RowErrors      []fillErrorDocument             `firestore:"rowErrors,omitempty"`
	ArtifactPrefix string                          `firestore:"artifactPrefix,omitempty"`
	FailureReason  string                          `firestore:"failureReason,omitempty"`
	StartedAt      *time.Time                      `firestore:"startedAt,omitempty"`
	FinishedAt     *time.Time                      `firestore:"finishedAt,omitempty"`
	CreatedAt      time.Time                       `firestore:"createdAt"`
	UpdatedAt      time.Time                       `firestore:"updatedAt"`
}

type mappingEntryDocument struct {
	Field      *targetFieldDocument `firestore:"field,omitempty"`
	Selector   string               `firestore:"selector"`
	Confidence float64              `firestore:"confidence"`
	Level      string               `firestore:"level"`
	Source     string               `firestore:"source"`
}

type runProgressDocument struct {
	Current int `firestore:"current"`
	Total   int `firestore:"total"`
}

type runTotalsDocument struct {
	Filled int `firestore:"filled"`
	Errors int `firestore:"errors"`
}

type fillErrorDocument struct {
	Column   string `firestore:"column"`
	Selector string `firestore:"selector,omitempty"`
	Kind     string `firestore:"kind"`
	Message  string `firestore:"message,omitempty"`
}

func encodeFillRunDocument(run domain.FillRun) fillRunDocument {
	var mapping map[string]mappingEntryDocument
	if len(run.Mapping) > 0 {
		mapping = make(map[string]mappingEntryDocument, len(run.Mapping))
		for column, entry := range run.Mapping {
			mapping[column] = encodeMappingEntryDocument(entry)
		}
	}

	var rowErrors []fillErrorDocument
	if len(run.RowErrors) > 0 {
		rowErrors = make([]fillErrorDocument, 0, len(run.RowErrors))
		for _, fe := range run.RowErrors {
			rowErrors = append(rowErrors, fillErrorDocument{
				Column:   fe.Column,
				Selector: fe.Selector,
				Kind:     string(fe.Kind),
				Message:  fe.Message,
			})
		}
	}

	var profileID string
	if run.ProfileID != nil {
		profileID = strings.TrimSpace(*run.ProfileID)
	}

	return fillRunDocument{
		RunNumber:      strings.TrimSpace(run.RunNumber),
		OwnerRef:       ownerDocPath(run.OwnerID),
		OwnerUID:       strings.TrimSpace(run.OwnerID),
		DatasetID:      strings.TrimSpace(run.DatasetID),
		FieldSetID:     strings.TrimSpace(run.FieldSetID),
		ProfileID:      profileID,
		IdempotencyKey: strings.TrimSpace(run.IdempotencyKey),
		Status:         strings.TrimSpace(string(run.Status)),
		Mapping:        mapping,
		Options:        encodeFillOptionsDocument(run.Options),
		Progress:       runProgressDocument{Current: run.Progress.Current, Total: run.Progress.Total},
		Totals:         runTotalsDocument{Filled: run.Totals.Filled, Errors: run.Totals.Errors},
		RowErrors:      rowErrors,
		ArtifactPrefix: strings.TrimSpace(run.ArtifactPrefix),
		FailureReason:  strings.TrimSpace(run.FailureReason),
		StartedAt:      normalizeTimePointer(run.StartedAt),
		FinishedAt:     normalizeTimePointer(run.FinishedAt),
		CreatedAt:      run.CreatedAt.UTC(),
		UpdatedAt:      run.UpdatedAt.UTC(),
	}
}

func encodeMappingEntryDocument(entry domain.MappingEntry) mappingEntryDocument {
	doc := mappingEntryDocument{
		Selector:   strings.TrimSpace(entry.Selector),
		Confidence: entry.Confidence,
		Level:      string(entry.Level),
		Source:     string(entry.Source),
	}
	if entry.Field != nil {
		encoded := encodeTargetFieldDocument(*entry.Field)
		doc.Field = &encoded
	}
	return doc
}

func decodeFillRunDocument(id string, doc fillRunDocument, createdAt, updatedAt time.Time) domain.FillRun {
	var mapping domain.Mapping
	if len(doc.Mapping) > 0 {
		mapping = make(domain.Mapping, len(doc.Mapping))
		for column, entry := range doc.Mapping {
			mapping[column] = decodeMappingEntryDocument(entry)
		}
	}

	var rowErrors []domain.FillError
	if len(doc.RowErrors) > 0 {
		rowErrors = make([]domain.FillError, 0, len(doc.RowErrors))
		for _, fe := range doc.RowErrors {
			rowErrors = append(rowErrors, domain.FillError{
				Column:   fe.Column,
				Selector: fe.Selector,
				Kind:     domain.ErrorKind(fe.Kind),
				Message:  fe.Message,
			})
		}
	}

	var profileID *string
	if trimmed := strings.TrimSpace(doc.ProfileID); trimmed != "" {
		profileID = &trimmed
	}

	return domain.FillRun{
		ID:             strings.TrimSpace(id),
		RunNumber:      strings.TrimSpace(doc.RunNumber),
		OwnerID:        extractOwner(doc.OwnerRef, doc.OwnerUID),
		DatasetID:      strings.TrimSpace(doc.DatasetID),
		FieldSetID:     strings.TrimSpace(doc.FieldSetID),
		ProfileID:      profileID,
		IdempotencyKey: strings.TrimSpace(doc.IdempotencyKey),
		Status:         domain.FillRunStatus(strings.TrimSpace(doc.Status)),
		Mapping:        mapping,
		Options:        decodeFillOptionsDocument(doc.Options),
		Progress:       domain.RunProgress{Current: doc.Progress.Current, Total: doc.Progress.Total},
		Totals:         domain.RunTotals{Filled: doc.Totals.Filled, Errors: doc.Totals.Errors},
		RowErrors:      rowErrors,
		ArtifactPrefix: strings.TrimSpace(doc.ArtifactPrefix),
		FailureReason:  strings.TrimSpace(doc.FailureReason),
		StartedAt:      normalizeTimePointer(doc.StartedAt),
		FinishedAt:     normalizeTimePointer(doc.FinishedAt),
		CreatedAt:      chooseTime(doc.CreatedAt, createdAt),
		UpdatedAt:      chooseTime(doc.UpdatedAt, updatedAt),
	}
}

func decodeMappingEntryDocument(doc mappingEntryDocument) domain.MappingEntry {
	entry := domain.MappingEntry{
		Selector:   strings.TrimSpace(doc.Selector),
		Confidence: doc.Confidence,
		Level:      domain.ConfidenceLevel(doc.Level),
		Source:     domain.MappingSource(doc.Source),
	}
	if doc.Field != nil {
		decoded := decodeTargetFieldDocument(*doc.Field)
		entry.Field = &decoded
	}
	return entry
}

func normaliseRunStatuses(statuses []string) []string {
	if len(statuses) == 0 {
		return nil
	}
	normalized := make([]string, 0, len(statuses))
	seen := make(map[string]struct{})
	for _, status := range statuses {
		trimmed := strings.ToLower(strings.TrimSpace(status))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	return normalized
}

var _ repositories.FillRunRepository = (*FillRunRepository)(nil)
