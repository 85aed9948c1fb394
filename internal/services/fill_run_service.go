package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/formbridge/api/internal/domain"
	"github.com/formbridge/api/internal/platform/pagination"
	"github.com/formbridge/api/internal/platform/storage"
	"github.com/formbridge/api/internal/repositories"
)

var (
	// ErrFillRunInvalidInput indicates the start or stop command failed validation.
	ErrFillRunInvalidInput = errors.New("fill_run: invalid input")
	// ErrFillRunNotFound indicates the requested run does not exist.
	ErrFillRunNotFound = errors.New("fill_run: not found")
	// ErrFillRunConflict indicates the run could not be written due to a version or uniqueness conflict.
	ErrFillRunConflict = errors.New("fill_run: conflict")
	// ErrFillRunAccessDenied indicates the caller does not own the run.
	ErrFillRunAccessDenied = errors.New("fill_run: access denied")
	// ErrFillRunRepositoryUnavailable signals persistence backend failures.
	ErrFillRunRepositoryUnavailable = errors.New("fill_run: repository unavailable")
	// ErrFillRunDispatchUnavailable indicates the run could not be handed to a worker.
	ErrFillRunDispatchUnavailable = errors.New("fill_run: dispatch unavailable")
)

const (
	runIDPrefix    = "run_"
	maxRunRowDelay = 30 * time.Second

	eventFillRunQueued    = "fill.run.queued"
	eventFillRunCompleted = "fill.run.completed"
	eventFillRunStopped   = "fill.run.stopped"
	eventFillRunFailed    = "fill.run.failed"
)

// FillRunServiceDeps wires dependencies for the fill run service implementation.
type FillRunServiceDeps struct {
	Runs        repositories.FillRunRepository
	Datasets    DatasetService
	FieldSets   FieldSetService
	Profiles    ProfileService
	Matcher     FieldMatcher
	Merger      MappingMerger
	Dispatcher  FillDispatcher
	Counters    CounterService
	Publisher   RunEventPublisher
	Audit       AuditLogService
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type fillRunService struct {
	runs       repositories.FillRunRepository
	datasets   DatasetService
	fieldSets  FieldSetService
	profiles   ProfileService
	matcher    FieldMatcher
	merger     MappingMerger
	dispatcher FillDispatcher
	counters   CounterService
	publisher  RunEventPublisher
	audit      AuditLogService
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

// NewFillRunService constructs a FillRunService backed by the provided dependencies.
func NewFillRunService(deps FillRunServiceDeps) (FillRunService, error) {
	if deps.Runs == nil {
		return nil, errors.New("fill run service: run repository is required")
	}
	if deps.Datasets == nil {
		return nil, errors.New("fill run service: dataset service is required")
	}
	if deps.FieldSets == nil {
		return nil, errors.New("fill run service: field set service is required")
	}
	if deps.Profiles == nil {
		return nil, errors.New("fill run service: profile service is required")
	}
	if deps.Matcher == nil {
		return nil, errors.New("fill run service: field matcher is required")
	}
	if deps.Merger == nil {
		return nil, errors.New("fill run service: mapping merger is required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("fill run service: dispatcher is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("fill run service: counter service is required")
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

	return &fillRunService{
		runs:       deps.Runs,
		datasets:   deps.Datasets,
		fieldSets:  deps.FieldSets,
		profiles:   deps.Profiles,
		matcher:    deps.Matcher,
		merger:     deps.Merger,
		dispatcher: deps.Dispatcher,
		counters:   deps.Counters,
		publisher:  deps.Publisher,
		audit:      deps.Audit,
		clock:      func() time.Time { return clock().UTC() },
		newID:      idGen,
		logger:     logger,
	}, nil
}

// StartRun freezes the effective mapping, persists the run as queued, and
// hands it to the dispatcher. Retried requests carrying the same idempotency
// key resolve to the originally created run.
func (s *fillRunService) StartRun(ctx context.Context, cmd StartFillRunCommand) (FillRun, error) {
	if s.runs == nil {
		return FillRun{}, ErrFillRunRepositoryUnavailable
	}
	params, err := s.prepareStartParams(cmd)
	if err != nil {
		return FillRun{}, err
	}

	if params.idempotencyKey != "" {
		existing, err := s.runs.FindByIdempotencyKey(ctx, params.ownerID, params.idempotencyKey)
		if err == nil && existing.ID != "" {
			return existing, nil
		}
		if err != nil && !isRepositoryNotFound(err) {
			return FillRun{}, s.mapRepositoryError(err)
		}
	}

	dataset, err := s.datasets.GetDataset(ctx, params.datasetID)
	if err != nil {
		if errors.Is(err, ErrDatasetNotFound) {
			return FillRun{}, fmt.Errorf("%w: dataset %s not found", ErrFillRunInvalidInput, params.datasetID)
		}
		return FillRun{}, err
	}
	if dataset.OwnerID != "" && dataset.OwnerID != params.ownerID {
		return FillRun{}, fmt.Errorf("%w: dataset %s", ErrFillRunAccessDenied, dataset.ID)
	}

	set, err := s.fieldSets.GetFieldSet(ctx, params.fieldSetID)
	if err != nil {
		if errors.Is(err, ErrFieldSetNotFound) {
			return FillRun{}, fmt.Errorf("%w: field set %s not found", ErrFillRunInvalidInput, params.fieldSetID)
		}
		return FillRun{}, err
	}
	if set.OwnerID != "" && set.OwnerID != params.ownerID {
		return FillRun{}, fmt.Errorf("%w: field set %s", ErrFillRunAccessDenied, set.ID)
	}

	mapping, profileID, err := s.resolveRunMapping(ctx, cmd, dataset, set)
	if err != nil {
		return FillRun{}, err
	}
	if len(mapping) == 0 {
		return FillRun{}, fmt.Errorf("%w: no columns could be mapped to target fields", ErrFillRunInvalidInput)
	}

	runNumber, err := s.counters.NextRunNumber(ctx)
	if err != nil {
		return FillRun{}, fmt.Errorf("allocate run number: %w", err)
	}

	now := s.now()
	runID := s.nextRunID()
	artifactPrefix, err := storage.RunArtifactPrefix(runID)
	if err != nil {
		return FillRun{}, fmt.Errorf("%w: %v", ErrFillRunInvalidInput, err)
	}

	run := FillRun{
		ID:             runID,
		RunNumber:      runNumber,
		OwnerID:        params.ownerID,
		DatasetID:      dataset.ID,
		FieldSetID:     set.ID,
		ProfileID:      profileID,
		IdempotencyKey: params.idempotencyKey,
		Status:         domain.FillRunStatusQueued,
		Mapping:        mapping,
		Options:        params.options,
		Progress:       domain.RunProgress{Total: dataset.RowCount},
		ArtifactPrefix: artifactPrefix,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.runs.Insert(ctx, run); err != nil {
		return FillRun{}, s.mapRepositoryError(err)
	}

	if err := s.dispatcher.Enqueue(ctx, run.ID); err != nil {
		failedAt := s.now()
		run.Status = domain.FillRunStatusFailed
		run.FailureReason = fmt.Sprintf("enqueue: %v", err)
		run.FinishedAt = &failedAt
		run.UpdatedAt = failedAt
		if updateErr := s.runs.Update(ctx, run); updateErr != nil {
			s.logger(ctx, "enqueue failure update failed", map[string]any{
				"runId": run.ID,
				"error": updateErr.Error(),
			})
		}
		s.publishRunEvent(ctx, eventFillRunFailed, run)
		return FillRun{}, fmt.Errorf("%w: %v", ErrFillRunDispatchUnavailable, err)
	}

	s.publishRunEvent(ctx, eventFillRunQueued, run)
	s.recordRunAudit(ctx, run, params.ownerID, "fill_run.start", map[string]any{
		"runNumber":     run.RunNumber,
		"rowCount":      dataset.RowCount,
		"mappedColumns": len(mapping),
	})
	s.logger(ctx, eventFillRunQueued, map[string]any{
		"runId":     run.ID,
		"runNumber": run.RunNumber,
		"datasetId": dataset.ID,
	})

	return run, nil
}

// GetRun fetches a single run by ID.
func (s *fillRunService) GetRun(ctx context.Context, runID string) (FillRun, error) {
	if s.runs == nil {
		return FillRun{}, ErrFillRunRepositoryUnavailable
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return FillRun{}, fmt.Errorf("%w: run_id is required", ErrFillRunInvalidInput)
	}
	run, err := s.runs.FindByID(ctx, runID)
	if err != nil {
		return FillRun{}, s.mapRepositoryError(err)
	}
	return run, nil
}

// ListRuns returns runs owned by a user, newest first.
func (s *fillRunService) ListRuns(ctx context.Context, filter FillRunListFilter) (domain.CursorPage[FillRun], error) {
	if s.runs == nil {
		return domain.CursorPage[FillRun]{}, ErrFillRunRepositoryUnavailable
	}
	if strings.TrimSpace(filter.OwnerID) == "" {
		return domain.CursorPage[FillRun]{}, fmt.Errorf("%w: owner_id is required", ErrFillRunInvalidInput)
	}
	page, err := s.runs.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[FillRun]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// StopRun requests cooperative cancellation. An executing run is aborted
// through its signal and transitions once the worker flushes its final state;
// a queued run that no worker holds is marked stopped directly. Stopping a
// finished run is a no-op.
func (s *fillRunService) StopRun(ctx context.Context, cmd StopFillRunCommand) (FillRun, error) {
	if s.runs == nil {
		return FillRun{}, ErrFillRunRepositoryUnavailable
	}
	runID := strings.TrimSpace(cmd.RunID)
	if runID == "" {
		return FillRun{}, fmt.Errorf("%w: run_id is required", ErrFillRunInvalidInput)
	}
	requestedBy := strings.TrimSpace(cmd.RequestedBy)
	if requestedBy == "" {
		return FillRun{}, fmt.Errorf("%w: requested_by is required", ErrFillRunInvalidInput)
	}

	run, err := s.runs.FindByID(ctx, runID)
	if err != nil {
		return FillRun{}, s.mapRepositoryError(err)
	}
	if run.OwnerID != "" && run.OwnerID != requestedBy {
		return FillRun{}, fmt.Errorf("%w: run %s", ErrFillRunAccessDenied, runID)
	}
	if runFinished(run.Status) {
		return run, nil
	}

	aborted := false
	if s.dispatcher != nil {
		aborted, err = s.dispatcher.Stop(ctx, runID)
		if err != nil {
			return FillRun{}, err
		}
	}

	if aborted {
		s.recordRunAudit(ctx, run, requestedBy, "fill_run.stop", map[string]any{
			"reason":  strings.TrimSpace(cmd.Reason),
			"aborted": true,
		})
		s.logger(ctx, "fill run stop requested", map[string]any{
			"runId":  runID,
			"status": string(run.Status),
		})
		return run, nil
	}

	// No worker holds the run. It may have finished in the meantime, or it
	// sits queued with no executor; in the latter case record the stop
	// directly so a late dequeue skips it.
	run, err = s.runs.FindByID(ctx, runID)
	if err != nil {
		return FillRun{}, s.mapRepositoryError(err)
	}
	if runFinished(run.Status) {
		return run, nil
	}

	now := s.now()
	run.Status = domain.FillRunStatusStopped
	run.FinishedAt = &now
	run.UpdatedAt = now
	if err := s.runs.Update(ctx, run); err != nil {
		return FillRun{}, s.mapRepositoryError(err)
	}

	s.publishRunEvent(ctx, eventFillRunStopped, run)
	s.recordRunAudit(ctx, run, requestedBy, "fill_run.stop", map[string]any{
		"reason":  strings.TrimSpace(cmd.Reason),
		"aborted": false,
	})
	s.logger(ctx, eventFillRunStopped, map[string]any{
		"runId":  runID,
		"direct": true,
	})

	return run, nil
}

func (s *fillRunService) now() time.Time {
	return s.clock()
}

func (s *fillRunService) nextRunID() string {
	return runIDPrefix + strings.ToLower(strings.TrimSpace(s.newID()))
}

type startRunParams struct {
	ownerID        string
	datasetID      string
	fieldSetID     string
	idempotencyKey string
	options        FillOptions
}

func (s *fillRunService) prepareStartParams(cmd StartFillRunCommand) (startRunParams, error) {
	ownerID := strings.TrimSpace(cmd.OwnerID)
	if ownerID == "" {
		return startRunParams{}, fmt.Errorf("%w: owner_id is required", ErrFillRunInvalidInput)
	}
	datasetID := strings.TrimSpace(cmd.DatasetID)
	if datasetID == "" {
		return startRunParams{}, fmt.Errorf("%w: dataset_id is required", ErrFillRunInvalidInput)
	}
	fieldSetID := strings.TrimSpace(cmd.FieldSetID)
	if fieldSetID == "" {
		return startRunParams{}, fmt.Errorf("%w: field_set_id is required", ErrFillRunInvalidInput)
	}

	options := cmd.Options
	if options.RowDelay < 0 {
		return startRunParams{}, fmt.Errorf("%w: row_delay must not be negative", ErrFillRunInvalidInput)
	}
	if options.RowDelay > maxRunRowDelay {
		return startRunParams{}, fmt.Errorf("%w: row_delay exceeds maximum (%s)", ErrFillRunInvalidInput, maxRunRowDelay)
	}

	return startRunParams{
		ownerID:        ownerID,
		datasetID:      datasetID,
		fieldSetID:     fieldSetID,
		idempotencyKey: strings.TrimSpace(cmd.IdempotencyKey),
		options:        options,
	}, nil
}

// resolveRunMapping picks the effective mapping for a new run: an explicit
// mapping wins, then a saved profile, then a fresh automatic pass. Manual
// edits overlay whichever base was chosen.
func (s *fillRunService) resolveRunMapping(ctx context.Context, cmd StartFillRunCommand, dataset Dataset, set FieldSet) (Mapping, *string, error) {
	var (
		mapping   Mapping
		profileID *string
	)

	switch {
	case len(cmd.Mapping) > 0:
		mapping = resolveMappingFields(cmd.Mapping, set.Fields)
	case cmd.ProfileID != nil && strings.TrimSpace(*cmd.ProfileID) != "":
		trimmed := strings.TrimSpace(*cmd.ProfileID)
		applied, err := s.profiles.ApplyProfile(ctx, ApplyProfileCommand{
			ProfileID:  trimmed,
			FieldSetID: set.ID,
		})
		if err != nil {
			if errors.Is(err, ErrProfileNotFound) {
				return nil, nil, fmt.Errorf("%w: profile %s not found", ErrFillRunInvalidInput, trimmed)
			}
			return nil, nil, err
		}
		mapping = applied
		profileID = &trimmed
	default:
		mapping = s.matcher.AutoMap(dataset.Columns, set.Fields)
	}

	if len(cmd.ManualEdits) > 0 {
		mapping = s.merger.Merge(mapping, cmd.ManualEdits, set.Fields)
	}

	return mapping, profileID, nil
}

func (s *fillRunService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pagination.ErrInvalidPageToken) {
		return fmt.Errorf("%w: %v", ErrFillRunInvalidInput, err)
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrFillRunNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrFillRunConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrFillRunRepositoryUnavailable, err)
		}
	}
	return err
}

func (s *fillRunService) publishRunEvent(ctx context.Context, name string, run FillRun) {
	if s.publisher == nil {
		return
	}
	event := RunEvent{
		Name:       name,
		RunID:      run.ID,
		RunNumber:  run.RunNumber,
		OwnerID:    run.OwnerID,
		Status:     run.Status,
		Totals:     run.Totals,
		OccurredAt: s.now(),
	}
	if err := s.publisher.PublishRunEvent(ctx, event); err != nil {
		s.logger(ctx, "run event publish failed", map[string]any{
			"runId": run.ID,
			"event": name,
			"error": err.Error(),
		})
	}
}

func (s *fillRunService) recordRunAudit(ctx context.Context, run FillRun, actor string, action string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:      actor,
		ActorType:  "user",
		Action:     action,
		TargetRef:  fmt.Sprintf("/fillRuns/%s", run.ID),
		Severity:   "info",
		OccurredAt: s.now(),
		Metadata:   metadata,
	})
}

func runFinished(status FillRunStatus) bool {
	switch status {
	case domain.FillRunStatusCompleted, domain.FillRunStatusStopped, domain.FillRunStatusFailed:
		return true
	default:
		return false
	}
}

var _ FillRunService = (*fillRunService)(nil)
