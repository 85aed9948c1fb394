package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	domain "github.com/formbridge/api/internal/domain"
	"github.com/formbridge/api/internal/repositories"
)

type memFillRunRepo struct {
	mu        sync.Mutex
	runs      map[string]domain.FillRun
	inserts   []string
	insertErr error
	updateErr error
}

func newMemFillRunRepo() *memFillRunRepo {
	return &memFillRunRepo{runs: make(map[string]domain.FillRun)}
}

func (r *memFillRunRepo) Insert(_ context.Context, run domain.FillRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	if _, exists := r.runs[run.ID]; exists {
		return fakeRepositoryError{conflict: true}
	}
	r.runs[run.ID] = run
	r.inserts = append(r.inserts, run.ID)
	return nil
}

func (r *memFillRunRepo) Update(_ context.Context, run domain.FillRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	if _, exists := r.runs[run.ID]; !exists {
		return fakeRepositoryError{notFound: true}
	}
	r.runs[run.ID] = run
	return nil
}

func (r *memFillRunRepo) UpdateProgress(_ context.Context, runID string, progress domain.RunProgress, totals domain.RunTotals, updatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, exists := r.runs[runID]
	if !exists {
		return fakeRepositoryError{notFound: true}
	}
	run.Progress = progress
	run.Totals = totals
	run.UpdatedAt = updatedAt
	r.runs[runID] = run
	return nil
}

func (r *memFillRunRepo) FindByID(_ context.Context, runID string) (domain.FillRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return domain.FillRun{}, fakeRepositoryError{notFound: true}
	}
	return run, nil
}

func (r *memFillRunRepo) FindByIdempotencyKey(_ context.Context, ownerID string, key string) (domain.FillRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range r.runs {
		if run.OwnerID == ownerID && run.IdempotencyKey == key {
			return run, nil
		}
	}
	return domain.FillRun{}, fakeRepositoryError{notFound: true}
}

func (r *memFillRunRepo) List(_ context.Context, filter repositories.FillRunListFilter) (domain.CursorPage[domain.FillRun], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	page := domain.CursorPage[domain.FillRun]{}
	for _, run := range r.runs {
		if run.OwnerID == filter.OwnerID {
			page.Items = append(page.Items, run)
		}
	}
	return page, nil
}

func (r *memFillRunRepo) get(runID string) (domain.FillRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	return run, ok
}

func (r *memFillRunRepo) put(run domain.FillRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = run
}

type stubProfileService struct {
	applyFn func(ctx context.Context, cmd ApplyProfileCommand) (Mapping, error)
}

func (s *stubProfileService) SaveProfile(context.Context, SaveProfileCommand) (MappingProfile, error) {
	return MappingProfile{}, errors.New("unexpected SaveProfile call")
}

func (s *stubProfileService) GetProfile(context.Context, string) (MappingProfile, error) {
	return MappingProfile{}, errors.New("unexpected GetProfile call")
}

func (s *stubProfileService) ListProfiles(context.Context, ProfileListFilter) (domain.CursorPage[MappingProfile], error) {
	return domain.CursorPage[MappingProfile]{}, errors.New("unexpected ListProfiles call")
}

func (s *stubProfileService) ApplyProfile(ctx context.Context, cmd ApplyProfileCommand) (Mapping, error) {
	if s.applyFn != nil {
		return s.applyFn(ctx, cmd)
	}
	return nil, errors.New("unexpected ApplyProfile call")
}

func (s *stubProfileService) DeleteProfile(context.Context, DeleteProfileCommand) error {
	return errors.New("unexpected DeleteProfile call")
}

type stubFillDispatcher struct {
	mu         sync.Mutex
	enqueued   []string
	enqueueErr error
	stopFn     func(runID string) (bool, error)
	stops      []string
}

func (d *stubFillDispatcher) Enqueue(_ context.Context, runID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enqueueErr != nil {
		return d.enqueueErr
	}
	d.enqueued = append(d.enqueued, runID)
	return nil
}

func (d *stubFillDispatcher) Stop(_ context.Context, runID string) (bool, error) {
	d.mu.Lock()
	d.stops = append(d.stops, runID)
	fn := d.stopFn
	d.mu.Unlock()
	if fn != nil {
		return fn(runID)
	}
	return false, nil
}

func (d *stubFillDispatcher) ActiveRuns() []string { return nil }

func (d *stubFillDispatcher) Shutdown(context.Context) error { return nil }

type recordingRunPublisher struct {
	mu     sync.Mutex
	events []RunEvent
}

func (p *recordingRunPublisher) PublishRunEvent(_ context.Context, event RunEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingRunPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.events))
	for _, event := range p.events {
		names = append(names, event.Name)
	}
	return names
}

type seqCounterService struct {
	mu   sync.Mutex
	next int
	err  error
}

func (s *seqCounterService) Next(context.Context, string, string, CounterGenerationOptions) (CounterValue, error) {
	return CounterValue{}, errors.New("unexpected Next call")
}

func (s *seqCounterService) NextRunNumber(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.next++
	return fmt.Sprintf("FR-2026-%06d", s.next), nil
}

type fillRunFixture struct {
	runs       *memFillRunRepo
	datasets   *stubDatasetService
	fieldSets  *stubFieldSetService
	profiles   *stubProfileService
	dispatcher *stubFillDispatcher
	publisher  *recordingRunPublisher
	audit      *recordingAuditService
	svc        FillRunService
}

func newFillRunFixture(t *testing.T) *fillRunFixture {
	t.Helper()
	f := &fillRunFixture{
		runs: newMemFillRunRepo(),
		datasets: &stubDatasetService{
			getFn: func(_ context.Context, datasetID string) (Dataset, error) {
				return Dataset{ID: datasetID, OwnerID: "user-1", Columns: leadsTable().Columns, RowCount: 2}, nil
			},
		},
		fieldSets: &stubFieldSetService{
			getFn: func(_ context.Context, _ string) (FieldSet, error) { return contactFieldSet(), nil },
		},
		profiles:   &stubProfileService{},
		dispatcher: &stubFillDispatcher{},
		publisher:  &recordingRunPublisher{},
		audit:      &recordingAuditService{},
	}

	matcher, err := NewFieldMatcher(FieldMatcherDeps{})
	if err != nil {
		t.Fatalf("new field matcher: %v", err)
	}
	svc, err := NewFillRunService(FillRunServiceDeps{
		Runs:        f.runs,
		Datasets:    f.datasets,
		FieldSets:   f.fieldSets,
		Profiles:    f.profiles,
		Matcher:     matcher,
		Merger:      NewMappingMerger(),
		Dispatcher:  f.dispatcher,
		Counters:    &seqCounterService{},
		Publisher:   f.publisher,
		Audit:       f.audit,
		Clock:       func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) },
		IDGenerator: idSequence("GEN1", "GEN2"),
	})
	if err != nil {
		t.Fatalf("new fill run service: %v", err)
	}
	f.svc = svc
	return f
}

func TestStartRunAutoMapsAndQueues(t *testing.T) {
	f := newFillRunFixture(t)

	run, err := f.svc.StartRun(context.Background(), StartFillRunCommand{
		OwnerID:    "user-1",
		DatasetID:  "ds_1",
		FieldSetID: "fset_1",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if run.ID != "run_gen1" {
		t.Fatalf("expected id run_gen1, got %s", run.ID)
	}
	if run.RunNumber != "FR-2026-000001" {
		t.Fatalf("expected allocated run number, got %s", run.RunNumber)
	}
	if run.Status != domain.FillRunStatusQueued {
		t.Fatalf("expected queued status, got %s", run.Status)
	}
	if len(run.Mapping) != 2 {
		t.Fatalf("expected both columns auto-mapped, got %d", len(run.Mapping))
	}
	if run.Progress.Total != 2 {
		t.Fatalf("expected total of 2 rows, got %d", run.Progress.Total)
	}
	if run.ArtifactPrefix != "assets/runs/run_gen1/artifacts" {
		t.Fatalf("unexpected artifact prefix %s", run.ArtifactPrefix)
	}

	f.dispatcher.mu.Lock()
	enqueued := append([]string(nil), f.dispatcher.enqueued...)
	f.dispatcher.mu.Unlock()
	if len(enqueued) != 1 || enqueued[0] != "run_gen1" {
		t.Fatalf("expected run handed to dispatcher, got %v", enqueued)
	}
	if names := f.publisher.names(); len(names) != 1 || names[0] != "fill.run.queued" {
		t.Fatalf("expected queued event, got %v", names)
	}
	if actions := f.audit.actions(); len(actions) != 1 || actions[0] != "fill_run.start" {
		t.Fatalf("expected start audit, got %v", actions)
	}
	if _, ok := f.runs.get("run_gen1"); !ok {
		t.Fatalf("expected run persisted")
	}
}

func TestStartRunExplicitMappingWins(t *testing.T) {
	f := newFillRunFixture(t)

	run, err := f.svc.StartRun(context.Background(), StartFillRunCommand{
		OwnerID:    "user-1",
		DatasetID:  "ds_1",
		FieldSetID: "fset_1",
		Mapping: Mapping{
			"Email": {Selector: "#email", Confidence: 0.8, Level: domain.ConfidenceHigh},
		},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if len(run.Mapping) != 1 {
		t.Fatalf("expected the explicit mapping kept as-is, got %d entries", len(run.Mapping))
	}
	entry := run.Mapping["Email"]
	if entry.Field == nil || entry.Field.Type != domain.FieldTypeEmail {
		t.Fatalf("expected replayed entry re-resolved against the field set, got %+v", entry.Field)
	}
}

func TestStartRunRestoresProfile(t *testing.T) {
	f := newFillRunFixture(t)
	var appliedCmd ApplyProfileCommand
	f.profiles.applyFn = func(_ context.Context, cmd ApplyProfileCommand) (Mapping, error) {
		appliedCmd = cmd
		field := contactFieldSet().Fields[0]
		return Mapping{"Email": {Field: &field, Selector: "#email", Confidence: 0.9, Source: domain.MappingSourceProfile}}, nil
	}

	profileID := "prof_1"
	run, err := f.svc.StartRun(context.Background(), StartFillRunCommand{
		OwnerID:    "user-1",
		DatasetID:  "ds_1",
		FieldSetID: "fset_1",
		ProfileID:  &profileID,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if appliedCmd.ProfileID != "prof_1" || appliedCmd.FieldSetID != "fset_1" {
		t.Fatalf("expected profile applied against the run's field set, got %+v", appliedCmd)
	}
	if run.ProfileID == nil || *run.ProfileID != "prof_1" {
		t.Fatalf("expected profile id recorded on the run, got %v", run.ProfileID)
	}
	if run.Mapping["Email"].Source != domain.MappingSourceProfile {
		t.Fatalf("expected profile-sourced mapping, got %+v", run.Mapping["Email"])
	}
}

func TestStartRunUnknownProfile(t *testing.T) {
	f := newFillRunFixture(t)
	f.profiles.applyFn = func(context.Context, ApplyProfileCommand) (Mapping, error) {
		return nil, fmt.Errorf("%w: profile prof_missing", ErrProfileNotFound)
	}

	profileID := "prof_missing"
	_, err := f.svc.StartRun(context.Background(), StartFillRunCommand{
		OwnerID:    "user-1",
		DatasetID:  "ds_1",
		FieldSetID: "fset_1",
		ProfileID:  &profileID,
	})
	if !errors.Is(err, ErrFillRunInvalidInput) {
		t.Fatalf("expected invalid input for a missing profile, got %v", err)
	}
}

func TestStartRunIdempotencyReturnsExisting(t *testing.T) {
	f := newFillRunFixture(t)
	f.runs.put(domain.FillRun{
		ID:             "run_existing",
		OwnerID:        "user-1",
		IdempotencyKey: "retry-123",
		Status:         domain.FillRunStatusRunning,
	})

	run, err := f.svc.StartRun(context.Background(), StartFillRunCommand{
		OwnerID:        "user-1",
		DatasetID:      "ds_1",
		FieldSetID:     "fset_1",
		IdempotencyKey: "retry-123",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if run.ID != "run_existing" {
		t.Fatalf("expected the original run returned, got %s", run.ID)
	}
	f.dispatcher.mu.Lock()
	enqueued := len(f.dispatcher.enqueued)
	f.dispatcher.mu.Unlock()
	if enqueued != 0 {
		t.Fatalf("expected no second enqueue, got %d", enqueued)
	}
	f.runs.mu.Lock()
	inserts := len(f.runs.inserts)
	f.runs.mu.Unlock()
	if inserts != 0 {
		t.Fatalf("expected no duplicate insert, got %d", inserts)
	}
}

func TestStartRunEnqueueFailureFailsRun(t *testing.T) {
	f := newFillRunFixture(t)
	f.dispatcher.enqueueErr = errors.New("queue full")

	_, err := f.svc.StartRun(context.Background(), StartFillRunCommand{
		OwnerID:    "user-1",
		DatasetID:  "ds_1",
		FieldSetID: "fset_1",
	})
	if !errors.Is(err, ErrFillRunDispatchUnavailable) {
		t.Fatalf("expected dispatch unavailable, got %v", err)
	}

	stored, ok := f.runs.get("run_gen1")
	if !ok {
		t.Fatalf("expected run persisted before the enqueue attempt")
	}
	if stored.Status != domain.FillRunStatusFailed {
		t.Fatalf("expected run marked failed, got %s", stored.Status)
	}
	if stored.FailureReason == "" || stored.FinishedAt == nil {
		t.Fatalf("expected failure details recorded, got %+v", stored)
	}
	if names := f.publisher.names(); len(names) != 1 || names[0] != "fill.run.failed" {
		t.Fatalf("expected failed event, got %v", names)
	}
}

func TestStartRunChecksOwnership(t *testing.T) {
	f := newFillRunFixture(t)
	f.datasets.getFn = func(_ context.Context, datasetID string) (Dataset, error) {
		return Dataset{ID: datasetID, OwnerID: "someone-else", Columns: leadsTable().Columns, RowCount: 2}, nil
	}

	_, err := f.svc.StartRun(context.Background(), StartFillRunCommand{
		OwnerID:    "user-1",
		DatasetID:  "ds_1",
		FieldSetID: "fset_1",
	})
	if !errors.Is(err, ErrFillRunAccessDenied) {
		t.Fatalf("expected access denied for a foreign dataset, got %v", err)
	}
}

func TestStartRunRejectsUnmappableInputs(t *testing.T) {
	f := newFillRunFixture(t)
	f.fieldSets.getFn = func(_ context.Context, _ string) (FieldSet, error) {
		return FieldSet{
			ID:      "fset_1",
			OwnerID: "user-1",
			Fields:  []TargetField{{Selector: "#zip", Type: domain.FieldTypeText, Name: "zip"}},
		}, nil
	}

	_, err := f.svc.StartRun(context.Background(), StartFillRunCommand{
		OwnerID:    "user-1",
		DatasetID:  "ds_1",
		FieldSetID: "fset_1",
	})
	if !errors.Is(err, ErrFillRunInvalidInput) {
		t.Fatalf("expected invalid input when nothing maps, got %v", err)
	}
}

func TestStartRunValidatesRowDelay(t *testing.T) {
	f := newFillRunFixture(t)

	_, err := f.svc.StartRun(context.Background(), StartFillRunCommand{
		OwnerID:    "user-1",
		DatasetID:  "ds_1",
		FieldSetID: "fset_1",
		Options:    FillOptions{RowDelay: -time.Second},
	})
	if !errors.Is(err, ErrFillRunInvalidInput) {
		t.Fatalf("expected invalid input for negative delay, got %v", err)
	}

	_, err = f.svc.StartRun(context.Background(), StartFillRunCommand{
		OwnerID:    "user-1",
		DatasetID:  "ds_1",
		FieldSetID: "fset_1",
		Options:    FillOptions{RowDelay: time.Minute},
	})
	if !errors.Is(err, ErrFillRunInvalidInput) {
		t.Fatalf("expected invalid input for excessive delay, got %v", err)
	}
}

func TestStopRunAbortsExecutingRun(t *testing.T) {
	f := newFillRunFixture(t)
	f.runs.put(domain.FillRun{ID: "run_1", OwnerID: "user-1", Status: domain.FillRunStatusRunning})
	f.dispatcher.stopFn = func(string) (bool, error) { return true, nil }

	run, err := f.svc.StopRun(context.Background(), StopFillRunCommand{RunID: "run_1", RequestedBy: "user-1", Reason: "wrong file"})
	if err != nil {
		t.Fatalf("stop: %v", err)
	}

	if run.Status != domain.FillRunStatusRunning {
		t.Fatalf("expected transition left to the worker, got %s", run.Status)
	}
	stored, _ := f.runs.get("run_1")
	if stored.Status != domain.FillRunStatusRunning {
		t.Fatalf("expected no direct write while the worker owns the run, got %s", stored.Status)
	}
	if actions := f.audit.actions(); len(actions) != 1 || actions[0] != "fill_run.stop" {
		t.Fatalf("expected stop audit, got %v", actions)
	}
	if names := f.publisher.names(); len(names) != 0 {
		t.Fatalf("expected no event until the worker flushes, got %v", names)
	}
}

func TestStopRunMarksIdleRunDirectly(t *testing.T) {
	f := newFillRunFixture(t)
	f.runs.put(domain.FillRun{ID: "run_1", OwnerID: "user-1", Status: domain.FillRunStatusQueued})

	run, err := f.svc.StopRun(context.Background(), StopFillRunCommand{RunID: "run_1", RequestedBy: "user-1"})
	if err != nil {
		t.Fatalf("stop: %v", err)
	}

	if run.Status != domain.FillRunStatusStopped {
		t.Fatalf("expected stopped status, got %s", run.Status)
	}
	if run.FinishedAt == nil {
		t.Fatalf("expected finish time recorded")
	}
	stored, _ := f.runs.get("run_1")
	if stored.Status != domain.FillRunStatusStopped {
		t.Fatalf("expected stop persisted, got %s", stored.Status)
	}
	if names := f.publisher.names(); len(names) != 1 || names[0] != "fill.run.stopped" {
		t.Fatalf("expected stopped event, got %v", names)
	}
}

func TestStopRunFinishedIsNoOp(t *testing.T) {
	f := newFillRunFixture(t)
	f.runs.put(domain.FillRun{ID: "run_1", OwnerID: "user-1", Status: domain.FillRunStatusCompleted})

	run, err := f.svc.StopRun(context.Background(), StopFillRunCommand{RunID: "run_1", RequestedBy: "user-1"})
	if err != nil {
		t.Fatalf("stop: %v", err)
	}

	if run.Status != domain.FillRunStatusCompleted {
		t.Fatalf("expected run returned unchanged, got %s", run.Status)
	}
	f.dispatcher.mu.Lock()
	stops := len(f.dispatcher.stops)
	f.dispatcher.mu.Unlock()
	if stops != 0 {
		t.Fatalf("expected no dispatcher call for a finished run, got %d", stops)
	}
	if actions := f.audit.actions(); len(actions) != 0 {
		t.Fatalf("expected no audit for a no-op stop, got %v", actions)
	}
}

func TestStopRunEnforcesOwnership(t *testing.T) {
	f := newFillRunFixture(t)
	f.runs.put(domain.FillRun{ID: "run_1", OwnerID: "user-1", Status: domain.FillRunStatusRunning})

	_, err := f.svc.StopRun(context.Background(), StopFillRunCommand{RunID: "run_1", RequestedBy: "intruder"})
	if !errors.Is(err, ErrFillRunAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}
}

func TestListRunsRequiresOwner(t *testing.T) {
	f := newFillRunFixture(t)

	_, err := f.svc.ListRuns(context.Background(), FillRunListFilter{})
	if !errors.Is(err, ErrFillRunInvalidInput) {
		t.Fatalf("expected invalid input without owner, got %v", err)
	}
}

var _ repositories.FillRunRepository = (*memFillRunRepo)(nil)
var _ ProfileService = (*stubProfileService)(nil)
var _ FillDispatcher = (*stubFillDispatcher)(nil)
var _ RunEventPublisher = (*recordingRunPublisher)(nil)
var _ CounterService = (*seqCounterService)(nil)
