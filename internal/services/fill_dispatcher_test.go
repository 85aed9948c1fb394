package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	domain "github.com/formbridge/api/internal/domain"
)

const contactTemplatePath = "assets/field-sets/fset_1/templates/template.html"

const contactTemplate = `<html><body><form>` +
	`<input id="email" type="email" name="email">` +
	`<input id="name" type="text" name="name">` +
	`</form></body></html>`

func contactMapping() domain.Mapping {
	fields := contactFieldSet().Fields
	email := fields[0]
	name := fields[1]
	return domain.Mapping{
		"Email": {Field: &email, Selector: "#email", Confidence: 0.8, Level: domain.ConfidenceHigh, Source: domain.MappingSourceAuto},
		"Name":  {Field: &name, Selector: "#name", Confidence: 0.8, Level: domain.ConfidenceHigh, Source: domain.MappingSourceAuto},
	}
}

type dispatcherFixture struct {
	runs       *memFillRunRepo
	datasets   *stubDatasetService
	fieldSets  *stubFieldSetService
	store      *memObjectStore
	publisher  *recordingRunPublisher
	dispatcher FillDispatcher
}

func newDispatcherFixture(t *testing.T, rows []domain.Row) *dispatcherFixture {
	t.Helper()
	table := leadsTable()
	if rows != nil {
		table.Rows = rows
	}

	f := &dispatcherFixture{
		runs: newMemFillRunRepo(),
		datasets: &stubDatasetService{
			loadRowsFn: func(_ context.Context, _ string) (TableData, error) { return table, nil },
		},
		fieldSets: &stubFieldSetService{
			getFn: func(_ context.Context, _ string) (FieldSet, error) { return contactFieldSet(), nil },
		},
		store:     newMemObjectStore(),
		publisher: &recordingRunPublisher{},
	}
	f.store.objects[contactTemplatePath] = []byte(contactTemplate)

	orchestrator, err := NewFillOrchestrator(FillOrchestratorDeps{Validator: NewFieldValidator()})
	if err != nil {
		t.Fatalf("new fill orchestrator: %v", err)
	}
	dispatcher, err := NewFillDispatcher(FillDispatcherDeps{
		Runs:         f.runs,
		Datasets:     f.datasets,
		FieldSets:    f.fieldSets,
		Orchestrator: orchestrator,
		Store:        f.store,
		Publisher:    f.publisher,
		Workers:      1,
		QueueSize:    4,
	})
	if err != nil {
		t.Fatalf("new fill dispatcher: %v", err)
	}
	f.dispatcher = dispatcher

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.dispatcher.Shutdown(ctx)
	})
	return f
}

func (f *dispatcherFixture) seedQueuedRun(runID string, totalRows int, opts domain.FillOptions) domain.FillRun {
	run := domain.FillRun{
		ID:             runID,
		RunNumber:      "FR-2026-000001",
		OwnerID:        "user-1",
		DatasetID:      "ds_1",
		FieldSetID:     "fset_1",
		Status:         domain.FillRunStatusQueued,
		Mapping:        contactMapping(),
		Options:        opts,
		Progress:       domain.RunProgress{Total: totalRows},
		ArtifactPrefix: "assets/runs/" + runID + "/artifacts",
	}
	f.runs.put(run)
	return run
}

func waitForFinishedRun(t *testing.T, repo *memFillRunRepo, runID string) domain.FillRun {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if run, ok := repo.get(runID); ok && runFinished(run.Status) {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal state", runID)
	return domain.FillRun{}
}

func TestFillDispatcherCompletesRun(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.seedQueuedRun("run_1", 2, domain.FillOptions{})

	if err := f.dispatcher.Enqueue(context.Background(), "run_1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	run := waitForFinishedRun(t, f.runs, "run_1")
	if run.Status != domain.FillRunStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", run.Status, run.FailureReason)
	}
	if run.Progress.Current != 2 || run.Progress.Total != 2 {
		t.Fatalf("unexpected progress %+v", run.Progress)
	}
	if run.Totals.Filled != 4 || run.Totals.Errors != 0 {
		t.Fatalf("unexpected totals %+v", run.Totals)
	}
	if run.StartedAt == nil || run.FinishedAt == nil {
		t.Fatalf("expected start and finish times recorded")
	}

	first, ok := f.store.object("assets/runs/run_1/artifacts/row-00001.html")
	if !ok {
		t.Fatalf("expected first row artifact written")
	}
	if !strings.Contains(string(first), `value="a@example.com"`) || !strings.Contains(string(first), `value="Dana"`) {
		t.Fatalf("first row artifact missing filled values: %s", first)
	}
	second, ok := f.store.object("assets/runs/run_1/artifacts/row-00002.html")
	if !ok {
		t.Fatalf("expected second row artifact written")
	}
	if !strings.Contains(string(second), `value="b@example.com"`) {
		t.Fatalf("second row artifact missing filled values: %s", second)
	}
	if strings.Contains(string(second), `value="a@example.com"`) {
		t.Fatalf("expected a fresh clone per row, found first row data: %s", second)
	}

	report, ok := f.store.object("assets/runs/run_1/artifacts/FR-2026-000001-report.csv")
	if !ok {
		t.Fatalf("expected run report written")
	}
	lines := strings.Split(strings.TrimSpace(string(report)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header plus two rows, got %q", lines)
	}
	if lines[0] != "row,status,filled,skipped,errors,first_error" {
		t.Fatalf("unexpected report header %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "1,ok,2,0,0") {
		t.Fatalf("unexpected first report row %q", lines[1])
	}

	if names := f.publisher.names(); len(names) != 1 || names[0] != "fill.run.completed" {
		t.Fatalf("expected completed event, got %v", names)
	}
	if active := f.dispatcher.ActiveRuns(); len(active) != 0 {
		t.Fatalf("expected no active runs after completion, got %v", active)
	}
}

func TestFillDispatcherStopMarksRunStopped(t *testing.T) {
	rows := make([]domain.Row, 6)
	for i := range rows {
		rows[i] = domain.Row{"Email": fmt.Sprintf("u%d@example.com", i), "Name": "User"}
	}
	f := newDispatcherFixture(t, rows)
	f.seedQueuedRun("run_1", len(rows), domain.FillOptions{RowDelay: 100 * time.Millisecond})

	if err := f.dispatcher.Enqueue(context.Background(), "run_1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(f.dispatcher.ActiveRuns()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("run never started executing")
		}
		time.Sleep(2 * time.Millisecond)
	}

	aborted, err := f.dispatcher.Stop(context.Background(), "run_1")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !aborted {
		t.Fatalf("expected the executing run to be aborted")
	}

	run := waitForFinishedRun(t, f.runs, "run_1")
	if run.Status != domain.FillRunStatusStopped {
		t.Fatalf("expected stopped, got %s", run.Status)
	}
	if run.Progress.Current >= len(rows) {
		t.Fatalf("expected the batch cut short, processed %d of %d", run.Progress.Current, len(rows))
	}
	if names := f.publisher.names(); len(names) != 1 || names[0] != "fill.run.stopped" {
		t.Fatalf("expected stopped event, got %v", names)
	}

	report, ok := f.store.object("assets/runs/run_1/artifacts/FR-2026-000001-report.csv")
	if !ok {
		t.Fatalf("expected run report written")
	}
	if !strings.Contains(string(report), ",aborted,") {
		t.Fatalf("expected aborted marker in report: %s", report)
	}
}

func TestFillDispatcherSkipsFinishedRun(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	finished := time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)
	f.runs.put(domain.FillRun{
		ID:         "run_1",
		OwnerID:    "user-1",
		Status:     domain.FillRunStatusStopped,
		FinishedAt: &finished,
	})

	if err := f.dispatcher.Enqueue(context.Background(), "run_1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.dispatcher.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	run, _ := f.runs.get("run_1")
	if run.Status != domain.FillRunStatusStopped || run.StartedAt != nil {
		t.Fatalf("expected the finished run left untouched, got %+v", run)
	}
	if names := f.publisher.names(); len(names) != 0 {
		t.Fatalf("expected no events for a skipped run, got %v", names)
	}
}

func TestFillDispatcherFailsWithoutTemplate(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.store.mu.Lock()
	delete(f.store.objects, contactTemplatePath)
	f.store.mu.Unlock()
	f.seedQueuedRun("run_1", 2, domain.FillOptions{})

	if err := f.dispatcher.Enqueue(context.Background(), "run_1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	run := waitForFinishedRun(t, f.runs, "run_1")
	if run.Status != domain.FillRunStatusFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}
	if !strings.Contains(run.FailureReason, "no stored form template") {
		t.Fatalf("unexpected failure reason %q", run.FailureReason)
	}
	if run.Progress.Current != 0 {
		t.Fatalf("expected no rows processed, got %d", run.Progress.Current)
	}
	if names := f.publisher.names(); len(names) != 1 || names[0] != "fill.run.failed" {
		t.Fatalf("expected failed event, got %v", names)
	}
}

func TestFillDispatcherEnqueueAfterShutdown(t *testing.T) {
	f := newDispatcherFixture(t, nil)

	if err := f.dispatcher.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := f.dispatcher.Enqueue(context.Background(), "run_1"); !errors.Is(err, ErrFillQueueClosed) {
		t.Fatalf("expected queue closed, got %v", err)
	}
	if err := f.dispatcher.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown should be a no-op, got %v", err)
	}
}
