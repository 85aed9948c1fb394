package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	domain "github.com/formbridge/api/internal/domain"
	"github.com/formbridge/api/internal/htmlform"
	"github.com/formbridge/api/internal/platform/storage"
	"github.com/formbridge/api/internal/platform/textutil"
	"github.com/formbridge/api/internal/repositories"
)

var (
	// ErrFillQueueClosed indicates the dispatcher no longer accepts runs.
	ErrFillQueueClosed = errors.New("fill dispatcher: shut down")
	// ErrFillQueueFull indicates the run queue is at capacity.
	ErrFillQueueFull = errors.New("fill dispatcher: queue is full")
)

const (
	defaultFillWorkers   = 2
	defaultFillQueueSize = 16
	maxStoredRowErrors   = 100
	runReportContentType = "text/csv"
)

// FillDispatcherDeps wires dependencies for the in-process run executor.
type FillDispatcherDeps struct {
	Runs         repositories.FillRunRepository
	Datasets     DatasetService
	FieldSets    FieldSetService
	Orchestrator FillOrchestrator
	Store        ObjectStore
	Publisher    RunEventPublisher
	Clock        func() time.Time
	Logger       func(ctx context.Context, event string, fields map[string]any)
	Workers      int
	QueueSize    int
}

// fillDispatcher executes queued runs on a small worker pool. Each executing
// run registers an abort signal so StopRun can cancel it between rows.
type fillDispatcher struct {
	runs         repositories.FillRunRepository
	datasets     DatasetService
	fieldSets    FieldSetService
	orchestrator FillOrchestrator
	store        ObjectStore
	publisher    RunEventPublisher
	clock        func() time.Time
	logger       func(context.Context, string, map[string]any)

	queue  chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]*AbortSignal
	closed bool
}

// NewFillDispatcher starts the worker pool immediately. Callers own the
// lifecycle and must Shutdown the dispatcher to drain it.
func NewFillDispatcher(deps FillDispatcherDeps) (FillDispatcher, error) {
	if deps.Runs == nil {
		return nil, errors.New("fill dispatcher: run repository is required")
	}
	if deps.Datasets == nil {
		return nil, errors.New("fill dispatcher: dataset service is required")
	}
	if deps.FieldSets == nil {
		return nil, errors.New("fill dispatcher: field set service is required")
	}
	if deps.Orchestrator == nil {
		return nil, errors.New("fill dispatcher: orchestrator is required")
	}
	if deps.Store == nil {
		return nil, errors.New("fill dispatcher: object store is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	workers := deps.Workers
	if workers <= 0 {
		workers = defaultFillWorkers
	}
	queueSize := deps.QueueSize
	if queueSize <= 0 {
		queueSize = defaultFillQueueSize
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	d := &fillDispatcher{
		runs:         deps.Runs,
		datasets:     deps.Datasets,
		fieldSets:    deps.FieldSets,
		orchestrator: deps.Orchestrator,
		store:        deps.Store,
		publisher:    deps.Publisher,
		clock:        func() time.Time { return clock().UTC() },
		logger:       logger,
		queue:        make(chan string, queueSize),
		cancel:       cancel,
		active:       make(map[string]*AbortSignal),
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(baseCtx)
	}

	return d, nil
}

// Enqueue hands a queued run to the worker pool without blocking.
func (d *fillDispatcher) Enqueue(ctx context.Context, runID string) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("fill dispatcher: run id is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrFillQueueClosed
	}
	select {
	case d.queue <- runID:
		return nil
	default:
		return ErrFillQueueFull
	}
}

// Stop trips the abort signal of a run executing on this instance.
func (d *fillDispatcher) Stop(ctx context.Context, runID string) (bool, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return false, errors.New("fill dispatcher: run id is required")
	}

	d.mu.Lock()
	signal, ok := d.active[runID]
	d.mu.Unlock()
	if !ok {
		return false, nil
	}
	signal.Abort()
	return true, nil
}

// ActiveRuns lists the IDs currently executing on this instance.
func (d *fillDispatcher) ActiveRuns() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return textutil.SortedKeys(d.active)
}

// Shutdown stops accepting runs and waits for in-flight executions. When the
// context expires first, remaining executions are cancelled.
func (d *fillDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *fillDispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for runID := range d.queue {
		d.execute(ctx, runID)
	}
}

// execute drives one run from queued to a terminal state. Infrastructure
// failures before the first row mark the run failed; cancellation mid-batch
// marks it stopped with whatever progress was made.
func (d *fillDispatcher) execute(ctx context.Context, runID string) {
	run, err := d.runs.FindByID(ctx, runID)
	if err != nil {
		d.logger(ctx, "fill run load failed", map[string]any{
			"runId": runID,
			"error": err.Error(),
		})
		return
	}
	if run.Status != domain.FillRunStatusQueued {
		d.logger(ctx, "fill run skipped", map[string]any{
			"runId":  runID,
			"status": string(run.Status),
		})
		return
	}

	signal := NewAbortSignal()
	d.mu.Lock()
	d.active[runID] = signal
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.active, runID)
		d.mu.Unlock()
	}()

	now := d.clock()
	run.Status = domain.FillRunStatusRunning
	run.StartedAt = &now
	run.UpdatedAt = now
	if err := d.runs.Update(ctx, run); err != nil {
		d.logger(ctx, "fill run status update failed", map[string]any{
			"runId": runID,
			"error": err.Error(),
		})
		return
	}

	table, err := d.datasets.LoadRows(ctx, run.DatasetID)
	if err != nil {
		d.finishRun(ctx, run, domain.FillRunStatusFailed, domain.BatchResult{}, 0, fmt.Sprintf("load dataset rows: %v", err))
		return
	}
	set, err := d.fieldSets.GetFieldSet(ctx, run.FieldSetID)
	if err != nil {
		d.finishRun(ctx, run, domain.FillRunStatusFailed, domain.BatchResult{}, len(table.Rows), fmt.Sprintf("load field set: %v", err))
		return
	}
	target, err := d.buildTarget(ctx, run, set)
	if err != nil {
		d.finishRun(ctx, run, domain.FillRunStatusFailed, domain.BatchResult{}, len(table.Rows), fmt.Sprintf("prepare form target: %v", err))
		return
	}

	mapping := resolveMappingFields(run.Mapping, set.Fields)
	total := len(table.Rows)

	var tallyFilled, tallyErrors int
	onProgress := func(p BatchProgress) {
		tallyFilled += p.Result.Filled
		tallyErrors += len(p.Result.Errors)
		if err := target.FlushRow(ctx, p.Current-1); err != nil {
			d.logger(ctx, "row artifact write failed", map[string]any{
				"runId": run.ID,
				"row":   p.Current,
				"error": err.Error(),
			})
		}
		progress := domain.RunProgress{Current: p.Current, Total: total}
		totals := domain.RunTotals{Filled: tallyFilled, Errors: tallyErrors}
		if err := d.runs.UpdateProgress(ctx, run.ID, progress, totals, d.clock()); err != nil {
			d.logger(ctx, "fill run progress update failed", map[string]any{
				"runId": run.ID,
				"error": err.Error(),
			})
		}
	}

	result := d.orchestrator.FillBatch(ctx, target, mapping, table.Rows, run.Options, signal, onProgress)

	status := domain.FillRunStatusCompleted
	if signal.Aborted() || ctx.Err() != nil {
		status = domain.FillRunStatusStopped
	}

	d.writeRunReport(ctx, run, result)
	d.finishRun(ctx, run, status, result, total, "")
}

// buildTarget loads the field set's stored template and wires a rendering
// target whose artifacts land under the run's prefix.
func (d *fillDispatcher) buildTarget(ctx context.Context, run domain.FillRun, set FieldSet) (*htmlform.RenderingTarget, error) {
	templatePath, err := storage.BuildObjectPath(storage.PurposeFormTemplate, storage.PathParams{
		FieldSetID: set.ID,
		FileName:   templateFileName,
	})
	if err != nil {
		return nil, err
	}
	raw, err := d.store.Download(ctx, templatePath)
	if err != nil {
		return nil, fmt.Errorf("field set %s has no stored form template: %v", set.ID, err)
	}
	doc, err := htmlform.ParseDocument(raw)
	if err != nil {
		return nil, err
	}

	prefix := strings.TrimSpace(run.ArtifactPrefix)
	if prefix == "" {
		prefix, err = storage.RunArtifactPrefix(run.ID)
		if err != nil {
			return nil, err
		}
	}
	return htmlform.NewRenderingTarget(doc, &runArtifactWriter{store: d.store, prefix: prefix})
}

func (d *fillDispatcher) finishRun(ctx context.Context, run domain.FillRun, status domain.FillRunStatus, result domain.BatchResult, totalRows int, failureReason string) {
	now := d.clock()

	processed := 0
	var rowErrors []domain.FillError
	for _, row := range result.Results {
		if row.Aborted {
			continue
		}
		processed++
		for _, fe := range row.Result.Errors {
			if len(rowErrors) >= maxStoredRowErrors {
				break
			}
			rowErrors = append(rowErrors, fe)
		}
	}

	run.Status = status
	run.Progress = domain.RunProgress{Current: processed, Total: totalRows}
	run.Totals = domain.RunTotals{Filled: result.TotalFilled, Errors: result.TotalErrors}
	run.RowErrors = rowErrors
	run.FailureReason = failureReason
	run.FinishedAt = &now
	run.UpdatedAt = now

	if err := d.runs.Update(ctx, run); err != nil {
		d.logger(ctx, "fill run finish update failed", map[string]any{
			"runId": run.ID,
			"error": err.Error(),
		})
	}

	d.publishEvent(ctx, run)
	d.logger(ctx, runEventName(status), map[string]any{
		"runId":  run.ID,
		"status": string(status),
		"rows":   processed,
		"filled": run.Totals.Filled,
		"errors": run.Totals.Errors,
	})
}

// writeRunReport renders a per-row CSV summary alongside the row artifacts.
func (d *fillDispatcher) writeRunReport(ctx context.Context, run domain.FillRun, result domain.BatchResult) {
	reportPath, err := storage.BuildObjectPath(storage.PurposeRunArtifact, storage.PathParams{
		RunID:     run.ID,
		RunNumber: run.RunNumber,
	})
	if err != nil {
		d.logger(ctx, "run report path failed", map[string]any{
			"runId": run.ID,
			"error": err.Error(),
		})
		return
	}
	if err := d.store.Upload(ctx, reportPath, runReportContentType, renderRunReport(result)); err != nil {
		d.logger(ctx, "run report upload failed", map[string]any{
			"runId": run.ID,
			"error": err.Error(),
		})
	}
}

func (d *fillDispatcher) publishEvent(ctx context.Context, run domain.FillRun) {
	if d.publisher == nil {
		return
	}
	event := RunEvent{
		Name:       runEventName(run.Status),
		RunID:      run.ID,
		RunNumber:  run.RunNumber,
		OwnerID:    run.OwnerID,
		Status:     run.Status,
		Totals:     run.Totals,
		OccurredAt: d.clock(),
	}
	if err := d.publisher.PublishRunEvent(ctx, event); err != nil {
		d.logger(ctx, "run event publish failed", map[string]any{
			"runId": run.ID,
			"event": event.Name,
			"error": err.Error(),
		})
	}
}

func runEventName(status domain.FillRunStatus) string {
	switch status {
	case domain.FillRunStatusCompleted:
		return eventFillRunCompleted
	case domain.FillRunStatusStopped:
		return eventFillRunStopped
	case domain.FillRunStatusFailed:
		return eventFillRunFailed
	default:
		return "fill.run." + string(status)
	}
}

func renderRunReport(result domain.BatchResult) []byte {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write([]string{"row", "status", "filled", "skipped", "errors", "first_error"})
	for _, row := range result.Results {
		if row.Aborted {
			_ = w.Write([]string{strconv.Itoa(row.Row + 1), "aborted", "", "", "", ""})
			continue
		}
		status := "ok"
		firstError := ""
		if len(row.Result.Errors) > 0 {
			status = "error"
			first := row.Result.Errors[0]
			firstError = fmt.Sprintf("%s: %s", first.Column, first.Message)
		}
		_ = w.Write([]string{
			strconv.Itoa(row.Row + 1),
			status,
			strconv.Itoa(row.Result.Filled),
			strconv.Itoa(row.Result.Skipped),
			strconv.Itoa(len(row.Result.Errors)),
			firstError,
		})
	}
	w.Flush()
	return buf.Bytes()
}

// runArtifactWriter uploads rendered row documents under the run's artifact
// prefix.
type runArtifactWriter struct {
	store  ObjectStore
	prefix string
}

func (w *runArtifactWriter) WriteArtifact(ctx context.Context, name string, contentType string, data []byte) error {
	return w.store.Upload(ctx, w.prefix+"/"+name, contentType, data)
}

var _ FillDispatcher = (*fillDispatcher)(nil)
var _ htmlform.ArtifactWriter = (*runArtifactWriter)(nil)
