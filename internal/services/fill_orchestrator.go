package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	domain "github.com/formbridge/api/internal/domain"
	"github.com/formbridge/api/internal/platform/textutil"
)

// checkboxTruthy lists the affirmative tokens accepted for checkbox writes.
var checkboxTruthy = map[string]struct{}{
	"true": {},
	"yes":  {},
	"1":    {},
	"on":   {},
	"x":    {},
	"✓":    {},
}

// AbortSignal is a cooperative cancellation token shared between a running
// batch and its controller. Abort is idempotent and safe from any goroutine.
type AbortSignal struct {
	once    sync.Once
	aborted atomic.Bool
	done    chan struct{}
}

// NewAbortSignal returns an untripped token.
func NewAbortSignal() *AbortSignal {
	return &AbortSignal{done: make(chan struct{})}
}

// Abort trips the signal.
func (s *AbortSignal) Abort() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.aborted.Store(true)
		close(s.done)
	})
}

// Aborted reports whether the signal has been tripped. A nil signal never aborts.
func (s *AbortSignal) Aborted() bool {
	return s != nil && s.aborted.Load()
}

// Done returns a channel closed on abort. A nil signal blocks forever.
func (s *AbortSignal) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.done
}

// FillOrchestratorDeps wires the validator and optional presentation hooks.
type FillOrchestratorDeps struct {
	Validator FieldValidator
	Indicator FillIndicator
	Logger    func(context.Context, string, map[string]any)
}

type fillOrchestrator struct {
	validator FieldValidator
	indicator FillIndicator
	logger    func(context.Context, string, map[string]any)
}

// NewFillOrchestrator constructs a FillOrchestrator with the provided dependencies.
func NewFillOrchestrator(deps FillOrchestratorDeps) (FillOrchestrator, error) {
	if deps.Validator == nil {
		return nil, errors.New("fill orchestrator: validator is required")
	}
	indicator := deps.Indicator
	if indicator == nil {
		indicator = noopIndicator{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &fillOrchestrator{
		validator: deps.Validator,
		indicator: indicator,
		logger:    logger,
	}, nil
}

// FillField resolves, validates, and writes one value. Every failure mode
// lands in the outcome; the target is never written on a failed validation.
func (o *fillOrchestrator) FillField(ctx context.Context, target FormTarget, value any, field TargetField, opts FillOptions) FillFieldOutcome {
	state, found, err := target.Resolve(ctx, field.Selector)
	if err != nil || !found {
		o.indicator.FieldFailed(ctx, field.Selector, domain.ErrKindTargetNotFound)
		return failOutcome(domain.ErrKindTargetNotFound, targetNotFoundMessage(field.Selector, err))
	}

	if opts.SkipFilled && targetFilled(field.Type, state) {
		return FillFieldOutcome{Success: true, Skipped: true}
	}

	result := o.validator.Validate(value, field)
	if !result.Valid {
		o.indicator.FieldFailed(ctx, field.Selector, result.Error.Kind)
		return FillFieldOutcome{Error: result.Error}
	}

	if ferr := o.writeValue(ctx, target, field, result.Value); ferr != nil {
		o.indicator.FieldFailed(ctx, field.Selector, ferr.Kind)
		return FillFieldOutcome{Error: ferr}
	}

	o.indicator.FieldFilled(ctx, field.Selector)
	return FillFieldOutcome{Success: true}
}

// FillRow walks mapping entries in column name order so repeated runs touch
// fields in the same sequence. With StopOnError set, already filled fields
// stay filled and the remaining entries are never attempted.
func (o *fillOrchestrator) FillRow(ctx context.Context, target FormTarget, mapping Mapping, row Row, opts FillOptions) FillResult {
	var result FillResult
	for _, column := range textutil.SortedKeys(mapping) {
		entry := mapping[column]
		outcome := o.FillField(ctx, target, row[column], entryField(entry), opts)
		switch {
		case outcome.Skipped:
			result.Skipped++
		case outcome.Success:
			result.Filled++
		default:
			result.Errors = append(result.Errors, FillError{
				Column:   column,
				Selector: entry.Selector,
				Kind:     outcome.Error.Kind,
				Message:  outcome.Error.Message,
			})
			if opts.StopOnError {
				return result
			}
		}
	}
	result.Success = len(result.Errors) == 0
	return result
}

// FillBatch processes rows sequentially. The abort token and ctx are observed
// at the top of each iteration; the inter-row delay wakes early on either, so
// a cancelled batch ends at the next loop head with a trailing aborted marker.
func (o *fillOrchestrator) FillBatch(ctx context.Context, target FormTarget, mapping Mapping, rows []Row, opts FillOptions, abort *AbortSignal, onProgress ProgressFunc) BatchResult {
	batch := BatchResult{Results: make([]RowResult, 0, len(rows))}
	total := len(rows)

	for idx, row := range rows {
		if batchAborted(ctx, abort) {
			batch.Results = append(batch.Results, RowResult{Row: idx, Aborted: true})
			break
		}

		result := o.FillRow(ctx, target, mapping, row, opts)
		batch.TotalFilled += result.Filled
		batch.TotalErrors += len(result.Errors)
		batch.Results = append(batch.Results, RowResult{Row: idx, Result: result})

		if onProgress != nil {
			onProgress(BatchProgress{Current: idx + 1, Total: total, Result: result})
		}

		if !result.Success && opts.StopOnError {
			break
		}

		if opts.RowDelay > 0 && idx < total-1 {
			waitBetweenRows(ctx, opts.RowDelay, abort)
		}
	}

	o.logger(ctx, "fill.batch.finished", map[string]any{
		"rows":      total,
		"processed": len(batch.Results),
		"filled":    batch.TotalFilled,
		"errors":    batch.TotalErrors,
		"aborted":   batchEndedAborted(batch),
	})
	return batch
}

// Preview runs the resolution and validation path for one row without
// touching the target.
func (o *fillOrchestrator) Preview(ctx context.Context, target FormTarget, mapping Mapping, row Row) PreviewResult {
	preview := PreviewResult{Entries: make([]PreviewEntry, 0, len(mapping))}
	for _, column := range textutil.SortedKeys(mapping) {
		entry := mapping[column]
		pe := PreviewEntry{Column: column, Selector: entry.Selector}

		state, found, err := target.Resolve(ctx, entry.Selector)
		if err != nil || !found {
			pe.Error = &domain.FieldError{
				Kind:    domain.ErrKindTargetNotFound,
				Message: targetNotFoundMessage(entry.Selector, err),
			}
			preview.Entries = append(preview.Entries, pe)
			preview.Warnings = append(preview.Warnings, fmt.Sprintf("%s: no longer matches a field", column))
			continue
		}
		pe.CurrentValue = state.Value

		result := o.validator.Validate(row[column], entryField(entry))
		pe.Valid = result.Valid
		if result.Valid {
			pe.ProposedValue = result.Value
		} else {
			pe.Error = result.Error
		}
		preview.Entries = append(preview.Entries, pe)
	}
	return preview
}

// writeValue dispatches the type-specific write. Checkboxes interpret the
// coerced value against the truthy token set; radios select within their name
// group by value, falling back to a direct check for ungrouped inputs.
func (o *fillOrchestrator) writeValue(ctx context.Context, target FormTarget, field TargetField, coerced any) *domain.FieldError {
	switch field.Type {
	case domain.FieldTypeCheckbox:
		if err := target.SetChecked(ctx, field.Selector, truthyValue(valueString(coerced))); err != nil {
			return writeFailure(err)
		}
	case domain.FieldTypeRadio:
		if field.Name == "" {
			if err := target.SetChecked(ctx, field.Selector, true); err != nil {
				return writeFailure(err)
			}
			return nil
		}
		found, err := target.SelectRadio(ctx, field.Name, valueString(coerced))
		if err != nil {
			return writeFailure(err)
		}
		if !found {
			return &domain.FieldError{Kind: domain.ErrKindNotInOptions, Message: "no radio option matches the value"}
		}
	default:
		if err := target.SetValue(ctx, field.Selector, valueString(coerced)); err != nil {
			return writeFailure(err)
		}
	}
	return nil
}

// entryField returns the field snapshot to fill for an entry. Manual entries
// whose selector never re-resolved carry no field; they write as plain text.
func entryField(entry MappingEntry) TargetField {
	if entry.Field != nil {
		return *entry.Field
	}
	return TargetField{Selector: entry.Selector, Type: domain.FieldTypeText}
}

func targetFilled(fieldType domain.FieldType, state TargetState) bool {
	switch fieldType {
	case domain.FieldTypeCheckbox, domain.FieldTypeRadio:
		return state.Checked
	default:
		return strings.TrimSpace(state.Value) != ""
	}
}

func truthyValue(value string) bool {
	_, ok := checkboxTruthy[strings.ToLower(strings.TrimSpace(value))]
	return ok
}

func batchAborted(ctx context.Context, abort *AbortSignal) bool {
	if abort.Aborted() {
		return true
	}
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func batchEndedAborted(batch BatchResult) bool {
	if len(batch.Results) == 0 {
		return false
	}
	return batch.Results[len(batch.Results)-1].Aborted
}

func waitBetweenRows(ctx context.Context, delay time.Duration, abort *AbortSignal) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-abort.Done():
	}
}

func targetNotFoundMessage(selector string, err error) string {
	if err != nil {
		return fmt.Sprintf("target %s unavailable: %v", selector, err)
	}
	return fmt.Sprintf("no element matches %s", selector)
}

func failOutcome(kind domain.ErrorKind, message string) FillFieldOutcome {
	return FillFieldOutcome{Error: &domain.FieldError{Kind: kind, Message: message}}
}

func writeFailure(err error) *domain.FieldError {
	return &domain.FieldError{Kind: domain.ErrKindTargetNotFound, Message: err.Error()}
}

var _ FillOrchestrator = (*fillOrchestrator)(nil)

type noopIndicator struct{}

func (noopIndicator) FieldFilled(context.Context, string)                   {}
func (noopIndicator) FieldFailed(context.Context, string, domain.ErrorKind) {}
