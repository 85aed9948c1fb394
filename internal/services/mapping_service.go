package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrMappingInvalidInput indicates the caller provided invalid arguments.
var ErrMappingInvalidInput = errors.New("mapping: invalid input")

// MappingServiceDeps wires dependencies for the mapping service implementation.
type MappingServiceDeps struct {
	Datasets     DatasetService
	FieldSets    FieldSetService
	Matcher      FieldMatcher
	Merger       MappingMerger
	Orchestrator FillOrchestrator
	Logger       func(context.Context, string, map[string]any)
}

type mappingService struct {
	datasets     DatasetService
	fieldSets    FieldSetService
	matcher      FieldMatcher
	merger       MappingMerger
	orchestrator FillOrchestrator
	logger       func(context.Context, string, map[string]any)
}

// NewMappingService constructs a MappingService backed by the provided dependencies.
func NewMappingService(deps MappingServiceDeps) (MappingService, error) {
	if deps.Datasets == nil {
		return nil, errors.New("mapping service: dataset service is required")
	}
	if deps.FieldSets == nil {
		return nil, errors.New("mapping service: field set service is required")
	}
	if deps.Matcher == nil {
		return nil, errors.New("mapping service: field matcher is required")
	}
	if deps.Merger == nil {
		return nil, errors.New("mapping service: mapping merger is required")
	}
	if deps.Orchestrator == nil {
		return nil, errors.New("mapping service: fill orchestrator is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &mappingService{
		datasets:     deps.Datasets,
		fieldSets:    deps.FieldSets,
		matcher:      deps.Matcher,
		merger:       deps.Merger,
		orchestrator: deps.Orchestrator,
		logger:       logger,
	}, nil
}

// AutoMap derives a complete automatic mapping between a dataset's columns and
// a field set's targets.
func (s *mappingService) AutoMap(ctx context.Context, cmd AutoMapCommand) (Mapping, error) {
	datasetID := strings.TrimSpace(cmd.DatasetID)
	if datasetID == "" {
		return nil, fmt.Errorf("%w: dataset_id is required", ErrMappingInvalidInput)
	}
	fieldSetID := strings.TrimSpace(cmd.FieldSetID)
	if fieldSetID == "" {
		return nil, fmt.Errorf("%w: field_set_id is required", ErrMappingInvalidInput)
	}

	dataset, err := s.datasets.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	set, err := s.fieldSets.GetFieldSet(ctx, fieldSetID)
	if err != nil {
		return nil, err
	}

	mapping := s.matcher.AutoMap(dataset.Columns, set.Fields)

	s.logger(ctx, "mapping computed", map[string]any{
		"datasetId":  datasetID,
		"fieldSetId": fieldSetID,
		"columns":    len(dataset.Columns),
		"mapped":     len(mapping),
	})

	return mapping, nil
}

// MergeMapping overlays manual selector edits onto an automatic mapping. Auto
// entries replayed from a client may carry nil field snapshots; they are
// re-resolved against the stored field set before merging.
func (s *mappingService) MergeMapping(ctx context.Context, cmd MergeMappingCommand) (Mapping, error) {
	fieldSetID := strings.TrimSpace(cmd.FieldSetID)
	if fieldSetID == "" {
		return nil, fmt.Errorf("%w: field_set_id is required", ErrMappingInvalidInput)
	}

	set, err := s.fieldSets.GetFieldSet(ctx, fieldSetID)
	if err != nil {
		return nil, err
	}

	auto := resolveMappingFields(cmd.Auto, set.Fields)
	return s.merger.Merge(auto, cmd.ManualEdits, set.Fields), nil
}

// PreviewRow projects outcomes for one dataset row without writing anything.
// An empty mapping previews the automatic assignment.
func (s *mappingService) PreviewRow(ctx context.Context, cmd PreviewRowCommand) (PreviewResult, error) {
	datasetID := strings.TrimSpace(cmd.DatasetID)
	if datasetID == "" {
		return PreviewResult{}, fmt.Errorf("%w: dataset_id is required", ErrMappingInvalidInput)
	}
	fieldSetID := strings.TrimSpace(cmd.FieldSetID)
	if fieldSetID == "" {
		return PreviewResult{}, fmt.Errorf("%w: field_set_id is required", ErrMappingInvalidInput)
	}
	if cmd.RowIndex < 0 {
		return PreviewResult{}, fmt.Errorf("%w: row_index must not be negative", ErrMappingInvalidInput)
	}

	table, err := s.datasets.LoadRows(ctx, datasetID)
	if err != nil {
		return PreviewResult{}, err
	}
	if cmd.RowIndex >= len(table.Rows) {
		return PreviewResult{}, fmt.Errorf("%w: row_index %d out of range (%d rows)", ErrMappingInvalidInput, cmd.RowIndex, len(table.Rows))
	}

	set, err := s.fieldSets.GetFieldSet(ctx, fieldSetID)
	if err != nil {
		return PreviewResult{}, err
	}

	mapping := resolveMappingFields(cmd.Mapping, set.Fields)
	if len(mapping) == 0 {
		mapping = s.matcher.AutoMap(table.Columns, set.Fields)
	}

	target := newFieldSetTarget(set.Fields)
	return s.orchestrator.Preview(ctx, target, mapping, table.Rows[cmd.RowIndex]), nil
}

// resolveMappingFields fills nil field snapshots from the stored field set.
// Entries whose selector is unknown keep their nil snapshot; preview and fill
// report those as unresolved targets.
func resolveMappingFields(mapping Mapping, fields []TargetField) Mapping {
	if len(mapping) == 0 {
		return nil
	}
	bySelector := make(map[string]TargetField, len(fields))
	for _, field := range fields {
		bySelector[field.Selector] = field
	}
	resolved := make(Mapping, len(mapping))
	for column, entry := range mapping {
		if entry.Field == nil {
			if field, ok := bySelector[strings.TrimSpace(entry.Selector)]; ok {
				snapshot := field
				entry.Field = &snapshot
			}
		}
		resolved[column] = entry
	}
	return resolved
}

// fieldSetTarget adapts a stored field list into a read-only form target so
// previews can resolve selectors without the original markup.
type fieldSetTarget struct {
	fields map[string]TargetField
}

func newFieldSetTarget(fields []TargetField) *fieldSetTarget {
	index := make(map[string]TargetField, len(fields))
	for _, field := range fields {
		index[field.Selector] = field
	}
	return &fieldSetTarget{fields: index}
}

func (t *fieldSetTarget) Resolve(_ context.Context, selector string) (TargetState, bool, error) {
	_, ok := t.fields[strings.TrimSpace(selector)]
	return TargetState{}, ok, nil
}

func (t *fieldSetTarget) SetValue(context.Context, string, string) error {
	return errors.New("mapping: preview target is read-only")
}

func (t *fieldSetTarget) SetChecked(context.Context, string, bool) error {
	return errors.New("mapping: preview target is read-only")
}

func (t *fieldSetTarget) SelectRadio(context.Context, string, string) (bool, error) {
	return false, errors.New("mapping: preview target is read-only")
}

var _ FormTarget = (*fieldSetTarget)(nil)
