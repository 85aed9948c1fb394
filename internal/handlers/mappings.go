package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/formbridge/api/internal/domain"
	"github.com/formbridge/api/internal/platform/auth"
	"github.com/formbridge/api/internal/platform/httpx"
	"github.com/formbridge/api/internal/services"
)

const maxMappingRequestBody = 256 * 1024

// MappingHandlers exposes automatic matching, merge, and preview endpoints.
// Ownership of the referenced dataset and field set is checked here because
// mapping commands are pure and carry no actor.
type MappingHandlers struct {
	authn     *auth.Authenticator
	mappings  services.MappingService
	datasets  services.DatasetService
	fieldSets services.FieldSetService
}

// NewMappingHandlers constructs handlers enforcing Firebase authentication.
func NewMappingHandlers(authn *auth.Authenticator, mappings services.MappingService, datasets services.DatasetService, fieldSets services.FieldSetService) *MappingHandlers {
	return &MappingHandlers{
		authn:     authn,
		mappings:  mappings,
		datasets:  datasets,
		fieldSets: fieldSets,
	}
}

// Routes registers the mapping endpoints on the provided router.
func (h *MappingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Post("/auto", h.autoMap)
	group.Post("/merge", h.mergeMapping)
	group.Post("/preview", h.previewRow)
}

type autoMapRequest struct {
	DatasetID  string `json:"dataset_id"`
	FieldSetID string `json:"field_set_id"`
}

func (h *MappingHandlers) autoMap(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.mappings == nil {
		httpx.WriteError(ctx, w, httpx.NewError("mapping_service_unavailable", "mapping service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var req autoMapRequest
	if !h.decodeMappingRequest(w, r, &req) {
		return
	}

	if !h.verifyDatasetOwned(ctx, w, identity.UID, req.DatasetID) {
		return
	}
	if !h.verifyFieldSetOwned(ctx, w, identity.UID, req.FieldSetID) {
		return
	}

	mapping, err := h.mappings.AutoMap(ctx, services.AutoMapCommand{
		DatasetID:  req.DatasetID,
		FieldSetID: req.FieldSetID,
	})
	if err != nil {
		writeMappingError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, mappingResponse{Mapping: buildMappingPayload(mapping)})
}

type mergeMappingRequest struct {
	FieldSetID  string                         `json:"field_set_id"`
	Auto        map[string]mappingEntryPayload `json:"auto,omitempty"`
	ManualEdits map[string]string              `json:"manual_edits,omitempty"`
}

func (h *MappingHandlers) mergeMapping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.mappings == nil {
		httpx.WriteError(ctx, w, httpx.NewError("mapping_service_unavailable", "mapping service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var req mergeMappingRequest
	if !h.decodeMappingRequest(w, r, &req) {
		return
	}

	if !h.verifyFieldSetOwned(ctx, w, identity.UID, req.FieldSetID) {
		return
	}

	mapping, err := h.mappings.MergeMapping(ctx, services.MergeMappingCommand{
		FieldSetID:  req.FieldSetID,
		Auto:        parseMappingPayload(req.Auto),
		ManualEdits: req.ManualEdits,
	})
	if err != nil {
		writeMappingError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, mappingResponse{Mapping: buildMappingPayload(mapping)})
}

type previewRowRequest struct {
	DatasetID  string                         `json:"dataset_id"`
	FieldSetID string                         `json:"field_set_id"`
	RowIndex   int                            `json:"row_index"`
	Mapping    map[string]mappingEntryPayload `json:"mapping,omitempty"`
}

func (h *MappingHandlers) previewRow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.mappings == nil {
		httpx.WriteError(ctx, w, httpx.NewError("mapping_service_unavailable", "mapping service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var req previewRowRequest
	if !h.decodeMappingRequest(w, r, &req) {
		return
	}

	if !h.verifyDatasetOwned(ctx, w, identity.UID, req.DatasetID) {
		return
	}
	if !h.verifyFieldSetOwned(ctx, w, identity.UID, req.FieldSetID) {
		return
	}

	preview, err := h.mappings.PreviewRow(ctx, services.PreviewRowCommand{
		DatasetID:  req.DatasetID,
		FieldSetID: req.FieldSetID,
		RowIndex:   req.RowIndex,
		Mapping:    parseMappingPayload(req.Mapping),
	})
	if err != nil {
		writeMappingError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildPreviewResponse(preview))
}

func (h *MappingHandlers) decodeMappingRequest(w http.ResponseWriter, r *http.Request, out any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, maxMappingRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

func (h *MappingHandlers) verifyDatasetOwned(ctx context.Context, w http.ResponseWriter, uid string, datasetID string) bool {
	if h.datasets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("dataset_service_unavailable", "dataset service unavailable", http.StatusServiceUnavailable))
		return false
	}
	if strings.TrimSpace(datasetID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "dataset_id is required", http.StatusBadRequest))
		return false
	}
	dataset, err := h.datasets.GetDataset(ctx, datasetID)
	if err != nil {
		writeDatasetError(ctx, w, err)
		return false
	}
	if dataset.OwnerID != "" && dataset.OwnerID != strings.TrimSpace(uid) {
		httpx.WriteError(ctx, w, httpx.NewError("dataset_not_found", "dataset not found", http.StatusNotFound))
		return false
	}
	return true
}

func (h *MappingHandlers) verifyFieldSetOwned(ctx context.Context, w http.ResponseWriter, uid string, fieldSetID string) bool {
	if h.fieldSets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("field_set_service_unavailable", "field set service unavailable", http.StatusServiceUnavailable))
		return false
	}
	if strings.TrimSpace(fieldSetID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "field_set_id is required", http.StatusBadRequest))
		return false
	}
	fieldSet, err := h.fieldSets.GetFieldSet(ctx, fieldSetID)
	if err != nil {
		writeFieldSetError(ctx, w, err)
		return false
	}
	if fieldSet.OwnerID != "" && fieldSet.OwnerID != strings.TrimSpace(uid) {
		httpx.WriteError(ctx, w, httpx.NewError("field_set_not_found", "field set not found", http.StatusNotFound))
		return false
	}
	return true
}

type mappingResponse struct {
	Mapping map[string]mappingEntryPayload `json:"mapping"`
}

type mappingEntryPayload struct {
	Selector   string              `json:"selector"`
	Confidence float64             `json:"confidence"`
	Level      string              `json:"level,omitempty"`
	Source     string              `json:"source,omitempty"`
	Field      *targetFieldPayload `json:"field,omitempty"`
}

func buildMappingPayload(mapping domain.Mapping) map[string]mappingEntryPayload {
	result := make(map[string]mappingEntryPayload, len(mapping))
	for column, entry := range mapping {
		payload := mappingEntryPayload{
			Selector:   entry.Selector,
			Confidence: entry.Confidence,
			Level:      string(entry.Level),
			Source:     string(entry.Source),
		}
		if entry.Field != nil {
			field := buildTargetFieldPayload(*entry.Field)
			payload.Field = &field
		}
		result[column] = payload
	}
	return result
}

// parseMappingPayload rebuilds a domain mapping from its wire form. Field
// snapshots are optional; the mapping service re-resolves missing ones.
func parseMappingPayload(payload map[string]mappingEntryPayload) domain.Mapping {
	if len(payload) == 0 {
		return nil
	}
	mapping := make(domain.Mapping, len(payload))
	for column, entry := range payload {
		mapped := domain.MappingEntry{
			Selector:   strings.TrimSpace(entry.Selector),
			Confidence: entry.Confidence,
			Level:      domain.ConfidenceLevel(strings.TrimSpace(entry.Level)),
			Source:     domain.MappingSource(strings.TrimSpace(entry.Source)),
		}
		if entry.Field != nil {
			fields := parseTargetFields([]targetFieldPayload{*entry.Field})
			if len(fields) == 1 {
				mapped.Field = &fields[0]
			}
		}
		mapping[column] = mapped
	}
	return mapping
}

type previewResponse struct {
	Entries  []previewEntryPayload `json:"entries"`
	Warnings []string              `json:"warnings,omitempty"`
}

type previewEntryPayload struct {
	Column        string             `json:"column"`
	Selector      string             `json:"selector"`
	CurrentValue  string             `json:"current_value,omitempty"`
	ProposedValue any                `json:"proposed_value"`
	Valid         bool               `json:"valid"`
	Error         *fieldErrorPayload `json:"error,omitempty"`
}

type fieldErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func buildPreviewResponse(preview domain.PreviewResult) previewResponse {
	entries := make([]previewEntryPayload, 0, len(preview.Entries))
	for _, entry := range preview.Entries {
		payload := previewEntryPayload{
			Column:        entry.Column,
			Selector:      entry.Selector,
			CurrentValue:  entry.CurrentValue,
			ProposedValue: entry.ProposedValue,
			Valid:         entry.Valid,
		}
		if entry.Error != nil {
			payload.Error = &fieldErrorPayload{
				Kind:    string(entry.Error.Kind),
				Message: entry.Error.Message,
			}
		}
		entries = append(entries, payload)
	}
	return previewResponse{
		Entries:  entries,
		Warnings: preview.Warnings,
	}
}

func writeMappingError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrMappingInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrDatasetInvalidInput),
		errors.Is(err, services.ErrDatasetNotFound),
		errors.Is(err, services.ErrDatasetAccessDenied),
		errors.Is(err, services.ErrDatasetStorageUnavailable),
		errors.Is(err, services.ErrDatasetRepositoryUnavailable):
		writeDatasetError(ctx, w, err)
	case errors.Is(err, services.ErrFieldSetInvalidInput),
		errors.Is(err, services.ErrFieldSetNotFound),
		errors.Is(err, services.ErrFieldSetAccessDenied),
		errors.Is(err, services.ErrFieldSetRepositoryUnavailable):
		writeFieldSetError(ctx, w, err)
	default:
		httpx.WriteError(ctx, w, httpx.NewError("mapping_error", "failed to process mapping request", http.StatusInternalServerError))
	}
}
