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
	"github.com/formbridge/api/internal/platform/pagination"
	"github.com/formbridge/api/internal/services"
)

const (
	// Scan bodies carry base64 markup, so the ceiling sits above the 5 MiB
	// raw document limit enforced by the service.
	maxFieldSetScanBody     = 8 * 1024 * 1024
	maxFieldSetRegisterBody = 1 * 1024 * 1024
	defaultFieldSetPage     = 20
	maxFieldSetPage         = 100
)

// FieldSetHandlers exposes form detection and field set lifecycle endpoints.
type FieldSetHandlers struct {
	authn     *auth.Authenticator
	fieldSets services.FieldSetService
}

// NewFieldSetHandlers constructs handlers enforcing Firebase authentication.
func NewFieldSetHandlers(authn *auth.Authenticator, fieldSets services.FieldSetService) *FieldSetHandlers {
	return &FieldSetHandlers{
		authn:     authn,
		fieldSets: fieldSets,
	}
}

// Routes registers the field set endpoints on the provided router.
func (h *FieldSetHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Post("/scan", h.scanFieldSet)
	group.Post("/", h.registerFieldSet)
	group.Get("/", h.listFieldSets)
	group.Get("/{fieldSetID}", h.getFieldSet)
	group.Delete("/{fieldSetID}", h.deleteFieldSet)
}

type scanFieldSetRequest struct {
	TargetKey   string `json:"target_key"`
	Title       string `json:"title,omitempty"`
	SourceURL   string `json:"source_url,omitempty"`
	HTML        []byte `json:"html,omitempty"`
	StoragePath string `json:"storage_path,omitempty"`
}

func (h *FieldSetHandlers) scanFieldSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.fieldSets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("field_set_service_unavailable", "field set service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxFieldSetScanBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req scanFieldSetRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	fieldSet, err := h.fieldSets.ScanFieldSet(ctx, services.ScanFieldSetCommand{
		OwnerID:     identity.UID,
		TargetKey:   req.TargetKey,
		Title:       req.Title,
		SourceURL:   req.SourceURL,
		HTML:        req.HTML,
		StoragePath: req.StoragePath,
	})
	if err != nil {
		writeFieldSetError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, fieldSetResponse{FieldSet: buildFieldSetPayload(fieldSet)})
}

type registerFieldSetRequest struct {
	TargetKey string               `json:"target_key"`
	Title     string               `json:"title,omitempty"`
	SourceURL string               `json:"source_url,omitempty"`
	Fields    []targetFieldPayload `json:"fields"`
	ScannedAt string               `json:"scanned_at,omitempty"`
}

func (h *FieldSetHandlers) registerFieldSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.fieldSets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("field_set_service_unavailable", "field set service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxFieldSetRegisterBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req registerFieldSetRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	cmd := services.RegisterFieldSetCommand{
		OwnerID:   identity.UID,
		TargetKey: req.TargetKey,
		Title:     req.Title,
		SourceURL: req.SourceURL,
		Fields:    parseTargetFields(req.Fields),
	}
	if raw := strings.TrimSpace(req.ScannedAt); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "scanned_at must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		cmd.ScannedAt = &ts
	}

	fieldSet, err := h.fieldSets.RegisterFieldSet(ctx, cmd)
	if err != nil {
		writeFieldSetError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, fieldSetResponse{FieldSet: buildFieldSetPayload(fieldSet)})
}

func (h *FieldSetHandlers) listFieldSets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.fieldSets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("field_set_service_unavailable", "field set service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	query := r.URL.Query()
	pageParams, err := pagination.Parse(query, pagination.Options{DefaultPageSize: defaultFieldSetPage, MaxPageSize: maxFieldSetPage})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
		return
	}

	filter := services.FieldSetListFilter{
		OwnerID: identity.UID,
		Pagination: services.Pagination{
			PageSize:  pageParams.PageSize,
			PageToken: pageParams.PageToken,
		},
	}
	if targetKey := strings.TrimSpace(query.Get("target_key")); targetKey != "" {
		filter.TargetKey = &targetKey
	}

	page, err := h.fieldSets.ListFieldSets(ctx, filter)
	if err != nil {
		writeFieldSetError(ctx, w, err)
		return
	}

	items := make([]fieldSetSummaryPayload, 0, len(page.Items))
	for _, fieldSet := range page.Items {
		items = append(items, buildFieldSetSummary(fieldSet))
	}

	writeJSONResponse(w, http.StatusOK, fieldSetListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *FieldSetHandlers) getFieldSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.fieldSets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("field_set_service_unavailable", "field set service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	fieldSetID := strings.TrimSpace(chi.URLParam(r, "fieldSetID"))
	if fieldSetID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "field set id is required", http.StatusBadRequest))
		return
	}

	fieldSet, err := h.fieldSets.GetFieldSet(ctx, fieldSetID)
	if err != nil {
		writeFieldSetError(ctx, w, err)
		return
	}
	if fieldSet.OwnerID != "" && fieldSet.OwnerID != strings.TrimSpace(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("field_set_not_found", "field set not found", http.StatusNotFound))
		return
	}

	writeJSONResponse(w, http.StatusOK, fieldSetResponse{FieldSet: buildFieldSetPayload(fieldSet)})
}

func (h *FieldSetHandlers) deleteFieldSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.fieldSets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("field_set_service_unavailable", "field set service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	fieldSetID := strings.TrimSpace(chi.URLParam(r, "fieldSetID"))
	if fieldSetID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "field set id is required", http.StatusBadRequest))
		return
	}

	err := h.fieldSets.DeleteFieldSet(ctx, services.DeleteFieldSetCommand{
		FieldSetID:  fieldSetID,
		RequestedBy: identity.UID,
	})
	if err != nil {
		writeFieldSetError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type fieldSetListResponse struct {
	Items         []fieldSetSummaryPayload `json:"items"`
	NextPageToken string                   `json:"next_page_token,omitempty"`
}

type fieldSetSummaryPayload struct {
	ID         string `json:"id"`
	TargetKey  string `json:"target_key"`
	Title      string `json:"title,omitempty"`
	FieldCount int    `json:"field_count"`
	ScannedAt  string `json:"scanned_at,omitempty"`
	CreatedAt  string `json:"created_at"`
}

type fieldSetResponse struct {
	FieldSet fieldSetPayload `json:"field_set"`
}

type fieldSetPayload struct {
	ID        string               `json:"id"`
	TargetKey string               `json:"target_key"`
	Title     string               `json:"title,omitempty"`
	SourceURL string               `json:"source_url,omitempty"`
	OwnerID   string               `json:"owner_id"`
	Fields    []targetFieldPayload `json:"fields"`
	ScannedAt string               `json:"scanned_at,omitempty"`
	CreatedAt string               `json:"created_at"`
	UpdatedAt string               `json:"updated_at,omitempty"`
}

type targetFieldPayload struct {
	Selector    string               `json:"selector"`
	Type        string               `json:"type"`
	Name        string               `json:"name,omitempty"`
	ID          string               `json:"id,omitempty"`
	Label       string               `json:"label,omitempty"`
	Placeholder string               `json:"placeholder,omitempty"`
	AriaLabel   string               `json:"aria_label,omitempty"`
	Title       string               `json:"title,omitempty"`
	Required    bool                 `json:"required,omitempty"`
	Options     []fieldOptionPayload `json:"options,omitempty"`
	Min         *float64             `json:"min,omitempty"`
	Max         *float64             `json:"max,omitempty"`
	DataAttrs   map[string]string    `json:"data_attrs,omitempty"`
}

type fieldOptionPayload struct {
	Value    string `json:"value"`
	Text     string `json:"text,omitempty"`
	Selected bool   `json:"selected,omitempty"`
}

func buildFieldSetSummary(fieldSet services.FieldSet) fieldSetSummaryPayload {
	return fieldSetSummaryPayload{
		ID:         strings.TrimSpace(fieldSet.ID),
		TargetKey:  strings.TrimSpace(fieldSet.TargetKey),
		Title:      strings.TrimSpace(fieldSet.Title),
		FieldCount: len(fieldSet.Fields),
		ScannedAt:  formatTime(fieldSet.ScannedAt),
		CreatedAt:  formatTime(fieldSet.CreatedAt),
	}
}

func buildFieldSetPayload(fieldSet services.FieldSet) fieldSetPayload {
	return fieldSetPayload{
		ID:        strings.TrimSpace(fieldSet.ID),
		TargetKey: strings.TrimSpace(fieldSet.TargetKey),
		Title:     strings.TrimSpace(fieldSet.Title),
		SourceURL: strings.TrimSpace(fieldSet.SourceURL),
		OwnerID:   strings.TrimSpace(fieldSet.OwnerID),
		Fields:    buildTargetFieldPayloads(fieldSet.Fields),
		ScannedAt: formatTime(fieldSet.ScannedAt),
		CreatedAt: formatTime(fieldSet.CreatedAt),
		UpdatedAt: formatTime(fieldSet.UpdatedAt),
	}
}

func buildTargetFieldPayloads(fields []domain.TargetField) []targetFieldPayload {
	result := make([]targetFieldPayload, 0, len(fields))
	for _, field := range fields {
		result = append(result, buildTargetFieldPayload(field))
	}
	return result
}

func buildTargetFieldPayload(field domain.TargetField) targetFieldPayload {
	payload := targetFieldPayload{
		Selector:    field.Selector,
		Type:        string(field.Type),
		Name:        field.Name,
		ID:          field.ID,
		Label:       field.Label,
		Placeholder: field.Placeholder,
		AriaLabel:   field.AriaLabel,
		Title:       field.Title,
		Required:    field.Required,
		Min:         field.Min,
		Max:         field.Max,
		DataAttrs:   field.DataAttrs,
	}
	if len(field.Options) > 0 {
		options := make([]fieldOptionPayload, 0, len(field.Options))
		for _, option := range field.Options {
			options = append(options, fieldOptionPayload{
				Value:    option.Value,
				Text:     option.Text,
				Selected: option.Selected,
			})
		}
		payload.Options = options
	}
	return payload
}

func parseTargetFields(payloads []targetFieldPayload) []domain.TargetField {
	if len(payloads) == 0 {
		return nil
	}
	fields := make([]domain.TargetField, 0, len(payloads))
	for _, payload := range payloads {
		field := domain.TargetField{
			Selector:    strings.TrimSpace(payload.Selector),
			Type:        domain.FieldType(strings.TrimSpace(payload.Type)),
			Name:        payload.Name,
			ID:          payload.ID,
			Label:       payload.Label,
			Placeholder: payload.Placeholder,
			AriaLabel:   payload.AriaLabel,
			Title:       payload.Title,
			Required:    payload.Required,
			Min:         payload.Min,
			Max:         payload.Max,
			DataAttrs:   payload.DataAttrs,
		}
		if len(payload.Options) > 0 {
			options := make([]domain.FieldOption, 0, len(payload.Options))
			for _, option := range payload.Options {
				options = append(options, domain.FieldOption{
					Value:    option.Value,
					Text:     option.Text,
					Selected: option.Selected,
				})
			}
			field.Options = options
		}
		fields = append(fields, field)
	}
	return fields
}

func writeFieldSetError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrFieldSetInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrFieldSetNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("field_set_not_found", "field set not found", http.StatusNotFound))
	case errors.Is(err, services.ErrFieldSetAccessDenied):
		httpx.WriteError(ctx, w, httpx.NewError("field_set_not_found", "field set not found", http.StatusNotFound))
	case errors.Is(err, services.ErrFieldSetConflict):
		httpx.WriteError(ctx, w, httpx.NewError("field_set_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrFieldSetScannerUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("field_set_scanner_unavailable", "form scanner unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrFieldSetStorageUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("field_set_storage_unavailable", "field set storage unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrFieldSetRepositoryUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("field_set_service_unavailable", "field set repository unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("field_set_error", "failed to process field set request", http.StatusInternalServerError))
	}
}
