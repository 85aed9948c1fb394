package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/formbridge/api/internal/domain"
	"github.com/formbridge/api/internal/platform/auth"
	"github.com/formbridge/api/internal/platform/httpx"
	"github.com/formbridge/api/internal/platform/pagination"
	"github.com/formbridge/api/internal/services"
)

const (
	// Ingest bodies carry base64 source payloads, so the ceiling sits above
	// the 20 MiB raw source limit enforced by the service.
	maxDatasetIngestBody  = 28 * 1024 * 1024
	maxDatasetUploadBody  = 4 * 1024
	defaultDatasetPage    = 20
	maxDatasetPage        = 100
	defaultDatasetRowPage = 50
	maxDatasetRowPage     = 500
)

// DatasetHandlers exposes ingestion and lifecycle endpoints for tabular sources.
type DatasetHandlers struct {
	authn    *auth.Authenticator
	datasets services.DatasetService
	assets   services.AssetService
}

// NewDatasetHandlers constructs handlers enforcing Firebase authentication.
func NewDatasetHandlers(authn *auth.Authenticator, datasets services.DatasetService, assets services.AssetService) *DatasetHandlers {
	return &DatasetHandlers{
		authn:    authn,
		datasets: datasets,
		assets:   assets,
	}
}

// Routes registers the dataset endpoints on the provided router.
func (h *DatasetHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Post("/uploads", h.issueSourceUpload)
	group.Post("/", h.ingestDataset)
	group.Get("/", h.listDatasets)
	group.Get("/{datasetID}", h.getDataset)
	group.Get("/{datasetID}/columns", h.getColumns)
	group.Get("/{datasetID}/rows", h.getRows)
	group.Delete("/{datasetID}", h.deleteDataset)
}

type sourceUploadRequest struct {
	Kind        string `json:"kind,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

func (h *DatasetHandlers) issueSourceUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.assets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("asset_service_unavailable", "asset service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxDatasetUploadBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req sourceUploadRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	kind := strings.TrimSpace(req.Kind)
	if kind == "" {
		kind = "csv"
	}

	response, err := h.assets.IssueSignedUpload(ctx, services.SignedUploadCommand{
		ActorID:     identity.UID,
		Kind:        kind,
		Purpose:     "dataset-source",
		FileName:    req.FileName,
		ContentType: req.ContentType,
		SizeBytes:   req.SizeBytes,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrAssetInvalidInput):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		case errors.Is(err, services.ErrAssetRepositoryUnavailable):
			httpx.WriteError(ctx, w, httpx.NewError("asset_service_unavailable", "asset repository unavailable", http.StatusServiceUnavailable))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("asset_service_error", err.Error(), http.StatusBadGateway))
		}
		return
	}

	payload := signedUploadResponse{
		AssetID:   response.AssetID,
		UploadURL: response.URL,
		Method:    response.Method,
		Headers:   response.Headers,
	}
	if !response.ExpiresAt.IsZero() {
		payload.ExpiresAt = response.ExpiresAt.UTC().Format(time.RFC3339)
	}

	writeJSONResponse(w, http.StatusOK, payload)
}

type ingestDatasetRequest struct {
	Name        string `json:"name"`
	FileName    string `json:"file_name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Content     []byte `json:"content,omitempty"`
	StoragePath string `json:"storage_path,omitempty"`
}

func (h *DatasetHandlers) ingestDataset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.datasets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("dataset_service_unavailable", "dataset service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxDatasetIngestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req ingestDatasetRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	dataset, err := h.datasets.IngestDataset(ctx, services.IngestDatasetCommand{
		OwnerID:     identity.UID,
		Name:        req.Name,
		FileName:    req.FileName,
		ContentType: req.ContentType,
		Content:     req.Content,
		StoragePath: req.StoragePath,
	})
	if err != nil {
		writeDatasetError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, datasetResponse{Dataset: buildDatasetPayload(dataset)})
}

func (h *DatasetHandlers) listDatasets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.datasets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("dataset_service_unavailable", "dataset service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	query := r.URL.Query()
	pageParams, err := pagination.Parse(query, pagination.Options{DefaultPageSize: defaultDatasetPage, MaxPageSize: maxDatasetPage})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
		return
	}

	page, err := h.datasets.ListDatasets(ctx, services.DatasetListFilter{
		OwnerID:   identity.UID,
		NameQuery: strings.TrimSpace(query.Get("q")),
		Pagination: services.Pagination{
			PageSize:  pageParams.PageSize,
			PageToken: pageParams.PageToken,
		},
	})
	if err != nil {
		writeDatasetError(ctx, w, err)
		return
	}

	items := make([]datasetSummaryPayload, 0, len(page.Items))
	for _, dataset := range page.Items {
		items = append(items, buildDatasetSummary(dataset))
	}

	writeJSONResponse(w, http.StatusOK, datasetListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *DatasetHandlers) getDataset(w http.ResponseWriter, r *http.Request) {
	dataset, ok := h.fetchOwnedDataset(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, datasetResponse{Dataset: buildDatasetPayload(dataset)})
}

func (h *DatasetHandlers) getColumns(w http.ResponseWriter, r *http.Request) {
	dataset, ok := h.fetchOwnedDataset(w, r)
	if !ok {
		return
	}

	writeJSONResponse(w, http.StatusOK, datasetColumnsResponse{
		DatasetID: dataset.ID,
		Columns:   buildColumnPayloads(dataset.Columns),
	})
}

func (h *DatasetHandlers) getRows(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dataset, ok := h.fetchOwnedDataset(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	offset := 0
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "offset must be a non-negative integer", http.StatusBadRequest))
			return
		}
		offset = parsed
	}
	limit, err := pagination.ParseSize(query.Get("limit"), pagination.Options{DefaultPageSize: defaultDatasetRowPage, MaxPageSize: maxDatasetRowPage})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be an integer", http.StatusBadRequest))
		return
	}

	table, err := h.datasets.LoadRows(ctx, dataset.ID)
	if err != nil {
		writeDatasetError(ctx, w, err)
		return
	}

	rows := table.Rows
	switch {
	case offset >= len(rows):
		rows = nil
	case offset+limit > len(rows):
		rows = rows[offset:]
	default:
		rows = rows[offset : offset+limit]
	}

	payload := datasetRowsResponse{
		DatasetID: dataset.ID,
		Offset:    offset,
		Limit:     limit,
		TotalRows: len(table.Rows),
		Rows:      make([]map[string]any, 0, len(rows)),
	}
	for _, row := range rows {
		payload.Rows = append(payload.Rows, map[string]any(row))
	}

	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *DatasetHandlers) deleteDataset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.datasets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("dataset_service_unavailable", "dataset service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	datasetID := strings.TrimSpace(chi.URLParam(r, "datasetID"))
	if datasetID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "dataset id is required", http.StatusBadRequest))
		return
	}

	err := h.datasets.DeleteDataset(ctx, services.DeleteDatasetCommand{
		DatasetID:   datasetID,
		RequestedBy: identity.UID,
	})
	if err != nil {
		writeDatasetError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// fetchOwnedDataset loads the path dataset and hides it from non-owners.
func (h *DatasetHandlers) fetchOwnedDataset(w http.ResponseWriter, r *http.Request) (services.Dataset, bool) {
	ctx := r.Context()
	if h.datasets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("dataset_service_unavailable", "dataset service unavailable", http.StatusServiceUnavailable))
		return services.Dataset{}, false
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return services.Dataset{}, false
	}

	datasetID := strings.TrimSpace(chi.URLParam(r, "datasetID"))
	if datasetID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "dataset id is required", http.StatusBadRequest))
		return services.Dataset{}, false
	}

	dataset, err := h.datasets.GetDataset(ctx, datasetID)
	if err != nil {
		writeDatasetError(ctx, w, err)
		return services.Dataset{}, false
	}
	if dataset.OwnerID != "" && dataset.OwnerID != strings.TrimSpace(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("dataset_not_found", "dataset not found", http.StatusNotFound))
		return services.Dataset{}, false
	}
	return dataset, true
}

type datasetListResponse struct {
	Items         []datasetSummaryPayload `json:"items"`
	NextPageToken string                  `json:"next_page_token,omitempty"`
}

type datasetSummaryPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	RowCount  int    `json:"row_count"`
	Columns   int    `json:"column_count"`
	CreatedAt string `json:"created_at"`
}

type datasetResponse struct {
	Dataset datasetPayload `json:"dataset"`
}

type datasetPayload struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	OwnerID     string              `json:"owner_id"`
	StoragePath string              `json:"storage_path,omitempty"`
	Columns     []columnInfoPayload `json:"columns"`
	RowCount    int                 `json:"row_count"`
	CreatedAt   string              `json:"created_at"`
	UpdatedAt   string              `json:"updated_at,omitempty"`
}

type columnInfoPayload struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Samples []string `json:"samples,omitempty"`
}

type datasetColumnsResponse struct {
	DatasetID string              `json:"dataset_id"`
	Columns   []columnInfoPayload `json:"columns"`
}

type datasetRowsResponse struct {
	DatasetID string           `json:"dataset_id"`
	Offset    int              `json:"offset"`
	Limit     int              `json:"limit"`
	TotalRows int              `json:"total_rows"`
	Rows      []map[string]any `json:"rows"`
}

func buildDatasetSummary(dataset services.Dataset) datasetSummaryPayload {
	return datasetSummaryPayload{
		ID:        strings.TrimSpace(dataset.ID),
		Name:      strings.TrimSpace(dataset.Name),
		RowCount:  dataset.RowCount,
		Columns:   len(dataset.Columns),
		CreatedAt: formatTime(dataset.CreatedAt),
	}
}

func buildDatasetPayload(dataset services.Dataset) datasetPayload {
	return datasetPayload{
		ID:          strings.TrimSpace(dataset.ID),
		Name:        strings.TrimSpace(dataset.Name),
		OwnerID:     strings.TrimSpace(dataset.OwnerID),
		StoragePath: strings.TrimSpace(dataset.StoragePath),
		Columns:     buildColumnPayloads(dataset.Columns),
		RowCount:    dataset.RowCount,
		CreatedAt:   formatTime(dataset.CreatedAt),
		UpdatedAt:   formatTime(dataset.UpdatedAt),
	}
}

func buildColumnPayloads(columns []domain.ColumnInfo) []columnInfoPayload {
	result := make([]columnInfoPayload, 0, len(columns))
	for _, column := range columns {
		result = append(result, columnInfoPayload{
			Name:    column.Name,
			Type:    string(column.Type),
			Samples: column.Samples,
		})
	}
	return result
}

func writeDatasetError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrDatasetInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrDatasetNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("dataset_not_found", "dataset not found", http.StatusNotFound))
	case errors.Is(err, services.ErrDatasetAccessDenied):
		httpx.WriteError(ctx, w, httpx.NewError("dataset_not_found", "dataset not found", http.StatusNotFound))
	case errors.Is(err, services.ErrDatasetConflict):
		httpx.WriteError(ctx, w, httpx.NewError("dataset_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrDatasetStorageUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("dataset_storage_unavailable", "dataset storage unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrDatasetRepositoryUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("dataset_service_unavailable", "dataset repository unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("dataset_error", "failed to process dataset request", http.StatusInternalServerError))
	}
}
