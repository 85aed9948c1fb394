package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/formbridge/api/internal/domain"
	"github.com/formbridge/api/internal/htmlform"
	"github.com/formbridge/api/internal/platform/auth"
	"github.com/formbridge/api/internal/platform/httpx"
	"github.com/formbridge/api/internal/platform/pagination"
	pstorage "github.com/formbridge/api/internal/platform/storage"
	"github.com/formbridge/api/internal/services"
)

const (
	maxStartRunBody   = 256 * 1024
	maxStopRunBody    = 4 * 1024
	defaultRunPage    = 20
	maxRunPage        = 100
	maxSignedArtifact = 200
)

// ArtifactSigner issues signed download URLs for run artifacts.
type ArtifactSigner interface {
	SignedURL(ctx context.Context, bucket string, object string, opts pstorage.SignedURLOptions) (pstorage.SignedURLResult, error)
}

// FillRunHandlers exposes batch execution lifecycle endpoints.
type FillRunHandlers struct {
	authn  *auth.Authenticator
	runs   services.FillRunService
	signer ArtifactSigner
	bucket string
}

// NewFillRunHandlers constructs handlers enforcing Firebase authentication.
// The signer and bucket are optional; without them the artifacts endpoint
// reports signing as unavailable.
func NewFillRunHandlers(authn *auth.Authenticator, runs services.FillRunService, signer ArtifactSigner, bucket string) *FillRunHandlers {
	return &FillRunHandlers{
		authn:  authn,
		runs:   runs,
		signer: signer,
		bucket: strings.TrimSpace(bucket),
	}
}

// Routes registers the fill run endpoints on the provided router.
func (h *FillRunHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Post("/", h.startRun)
	group.Get("/", h.listRuns)
	group.Get("/{runID}", h.getRun)
	group.Post("/{runID}:stop", h.stopRun)
	group.Get("/{runID}/artifacts", h.listArtifacts)
}

type startFillRunRequest struct {
	DatasetID   string                         `json:"dataset_id"`
	FieldSetID  string                         `json:"field_set_id"`
	ProfileID   *string                        `json:"profile_id,omitempty"`
	Mapping     map[string]mappingEntryPayload `json:"mapping,omitempty"`
	ManualEdits map[string]string              `json:"manual_edits,omitempty"`
	Options     *fillOptionsPayload            `json:"options,omitempty"`
}

func (h *FillRunHandlers) startRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.runs == nil {
		httpx.WriteError(ctx, w, httpx.NewError("fill_run_service_unavailable", "fill run service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxStartRunBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req startFillRunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	cmd := services.StartFillRunCommand{
		OwnerID:        identity.UID,
		DatasetID:      req.DatasetID,
		FieldSetID:     req.FieldSetID,
		ProfileID:      req.ProfileID,
		Mapping:        parseMappingPayload(req.Mapping),
		ManualEdits:    req.ManualEdits,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}
	if req.Options != nil {
		cmd.Options = *parseFillOptions(req.Options)
	}

	run, err := h.runs.StartRun(ctx, cmd)
	if err != nil {
		writeFillRunError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, fillRunResponse{Run: buildFillRunPayload(run)})
}

func (h *FillRunHandlers) listRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.runs == nil {
		httpx.WriteError(ctx, w, httpx.NewError("fill_run_service_unavailable", "fill run service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	query := r.URL.Query()
	pageParams, err := pagination.Parse(query, pagination.Options{DefaultPageSize: defaultRunPage, MaxPageSize: maxRunPage})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
		return
	}

	filter := services.FillRunListFilter{
		OwnerID: strings.TrimSpace(identity.UID),
		Status:  parseFilterValues(query["status"]),
		Pagination: services.Pagination{
			PageSize:  pageParams.PageSize,
			PageToken: pageParams.PageToken,
		},
	}
	if datasetID := strings.TrimSpace(query.Get("dataset_id")); datasetID != "" {
		filter.DatasetID = &datasetID
	}
	if fieldSetID := strings.TrimSpace(query.Get("field_set_id")); fieldSetID != "" {
		filter.FieldSetID = &fieldSetID
	}
	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		filter.DateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		filter.DateRange.To = &ts
	}

	page, err := h.runs.ListRuns(ctx, filter)
	if err != nil {
		writeFillRunError(ctx, w, err)
		return
	}

	items := make([]fillRunSummaryPayload, 0, len(page.Items))
	for _, run := range page.Items {
		items = append(items, buildFillRunSummary(run))
	}

	writeJSONResponse(w, http.StatusOK, fillRunListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *FillRunHandlers) getRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.fetchOwnedRun(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, fillRunResponse{Run: buildFillRunPayload(run)})
}

type stopFillRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *FillRunHandlers) stopRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.runs == nil {
		httpx.WriteError(ctx, w, httpx.NewError("fill_run_service_unavailable", "fill run service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	runID := strings.TrimSpace(chi.URLParam(r, "runID"))
	if runID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "run id is required", http.StatusBadRequest))
		return
	}

	var req stopFillRunRequest
	body, err := readLimitedBody(r, maxStopRunBody)
	switch {
	case err == nil:
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	case errors.Is(err, errEmptyBody):
		// stop accepts an empty body
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	run, err := h.runs.StopRun(ctx, services.StopFillRunCommand{
		RunID:       runID,
		RequestedBy: identity.UID,
		Reason:      req.Reason,
	})
	if err != nil {
		writeFillRunError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, fillRunResponse{Run: buildFillRunPayload(run)})
}

// listArtifacts signs short-lived download URLs for the artifacts a run has
// produced so far: one rendered document per processed row, plus the CSV
// report once the run reaches a terminal status.
func (h *FillRunHandlers) listArtifacts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run, ok := h.fetchOwnedRun(w, r)
	if !ok {
		return
	}
	if h.signer == nil || h.bucket == "" {
		httpx.WriteError(ctx, w, httpx.NewError("artifact_signing_unavailable", "artifact signing is not configured", http.StatusServiceUnavailable))
		return
	}

	identity, _ := auth.IdentityFromContext(ctx)

	prefix := strings.TrimSpace(run.ArtifactPrefix)
	if prefix == "" {
		derived, err := pstorage.RunArtifactPrefix(run.ID)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("fill_run_error", "run has no artifact location", http.StatusInternalServerError))
			return
		}
		prefix = derived
	}

	download := &pstorage.DownloadOptions{
		Method:   http.MethodGet,
		OwnerID:  run.OwnerID,
		Identity: identity,
	}

	rows := run.Progress.Current
	if rows > maxSignedArtifact {
		rows = maxSignedArtifact
	}
	artifacts := make([]runArtifactPayload, 0, rows+1)
	for row := 0; row < rows; row++ {
		name := htmlform.ArtifactName(row)
		signed, err := h.signer.SignedURL(ctx, h.bucket, prefix+"/"+name, pstorage.SignedURLOptions{Download: download})
		if err != nil {
			writeArtifactSigningError(ctx, w, err)
			return
		}
		artifacts = append(artifacts, runArtifactPayload{
			Name:      name,
			Kind:      "row_document",
			Row:       row + 1,
			URL:       signed.URL,
			ExpiresAt: formatTime(signed.ExpiresAt),
		})
	}

	if isTerminalRunStatus(run.Status) {
		reportPath, err := pstorage.BuildObjectPath(pstorage.PurposeRunArtifact, pstorage.PathParams{
			RunID:     run.ID,
			RunNumber: run.RunNumber,
		})
		if err == nil {
			signed, err := h.signer.SignedURL(ctx, h.bucket, reportPath, pstorage.SignedURLOptions{Download: download})
			if err != nil {
				writeArtifactSigningError(ctx, w, err)
				return
			}
			artifacts = append(artifacts, runArtifactPayload{
				Name:      reportPath[strings.LastIndex(reportPath, "/")+1:],
				Kind:      "report",
				URL:       signed.URL,
				ExpiresAt: formatTime(signed.ExpiresAt),
			})
		}
	}

	writeJSONResponse(w, http.StatusOK, runArtifactsResponse{
		RunID:     run.ID,
		Status:    string(run.Status),
		Artifacts: artifacts,
	})
}

// fetchOwnedRun loads the path run and hides it from non-owners.
func (h *FillRunHandlers) fetchOwnedRun(w http.ResponseWriter, r *http.Request) (services.FillRun, bool) {
	ctx := r.Context()
	if h.runs == nil {
		httpx.WriteError(ctx, w, httpx.NewError("fill_run_service_unavailable", "fill run service unavailable", http.StatusServiceUnavailable))
		return services.FillRun{}, false
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return services.FillRun{}, false
	}

	runID := strings.TrimSpace(chi.URLParam(r, "runID"))
	if runID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "run id is required", http.StatusBadRequest))
		return services.FillRun{}, false
	}

	run, err := h.runs.GetRun(ctx, runID)
	if err != nil {
		writeFillRunError(ctx, w, err)
		return services.FillRun{}, false
	}
	if run.OwnerID != "" && run.OwnerID != strings.TrimSpace(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("fill_run_not_found", "fill run not found", http.StatusNotFound))
		return services.FillRun{}, false
	}
	return run, true
}

func isTerminalRunStatus(status domain.FillRunStatus) bool {
	switch status {
	case domain.FillRunStatusCompleted, domain.FillRunStatusStopped, domain.FillRunStatusFailed:
		return true
	default:
		return false
	}
}

type fillRunListResponse struct {
	Items         []fillRunSummaryPayload `json:"items"`
	NextPageToken string                  `json:"next_page_token,omitempty"`
}

type fillRunSummaryPayload struct {
	ID         string             `json:"id"`
	RunNumber  string             `json:"run_number,omitempty"`
	DatasetID  string             `json:"dataset_id"`
	FieldSetID string             `json:"field_set_id"`
	Status     string             `json:"status"`
	Progress   runProgressPayload `json:"progress"`
	Totals     runTotalsPayload   `json:"totals"`
	CreatedAt  string             `json:"created_at"`
}

type fillRunResponse struct {
	Run fillRunPayload `json:"run"`
}

type fillRunPayload struct {
	ID             string                         `json:"id"`
	RunNumber      string                         `json:"run_number,omitempty"`
	OwnerID        string                         `json:"owner_id"`
	DatasetID      string                         `json:"dataset_id"`
	FieldSetID     string                         `json:"field_set_id"`
	ProfileID      *string                        `json:"profile_id,omitempty"`
	Status         string                         `json:"status"`
	Mapping        map[string]mappingEntryPayload `json:"mapping,omitempty"`
	Options        fillOptionsPayload             `json:"options"`
	Progress       runProgressPayload             `json:"progress"`
	Totals         runTotalsPayload               `json:"totals"`
	RowErrors      []fillErrorPayload             `json:"row_errors,omitempty"`
	ArtifactPrefix string                         `json:"artifact_prefix,omitempty"`
	FailureReason  string                         `json:"failure_reason,omitempty"`
	StartedAt      string                         `json:"started_at,omitempty"`
	FinishedAt     string                         `json:"finished_at,omitempty"`
	CreatedAt      string                         `json:"created_at"`
	UpdatedAt      string                         `json:"updated_at,omitempty"`
}

type runProgressPayload struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

type runTotalsPayload struct {
	Filled int `json:"filled"`
	Errors int `json:"errors"`
}

type fillErrorPayload struct {
	Column   string `json:"column"`
	Selector string `json:"selector,omitempty"`
	Kind     string `json:"kind"`
	Message  string `json:"message,omitempty"`
}

type runArtifactsResponse struct {
	RunID     string               `json:"run_id"`
	Status    string               `json:"status"`
	Artifacts []runArtifactPayload `json:"artifacts"`
}

type runArtifactPayload struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Row       int    `json:"row,omitempty"`
	URL       string `json:"url"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

func buildFillRunSummary(run services.FillRun) fillRunSummaryPayload {
	return fillRunSummaryPayload{
		ID:         strings.TrimSpace(run.ID),
		RunNumber:  strings.TrimSpace(run.RunNumber),
		DatasetID:  strings.TrimSpace(run.DatasetID),
		FieldSetID: strings.TrimSpace(run.FieldSetID),
		Status:     string(run.Status),
		Progress:   runProgressPayload{Current: run.Progress.Current, Total: run.Progress.Total},
		Totals:     runTotalsPayload{Filled: run.Totals.Filled, Errors: run.Totals.Errors},
		CreatedAt:  formatTime(run.CreatedAt),
	}
}

func buildFillRunPayload(run services.FillRun) fillRunPayload {
	payload := fillRunPayload{
		ID:             strings.TrimSpace(run.ID),
		RunNumber:      strings.TrimSpace(run.RunNumber),
		OwnerID:        strings.TrimSpace(run.OwnerID),
		DatasetID:      strings.TrimSpace(run.DatasetID),
		FieldSetID:     strings.TrimSpace(run.FieldSetID),
		ProfileID:      cloneStringPointer(run.ProfileID),
		Status:         string(run.Status),
		Mapping:        buildMappingPayload(run.Mapping),
		Options:        *buildFillOptionsPayload(run.Options),
		Progress:       runProgressPayload{Current: run.Progress.Current, Total: run.Progress.Total},
		Totals:         runTotalsPayload{Filled: run.Totals.Filled, Errors: run.Totals.Errors},
		ArtifactPrefix: strings.TrimSpace(run.ArtifactPrefix),
		FailureReason:  strings.TrimSpace(run.FailureReason),
		StartedAt:      formatTime(pointerTime(run.StartedAt)),
		FinishedAt:     formatTime(pointerTime(run.FinishedAt)),
		CreatedAt:      formatTime(run.CreatedAt),
		UpdatedAt:      formatTime(run.UpdatedAt),
	}
	if len(run.RowErrors) > 0 {
		rowErrors := make([]fillErrorPayload, 0, len(run.RowErrors))
		for _, fe := range run.RowErrors {
			rowErrors = append(rowErrors, fillErrorPayload{
				Column:   fe.Column,
				Selector: fe.Selector,
				Kind:     string(fe.Kind),
				Message:  fe.Message,
			})
		}
		payload.RowErrors = rowErrors
	}
	return payload
}

func writeArtifactSigningError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, pstorage.ErrPermissionDenied) {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "insufficient permissions for artifacts", http.StatusForbidden))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("artifact_signing_error", "failed to sign artifact url", http.StatusBadGateway))
}

func writeFillRunError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrFillRunInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrFillRunNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("fill_run_not_found", "fill run not found", http.StatusNotFound))
	case errors.Is(err, services.ErrFillRunAccessDenied):
		httpx.WriteError(ctx, w, httpx.NewError("fill_run_not_found", "fill run not found", http.StatusNotFound))
	case errors.Is(err, services.ErrFillRunConflict):
		httpx.WriteError(ctx, w, httpx.NewError("fill_run_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrFillRunDispatchUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("fill_run_dispatch_unavailable", "fill run dispatcher unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrFillRunRepositoryUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("fill_run_service_unavailable", "fill run repository unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrProfileNotFound),
		errors.Is(err, services.ErrProfileInvalidInput),
		errors.Is(err, services.ErrProfileAccessDenied):
		writeProfileError(ctx, w, err)
	case errors.Is(err, services.ErrDatasetNotFound),
		errors.Is(err, services.ErrDatasetAccessDenied),
		errors.Is(err, services.ErrDatasetStorageUnavailable),
		errors.Is(err, services.ErrDatasetRepositoryUnavailable):
		writeDatasetError(ctx, w, err)
	case errors.Is(err, services.ErrFieldSetNotFound),
		errors.Is(err, services.ErrFieldSetAccessDenied),
		errors.Is(err, services.ErrFieldSetRepositoryUnavailable):
		writeFieldSetError(ctx, w, err)
	default:
		httpx.WriteError(ctx, w, httpx.NewError("fill_run_error", "failed to process fill run request", http.StatusInternalServerError))
	}
}
