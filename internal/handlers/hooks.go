package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/formbridge/api/internal/platform/auth"
	"github.com/formbridge/api/internal/platform/httpx"
	"github.com/formbridge/api/internal/services"
)

const maxHookRequestBody = 256 * 1024

// HookHandlers accepts machine-to-machine requests on the hooks surface.
// The router applies HMAC verification to the whole group, so handlers
// only consume the verified metadata for attribution and rate limiting.
type HookHandlers struct {
	runs    services.FillRunService
	limiter rateLimiter
}

// NewHookHandlers constructs hook handlers. A non-positive limit or window
// disables rate limiting.
func NewHookHandlers(runs services.FillRunService, limit int, window time.Duration) *HookHandlers {
	return &HookHandlers{
		runs:    runs,
		limiter: newSimpleRateLimiter(limit, window, nil),
	}
}

// Routes registers hook endpoints on the provided router.
func (h *HookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/fill-runs", h.startFillRun)
}

type hookStartRunRequest struct {
	OwnerID        string                         `json:"owner_id"`
	DatasetID      string                         `json:"dataset_id"`
	FieldSetID     string                         `json:"field_set_id"`
	ProfileID      *string                        `json:"profile_id,omitempty"`
	Mapping        map[string]mappingEntryPayload `json:"mapping,omitempty"`
	ManualEdits    map[string]string              `json:"manual_edits,omitempty"`
	Options        *fillOptionsPayload            `json:"options,omitempty"`
	IdempotencyKey string                         `json:"idempotency_key,omitempty"`
}

func (h *HookHandlers) startFillRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.runs == nil {
		httpx.WriteError(ctx, w, httpx.NewError("fill_run_service_unavailable", "fill run service unavailable", http.StatusServiceUnavailable))
		return
	}

	caller := "hook"
	if meta, ok := auth.HMACMetadataFromContext(ctx); ok {
		caller = "hook:" + meta.SecretName
	}
	if h.limiter != nil && !h.limiter.Allow(caller) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many hook requests", http.StatusTooManyRequests))
		return
	}

	body, err := readLimitedBody(r, maxHookRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req hookStartRunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "owner_id is required", http.StatusBadRequest))
		return
	}

	cmd := services.StartFillRunCommand{
		OwnerID:        ownerID,
		DatasetID:      strings.TrimSpace(req.DatasetID),
		FieldSetID:     strings.TrimSpace(req.FieldSetID),
		ProfileID:      cloneStringPointer(req.ProfileID),
		Mapping:        parseMappingPayload(req.Mapping),
		ManualEdits:    req.ManualEdits,
		IdempotencyKey: firstNonEmptyTrimmed(r.Header.Get("Idempotency-Key"), req.IdempotencyKey),
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
