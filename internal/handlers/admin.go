package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/formbridge/api/internal/platform/auth"
	"github.com/formbridge/api/internal/platform/httpx"
	"github.com/formbridge/api/internal/platform/pagination"
	"github.com/formbridge/api/internal/services"
)

const (
	maxCounterRequestBody = 4 * 1024
	defaultAuditLogPage   = 50
	maxAuditLogPage       = 200
)

// AdminHandlers exposes operational endpoints for staff tooling.
type AdminHandlers struct {
	authn  *auth.Authenticator
	system services.SystemService
}

// NewAdminHandlers constructs admin handlers.
func NewAdminHandlers(authn *auth.Authenticator, system services.SystemService) *AdminHandlers {
	return &AdminHandlers{authn: authn, system: system}
}

// Routes registers admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
	}
	r.Get("/audit-logs", h.listAuditLogs)
	r.Post("/counters/{scope}/{name}:next", h.nextCounterValue)
}

type auditLogListResponse struct {
	Items         []auditLogPayload `json:"items"`
	NextPageToken string            `json:"next_page_token,omitempty"`
}

type auditLogPayload struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	ActorType string         `json:"actor_type,omitempty"`
	Action    string         `json:"action"`
	TargetRef string         `json:"target_ref,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Diff      map[string]any `json:"diff,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	CreatedAt string         `json:"created_at"`
}

func (h *AdminHandlers) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "system service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	query := r.URL.Query()
	pageParams, err := pagination.Parse(query, pagination.Options{DefaultPageSize: defaultAuditLogPage, MaxPageSize: maxAuditLogPage})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
		return
	}

	filter := services.AuditLogFilter{
		TargetRef: strings.TrimSpace(query.Get("target_ref")),
		Actor:     strings.TrimSpace(query.Get("actor")),
		ActorType: strings.TrimSpace(query.Get("actor_type")),
		Action:    strings.TrimSpace(query.Get("action")),
		Pagination: services.Pagination{
			PageSize:  pageParams.PageSize,
			PageToken: pageParams.PageToken,
		},
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

	page, err := h.system.ListAuditLogs(ctx, filter)
	if err != nil {
		writeSystemError(ctx, w, err)
		return
	}

	items := make([]auditLogPayload, 0, len(page.Items))
	for _, entry := range page.Items {
		items = append(items, auditLogPayload{
			ID:        entry.ID,
			Actor:     entry.Actor,
			ActorType: entry.ActorType,
			Action:    entry.Action,
			TargetRef: entry.TargetRef,
			Metadata:  cloneMap(entry.Metadata),
			Diff:      cloneMap(entry.Diff),
			Severity:  entry.Severity,
			RequestID: entry.RequestID,
			CreatedAt: formatTime(entry.CreatedAt),
		})
	}

	writeJSONResponse(w, http.StatusOK, auditLogListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

type nextCounterRequest struct {
	Step int64 `json:"step,omitempty"`
}

type nextCounterResponse struct {
	CounterID string `json:"counter_id"`
	Value     int64  `json:"value"`
}

func (h *AdminHandlers) nextCounterValue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "system service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	scope := strings.TrimSpace(chi.URLParam(r, "scope"))
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	if scope == "" || name == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "counter scope and name are required", http.StatusBadRequest))
		return
	}
	counterID := scope + ":" + name

	var req nextCounterRequest
	body, err := readLimitedBody(r, maxCounterRequestBody)
	switch {
	case err == nil:
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	case errors.Is(err, errEmptyBody):
		// step defaults to 1 when the body is omitted
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	value, err := h.system.NextCounterValue(ctx, services.CounterCommand{
		CounterID: counterID,
		Step:      req.Step,
	})
	if err != nil {
		writeSystemError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, nextCounterResponse{
		CounterID: counterID,
		Value:     value,
	})
}

func writeSystemError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCounterInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCounterExhausted):
		httpx.WriteError(ctx, w, httpx.NewError("counter_exhausted", "counter has no remaining values", http.StatusConflict))
	case errors.Is(err, pagination.ErrInvalidPageToken):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_token is not a valid cursor", http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("system_error", "failed to process system request", http.StatusInternalServerError))
	}
}
