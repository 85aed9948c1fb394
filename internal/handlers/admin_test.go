package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/formbridge/api/internal/domain"
	"github.com/formbridge/api/internal/platform/auth"
	"github.com/formbridge/api/internal/services"
)

type adminStubSystemService struct {
	healthFn  func(context.Context) (services.SystemHealthReport, error)
	auditFn   func(context.Context, services.AuditLogFilter) (domain.CursorPage[services.AuditLogEntry], error)
	counterFn func(context.Context, services.CounterCommand) (int64, error)
}

func (s *adminStubSystemService) HealthReport(ctx context.Context) (services.SystemHealthReport, error) {
	if s.healthFn != nil {
		return s.healthFn(ctx)
	}
	return services.SystemHealthReport{}, errors.New("not implemented")
}

func (s *adminStubSystemService) ListAuditLogs(ctx context.Context, filter services.AuditLogFilter) (domain.CursorPage[services.AuditLogEntry], error) {
	if s.auditFn != nil {
		return s.auditFn(ctx, filter)
	}
	return domain.CursorPage[services.AuditLogEntry]{}, nil
}

func (s *adminStubSystemService) NextCounterValue(ctx context.Context, cmd services.CounterCommand) (int64, error) {
	if s.counterFn != nil {
		return s.counterFn(ctx, cmd)
	}
	return 0, errors.New("not implemented")
}

func TestAdminHandlersListAuditLogsForwardsFilter(t *testing.T) {
	now := time.Date(2024, 4, 8, 14, 0, 0, 0, time.UTC)
	var capturedFilter services.AuditLogFilter
	service := &adminStubSystemService{
		auditFn: func(ctx context.Context, filter services.AuditLogFilter) (domain.CursorPage[services.AuditLogEntry], error) {
			capturedFilter = filter
			return domain.CursorPage[services.AuditLogEntry]{
				Items: []services.AuditLogEntry{
					{
						ID:        "log_1",
						Actor:     "user-1",
						ActorType: "user",
						Action:    "fill_run.start",
						TargetRef: "fill_runs/run_9",
						Metadata:  map[string]any{"dataset_id": "ds_123"},
						Severity:  "info",
						CreatedAt: now,
					},
				},
				NextPageToken: "tok-next",
			}, nil
		},
	}

	handler := NewAdminHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/admin", handler.Routes)

	target := "/admin/audit-logs?target_ref=fill_runs%2Frun_9&actor=user-1&action=fill_run.start&created_after=2024-04-01T00:00:00Z&page_size=25"
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "admin-1", Roles: []string{auth.RoleAdmin}}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if capturedFilter.TargetRef != "fill_runs/run_9" || capturedFilter.Actor != "user-1" {
		t.Fatalf("unexpected filter: %#v", capturedFilter)
	}
	if capturedFilter.Action != "fill_run.start" {
		t.Fatalf("expected action filter, got %s", capturedFilter.Action)
	}
	if capturedFilter.DateRange.From == nil || !capturedFilter.DateRange.From.Equal(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected created_after filter, got %v", capturedFilter.DateRange.From)
	}
	if capturedFilter.PageSize != 25 {
		t.Fatalf("expected page size 25, got %d", capturedFilter.PageSize)
	}

	var resp auditLogListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(resp.Items))
	}
	entry := resp.Items[0]
	if entry.ID != "log_1" || entry.Action != "fill_run.start" {
		t.Fatalf("unexpected entry: %#v", entry)
	}
	if entry.Metadata["dataset_id"] != "ds_123" {
		t.Fatalf("expected metadata preserved, got %#v", entry.Metadata)
	}
	if resp.NextPageToken != "tok-next" {
		t.Fatalf("expected next page token, got %s", resp.NextPageToken)
	}
}

func TestAdminHandlersListAuditLogsInvalidCreatedAfter(t *testing.T) {
	handler := NewAdminHandlers(nil, &adminStubSystemService{})
	router := chi.NewRouter()
	router.Route("/admin", handler.Routes)

	req := httptest.NewRequest(http.MethodGet, "/admin/audit-logs?created_after=lastweek", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "admin-1", Roles: []string{auth.RoleAdmin}}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestAdminHandlersNextCounterValueWithStep(t *testing.T) {
	var captured services.CounterCommand
	service := &adminStubSystemService{
		counterFn: func(ctx context.Context, cmd services.CounterCommand) (int64, error) {
			captured = cmd
			return 105, nil
		},
	}

	handler := NewAdminHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/admin", handler.Routes)

	req := httptest.NewRequest(http.MethodPost, "/admin/counters/runs/daily:next", strings.NewReader(`{"step":5}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "admin-1", Roles: []string{auth.RoleAdmin}}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if captured.CounterID != "runs:daily" || captured.Step != 5 {
		t.Fatalf("unexpected command: %#v", captured)
	}

	var resp nextCounterResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.CounterID != "runs:daily" || resp.Value != 105 {
		t.Fatalf("unexpected response: %#v", resp)
	}
}

func TestAdminHandlersNextCounterValueEmptyBody(t *testing.T) {
	var captured services.CounterCommand
	service := &adminStubSystemService{
		counterFn: func(ctx context.Context, cmd services.CounterCommand) (int64, error) {
			captured = cmd
			return 1, nil
		},
	}

	handler := NewAdminHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/admin", handler.Routes)

	req := httptest.NewRequest(http.MethodPost, "/admin/counters/runs/daily:next", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "admin-1", Roles: []string{auth.RoleAdmin}}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.Step != 0 {
		t.Fatalf("expected zero step to default downstream, got %d", captured.Step)
	}
}

func TestAdminHandlersNextCounterValueInvalidID(t *testing.T) {
	service := &adminStubSystemService{
		counterFn: func(ctx context.Context, cmd services.CounterCommand) (int64, error) {
			return 0, services.ErrCounterInvalidInput
		},
	}

	handler := NewAdminHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/admin", handler.Routes)

	req := httptest.NewRequest(http.MethodPost, "/admin/counters/runs/bogus:next", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "admin-1", Roles: []string{auth.RoleAdmin}}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestAdminHandlersNextCounterValueExhausted(t *testing.T) {
	service := &adminStubSystemService{
		counterFn: func(ctx context.Context, cmd services.CounterCommand) (int64, error) {
			return 0, services.ErrCounterExhausted
		},
	}

	handler := NewAdminHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/admin", handler.Routes)

	req := httptest.NewRequest(http.MethodPost, "/admin/counters/runs/daily:next", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "admin-1", Roles: []string{auth.RoleAdmin}}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestAdminHandlersSystemServiceUnavailable(t *testing.T) {
	handler := NewAdminHandlers(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/admin/audit-logs", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "admin-1", Roles: []string{auth.RoleAdmin}}))
	rr := httptest.NewRecorder()

	handler.listAuditLogs(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}
