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

type stubProfileService struct {
	saveFn   func(context.Context, services.SaveProfileCommand) (services.MappingProfile, error)
	getFn    func(context.Context, string) (services.MappingProfile, error)
	listFn   func(context.Context, services.ProfileListFilter) (domain.CursorPage[services.MappingProfile], error)
	applyFn  func(context.Context, services.ApplyProfileCommand) (services.Mapping, error)
	deleteFn func(context.Context, services.DeleteProfileCommand) error
}

func (s *stubProfileService) SaveProfile(ctx context.Context, cmd services.SaveProfileCommand) (services.MappingProfile, error) {
	if s.saveFn != nil {
		return s.saveFn(ctx, cmd)
	}
	return services.MappingProfile{}, errors.New("not implemented")
}

func (s *stubProfileService) GetProfile(ctx context.Context, profileID string) (services.MappingProfile, error) {
	if s.getFn != nil {
		return s.getFn(ctx, profileID)
	}
	return services.MappingProfile{}, errors.New("not implemented")
}

func (s *stubProfileService) ListProfiles(ctx context.Context, filter services.ProfileListFilter) (domain.CursorPage[services.MappingProfile], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[services.MappingProfile]{}, nil
}

func (s *stubProfileService) ApplyProfile(ctx context.Context, cmd services.ApplyProfileCommand) (services.Mapping, error) {
	if s.applyFn != nil {
		return s.applyFn(ctx, cmd)
	}
	return nil, errors.New("not implemented")
}

func (s *stubProfileService) DeleteProfile(ctx context.Context, cmd services.DeleteProfileCommand) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, cmd)
	}
	return errors.New("not implemented")
}

func sampleProfile(now time.Time) services.MappingProfile {
	confidence := 0.92
	return services.MappingProfile{
		ID:        "prof_7",
		Name:      "crm contacts",
		TargetKey: "crm.example/contact",
		OwnerID:   "user-1",
		Entries: domain.ProfileEntries{
			"email": {Selector: "#email", Confidence: &confidence},
			"name":  {Selector: "#full-name"},
		},
		Options: &domain.FillOptions{
			SkipFilled: true,
			RowDelay:   250 * time.Millisecond,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestProfileHandlersSaveProfileSuccess(t *testing.T) {
	now := time.Date(2024, 4, 5, 11, 0, 0, 0, time.UTC)
	var captured services.SaveProfileCommand
	service := &stubProfileService{
		saveFn: func(ctx context.Context, cmd services.SaveProfileCommand) (services.MappingProfile, error) {
			captured = cmd
			return sampleProfile(now), nil
		},
	}

	handler := NewProfileHandlers(nil, service, nil)
	router := chi.NewRouter()
	router.Route("/profiles", handler.Routes)

	payload := `{
		"name": "crm contacts",
		"target_key": "crm.example/contact",
		"entries": {
			"email": {"selector": "#email", "confidence": 0.92},
			"name": {"selector": "#full-name"}
		},
		"options": {"skip_filled": true, "row_delay_ms": 250}
	}`
	req := httptest.NewRequest(http.MethodPost, "/profiles", strings.NewReader(payload))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if captured.OwnerID != "user-1" || captured.ProfileID != nil {
		t.Fatalf("unexpected command identity: %#v", captured)
	}
	entry, ok := captured.Entries["email"]
	if !ok || entry.Selector != "#email" {
		t.Fatalf("unexpected entries: %#v", captured.Entries)
	}
	if entry.Confidence == nil || *entry.Confidence != 0.92 {
		t.Fatalf("expected confidence pointer, got %v", entry.Confidence)
	}
	if captured.Options == nil || !captured.Options.SkipFilled {
		t.Fatalf("expected options parsed, got %#v", captured.Options)
	}
	if captured.Options.RowDelay != 250*time.Millisecond {
		t.Fatalf("expected row delay 250ms, got %v", captured.Options.RowDelay)
	}

	var resp profileResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Profile.ID != "prof_7" || len(resp.Profile.Entries) != 2 {
		t.Fatalf("unexpected profile payload: %#v", resp.Profile)
	}
	if resp.Profile.Options == nil || resp.Profile.Options.RowDelayMs != 250 {
		t.Fatalf("expected options in payload, got %#v", resp.Profile.Options)
	}
}

func TestProfileHandlersSaveProfileForwardsProfileID(t *testing.T) {
	now := time.Date(2024, 4, 5, 11, 0, 0, 0, time.UTC)
	var captured services.SaveProfileCommand
	service := &stubProfileService{
		saveFn: func(ctx context.Context, cmd services.SaveProfileCommand) (services.MappingProfile, error) {
			captured = cmd
			return sampleProfile(now), nil
		},
	}

	handler := NewProfileHandlers(nil, service, nil)
	router := chi.NewRouter()
	router.Route("/profiles", handler.Routes)

	payload := `{"profile_id": "prof_7", "name": "crm contacts", "target_key": "crm.example/contact", "entries": {}}`
	req := httptest.NewRequest(http.MethodPost, "/profiles", strings.NewReader(payload))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.ProfileID == nil || *captured.ProfileID != "prof_7" {
		t.Fatalf("expected profile id forwarded, got %v", captured.ProfileID)
	}
}

func TestProfileHandlersSaveProfileConflict(t *testing.T) {
	service := &stubProfileService{
		saveFn: func(ctx context.Context, cmd services.SaveProfileCommand) (services.MappingProfile, error) {
			return services.MappingProfile{}, services.ErrProfileConflict
		},
	}

	handler := NewProfileHandlers(nil, service, nil)
	router := chi.NewRouter()
	router.Route("/profiles", handler.Routes)

	req := httptest.NewRequest(http.MethodPost, "/profiles", strings.NewReader(`{"name":"x","target_key":"y"}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestProfileHandlersListProfilesFiltersByTargetKey(t *testing.T) {
	now := time.Date(2024, 4, 5, 11, 0, 0, 0, time.UTC)
	var capturedFilter services.ProfileListFilter
	service := &stubProfileService{
		listFn: func(ctx context.Context, filter services.ProfileListFilter) (domain.CursorPage[services.MappingProfile], error) {
			capturedFilter = filter
			return domain.CursorPage[services.MappingProfile]{
				Items: []services.MappingProfile{sampleProfile(now)},
			}, nil
		},
	}

	handler := NewProfileHandlers(nil, service, nil)
	router := chi.NewRouter()
	router.Route("/profiles", handler.Routes)

	req := httptest.NewRequest(http.MethodGet, "/profiles?target_key=crm.example%2Fcontact", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	if capturedFilter.OwnerID != "user-1" {
		t.Fatalf("expected filter owner user-1, got %s", capturedFilter.OwnerID)
	}
	if capturedFilter.TargetKey == nil || *capturedFilter.TargetKey != "crm.example/contact" {
		t.Fatalf("expected target key filter, got %v", capturedFilter.TargetKey)
	}

	var resp profileListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].EntryCount != 2 {
		t.Fatalf("unexpected items: %#v", resp.Items)
	}
}

func TestProfileHandlersGetProfileEnforcesOwnership(t *testing.T) {
	now := time.Date(2024, 4, 5, 11, 0, 0, 0, time.UTC)
	service := &stubProfileService{
		getFn: func(ctx context.Context, profileID string) (services.MappingProfile, error) {
			profile := sampleProfile(now)
			profile.OwnerID = "other-user"
			return profile, nil
		},
	}

	handler := NewProfileHandlers(nil, service, nil)
	router := chi.NewRouter()
	router.Route("/profiles", handler.Routes)

	req := httptest.NewRequest(http.MethodGet, "/profiles/prof_7", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestProfileHandlersApplyProfileSuccess(t *testing.T) {
	now := time.Date(2024, 4, 5, 11, 0, 0, 0, time.UTC)
	var captured services.ApplyProfileCommand
	service := &stubProfileService{
		getFn: func(ctx context.Context, profileID string) (services.MappingProfile, error) {
			return sampleProfile(now), nil
		},
		applyFn: func(ctx context.Context, cmd services.ApplyProfileCommand) (services.Mapping, error) {
			captured = cmd
			return services.Mapping{
				"email": domain.MappingEntry{
					Selector:   "#email",
					Confidence: 0.92,
					Level:      domain.ConfidenceHigh,
					Source:     domain.MappingSourceProfile,
				},
			}, nil
		},
	}

	handler := NewProfileHandlers(nil, service, ownedFieldSetStub(t, "user-1"))
	router := chi.NewRouter()
	router.Route("/profiles", handler.Routes)

	req := httptest.NewRequest(http.MethodPost, "/profiles/prof_7:apply", strings.NewReader(`{"field_set_id":"fset_42"}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if captured.ProfileID != "prof_7" || captured.FieldSetID != "fset_42" {
		t.Fatalf("unexpected command: %#v", captured)
	}

	var resp mappingResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Mapping["email"].Source != "profile" {
		t.Fatalf("expected profile source, got %#v", resp.Mapping["email"])
	}
}

func TestProfileHandlersApplyProfileHidesForeignFieldSet(t *testing.T) {
	now := time.Date(2024, 4, 5, 11, 0, 0, 0, time.UTC)
	service := &stubProfileService{
		getFn: func(ctx context.Context, profileID string) (services.MappingProfile, error) {
			return sampleProfile(now), nil
		},
		applyFn: func(ctx context.Context, cmd services.ApplyProfileCommand) (services.Mapping, error) {
			t.Fatal("apply should not be reached")
			return nil, nil
		},
	}

	handler := NewProfileHandlers(nil, service, ownedFieldSetStub(t, "other-user"))
	router := chi.NewRouter()
	router.Route("/profiles", handler.Routes)

	req := httptest.NewRequest(http.MethodPost, "/profiles/prof_7:apply", strings.NewReader(`{"field_set_id":"fset_42"}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestProfileHandlersApplyProfileMissingFieldSetID(t *testing.T) {
	now := time.Date(2024, 4, 5, 11, 0, 0, 0, time.UTC)
	service := &stubProfileService{
		getFn: func(ctx context.Context, profileID string) (services.MappingProfile, error) {
			return sampleProfile(now), nil
		},
	}

	handler := NewProfileHandlers(nil, service, nil)
	router := chi.NewRouter()
	router.Route("/profiles", handler.Routes)

	req := httptest.NewRequest(http.MethodPost, "/profiles/prof_7:apply", strings.NewReader(`{}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestProfileHandlersDeleteProfileSuccess(t *testing.T) {
	var captured services.DeleteProfileCommand
	service := &stubProfileService{
		deleteFn: func(ctx context.Context, cmd services.DeleteProfileCommand) error {
			captured = cmd
			return nil
		},
	}

	handler := NewProfileHandlers(nil, service, nil)
	router := chi.NewRouter()
	router.Route("/profiles", handler.Routes)

	req := httptest.NewRequest(http.MethodDelete, "/profiles/prof_7", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if captured.ProfileID != "prof_7" || captured.RequestedBy != "user-1" {
		t.Fatalf("unexpected delete command: %#v", captured)
	}
}

func TestProfileHandlersDeleteProfileAccessDenied(t *testing.T) {
	service := &stubProfileService{
		deleteFn: func(ctx context.Context, cmd services.DeleteProfileCommand) error {
			return services.ErrProfileAccessDenied
		},
	}

	handler := NewProfileHandlers(nil, service, nil)
	router := chi.NewRouter()
	router.Route("/profiles", handler.Routes)

	req := httptest.NewRequest(http.MethodDelete, "/profiles/prof_7", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}
