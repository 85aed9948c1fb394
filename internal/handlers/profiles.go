package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
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
	maxSaveProfileBody = 256 * 1024
	maxApplyBody       = 4 * 1024
	defaultProfilePage = 20
	maxProfilePage     = 100
)

// ProfileHandlers exposes persistence and restore endpoints for saved mappings.
type ProfileHandlers struct {
	authn     *auth.Authenticator
	profiles  services.ProfileService
	fieldSets services.FieldSetService
}

// NewProfileHandlers constructs handlers enforcing Firebase authentication.
func NewProfileHandlers(authn *auth.Authenticator, profiles services.ProfileService, fieldSets services.FieldSetService) *ProfileHandlers {
	return &ProfileHandlers{
		authn:     authn,
		profiles:  profiles,
		fieldSets: fieldSets,
	}
}

// Routes registers the profile endpoints on the provided router.
func (h *ProfileHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Post("/", h.saveProfile)
	group.Get("/", h.listProfiles)
	group.Get("/{profileID}", h.getProfile)
	group.Post("/{profileID}:apply", h.applyProfile)
	group.Delete("/{profileID}", h.deleteProfile)
}

type saveProfileRequest struct {
	ProfileID *string                        `json:"profile_id,omitempty"`
	Name      string                         `json:"name"`
	TargetKey string                         `json:"target_key"`
	Entries   map[string]profileEntryPayload `json:"entries"`
	Options   *fillOptionsPayload            `json:"options,omitempty"`
}

func (h *ProfileHandlers) saveProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.profiles == nil {
		httpx.WriteError(ctx, w, httpx.NewError("profile_service_unavailable", "profile service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxSaveProfileBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req saveProfileRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	profile, err := h.profiles.SaveProfile(ctx, services.SaveProfileCommand{
		OwnerID:   identity.UID,
		ProfileID: req.ProfileID,
		Name:      req.Name,
		TargetKey: req.TargetKey,
		Entries:   parseProfileEntries(req.Entries),
		Options:   parseFillOptions(req.Options),
	})
	if err != nil {
		writeProfileError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, profileResponse{Profile: buildProfilePayload(profile)})
}

func (h *ProfileHandlers) listProfiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.profiles == nil {
		httpx.WriteError(ctx, w, httpx.NewError("profile_service_unavailable", "profile service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	query := r.URL.Query()
	pageParams, err := pagination.Parse(query, pagination.Options{DefaultPageSize: defaultProfilePage, MaxPageSize: maxProfilePage})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
		return
	}

	filter := services.ProfileListFilter{
		OwnerID: identity.UID,
		Pagination: services.Pagination{
			PageSize:  pageParams.PageSize,
			PageToken: pageParams.PageToken,
		},
	}
	if targetKey := strings.TrimSpace(query.Get("target_key")); targetKey != "" {
		filter.TargetKey = &targetKey
	}

	page, err := h.profiles.ListProfiles(ctx, filter)
	if err != nil {
		writeProfileError(ctx, w, err)
		return
	}

	items := make([]profileSummaryPayload, 0, len(page.Items))
	for _, profile := range page.Items {
		items = append(items, buildProfileSummary(profile))
	}

	writeJSONResponse(w, http.StatusOK, profileListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *ProfileHandlers) getProfile(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.fetchOwnedProfile(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, profileResponse{Profile: buildProfilePayload(profile)})
}

type applyProfileRequest struct {
	FieldSetID string `json:"field_set_id"`
}

func (h *ProfileHandlers) applyProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	profile, ok := h.fetchOwnedProfile(w, r)
	if !ok {
		return
	}

	identity, _ := auth.IdentityFromContext(ctx)

	body, err := readLimitedBody(r, maxApplyBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req applyProfileRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	fieldSetID := strings.TrimSpace(req.FieldSetID)
	if fieldSetID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "field_set_id is required", http.StatusBadRequest))
		return
	}
	if h.fieldSets != nil {
		fieldSet, err := h.fieldSets.GetFieldSet(ctx, fieldSetID)
		if err != nil {
			writeFieldSetError(ctx, w, err)
			return
		}
		if fieldSet.OwnerID != "" && identity != nil && fieldSet.OwnerID != strings.TrimSpace(identity.UID) {
			httpx.WriteError(ctx, w, httpx.NewError("field_set_not_found", "field set not found", http.StatusNotFound))
			return
		}
	}

	mapping, err := h.profiles.ApplyProfile(ctx, services.ApplyProfileCommand{
		ProfileID:  profile.ID,
		FieldSetID: fieldSetID,
	})
	if err != nil {
		writeProfileError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, mappingResponse{Mapping: buildMappingPayload(mapping)})
}

func (h *ProfileHandlers) deleteProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.profiles == nil {
		httpx.WriteError(ctx, w, httpx.NewError("profile_service_unavailable", "profile service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	profileID := strings.TrimSpace(chi.URLParam(r, "profileID"))
	if profileID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "profile id is required", http.StatusBadRequest))
		return
	}

	err := h.profiles.DeleteProfile(ctx, services.DeleteProfileCommand{
		ProfileID:   profileID,
		RequestedBy: identity.UID,
	})
	if err != nil {
		writeProfileError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// fetchOwnedProfile loads the path profile and hides it from non-owners.
func (h *ProfileHandlers) fetchOwnedProfile(w http.ResponseWriter, r *http.Request) (services.MappingProfile, bool) {
	ctx := r.Context()
	if h.profiles == nil {
		httpx.WriteError(ctx, w, httpx.NewError("profile_service_unavailable", "profile service unavailable", http.StatusServiceUnavailable))
		return services.MappingProfile{}, false
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return services.MappingProfile{}, false
	}

	profileID := strings.TrimSpace(chi.URLParam(r, "profileID"))
	if profileID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "profile id is required", http.StatusBadRequest))
		return services.MappingProfile{}, false
	}

	profile, err := h.profiles.GetProfile(ctx, profileID)
	if err != nil {
		writeProfileError(ctx, w, err)
		return services.MappingProfile{}, false
	}
	if profile.OwnerID != "" && profile.OwnerID != strings.TrimSpace(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("profile_not_found", "profile not found", http.StatusNotFound))
		return services.MappingProfile{}, false
	}
	return profile, true
}

type profileListResponse struct {
	Items         []profileSummaryPayload `json:"items"`
	NextPageToken string                  `json:"next_page_token,omitempty"`
}

type profileSummaryPayload struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	TargetKey  string `json:"target_key"`
	EntryCount int    `json:"entry_count"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

type profileResponse struct {
	Profile profilePayload `json:"profile"`
}

type profilePayload struct {
	ID        string                         `json:"id"`
	Name      string                         `json:"name"`
	TargetKey string                         `json:"target_key"`
	OwnerID   string                         `json:"owner_id"`
	Entries   map[string]profileEntryPayload `json:"entries"`
	Options   *fillOptionsPayload            `json:"options,omitempty"`
	CreatedAt string                         `json:"created_at"`
	UpdatedAt string                         `json:"updated_at,omitempty"`
}

type profileEntryPayload struct {
	Selector   string   `json:"selector"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type fillOptionsPayload struct {
	SkipFilled  bool  `json:"skip_filled,omitempty"`
	StopOnError bool  `json:"stop_on_error,omitempty"`
	RowDelayMs  int64 `json:"row_delay_ms,omitempty"`
}

func buildProfileSummary(profile services.MappingProfile) profileSummaryPayload {
	return profileSummaryPayload{
		ID:         strings.TrimSpace(profile.ID),
		Name:       strings.TrimSpace(profile.Name),
		TargetKey:  strings.TrimSpace(profile.TargetKey),
		EntryCount: len(profile.Entries),
		UpdatedAt:  formatTime(profile.UpdatedAt),
	}
}

func buildProfilePayload(profile services.MappingProfile) profilePayload {
	entries := make(map[string]profileEntryPayload, len(profile.Entries))
	for column, entry := range profile.Entries {
		entries[column] = profileEntryPayload{
			Selector:   entry.Selector,
			Confidence: entry.Confidence,
		}
	}
	payload := profilePayload{
		ID:        strings.TrimSpace(profile.ID),
		Name:      strings.TrimSpace(profile.Name),
		TargetKey: strings.TrimSpace(profile.TargetKey),
		OwnerID:   strings.TrimSpace(profile.OwnerID),
		Entries:   entries,
		CreatedAt: formatTime(profile.CreatedAt),
		UpdatedAt: formatTime(profile.UpdatedAt),
	}
	if profile.Options != nil {
		payload.Options = buildFillOptionsPayload(*profile.Options)
	}
	return payload
}

func buildFillOptionsPayload(options domain.FillOptions) *fillOptionsPayload {
	return &fillOptionsPayload{
		SkipFilled:  options.SkipFilled,
		StopOnError: options.StopOnError,
		RowDelayMs:  options.RowDelay.Milliseconds(),
	}
}

func parseProfileEntries(payload map[string]profileEntryPayload) domain.ProfileEntries {
	if len(payload) == 0 {
		return nil
	}
	entries := make(domain.ProfileEntries, len(payload))
	for column, entry := range payload {
		entries[column] = domain.ProfileEntry{
			Selector:   strings.TrimSpace(entry.Selector),
			Confidence: entry.Confidence,
		}
	}
	return entries
}

func parseFillOptions(payload *fillOptionsPayload) *domain.FillOptions {
	if payload == nil {
		return nil
	}
	return &domain.FillOptions{
		SkipFilled:  payload.SkipFilled,
		StopOnError: payload.StopOnError,
		RowDelay:    time.Duration(payload.RowDelayMs) * time.Millisecond,
	}
}

func writeProfileError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrProfileInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrProfileNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("profile_not_found", "profile not found", http.StatusNotFound))
	case errors.Is(err, services.ErrProfileAccessDenied):
		httpx.WriteError(ctx, w, httpx.NewError("profile_not_found", "profile not found", http.StatusNotFound))
	case errors.Is(err, services.ErrProfileConflict):
		httpx.WriteError(ctx, w, httpx.NewError("profile_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrFieldSetNotFound),
		errors.Is(err, services.ErrFieldSetInvalidInput),
		errors.Is(err, services.ErrFieldSetRepositoryUnavailable):
		writeFieldSetError(ctx, w, err)
	case errors.Is(err, services.ErrProfileRepositoryUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("profile_service_unavailable", "profile repository unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("profile_error", "failed to process profile request", http.StatusInternalServerError))
	}
}
