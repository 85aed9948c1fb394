package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/formbridge/api/internal/domain"
	"github.com/formbridge/api/internal/platform/pagination"
	"github.com/formbridge/api/internal/repositories"
)

var (
	// ErrProfileInvalidInput indicates the caller provided invalid arguments.
	ErrProfileInvalidInput = errors.New("profile: invalid input")
	// ErrProfileNotFound indicates the requested profile does not exist.
	ErrProfileNotFound = errors.New("profile: not found")
	// ErrProfileConflict indicates the operation would conflict with existing state.
	ErrProfileConflict = errors.New("profile: conflict")
	// ErrProfileAccessDenied indicates the actor does not own the profile.
	ErrProfileAccessDenied = errors.New("profile: access denied")
	// ErrProfileRepositoryUnavailable signals that persistence dependencies are unavailable.
	ErrProfileRepositoryUnavailable = errors.New("profile: repository unavailable")
)

const (
	profileIDPrefix   = "prof_"
	maxProfileNameLen = 120
	maxProfileEntries = 200
)

// ProfileServiceDeps wires dependencies for the profile service implementation.
type ProfileServiceDeps struct {
	Profiles    repositories.MappingProfileRepository
	FieldSets   FieldSetService
	Merger      MappingMerger
	Audit       AuditLogService
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(context.Context, string, map[string]any)
}

type profileService struct {
	profiles  repositories.MappingProfileRepository
	fieldSets FieldSetService
	merger    MappingMerger
	audit     AuditLogService
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

// NewProfileService constructs a ProfileService backed by the provided dependencies.
func NewProfileService(deps ProfileServiceDeps) (ProfileService, error) {
	if deps.Profiles == nil {
		return nil, errors.New("profile service: profiles repository is required")
	}
	if deps.FieldSets == nil {
		return nil, errors.New("profile service: field set service is required")
	}
	if deps.Merger == nil {
		return nil, errors.New("profile service: mapping merger is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &profileService{
		profiles:  deps.Profiles,
		fieldSets: deps.FieldSets,
		merger:    deps.Merger,
		audit:     deps.Audit,
		clock:     func() time.Time { return clock().UTC() },
		newID:     idGen,
		logger:    logger,
	}, nil
}

// SaveProfile creates or updates a named mapping. Saving under an existing
// name for the same owner and target overwrites that profile's entries.
func (s *profileService) SaveProfile(ctx context.Context, cmd SaveProfileCommand) (MappingProfile, error) {
	if s.profiles == nil {
		return MappingProfile{}, ErrProfileRepositoryUnavailable
	}

	ownerID := strings.TrimSpace(cmd.OwnerID)
	if ownerID == "" {
		return MappingProfile{}, fmt.Errorf("%w: owner_id is required", ErrProfileInvalidInput)
	}
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return MappingProfile{}, fmt.Errorf("%w: name is required", ErrProfileInvalidInput)
	}
	if len(name) > maxProfileNameLen {
		return MappingProfile{}, fmt.Errorf("%w: name exceeds %d characters", ErrProfileInvalidInput, maxProfileNameLen)
	}
	targetKey, err := normalizeTargetKey(cmd.TargetKey)
	if err != nil {
		return MappingProfile{}, fmt.Errorf("%w: target_key is required", ErrProfileInvalidInput)
	}

	entries, err := sanitizeProfileEntries(cmd.Entries)
	if err != nil {
		return MappingProfile{}, err
	}

	now := s.now()

	var existing MappingProfile
	var found bool
	if cmd.ProfileID != nil {
		profileID := strings.TrimSpace(*cmd.ProfileID)
		if profileID == "" {
			return MappingProfile{}, fmt.Errorf("%w: profile_id must not be blank", ErrProfileInvalidInput)
		}
		existing, err = s.profiles.FindByID(ctx, profileID)
		if err != nil {
			return MappingProfile{}, s.mapRepositoryError(err)
		}
		found = true
	} else {
		existing, err = s.profiles.FindByName(ctx, ownerID, targetKey, name)
		switch {
		case err == nil:
			found = true
		case isRepositoryNotFound(err):
		default:
			return MappingProfile{}, s.mapRepositoryError(err)
		}
	}

	if found {
		if existing.OwnerID != "" && existing.OwnerID != ownerID {
			return MappingProfile{}, fmt.Errorf("%w: profile %s", ErrProfileAccessDenied, existing.ID)
		}
		existing.Name = name
		existing.TargetKey = targetKey
		existing.Entries = entries
		existing.Options = cloneFillOptions(cmd.Options)
		existing.UpdatedAt = now
		if err := s.profiles.Update(ctx, existing); err != nil {
			return MappingProfile{}, s.mapRepositoryError(err)
		}
		s.recordProfileAudit(ctx, existing, "profile.save", map[string]any{
			"entries": len(entries),
			"updated": true,
		})
		return existing, nil
	}

	profile := MappingProfile{
		ID:        profileIDPrefix + strings.ToLower(strings.TrimSpace(s.newID())),
		Name:      name,
		TargetKey: targetKey,
		OwnerID:   ownerID,
		Entries:   entries,
		Options:   cloneFillOptions(cmd.Options),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.profiles.Insert(ctx, profile); err != nil {
		return MappingProfile{}, s.mapRepositoryError(err)
	}

	s.recordProfileAudit(ctx, profile, "profile.save", map[string]any{
		"entries": len(entries),
		"updated": false,
	})

	return profile, nil
}

// GetProfile fetches a single profile by ID.
func (s *profileService) GetProfile(ctx context.Context, profileID string) (MappingProfile, error) {
	if s.profiles == nil {
		return MappingProfile{}, ErrProfileRepositoryUnavailable
	}
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return MappingProfile{}, fmt.Errorf("%w: profile_id is required", ErrProfileInvalidInput)
	}
	profile, err := s.profiles.FindByID(ctx, profileID)
	if err != nil {
		return MappingProfile{}, s.mapRepositoryError(err)
	}
	return profile, nil
}

// ListProfiles returns profiles owned by a user, optionally scoped to a target.
func (s *profileService) ListProfiles(ctx context.Context, filter ProfileListFilter) (domain.CursorPage[MappingProfile], error) {
	if s.profiles == nil {
		return domain.CursorPage[MappingProfile]{}, ErrProfileRepositoryUnavailable
	}
	ownerID := strings.TrimSpace(filter.OwnerID)
	if ownerID == "" {
		return domain.CursorPage[MappingProfile]{}, fmt.Errorf("%w: owner_id is required", ErrProfileInvalidInput)
	}
	repoFilter := repositories.ProfileListFilter{Pagination: filter.Pagination}
	if filter.TargetKey != nil {
		key, err := normalizeTargetKey(*filter.TargetKey)
		if err != nil {
			return domain.CursorPage[MappingProfile]{}, fmt.Errorf("%w: target_key must not be blank", ErrProfileInvalidInput)
		}
		repoFilter.TargetKey = &key
	}
	page, err := s.profiles.ListByTarget(ctx, ownerID, repoFilter)
	if err != nil {
		return domain.CursorPage[MappingProfile]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// ApplyProfile restores a saved profile against a fresh field set, dropping
// entries whose selectors no longer resolve.
func (s *profileService) ApplyProfile(ctx context.Context, cmd ApplyProfileCommand) (Mapping, error) {
	profile, err := s.GetProfile(ctx, cmd.ProfileID)
	if err != nil {
		return nil, err
	}
	set, err := s.fieldSets.GetFieldSet(ctx, cmd.FieldSetID)
	if err != nil {
		return nil, err
	}

	mapping := s.merger.ApplyProfile(profile.Entries, set.Fields)

	s.logger(ctx, "profile applied", map[string]any{
		"profileId":  profile.ID,
		"fieldSetId": set.ID,
		"restored":   len(mapping),
		"dropped":    len(profile.Entries) - len(mapping),
	})

	return mapping, nil
}

// DeleteProfile removes a profile after confirming ownership.
func (s *profileService) DeleteProfile(ctx context.Context, cmd DeleteProfileCommand) error {
	if s.profiles == nil {
		return ErrProfileRepositoryUnavailable
	}
	profileID := strings.TrimSpace(cmd.ProfileID)
	if profileID == "" {
		return fmt.Errorf("%w: profile_id is required", ErrProfileInvalidInput)
	}
	requestedBy := strings.TrimSpace(cmd.RequestedBy)
	if requestedBy == "" {
		return fmt.Errorf("%w: requested_by is required", ErrProfileInvalidInput)
	}

	profile, err := s.profiles.FindByID(ctx, profileID)
	if err != nil {
		return s.mapRepositoryError(err)
	}
	if profile.OwnerID != "" && profile.OwnerID != requestedBy {
		return fmt.Errorf("%w: profile %s", ErrProfileAccessDenied, profileID)
	}

	if err := s.profiles.Delete(ctx, profileID); err != nil {
		return s.mapRepositoryError(err)
	}

	s.recordProfileAudit(ctx, profile, "profile.delete", map[string]any{
		"requestedBy": requestedBy,
	})

	return nil
}

func (s *profileService) now() time.Time {
	return s.clock()
}

func (s *profileService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pagination.ErrInvalidPageToken) {
		return fmt.Errorf("%w: %v", ErrProfileInvalidInput, err)
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrProfileNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrProfileConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrProfileRepositoryUnavailable, err)
		}
	}
	return err
}

func (s *profileService) recordProfileAudit(ctx context.Context, profile MappingProfile, action string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:      profile.OwnerID,
		ActorType:  "user",
		Action:     action,
		TargetRef:  fmt.Sprintf("/mappingProfiles/%s", profile.ID),
		Severity:   "info",
		OccurredAt: s.now(),
		Metadata:   metadata,
	})
}

func isRepositoryNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func sanitizeProfileEntries(entries ProfileEntries) (ProfileEntries, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: at least one entry is required", ErrProfileInvalidInput)
	}
	if len(entries) > maxProfileEntries {
		return nil, fmt.Errorf("%w: maximum of %d entries supported", ErrProfileInvalidInput, maxProfileEntries)
	}
	sanitized := make(ProfileEntries, len(entries))
	for column, entry := range entries {
		column = strings.TrimSpace(column)
		selector := strings.TrimSpace(entry.Selector)
		if column == "" || selector == "" {
			continue
		}
		cleaned := ProfileEntry{Selector: selector}
		if entry.Confidence != nil {
			conf := *entry.Confidence
			if conf < 0 {
				conf = 0
			}
			if conf > 1 {
				conf = 1
			}
			cleaned.Confidence = &conf
		}
		sanitized[column] = cleaned
	}
	if len(sanitized) == 0 {
		return nil, fmt.Errorf("%w: at least one entry with a selector is required", ErrProfileInvalidInput)
	}
	return sanitized, nil
}

func cloneFillOptions(opts *domain.FillOptions) *domain.FillOptions {
	if opts == nil {
		return nil
	}
	cloned := *opts
	return &cloned
}
