package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/formbridge/api/internal/domain"
	pfirestore "github.com/formbridge/api/internal/platform/firestore"
	"github.com/formbridge/api/internal/platform/pagination"
	"github.com/formbridge/api/internal/repositories"
)

const mappingProfilesCollection = "mappingProfiles"

// ProfileRepository persists saved column-to-selector assignments keyed by
// owner, target environment, and profile name.
type ProfileRepository struct {
	base *pfirestore.BaseRepository[mappingProfileDocument]
}

// NewProfileRepository constructs a Firestore-backed mapping profile repository.
func NewProfileRepository(provider *pfirestore.Provider) (*ProfileRepository, error) {
	if provider == nil {
		return nil, errors.New("profile repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[mappingProfileDocument](provider, mappingProfilesCollection)
	return &ProfileRepository{base: base}, nil
}

// Insert stores a new profile document.
func (r *ProfileRepository) Insert(ctx context.Context, profile domain.MappingProfile) error {
	if r == nil || r.base == nil {
		return errors.New("profile repository not initialised")
	}
	profileID := strings.TrimSpace(profile.ID)
	if profileID == "" {
		return errors.New("profile repository: profile id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, profileID)
	if err != nil {
		return err
	}
	doc := encodeMappingProfileDocument(profile)
	if _, err := docRef.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("mapping_profiles.insert", err)
	}
	return nil
}

// Update replaces the persisted profile state.
func (r *ProfileRepository) Update(ctx context.Context, profile domain.MappingProfile) error {
	if r == nil || r.base == nil {
		return errors.New("profile repository not initialised")
	}
	profileID := strings.TrimSpace(profile.ID)
	if profileID == "" {
		return errors.New("profile repository: profile id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, profileID)
	if err != nil {
		return err
	}
	doc := encodeMappingProfileDocument(profile)
	if _, err := docRef.Set(ctx, doc); err != nil {
		return pfirestore.WrapError("mapping_profiles.update", err)
	}
	return nil
}

// Delete removes the profile document.
func (r *ProfileRepository) Delete(ctx context.Context, profileID string) error {
	if r == nil || r.base == nil {
		return errors.New("profile repository not initialised")
	}
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return errors.New("profile repository: profile id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, profileID)
	if err != nil {
		return err
	}
	if _, err := docRef.Delete(ctx); err != nil {
		return pfirestore.WrapError("mapping_profiles.delete", err)
	}
	return nil
}

// FindByID loads a profile by its identifier.
func (r *ProfileRepository) FindByID(ctx context.Context, profileID string) (domain.MappingProfile, error) {
	if r == nil || r.base == nil {
		return domain.MappingProfile{}, errors.New("profile repository not initialised")
	}
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return domain.MappingProfile{}, errors.New("profile repository: profile id is required")
	}
	doc, err := r.base.Get(ctx, profileID)
	if err != nil {
		return domain.MappingProfile{}, err
	}
	return decodeMappingProfileDocument(profileID, doc.Data, doc.CreateTime, doc.UpdateTime), nil
}

// FindByName returns the most recent profile matching the owner, target key,
// and name triple.
func (r *ProfileRepository) FindByName(ctx context.Context, ownerID string, targetKey string, name string) (domain.MappingProfile, error) {
	if r == nil || r.base == nil {
		return domain.MappingProfile{}, errors.New("profile repository not initialised")
	}
	key := buildProfileLookupKey(ownerID, targetKey, name)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("lookupKey", "==", key).OrderBy("updatedAt", firestore.Desc).Limit(1)
	})
	if err != nil {
		return domain.MappingProfile{}, err
	}
	if len(docs) == 0 {
		return domain.MappingProfile{}, pfirestore.WrapError("mapping_profiles.lookup", status.Error(codes.NotFound, "mapping profile not found"))
	}
	doc := docs[0]
	return decodeMappingProfileDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime), nil
}

// ListByTarget returns profiles owned by the specified user ordered by most
// recent update, optionally narrowed to one target key.
func (r *ProfileRepository) ListByTarget(ctx context.Context, ownerID string, filter repositories.ProfileListFilter) (domain.CursorPage[domain.MappingProfile], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.MappingProfile]{}, errors.New("profile repository not initialised")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.CursorPage[domain.MappingProfile]{}, errors.New("profile repository: owner id is required")
	}

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	var startAfter []any
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		tokenTime, docID, err := pagination.DecodeTimeCursor(token)
		if err != nil {
			return domain.CursorPage[domain.MappingProfile]{}, fmt.Errorf("profile repository: %w", err)
		}
		startAfter = []any{tokenTime, docID}
	}

	var targetKey string
	if filter.TargetKey != nil {
		targetKey = strings.TrimSpace(*filter.TargetKey)
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("ownerUid", "==", ownerID)
		if targetKey != "" {
			q = q.Where("targetKey", "==", targetKey)
		}
		q = q.OrderBy("updatedAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.MappingProfile]{}, err
	}

	valueDocs := docs
	nextToken := ""
	if limit > 0 && len(valueDocs) == fetchLimit {
		last := valueDocs[len(valueDocs)-1]
		tokenTime := last.Data.UpdatedAt
		if tokenTime.IsZero() {
			tokenTime = last.UpdateTime
		}
		nextToken = pagination.EncodeTimeCursor(tokenTime, last.ID)
		valueDocs = valueDocs[:len(valueDocs)-1]
	}

	items := make([]domain.MappingProfile, 0, len(valueDocs))
	for _, doc := range valueDocs {
		items = append(items, decodeMappingProfileDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime))
	}

	return domain.CursorPage[domain.MappingProfile]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

type mappingProfileDocument struct {
	OwnerRef  string                          `firestore:"ownerRef"`
	OwnerUID  string                          `firestore:"ownerUid"`
	Name      string                          `firestore:"name"`
	TargetKey string                          `firestore:"targetKey"`
	Entries   map[string]profileEntryDocument `firestore:"entries"`
	Options   *fillOptionsDocument            `firestore:"options,omitempty"`
	CreatedAt time.Time                       `firestore:"createdAt"`
	UpdatedAt time.Time                       `firestore:"updatedAt"`
	LookupKey string                          `firestore:"lookupKey"`
}

type profileEntryDocument struct {
	Selector   string   `firestore:"selector"`
	Confidence *float64 `firestore:"confidence,omitempty"`
}

func encodeMappingProfileDocument(profile domain.MappingProfile) mappingProfileDocument {
	entries := make(map[string]profileEntryDocument, len(profile.Entries))
	for column, entry := range profile.Entries {
		entries[column] = profileEntryDocument{
			Selector:   strings.TrimSpace(entry.Selector),
			Confidence: cloneFloatPointer(entry.Confidence),
		}
	}

	var options *fillOptionsDocument
	if profile.Options != nil {
		encoded := encodeFillOptionsDocument(*profile.Options)
		options = &encoded
	}

	return mappingProfileDocument{
		OwnerRef:  ownerDocPath(profile.OwnerID),
		OwnerUID:  strings.TrimSpace(profile.OwnerID),
		Name:      strings.TrimSpace(profile.Name),
		TargetKey: strings.TrimSpace(profile.TargetKey),
		Entries:   entries,
		Options:   options,
		CreatedAt: profile.CreatedAt.UTC(),
		UpdatedAt: profile.UpdatedAt.UTC(),
		LookupKey: buildProfileLookupKey(profile.OwnerID, profile.TargetKey, profile.Name),
	}
}

func decodeMappingProfileDocument(id string, doc mappingProfileDocument, createdAt, updatedAt time.Time) domain.MappingProfile {
	entries := make(domain.ProfileEntries, len(doc.Entries))
	for column, entry := range doc.Entries {
		entries[column] = domain.ProfileEntry{
			Selector:   strings.TrimSpace(entry.Selector),
			Confidence: cloneFloatPointer(entry.Confidence),
		}
	}
	if len(entries) == 0 {
		entries = nil
	}

	var options *domain.FillOptions
	if doc.Options != nil {
		decoded := decodeFillOptionsDocument(*doc.Options)
		options = &decoded
	}

	return domain.MappingProfile{
		ID:        strings.TrimSpace(id),
		Name:      strings.TrimSpace(doc.Name),
		TargetKey: strings.TrimSpace(doc.TargetKey),
		OwnerID:   extractOwner(doc.OwnerRef, doc.OwnerUID),
		Entries:   entries,
		Options:   options,
		CreatedAt: chooseTime(doc.CreatedAt, createdAt),
		UpdatedAt: chooseTime(doc.UpdatedAt, updatedAt),
	}
}

func buildProfileLookupKey(ownerID string, targetKey string, name string) string {
	trimmedOwner := strings.ToLower(strings.TrimSpace(ownerID))
	normalizedTarget := strings.ToLower(strings.TrimSpace(targetKey))
	normalizedName := strings.ToLower(strings.Join(strings.Fields(name), " "))
	return strings.Join([]string{trimmedOwner, normalizedTarget, normalizedName}, "|")
}

var _ repositories.MappingProfileRepository = (*ProfileRepository)(nil)
