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

const fieldSetsCollection = "fieldSets"

// FieldSetRepository persists detection passes over target forms together
// with the detected field inventory.
type FieldSetRepository struct {
	base *pfirestore.BaseRepository[fieldSetDocument]
}

// NewFieldSetRepository constructs a Firestore-backed field set repository.
func NewFieldSetRepository(provider *pfirestore.Provider) (*FieldSetRepository, error) {
	if provider == nil {
		return nil, errors.New("field set repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[fieldSetDocument](provider, fieldSetsCollection)
	return &FieldSetRepository{base: base}, nil
}

// Insert stores a new field set document. The ID must be unique.
func (r *FieldSetRepository) Insert(ctx context.Context, set domain.FieldSet) error {
	if r == nil || r.base == nil {
		return errors.New("field set repository not initialised")
	}
	setID := strings.TrimSpace(set.ID)
	if setID == "" {
		return errors.New("field set repository: field set id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, setID)
	if err != nil {
		return err
	}
	doc := encodeFieldSetDocument(set)
	if _, err := docRef.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("field_sets.insert", err)
	}
	return nil
}

// Update replaces the persisted field set state.
func (r *FieldSetRepository) Update(ctx context.Context, set domain.FieldSet) error {
	if r == nil || r.base == nil {
		return errors.New("field set repository not initialised")
	}
	setID := strings.TrimSpace(set.ID)
	if setID == "" {
		return errors.New("field set repository: field set id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, setID)
	if err != nil {
		return err
	}
	doc := encodeFieldSetDocument(set)
	if _, err := docRef.Set(ctx, doc); err != nil {
		return pfirestore.WrapError("field_sets.update", err)
	}
	return nil
}

// Delete removes the field set document.
func (r *FieldSetRepository) Delete(ctx context.Context, fieldSetID string) error {
	if r == nil || r.base == nil {
		return errors.New("field set repository not initialised")
	}
	fieldSetID = strings.TrimSpace(fieldSetID)
	if fieldSetID == "" {
		return errors.New("field set repository: field set id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, fieldSetID)
	if err != nil {
		return err
	}
	if _, err := docRef.Delete(ctx); err != nil {
		return pfirestore.WrapError("field_sets.delete", err)
	}
	return nil
}

// FindByID fetches a single field set.
func (r *FieldSetRepository) FindByID(ctx context.Context, fieldSetID string) (domain.FieldSet, error) {
	if r == nil || r.base == nil {
		return domain.FieldSet{}, errors.New("field set repository not initialised")
	}
	fieldSetID = strings.TrimSpace(fieldSetID)
	if fieldSetID == "" {
		return domain.FieldSet{}, errors.New("field set repository: field set id is required")
	}
	doc, err := r.base.Get(ctx, fieldSetID)
	if err != nil {
		return domain.FieldSet{}, err
	}
	return decodeFieldSetDocument(fieldSetID, doc.Data, doc.CreateTime, doc.UpdateTime), nil
}

// FindByTargetKey returns the most recent scan of a target for the owner.
func (r *FieldSetRepository) FindByTargetKey(ctx context.Context, ownerID string, targetKey string) (domain.FieldSet, error) {
	if r == nil || r.base == nil {
		return domain.FieldSet{}, errors.New("field set repository not initialised")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.FieldSet{}, errors.New("field set repository: owner id is required")
	}
	targetKey = strings.TrimSpace(targetKey)
	if targetKey == "" {
		return domain.FieldSet{}, errors.New("field set repository: target key is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("ownerUid", "==", ownerID).
			Where("targetKey", "==", targetKey).
			OrderBy("scannedAt", firestore.Desc).
			Limit(1)
	})
	if err != nil {
		return domain.FieldSet{}, err
	}
	if len(docs) == 0 {
		return domain.FieldSet{}, pfirestore.WrapError("field_sets.lookup", status.Error(codes.NotFound, "field set not found"))
	}
	doc := docs[0]
	return decodeFieldSetDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime), nil
}

// ListByOwner returns field sets owned by the specified user ordered by most
// recent scan, optionally narrowed to one target key.
func (r *FieldSetRepository) ListByOwner(ctx context.Context, ownerID string, filter repositories.FieldSetListFilter) (domain.CursorPage[domain.FieldSet], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.FieldSet]{}, errors.New("field set repository not initialised")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.CursorPage[domain.FieldSet]{}, errors.New("field set repository: owner id is required")
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
			return domain.CursorPage[domain.FieldSet]{}, fmt.Errorf("field set repository: %w", err)
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
		q = q.OrderBy("scannedAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.FieldSet]{}, err
	}

	valueDocs := docs
	nextToken := ""
	if limit > 0 && len(valueDocs) == fetchLimit {
		last := valueDocs[len(valueDocs)-1]
		tokenTime := last.Data.ScannedAt
		if tokenTime.IsZero() {
			tokenTime = last.UpdateTime
		}
		nextToken = pagination.EncodeTimeCursor(tokenTime, last.ID)
		valueDocs = valueDocs[:len(valueDocs)-1]
	}

	items := make([]domain.FieldSet, 0, len(valueDocs))
	for _, doc := range valueDocs {
		items = append(items, decodeFieldSetDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime))
	}

	return domain.CursorPage[domain.FieldSet]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

type fieldSetDocument struct {
	OwnerRef  string                `firestore:"ownerRef"`
	OwnerUID  string                `firestore:"ownerUid"`
	TargetKey string                `firestore:"targetKey"`
	Title     string                `firestore:"title,omitempty"`
	SourceURL string                `firestore:"sourceUrl,omitempty"`
	Fields    []targetFieldDocument `firestore:"fields"`
	ScannedAt time.Time             `firestore:"scannedAt"`
	CreatedAt time.Time             `firestore:"createdAt"`
	UpdatedAt time.Time             `firestore:"updatedAt"`
}

func encodeFieldSetDocument(set domain.FieldSet) fieldSetDocument {
	fields := make([]targetFieldDocument, 0, len(set.Fields))
	for _, field := range set.Fields {
		fields = append(fields, encodeTargetFieldDocument(field))
	}
	return fieldSetDocument{
		OwnerRef:  ownerDocPath(set.OwnerID),
		OwnerUID:  strings.TrimSpace(set.OwnerID),
		TargetKey: strings.TrimSpace(set.TargetKey),
		Title:     strings.TrimSpace(set.Title),
		SourceURL: strings.TrimSpace(set.SourceURL),
		Fields:    fields,
		ScannedAt: set.ScannedAt.UTC(),
		CreatedAt: set.CreatedAt.UTC(),
		UpdatedAt: set.UpdatedAt.UTC(),
	}
}

func decodeFieldSetDocument(id string, doc fieldSetDocument, createdAt, updatedAt time.Time) domain.FieldSet {
	fields := make([]domain.TargetField, 0, len(doc.Fields))
	for _, field := range doc.Fields {
		fields = append(fields, decodeTargetFieldDocument(field))
	}
	if len(fields) == 0 {
		fields = nil
	}
	return domain.FieldSet{
		ID:        strings.TrimSpace(id),
		TargetKey: strings.TrimSpace(doc.TargetKey),
		Title:     strings.TrimSpace(doc.Title),
		SourceURL: strings.TrimSpace(doc.SourceURL),
		OwnerID:   extractOwner(doc.OwnerRef, doc.OwnerUID),
		Fields:    fields,
		ScannedAt: chooseTime(doc.ScannedAt, createdAt),
		CreatedAt: chooseTime(doc.CreatedAt, createdAt),
		UpdatedAt: chooseTime(doc.UpdatedAt, updatedAt),
	}
}

var _ repositories.FieldSetRepository = (*FieldSetRepository)(nil)
