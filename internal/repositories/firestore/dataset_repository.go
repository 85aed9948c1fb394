package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/formbridge/api/internal/domain"
	pfirestore "github.com/formbridge/api/internal/platform/firestore"
	"github.com/formbridge/api/internal/platform/pagination"
	"github.com/formbridge/api/internal/repositories"
)

const datasetsCollection = "datasets"

// DatasetRepository persists dataset metadata and column summaries. Row
// payloads stay in object storage under the dataset's storage path.
type DatasetRepository struct {
	base *pfirestore.BaseRepository[datasetDocument]
}

// NewDatasetRepository constructs a Firestore-backed dataset repository.
func NewDatasetRepository(provider *pfirestore.Provider) (*DatasetRepository, error) {
	if provider == nil {
		return nil, errors.New("dataset repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[datasetDocument](provider, datasetsCollection)
	return &DatasetRepository{base: base}, nil
}

// Insert stores a new dataset document. The ID must be unique.
func (r *DatasetRepository) Insert(ctx context.Context, dataset domain.Dataset) error {
	if r == nil || r.base == nil {
		return errors.New("dataset repository not initialised")
	}
	datasetID := strings.TrimSpace(dataset.ID)
	if datasetID == "" {
		return errors.New("dataset repository: dataset id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, datasetID)
	if err != nil {
		return err
	}
	doc := encodeDatasetDocument(dataset)
	if _, err := docRef.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("datasets.insert", err)
	}
	return nil
}

// Update replaces the persisted dataset state with the provided snapshot.
func (r *DatasetRepository) Update(ctx context.Context, dataset domain.Dataset) error {
	if r == nil || r.base == nil {
		return errors.New("dataset repository not initialised")
	}
	datasetID := strings.TrimSpace(dataset.ID)
	if datasetID == "" {
		return errors.New("dataset repository: dataset id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, datasetID)
	if err != nil {
		return err
	}
	doc := encodeDatasetDocument(dataset)
	if _, err := docRef.Set(ctx, doc); err != nil {
		return pfirestore.WrapError("datasets.update", err)
	}
	return nil
}

// Delete removes the dataset document. Deleting a missing dataset is not an error.
func (r *DatasetRepository) Delete(ctx context.Context, datasetID string) error {
	if r == nil || r.base == nil {
		return errors.New("dataset repository not initialised")
	}
	datasetID = strings.TrimSpace(datasetID)
	if datasetID == "" {
		return errors.New("dataset repository: dataset id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, datasetID)
	if err != nil {
		return err
	}
	if _, err := docRef.Delete(ctx); err != nil {
		return pfirestore.WrapError("datasets.delete", err)
	}
	return nil
}

// FindByID fetches a single dataset.
func (r *DatasetRepository) FindByID(ctx context.Context, datasetID string) (domain.Dataset, error) {
	if r == nil || r.base == nil {
		return domain.Dataset{}, errors.New("dataset repository not initialised")
	}
	datasetID = strings.TrimSpace(datasetID)
	if datasetID == "" {
		return domain.Dataset{}, errors.New("dataset repository: dataset id is required")
	}
	doc, err := r.base.Get(ctx, datasetID)
	if err != nil {
		return domain.Dataset{}, err
	}
	return decodeDatasetDocument(datasetID, doc.Data, doc.CreateTime, doc.UpdateTime), nil
}

// ListByOwner returns datasets owned by the specified user ordered by most
// recent update. A name query switches the listing to name order so the
// prefix range and cursor stay on the same field.
func (r *DatasetRepository) ListByOwner(ctx context.Context, ownerID string, filter repositories.DatasetListFilter) (domain.CursorPage[domain.Dataset], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Dataset]{}, errors.New("dataset repository not initialised")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.CursorPage[domain.Dataset]{}, errors.New("dataset repository: owner id is required")
	}

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	namePrefix := strings.ToLower(strings.TrimSpace(filter.NameQuery))

	var startAfter []any
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		if namePrefix != "" {
			sortKey, docID, err := pagination.DecodeCursor(token)
			if err != nil {
				return domain.CursorPage[domain.Dataset]{}, fmt.Errorf("dataset repository: %w", err)
			}
			startAfter = []any{sortKey, docID}
		} else {
			tokenTime, docID, err := pagination.DecodeTimeCursor(token)
			if err != nil {
				return domain.CursorPage[domain.Dataset]{}, fmt.Errorf("dataset repository: %w", err)
			}
			startAfter = []any{tokenTime, docID}
		}
	}

	var updatedAfter *time.Time
	if filter.UpdatedAfter != nil {
		value := filter.UpdatedAfter.UTC()
		if !value.IsZero() {
			updatedAfter = &value
		}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("ownerUid", "==", ownerID)

		if namePrefix != "" {
			q = q.Where("nameLower", ">=", namePrefix).
				Where("nameLower", "<", namePrefix+"\uf8ff").
				OrderBy("nameLower", firestore.Asc).
				OrderBy(firestore.DocumentID, firestore.Asc)
		} else {
			if updatedAfter != nil {
				q = q.Where("updatedAt", ">", *updatedAfter)
			}
			q = q.OrderBy("updatedAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		}

		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Dataset]{}, err
	}

	valueDocs := docs
	nextToken := ""
	if limit > 0 && len(valueDocs) == fetchLimit {
		last := valueDocs[len(valueDocs)-1]
		if namePrefix != "" {
			nextToken = pagination.EncodeCursor(last.Data.NameLower, last.ID)
		} else {
			tokenTime := last.Data.UpdatedAt
			if tokenTime.IsZero() {
				tokenTime = last.UpdateTime
			}
			nextToken = pagination.EncodeTimeCursor(tokenTime, last.ID)
		}
		valueDocs = valueDocs[:len(valueDocs)-1]
	}

	items := make([]domain.Dataset, 0, len(valueDocs))
	for _, doc := range valueDocs {
		items = append(items, decodeDatasetDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime))
	}

	return domain.CursorPage[domain.Dataset]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

type datasetDocument struct {
	OwnerRef    string               `firestore:"ownerRef"`
	OwnerUID    string               `firestore:"ownerUid"`
	Name        string               `firestore:"name"`
	NameLower   string               `firestore:"nameLower"`
	StoragePath string               `firestore:"storagePath"`
	Columns     []columnInfoDocument `firestore:"columns"`
	RowCount    int                  `firestore:"rowCount"`
	CreatedAt   time.Time            `firestore:"createdAt"`
	UpdatedAt   time.Time            `firestore:"updatedAt"`
}

type columnInfoDocument struct {
	Name    string   `firestore:"name"`
	Type    string   `firestore:"type"`
	Samples []string `firestore:"samples,omitempty"`
}

func encodeDatasetDocument(dataset domain.Dataset) datasetDocument {
	columns := make([]columnInfoDocument, 0, len(dataset.Columns))
	for _, col := range dataset.Columns {
		columns = append(columns, columnInfoDocument{
			Name:    col.Name,
			Type:    string(col.Type),
			Samples: cloneStrings(col.Samples),
		})
	}
	name := strings.TrimSpace(dataset.Name)
	return datasetDocument{
		OwnerRef:    ownerDocPath(dataset.OwnerID),
		OwnerUID:    strings.TrimSpace(dataset.OwnerID),
		Name:        name,
		NameLower:   strings.ToLower(name),
		StoragePath: strings.TrimSpace(dataset.StoragePath),
		Columns:     columns,
		RowCount:    dataset.RowCount,
		CreatedAt:   dataset.CreatedAt.UTC(),
		UpdatedAt:   dataset.UpdatedAt.UTC(),
	}
}

func decodeDatasetDocument(id string, doc datasetDocument, createdAt, updatedAt time.Time) domain.Dataset {
	columns := make([]domain.ColumnInfo, 0, len(doc.Columns))
	for _, col := range doc.Columns {
		columns = append(columns, domain.ColumnInfo{
			Name:    col.Name,
			Type:    domain.DataType(col.Type),
			Samples: cloneStrings(col.Samples),
		})
	}
	if len(columns) == 0 {
		columns = nil
	}
	return domain.Dataset{
		ID:          strings.TrimSpace(id),
		Name:        strings.TrimSpace(doc.Name),
		OwnerID:     extractOwner(doc.OwnerRef, doc.OwnerUID),
		StoragePath: strings.TrimSpace(doc.StoragePath),
		Columns:     columns,
		RowCount:    doc.RowCount,
		CreatedAt:   chooseTime(doc.CreatedAt, createdAt),
		UpdatedAt:   chooseTime(doc.UpdatedAt, updatedAt),
	}
}

var _ repositories.DatasetRepository = (*DatasetRepository)(nil)
