package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/oklog/ulid/v2"

	domain "github.com/formbridge/api/internal/domain"
	pfirestore "github.com/formbridge/api/internal/platform/firestore"
	"github.com/formbridge/api/internal/platform/pagination"
	"github.com/formbridge/api/internal/repositories"
)

const (
	auditLogsCollection     = "auditLogs"
	defaultAuditLogIDPrefix = "alog_"
)

// AuditLogRepository appends immutable audit trail entries.
type AuditLogRepository struct {
	base  *pfirestore.BaseRepository[auditLogDocument]
	clock func() time.Time
	newID func() string
}

// AuditLogRepositoryOption customises the repository behaviour.
type AuditLogRepositoryOption func(*AuditLogRepository)

// WithAuditLogClock overrides the clock used by the repository.
func WithAuditLogClock(clock func() time.Time) AuditLogRepositoryOption {
	return func(r *AuditLogRepository) {
		if clock != nil {
			r.clock = func() time.Time { return clock().UTC() }
		}
	}
}

// WithAuditLogIDGenerator overrides the ID generator used by the repository.
func WithAuditLogIDGenerator(generator func() string) AuditLogRepositoryOption {
	return func(r *AuditLogRepository) {
		if generator != nil {
			r.newID = generator
		}
	}
}

// NewAuditLogRepository constructs a Firestore-backed audit log repository.
func NewAuditLogRepository(provider *pfirestore.Provider, opts ...AuditLogRepositoryOption) (*AuditLogRepository, error) {
	if provider == nil {
		return nil, errors.New("audit log repository: firestore provider is required")
	}
	repo := &AuditLogRepository{
		base: pfirestore.NewBaseRepository[auditLogDocument](provider, auditLogsCollection),
		clock: func() time.Time {
			return time.Now().UTC()
		},
		newID: func() string {
			return ulid.Make().String()
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

// Append stores a new entry. Entries are write-once; the document is created,
// never replaced.
func (r *AuditLogRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	if r == nil || r.base == nil {
		return errors.New("audit log repository not initialised")
	}
	entryID := ensureAuditLogID(strings.TrimSpace(entry.ID), r.newID)
	docRef, err := r.base.DocumentRef(ctx, entryID)
	if err != nil {
		return err
	}
	doc := encodeAuditLogDocument(entry)
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = r.clock()
	}
	if _, err := docRef.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("audit_logs.append", err)
	}
	return nil
}

// List returns entries matching the filter ordered by creation time (newest
// first).
func (r *AuditLogRepository) List(ctx context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, errors.New("audit log repository not initialised")
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
			return domain.CursorPage[domain.AuditLogEntry]{}, fmt.Errorf("audit log repository: %w", err)
		}
		startAfter = []any{tokenTime, docID}
	}

	targetRef := strings.TrimSpace(filter.TargetRef)
	actor := strings.TrimSpace(filter.Actor)
	actorType := strings.TrimSpace(filter.ActorType)
	action := strings.TrimSpace(filter.Action)

	var createdFrom, createdTo *time.Time
	if filter.DateRange.From != nil {
		value := filter.DateRange.From.UTC()
		if !value.IsZero() {
			createdFrom = &value
		}
	}
	if filter.DateRange.To != nil {
		value := filter.DateRange.To.UTC()
		if !value.IsZero() {
			createdTo = &value
		}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if targetRef != "" {
			q = q.Where("targetRef", "==", targetRef)
		}
		if actor != "" {
			q = q.Where("actor", "==", actor)
		}
		if actorType != "" {
			q = q.Where("actorType", "==", actorType)
		}
		if action != "" {
			q = q.Where("action", "==", action)
		}
		if createdFrom != nil {
			q = q.Where("createdAt", ">=", *createdFrom)
		}
		if createdTo != nil {
			q = q.Where("createdAt", "<=", *createdTo)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, err
	}

	valueDocs := docs
	nextToken := ""
	if limit > 0 && len(valueDocs) == fetchLimit {
		last := valueDocs[len(valueDocs)-1]
		tokenTime := last.Data.CreatedAt
		if tokenTime.IsZero() {
			tokenTime = last.CreateTime
		}
		nextToken = pagination.EncodeTimeCursor(tokenTime, last.ID)
		valueDocs = valueDocs[:len(valueDocs)-1]
	}

	items := make([]domain.AuditLogEntry, 0, len(valueDocs))
	for _, doc := range valueDocs {
		items = append(items, decodeAuditLogDocument(doc.ID, doc.Data, doc.CreateTime))
	}

	return domain.CursorPage[domain.AuditLogEntry]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

type auditLogDocument struct {
	Actor     string         `firestore:"actor"`
	ActorType string         `firestore:"actorType,omitempty"`
	Action    string         `firestore:"action"`
	TargetRef string         `firestore:"targetRef,omitempty"`
	Metadata  map[string]any `firestore:"metadata,omitempty"`
	Diff      map[string]any `firestore:"diff,omitempty"`
	IPHash    string         `firestore:"ipHash,omitempty"`
	UserAgent string         `firestore:"userAgent,omitempty"`
	Severity  string         `firestore:"severity,omitempty"`
	RequestID string         `firestore:"requestId,omitempty"`
	CreatedAt time.Time      `firestore:"createdAt"`
}

func encodeAuditLogDocument(entry domain.AuditLogEntry) auditLogDocument {
	return auditLogDocument{
		Actor:     strings.TrimSpace(entry.Actor),
		ActorType: strings.TrimSpace(entry.ActorType),
		Action:    strings.TrimSpace(entry.Action),
		TargetRef: strings.TrimSpace(entry.TargetRef),
		Metadata:  cloneAnyMap(entry.Metadata),
		Diff:      cloneAnyMap(entry.Diff),
		IPHash:    strings.TrimSpace(entry.IPHash),
		UserAgent: strings.TrimSpace(entry.UserAgent),
		Severity:  strings.TrimSpace(entry.Severity),
		RequestID: strings.TrimSpace(entry.RequestID),
		CreatedAt: entry.CreatedAt.UTC(),
	}
}

func decodeAuditLogDocument(id string, doc auditLogDocument, createdAt time.Time) domain.AuditLogEntry {
	return domain.AuditLogEntry{
		ID:        strings.TrimSpace(id),
		Actor:     strings.TrimSpace(doc.Actor),
		ActorType: strings.TrimSpace(doc.ActorType),
		Action:    strings.TrimSpace(doc.Action),
		TargetRef: strings.TrimSpace(doc.TargetRef),
		Metadata:  cloneAnyMap(doc.Metadata),
		Diff:      cloneAnyMap(doc.Diff),
		IPHash:    strings.TrimSpace(doc.IPHash),
		UserAgent: strings.TrimSpace(doc.UserAgent),
		Severity:  strings.TrimSpace(doc.Severity),
		RequestID: strings.TrimSpace(doc.RequestID),
		CreatedAt: chooseTime(doc.CreatedAt, createdAt),
	}
}

func ensureAuditLogID(candidate string, generate func() string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		trimmed = generate()
	}
	if strings.HasPrefix(trimmed, defaultAuditLogIDPrefix) {
		return trimmed
	}
	return defaultAuditLogIDPrefix + trimmed
}

var _ repositories.AuditLogRepository = (*AuditLogRepository)(nil)
