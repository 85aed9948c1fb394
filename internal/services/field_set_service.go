package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/formbridge/api/internal/domain"
	"github.com/formbridge/api/internal/platform/pagination"
	"github.com/formbridge/api/internal/platform/storage"
	"github.com/formbridge/api/internal/repositories"
)

var (
	// ErrFieldSetInvalidInput indicates the caller provided invalid arguments.
	ErrFieldSetInvalidInput = errors.New("field_set: invalid input")
	// ErrFieldSetNotFound indicates the requested field set does not exist.
	ErrFieldSetNotFound = errors.New("field_set: not found")
	// ErrFieldSetConflict indicates the operation would conflict with existing state.
	ErrFieldSetConflict = errors.New("field_set: conflict")
	// ErrFieldSetAccessDenied indicates the actor does not own the field set.
	ErrFieldSetAccessDenied = errors.New("field_set: access denied")
	// ErrFieldSetRepositoryUnavailable signals that persistence dependencies are unavailable.
	ErrFieldSetRepositoryUnavailable = errors.New("field_set: repository unavailable")
	// ErrFieldSetScannerUnavailable indicates the scanner dependency was required but missing.
	ErrFieldSetScannerUnavailable = errors.New("field_set: scanner unavailable")
	// ErrFieldSetStorageUnavailable signals the payload store dependency is unavailable.
	ErrFieldSetStorageUnavailable = errors.New("field_set: object store unavailable")
)

const (
	fieldSetIDPrefix    = "fset_"
	maxFieldSetTitleLen = 160
	maxTargetKeyLen     = 200
	maxTemplateBytes    = int64(4 * 1024 * 1024)
	templateFileName    = "template.html"
)

// FieldSetServiceDeps wires dependencies for the field set service implementation.
type FieldSetServiceDeps struct {
	FieldSets   repositories.FieldSetRepository
	Scanner     FormScanner
	Store       ObjectStore
	Audit       AuditLogService
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(context.Context, string, map[string]any)
}

type fieldSetService struct {
	fieldSets repositories.FieldSetRepository
	scanner   FormScanner
	store     ObjectStore
	audit     AuditLogService
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

// NewFieldSetService constructs a FieldSetService backed by the provided dependencies.
func NewFieldSetService(deps FieldSetServiceDeps) (FieldSetService, error) {
	if deps.FieldSets == nil {
		return nil, errors.New("field set service: field sets repository is required")
	}
	if deps.Scanner == nil {
		return nil, errors.New("field set service: form scanner is required")
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

	return &fieldSetService{
		fieldSets: deps.FieldSets,
		scanner:   deps.Scanner,
		store:     deps.Store,
		audit:     deps.Audit,
		clock:     func() time.Time { return clock().UTC() },
		newID:     idGen,
		logger:    logger,
	}, nil
}

// ScanFieldSet detects fillable fields in the provided markup and persists the
// detection pass. The markup may arrive inline or reference a stored object.
func (s *fieldSetService) ScanFieldSet(ctx context.Context, cmd ScanFieldSetCommand) (FieldSet, error) {
	if s.fieldSets == nil {
		return FieldSet{}, ErrFieldSetRepositoryUnavailable
	}
	if s.scanner == nil {
		return FieldSet{}, ErrFieldSetScannerUnavailable
	}
	ownerID, targetKey, title, sourceURL, err := s.prepareScanParams(cmd)
	if err != nil {
		return FieldSet{}, err
	}

	raw := cmd.HTML
	storagePath := strings.TrimSpace(cmd.StoragePath)
	if len(raw) == 0 {
		if storagePath == "" {
			return FieldSet{}, fmt.Errorf("%w: html or storage_path is required", ErrFieldSetInvalidInput)
		}
		if s.store == nil {
			return FieldSet{}, ErrFieldSetStorageUnavailable
		}
		raw, err = s.store.Download(ctx, storagePath)
		if err != nil {
			return FieldSet{}, fmt.Errorf("%w: download %s: %v", ErrFieldSetStorageUnavailable, storagePath, err)
		}
	}
	if int64(len(raw)) > maxTemplateBytes {
		return FieldSet{}, fmt.Errorf("%w: markup exceeds maximum size (%d bytes)", ErrFieldSetInvalidInput, maxTemplateBytes)
	}

	fields, err := s.scanner.Scan(ctx, bytes.NewReader(raw))
	if err != nil {
		return FieldSet{}, fmt.Errorf("%w: %v", ErrFieldSetInvalidInput, err)
	}
	if len(fields) == 0 {
		return FieldSet{}, fmt.Errorf("%w: no fillable fields detected", ErrFieldSetInvalidInput)
	}

	now := s.now()
	fieldSetID := s.nextFieldSetID()

	// The template always lands at the canonical per-field-set path, even when
	// the markup arrived from a caller-provided object, so run execution can
	// re-derive it from the field set ID alone.
	templatePath := ""
	if s.store != nil {
		built, pathErr := storage.BuildObjectPath(storage.PurposeFormTemplate, storage.PathParams{
			FieldSetID: fieldSetID,
			FileName:   templateFileName,
		})
		if pathErr == nil {
			if uploadErr := s.store.Upload(ctx, built, "text/html", raw); uploadErr != nil {
				s.logger(ctx, "template upload failed", map[string]any{
					"fieldSetId": fieldSetID,
					"error":      uploadErr.Error(),
				})
			} else {
				templatePath = built
			}
		}
	}

	set := FieldSet{
		ID:        fieldSetID,
		TargetKey: targetKey,
		Title:     title,
		SourceURL: sourceURL,
		OwnerID:   ownerID,
		Fields:    sanitizeTargetFields(fields),
		ScannedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.fieldSets.Insert(ctx, set); err != nil {
		return FieldSet{}, s.mapRepositoryError(err)
	}

	s.recordFieldSetAudit(ctx, set, "field_set.scan", map[string]any{
		"fieldCount":   len(set.Fields),
		"templatePath": templatePath,
	})

	return set, nil
}

// RegisterFieldSet persists fields detected outside this service, e.g. by a
// browser extension scanning the live page.
func (s *fieldSetService) RegisterFieldSet(ctx context.Context, cmd RegisterFieldSetCommand) (FieldSet, error) {
	ownerID := strings.TrimSpace(cmd.OwnerID)
	if ownerID == "" {
		return FieldSet{}, fmt.Errorf("%w: owner_id is required", ErrFieldSetInvalidInput)
	}
	targetKey, err := normalizeTargetKey(cmd.TargetKey)
	if err != nil {
		return FieldSet{}, err
	}

	fields := sanitizeTargetFields(cmd.Fields)
	if len(fields) == 0 {
		return FieldSet{}, fmt.Errorf("%w: at least one field with a selector is required", ErrFieldSetInvalidInput)
	}

	now := s.now()
	scannedAt := now
	if cmd.ScannedAt != nil && !cmd.ScannedAt.IsZero() {
		scannedAt = cmd.ScannedAt.UTC()
	}

	title := strings.TrimSpace(cmd.Title)
	if len(title) > maxFieldSetTitleLen {
		title = title[:maxFieldSetTitleLen]
	}

	set := FieldSet{
		ID:        s.nextFieldSetID(),
		TargetKey: targetKey,
		Title:     title,
		SourceURL: strings.TrimSpace(cmd.SourceURL),
		OwnerID:   ownerID,
		Fields:    fields,
		ScannedAt: scannedAt,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.fieldSets.Insert(ctx, set); err != nil {
		return FieldSet{}, s.mapRepositoryError(err)
	}

	s.recordFieldSetAudit(ctx, set, "field_set.register", map[string]any{
		"fieldCount": len(set.Fields),
	})

	return set, nil
}

// GetFieldSet fetches a single field set by ID.
func (s *fieldSetService) GetFieldSet(ctx context.Context, fieldSetID string) (FieldSet, error) {
	if s.fieldSets == nil {
		return FieldSet{}, ErrFieldSetRepositoryUnavailable
	}
	fieldSetID = strings.TrimSpace(fieldSetID)
	if fieldSetID == "" {
		return FieldSet{}, fmt.Errorf("%w: field_set_id is required", ErrFieldSetInvalidInput)
	}
	set, err := s.fieldSets.FindByID(ctx, fieldSetID)
	if err != nil {
		return FieldSet{}, s.mapRepositoryError(err)
	}
	return set, nil
}

// GetByTargetKey returns the newest detection pass for a target environment.
func (s *fieldSetService) GetByTargetKey(ctx context.Context, ownerID string, targetKey string) (FieldSet, error) {
	if s.fieldSets == nil {
		return FieldSet{}, ErrFieldSetRepositoryUnavailable
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return FieldSet{}, fmt.Errorf("%w: owner_id is required", ErrFieldSetInvalidInput)
	}
	key, err := normalizeTargetKey(targetKey)
	if err != nil {
		return FieldSet{}, err
	}
	set, err := s.fieldSets.FindByTargetKey(ctx, ownerID, key)
	if err != nil {
		return FieldSet{}, s.mapRepositoryError(err)
	}
	return set, nil
}

// ListFieldSets returns detection passes owned by a user, newest scan first.
func (s *fieldSetService) ListFieldSets(ctx context.Context, filter FieldSetListFilter) (domain.CursorPage[FieldSet], error) {
	if s.fieldSets == nil {
		return domain.CursorPage[FieldSet]{}, ErrFieldSetRepositoryUnavailable
	}
	ownerID := strings.TrimSpace(filter.OwnerID)
	if ownerID == "" {
		return domain.CursorPage[FieldSet]{}, fmt.Errorf("%w: owner_id is required", ErrFieldSetInvalidInput)
	}
	repoFilter := repositories.FieldSetListFilter{Pagination: filter.Pagination}
	if filter.TargetKey != nil {
		key, err := normalizeTargetKey(*filter.TargetKey)
		if err != nil {
			return domain.CursorPage[FieldSet]{}, err
		}
		repoFilter.TargetKey = &key
	}
	page, err := s.fieldSets.ListByOwner(ctx, ownerID, repoFilter)
	if err != nil {
		return domain.CursorPage[FieldSet]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// DeleteFieldSet removes a field set after confirming ownership.
func (s *fieldSetService) DeleteFieldSet(ctx context.Context, cmd DeleteFieldSetCommand) error {
	if s.fieldSets == nil {
		return ErrFieldSetRepositoryUnavailable
	}
	fieldSetID := strings.TrimSpace(cmd.FieldSetID)
	if fieldSetID == "" {
		return fmt.Errorf("%w: field_set_id is required", ErrFieldSetInvalidInput)
	}
	requestedBy := strings.TrimSpace(cmd.RequestedBy)
	if requestedBy == "" {
		return fmt.Errorf("%w: requested_by is required", ErrFieldSetInvalidInput)
	}

	set, err := s.fieldSets.FindByID(ctx, fieldSetID)
	if err != nil {
		return s.mapRepositoryError(err)
	}
	if set.OwnerID != "" && set.OwnerID != requestedBy {
		return fmt.Errorf("%w: field set %s", ErrFieldSetAccessDenied, fieldSetID)
	}

	if err := s.fieldSets.Delete(ctx, fieldSetID); err != nil {
		return s.mapRepositoryError(err)
	}

	s.recordFieldSetAudit(ctx, set, "field_set.delete", map[string]any{
		"requestedBy": requestedBy,
	})

	return nil
}

func (s *fieldSetService) now() time.Time {
	return s.clock()
}

func (s *fieldSetService) nextFieldSetID() string {
	return fieldSetIDPrefix + strings.ToLower(strings.TrimSpace(s.newID()))
}

func (s *fieldSetService) prepareScanParams(cmd ScanFieldSetCommand) (ownerID, targetKey, title, sourceURL string, err error) {
	ownerID = strings.TrimSpace(cmd.OwnerID)
	if ownerID == "" {
		return "", "", "", "", fmt.Errorf("%w: owner_id is required", ErrFieldSetInvalidInput)
	}
	targetKey, err = normalizeTargetKey(cmd.TargetKey)
	if err != nil {
		return "", "", "", "", err
	}
	title = strings.TrimSpace(cmd.Title)
	if len(title) > maxFieldSetTitleLen {
		title = title[:maxFieldSetTitleLen]
	}
	sourceURL = strings.TrimSpace(cmd.SourceURL)
	return ownerID, targetKey, title, sourceURL, nil
}

func (s *fieldSetService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pagination.ErrInvalidPageToken) {
		return fmt.Errorf("%w: %v", ErrFieldSetInvalidInput, err)
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrFieldSetNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrFieldSetConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrFieldSetRepositoryUnavailable, err)
		}
	}
	return err
}

func (s *fieldSetService) recordFieldSetAudit(ctx context.Context, set FieldSet, action string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:      set.OwnerID,
		ActorType:  "user",
		Action:     action,
		TargetRef:  fmt.Sprintf("/fieldSets/%s", set.ID),
		Severity:   "info",
		OccurredAt: s.now(),
		Metadata:   metadata,
	})
}

func normalizeTargetKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", fmt.Errorf("%w: target_key is required", ErrFieldSetInvalidInput)
	}
	if len(trimmed) > maxTargetKeyLen {
		return "", fmt.Errorf("%w: target_key exceeds %d characters", ErrFieldSetInvalidInput, maxTargetKeyLen)
	}
	return trimmed, nil
}

func sanitizeTargetFields(fields []TargetField) []TargetField {
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(fields))
	sanitized := make([]TargetField, 0, len(fields))
	for _, field := range fields {
		field.Selector = strings.TrimSpace(field.Selector)
		if field.Selector == "" {
			continue
		}
		if _, ok := seen[field.Selector]; ok {
			continue
		}
		seen[field.Selector] = struct{}{}
		sanitized = append(sanitized, field)
	}
	if len(sanitized) == 0 {
		return nil
	}
	return sanitized
}
