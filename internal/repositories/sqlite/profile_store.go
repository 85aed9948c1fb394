package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/formbridge/api/internal/domain"
)

// ErrProfileNotFound is returned when no stored profile carries the
// requested name.
var ErrProfileNotFound = errors.New("profile not found")

// ProfileStore persists mapping profiles in a local sqlite database. It backs
// the formfill command line tool; the API keeps its profiles in Firestore.
type ProfileStore struct {
	db *sql.DB
}

// Open creates the database file (and its directory) if needed and brings
// the schema up to date.
func Open(ctx context.Context, path string) (*ProfileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &ProfileStore{db: db}, nil
}

func (s *ProfileStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveProfile inserts the profile or, when the name is already taken,
// replaces that profile's contents while keeping its identifier and creation
// time. The stored row is returned.
func (s *ProfileStore) SaveProfile(ctx context.Context, profile domain.MappingProfile) (domain.MappingProfile, error) {
	name := strings.TrimSpace(profile.Name)
	if name == "" {
		return domain.MappingProfile{}, errors.New("profile name is required")
	}
	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now

	entries, err := json.Marshal(entryRecords(profile.Entries))
	if err != nil {
		return domain.MappingProfile{}, fmt.Errorf("encode entries: %w", err)
	}
	var options any
	if profile.Options != nil {
		raw, err := json.Marshal(optionsRecord(*profile.Options))
		if err != nil {
			return domain.MappingProfile{}, fmt.Errorf("encode options: %w", err)
		}
		options = string(raw)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO mapping_profiles(profile_id, name, target_key, owner_id, entries, options, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	target_key=excluded.target_key,
	owner_id=excluded.owner_id,
	entries=excluded.entries,
	options=excluded.options,
	updated_at=excluded.updated_at
`, profile.ID, name, profile.TargetKey, profile.OwnerID, string(entries), options, ts(profile.CreatedAt), ts(profile.UpdatedAt))
	if err != nil {
		return domain.MappingProfile{}, fmt.Errorf("upsert profile: %w", err)
	}
	return s.GetProfile(ctx, name)
}

// GetProfile looks a profile up by name.
func (s *ProfileStore) GetProfile(ctx context.Context, name string) (domain.MappingProfile, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT profile_id, name, target_key, owner_id, entries, options, created_at, updated_at
FROM mapping_profiles
WHERE name = ?
`, name)
	return scanProfile(row)
}

// ListProfiles returns every stored profile ordered by name.
func (s *ProfileStore) ListProfiles(ctx context.Context) ([]domain.MappingProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT profile_id, name, target_key, owner_id, entries, options, created_at, updated_at
FROM mapping_profiles
ORDER BY name
`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []domain.MappingProfile
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return profiles, nil
}

// DeleteProfile removes a profile by name.
func (s *ProfileStore) DeleteProfile(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mapping_profiles WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if n == 0 {
		return ErrProfileNotFound
	}
	return nil
}

type profileEntryRecord struct {
	Selector   string   `json:"selector"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type fillOptionsRecord struct {
	SkipFilled  bool  `json:"skipFilled"`
	StopOnError bool  `json:"stopOnError"`
	RowDelayMS  int64 `json:"rowDelayMs,omitempty"`
}

func entryRecords(entries domain.ProfileEntries) map[string]profileEntryRecord {
	records := make(map[string]profileEntryRecord, len(entries))
	for column, entry := range entries {
		records[column] = profileEntryRecord{Selector: entry.Selector, Confidence: entry.Confidence}
	}
	return records
}

func optionsRecord(opts domain.FillOptions) fillOptionsRecord {
	return fillOptionsRecord{
		SkipFilled:  opts.SkipFilled,
		StopOnError: opts.StopOnError,
		RowDelayMS:  opts.RowDelay.Milliseconds(),
	}
}

func (r fillOptionsRecord) fillOptions() domain.FillOptions {
	return domain.FillOptions{
		SkipFilled:  r.SkipFilled,
		StopOnError: r.StopOnError,
		RowDelay:    time.Duration(r.RowDelayMS) * time.Millisecond,
	}
}

func scanProfile(scanner interface{ Scan(dest ...any) error }) (domain.MappingProfile, error) {
	var (
		profile     domain.MappingProfile
		entriesJSON string
		optionsJSON sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := scanner.Scan(&profile.ID, &profile.Name, &profile.TargetKey, &profile.OwnerID, &entriesJSON, &optionsJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MappingProfile{}, ErrProfileNotFound
	}
	if err != nil {
		return domain.MappingProfile{}, fmt.Errorf("scan profile: %w", err)
	}

	var records map[string]profileEntryRecord
	if err := json.Unmarshal([]byte(entriesJSON), &records); err != nil {
		return domain.MappingProfile{}, fmt.Errorf("decode entries: %w", err)
	}
	profile.Entries = make(domain.ProfileEntries, len(records))
	for column, rec := range records {
		profile.Entries[column] = domain.ProfileEntry{Selector: rec.Selector, Confidence: rec.Confidence}
	}

	if optionsJSON.Valid && optionsJSON.String != "" {
		var rec fillOptionsRecord
		if err := json.Unmarshal([]byte(optionsJSON.String), &rec); err != nil {
			return domain.MappingProfile{}, fmt.Errorf("decode options: %w", err)
		}
		opts := rec.fillOptions()
		profile.Options = &opts
	}

	if profile.CreatedAt, err = parseTS(createdAt); err != nil {
		return domain.MappingProfile{}, fmt.Errorf("parse created_at: %w", err)
	}
	if profile.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return domain.MappingProfile{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return profile, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}
