package domain

import "time"

// ColumnInfo summarizes one dataset column for matching and display.
type ColumnInfo struct {
	Name    string
	Type    DataType
	Samples []string
}

// Dataset stores metadata for an ingested tabular source. Row payloads live in
// object storage; only the column summary is persisted here.
type Dataset struct {
	ID          string
	Name        string
	OwnerID     string
	StoragePath string
	Columns     []ColumnInfo
	RowCount    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FieldSet captures one detection pass over a target form.
type FieldSet struct {
	ID        string
	TargetKey string
	Title     string
	SourceURL string
	OwnerID   string
	Fields    []TargetField
	ScannedAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProfileEntry persists one column assignment inside a saved profile.
// Confidence is optional; absent values default on restore.
type ProfileEntry struct {
	Selector   string
	Confidence *float64
}

// ProfileEntries relates column names to persisted assignments.
type ProfileEntries map[string]ProfileEntry

// MappingProfile is a named, persisted mapping for one target environment.
type MappingProfile struct {
	ID        string
	Name      string
	TargetKey string
	OwnerID   string
	Entries   ProfileEntries
	Options   *FillOptions
	CreatedAt time.Time
	UpdatedAt time.Time
}
