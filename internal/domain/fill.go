package domain

import "time"

// FillRunStatus describes lifecycle states for fill runs.
type FillRunStatus string

const (
	// FillRunStatusQueued indicates the run is accepted but not yet executing.
	FillRunStatusQueued FillRunStatus = "queued"
	// FillRunStatusRunning indicates rows are actively being filled.
	FillRunStatusRunning FillRunStatus = "running"
	// FillRunStatusCompleted indicates all rows were processed.
	FillRunStatusCompleted FillRunStatus = "completed"
	// FillRunStatusStopped indicates the run was cancelled cooperatively.
	FillRunStatusStopped FillRunStatus = "stopped"
	// FillRunStatusFailed indicates the run aborted on an infrastructure error.
	FillRunStatusFailed FillRunStatus = "failed"
)

// RunProgress tracks how far a batch has advanced.
type RunProgress struct {
	Current int
	Total   int
}

// RunTotals aggregates fill counts across all processed rows.
type RunTotals struct {
	Filled int
	Errors int
}

// FillRun records one batch execution over a dataset against a field set.
type FillRun struct {
	ID             string
	RunNumber      string
	OwnerID        string
	DatasetID      string
	FieldSetID     string
	ProfileID      *string
	IdempotencyKey string
	Status         FillRunStatus
	Mapping        Mapping
	Options        FillOptions
	Progress       RunProgress
	Totals         RunTotals
	RowErrors      []FillError
	ArtifactPrefix string
	FailureReason  string
	StartedAt      *time.Time
	FinishedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
