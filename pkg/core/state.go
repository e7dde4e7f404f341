package core

import "time"

// Store defines the interface for run history persistence.
type Store interface {
	Open(path string) error
	Close() error
	InitSchema() error

	// Run operations
	CreateRun(project string) (*Run, error)
	GetRun(id string) (*Run, error)
	CompleteRun(id string, status RunStatus, errMsg string) error
	GetLatestRun(project string) (*Run, error)
	ListRuns(project string, limit int) ([]*Run, error)

	// Item run operations
	RecordItemRun(itemRun *ItemRun) error
	UpdateItemRun(id string, state FinishState, errMsg string) error
	GetItemRunsForRun(runID string) ([]*ItemRun, error)
}

// RunStatus represents the status of a project run.
type RunStatus string

// Run status constants.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run represents one execution of a project DAG.
type Run struct {
	ID          string
	Project     string
	Status      RunStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
}

// ItemRun represents the execution of a single item within a run.
type ItemRun struct {
	ID          string
	RunID       string
	ItemName    string
	ItemType    string
	State       FinishState
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
}
