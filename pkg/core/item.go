package core

import (
	"context"
	"sync"
)

// FinishState is the outcome of one item execution.
type FinishState string

// Finish states.
const (
	FinishSuccess FinishState = "SUCCESS"
	FinishFailure FinishState = "FAILURE"
	FinishSkipped FinishState = "SKIPPED"
	// FinishExcluded marks items the scheduler never executed because an upstream item failed.
	FinishExcluded FinishState = "EXCLUDED"
)

// Item type names as they appear in project files.
const (
	ItemTypeImporter       = "Importer"
	ItemTypeMerger         = "Merger"
	ItemTypeExporter       = "Exporter"
	ItemTypeTransformer    = "Data Transformer"
	ItemTypeDataStore      = "Data Store"
	ItemTypeDataConnection = "Data Connection"
)

// ExecutableItem is the contract every project item implements.
//
// The scheduler calls Execute at most once per run and never concurrently with itself.
// forward holds resources from upstream producers, backward holds resources advertised
// by downstream consumers (typically target databases). lock is the process-wide gate
// shared by all writers.
type ExecutableItem interface {
	Name() string
	ItemType() string
	Execute(ctx context.Context, forward, backward []*Resource, lock sync.Locker) FinishState
	OutputResourcesForward() []*Resource
	OutputResourcesBackward() []*Resource
	// StopExecution cancels a running Execute. It must be safe to call at any time.
	StopExecution()
}

// Logger is the user-visible message sink items report through.
// Implementations are injected; items never log to globals.
type Logger interface {
	Msg(msg string)
	MsgWarning(msg string)
	MsgError(msg string)
	MsgSuccess(msg string)
}
