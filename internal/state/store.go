// Package state records the history of project runs: one row per run and one per executed
// item.
package state

import "github.com/leapstack-labs/leapflow/pkg/core"

// Aliases of the run history types, which live in pkg/core so the engine can depend on the
// interface only.
type (
	Store     = core.Store
	RunStatus = core.RunStatus
	Run       = core.Run
	ItemRun   = core.ItemRun
)

// Run status constants.
const (
	RunStatusRunning   = core.RunStatusRunning
	RunStatusCompleted = core.RunStatusCompleted
	RunStatusFailed    = core.RunStatusFailed
	RunStatusCancelled = core.RunStatusCancelled
)

var _ Store = (*SQLiteStore)(nil)

// StateRunning marks an item run that has not finished.
const StateRunning core.FinishState = "RUNNING"
