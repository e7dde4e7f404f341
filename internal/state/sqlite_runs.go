package state

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leapstack-labs/leapflow/pkg/core"
)

const runColumns = `id, project, status, started_at, completed_at, error`

const itemRunColumns = `id, run_id, item_name, item_type, state, started_at, completed_at, error`

// CreateRun starts a run of project.
func (s *SQLiteStore) CreateRun(project string) (*Run, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}
	run := &Run{
		ID:        generateID(),
		Project:   project,
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	s.logger.Debug("creating run", slog.String("id", run.ID), slog.String("project", project))

	_, err := s.db.Exec(
		`INSERT INTO runs (id, project, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Project, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// GetRun returns the run with id.
func (s *SQLiteStore) GetRun(id string) (*Run, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}
	run, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// CompleteRun finishes a run.
func (s *SQLiteStore) CompleteRun(id string, status RunStatus, errMsg string) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	result, err := s.db.Exec(
		`UPDATE runs SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
		string(status), time.Now().UTC(), nullString(errMsg), id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// GetLatestRun returns the most recent run of project, or nil when there is none.
func (s *SQLiteStore) GetLatestRun(project string) (*Run, error) {
	runs, err := s.ListRuns(project, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return runs[0], nil
}

// ListRuns returns the latest runs of project, newest first. An empty project lists all.
func (s *SQLiteStore) ListRuns(project string, limit int) ([]*Run, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}
	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM runs WHERE ? = '' OR project = ? ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		project, project, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RecordItemRun inserts itemRun, assigning its ID and start time when unset.
func (s *SQLiteStore) RecordItemRun(itemRun *ItemRun) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	if itemRun.ID == "" {
		itemRun.ID = generateID()
	}
	if itemRun.StartedAt.IsZero() {
		itemRun.StartedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO item_runs (id, run_id, item_name, item_type, state, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		itemRun.ID, itemRun.RunID, itemRun.ItemName, itemRun.ItemType, string(itemRun.State), itemRun.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record item run: %w", err)
	}
	return nil
}

// UpdateItemRun stores the final state of an item run.
func (s *SQLiteStore) UpdateItemRun(id string, state core.FinishState, errMsg string) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	_, err := s.db.Exec(
		`UPDATE item_runs SET state = ?, completed_at = ?, error = ? WHERE id = ?`,
		string(state), time.Now().UTC(), nullString(errMsg), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update item run: %w", err)
	}
	return nil
}

// GetItemRunsForRun returns the item runs of a run in start order.
func (s *SQLiteStore) GetItemRunsForRun(runID string) ([]*ItemRun, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}
	rows, err := s.db.Query(`SELECT `+itemRunColumns+` FROM item_runs WHERE run_id = ? ORDER BY started_at, rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get item runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ItemRun
	for rows.Next() {
		var (
			ir          ItemRun
			state       string
			completedAt sql.NullTime
			errMsg      sql.NullString
		)
		if err := rows.Scan(&ir.ID, &ir.RunID, &ir.ItemName, &ir.ItemType, &state, &ir.StartedAt, &completedAt, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan item run: %w", err)
		}
		ir.State = core.FinishState(state)
		if completedAt.Valid {
			ir.CompletedAt = &completedAt.Time
		}
		ir.Error = errMsg.String
		out = append(out, &ir)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run         Run
		status      string
		completedAt sql.NullTime
		errMsg      sql.NullString
	)
	if err := row.Scan(&run.ID, &run.Project, &status, &run.StartedAt, &completedAt, &errMsg); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	run.Error = errMsg.String
	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
