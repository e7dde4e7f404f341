package state

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store := NewSQLiteStore(nil)
	if err := store.Open(":memory:"); err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_OpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	store := NewSQLiteStore(nil)
	if err := store.Open(path); err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	// migrations are idempotent
	if err := store.InitSchema(); err != nil {
		t.Fatalf("failed to re-run migrations: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestSQLiteStore_NotOpened(t *testing.T) {
	store := NewSQLiteStore(nil)
	if _, err := store.CreateRun("p"); err == nil {
		t.Error("expected an error from an unopened store")
	}
	if err := store.InitSchema(); err == nil {
		t.Error("expected an error from an unopened store")
	}
}

func TestSQLiteStore_RunLifecycle(t *testing.T) {
	tests := []struct {
		name       string
		status     RunStatus
		errMsg     string
		wantErrMsg string
	}{
		{"completed", RunStatusCompleted, "", ""},
		{"failed", RunStatusFailed, "Importer failed", "Importer failed"},
		{"cancelled", RunStatusCancelled, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupTestStore(t)
			run, err := store.CreateRun("demo")
			if err != nil {
				t.Fatalf("failed to create run: %v", err)
			}
			if run.Status != RunStatusRunning {
				t.Errorf("expected status running, got %q", run.Status)
			}

			if err := store.CompleteRun(run.ID, tt.status, tt.errMsg); err != nil {
				t.Fatalf("failed to complete run: %v", err)
			}
			got, err := store.GetRun(run.ID)
			if err != nil {
				t.Fatalf("failed to get run: %v", err)
			}
			if got.Status != tt.status {
				t.Errorf("expected status %q, got %q", tt.status, got.Status)
			}
			if got.Error != tt.wantErrMsg {
				t.Errorf("expected error %q, got %q", tt.wantErrMsg, got.Error)
			}
			if got.CompletedAt == nil {
				t.Error("expected completed_at to be set")
			}
			if got.Project != "demo" {
				t.Errorf("expected project demo, got %q", got.Project)
			}
		})
	}
}

func TestSQLiteStore_UnknownRun(t *testing.T) {
	store := setupTestStore(t)
	if _, err := store.GetRun("missing"); err == nil {
		t.Error("expected an error for an unknown run")
	}
	if err := store.CompleteRun("missing", RunStatusCompleted, ""); err == nil {
		t.Error("expected an error for an unknown run")
	}
}

func TestSQLiteStore_ListRuns(t *testing.T) {
	store := setupTestStore(t)
	var ids []string
	for _, project := range []string{"a", "b", "a"} {
		run, err := store.CreateRun(project)
		if err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
		ids = append(ids, run.ID)
	}

	runs, err := store.ListRuns("a", 10)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != ids[2] {
		t.Errorf("expected newest run first")
	}

	all, err := store.ListRuns("", 2)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected limit to apply, got %d runs", len(all))
	}

	latest, err := store.GetLatestRun("b")
	if err != nil {
		t.Fatalf("failed to get latest run: %v", err)
	}
	if latest == nil || latest.ID != ids[1] {
		t.Errorf("unexpected latest run %+v", latest)
	}
	none, err := store.GetLatestRun("c")
	if err != nil || none != nil {
		t.Errorf("expected no run, got %+v, %v", none, err)
	}
}

func TestSQLiteStore_ItemRuns(t *testing.T) {
	store := setupTestStore(t)
	run, err := store.CreateRun("demo")
	if err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	importer := &ItemRun{RunID: run.ID, ItemName: "Import", ItemType: core.ItemTypeImporter, State: "running"}
	merger := &ItemRun{RunID: run.ID, ItemName: "Merge", ItemType: core.ItemTypeMerger, State: "running"}
	for _, ir := range []*ItemRun{importer, merger} {
		if err := store.RecordItemRun(ir); err != nil {
			t.Fatalf("failed to record item run: %v", err)
		}
		if ir.ID == "" {
			t.Fatal("expected an item run id")
		}
	}
	if err := store.UpdateItemRun(importer.ID, core.FinishFailure, "boom"); err != nil {
		t.Fatalf("failed to update item run: %v", err)
	}
	if err := store.UpdateItemRun(merger.ID, core.FinishExcluded, ""); err != nil {
		t.Fatalf("failed to update item run: %v", err)
	}

	got, err := store.GetItemRunsForRun(run.ID)
	if err != nil {
		t.Fatalf("failed to get item runs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 item runs, got %d", len(got))
	}
	if got[0].ItemName != "Import" || got[0].State != core.FinishFailure || got[0].Error != "boom" {
		t.Errorf("unexpected first item run %+v", got[0])
	}
	if got[1].State != core.FinishExcluded || got[1].CompletedAt == nil {
		t.Errorf("unexpected second item run %+v", got[1])
	}
}

func TestSQLiteStore_CreateRunError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()
	mock.ExpectExec("INSERT INTO runs").WillReturnError(errors.New("disk full"))

	store := &SQLiteStore{db: db, logger: NewSQLiteStore(nil).logger}
	if _, err := store.CreateRun("demo"); err == nil {
		t.Error("expected the insert error to surface")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
