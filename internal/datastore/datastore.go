// Package datastore implements the entity/parameter database the workbench items read from
// and write to. A Store is one open session on one database URL: imports accumulate in a
// transaction until CommitSession or RollbackSession ends it.
package datastore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/leapstack-labs/leapflow/pkg/dburl"
	"github.com/leapstack-labs/leapflow/pkg/filterconfig"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // sqlite driver
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNothingToCommit is returned by CommitSession when the session holds no changes.
var ErrNothingToCommit = errors.New("nothing to commit")

// UnsupportedDialectError is returned when a URL names a database the store cannot host.
type UnsupportedDialectError struct {
	Dialect string
}

func (e *UnsupportedDialectError) Error() string {
	return fmt.Sprintf("unsupported database dialect %q: only sqlite databases can be opened for writing", e.Dialect)
}

// Commit is one entry of the commit history.
type Commit struct {
	ID        int64     `json:"id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is an open database session.
type Store struct {
	db      *sql.DB
	url     string
	filters []*filterconfig.Config
	logger  *slog.Logger

	mu    sync.Mutex
	tx    *sql.Tx
	dirty bool
}

// Open opens the database at rawURL, creating and migrating it when needed. Filter configs
// referenced by the URL are loaded and applied to every export.
func Open(ctx context.Context, rawURL string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	u, err := dburl.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Dialect != "sqlite" {
		return nil, &UnsupportedDialectError{Dialect: u.Dialect}
	}
	filters, err := filterconfig.LoadAll(u.Filters)
	if err != nil {
		return nil, fmt.Errorf("failed to load filters: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(u.Path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	dsn := u.Path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := newStore(db, rawURL, filters, logger)
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Debug("database opened", slog.String("url", dburl.Redact(rawURL)), slog.Int("filters", len(filters)))
	return s, nil
}

func newStore(db *sql.DB, url string, filters []*filterconfig.Config, logger *slog.Logger) *Store {
	return &Store{db: db, url: url, filters: filters, logger: logger}
}

func (s *Store) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// URL returns the URL the store was opened with, filters included.
func (s *Store) URL() string {
	return s.url
}

// Close rolls back any uncommitted changes and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
		s.dirty = false
	}
	return s.db.Close()
}

// HasPendingChanges reports whether the session holds uncommitted changes.
func (s *Store) HasPendingChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// CommitSession stamps all pending changes with a new commit and makes them durable.
func (s *Store) CommitSession(ctx context.Context, message string) (*Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil || !s.dirty {
		return nil, ErrNothingToCommit
	}

	c := &Commit{Message: message, CreatedAt: time.Now().UTC()}
	res, err := s.tx.ExecContext(ctx,
		`INSERT INTO commits (message, created_at) VALUES (?, ?)`,
		c.Message, c.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commit: %w", err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read commit id: %w", err)
	}
	for _, table := range []string{"entity_classes", "entities", "alternatives", "parameter_definitions", "parameter_values"} {
		if _, err := s.tx.ExecContext(ctx, `UPDATE `+table+` SET commit_id = ? WHERE commit_id IS NULL`, c.ID); err != nil { //nolint:gosec // table names are constants
			return nil, fmt.Errorf("failed to stamp %s: %w", table, err)
		}
	}
	if err := s.tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session: %w", err)
	}
	s.tx = nil
	s.dirty = false

	s.logger.Debug("session committed", slog.Int64("commit", c.ID), slog.String("message", message))
	return c, nil
}

// RollbackSession discards all pending changes. Rolling back a clean session is a no-op.
func (s *Store) RollbackSession(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	s.dirty = false
	if err != nil {
		return fmt.Errorf("failed to roll back session: %w", err)
	}
	s.logger.Debug("session rolled back")
	return nil
}

// Commits returns the committed history, oldest first.
func (s *Store) Commits(ctx context.Context) ([]Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.queryer().QueryContext(ctx, `SELECT id, message, created_at FROM commits ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list commits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Commit
	for rows.Next() {
		var c Commit
		var created string
		if err := rows.Scan(&c.ID, &c.Message, &created); err != nil {
			return nil, fmt.Errorf("failed to scan commit: %w", err)
		}
		if c.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("invalid commit time %q: %w", created, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// queryer returns the open transaction, or the database when there is none.
// Callers hold s.mu.
func (s *Store) queryer() queryer {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// begin returns the session transaction, starting it on first use. Callers hold s.mu.
func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	// The transaction outlives the request that started it.
	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin session: %w", err)
	}
	s.tx = tx
	return tx, nil
}
