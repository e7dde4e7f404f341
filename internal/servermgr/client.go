package servermgr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/leapstack-labs/leapflow/internal/datastore"
	"github.com/leapstack-labs/leapflow/pkg/core"
	"github.com/leapstack-labs/leapflow/pkg/dburl"
)

// Client talks to a Manager at its control address.
type Client struct {
	addr   string
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a client for the manager at addr ("host:port" or an http URL). Requests
// carry no timeout because check-ins wait for other writers; bound them through the context.
func NewClient(addr string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{addr: addr, http: &http.Client{}, logger: logger}
}

// Addr returns the control address.
func (c *Client) Addr() string {
	return c.addr
}

// Open publishes url and returns a session on it. ordering may be nil for readers.
// The session must be closed.
func (c *Client) Open(ctx context.Context, url string, ordering *core.Ordering) (*Session, error) {
	var resp openResponse
	if err := c.do(ctx, http.MethodPost, c.addr+"/servers", openRequest{URL: url, Ordering: ordering}, &resp); err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dburl.Redact(url), err)
	}
	c.logger.Debug("session opened", slog.String("db", dburl.Redact(url)), slog.String("server", resp.ServerURL))
	return &Session{client: c, id: resp.ID, serverURL: resp.ServerURL, url: url, ordering: ordering}, nil
}

// QuickCheckout completes a writer that will not write to url. It is a no-op without ordering.
func (c *Client) QuickCheckout(ctx context.Context, url string, ordering *core.Ordering) error {
	return c.quickCheckout(ctx, url, ordering, "")
}

func (c *Client) quickCheckout(ctx context.Context, url string, ordering *core.Ordering, holder string) error {
	if ordering == nil {
		return nil
	}
	req := quickCheckoutRequest{URL: url, Ordering: ordering, Holder: holder}
	if err := c.do(ctx, http.MethodPost, c.addr+"/quick-checkout", req, nil); err != nil {
		return fmt.Errorf("failed to quick check out of %s: %w", dburl.Redact(url), err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusConflict {
		return datastore.ErrNothingToCommit
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Session is one open of one database. It is released by Close.
type Session struct {
	client    *Client
	id        string
	serverURL string
	url       string
	ordering  *core.Ordering

	mu       sync.Mutex
	finished bool
	closed   bool
}

// ServerURL returns the loopback URL the database is served at.
func (s *Session) ServerURL() string {
	return s.serverURL
}

// URL returns the database URL the session was opened on.
func (s *Session) URL() string {
	return s.url
}

// WaitTurn blocks until every writer ordered before this one has completed.
func (s *Session) WaitTurn(ctx context.Context) error {
	if err := s.call(ctx, http.MethodPost, "/turn", nil, nil); err != nil {
		return fmt.Errorf("failed to wait for turn: %w", err)
	}
	return nil
}

// Checkin blocks until it is this writer's turn and no other writer is checked in.
func (s *Session) Checkin(ctx context.Context) error {
	if err := s.call(ctx, http.MethodPost, "/checkin", nil, nil); err != nil {
		return fmt.Errorf("failed to check in: %w", err)
	}
	return nil
}

// Checkout releases the database. A final check-out completes this writer and lets the
// writers ordered after it proceed.
func (s *Session) Checkout(ctx context.Context, final bool) error {
	if err := s.call(ctx, http.MethodPost, "/checkout", checkoutRequest{Final: final}, nil); err != nil {
		return fmt.Errorf("failed to check out: %w", err)
	}
	if final {
		s.mu.Lock()
		s.finished = true
		s.mu.Unlock()
	}
	return nil
}

// ImportData writes data into the session. Per-record errors are returned as messages;
// err is set only when the request itself failed.
func (s *Session) ImportData(ctx context.Context, data *core.Data, onConflict string) (int, []string, error) {
	var resp importResponse
	if err := s.call(ctx, http.MethodPost, "/import", importRequest{Data: data, OnConflict: onConflict}, &resp); err != nil {
		return 0, nil, fmt.Errorf("failed to import data: %w", err)
	}
	return resp.Count, resp.Errors, nil
}

// ExportData reads the database as seen through its filters.
func (s *Session) ExportData(ctx context.Context) (*core.Data, error) {
	var data core.Data
	if err := s.call(ctx, http.MethodPost, "/export", struct{}{}, &data); err != nil {
		return nil, fmt.Errorf("failed to export data: %w", err)
	}
	return &data, nil
}

// CommitSession commits pending changes.
func (s *Session) CommitSession(ctx context.Context, message string) (*datastore.Commit, error) {
	var c datastore.Commit
	if err := s.call(ctx, http.MethodPost, "/commit", commitRequest{Message: message}, &c); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &c, nil
}

// RollbackSession discards pending changes.
func (s *Session) RollbackSession(ctx context.Context) error {
	if err := s.call(ctx, http.MethodPost, "/rollback", struct{}{}, nil); err != nil {
		return fmt.Errorf("failed to roll back: %w", err)
	}
	return nil
}

// Status reports the state of the served database.
func (s *Session) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := s.call(ctx, http.MethodGet, "/status", nil, &st); err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	return &st, nil
}

// HasPendingChanges reports whether the session holds uncommitted changes.
func (s *Session) HasPendingChanges(ctx context.Context) (bool, error) {
	st, err := s.Status(ctx)
	if err != nil {
		return false, err
	}
	return st.Pending, nil
}

// Commits lists the committed history.
func (s *Session) Commits(ctx context.Context) ([]datastore.Commit, error) {
	var out []datastore.Commit
	if err := s.call(ctx, http.MethodGet, "/commits", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list commits: %w", err)
	}
	return out, nil
}

// Close quick-checks-out a writer that has not completed and unpublishes the database.
// It runs even when ctx is already cancelled. Closing twice is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	finished := s.finished
	s.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	var qcErr error
	if !finished {
		qcErr = s.client.quickCheckout(ctx, s.url, s.ordering, s.id)
	}
	if err := s.client.do(ctx, http.MethodDelete, s.client.addr+"/servers/"+s.id, nil, nil); err != nil {
		return fmt.Errorf("failed to close %s: %w", dburl.Redact(s.url), err)
	}
	return qcErr
}

func (s *Session) call(ctx context.Context, method, path string, in, out any) error {
	return s.client.do(ctx, method, s.serverURL+path, in, out)
}
