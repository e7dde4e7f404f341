// Package servermgr coordinates database access between project items.
//
// The Manager publishes database URLs as short-lived loopback servers, one per Session, and
// keeps a turn queue per database so that writers commit in the order the scheduler chose.
// Items talk to it over HTTP through a Client, so the manager may run embedded in the CLI
// process or standalone.
package servermgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/leapstack-labs/leapflow/internal/datastore"
	"github.com/leapstack-labs/leapflow/pkg/dburl"
	"golang.org/x/sync/errgroup"
)

// EventKind names an observable queue or database event.
type EventKind string

// Event kinds.
const (
	EventCheckin       EventKind = "checkin"
	EventCheckout      EventKind = "checkout"
	EventQuickCheckout EventKind = "quick_checkout"
	EventCommit        EventKind = "commit"
)

// Event is reported to the event hook as it happens. Queue events of one target are
// reported in the order they take effect.
type Event struct {
	Kind EventKind
	// Target is the database URL without filters.
	Target  string
	Writer  string
	Message string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithEventHook registers fn to observe events. fn must not block.
func WithEventHook(fn func(Event)) Option {
	return func(m *Manager) { m.hook = fn }
}

// Manager owns the turn queues and the open database servers.
type Manager struct {
	logger *slog.Logger
	hook   func(Event)

	mu      sync.Mutex
	queues  map[string]*queue
	servers map[string]*dbServer

	// openMu serializes database opens, which may run migrations.
	openMu sync.Mutex

	srv  *http.Server
	addr string
}

// NewManager creates a manager. Call Start or Serve to accept clients.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:  slog.New(slog.DiscardHandler),
		queues:  make(map[string]*queue),
		servers: make(map[string]*dbServer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handler returns the control API.
func (m *Manager) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/servers", m.handleOpen)
	r.Delete("/servers/{id}", m.handleClose)
	r.Post("/quick-checkout", m.handleQuickCheckout)
	return r
}

// Start listens on addr ("127.0.0.1:0" when empty) in the background and returns the control
// address clients connect to.
func (m *Manager) Start(addr string) (string, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	m.srv = &http.Server{Handler: m.Handler(), ReadHeaderTimeout: 10 * time.Second}
	m.addr = "http://" + ln.Addr().String()

	go func() {
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("server manager stopped", slog.Any("error", err))
		}
	}()
	m.logger.Debug("server manager listening", slog.String("addr", m.addr))
	return m.addr, nil
}

// Serve runs the manager until ctx is cancelled.
func (m *Manager) Serve(ctx context.Context, addr string) error {
	if _, err := m.Start(addr); err != nil {
		return err
	}
	m.logger.Info("server manager started", slog.String("addr", m.addr))

	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.logger.Debug("shutting down server manager...")
		return m.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

// Addr returns the control address, or "" before Start.
func (m *Manager) Addr() string {
	return m.addr
}

// Shutdown closes every open database server and stops the control API.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	servers := make([]*dbServer, 0, len(m.servers))
	for id, s := range m.servers {
		servers = append(servers, s)
		delete(m.servers, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range servers {
		errs = append(errs, s.close(ctx))
	}
	if m.srv != nil {
		errs = append(errs, m.srv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func (m *Manager) emit(e Event) {
	if m.hook != nil {
		m.hook(e)
	}
}

// queue returns the turn queue of the database behind url, creating it on first use.
func (m *Manager) queue(url string) *queue {
	key := dburl.Strip(url)
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[key]
	if !ok {
		q = newQueue(key, m.emit)
		m.queues[key] = q
	}
	return q
}

func (m *Manager) open(ctx context.Context, req openRequest) (*openResponse, error) {
	m.openMu.Lock()
	store, err := datastore.Open(ctx, req.URL, m.logger)
	m.openMu.Unlock()
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	s := &dbServer{
		id:       uuid.NewString(),
		url:      req.URL,
		store:    store,
		queue:    m.queue(req.URL),
		ordering: req.Ordering,
		logger:   m.logger.With(slog.String("db", dburl.Redact(req.URL))),
		emit:     m.emit,
	}
	s.http = &http.Server{Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("database server stopped", slog.Any("error", err))
		}
	}()

	m.mu.Lock()
	m.servers[s.id] = s
	m.mu.Unlock()

	serverURL := "http://" + ln.Addr().String()
	s.logger.Debug("database published", slog.String("server", serverURL))
	return &openResponse{ID: s.id, ServerURL: serverURL}, nil
}

func (m *Manager) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := m.open(r.Context(), req)
	if err != nil {
		var dialectErr *datastore.UnsupportedDialectError
		if errors.As(err, &dialectErr) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (m *Manager) handleClose(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m.mu.Lock()
	s, ok := m.servers[id]
	delete(m.servers, id)
	m.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no open server %s", id))
		return
	}
	if err := s.close(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (m *Manager) handleQuickCheckout(w http.ResponseWriter, r *http.Request) {
	var req quickCheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	m.queue(req.URL).quickCheckout(req.Ordering, req.Holder)
	writeJSON(w, http.StatusNoContent, nil)
}
