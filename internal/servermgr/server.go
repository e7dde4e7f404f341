package servermgr

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/leapstack-labs/leapflow/internal/datastore"
	"github.com/leapstack-labs/leapflow/pkg/core"
	"github.com/leapstack-labs/leapflow/pkg/dburl"
)

// dbServer serves one open of one database for the lifetime of a Session.
type dbServer struct {
	id       string
	url      string
	store    *datastore.Store
	queue    *queue
	ordering *core.Ordering
	logger   *slog.Logger
	emit     func(Event)
	http     *http.Server
}

func (s *dbServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/turn", s.handleTurn)
	r.Post("/checkin", s.handleCheckin)
	r.Post("/checkout", s.handleCheckout)
	r.Post("/import", s.handleImport)
	r.Post("/export", s.handleExport)
	r.Post("/commit", s.handleCommit)
	r.Post("/rollback", s.handleRollback)
	r.Get("/status", s.handleStatus)
	r.Get("/commits", s.handleCommits)
	return r
}

func (s *dbServer) handleTurn(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.waitTurn(r.Context(), s.ordering); err != nil {
		writeError(w, http.StatusRequestTimeout, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *dbServer) handleCheckin(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("checkin requested", slog.String("writer", writerID(s.ordering, s.id)))
	if err := s.queue.checkin(r.Context(), s.ordering, s.id); err != nil {
		writeError(w, http.StatusRequestTimeout, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *dbServer) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.queue.checkout(s.ordering, s.id, req.Final)
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *dbServer) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	count, errs := s.store.ImportData(r.Context(), req.Data, req.OnConflict)
	writeJSON(w, http.StatusOK, importResponse{Count: count, Errors: errs})
}

func (s *dbServer) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.store.ExportData(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *dbServer) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	c, err := s.store.CommitSession(r.Context(), req.Message)
	if errors.Is(err, datastore.ErrNothingToCommit) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.emit(Event{Kind: EventCommit, Target: s.queue.target, Writer: writerID(s.ordering, s.id), Message: c.Message})
	writeJSON(w, http.StatusOK, c)
}

func (s *dbServer) handleRollback(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RollbackSession(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *dbServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Status{
		URL:     dburl.Redact(s.url),
		Pending: s.store.HasPendingChanges(),
		Holder:  s.queue.currentHolder(),
	})
}

func (s *dbServer) handleCommits(w http.ResponseWriter, r *http.Request) {
	commits, err := s.store.Commits(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, commits)
}

// close stops serving, frees the queue if this server still holds it and closes the database.
func (s *dbServer) close(_ context.Context) error {
	err := s.http.Close()
	s.queue.release(s.id)
	return errors.Join(err, s.store.Close())
}
