// Package itemtest provides a server manager and databases for item tests.
package itemtest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leapstack-labs/leapflow/internal/servermgr"
	"github.com/leapstack-labs/leapflow/internal/testutil"
	"github.com/leapstack-labs/leapflow/pkg/core"
	"github.com/leapstack-labs/leapflow/pkg/dburl"
	"github.com/stretchr/testify/require"
)

// Env is a running server manager that records its events.
type Env struct {
	Addr   string
	Client *servermgr.Client

	mu     sync.Mutex
	events []servermgr.Event
}

// NewEnv starts a server manager that is shut down with the test.
func NewEnv(t *testing.T) *Env {
	t.Helper()
	env := &Env{}
	m := servermgr.NewManager(
		servermgr.WithLogger(testutil.NewTestLogger(t)),
		servermgr.WithEventHook(env.record),
	)
	addr, err := m.Start("")
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	env.Addr = addr
	env.Client = servermgr.NewClient(addr, testutil.NewTestLogger(t))
	return env
}

func (e *Env) record(ev servermgr.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

// Events returns the recorded events of kind, in order.
func (e *Env) Events(kind servermgr.EventKind) []servermgr.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []servermgr.Event
	for _, ev := range e.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Database returns the URL of a new, not yet created SQLite database.
func Database(t *testing.T, name string) string {
	t.Helper()
	return dburl.SQLite(filepath.Join(t.TempDir(), name+".sqlite"))
}

// Resource returns a database resource published through the env's manager.
func (e *Env) Resource(provider, url string, ordering *core.Ordering) *core.Resource {
	r := core.NewDatabaseResource(provider, url, "", e.Addr)
	if ordering != nil {
		r = r.WithMetadata(core.MetaOrdering, ordering)
	}
	return r
}

// Seed imports data into url and commits it.
func (e *Env) Seed(t *testing.T, url string, data *core.Data) {
	t.Helper()
	ctx := context.Background()
	s, err := e.Client.Open(ctx, url, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close(ctx)) }()

	_, errs, err := s.ImportData(ctx, data, "")
	require.NoError(t, err)
	require.Empty(t, errs)
	_, err = s.CommitSession(ctx, "seed")
	require.NoError(t, err)
}

// Export returns the committed data of url, sorted.
func (e *Env) Export(t *testing.T, url string) *core.Data {
	t.Helper()
	ctx := context.Background()
	s, err := e.Client.Open(ctx, url, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close(ctx)) }()

	data, err := s.ExportData(ctx)
	require.NoError(t, err)
	data.Sort()
	return data
}

// Commits returns the commit messages of url after the initial one, oldest first.
func (e *Env) Commits(t *testing.T, url string) []string {
	t.Helper()
	ctx := context.Background()
	s, err := e.Client.Open(ctx, url, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close(ctx)) }()

	commits, err := s.Commits(ctx)
	require.NoError(t, err)
	var out []string
	for _, c := range commits[1:] {
		out = append(out, c.Message)
	}
	return out
}

// Classes returns the names of the entity classes in data.
func Classes(data *core.Data) []string {
	var out []string
	for _, c := range data.EntityClasses {
		out = append(out, c.Name)
	}
	return out
}
