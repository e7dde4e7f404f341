// Package engine executes the items of a project.
//
// Every item runs in its own goroutine once all of its predecessors have finished. Items
// downstream of a failed item are excluded, and the write turns they held in the orderings of
// their targets are released so the remaining writers can proceed.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/leapstack-labs/leapflow/internal/dag"
	"github.com/leapstack-labs/leapflow/internal/project"
	"github.com/leapstack-labs/leapflow/internal/servermgr"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

// Config holds engine configuration.
type Config struct {
	Project *project.Project
	// ManagerAddr is the server manager databases are opened through. Empty starts an
	// embedded manager that lives as long as the engine.
	ManagerAddr string
	// ManagerOptions configure the embedded manager.
	ManagerOptions []servermgr.Option
	// GAMSDir is where the importer looks for gdxdump.
	GAMSDir string
	// StrictWriteOrder rejects unindexed connections into targets with several writers.
	StrictWriteOrder bool
	// Store records run history (optional).
	Store core.Store
	// Loggers returns the message sink of an item (optional).
	Loggers func(item string) core.Logger
	// Logger is the structured logger (optional, uses discard if nil).
	Logger *slog.Logger
}

// Engine runs the items of one project.
type Engine struct {
	project *project.Project
	graph   *dag.Graph
	items   map[string]core.ExecutableItem
	manager *servermgr.Manager
	addr    string
	store   core.Store
	strict  bool
	loggers func(item string) core.Logger
	logger  *slog.Logger

	// writeLock is the gate every database writer takes around its check-in.
	writeLock sync.Mutex

	mu      sync.Mutex
	running map[string]core.ExecutableItem
	cancel  context.CancelFunc
}

// New builds the items of the project. Close the engine when done.
func New(cfg Config) (*Engine, error) {
	if cfg.Project == nil {
		return nil, fmt.Errorf("no project")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	graph, err := cfg.Project.Graph()
	if err != nil {
		return nil, err
	}
	if _, err := graph.TopologicalSort(); err != nil {
		return nil, fmt.Errorf("invalid project: %w", err)
	}

	e := &Engine{
		project: cfg.Project,
		graph:   graph,
		items:   make(map[string]core.ExecutableItem, len(cfg.Project.Items)),
		addr:    cfg.ManagerAddr,
		store:   cfg.Store,
		strict:  cfg.StrictWriteOrder,
		loggers: cfg.Loggers,
		logger:  logger,
		running: make(map[string]core.ExecutableItem),
	}
	if e.addr == "" {
		opts := append([]servermgr.Option{servermgr.WithLogger(logger)}, cfg.ManagerOptions...)
		e.manager = servermgr.NewManager(opts...)
		if e.addr, err = e.manager.Start(""); err != nil {
			return nil, fmt.Errorf("failed to start server manager: %w", err)
		}
	}

	env := project.Env{ManagerAddr: e.addr, GAMSDir: cfg.GAMSDir, Loggers: cfg.Loggers, Slog: logger}
	for _, name := range graph.Nodes() {
		item, err := cfg.Project.Build(name, env)
		if err != nil {
			_ = e.Close(context.Background())
			return nil, err
		}
		e.items[name] = item
	}
	logger.Debug("engine ready", slog.Int("items", len(e.items)), slog.String("server_manager", e.addr))
	return e, nil
}

// ManagerAddr returns the address of the server manager the engine uses.
func (e *Engine) ManagerAddr() string {
	return e.addr
}

// Graph returns the item graph.
func (e *Engine) Graph() *dag.Graph {
	return e.graph
}

// Item returns the named item.
func (e *Engine) Item(name string) (core.ExecutableItem, bool) {
	item, ok := e.items[name]
	return item, ok
}

// Stop cancels the current run and every item executing in it.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	for _, item := range e.running {
		item.StopExecution()
	}
}

// Close shuts down the embedded server manager.
func (e *Engine) Close(ctx context.Context) error {
	if e.manager == nil {
		return nil
	}
	return e.manager.Shutdown(ctx)
}

func (e *Engine) sink(item string) core.Logger {
	if e.loggers == nil {
		return nil
	}
	return e.loggers(item)
}

func (e *Engine) setRunning(name string, item core.ExecutableItem) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if item == nil {
		delete(e.running, name)
		return
	}
	e.running[name] = item
}
