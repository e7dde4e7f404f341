package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leapstack-labs/leapflow/internal/dag"
	"github.com/leapstack-labs/leapflow/internal/items/dbwriter"
	"github.com/leapstack-labs/leapflow/internal/state"
	"github.com/leapstack-labs/leapflow/pkg/core"
	"golang.org/x/sync/errgroup"
)

// RunOptions select what a run executes.
type RunOptions struct {
	// Items limits the run to the named items. Empty runs everything.
	Items []string
	// Downstream adds everything downstream of Items.
	Downstream bool
}

// Result is the outcome of a run.
type Result struct {
	RunID string
	// Order is the order the items were scheduled in.
	Order  []string
	States map[string]core.FinishState
}

// Failed returns the items that failed, sorted.
func (r *Result) Failed() []string {
	var out []string
	for name, s := range r.States {
		if s == core.FinishFailure {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Excluded returns the items that were not executed, sorted.
func (r *Result) Excluded() []string {
	var out []string
	for name, s := range r.States {
		if s == core.FinishExcluded {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

type states struct {
	mu sync.Mutex
	m  map[string]core.FinishState
}

func (s *states) set(name string, st core.FinishState) {
	s.mu.Lock()
	s.m[name] = st
	s.mu.Unlock()
}

func (s *states) get(name string) core.FinishState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[name]
}

// run is the state of one Run call.
type run struct {
	id        string
	sub       *dag.Graph
	orderings orderings
	done      map[string]chan struct{}
	states    *states
}

// Run executes the project, or the selected part of it.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	names, err := e.selection(opts)
	if err != nil {
		return nil, err
	}
	sub := e.graph.Subgraph(names)
	order, err := sub.TopologicalSort()
	if err != nil {
		return nil, err
	}

	runID, err := e.startRun()
	if err != nil {
		return nil, err
	}
	e.logger.Info("starting run", slog.String("run_id", runID), slog.Int("items", len(order)))

	inRun := make(map[string]bool, len(order))
	for _, name := range order {
		inRun[name] = true
	}
	plan, err := planOrderings(runID, e.project, inRun, e.strict)
	if err != nil {
		e.completeRun(runID, core.RunStatusFailed, err.Error())
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
	}()

	r := &run{
		id:        runID,
		sub:       sub,
		orderings: plan,
		done:      make(map[string]chan struct{}, len(order)),
		states:    &states{m: make(map[string]core.FinishState, len(order))},
	}
	for _, name := range order {
		r.done[name] = make(chan struct{})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range order {
		g.Go(func() error {
			defer close(r.done[name])
			return e.runItem(gctx, r, name)
		})
	}
	runErr := g.Wait()

	result := &Result{RunID: runID, Order: order, States: r.states.m}
	switch {
	case runErr != nil:
		e.completeRun(runID, core.RunStatusFailed, runErr.Error())
	case ctx.Err() != nil:
		e.completeRun(runID, core.RunStatusCancelled, "stopped")
	case len(result.Failed()) > 0:
		e.completeRun(runID, core.RunStatusFailed, "failed items: "+strings.Join(result.Failed(), ", "))
	default:
		e.completeRun(runID, core.RunStatusCompleted, "")
	}
	e.logger.Info("run finished", slog.String("run_id", runID), slog.Any("failed", result.Failed()))
	return result, runErr
}

func (e *Engine) selection(opts RunOptions) ([]string, error) {
	if len(opts.Items) == 0 {
		return e.graph.Nodes(), nil
	}
	for _, name := range opts.Items {
		if !e.graph.HasNode(name) {
			return nil, fmt.Errorf("no item named %s", name)
		}
	}
	names := slices.Clone(opts.Items)
	if opts.Downstream {
		names = append(names, e.graph.Downstream(opts.Items...)...)
	}
	return names, nil
}

func (e *Engine) runItem(ctx context.Context, r *run, name string) error {
	excluded := ""
	for _, p := range r.sub.Predecessors(name) {
		select {
		case <-r.done[p]:
		case <-ctx.Done():
		}
		if st := r.states.get(p); st == core.FinishFailure || st == core.FinishExcluded {
			excluded = "upstream item " + p + " did not succeed"
		}
	}
	if excluded == "" && ctx.Err() != nil {
		excluded = "run stopped"
	}

	item := e.items[name]
	itemRun := e.recordStart(r.id, item)
	if excluded != "" {
		e.logger.Debug("excluding item", slog.String("item", name), slog.String("reason", excluded))
		e.release(ctx, r, name)
		r.states.set(name, core.FinishExcluded)
		e.recordFinish(itemRun, core.FinishExcluded, excluded)
		return nil
	}

	forward := e.forward(name)
	backward := e.backward(r, name)
	if sink := e.sink(name); sink != nil {
		sink.Msg(fmt.Sprintf("Executing %s %s", item.ItemType(), name))
	}
	e.logger.Info("executing item", slog.String("item", name), slog.String("type", item.ItemType()))

	e.setRunning(name, item)
	st := item.Execute(ctx, forward, backward, &e.writeLock)
	e.setRunning(name, nil)

	r.states.set(name, st)
	e.recordFinish(itemRun, st, "")
	e.logger.Info("item finished", slog.String("item", name), slog.String("state", string(st)))
	if sink := e.sink(name); sink != nil {
		switch st {
		case core.FinishSuccess:
			sink.MsgSuccess(fmt.Sprintf("%s finished", name))
		case core.FinishFailure:
			sink.MsgError(fmt.Sprintf("%s failed", name))
		}
	}
	return nil
}

// forward collects what the predecessors of name advertise. Predecessors outside the run
// advertise what they last produced.
func (e *Engine) forward(name string) []*core.Resource {
	var out []*core.Resource
	for _, p := range e.graph.Predecessors(name) {
		out = append(out, e.items[p].OutputResourcesForward()...)
	}
	return out
}

// backward collects what the successors of name advertise, with the write turn of name
// attached to every database.
func (e *Engine) backward(r *run, name string) []*core.Resource {
	var out []*core.Resource
	for _, s := range e.graph.Successors(name) {
		ordering := r.orderings.of(s, name)
		for _, res := range e.items[s].OutputResourcesBackward() {
			if res.Type == core.ResourceDatabase && ordering != nil {
				res = res.WithMetadata(core.MetaOrdering, ordering.Clone())
			}
			out = append(out, res)
		}
	}
	return out
}

// release gives up the write turns of an item that will not execute.
func (e *Engine) release(ctx context.Context, r *run, name string) {
	targets := core.FilterByType(e.backward(r, name), core.ResourceDatabase)
	var ordered []*core.Resource
	for _, t := range targets {
		if t.Ordering() != nil {
			ordered = append(ordered, t)
		}
	}
	if len(ordered) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := dbwriter.QuickCheckout(ctx, ordered, e.logger); err != nil {
		e.logger.Warn("failed to release write turns", slog.String("item", name), slog.Any("error", err))
	}
}

func (e *Engine) startRun() (string, error) {
	if e.store == nil {
		return uuid.NewString(), nil
	}
	run, err := e.store.CreateRun(e.project.Dir)
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	return run.ID, nil
}

func (e *Engine) completeRun(id string, status core.RunStatus, msg string) {
	if e.store == nil {
		return
	}
	if err := e.store.CompleteRun(id, status, msg); err != nil {
		e.logger.Warn("failed to complete run", slog.String("run_id", id), slog.Any("error", err))
	}
}

func (e *Engine) recordStart(runID string, item core.ExecutableItem) *core.ItemRun {
	if e.store == nil {
		return nil
	}
	ir := &core.ItemRun{RunID: runID, ItemName: item.Name(), ItemType: item.ItemType(), State: state.StateRunning}
	if err := e.store.RecordItemRun(ir); err != nil {
		e.logger.Warn("failed to record item run", slog.String("item", item.Name()), slog.Any("error", err))
		return nil
	}
	return ir
}

func (e *Engine) recordFinish(ir *core.ItemRun, st core.FinishState, msg string) {
	if ir == nil {
		return
	}
	if err := e.store.UpdateItemRun(ir.ID, st, msg); err != nil {
		e.logger.Warn("failed to update item run", slog.String("item", ir.ItemName), slog.Any("error", err))
	}
}
