package servermgr

import (
	"context"
	"sync"

	"github.com/leapstack-labs/leapflow/pkg/core"
)

// queue orders the writers of one database. A writer's turn comes once every precursor in its
// ordering has completed; at most one writer holds the queue between check-in and check-out.
type queue struct {
	target string
	emit   func(Event)

	mu        sync.Mutex
	holder    string
	complete  map[string]bool
	listeners map[chan struct{}]struct{}
}

func newQueue(target string, emit func(Event)) *queue {
	return &queue{
		target:    target,
		emit:      emit,
		complete:  make(map[string]bool),
		listeners: make(map[chan struct{}]struct{}),
	}
}

func (q *queue) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	q.mu.Lock()
	q.listeners[ch] = struct{}{}
	q.mu.Unlock()
	return ch
}

func (q *queue) unsubscribe(ch chan struct{}) {
	q.mu.Lock()
	delete(q.listeners, ch)
	q.mu.Unlock()
}

// broadcast wakes every waiter. Callers hold q.mu.
func (q *queue) broadcast() {
	for ch := range q.listeners {
		select {
		case ch <- struct{}{}:
		default:
			// already pinged
		}
	}
}

// await blocks until ready reports true, then runs grant, both under q.mu.
func (q *queue) await(ctx context.Context, ready func() bool, grant func()) error {
	ch := q.subscribe()
	defer q.unsubscribe(ch)
	for {
		q.mu.Lock()
		if ready() {
			if grant != nil {
				grant()
			}
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// turnReached reports whether every precursor of o has completed. Callers hold q.mu.
func (q *queue) turnReached(o *core.Ordering) bool {
	if o == nil {
		return true
	}
	for _, p := range o.Precursors {
		if !q.complete[p] {
			return false
		}
	}
	return true
}

func (q *queue) waitTurn(ctx context.Context, o *core.Ordering) error {
	return q.await(ctx, func() bool { return q.turnReached(o) }, nil)
}

func (q *queue) checkin(ctx context.Context, o *core.Ordering, holder string) error {
	return q.await(ctx,
		func() bool { return q.turnReached(o) && (q.holder == "" || q.holder == holder) },
		func() {
			q.holder = holder
			q.emit(Event{Kind: EventCheckin, Target: q.target, Writer: writerID(o, holder)})
		},
	)
}

// checkout releases the queue if holder has it. A final check-out completes the writer.
func (q *queue) checkout(o *core.Ordering, holder string, final bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if holder != "" && q.holder == holder {
		q.holder = ""
	}
	if final && o != nil {
		q.complete[o.ID] = true
	}
	q.emit(Event{Kind: EventCheckout, Target: q.target, Writer: writerID(o, holder)})
	q.broadcast()
}

// quickCheckout completes a writer that is not going to write.
func (q *queue) quickCheckout(o *core.Ordering, holder string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if holder != "" && q.holder == holder {
		q.holder = ""
	}
	if o != nil {
		q.complete[o.ID] = true
	}
	q.emit(Event{Kind: EventQuickCheckout, Target: q.target, Writer: writerID(o, holder)})
	q.broadcast()
}

// release frees the queue if holder still has it, without completing anybody.
func (q *queue) release(holder string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.holder == holder {
		q.holder = ""
		q.broadcast()
	}
}

func (q *queue) currentHolder() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.holder
}

func writerID(o *core.Ordering, holder string) string {
	if o != nil {
		return o.ID
	}
	return holder
}
