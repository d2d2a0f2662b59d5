// Package taskqueue implements the per-key serialized update queue
// described in spec.md section 5: at most one handler runs per key at
// a time, further updates for the same key queue and coalesce to the
// latest.
package taskqueue

import (
	"sync"

	log "github.com/Sirupsen/logrus"
)

// State is the per-object lifecycle spec.md 4.6 names: CLEAN, PENDING,
// APPLYING, FAILED. Removal (Present=false in the enqueued value) is
// irreversible until a new object with the same key re-appears, which
// is enforced by the caller's Handler, not this package.
type State int

const (
	StateClean State = iota
	StatePending
	StateApplying
	StateFailed
)

type entry struct {
	mu      sync.Mutex
	state   State
	pending interface{}
	hasNext bool
}

// Handler processes one coalesced update for a key. Returning an
// error leaves the key in StateFailed; the next enqueued update for
// that key still runs (a stuck key must not wedge the queue forever).
type Handler func(key string, value interface{}) error

// Queue dispatches one goroutine per active key, run-to-completion,
// with coalescing: an Enqueue that lands while the key is Applying
// replaces whatever was already waiting.
type Queue struct {
	handler Handler

	mu      sync.Mutex
	entries map[string]*entry

	stopping bool
}

// New constructs a Queue bound to handler.
func New(handler Handler) *Queue {
	return &Queue{
		handler: handler,
		entries: make(map[string]*entry),
	}
}

// Enqueue schedules value for key. If key has no in-flight work, the
// handler runs immediately on a new goroutine; otherwise value
// replaces any value already queued behind the in-flight handler.
func (q *Queue) Enqueue(key string, value interface{}) {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return
	}
	e, ok := q.entries[key]
	if !ok {
		e = &entry{}
		q.entries[key] = e
	}
	q.mu.Unlock()

	e.mu.Lock()
	if e.state == StateApplying || e.state == StatePending {
		e.pending = value
		e.hasNext = true
		e.mu.Unlock()
		return
	}
	e.state = StatePending
	e.pending = value
	e.hasNext = true
	e.mu.Unlock()

	go q.drain(key, e)
}

// drain runs the handler for key until no coalesced update remains.
// Updates for different keys are never ordered relative to each
// other; updates for the same key are strictly FIFO because only one
// drain goroutine per key is ever running (guarded by e.state).
func (q *Queue) drain(key string, e *entry) {
	failed := false
	for {
		e.mu.Lock()
		if !e.hasNext {
			if failed {
				e.state = StateFailed
			} else {
				e.state = StateClean
			}
			e.mu.Unlock()
			return
		}
		value := e.pending
		e.hasNext = false
		e.state = StateApplying
		e.mu.Unlock()

		q.mu.Lock()
		stopping := q.stopping
		q.mu.Unlock()
		if stopping {
			// On stop, handlers observe a stopping flag and drop
			// updates without mutating switch state (spec.md section 5).
			return
		}

		if err := q.handler(key, value); err != nil {
			log.Errorf("taskqueue: handler for %q failed: %v", key, err)
			failed = true
			continue
		}
		failed = false
	}
}

// Stop prevents further handler invocations. In-flight handlers are
// not interrupted; they are expected to check Stopping and bail out
// of long loops themselves.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopping = true
	q.mu.Unlock()
}

// Stopping reports whether Stop has been called, for handlers that
// want to abandon a batch mid-flight rather than mutate switch state
// during shutdown.
func (q *Queue) Stopping() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopping
}
