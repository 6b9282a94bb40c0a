// Package pending correlates callers awaiting a response routed through a
// specific instance connection.  When that connection drops, every waiter
// receives an immediate synthetic failure instead of hanging until its own
// timeout.
package pending

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrExpired is delivered when a tracked request outlives its deadline
// without being resolved or failed.
var ErrExpired = errors.New("pending request expired")

// Result is the single outcome delivered to a waiter: either a value or an
// error, never both, never more than once.
type Result struct {
	Value any
	Err   error
}

type entry struct {
	ch    chan Result
	timer *clock.Timer
}

// Table tracks in-flight request/response correlations keyed by
// (instance ID, request key).  All methods are safe for concurrent use;
// operations on different instance IDs never contend beyond the table lock.
type Table struct {
	clk clock.Clock

	mu         sync.Mutex
	byInstance map[string]map[string]*entry
}

// New returns an empty table on the wall clock.
func New() *Table {
	return NewWithClock(clock.New())
}

// NewWithClock returns an empty table driven by the given clock.
func NewWithClock(clk clock.Clock) *Table {
	return &Table{
		clk:        clk,
		byInstance: make(map[string]map[string]*entry),
	}
}

// Track registers a waiter for (instanceID, key) and returns the channel the
// outcome will be delivered on.  The channel receives exactly one [Result]
// and is then closed.  A non-positive ttl disables the deadline.  Returns
// false if the key is already tracked for this instance.
func (t *Table) Track(instanceID, key string, ttl time.Duration) (<-chan Result, bool) {
	t.mu.Lock()
	keys, ok := t.byInstance[instanceID]
	if !ok {
		keys = make(map[string]*entry)
		t.byInstance[instanceID] = keys
	}
	if _, exists := keys[key]; exists {
		t.mu.Unlock()
		return nil, false
	}
	e := &entry{ch: make(chan Result, 1)}
	keys[key] = e
	// The timer is armed under the lock: once the entry is visible, a
	// concurrent FailAll or Resolve may already be reading e.timer.
	if ttl > 0 {
		e.timer = t.clk.AfterFunc(ttl, func() {
			t.deliver(instanceID, key, Result{Err: ErrExpired})
		})
	}
	t.mu.Unlock()

	return e.ch, true
}

// Resolve delivers value to the waiter for (instanceID, key).  Returns
// false if no such entry exists (already resolved, failed, or expired).
func (t *Table) Resolve(instanceID, key string, value any) bool {
	return t.deliver(instanceID, key, Result{Value: value})
}

// Fail delivers err to the waiter for (instanceID, key).
func (t *Table) Fail(instanceID, key string, err error) bool {
	return t.deliver(instanceID, key, Result{Err: err})
}

// FailAll fails every tracked entry for instanceID with err and returns the
// number of waiters notified.  Safe to race with [Table.Resolve] for the
// same key: exactly one of them wins per entry.
func (t *Table) FailAll(instanceID string, err error) int {
	t.mu.Lock()
	keys := t.byInstance[instanceID]
	delete(t.byInstance, instanceID)
	t.mu.Unlock()

	for _, e := range keys {
		finish(e, Result{Err: err})
	}
	return len(keys)
}

// Count returns the number of in-flight entries for instanceID.
func (t *Table) Count(instanceID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byInstance[instanceID])
}

func (t *Table) deliver(instanceID, key string, res Result) bool {
	t.mu.Lock()
	keys := t.byInstance[instanceID]
	e, ok := keys[key]
	if ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(t.byInstance, instanceID)
		}
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	finish(e, res)
	return true
}

// finish is only ever reached by the one caller that removed the entry
// under the lock, so the buffered send cannot double-deliver.
func finish(e *entry, res Result) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.ch <- res
	close(e.ch)
}
