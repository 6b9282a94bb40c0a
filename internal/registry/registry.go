// Package registry holds the process-wide index of live instance
// connections.  It is rebuilt from scratch as instances reconnect; nothing
// here is persisted.
package registry

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Entry pairs a connection handle with the metadata supplied at
// registration time.
type Entry[H comparable] struct {
	InstanceID       string
	Handle           H
	ConnectedAt      time.Time
	PublicIP         string
	DirectURLs       []string
	ProtocolVersions []int
}

// Registry is a concurrency-safe map from instance ID to [Entry]. The last
// register for a given instance ID wins; an entry is removed only by the
// handle that registered it, so a superseded connection tearing down late
// cannot evict its live replacement.
type Registry[H comparable] struct {
	m *xsync.MapOf[string, Entry[H]]
}

// New returns an empty registry.
func New[H comparable]() *Registry[H] {
	return &Registry[H]{m: xsync.NewMapOf[string, Entry[H]]()}
}

// Register inserts or replaces the entry for e.InstanceID.
func (r *Registry[H]) Register(e Entry[H]) {
	r.m.Store(e.InstanceID, e)
}

// Lookup returns the current entry for an instance ID.
func (r *Registry[H]) Lookup(instanceID string) (Entry[H], bool) {
	return r.m.Load(instanceID)
}

// Unregister removes the entry for instanceID, but only if it is still
// owned by the given handle.  Idempotent: a second call, or a call from a
// superseded connection, is a no-op.  Reports whether an entry was removed.
func (r *Registry[H]) Unregister(instanceID string, owner H) bool {
	removed := false
	r.m.Compute(instanceID, func(cur Entry[H], loaded bool) (Entry[H], bool) {
		if loaded && cur.Handle == owner {
			removed = true
			return cur, true // delete
		}
		return cur, !loaded
	})
	return removed
}

// Range calls fn for each registered entry until fn returns false.
func (r *Registry[H]) Range(fn func(Entry[H]) bool) {
	r.m.Range(func(_ string, e Entry[H]) bool {
		return fn(e)
	})
}

// Len returns the number of registered instances.
func (r *Registry[H]) Len() int {
	return r.m.Size()
}
