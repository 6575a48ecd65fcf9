package changefeed

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// registration is one listener entry. removed is set when the entry leaves
// the registry so an in-flight delivery can skip it.
type registration struct {
	id      ListenerID
	fn      Listener
	removed atomic.Bool
}

// Registry tracks registered listeners and reports the population edges
// (empty to non-empty and back) that drive the Manager's lifecycle.
//
// Registry is not safe for concurrent use; the Manager serializes access.
type Registry struct {
	entries map[ListenerID]*registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[ListenerID]*registration)}
}

// Add registers l and reports whether the registry was empty before.
func (r *Registry) Add(l Listener) (ListenerID, bool) {
	id := ListenerID(uuid.NewString())
	becameNonEmpty := len(r.entries) == 0
	r.entries[id] = &registration{id: id, fn: l}
	return id, becameNonEmpty
}

// Remove drops id. Unknown ids are a no-op. becameEmpty is true only when this
// call removed the last listener.
func (r *Registry) Remove(id ListenerID) (removed, becameEmpty bool) {
	reg, ok := r.entries[id]
	if !ok {
		return false, false
	}
	reg.removed.Store(true)
	delete(r.entries, id)
	return true, len(r.entries) == 0
}

// Len returns the number of registered listeners.
func (r *Registry) Len() int { return len(r.entries) }

// Snapshot returns the currently registered listeners in no particular order.
func (r *Registry) Snapshot() []Listener {
	out := make([]Listener, 0, len(r.entries))
	for _, reg := range r.entries {
		out = append(out, reg.fn)
	}
	return out
}

// Clear removes every listener and returns how many were dropped.
func (r *Registry) Clear() int {
	n := len(r.entries)
	for id, reg := range r.entries {
		reg.removed.Store(true)
		delete(r.entries, id)
	}
	return n
}

func (r *Registry) registrations() []*registration {
	out := make([]*registration, 0, len(r.entries))
	for _, reg := range r.entries {
		out = append(out, reg)
	}
	return out
}
