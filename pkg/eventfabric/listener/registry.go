package listener

import (
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
)

// entry is one listener's registration.
type entry struct {
	listener Listener
	name     string
	types    map[event.Type]struct{}

	// removed is set before StopListen returns and checked immediately
	// before every invocation.
	removed atomic.Bool
}

// Registry is a node's table of local listeners.
//
// Registry is safe for concurrent use. Mutations take the write lock;
// dispatch works from a snapshot taken under the read lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[Listener]*entry
	byType  map[event.Type][]*entry // in (listener, type) registration order
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[Listener]*entry),
		byType:  make(map[event.Type][]*entry),
	}
}

// Listen registers l for types. Registering an already known listener adds
// the new types to its existing registration; types it already has are
// ignored. Listen never creates a second registration for the same listener.
func (r *Registry) Listen(l Listener, types ...event.Type) error {
	if err := validate(l); err != nil {
		return err
	}
	if len(types) == 0 {
		return ErrNoTypes
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[l]
	if !ok {
		e = &entry{
			listener: l,
			name:     Name(l),
			types:    make(map[event.Type]struct{}, len(types)),
		}
		r.entries[l] = e
	}
	for _, t := range types {
		if _, dup := e.types[t]; dup {
			continue
		}
		e.types[t] = struct{}{}
		r.byType[t] = append(r.byType[t], e)
	}
	return nil
}

// StopListen removes every type registration of l. It reports whether l was
// registered. Once StopListen returns, l is not invoked for records
// dispatched afterwards. A dispatch already in progress may still invoke it
// for its current record.
func (r *Registry) StopListen(l Listener) bool {
	if validate(l) != nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[l]
	if !ok {
		return false
	}
	r.removeLocked(e)
	return true
}

// remove drops e if it is still the current registration for its listener.
func (r *Registry) remove(e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries[e.listener] != e {
		return false
	}
	r.removeLocked(e)
	return true
}

func (r *Registry) removeLocked(e *entry) {
	e.removed.Store(true)
	delete(r.entries, e.listener)
	for t := range e.types {
		remaining := slices.DeleteFunc(slices.Clone(r.byType[t]), func(x *entry) bool { return x == e })
		if len(remaining) == 0 {
			delete(r.byType, t)
		} else {
			r.byType[t] = remaining
		}
	}
}

// matching returns a snapshot of the registrations for t.
func (r *Registry) matching(t event.Type) []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.byType[t])
}

// Has reports whether l is registered.
func (r *Registry) Has(l Listener) bool {
	if validate(l) != nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[l]
	return ok
}

// Types returns the types l is registered for, sorted.
func (r *Registry) Types(l Listener) []event.Type {
	if validate(l) != nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[l]
	if !ok {
		return nil
	}
	out := make([]event.Type, 0, len(e.types))
	for t := range e.types {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of registered listeners.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Clear removes every registration.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		e.removed.Store(true)
	}
	r.entries = make(map[Listener]*entry)
	r.byType = make(map[event.Type][]*entry)
}

func validate(l Listener) error {
	if l == nil {
		return ErrNilListener
	}
	v := reflect.ValueOf(l)
	if v.Kind() == reflect.Pointer && v.IsNil() {
		return ErrNilListener
	}
	// A comparable type can still hold an uncomparable value in an
	// interface field.
	if !v.Comparable() {
		return ErrNotComparable
	}
	return nil
}
