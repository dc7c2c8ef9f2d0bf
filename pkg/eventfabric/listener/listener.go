// Package listener provides the per-node table of local listeners and the
// synchronous dispatcher that invokes them when a record is stored.
//
// A listener is identified by its value: registering the same listener
// twice, even for overlapping types, leaves a single registration whose type
// set is the union of both calls. Each record is therefore delivered to a
// listener at most once.
package listener

import (
	"errors"
	"fmt"
	"sync"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
)

// Listener receives records of the types it was registered for.
//
// The return value asks to stay registered. It is only acted upon when the
// dispatcher runs with AutoUnregister; returning false then removes the
// listener.
type Listener interface {
	OnEvent(rec event.Record) bool
}

// Named is implemented by listeners that want a readable name in logs and
// errors. Other listeners are named after their dynamic type.
type Named interface {
	ListenerName() string
}

// Sentinel errors returned by Registry.Listen.
var (
	ErrNilListener   = errors.New("listener: nil listener")
	ErrNotComparable = errors.New("listener: listener type is not comparable")
	ErrNoTypes       = errors.New("listener: no event types given")
)

type funcListener struct {
	name string
	fn   func(event.Record) bool
}

func (f *funcListener) OnEvent(rec event.Record) bool { return f.fn(rec) }

func (f *funcListener) ListenerName() string {
	if f.name == "" {
		return "func"
	}
	return f.name
}

// Func wraps fn as a Listener. Every call returns a distinct identity, so keep
// the returned value to stop listening later.
func Func(fn func(rec event.Record) bool) Listener {
	return &funcListener{fn: fn}
}

// NamedFunc is Func with a name used in logs and errors.
func NamedFunc(name string, fn func(rec event.Record) bool) Listener {
	return &funcListener{name: name, fn: fn}
}

// Counter is a listener that counts records by type. It never asks to be
// unregistered.
type Counter struct {
	mu     sync.Mutex
	counts map[event.Type]int
}

// NewCounter creates an empty Counter.
func NewCounter() *Counter {
	return &Counter{counts: make(map[event.Type]int)}
}

// OnEvent implements Listener.
func (c *Counter) OnEvent(rec event.Record) bool {
	c.mu.Lock()
	c.counts[rec.Type]++
	c.mu.Unlock()
	return true
}

// Count returns the number of records seen for t, or across all types when t
// is empty.
func (c *Counter) Count(t event.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t != "" {
		return c.counts[t]
	}
	total := 0
	for _, n := range c.counts {
		total += n
	}
	return total
}

// Name returns the name used for l in logs and errors.
func Name(l Listener) string {
	if n, ok := l.(Named); ok {
		return n.ListenerName()
	}
	return fmt.Sprintf("%T", l)
}

// Error reports a listener that panicked while handling a record. It never
// reaches the code that recorded the event; it is logged and handed to the
// dispatcher's OnError hook.
type Error struct {
	Record   event.Record
	Listener string
	Panic    any
	Stack    []byte
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("listener %s panicked on %s record %s: %v", e.Listener, e.Record.Type, e.Record.ID, e.Panic)
}

// Unwrap returns the panic value when it was an error.
func (e *Error) Unwrap() error {
	if err, ok := e.Panic.(error); ok {
		return err
	}
	return nil
}
