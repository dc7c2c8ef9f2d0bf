package listener

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/observability"
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// AutoUnregister removes a listener whose OnEvent returns false.
	// Default: false (the return value is ignored)
	AutoUnregister bool

	// Logger receives listener failures. Nil uses slog.Default().
	Logger *slog.Logger

	// Metrics records invocations and failures. Nil disables metrics.
	Metrics observability.MetricsRecorder

	// OnError is called after a listener panicked.
	OnError func(err *Error)
}

// Dispatcher delivers stored records to the listeners of a Registry.
type Dispatcher struct {
	reg    *Registry
	config DispatcherConfig
}

// NewDispatcher creates a dispatcher over reg.
func NewDispatcher(reg *Registry, config DispatcherConfig) *Dispatcher {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = observability.NoopMetrics{}
	}
	return &Dispatcher{reg: reg, config: config}
}

// Registry returns the registry the dispatcher reads from.
func (d *Dispatcher) Registry() *Registry {
	return d.reg
}

// Dispatch invokes every listener registered for rec.Type exactly once, in
// registration order, on the calling goroutine. A panicking listener is
// isolated: the panic is logged and reported and the remaining listeners
// still run. Dispatch returns the number of listeners invoked.
func (d *Dispatcher) Dispatch(ctx context.Context, rec event.Record) int {
	invoked := 0
	for _, e := range d.reg.matching(rec.Type) {
		if e.removed.Load() {
			continue
		}
		invoked++

		keep, lerr := d.invoke(e, rec)
		d.config.Metrics.RecordListenerInvocation(ctx, string(rec.Type), lerr != nil)
		if lerr != nil {
			observability.LogListenerFailure(d.config.Logger, e.name, string(rec.Type), rec.ID, lerr)
			if d.config.OnError != nil {
				d.config.OnError(lerr)
			}
			continue
		}
		if !keep && d.config.AutoUnregister {
			d.reg.remove(e)
		}
	}
	return invoked
}

func (d *Dispatcher) invoke(e *entry, rec event.Record) (keep bool, lerr *Error) {
	defer func() {
		if r := recover(); r != nil {
			lerr = &Error{
				Record:   rec,
				Listener: e.name,
				Panic:    r,
				Stack:    debug.Stack(),
			}
		}
	}()
	return e.listener.OnEvent(rec.Clone()), nil
}
