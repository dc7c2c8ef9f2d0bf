package eventfabric

import (
	"log/slog"
	"time"

	ferrors "github.com/randalmurphal/eventfabric/pkg/eventfabric/errors"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/listener"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/observability"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/store"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/transport"
)

type nodeOptions struct {
	transport     transport.Transport
	logger        *slog.Logger
	metrics       observability.MetricsRecorder
	spans         observability.SpanManager
	archive       store.Archive
	filters       *event.FilterRegistry
	onError       func(*listener.Error)
	announceRetry ferrors.RetryConfig
	now           func() time.Time
}

func defaultNodeOptions() nodeOptions {
	return nodeOptions{
		metrics:       observability.NoopMetrics{},
		spans:         observability.NoopSpanManager{},
		filters:       event.DefaultFilters,
		announceRetry: ferrors.DefaultRetry,
		now:           time.Now,
	}
}

// Option configures a Node.
type Option func(*nodeOptions)

// WithTransport connects the node to its peers. Without a transport the
// node is alone in its grid.
func WithTransport(tr transport.Transport) Option {
	return func(o *nodeOptions) {
		o.transport = tr
	}
}

// WithLogger sets the logger. The node adds its ID to every entry.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(o *nodeOptions) {
		o.logger = logger
	}
}

// WithMetrics records event, listener and query metrics.
//
// Example:
//
//	node, err := eventfabric.New(cfg,
//	    eventfabric.WithMetrics(observability.NewMetricsRecorder()))
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *nodeOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithSpanManager traces remote queries and remote listens.
func WithSpanManager(s observability.SpanManager) Option {
	return func(o *nodeOptions) {
		if s != nil {
			o.spans = s
		}
	}
}

// WithArchive hands every evicted record to a. It takes precedence over the
// archive DSN in the config. The caller keeps ownership of a.
func WithArchive(a store.Archive) Option {
	return func(o *nodeOptions) {
		o.archive = a
	}
}

// WithFilterRegistry decodes filters received from peers with r.
// Default: event.DefaultFilters
func WithFilterRegistry(r *event.FilterRegistry) Option {
	return func(o *nodeOptions) {
		if r != nil {
			o.filters = r
		}
	}
}

// WithListenerErrorHandler is called after a listener panics. The panic
// is logged either way.
func WithListenerErrorHandler(fn func(*listener.Error)) Option {
	return func(o *nodeOptions) {
		o.onError = fn
	}
}

// WithAnnounceRetry controls how Start retries its first announcement.
// Default: errors.DefaultRetry
func WithAnnounceRetry(cfg ferrors.RetryConfig) Option {
	return func(o *nodeOptions) {
		o.announceRetry = cfg
	}
}

// WithClock overrides the clock used for membership timeouts and store
// ages, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *nodeOptions) {
		if now != nil {
			o.now = now
		}
	}
}
