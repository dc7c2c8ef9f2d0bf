package eventfabric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric/cluster"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/config"
	ferrors "github.com/randalmurphal/eventfabric/pkg/eventfabric/errors"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/listener"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/observability"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/query"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/store"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/transport"
)

// Node is one member of an event grid.
type Node struct {
	id     string
	cfg    config.NodeConfig
	opts   nodeOptions
	logger *slog.Logger

	store       *store.Store
	archive     store.Archive
	ownArchive  bool
	registry    *listener.Registry
	dispatcher  *listener.Dispatcher
	tracker     *cluster.Tracker
	resolver    *cluster.Resolver
	coordinator *query.Coordinator
	server      *query.Server
	transport   transport.Transport

	subsMu     sync.RWMutex
	forwarders map[string]*forwarder          // installed here for other nodes
	subs       map[string]*RemoteSubscription // originated here

	mu        sync.Mutex // serializes Start and Close
	started   bool
	closed    atomic.Bool
	stopServe func()
	stopWatch func()
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a node from cfg. The node records and answers local queries
// immediately; Start joins it to the grid.
func New(cfg config.NodeConfig, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := defaultNodeOptions()
	for _, opt := range opts {
		opt(&o)
	}

	id := cfg.Node.ID
	if id == "" {
		var err error
		if id, err = cluster.NewNodeID(); err != nil {
			return nil, fmt.Errorf("generate node id: %w", err)
		}
	}
	base := o.logger
	if base == nil {
		base = slog.Default()
	}

	n := &Node{
		id:         id,
		cfg:        cfg,
		opts:       o,
		logger:     observability.EnrichLogger(base, id),
		transport:  o.transport,
		archive:    o.archive,
		forwarders: make(map[string]*forwarder),
		subs:       make(map[string]*RemoteSubscription),
	}

	if n.archive == nil && cfg.Archive.DSN != "" {
		a, err := store.OpenSQLArchive(context.Background(), cfg.Archive.DSN)
		if err != nil {
			return nil, err
		}
		n.archive, n.ownArchive = a, true
	}

	n.store = store.New(store.Config{
		Capacity: cfg.Store.Capacity,
		MaxAge:   cfg.Store.MaxAge,
		Archive:  n.archive,
		Logger:   n.logger,
		Now:      o.now,
	})
	n.registry = listener.NewRegistry()
	n.dispatcher = listener.NewDispatcher(n.registry, listener.DispatcherConfig{
		AutoUnregister: cfg.Listeners.AutoUnregister,
		Logger:         n.logger,
		Metrics:        o.metrics,
		OnError:        o.onError,
	})
	n.tracker = cluster.NewTracker(cluster.Member{ID: id, Attributes: cfg.Node.Attributes}, cluster.TrackerConfig{
		FailureTimeout: cfg.Membership.FailureTimeout,
		SweepInterval:  cfg.Membership.SweepInterval,
		OnChange:       n.onMembershipChange,
		Logger:         n.logger,
		Now:            o.now,
	})
	n.resolver = cluster.NewResolver(n.tracker)
	n.server = query.NewServer(o.filters, n.store.Query)
	n.coordinator = query.NewCoordinator(query.Config{
		LocalID:        id,
		DefaultTimeout: cfg.Query.DefaultTimeout,
		MaxConcurrency: cfg.Query.MaxConcurrency,
		Logger:         n.logger,
		Metrics:        o.metrics,
		Spans:          o.spans,
	}, n.resolver, n.transport, n.store.Query)
	return n, nil
}

// ID returns the node ID.
func (n *Node) ID() string {
	return n.id
}

// Logger returns the node's logger.
func (n *Node) Logger() *slog.Logger {
	return n.logger
}

// Start serves the node on its transport, announces it to the grid and
// starts the heartbeat and failure detection loops. Start is a no-op on a
// started node.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed.Load() {
		return ErrClosed
	}
	if n.started {
		return nil
	}

	n.tracker.StartReaper()
	if n.transport != nil {
		stopServe, err := n.transport.Serve(n.id, handler{n})
		if err != nil {
			n.tracker.Stop()
			return fmt.Errorf("serve %s: %w", n.id, err)
		}
		stopWatch, err := n.transport.Watch(n.onAnnouncement)
		if err != nil {
			stopServe()
			n.tracker.Stop()
			return fmt.Errorf("watch membership: %w", err)
		}
		n.stopServe, n.stopWatch = stopServe, stopWatch

		err = ferrors.Retry(ctx, n.opts.announceRetry, func(ctx context.Context) error {
			return n.announce(ctx, transport.Hello)
		})
		if err != nil {
			stopWatch()
			stopServe()
			n.tracker.Stop()
			return fmt.Errorf("announce %s: %w", n.id, err)
		}

		loopCtx, cancel := context.WithCancel(context.Background())
		n.cancel = cancel
		n.wg.Add(1)
		go n.heartbeatLoop(loopCtx)
	}

	n.started = true
	n.logger.Info("node started", slog.Int("members", len(n.tracker.Snapshot())))
	return nil
}

// Close leaves the grid, stops every subscription made or served by the
// node and removes all listeners. Records stay queryable locally.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}

	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), n.shutdownTimeout())
	defer cancel()

	n.subsMu.RLock()
	subs := make([]*RemoteSubscription, 0, len(n.subs))
	for _, s := range n.subs {
		subs = append(subs, s)
	}
	n.subsMu.RUnlock()
	for _, s := range subs {
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if n.started && n.transport != nil {
		if err := n.announce(ctx, transport.Bye); err != nil {
			n.logger.Warn("leave announcement failed", slog.String("error", err.Error()))
		}
		n.stopWatch()
		n.stopServe()
	}
	n.tracker.Stop()

	n.subsMu.Lock()
	clear(n.forwarders)
	n.subsMu.Unlock()
	n.registry.Clear()

	if n.ownArchive {
		if err := n.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close archive: %w", err))
		}
	}
	n.logger.Info("node closed")
	return errors.Join(errs...)
}

func (n *Node) shutdownTimeout() time.Duration {
	if d := n.cfg.Query.DefaultTimeout; d > 0 {
		return d
	}
	return 5 * time.Second
}

// Record stores an occurrence of typ on this node and dispatches it to the
// matching local listeners before returning the stored record.
func (n *Node) Record(ctx context.Context, typ event.Type, opts ...event.Option) (event.Record, error) {
	if n.closed.Load() {
		return event.Record{}, ErrClosed
	}
	opts = append([]event.Option{event.WithTimestamp(n.opts.now())}, opts...)
	rec, evicted := n.store.Append(event.New(typ, n.id, opts...))

	n.opts.metrics.RecordEvent(ctx, string(typ))
	if len(evicted) > 0 {
		n.opts.metrics.RecordEviction(ctx, len(evicted))
		observability.LogEviction(n.logger, len(evicted), n.store.Len())
	}
	n.dispatcher.Dispatch(ctx, rec)
	return rec, nil
}

// RecordAll records occurrences in order, such as the output of
// event.TaskExecution.
func (n *Node) RecordAll(ctx context.Context, occs []event.Occurrence) ([]event.Record, error) {
	out := make([]event.Record, 0, len(occs))
	for _, o := range occs {
		rec, err := n.Record(ctx, o.Type, o.Opts...)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Members returns the live members, this node included, sorted by ID.
func (n *Node) Members() []cluster.Member {
	return n.tracker.Snapshot()
}

// Member returns what this node knows about id, including failed and
// departed members that have not been evicted yet.
func (n *Node) Member(id string) (cluster.Member, bool) {
	return n.tracker.Get(id)
}

// Stats implements observability.StatsSource.
func (n *Node) Stats() observability.NodeStats {
	st := n.store.Stats()
	return observability.NodeStats{
		NodeID:    n.id,
		Retained:  st.Retained,
		Capacity:  st.Capacity,
		Recorded:  st.Recorded,
		Evicted:   st.Evicted,
		Listeners: n.registry.Len(),
		Members:   len(n.tracker.Snapshot()),
	}
}

// Archive returns the archive receiving evicted records, or nil.
func (n *Node) Archive() store.Archive {
	return n.archive
}
