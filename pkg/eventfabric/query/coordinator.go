// Package query runs remote queries: it resolves a projection, fans the
// query out to every selected node in parallel, and merges whatever arrives
// before the deadline.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric/cluster"
	ferrors "github.com/randalmurphal/eventfabric/pkg/eventfabric/errors"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/observability"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/transport"
)

// NoTimeout asks for Config.DefaultTimeout. When that is also zero the
// coordinator waits for every node, bounded only by the caller's context.
const NoTimeout time.Duration = 0

// LocalExecutor runs a filter against the local store.
type LocalExecutor func(f event.Filter) ([]event.Record, error)

// Config configures a Coordinator.
type Config struct {
	// LocalID is the node the coordinator runs on. Its records are read
	// through the LocalExecutor without a network hop.
	LocalID string

	// DefaultTimeout applies to queries made with NoTimeout.
	// Default: 0 (wait for every node)
	DefaultTimeout time.Duration

	// MaxConcurrency limits in-flight node requests.
	// Default: 0 (unlimited)
	MaxConcurrency int

	// Logger receives per-node failures and completions. Nil uses
	// slog.Default().
	Logger *slog.Logger

	// Metrics records query durations and node outcomes. Nil disables
	// metrics.
	Metrics observability.MetricsRecorder

	// Spans traces queries. Nil disables tracing.
	Spans observability.SpanManager
}

// Coordinator scatters queries over a projection and gathers the results.
type Coordinator struct {
	config    Config
	resolver  *cluster.Resolver
	transport transport.Transport
	local     LocalExecutor
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config, resolver *cluster.Resolver, tr transport.Transport, local LocalExecutor) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}
	return &Coordinator{config: cfg, resolver: resolver, transport: tr, local: local}
}

// Query returns the records matching f on every node selected by proj.
//
// An empty projection fails with cluster.ErrEmptyProjection and a filter that
// cannot be sent to a remote target fails with event.ErrNotPortable; neither
// touches the network. Nodes that fail or miss the deadline are left out of
// the result without an error. If ctx is cancelled the records gathered so
// far are returned together with ctx.Err().
func (c *Coordinator) Query(ctx context.Context, proj cluster.Projection, f event.Filter, timeout time.Duration) ([]event.Record, error) {
	res, err := c.QueryDetailed(ctx, proj, f, timeout)
	if res == nil {
		return nil, err
	}
	return res.Records, err
}

type nodeResult struct {
	member   cluster.Member
	records  []event.Record
	err      error
	duration time.Duration
}

// QueryDetailed is Query with a per-node breakdown.
func (c *Coordinator) QueryDetailed(ctx context.Context, proj cluster.Projection, f event.Filter, timeout time.Duration) (*Result, error) {
	members, err := c.resolver.Resolve(proj)
	if err != nil {
		return nil, err
	}
	if f == nil {
		f = event.All()
	}

	var spec event.Spec
	if c.hasRemote(members) {
		if spec, err = event.SpecOf(f); err != nil {
			return nil, err
		}
	}

	if timeout <= NoTimeout {
		timeout = c.config.DefaultTimeout
	}
	var (
		qctx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		qctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		qctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := time.Now()
	queryID := uuid.New().String()
	qctx, span := c.config.Spans.StartQuerySpan(qctx, queryID, len(members))
	observability.LogQueryStart(c.config.Logger, queryID, len(members), timeout)

	// Buffered so that answers arriving after the deadline are dropped
	// without blocking their goroutines.
	results := make(chan nodeResult, len(members))
	var sem chan struct{}
	if c.config.MaxConcurrency > 0 {
		sem = make(chan struct{}, c.config.MaxConcurrency)
	}
	for _, m := range members {
		go func(m cluster.Member) {
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-qctx.Done():
					results <- nodeResult{member: m, err: qctx.Err()}
					return
				}
			}
			results <- c.queryNode(qctx, queryID, m, f, spec)
		}(m)
	}

	outcomes := make(map[string]NodeOutcome, len(members))
	kept := make(map[string][]event.Record, len(members))
collect:
	for len(outcomes) < len(members) {
		var r nodeResult
		select {
		case r = <-results:
		case <-qctx.Done():
			// Answers already buffered when the deadline fired still count.
			select {
			case r = <-results:
			default:
				break collect
			}
		}
		outcome, recs := c.accept(qctx, queryID, r, f)
		outcomes[r.member.ID] = outcome
		kept[r.member.ID] = recs
	}

	res := &Result{QueryID: queryID, Nodes: make([]NodeOutcome, 0, len(members))}
	for _, m := range members {
		o, ok := outcomes[m.ID]
		if !ok {
			o = NodeOutcome{NodeID: m.ID, Status: StatusTimedOut, Err: qctx.Err(), Duration: time.Since(start)}
			observability.LogNodeQueryFailed(c.config.Logger, queryID, m.ID, string(o.Status), o.Err)
			c.config.Metrics.RecordNodeQuery(ctx, m.ID, string(o.Status), o.Duration)
		}
		res.Nodes = append(res.Nodes, o)
		res.Records = append(res.Records, kept[m.ID]...)
	}
	res.Duration = time.Since(start)

	responded := res.Responded()
	c.config.Metrics.RecordRemoteQuery(ctx, len(members), responded, res.Duration)
	observability.LogQueryComplete(c.config.Logger, queryID, responded, len(members), len(res.Records), res.Duration)

	if err := ctx.Err(); err != nil {
		c.config.Spans.EndSpanWithError(span, err)
		return res, err
	}
	c.config.Spans.EndSpanWithError(span, nil)
	return res, nil
}

func (c *Coordinator) hasRemote(members []cluster.Member) bool {
	for _, m := range members {
		if m.ID != c.config.LocalID {
			return true
		}
	}
	return false
}

func (c *Coordinator) queryNode(ctx context.Context, queryID string, m cluster.Member, f event.Filter, spec event.Spec) nodeResult {
	start := time.Now()
	if m.ID == c.config.LocalID {
		recs, err := c.local(f)
		return nodeResult{member: m, records: recs, err: err, duration: time.Since(start)}
	}
	if c.transport == nil {
		return nodeResult{member: m, err: &transport.Error{NodeID: m.ID, Op: "query", Err: transport.ErrUnreachable}}
	}

	ctx, span := c.config.Spans.StartNodeQuerySpan(ctx, m.ID)
	recs, err := c.transport.Query(ctx, m.ID, &transport.QueryRequest{
		QueryID: queryID,
		Origin:  c.config.LocalID,
		Filter:  spec,
	})
	c.config.Spans.EndSpanWithError(span, err)
	return nodeResult{member: m, records: recs, err: err, duration: time.Since(start)}
}

// accept turns one node's answer into its outcome and the records kept from
// it. Remote records are re-checked against f and must be attributed to the
// node that returned them.
func (c *Coordinator) accept(ctx context.Context, queryID string, r nodeResult, f event.Filter) (NodeOutcome, []event.Record) {
	o := NodeOutcome{NodeID: r.member.ID, Duration: r.duration}

	var recs []event.Record
	err := r.err
	if err == nil {
		if r.member.ID == c.config.LocalID {
			recs = r.records
		} else {
			recs, err = recheck(r.member.ID, r.records, f)
		}
	}

	switch {
	case err == nil:
		o.Status = StatusResponded
		o.Records = len(recs)
		o.Dropped = len(r.records) - len(recs)
	case isTimeout(err):
		o.Status = StatusTimedOut
		o.Err = err
		recs = nil
	default:
		o.Status = StatusFailed
		o.Err = err
		recs = nil
	}

	if o.Err != nil {
		observability.LogNodeQueryFailed(c.config.Logger, queryID, o.NodeID, string(o.Status), o.Err)
	} else if o.Dropped > 0 {
		c.config.Logger.Warn("discarded records from node",
			slog.String("query_id", queryID),
			slog.String("target_node", o.NodeID),
			slog.Int("dropped", o.Dropped))
	}
	c.config.Metrics.RecordNodeQuery(ctx, o.NodeID, string(o.Status), o.Duration)
	return o, recs
}

func recheck(nodeID string, recs []event.Record, f event.Filter) (out []event.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("filter panicked on records from %s: %v", nodeID, r)
		}
	}()
	out = make([]event.Record, 0, len(recs))
	for _, rec := range recs {
		if rec.NodeID == nodeID && f.Match(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
		return true
	}
	var te *ferrors.TimeoutError
	return errors.As(err, &te)
}
