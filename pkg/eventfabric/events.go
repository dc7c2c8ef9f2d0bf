package eventfabric

import (
	"context"
	"time"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric/cluster"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/listener"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/query"
)

// Projected is a view of the grid restricted to a projection.
type Projected struct {
	node *Node
	proj cluster.Projection
}

// Projection returns the projection.
func (p *Projected) Projection() cluster.Projection {
	return p.proj
}

// Members resolves the projection against the current membership.
func (p *Projected) Members() []cluster.Member {
	return p.node.resolver.Members(p.proj)
}

// Events returns the event facade for the projection.
func (p *Projected) Events() *Events {
	return &Events{node: p.node, proj: p.proj}
}

func (n *Node) project(proj cluster.Projection) *Projected {
	return &Projected{node: n, proj: proj}
}

// ForPredicate selects the live members matching pred.
func (n *Node) ForPredicate(name string, pred cluster.Predicate) *Projected {
	return n.project(cluster.ForPredicate(name, pred))
}

// ForNodes selects the listed members.
func (n *Node) ForNodes(ids ...string) *Projected {
	return n.project(cluster.Nodes(ids...))
}

// ForRemotes selects every live member except this node.
func (n *Node) ForRemotes() *Projected {
	return n.project(cluster.Remotes(n.id))
}

// ForLocal selects this node only.
func (n *Node) ForLocal() *Projected {
	return n.project(cluster.Local(n.id))
}

// ForAttribute selects the members whose attribute key equals value.
func (n *Node) ForAttribute(key, value string) *Projected {
	return n.project(cluster.WithAttribute(key, value))
}

// ForProjection wraps an existing projection.
func (n *Node) ForProjection(proj cluster.Projection) *Projected {
	return n.project(proj)
}

// Events returns the event facade spanning every live member.
func (n *Node) Events() *Events {
	return &Events{node: n, proj: cluster.All()}
}

// Events records nothing itself: local methods act on the node's own store
// and listeners, remote methods on the members of its projection.
type Events struct {
	node *Node
	proj cluster.Projection
}

// Projection returns the projection remote methods target.
func (e *Events) Projection() cluster.Projection {
	return e.proj
}

// LocalListen registers l for types on this node. Registering the same
// listener again adds types to its set; each record still reaches it once.
func (e *Events) LocalListen(l listener.Listener, types ...event.Type) error {
	if e.node.closed.Load() {
		return ErrClosed
	}
	return e.node.registry.Listen(l, types...)
}

// StopLocalListen removes l for all of its types and reports whether it was
// registered.
func (e *Events) StopLocalListen(l listener.Listener) bool {
	return e.node.registry.StopListen(l)
}

// LocalQuery returns the records in this node's store matching f, in
// recording order. A nil filter matches everything.
func (e *Events) LocalQuery(f event.Filter) ([]event.Record, error) {
	return e.node.store.Query(f)
}

// RemoteQuery runs f on every member of the projection and merges the
// answers. Members that fail or do not answer within timeout are left out.
// A zero timeout uses the configured default.
func (e *Events) RemoteQuery(ctx context.Context, f event.Filter, timeout time.Duration) ([]event.Record, error) {
	if e.node.closed.Load() {
		return nil, ErrClosed
	}
	return e.node.coordinator.Query(ctx, e.proj, f, timeout)
}

// RemoteQueryDetailed is RemoteQuery with a per-node breakdown.
func (e *Events) RemoteQueryDetailed(ctx context.Context, f event.Filter, timeout time.Duration) (*query.Result, error) {
	if e.node.closed.Load() {
		return nil, ErrClosed
	}
	return e.node.coordinator.QueryDetailed(ctx, e.proj, f, timeout)
}
