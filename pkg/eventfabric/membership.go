package eventfabric

import (
	"context"
	"log/slog"
	"time"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric/cluster"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/transport"
)

// Payload keys of node.metrics.updated records.
const (
	AttrRetained = "retained"
	AttrRecorded = "recorded"
)

var changeTypes = map[cluster.ChangeKind]event.Type{
	cluster.Joined: event.NodeJoined,
	cluster.Left:   event.NodeLeft,
	cluster.Failed: event.NodeFailed,
}

// announce broadcasts this node with its current store counters.
func (n *Node) announce(ctx context.Context, kind transport.AnnounceKind) error {
	m := n.tracker.Local()
	st := n.store.Stats()
	m.Metrics = cluster.Metrics{Retained: st.Retained, Recorded: st.Recorded}
	return n.transport.Announce(ctx, transport.Announcement{Kind: kind, Member: m})
}

func (n *Node) heartbeatLoop(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.Membership.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			actx, cancel := context.WithTimeout(ctx, n.cfg.Membership.HeartbeatInterval)
			if err := n.announce(actx, transport.Heartbeat); err != nil {
				n.logger.Debug("heartbeat failed", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

func (n *Node) onAnnouncement(a transport.Announcement) {
	if a.Member.ID == n.id || n.closed.Load() {
		return
	}
	switch a.Kind {
	case transport.Hello:
		n.tracker.Heartbeat(a.Member)
		// The newcomer does not know us yet.
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Membership.HeartbeatInterval)
		defer cancel()
		if err := n.announce(ctx, transport.Heartbeat); err != nil {
			n.logger.Debug("heartbeat reply failed",
				slog.String("peer", a.Member.ID),
				slog.String("error", err.Error()))
		}
	case transport.Heartbeat:
		n.tracker.Heartbeat(a.Member)
		if n.cfg.Membership.RecordMetricUpdates {
			_, _ = n.Record(context.Background(), event.NodeMetricsUpdated,
				event.WithAttr(event.AttrPeerID, a.Member.ID),
				event.WithAttr(AttrRetained, a.Member.Metrics.Retained),
				event.WithAttr(AttrRecorded, a.Member.Metrics.Recorded))
		}
	case transport.Bye:
		n.tracker.Leave(a.Member.ID)
	default:
		n.logger.Debug("unknown announcement", slog.String("kind", string(a.Kind)))
	}
}

// onMembershipChange records topology events and drops the forwarders of
// members that are gone.
func (n *Node) onMembershipChange(c cluster.Change) {
	typ, ok := changeTypes[c.Kind]
	if !ok {
		return
	}
	_, _ = n.Record(context.Background(), typ,
		event.WithAttr(event.AttrPeerID, c.Member.ID),
		event.WithMessage("node "+string(c.Kind)+": "+c.Member.ID))

	if c.Kind != cluster.Joined {
		if dropped := n.dropForwarders(c.Member.ID); dropped > 0 {
			n.logger.Info("removed subscriptions of departed node",
				slog.String("peer", c.Member.ID),
				slog.Int("subscriptions", dropped))
		}
	}
}
