package transport

import (
	"context"
	"sync"
	"time"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
)

// Network is an in-process Transport. Every node attached to the same
// Network can reach every other, subject to the latency and partitions
// configured for tests. Requests are served on the caller's goroutine;
// announcements are delivered synchronously to every watcher.
type Network struct {
	mu          sync.RWMutex
	handlers    map[string]Handler
	watchers    map[uint64]func(Announcement)
	nextWatch   uint64
	latency     map[string]time.Duration
	partitioned map[string]bool
}

// Compile-time interface check.
var _ Transport = (*Network)(nil)

// NewNetwork creates an empty in-process network.
func NewNetwork() *Network {
	return &Network{
		handlers:    make(map[string]Handler),
		watchers:    make(map[uint64]func(Announcement)),
		latency:     make(map[string]time.Duration),
		partitioned: make(map[string]bool),
	}
}

// SetLatency delays every request served by nodeID by d.
func (n *Network) SetLatency(nodeID string, d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if d <= 0 {
		delete(n.latency, nodeID)
		return
	}
	n.latency[nodeID] = d
}

// Partition cuts nodeID off the network, or heals it when cut is false. A
// partitioned node is unreachable and its announcements are dropped.
func (n *Network) Partition(nodeID string, cut bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cut {
		n.partitioned[nodeID] = true
	} else {
		delete(n.partitioned, nodeID)
	}
}

// Serve implements Transport.
func (n *Network) Serve(nodeID string, h Handler) (func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.handlers[nodeID]; ok {
		return nil, &Error{NodeID: nodeID, Op: "serve", Err: ErrAlreadyServing}
	}
	n.handlers[nodeID] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if n.handlers[nodeID] == h {
				delete(n.handlers, nodeID)
			}
		})
	}, nil
}

// route returns nodeID's handler after waiting for its latency.
func (n *Network) route(ctx context.Context, nodeID, op string) (Handler, error) {
	n.mu.RLock()
	h, ok := n.handlers[nodeID]
	cut := n.partitioned[nodeID]
	delay := n.latency[nodeID]
	n.mu.RUnlock()

	if !ok || cut {
		return nil, &Error{NodeID: nodeID, Op: op, Err: ErrUnreachable}
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, &Error{NodeID: nodeID, Op: op, Err: ctx.Err()}
		}
	}
	return h, nil
}

// Query implements Transport.
func (n *Network) Query(ctx context.Context, nodeID string, req *QueryRequest) ([]event.Record, error) {
	h, err := n.route(ctx, nodeID, "query")
	if err != nil {
		return nil, err
	}
	recs, err := h.HandleQuery(ctx, req)
	if err != nil {
		return nil, &Error{NodeID: nodeID, Op: "query", Err: &RemoteError{Message: err.Error()}}
	}
	out := make([]event.Record, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out, nil
}

// Subscribe implements Transport.
func (n *Network) Subscribe(ctx context.Context, nodeID string, req *SubscribeRequest) error {
	h, err := n.route(ctx, nodeID, "subscribe")
	if err != nil {
		return err
	}
	if err := h.HandleSubscribe(ctx, req); err != nil {
		return &Error{NodeID: nodeID, Op: "subscribe", Err: &RemoteError{Message: err.Error()}}
	}
	return nil
}

// Unsubscribe implements Transport.
func (n *Network) Unsubscribe(ctx context.Context, nodeID, origin, subscriptionID string) error {
	h, err := n.route(ctx, nodeID, "unsubscribe")
	if err != nil {
		return err
	}
	if err := h.HandleUnsubscribe(ctx, origin, subscriptionID); err != nil {
		return &Error{NodeID: nodeID, Op: "unsubscribe", Err: &RemoteError{Message: err.Error()}}
	}
	return nil
}

// Deliver implements Transport.
func (n *Network) Deliver(ctx context.Context, originID, subscriptionID string, rec event.Record) error {
	h, err := n.route(ctx, originID, "deliver")
	if err != nil {
		return err
	}
	h.HandleDelivery(ctx, subscriptionID, rec.Clone())
	return nil
}

// Announce implements Transport.
func (n *Network) Announce(_ context.Context, a Announcement) error {
	n.mu.RLock()
	if n.partitioned[a.Member.ID] {
		n.mu.RUnlock()
		return nil
	}
	watchers := make([]func(Announcement), 0, len(n.watchers))
	for _, fn := range n.watchers {
		watchers = append(watchers, fn)
	}
	n.mu.RUnlock()

	for _, fn := range watchers {
		msg := a
		msg.Member = a.Member.Clone()
		fn(msg)
	}
	return nil
}

// Watch implements Transport.
func (n *Network) Watch(fn func(Announcement)) (func(), error) {
	n.mu.Lock()
	n.nextWatch++
	id := n.nextWatch
	n.watchers[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.watchers, id)
		n.mu.Unlock()
	}, nil
}
