package eventfabric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric/cluster"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/listener"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/transport"
)

// RemoteSubscription is a listener fed by forwarders on other nodes.
type RemoteSubscription struct {
	id     string
	node   *Node
	filter event.Filter
	disp   *listener.Dispatcher

	mu      sync.Mutex
	nodes   []string
	failed  map[string]error
	stopped bool
}

// ID returns the subscription ID shared with the serving nodes.
func (s *RemoteSubscription) ID() string {
	return s.id
}

// Nodes returns the members the subscription was installed on.
func (s *RemoteSubscription) Nodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.nodes)
}

// Failures returns the members that refused or could not be reached when
// the subscription was made.
func (s *RemoteSubscription) Failures() map[string]error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]error, len(s.failed))
	for k, v := range s.failed {
		out[k] = v
	}
	return out
}

// Stop removes the forwarders. Stopping twice is a no-op.
func (s *RemoteSubscription) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	nodes := slices.Clone(s.nodes)
	s.mu.Unlock()

	n := s.node
	n.subsMu.Lock()
	delete(n.subs, s.id)
	n.subsMu.Unlock()
	s.disp.Registry().Clear()

	var errs []error
	for _, id := range nodes {
		if id == n.id {
			n.removeForwarder(n.id, s.id)
			continue
		}
		if err := n.transport.Unsubscribe(ctx, id, n.id, s.id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *RemoteSubscription) deliver(ctx context.Context, rec event.Record) {
	s.mu.Lock()
	ok := !s.stopped && slices.Contains(s.nodes, rec.NodeID)
	s.mu.Unlock()
	if !ok || !s.match(rec) {
		return
	}
	s.disp.Dispatch(ctx, rec)
}

func (s *RemoteSubscription) match(rec event.Record) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.node.logger.Warn("subscription filter panicked",
				slog.String("subscription", s.id),
				slog.Any("panic", r))
			ok = false
		}
	}()
	return s.filter.Match(rec)
}

// RemoteListen delivers records of types matching f, recorded on any member
// of the projection, to l on this node. The returned subscription lives
// until Stop or Node.Close.
//
// Members that cannot be reached are reported by Failures; RemoteListen
// fails only when no member accepted the subscription.
func (e *Events) RemoteListen(ctx context.Context, l listener.Listener, f event.Filter, types ...event.Type) (*RemoteSubscription, error) {
	n := e.node
	if n.closed.Load() {
		return nil, ErrClosed
	}
	if f == nil {
		f = event.All()
	}

	reg := listener.NewRegistry()
	if err := reg.Listen(l, types...); err != nil {
		return nil, err
	}
	members, err := n.resolver.Resolve(e.proj)
	if err != nil {
		return nil, err
	}
	var spec event.Spec
	if hasRemote(members, n.id) {
		if spec, err = event.SpecOf(f); err != nil {
			return nil, err
		}
	}

	sub := &RemoteSubscription{
		id:     uuid.New().String(),
		node:   n,
		filter: f,
		failed: make(map[string]error),
		disp: listener.NewDispatcher(reg, listener.DispatcherConfig{
			AutoUnregister: n.cfg.Listeners.AutoUnregister,
			Logger:         n.logger,
			Metrics:        n.opts.metrics,
			OnError:        n.opts.onError,
		}),
	}
	ctx, span := n.opts.spans.StartListenSpan(ctx, sub.id, len(members))

	// Registered before the first forwarder can deliver to it.
	n.subsMu.Lock()
	n.subs[sub.id] = sub
	n.subsMu.Unlock()

	req := &transport.SubscribeRequest{
		SubscriptionID: sub.id,
		Origin:         n.id,
		Types:          slices.Clone(types),
		Filter:         spec,
	}
	for _, m := range members {
		// The member is accepted before its forwarder exists, so records it
		// forwards while Subscribe is still in flight are delivered.
		sub.mu.Lock()
		sub.nodes = append(sub.nodes, m.ID)
		sub.mu.Unlock()

		var err error
		if m.ID == n.id {
			err = n.installForwarder(req, f)
		} else if n.transport == nil {
			err = &transport.Error{NodeID: m.ID, Op: "subscribe", Err: transport.ErrUnreachable}
		} else {
			err = n.transport.Subscribe(ctx, m.ID, req)
		}
		if err == nil {
			continue
		}

		sub.mu.Lock()
		sub.nodes = slices.DeleteFunc(sub.nodes, func(id string) bool { return id == m.ID })
		sub.failed[m.ID] = err
		sub.mu.Unlock()
		n.logger.Warn("remote listen failed on node",
			slog.String("subscription", sub.id),
			slog.String("target_node", m.ID),
			slog.String("error", err.Error()))
	}

	if len(sub.Nodes()) == 0 {
		_ = sub.Stop(ctx)
		failures := sub.Failures()
		errs := make([]error, 0, len(failures))
		for _, err := range failures {
			errs = append(errs, err)
		}
		err := fmt.Errorf("remote listen on %s: %w", e.proj, errors.Join(errs...))
		n.opts.spans.EndSpanWithError(span, err)
		return nil, err
	}
	n.opts.spans.EndSpanWithError(span, nil)
	return sub, nil
}

func hasRemote(members []cluster.Member, localID string) bool {
	for _, m := range members {
		if m.ID != localID {
			return true
		}
	}
	return false
}

// forwarder is the listener a node installs for a subscription. It sends
// matching records to the subscription's origin.
type forwarder struct {
	node   *Node
	subID  string
	origin string
	filter event.Filter
}

func (f *forwarder) ListenerName() string {
	return "forward[" + f.origin + "/" + f.subID + "]"
}

func (f *forwarder) OnEvent(rec event.Record) bool {
	if !f.filter.Match(rec) {
		return true
	}
	n := f.node
	if f.origin == n.id {
		n.deliver(context.Background(), f.subID, rec)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.shutdownTimeout())
	defer cancel()
	if err := n.transport.Deliver(ctx, f.origin, f.subID, rec); err != nil {
		n.logger.Warn("forwarding failed",
			slog.String("subscription", f.subID),
			slog.String("origin", f.origin),
			slog.String("error", err.Error()))
	}
	return true
}

func (n *Node) installForwarder(req *transport.SubscribeRequest, f event.Filter) error {
	if n.closed.Load() {
		return ErrClosed
	}
	fw := &forwarder{node: n, subID: req.SubscriptionID, origin: req.Origin, filter: f}

	n.subsMu.Lock()
	defer n.subsMu.Unlock()
	if _, ok := n.forwarders[fw.subID]; ok {
		return nil
	}
	if err := n.registry.Listen(fw, req.Types...); err != nil {
		return err
	}
	n.forwarders[fw.subID] = fw
	return nil
}

func (n *Node) removeForwarder(origin, subID string) bool {
	n.subsMu.Lock()
	fw, ok := n.forwarders[subID]
	if !ok || fw.origin != origin {
		n.subsMu.Unlock()
		return false
	}
	delete(n.forwarders, subID)
	n.subsMu.Unlock()
	return n.registry.StopListen(fw)
}

// dropForwarders removes every forwarder serving origin.
func (n *Node) dropForwarders(origin string) int {
	n.subsMu.Lock()
	var gone []*forwarder
	for id, fw := range n.forwarders {
		if fw.origin == origin {
			gone = append(gone, fw)
			delete(n.forwarders, id)
		}
	}
	n.subsMu.Unlock()

	for _, fw := range gone {
		n.registry.StopListen(fw)
	}
	return len(gone)
}

func (n *Node) deliver(ctx context.Context, subID string, rec event.Record) {
	n.subsMu.RLock()
	sub, ok := n.subs[subID]
	n.subsMu.RUnlock()
	if !ok {
		n.logger.Debug("delivery for unknown subscription", slog.String("subscription", subID))
		return
	}
	sub.deliver(ctx, rec)
}

// handler serves the node's transport requests.
type handler struct {
	n *Node
}

func (h handler) HandleQuery(ctx context.Context, req *transport.QueryRequest) ([]event.Record, error) {
	return h.n.server.Handle(ctx, req)
}

func (h handler) HandleSubscribe(_ context.Context, req *transport.SubscribeRequest) error {
	f, err := h.n.opts.filters.Decode(req.Filter)
	if err != nil {
		return fmt.Errorf("subscription %s: %w", req.SubscriptionID, err)
	}
	if err := h.n.installForwarder(req, f); err != nil {
		return err
	}
	h.n.logger.Debug("subscription installed",
		slog.String("subscription", req.SubscriptionID),
		slog.String("origin", req.Origin))
	return nil
}

func (h handler) HandleUnsubscribe(_ context.Context, origin, subscriptionID string) error {
	h.n.removeForwarder(origin, subscriptionID)
	return nil
}

func (h handler) HandleDelivery(ctx context.Context, subscriptionID string, rec event.Record) {
	h.n.deliver(ctx, subscriptionID, rec)
}
