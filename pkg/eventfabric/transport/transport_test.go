package transport_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric/cluster"
	ferrors "github.com/randalmurphal/eventfabric/pkg/eventfabric/errors"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/transport"
)

// fakeHandler serves a fixed set of records and remembers subscriptions and
// deliveries.
type fakeHandler struct {
	nodeID  string
	records []event.Record
	failErr error

	mu        sync.Mutex
	subs      map[string]*transport.SubscribeRequest
	delivered chan event.Record
}

func newFakeHandler(nodeID string, recs ...event.Record) *fakeHandler {
	return &fakeHandler{
		nodeID:    nodeID,
		records:   recs,
		subs:      make(map[string]*transport.SubscribeRequest),
		delivered: make(chan event.Record, 16),
	}
}

func (h *fakeHandler) HandleQuery(_ context.Context, req *transport.QueryRequest) ([]event.Record, error) {
	if h.failErr != nil {
		return nil, h.failErr
	}
	f, err := event.DecodeFilter(req.Filter)
	if err != nil {
		return nil, err
	}
	var out []event.Record
	for _, r := range h.records {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (h *fakeHandler) HandleSubscribe(_ context.Context, req *transport.SubscribeRequest) error {
	if len(req.Types) == 0 {
		return errors.New("no types")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[req.SubscriptionID] = req
	return nil
}

func (h *fakeHandler) HandleUnsubscribe(_ context.Context, _, subscriptionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, subscriptionID)
	return nil
}

func (h *fakeHandler) HandleDelivery(_ context.Context, _ string, rec event.Record) {
	h.delivered <- rec
}

func (h *fakeHandler) subscriptions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func typedSpec(t *testing.T, types ...event.Type) event.Spec {
	t.Helper()
	spec, err := event.SpecOf(event.OfType(types...))
	require.NoError(t, err)
	return spec
}

// transportContract exercises behavior every Transport must share.
func transportContract(t *testing.T, a, b transport.Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hb := newFakeHandler("n-b",
		event.New(event.TaskStarted, "n-b", event.WithAttr("n", 1)),
		event.New(event.JobStarted, "n-b"),
	)
	stop, err := b.Serve("n-b", hb)
	require.NoError(t, err)
	defer stop()

	ha := newFakeHandler("n-a")
	stopA, err := a.Serve("n-a", ha)
	require.NoError(t, err)
	defer stopA()

	t.Run("query", func(t *testing.T) {
		recs, err := a.Query(ctx, "n-b", &transport.QueryRequest{QueryID: "q", Origin: "n-a", Filter: typedSpec(t, event.TaskStarted)})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, event.TaskStarted, recs[0].Type)
		assert.Equal(t, "n-b", recs[0].NodeID)
		assert.EqualValues(t, 1, recs[0].Payload["n"])
	})

	t.Run("remote handler error", func(t *testing.T) {
		_, err := a.Query(ctx, "n-b", &transport.QueryRequest{Filter: event.Spec{Kind: "no.such.kind"}})
		require.Error(t, err)

		var te *transport.Error
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "n-b", te.NodeID)
		var re *transport.RemoteError
		assert.ErrorAs(t, err, &re)
		assert.Equal(t, ferrors.CategoryPermanent, ferrors.Categorize(err))
	})

	t.Run("unreachable", func(t *testing.T) {
		short, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()
		_, err := a.Query(short, "n-missing", &transport.QueryRequest{Filter: typedSpec(t, event.TaskStarted)})
		require.Error(t, err)
		var te *transport.Error
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "n-missing", te.NodeID)
		assert.NotEqual(t, ferrors.CategoryPermanent, ferrors.Categorize(err))
	})

	t.Run("subscribe and deliver", func(t *testing.T) {
		req := &transport.SubscribeRequest{
			SubscriptionID: "sub-1",
			Origin:         "n-a",
			Types:          []event.Type{event.TaskStarted},
			Filter:         typedSpec(t, event.TaskStarted),
		}
		require.NoError(t, a.Subscribe(ctx, "n-b", req))
		assert.Equal(t, 1, hb.subscriptions())

		err := a.Subscribe(ctx, "n-b", &transport.SubscribeRequest{SubscriptionID: "sub-2", Origin: "n-a"})
		var re *transport.RemoteError
		assert.ErrorAs(t, err, &re)

		rec := event.New(event.TaskStarted, "n-b")
		require.NoError(t, b.Deliver(ctx, "n-a", "sub-1", rec))
		select {
		case got := <-ha.delivered:
			assert.Equal(t, rec.ID, got.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("delivery not received")
		}

		require.NoError(t, a.Unsubscribe(ctx, "n-b", "n-a", "sub-1"))
		assert.Zero(t, hb.subscriptions())
	})

	t.Run("announce", func(t *testing.T) {
		got := make(chan transport.Announcement, 4)
		stopWatch, err := b.Watch(func(an transport.Announcement) { got <- an })
		require.NoError(t, err)
		defer stopWatch()

		require.NoError(t, a.Announce(ctx, transport.Announcement{
			Kind:   transport.Hello,
			Member: cluster.Member{ID: "n-a", Attributes: map[string]string{"zone": "x"}},
		}))
		select {
		case an := <-got:
			assert.Equal(t, transport.Hello, an.Kind)
			assert.Equal(t, "n-a", an.Member.ID)
			assert.Equal(t, "x", an.Member.Attr("zone"))
		case <-time.After(2 * time.Second):
			t.Fatal("announcement not received")
		}
	})
}

func TestNetwork_Contract(t *testing.T) {
	n := transport.NewNetwork()
	transportContract(t, n, n)
}

func TestNetwork_ServeTwice(t *testing.T) {
	n := transport.NewNetwork()
	stop, err := n.Serve("n-a", newFakeHandler("n-a"))
	require.NoError(t, err)

	_, err = n.Serve("n-a", newFakeHandler("n-a"))
	assert.ErrorIs(t, err, transport.ErrAlreadyServing)

	stop()
	stop()
	_, err = n.Serve("n-a", newFakeHandler("n-a"))
	assert.NoError(t, err)
}

func TestNetwork_Partition(t *testing.T) {
	n := transport.NewNetwork()
	_, err := n.Serve("n-b", newFakeHandler("n-b"))
	require.NoError(t, err)

	var heard int
	_, err = n.Watch(func(transport.Announcement) { heard++ })
	require.NoError(t, err)

	n.Partition("n-b", true)
	_, err = n.Query(context.Background(), "n-b", &transport.QueryRequest{})
	assert.ErrorIs(t, err, transport.ErrUnreachable)
	assert.True(t, ferrors.IsUnreachable(err))

	require.NoError(t, n.Announce(context.Background(), transport.Announcement{Kind: transport.Heartbeat, Member: cluster.Member{ID: "n-b"}}))
	assert.Zero(t, heard)

	n.Partition("n-b", false)
	_, err = n.Query(context.Background(), "n-b", &transport.QueryRequest{Filter: typedSpec(t, event.TaskStarted)})
	assert.NoError(t, err)
	require.NoError(t, n.Announce(context.Background(), transport.Announcement{Kind: transport.Heartbeat, Member: cluster.Member{ID: "n-b"}}))
	assert.Equal(t, 1, heard)
}

func TestNetwork_LatencyRespectsContext(t *testing.T) {
	n := transport.NewNetwork()
	_, err := n.Serve("n-slow", newFakeHandler("n-slow"))
	require.NoError(t, err)
	n.SetLatency("n-slow", time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = n.Query(ctx, "n-slow", &transport.QueryRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, ferrors.IsRetryable(err))
}

func TestNetwork_QueryReturnsCopies(t *testing.T) {
	n := transport.NewNetwork()
	rec := event.New(event.TaskStarted, "n-b", event.WithAttr("k", "v"))
	h := newFakeHandler("n-b", rec)
	_, err := n.Serve("n-b", h)
	require.NoError(t, err)

	recs, err := n.Query(context.Background(), "n-b", &transport.QueryRequest{Filter: typedSpec(t, event.TaskStarted)})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	recs[0].Payload["k"] = "changed"
	assert.Equal(t, "v", h.records[0].Payload["k"])
}
