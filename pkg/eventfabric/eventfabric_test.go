package eventfabric_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/config"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/listener"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/query"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/transport"
)

var taskStarted = event.OfType(event.TaskStarted)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func nodeConfig(id string, mutate ...func(*config.NodeConfig)) config.NodeConfig {
	cfg := config.DefaultNodeConfig()
	cfg.Node.ID = id
	for _, m := range mutate {
		m(&cfg)
	}
	return cfg
}

func startNode(t *testing.T, cfg config.NodeConfig, opts ...eventfabric.Option) *eventfabric.Node {
	t.Helper()
	opts = append([]eventfabric.Option{eventfabric.WithLogger(quietLogger())}, opts...)
	n, err := eventfabric.New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Close() })
	return n
}

// newGrid starts one node per id on a shared in-process network, in order.
func newGrid(t *testing.T, ids ...string) (*transport.Network, map[string]*eventfabric.Node) {
	t.Helper()
	net := transport.NewNetwork()
	nodes := make(map[string]*eventfabric.Node, len(ids))
	for _, id := range ids {
		nodes[id] = startNode(t, nodeConfig(id), eventfabric.WithTransport(net))
	}
	return net, nodes
}

func runTask(t *testing.T, n *eventfabric.Node, name string) {
	t.Helper()
	_, err := n.RecordAll(context.Background(), event.TaskExecution(name, "", 2))
	require.NoError(t, err)
}

func memberIDs(n *eventfabric.Node) []string {
	var ids []string
	for _, m := range n.Members() {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestLocalListen_RepeatedRegistrationDeliversOnce(t *testing.T) {
	n := startNode(t, nodeConfig("n-a"))
	counter := listener.NewCounter()

	events := n.Events()
	require.NoError(t, events.LocalListen(counter, event.TaskStarted))
	require.NoError(t, events.LocalListen(counter, event.TaskStarted))
	require.NoError(t, events.LocalListen(counter, event.TaskStarted, event.TaskFinished))

	runTask(t, n, "resize")
	assert.Equal(t, 1, counter.Count(event.TaskStarted))
	assert.Equal(t, 1, counter.Count(event.TaskFinished))
	assert.Equal(t, 2, counter.Count(""))
	assert.Equal(t, 1, n.Stats().Listeners)
}

func TestStopLocalListen(t *testing.T) {
	n := startNode(t, nodeConfig("n-a"))
	counter := listener.NewCounter()

	require.NoError(t, n.Events().LocalListen(counter, event.TaskTypes...))
	assert.True(t, n.Events().StopLocalListen(counter))
	assert.False(t, n.Events().StopLocalListen(counter))

	runTask(t, n, "resize")
	assert.Zero(t, counter.Count(""))
}

func TestLocalListen_Validation(t *testing.T) {
	n := startNode(t, nodeConfig("n-a"))

	assert.ErrorIs(t, n.Events().LocalListen(nil, event.TaskStarted), listener.ErrNilListener)
	assert.ErrorIs(t, n.Events().LocalListen(listener.NewCounter()), listener.ErrNoTypes)
}

func TestLocalQuery_TaskStartedCounts(t *testing.T) {
	n := startNode(t, nodeConfig("n-a"))

	runTask(t, n, "resize")
	recs, err := n.Events().LocalQuery(taskStarted)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	runTask(t, n, "resize")
	recs, err = n.Events().LocalQuery(taskStarted)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Less(t, recs[0].Seq, recs[1].Seq)
}

func TestRemoteQuery_EmptyProjection(t *testing.T) {
	_, nodes := newGrid(t, "n-a", "n-b")
	a := nodes["n-a"]

	_, err := a.ForNodes("n-nobody").Events().RemoteQuery(context.Background(), taskStarted, time.Second)
	assert.ErrorIs(t, err, eventfabric.ErrEmptyProjection)

	_, err = a.ForAttribute("zone", "mars").Events().RemoteQuery(context.Background(), taskStarted, time.Second)
	assert.ErrorIs(t, err, eventfabric.ErrEmptyProjection)

	_, err = a.ForNodes("n-nobody").Events().RemoteListen(context.Background(), listener.NewCounter(), nil, event.TaskStarted)
	assert.ErrorIs(t, err, eventfabric.ErrEmptyProjection)
}

func TestRemoteQuery_TargetedNode(t *testing.T) {
	_, nodes := newGrid(t, "n-a", "n-b")
	a, b := nodes["n-a"], nodes["n-b"]

	runTask(t, b, "resize")

	recs, err := a.ForNodes("n-b").Events().RemoteQuery(context.Background(), taskStarted, time.Second)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "n-b", recs[0].NodeID)

	local, err := a.Events().LocalQuery(taskStarted)
	require.NoError(t, err)
	assert.Empty(t, local)
}

func TestRemoteQuery_RemotesExcludeLocal(t *testing.T) {
	_, nodes := newGrid(t, "n-a", "n-b")
	a := nodes["n-a"]

	runTask(t, a, "resize")

	recs, err := a.ForRemotes().Events().RemoteQuery(context.Background(), taskStarted, time.Second)
	require.NoError(t, err)
	assert.Empty(t, recs)

	recs, err = a.Events().RemoteQuery(context.Background(), taskStarted, time.Second)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	recs, err = a.ForLocal().Events().RemoteQuery(context.Background(), taskStarted, time.Second)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestRemoteQuery_PartitionedNodeIsLeftOut(t *testing.T) {
	net, nodes := newGrid(t, "n-a", "n-b", "n-c")
	runTask(t, nodes["n-b"], "resize")
	runTask(t, nodes["n-c"], "resize")
	net.Partition("n-c", true)

	res, err := nodes["n-a"].Events().RemoteQueryDetailed(context.Background(), taskStarted, time.Second)
	require.NoError(t, err)
	assert.Len(t, res.Records, 1)
	assert.Equal(t, 2, res.Responded())

	o, ok := res.Outcome("n-c")
	require.True(t, ok)
	assert.Equal(t, query.StatusFailed, o.Status)
}

func TestRemoteQuery_FunctionFilterStaysLocal(t *testing.T) {
	_, nodes := newGrid(t, "n-a", "n-b")
	a := nodes["n-a"]
	runTask(t, a, "resize")

	fn := event.FilterFunc(func(r event.Record) bool { return r.Type == event.TaskStarted })

	_, err := a.Events().RemoteQuery(context.Background(), fn, time.Second)
	assert.ErrorIs(t, err, eventfabric.ErrNotPortable)

	recs, err := a.ForLocal().Events().RemoteQuery(context.Background(), fn, time.Second)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestProjectionByAttribute(t *testing.T) {
	net := transport.NewNetwork()
	a := startNode(t, nodeConfig("n-a"), eventfabric.WithTransport(net))
	startNode(t, nodeConfig("n-gpu", func(c *config.NodeConfig) {
		c.Node.Attributes = map[string]string{"role": "gpu"}
	}), eventfabric.WithTransport(net))
	startNode(t, nodeConfig("n-cpu", func(c *config.NodeConfig) {
		c.Node.Attributes = map[string]string{"role": "cpu"}
	}), eventfabric.WithTransport(net))

	members := a.ForAttribute("role", "gpu").Members()
	require.Len(t, members, 1)
	assert.Equal(t, "n-gpu", members[0].ID)
}

func TestMembership_JoinAndLeave(t *testing.T) {
	_, nodes := newGrid(t, "n-a", "n-b")
	a, b := nodes["n-a"], nodes["n-b"]

	assert.Equal(t, []string{"n-a", "n-b"}, memberIDs(a))
	assert.Equal(t, []string{"n-a", "n-b"}, memberIDs(b))

	joined, err := a.Events().LocalQuery(event.OfType(event.NodeJoined))
	require.NoError(t, err)
	require.Len(t, joined, 1)
	assert.Equal(t, "n-b", joined[0].String(event.AttrPeerID))

	require.NoError(t, b.Close())
	assert.Equal(t, []string{"n-a"}, memberIDs(a))

	left, err := a.Events().LocalQuery(event.OfType(event.NodeLeft))
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "n-b", left[0].String(event.AttrPeerID))

	m, ok := a.Member("n-b")
	require.True(t, ok)
	assert.False(t, m.Alive())
}

func TestMembership_MetricUpdates(t *testing.T) {
	_, nodes := newGrid(t, "n-a", "n-b")

	// n-a answered n-b's hello with a heartbeat.
	recs, err := nodes["n-b"].Events().LocalQuery(event.OfType(event.NodeMetricsUpdated))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "n-a", recs[0].String(event.AttrPeerID))
	retained, ok := recs[0].Attr(eventfabric.AttrRetained)
	require.True(t, ok)
	assert.Equal(t, 1, retained)
}

func TestMembership_MetricUpdatesDisabled(t *testing.T) {
	net := transport.NewNetwork()
	quiet := func(c *config.NodeConfig) { c.Membership.RecordMetricUpdates = false }
	startNode(t, nodeConfig("n-a", quiet), eventfabric.WithTransport(net))
	b := startNode(t, nodeConfig("n-b", quiet), eventfabric.WithTransport(net))

	recs, err := b.Events().LocalQuery(event.OfType(event.NodeMetricsUpdated))
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Len(t, b.Members(), 2)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMembership_FailureDropsForwarders(t *testing.T) {
	net := transport.NewNetwork()
	clock := &fakeClock{now: time.Now()}

	b := startNode(t, nodeConfig("n-b", func(c *config.NodeConfig) {
		c.Membership.SweepInterval = 10 * time.Millisecond
	}), eventfabric.WithTransport(net), eventfabric.WithClock(clock.Now))
	a := startNode(t, nodeConfig("n-a", func(c *config.NodeConfig) {
		c.Membership.HeartbeatInterval = time.Hour
		c.Membership.FailureTimeout = 2 * time.Hour
	}), eventfabric.WithTransport(net))

	_, err := a.ForNodes("n-b").Events().RemoteListen(context.Background(), listener.NewCounter(), nil, event.TaskStarted)
	require.NoError(t, err)
	require.Equal(t, 1, b.Stats().Listeners)

	clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		recs, _ := b.Events().LocalQuery(event.OfType(event.NodeFailed))
		return len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, b.Stats().Listeners)
	assert.Equal(t, []string{"n-b"}, memberIDs(b))
}

func TestRemoteListen(t *testing.T) {
	_, nodes := newGrid(t, "n-a", "n-b")
	a, b := nodes["n-a"], nodes["n-b"]
	counter := listener.NewCounter()

	sub, err := a.ForNodes("n-b").Events().RemoteListen(context.Background(), counter,
		event.WithPayloadValue(event.AttrTaskName, "resize"), event.TaskStarted)
	require.NoError(t, err)
	assert.Equal(t, []string{"n-b"}, sub.Nodes())
	assert.Empty(t, sub.Failures())
	assert.Equal(t, 1, b.Stats().Listeners)

	runTask(t, b, "resize")
	runTask(t, b, "thumbnail")
	runTask(t, a, "resize")
	assert.Equal(t, 1, counter.Count(event.TaskStarted))
	assert.Equal(t, 1, counter.Count(""))

	require.NoError(t, sub.Stop(context.Background()))
	require.NoError(t, sub.Stop(context.Background()))
	assert.Zero(t, b.Stats().Listeners)

	runTask(t, b, "resize")
	assert.Equal(t, 1, counter.Count(event.TaskStarted))
}

// subscribeHook runs after a subscribe request has been accepted by the
// target but before the caller sees the answer.
type subscribeHook struct {
	transport.Transport
	after func(nodeID string)
}

func (h *subscribeHook) Subscribe(ctx context.Context, nodeID string, req *transport.SubscribeRequest) error {
	if err := h.Transport.Subscribe(ctx, nodeID, req); err != nil {
		return err
	}
	if h.after != nil {
		h.after(nodeID)
	}
	return nil
}

func TestRemoteListen_DeliversWhileSubscribing(t *testing.T) {
	net := transport.NewNetwork()
	hook := &subscribeHook{Transport: net}
	a := startNode(t, nodeConfig("n-a"), eventfabric.WithTransport(hook))
	b := startNode(t, nodeConfig("n-b"), eventfabric.WithTransport(net))

	// n-b records between installing its forwarder and answering n-a.
	hook.after = func(nodeID string) {
		if nodeID == "n-b" {
			runTask(t, b, "resize")
		}
	}

	counter := listener.NewCounter()
	sub, err := a.ForNodes("n-b").Events().RemoteListen(context.Background(), counter, nil, event.TaskStarted)
	require.NoError(t, err)
	assert.Equal(t, []string{"n-b"}, sub.Nodes())
	assert.Equal(t, 1, counter.Count(event.TaskStarted))
}

func TestRemoteListen_IncludesLocalNode(t *testing.T) {
	_, nodes := newGrid(t, "n-a", "n-b")
	a, b := nodes["n-a"], nodes["n-b"]
	counter := listener.NewCounter()

	sub, err := a.Events().RemoteListen(context.Background(), counter, nil, event.TaskStarted)
	require.NoError(t, err)
	assert.Equal(t, []string{"n-a", "n-b"}, sub.Nodes())

	runTask(t, a, "resize")
	runTask(t, b, "resize")
	assert.Equal(t, 2, counter.Count(event.TaskStarted))

	require.NoError(t, sub.Stop(context.Background()))
	runTask(t, a, "resize")
	assert.Equal(t, 2, counter.Count(event.TaskStarted))
	assert.Zero(t, a.Stats().Listeners)
}

func TestRemoteListen_NonPortableFilter(t *testing.T) {
	_, nodes := newGrid(t, "n-a", "n-b")
	a := nodes["n-a"]
	fn := event.FilterFunc(func(event.Record) bool { return true })

	_, err := a.ForRemotes().Events().RemoteListen(context.Background(), listener.NewCounter(), fn, event.TaskStarted)
	assert.ErrorIs(t, err, eventfabric.ErrNotPortable)

	counter := listener.NewCounter()
	_, err = a.ForLocal().Events().RemoteListen(context.Background(), counter, fn, event.TaskStarted)
	require.NoError(t, err)
	runTask(t, a, "resize")
	assert.Equal(t, 1, counter.Count(event.TaskStarted))
}

func TestRemoteListen_UnreachableMembers(t *testing.T) {
	net, nodes := newGrid(t, "n-a", "n-b", "n-c")
	a := nodes["n-a"]
	net.Partition("n-c", true)

	sub, err := a.ForRemotes().Events().RemoteListen(context.Background(), listener.NewCounter(), nil, event.TaskStarted)
	require.NoError(t, err)
	assert.Equal(t, []string{"n-b"}, sub.Nodes())
	assert.Contains(t, sub.Failures(), "n-c")

	_, err = a.ForNodes("n-c").Events().RemoteListen(context.Background(), listener.NewCounter(), nil, event.TaskStarted)
	assert.ErrorIs(t, err, transport.ErrUnreachable)
}

func TestRemoteListen_OriginLeavingDropsForwarders(t *testing.T) {
	net, nodes := newGrid(t, "n-a", "n-b")
	a, b := nodes["n-a"], nodes["n-b"]

	_, err := a.ForNodes("n-b").Events().RemoteListen(context.Background(), listener.NewCounter(), nil, event.TaskStarted)
	require.NoError(t, err)
	require.Equal(t, 1, b.Stats().Listeners)

	// n-a says goodbye without unsubscribing first.
	require.NoError(t, net.Announce(context.Background(), transport.Announcement{
		Kind:   transport.Bye,
		Member: a.Members()[0],
	}))
	assert.Zero(t, b.Stats().Listeners)
}

func TestClose(t *testing.T) {
	_, nodes := newGrid(t, "n-a", "n-b")
	a, b := nodes["n-a"], nodes["n-b"]

	counter := listener.NewCounter()
	_, err := a.ForNodes("n-b").Events().RemoteListen(context.Background(), counter, nil, event.TaskStarted)
	require.NoError(t, err)
	require.NoError(t, a.Events().LocalListen(listener.NewCounter(), event.TaskStarted))
	runTask(t, a, "resize")

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Zero(t, a.Stats().Listeners)
	assert.Zero(t, b.Stats().Listeners)

	_, err = a.Record(context.Background(), event.TaskStarted)
	assert.ErrorIs(t, err, eventfabric.ErrClosed)
	assert.ErrorIs(t, a.Events().LocalListen(listener.NewCounter(), event.TaskStarted), eventfabric.ErrClosed)
	assert.ErrorIs(t, a.Start(context.Background()), eventfabric.ErrClosed)

	recs, err := a.Events().LocalQuery(taskStarted)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestStart_DuplicateNodeID(t *testing.T) {
	net := transport.NewNetwork()
	startNode(t, nodeConfig("n-a"), eventfabric.WithTransport(net))

	dup, err := eventfabric.New(nodeConfig("n-a"), eventfabric.WithTransport(net), eventfabric.WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.ErrorIs(t, dup.Start(context.Background()), transport.ErrAlreadyServing)
}

func TestListenerPanicIsIsolated(t *testing.T) {
	var (
		mu     sync.Mutex
		failed []*listener.Error
	)
	n := startNode(t, nodeConfig("n-a"), eventfabric.WithListenerErrorHandler(func(err *listener.Error) {
		mu.Lock()
		failed = append(failed, err)
		mu.Unlock()
	}))

	boom := listener.NamedFunc("boom", func(event.Record) bool { panic("boom") })
	counter := listener.NewCounter()
	require.NoError(t, n.Events().LocalListen(boom, event.TaskStarted))
	require.NoError(t, n.Events().LocalListen(counter, event.TaskStarted))

	rec, err := n.Record(context.Background(), event.TaskStarted)
	require.NoError(t, err)
	assert.Equal(t, 1, counter.Count(event.TaskStarted))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].Listener)
	assert.Equal(t, rec.ID, failed[0].Record.ID)
}

func TestNew_GeneratesIDAndValidates(t *testing.T) {
	n, err := eventfabric.New(config.DefaultNodeConfig(), eventfabric.WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Regexp(t, `^n-[a-z0-9]{8}$`, n.ID())
	require.NoError(t, n.Close())

	bad := config.DefaultNodeConfig()
	bad.Store.Capacity = -1
	_, err = eventfabric.New(bad)
	assert.ErrorContains(t, err, "store.capacity")
}

func TestArchiveFromConfig(t *testing.T) {
	n := startNode(t, nodeConfig("n-a", func(c *config.NodeConfig) {
		c.Store.Capacity = 2
		c.Archive.DSN = ":memory:"
	}))
	for range 5 {
		_, err := n.Record(context.Background(), event.JobQueued)
		require.NoError(t, err)
	}

	st := n.Stats()
	assert.Equal(t, 2, st.Retained)
	assert.Equal(t, uint64(5), st.Recorded)
	assert.Equal(t, uint64(3), st.Evicted)

	require.NotNil(t, n.Archive())
	count, err := n.Archive().Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}
