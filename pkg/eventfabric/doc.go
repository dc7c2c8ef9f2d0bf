/*
Package eventfabric records lifecycle events on every node of a compute grid
and lets other components observe them, either synchronously through local
listeners or after the fact through local and remote queries.

# Nodes

A Node owns a bounded store of records, a listener registry and a view of
the grid's membership. Records are appended by Record and delivered to the
matching listeners on the recording goroutine before Record returns:

	node, err := eventfabric.New(config.DefaultNodeConfig(),
	    eventfabric.WithTransport(tr),
	    eventfabric.WithLogger(logger),
	)
	if err != nil {
	    return err
	}
	if err := node.Start(ctx); err != nil {
	    return err
	}
	defer node.Close()

	counter := listener.NewCounter()
	_ = node.Events().LocalListen(counter, event.TaskStarted)

	_, _ = node.Record(ctx, event.TaskStarted, event.WithAttr("task_name", "resize"))

Registering the same listener again only widens its type set; every record
reaches a listener at most once.

# Projections

Remote operations target a projection, a named predicate over the live
members. An empty projection fails with ErrEmptyProjection before anything
is sent:

	recs, err := node.ForNodes("n-b", "n-c").Events().RemoteQuery(ctx,
	    event.OfType(event.TaskStarted), 2*time.Second)

Nodes that fail or miss the deadline are left out of the result; use
RemoteQueryDetailed for the per-node breakdown. Only portable filters (see
event.Portable) can travel to other nodes. Function filters work for local
queries and for projections that select only the local node.

# Remote listen

RemoteListen installs a forwarding listener on every selected node. Matching
records are sent back to the subscribing node and delivered to its listener
until the subscription is stopped or the subscriber leaves the grid.

# Membership

Started nodes announce themselves over the transport and send heartbeats.
Joins, departures and failures are recorded locally as node.joined,
node.left and node.failed; heartbeats from peers are recorded as
node.metrics.updated unless disabled.
*/
package eventfabric
