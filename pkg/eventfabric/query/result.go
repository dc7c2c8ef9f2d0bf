package query

import (
	"time"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/observability"
)

// Status is the outcome of one node's part in a remote query.
type Status string

const (
	StatusResponded Status = observability.OutcomeResponded
	StatusFailed    Status = observability.OutcomeFailed
	StatusTimedOut  Status = observability.OutcomeTimedOut
)

// NodeOutcome describes how one targeted node answered.
type NodeOutcome struct {
	NodeID string
	Status Status

	// Records is the number of records kept from this node.
	Records int

	// Dropped counts returned records discarded because they did not
	// match the filter or were attributed to another node.
	Dropped int

	// Err is set for failed and timed out nodes.
	Err error

	Duration time.Duration
}

// Result is the detailed outcome of a remote query.
type Result struct {
	QueryID string

	// Records are merged in node ID order, each node's records in its
	// recording order.
	Records []event.Record

	// Nodes has one entry per targeted node, sorted by node ID.
	Nodes []NodeOutcome

	Duration time.Duration
}

// Responded returns the number of nodes that answered.
func (r *Result) Responded() int {
	n := 0
	for _, o := range r.Nodes {
		if o.Status == StatusResponded {
			n++
		}
	}
	return n
}

// Complete reports whether every targeted node answered.
func (r *Result) Complete() bool {
	return r.Responded() == len(r.Nodes)
}

// Outcome returns the outcome for nodeID.
func (r *Result) Outcome(nodeID string) (NodeOutcome, bool) {
	for _, o := range r.Nodes {
		if o.NodeID == nodeID {
			return o, true
		}
	}
	return NodeOutcome{}, false
}
