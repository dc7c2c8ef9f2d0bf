// Package cluster tracks the live members of an event grid and resolves
// projections (named node predicates) against them.
package cluster

import (
	"maps"
	"time"
)

// State is a member's liveness as seen by the local node.
type State string

const (
	StateAlive  State = "alive"
	StateLeft   State = "left"
	StateFailed State = "failed"
)

// Metrics are the store counters a member reports in its heartbeats.
type Metrics struct {
	Retained int    `json:"retained"`
	Recorded uint64 `json:"recorded"`
}

// Member describes one node of the grid.
type Member struct {
	ID         string            `json:"id"`
	Addr       string            `json:"addr,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	JoinedAt   time.Time         `json:"joined_at"`
	LastSeen   time.Time         `json:"last_seen"`
	State      State             `json:"state"`
	Metrics    Metrics           `json:"metrics"`
}

// Attr returns the attribute value for key, or "".
func (m Member) Attr(key string) string {
	return m.Attributes[key]
}

// Alive reports whether the member is considered live.
func (m Member) Alive() bool {
	return m.State == StateAlive
}

// Clone returns a copy that shares no maps with m.
func (m Member) Clone() Member {
	m.Attributes = maps.Clone(m.Attributes)
	return m
}

// Membership is a view of the grid from one node.
type Membership interface {
	// Local returns the member for the node holding this view.
	Local() Member

	// Snapshot returns the live members, including the local one, sorted
	// by ID.
	Snapshot() []Member
}

// Static is a fixed Membership, useful for tests and single-node setups.
type Static struct {
	Self    Member
	Members []Member
}

// Local implements Membership.
func (s Static) Local() Member { return s.Self.Clone() }

// Snapshot implements Membership.
func (s Static) Snapshot() []Member {
	out := make([]Member, 0, len(s.Members)+1)
	seenSelf := false
	for _, m := range s.Members {
		if m.ID == s.Self.ID {
			seenSelf = true
		}
		if m.State == "" || m.Alive() {
			out = append(out, m.Clone())
		}
	}
	if !seenSelf && s.Self.ID != "" {
		out = append(out, s.Self.Clone())
	}
	sortMembers(out)
	return out
}
