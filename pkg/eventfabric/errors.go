package eventfabric

import (
	"errors"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric/cluster"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/listener"
)

var (
	// ErrEmptyProjection is returned by remote operations whose projection
	// selects no live member.
	ErrEmptyProjection = cluster.ErrEmptyProjection

	// ErrNotPortable is returned when a filter that cannot be serialized
	// targets another node.
	ErrNotPortable = event.ErrNotPortable

	// ErrNotComparable is returned when registering a listener that cannot
	// serve as a map key.
	ErrNotComparable = listener.ErrNotComparable

	// ErrClosed is returned by operations on a closed node.
	ErrClosed = errors.New("eventfabric: node closed")
)
