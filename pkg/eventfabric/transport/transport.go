// Package transport moves queries, subscriptions, deliveries and membership
// announcements between nodes.
//
// Two implementations are provided:
//
//   - Network: an in-process fabric with injectable latency and partitions,
//     used by tests and single-process grids.
//   - NATS: request/reply and pub/sub over a NATS server.
//
// Transports never interpret filters; they carry event.Spec values and leave
// decoding to the serving node.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric/cluster"
	ferrors "github.com/randalmurphal/eventfabric/pkg/eventfabric/errors"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
)

// QueryRequest asks a node for the records in its local store matching
// Filter.
type QueryRequest struct {
	QueryID string     `json:"query_id"`
	Origin  string     `json:"origin"`
	Filter  event.Spec `json:"filter"`
}

// SubscribeRequest asks a node to forward future records of Types matching
// Filter back to Origin.
type SubscribeRequest struct {
	SubscriptionID string       `json:"subscription_id"`
	Origin         string       `json:"origin"`
	Types          []event.Type `json:"types"`
	Filter         event.Spec   `json:"filter"`
}

// AnnounceKind is the kind of a membership announcement.
type AnnounceKind string

const (
	// Hello is sent once when a node starts. Receivers that did not know
	// the sender answer with a Heartbeat so both sides converge.
	Hello AnnounceKind = "hello"

	// Heartbeat is sent periodically while a node is alive.
	Heartbeat AnnounceKind = "heartbeat"

	// Bye is sent on graceful shutdown.
	Bye AnnounceKind = "bye"
)

// Announcement is a membership message broadcast to every node.
type Announcement struct {
	Kind   AnnounceKind   `json:"kind"`
	Member cluster.Member `json:"member"`
}

// Handler serves the requests addressed to one node.
type Handler interface {
	// HandleQuery runs a query against the local store.
	HandleQuery(ctx context.Context, req *QueryRequest) ([]event.Record, error)

	// HandleSubscribe installs a forwarding listener for a remote origin.
	HandleSubscribe(ctx context.Context, req *SubscribeRequest) error

	// HandleUnsubscribe removes a forwarding listener.
	HandleUnsubscribe(ctx context.Context, origin, subscriptionID string) error

	// HandleDelivery receives a record forwarded for one of this node's
	// remote subscriptions.
	HandleDelivery(ctx context.Context, subscriptionID string, rec event.Record)
}

// Transport connects nodes.
type Transport interface {
	// Serve routes requests addressed to nodeID to h until stop is called.
	Serve(nodeID string, h Handler) (stop func(), err error)

	// Query sends req to nodeID and returns its records.
	Query(ctx context.Context, nodeID string, req *QueryRequest) ([]event.Record, error)

	// Subscribe installs a remote subscription on nodeID.
	Subscribe(ctx context.Context, nodeID string, req *SubscribeRequest) error

	// Unsubscribe removes a remote subscription from nodeID.
	Unsubscribe(ctx context.Context, nodeID, origin, subscriptionID string) error

	// Deliver forwards rec to the origin of a remote subscription.
	Deliver(ctx context.Context, originID, subscriptionID string, rec event.Record) error

	// Announce broadcasts a membership announcement.
	Announce(ctx context.Context, a Announcement) error

	// Watch calls fn for every announcement until stop is called.
	Watch(fn func(Announcement)) (stop func(), err error)
}

// Sentinel errors.
var (
	ErrUnreachable    = errors.New("transport: node unreachable")
	ErrAlreadyServing = errors.New("transport: node is already served")
	ErrClosed         = errors.New("transport: closed")
)

// Error is a failure talking to one node.
type Error struct {
	NodeID string
	Op     string
	Err    error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.NodeID, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCategory implements errors.Classifier.
func (e *Error) ErrorCategory() ferrors.Category {
	if errors.Is(e.Err, ErrUnreachable) {
		return ferrors.CategoryUnreachable
	}
	var remote *RemoteError
	if errors.As(e.Err, &remote) {
		return ferrors.CategoryPermanent
	}
	return ferrors.Categorize(e.Err)
}

// RemoteError is an error reported by the serving node's handler, such as an
// unknown filter kind.
type RemoteError struct {
	Message string
}

// Error implements error.
func (e *RemoteError) Error() string {
	return "remote: " + e.Message
}

func wrap(nodeID, op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{NodeID: nodeID, Op: op, Err: err}
}
