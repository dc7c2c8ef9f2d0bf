// Package event defines the immutable event record recorded by every grid
// node, the catalogue of event types, and the filters used to select records
// locally and on remote nodes.
package event

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Record is one lifecycle occurrence recorded on a node.
//
// Records are values. Once a record has been appended to a node's store it
// is never mutated; query results hand out copies.
type Record struct {
	// ID uniquely identifies the record across the grid.
	ID string `json:"id"`

	// Type is the kind of occurrence.
	Type Type `json:"type"`

	// NodeID is the node that recorded the occurrence.
	NodeID string `json:"node_id"`

	// Timestamp is the wall-clock time of recording.
	Timestamp time.Time `json:"timestamp"`

	// Seq is the node-local recording sequence, assigned by the store.
	// It is zero until the record has been stored.
	Seq uint64 `json:"seq"`

	// Message is an optional human-readable description.
	Message string `json:"message,omitempty"`

	// Payload holds kind-specific data (task name, job id, peer node...).
	Payload map[string]any `json:"payload,omitempty"`
}

// Option configures a record built by New.
type Option func(*Record)

// WithID overrides the generated record ID.
func WithID(id string) Option {
	return func(r *Record) {
		r.ID = id
	}
}

// WithTimestamp overrides the recording time.
func WithTimestamp(t time.Time) Option {
	return func(r *Record) {
		r.Timestamp = t
	}
}

// WithMessage sets the record message.
func WithMessage(msg string) Option {
	return func(r *Record) {
		r.Message = msg
	}
}

// WithPayload merges values into the record payload.
func WithPayload(values map[string]any) Option {
	return func(r *Record) {
		if len(values) == 0 {
			return
		}
		if r.Payload == nil {
			r.Payload = make(map[string]any, len(values))
		}
		maps.Copy(r.Payload, values)
	}
}

// WithAttr sets a single payload value.
func WithAttr(key string, value any) Option {
	return func(r *Record) {
		if r.Payload == nil {
			r.Payload = make(map[string]any, 1)
		}
		r.Payload[key] = value
	}
}

// New builds a record of the given type originating at nodeID.
func New(typ Type, nodeID string, opts ...Option) Record {
	r := Record{
		ID:        uuid.New().String(),
		Type:      typ,
		NodeID:    nodeID,
		Timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// Clone returns a copy of r whose payload map is not shared with r.
func (r Record) Clone() Record {
	if r.Payload != nil {
		r.Payload = maps.Clone(r.Payload)
	}
	return r
}

// Attr returns a payload value.
func (r Record) Attr(key string) (any, bool) {
	v, ok := r.Payload[key]
	return v, ok
}

// String returns the payload value for key when it is a string.
func (r Record) String(key string) string {
	s, _ := r.Payload[key].(string)
	return s
}
