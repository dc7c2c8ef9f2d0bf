package transport

import (
	"encoding/json"

	ferrors "github.com/randalmurphal/eventfabric/pkg/eventfabric/errors"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
)

// Wire envelopes. Payload values travel as JSON, so numbers arrive on the
// receiving node as float64.

type queryResponse struct {
	NodeID  string         `json:"node_id"`
	Records []event.Record `json:"records"`
	Error   string         `json:"error,omitempty"`
}

type ackResponse struct {
	Error string `json:"error,omitempty"`
}

type unsubscribeRequest struct {
	Origin         string `json:"origin"`
	SubscriptionID string `json:"subscription_id"`
}

type delivery struct {
	SubscriptionID string       `json:"subscription_id"`
	Record         event.Record `json:"record"`
}

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decode[T any](what string, data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, &ferrors.DecodeError{What: what, Err: err}
	}
	return &v, nil
}

func ack(err error) ackResponse {
	if err != nil {
		return ackResponse{Error: err.Error()}
	}
	return ackResponse{}
}
