package errors

import (
	"fmt"
	"time"
)

// TimeoutError indicates a node did not answer before the deadline.
type TimeoutError struct {
	Op       string
	NodeID   string
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s on node %s timed out after %v", e.Op, e.NodeID, e.Duration)
}

// DecodeError indicates a payload received from another node could not be
// decoded.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
