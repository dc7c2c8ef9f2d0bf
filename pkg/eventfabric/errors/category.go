// Package errors classifies failures seen when talking to other nodes and
// retries the ones worth retrying.
//
// Remote query failures are never returned to callers; they are categorized
// for logs and metrics. Startup work such as connecting to the message bus
// is retried with exponential backoff when the failure is transient.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/nats-io/nats.go"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: request timeouts, lost connections.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	// Examples: undecodable payloads, unknown filter kinds.
	CategoryPermanent

	// CategoryUnreachable indicates nothing is serving the target node.
	// The node has probably left; retrying before membership catches up
	// is pointless.
	CategoryUnreachable
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Attempts is the number of attempts that have been made.
	Attempts int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Attempts)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Attempts)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// Transient marks err as transient.
func Transient(err error, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryTransient, Context: context}
}

// Permanent marks err as permanent.
func Permanent(err error, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryPermanent, Context: context}
}

// Unreachable marks err as unreachable.
func Unreachable(err error, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryUnreachable, Context: context}
}

// Classifier is implemented by errors that know their own category, such as
// the per-node errors returned by transports.
type Classifier interface {
	ErrorCategory() Category
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent // shouldn't happen, fail safe
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var classifier Classifier
	if errors.As(err, &classifier) {
		return classifier.ErrorCategory()
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return CategoryTransient
	}

	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return CategoryPermanent
	}

	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return CategoryUnreachable
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrNoServers),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, nats.ErrDisconnected):
		return CategoryTransient
	case errors.Is(err, context.Canceled):
		return CategoryPermanent
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CategoryTransient
	}

	// Unknown errors are permanent (fail safe)
	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsUnreachable reports whether the target of the failed call is gone.
func IsUnreachable(err error) bool {
	return Categorize(err) == CategoryUnreachable
}
