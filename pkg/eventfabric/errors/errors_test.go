package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func TestCategoryString(t *testing.T) {
	tests := []struct {
		category Category
		expected string
	}{
		{CategoryTransient, "transient"},
		{CategoryPermanent, "permanent"},
		{CategoryUnreachable, "unreachable"},
		{Category(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.category.String(); got != tt.expected {
				t.Errorf("Category(%d).String() = %s, want %s", tt.category, got, tt.expected)
			}
		})
	}
}

type selfClassified struct{ c Category }

func (s selfClassified) Error() string { return "self classified" }
func (s selfClassified) ErrorCategory() Category { return s.c }

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Category
	}{
		{"nil error", nil, CategoryPermanent},
		{"timeout error", &TimeoutError{Op: "query", NodeID: "n-1", Duration: time.Second}, CategoryTransient},
		{"decode error", &DecodeError{What: "records", Err: errors.New("bad json")}, CategoryPermanent},
		{"no responders", nats.ErrNoResponders, CategoryUnreachable},
		{"wrapped no responders", fmt.Errorf("query n-2: %w", nats.ErrNoResponders), CategoryUnreachable},
		{"nats timeout", nats.ErrTimeout, CategoryTransient},
		{"no servers", nats.ErrNoServers, CategoryTransient},
		{"deadline", context.DeadlineExceeded, CategoryTransient},
		{"cancelled", context.Canceled, CategoryPermanent},
		{"categorized", Unreachable(errors.New("gone"), "query"), CategoryUnreachable},
		{"classifier", fmt.Errorf("wrapped: %w", selfClassified{CategoryUnreachable}), CategoryUnreachable},
		{"unknown", errors.New("unknown"), CategoryPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Categorize(tt.err); got != tt.expected {
				t.Errorf("Categorize() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestCategorizedError(t *testing.T) {
	base := errors.New("boom")
	err := Transient(base, "connect")

	if !errors.Is(err, base) {
		t.Error("CategorizedError should unwrap to the base error")
	}
	want := "connect: boom (category: transient, attempts: 0)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !IsRetryable(err) {
		t.Error("transient error should be retryable")
	}
	if IsRetryable(Permanent(base, "")) {
		t.Error("permanent error should not be retryable")
	}
	if !IsUnreachable(nats.ErrNoResponders) {
		t.Error("no responders should be unreachable")
	}
}

var fastRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     5 * time.Millisecond,
	BackoffFactor:  2,
}

func TestWithRetryContext_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	res := WithRetryContext(context.Background(), fastRetry, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", nats.ErrNoServers
		}
		return "connected", nil
	})

	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Value != "connected" || res.Attempts != 3 {
		t.Errorf("got value %q after %d attempts", res.Value, res.Attempts)
	}
}

func TestWithRetryContext_StopsOnPermanent(t *testing.T) {
	calls := 0
	bad := &DecodeError{What: "config", Err: errors.New("nope")}
	res := WithRetryContext(context.Background(), fastRetry, func(context.Context) (int, error) {
		calls++
		return 0, bad
	})

	if calls != 1 {
		t.Errorf("permanent error retried %d times", calls)
	}
	var catErr *CategorizedError
	if !errors.As(res.Err, &catErr) || catErr.Category != CategoryPermanent {
		t.Errorf("expected permanent categorized error, got %v", res.Err)
	}
}

func TestWithRetryContext_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry, func(context.Context) error {
		calls++
		return nats.ErrTimeout
	})

	if calls != fastRetry.MaxAttempts {
		t.Errorf("calls = %d, want %d", calls, fastRetry.MaxAttempts)
	}
	if !errors.Is(err, nats.ErrTimeout) {
		t.Errorf("expected wrapped nats timeout, got %v", err)
	}
}

func TestWithRetryContext_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, DefaultRetry, func(context.Context) error {
		t.Fatal("fn should not run with a cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRetry_CustomRetryable(t *testing.T) {
	cfg := fastRetry
	cfg.RetryableFunc = func(error) bool { return true }

	calls := 0
	_ = Retry(context.Background(), cfg, func(context.Context) error {
		calls++
		return errors.New("always")
	})
	if calls != cfg.MaxAttempts {
		t.Errorf("calls = %d, want %d", calls, cfg.MaxAttempts)
	}
}
