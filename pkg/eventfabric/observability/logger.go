// Package observability provides logging, metrics, and tracing for
// eventfabric nodes.
//
// Features:
//   - Structured logging via slog, optionally to a rotating file
//   - Metrics via OpenTelemetry and Prometheus
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds node context to a logger.
//
// Example:
//
//	logger = EnrichLogger(logger, "n-4f2a9c1d")
//	logger.Info("serving") // includes node_id
func EnrichLogger(logger *slog.Logger, nodeID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(slog.String("node_id", nodeID))
}

// LogListenerFailure logs a listener that panicked during dispatch.
func LogListenerFailure(logger *slog.Logger, listener, eventType, recordID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("listener failed",
		slog.String("listener", listener),
		slog.String("event_type", eventType),
		slog.String("record_id", recordID),
		slog.String("error", err.Error()),
	)
}

// LogQueryStart logs the start of a remote query.
func LogQueryStart(logger *slog.Logger, queryID string, nodes int, timeout time.Duration) {
	if logger == nil {
		return
	}
	logger.Debug("remote query starting",
		slog.String("query_id", queryID),
		slog.Int("nodes", nodes),
		slog.Duration("timeout", timeout),
	)
}

// LogQueryComplete logs remote query completion.
func LogQueryComplete(logger *slog.Logger, queryID string, responded, nodes, records int, duration time.Duration) {
	if logger == nil {
		return
	}
	logger.Info("remote query completed",
		slog.String("query_id", queryID),
		slog.Int("responded", responded),
		slog.Int("nodes", nodes),
		slog.Int("records", records),
		slog.Float64("duration_ms", float64(duration.Microseconds())/1000),
	)
}

// LogNodeQueryFailed logs a node that failed or timed out during a remote
// query. These failures are not returned to the caller.
func LogNodeQueryFailed(logger *slog.Logger, queryID, nodeID, outcome string, err error) {
	if logger == nil {
		return
	}
	attrs := []any{
		slog.String("query_id", queryID),
		slog.String("target_node", nodeID),
		slog.String("outcome", outcome),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	logger.Warn("node query failed", attrs...)
}

// LogMembershipChange logs a node joining, leaving, or failing.
func LogMembershipChange(logger *slog.Logger, change, nodeID string) {
	if logger == nil {
		return
	}
	logger.Info("membership changed",
		slog.String("change", change),
		slog.String("member", nodeID),
	)
}

// LogEviction logs records evicted from the local store.
func LogEviction(logger *slog.Logger, evicted int, retained int) {
	if logger == nil || evicted == 0 {
		return
	}
	logger.Debug("records evicted",
		slog.Int("evicted", evicted),
		slog.Int("retained", retained),
	)
}

// TimedOperation returns a function that logs the operation duration when
// called.
//
//	done := TimedOperation(logger, "archive scan")
//	defer done()
func TimedOperation(logger *slog.Logger, operation string) func() {
	if logger == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		logger.Debug("operation completed",
			slog.String("operation", operation),
			slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
		)
	}
}
