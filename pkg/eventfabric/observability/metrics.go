package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Node query outcomes.
const (
	OutcomeResponded = "responded"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
)

// MetricsRecorder records eventfabric metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordEvent records a record appended to the local store.
	RecordEvent(ctx context.Context, eventType string)

	// RecordEviction records records dropped from the local store.
	RecordEviction(ctx context.Context, n int)

	// RecordListenerInvocation records one listener call and whether it failed.
	RecordListenerInvocation(ctx context.Context, eventType string, failed bool)

	// RecordRemoteQuery records a finished remote query.
	RecordRemoteQuery(ctx context.Context, nodes, responded int, duration time.Duration)

	// RecordNodeQuery records the outcome of one node's part of a remote query.
	RecordNodeQuery(ctx context.Context, nodeID, outcome string, duration time.Duration)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	recorded      metric.Int64Counter
	evicted       metric.Int64Counter
	invocations   metric.Int64Counter
	failures      metric.Int64Counter
	queryDuration metric.Float64Histogram
	nodeOutcomes  metric.Int64Counter
	nodeLatency   metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.Meter("eventfabric"))
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	m := &otelMetrics{}
	var err error

	if m.recorded, err = meter.Int64Counter("eventfabric.events.recorded",
		metric.WithDescription("Number of records appended to the local store"),
	); err != nil {
		return nil, err
	}
	if m.evicted, err = meter.Int64Counter("eventfabric.events.evicted",
		metric.WithDescription("Number of records evicted from the local store"),
	); err != nil {
		return nil, err
	}
	if m.invocations, err = meter.Int64Counter("eventfabric.listener.invocations",
		metric.WithDescription("Number of listener invocations"),
	); err != nil {
		return nil, err
	}
	if m.failures, err = meter.Int64Counter("eventfabric.listener.failures",
		metric.WithDescription("Number of listener invocations that panicked"),
	); err != nil {
		return nil, err
	}
	if m.queryDuration, err = meter.Float64Histogram("eventfabric.query.duration",
		metric.WithDescription("Remote query latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.nodeOutcomes, err = meter.Int64Counter("eventfabric.query.node_outcomes",
		metric.WithDescription("Per-node outcomes of remote queries"),
	); err != nil {
		return nil, err
	}
	if m.nodeLatency, err = meter.Float64Histogram("eventfabric.query.node_latency",
		metric.WithDescription("Per-node remote query latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses the global
// OpenTelemetry meter provider. If initialization fails it returns a no-op
// recorder.
//
// Configure the provider before calling this function:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// NewMetricsRecorderFromMeter returns a MetricsRecorder backed by meter.
func NewMetricsRecorderFromMeter(meter metric.Meter) (MetricsRecorder, error) {
	m, err := newOtelMetrics(meter)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *otelMetrics) RecordEvent(ctx context.Context, eventType string) {
	m.recorded.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *otelMetrics) RecordEviction(ctx context.Context, n int) {
	if n > 0 {
		m.evicted.Add(ctx, int64(n))
	}
}

func (m *otelMetrics) RecordListenerInvocation(ctx context.Context, eventType string, failed bool) {
	attrs := metric.WithAttributes(attribute.String("event_type", eventType))
	m.invocations.Add(ctx, 1, attrs)
	if failed {
		m.failures.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordRemoteQuery(ctx context.Context, nodes, responded int, duration time.Duration) {
	m.queryDuration.Record(ctx, float64(duration.Microseconds())/1000,
		metric.WithAttributes(
			attribute.Int("nodes", nodes),
			attribute.Bool("complete", responded == nodes),
		))
}

func (m *otelMetrics) RecordNodeQuery(ctx context.Context, nodeID, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("target_node", nodeID),
		attribute.String("outcome", outcome),
	)
	m.nodeOutcomes.Add(ctx, 1, attrs)
	m.nodeLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

// Fanout returns a recorder that forwards to every non-nil recorder.
func Fanout(recorders ...MetricsRecorder) MetricsRecorder {
	var out fanout
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return NoopMetrics{}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

type fanout []MetricsRecorder

func (f fanout) RecordEvent(ctx context.Context, eventType string) {
	for _, r := range f {
		r.RecordEvent(ctx, eventType)
	}
}

func (f fanout) RecordEviction(ctx context.Context, n int) {
	for _, r := range f {
		r.RecordEviction(ctx, n)
	}
}

func (f fanout) RecordListenerInvocation(ctx context.Context, eventType string, failed bool) {
	for _, r := range f {
		r.RecordListenerInvocation(ctx, eventType, failed)
	}
}

func (f fanout) RecordRemoteQuery(ctx context.Context, nodes, responded int, duration time.Duration) {
	for _, r := range f {
		r.RecordRemoteQuery(ctx, nodes, responded, duration)
	}
}

func (f fanout) RecordNodeQuery(ctx context.Context, nodeID, outcome string, duration time.Duration) {
	for _, r := range f {
		r.RecordNodeQuery(ctx, nodeID, outcome, duration)
	}
}
