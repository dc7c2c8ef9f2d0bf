package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer uses the global OTel tracer provider.
var tracer = otel.Tracer("eventfabric")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartQuerySpan starts a span covering a whole remote query.
	StartQuerySpan(ctx context.Context, queryID string, nodes int) (context.Context, trace.Span)

	// StartNodeQuerySpan starts a child span for one target node.
	StartNodeQuerySpan(ctx context.Context, nodeID string) (context.Context, trace.Span)

	// StartListenSpan starts a span for a remote listener registration.
	StartListenSpan(ctx context.Context, subscriptionID string, nodes int) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)
}

type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
func NewSpanManager() SpanManager {
	return otelSpanManager{}
}

func (otelSpanManager) StartQuerySpan(ctx context.Context, queryID string, nodes int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventfabric.remote_query",
		trace.WithAttributes(
			attribute.String("query.id", queryID),
			attribute.Int("query.nodes", nodes),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

func (otelSpanManager) StartNodeQuerySpan(ctx context.Context, nodeID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventfabric.node_query",
		trace.WithAttributes(attribute.String("node.id", nodeID)),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

func (otelSpanManager) StartListenSpan(ctx context.Context, subscriptionID string, nodes int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventfabric.remote_listen",
		trace.WithAttributes(
			attribute.String("subscription.id", subscriptionID),
			attribute.Int("subscription.nodes", nodes),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

func (otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
