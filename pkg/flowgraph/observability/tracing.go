package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer and meter the engine uses.
const InstrumentationName = "github.com/randalmurphal/dashflow/pkg/flowgraph"

// Looked up per span so a provider installed after startup is honored.
func tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// SpanManager handles the run span and one child span per node execution.
type SpanManager interface {
	StartRunSpan(ctx context.Context, graphName, runID string) (context.Context, trace.Span)

	// StartNodeSpan starts the span of the iteration-th node execution.
	StartNodeSpan(ctx context.Context, nodeID string, iteration int) (context.Context, trace.Span)

	// RecordProgress puts the merged state's progress on a node span and
	// adds a "retry" event when the node spent another attempt.
	RecordProgress(span trace.Span, prev, cur Progress)

	EndSpanWithError(span trace.Span, err error)
}

type otelSpanManager struct{}

// NewSpanManager returns a SpanManager backed by the global tracer provider.
func NewSpanManager() SpanManager {
	return otelSpanManager{}
}

func (otelSpanManager) StartRunSpan(ctx context.Context, graphName, runID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "flowgraph.run "+graphName,
		trace.WithAttributes(
			attribute.String("graph.name", graphName),
			attribute.String("run.id", runID),
		),
	)
}

func (otelSpanManager) StartNodeSpan(ctx context.Context, nodeID string, iteration int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "flowgraph.node "+nodeID,
		trace.WithAttributes(
			attribute.String("node.id", nodeID),
			attribute.Int("node.iteration", iteration),
		),
	)
}

func (otelSpanManager) RecordProgress(span trace.Span, prev, cur Progress) {
	if span == nil || !span.IsRecording() || cur.IsZero() {
		return
	}
	span.SetAttributes(cur.spanAttrs()...)
	if cur.RetriedSince(prev) {
		span.AddEvent("retry", trace.WithAttributes(
			attribute.Int("attempt", cur.RetryCount),
			attribute.Int("max_retries", cur.MaxRetries),
			attribute.Bool("exhausted", cur.Exhausted()),
		))
	}
}

func (otelSpanManager) EndSpanWithError(span trace.Span, err error) {
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
