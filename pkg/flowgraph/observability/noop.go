package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics discards every measurement.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordNodeExecution(context.Context, string, time.Duration, error)            {}
func (NoopMetrics) RecordGraphRun(context.Context, string, Progress, time.Duration, error) {}
func (NoopMetrics) RecordCheckpoint(context.Context, string, int64)                             {}
func (NoopMetrics) RecordEdgeTransition(context.Context, string, string)                        {}
func (NoopMetrics) RecordRetry(context.Context, string, Progress)                               {}

// NoopSpanManager starts non-recording spans and leaves contexts untouched.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

func (NoopSpanManager) StartRunSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noop.Span{}
}

func (NoopSpanManager) StartNodeSpan(ctx context.Context, _ string, _ int) (context.Context, trace.Span) {
	return ctx, noop.Span{}
}

func (NoopSpanManager) RecordProgress(trace.Span, Progress, Progress) {}

func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}
