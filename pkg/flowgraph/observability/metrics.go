package observability

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder receives the engine's measurements. NewMetricsRecorder
// reports them through OpenTelemetry; NoopMetrics drops them.
type MetricsRecorder interface {
	RecordNodeExecution(ctx context.Context, nodeID string, d time.Duration, err error)

	// RecordGraphRun records a finished run with the progress its final
	// state reported. err is the run's Go error, not a domain failure.
	RecordGraphRun(ctx context.Context, graphName string, p Progress, d time.Duration, err error)

	RecordCheckpoint(ctx context.Context, nodeID string, sizeBytes int64)
	RecordEdgeTransition(ctx context.Context, from, to string)

	// RecordRetry counts an attempt spent by a node that loops back.
	RecordRetry(ctx context.Context, nodeID string, p Progress)
}

// Stage handlers wait on model and HTTP calls, so latency buckets run from
// tens of milliseconds to minutes.
var latencyBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

type otelMetrics struct {
	nodeExecutions metric.Int64Counter
	nodeErrors     metric.Int64Counter
	nodeLatency    metric.Float64Histogram
	runs           metric.Int64Counter
	runLatency     metric.Float64Histogram
	runRetries     metric.Int64Histogram
	checkpointSize metric.Int64Histogram
	transitions    metric.Int64Counter
	retries        metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates every instrument on the global meter provider and
// reports all creation failures together.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter(InstrumentationName)
	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}
	seconds := func(name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...))
		errs = append(errs, err)
		return h
	}

	m := &otelMetrics{
		nodeExecutions: counter("flowgraph.node.executions", "Node executions"),
		nodeErrors:     counter("flowgraph.node.errors", "Node executions that returned a Go error or panicked"),
		nodeLatency:    seconds("flowgraph.node.duration", "Node execution time"),
		runs:           counter("flowgraph.run.count", "Finished runs by outcome and final stage"),
		runLatency:     seconds("flowgraph.run.duration", "Run time from start to END or abort"),
		transitions:    counter("flowgraph.edge.transitions", "Routing decisions between nodes"),
		retries:        counter("flowgraph.node.retries", "Attempts spent by nodes that loop back for another try"),
	}

	var err error
	m.runRetries, err = meter.Int64Histogram("flowgraph.run.retries",
		metric.WithDescription("Retries a run spent before finishing"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 3, 5, 10, 20))
	errs = append(errs, err)
	m.checkpointSize, err = meter.Int64Histogram("flowgraph.checkpoint.size",
		metric.WithDescription("Serialized checkpoint size"), metric.WithUnit("By"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a recorder on the global meter provider, which
// must be installed before the first call. If the instruments cannot be
// created it logs a warning and returns NoopMetrics.
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordNodeExecution(ctx context.Context, nodeID string, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("node_id", nodeID))
	m.nodeExecutions.Add(ctx, 1, attrs)
	m.nodeLatency.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.nodeErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordGraphRun(ctx context.Context, graphName string, p Progress, d time.Duration, err error) {
	outcome := "completed"
	if err != nil {
		outcome = "aborted"
	}
	graph := attribute.String("graph", graphName)
	m.runs.Add(ctx, 1, metric.WithAttributes(graph, attribute.String("outcome", outcome), attribute.String("stage", p.Stage)))
	m.runLatency.Record(ctx, d.Seconds(), metric.WithAttributes(graph, attribute.String("outcome", outcome)))
	if !p.IsZero() {
		m.runRetries.Record(ctx, int64(p.RetryCount), metric.WithAttributes(graph, attribute.String("stage", p.Stage)))
	}
}

func (m *otelMetrics) RecordCheckpoint(ctx context.Context, nodeID string, sizeBytes int64) {
	m.checkpointSize.Record(ctx, sizeBytes, metric.WithAttributes(attribute.String("node_id", nodeID)))
}

func (m *otelMetrics) RecordEdgeTransition(ctx context.Context, from, to string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *otelMetrics) RecordRetry(ctx context.Context, nodeID string, p Progress) {
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("node_id", nodeID),
		attribute.String("stage", p.Stage),
		attribute.Bool("exhausted", p.Exhausted()),
	))
}
