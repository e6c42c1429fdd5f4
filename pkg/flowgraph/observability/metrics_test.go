package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupMetricsTest installs a manual-reader meter provider for the test.
func setupMetricsTest(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	original := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)

	t.Cleanup(func() {
		otel.SetMeterProvider(original)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown meter provider: %v", err)
		}
	})
	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the counter value for the datapoint carrying all attrs.
func sumFor(t *testing.T, m *metricdata.Metrics, attrs map[string]string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum[int64], got %T", m.Data)

	var total int64
	for _, dp := range sum.DataPoints {
		matched := 0
		for _, kv := range dp.Attributes.ToSlice() {
			if want, ok := attrs[string(kv.Key)]; ok && kv.Value.Emit() == want {
				matched++
			}
		}
		if matched == len(attrs) {
			total += dp.Value
		}
	}
	return total
}

func TestNewMetricsRecorder(t *testing.T) {
	setupMetricsTest(t)

	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)

	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop, "expected real metrics recorder, got noop")
}

func TestRecordNodeExecution(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordNodeExecution(ctx, "extract_intent", 50*time.Millisecond, nil)
	m.RecordNodeExecution(ctx, "extract_intent", 20*time.Millisecond, nil)
	m.RecordNodeExecution(ctx, "generate_query", 10*time.Millisecond, errors.New("provider down"))

	rm := collectMetrics(t, reader)

	executions := findMetric(rm, "flowgraph.node.executions")
	require.NotNil(t, executions)
	assert.Equal(t, int64(2), sumFor(t, executions, map[string]string{"node_id": "extract_intent"}))

	nodeErrors := findMetric(rm, "flowgraph.node.errors")
	require.NotNil(t, nodeErrors)
	assert.Equal(t, int64(1), sumFor(t, nodeErrors, map[string]string{"node_id": "generate_query"}))
	assert.Equal(t, int64(0), sumFor(t, nodeErrors, map[string]string{"node_id": "extract_intent"}))

	latency := findMetric(rm, "flowgraph.node.duration")
	require.NotNil(t, latency)
	assert.Equal(t, "s", latency.Unit)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.NotEmpty(t, hist.DataPoints)
	assert.Equal(t, latencyBuckets, hist.DataPoints[0].Bounds)
}

func TestRecordGraphRun(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	deployed := Progress{Stage: "deployed", RetryCount: 1, MaxRetries: 3, Errors: 1}
	failed := Progress{Stage: "failed", RetryCount: 3, MaxRetries: 3, Errors: 3}
	m.RecordGraphRun(ctx, "dashflow", deployed, 2*time.Second, nil)
	m.RecordGraphRun(ctx, "dashflow", failed, time.Second, nil)
	m.RecordGraphRun(ctx, "dashflow", deployed, 3*time.Second, nil)
	m.RecordGraphRun(ctx, "dashflow", Progress{Stage: "query_generated"}, time.Second, context.Canceled)

	rm := collectMetrics(t, reader)
	runs := findMetric(rm, "flowgraph.run.count")
	require.NotNil(t, runs)
	assert.Equal(t, int64(2), sumFor(t, runs, map[string]string{"outcome": "completed", "stage": "deployed"}))
	assert.Equal(t, int64(1), sumFor(t, runs, map[string]string{"outcome": "completed", "stage": "failed"}))
	assert.Equal(t, int64(1), sumFor(t, runs, map[string]string{"outcome": "aborted", "graph": "dashflow"}))
	assert.NotNil(t, findMetric(rm, "flowgraph.run.duration"))

	retries := findMetric(rm, "flowgraph.run.retries")
	require.NotNil(t, retries)
	hist, ok := retries.Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range hist.DataPoints {
		total += dp.Sum
	}
	assert.Equal(t, int64(1+3+1), total)
}

func TestRecordGraphRun_NoProgress(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	m.RecordGraphRun(context.Background(), "plain", Progress{}, time.Millisecond, nil)

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "flowgraph.run.count"), map[string]string{"graph": "plain"}))
	assert.Nil(t, findMetric(rm, "flowgraph.run.retries"), "no retry histogram without reported progress")
}

func TestRecordCheckpoint(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	m.RecordCheckpoint(context.Background(), "validate_query", 2048)

	rm := collectMetrics(t, reader)
	metric := findMetric(rm, "flowgraph.checkpoint.size")
	require.NotNil(t, metric)

	hist, ok := metric.Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.Equal(t, int64(2048), hist.DataPoints[0].Sum)
}

func TestRecordEdgeTransition(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordEdgeTransition(ctx, "validate_query", "generate_query")
	m.RecordEdgeTransition(ctx, "validate_query", "generate_query")
	m.RecordEdgeTransition(ctx, "validate_query", "generate_dashboard")

	rm := collectMetrics(t, reader)
	metric := findMetric(rm, "flowgraph.edge.transitions")
	require.NotNil(t, metric)

	assert.Equal(t, int64(2), sumFor(t, metric, map[string]string{"from": "validate_query", "to": "generate_query"}))
	assert.Equal(t, int64(1), sumFor(t, metric, map[string]string{"from": "validate_query", "to": "generate_dashboard"}))
}

func TestRecordRetry(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordRetry(ctx, "validate_query", Progress{Stage: "failed", RetryCount: 1, MaxRetries: 3})
	m.RecordRetry(ctx, "validate_query", Progress{Stage: "failed", RetryCount: 2, MaxRetries: 3})
	m.RecordRetry(ctx, "validate_query", Progress{Stage: "failed", RetryCount: 3, MaxRetries: 3})

	rm := collectMetrics(t, reader)
	retries := findMetric(rm, "flowgraph.node.retries")
	require.NotNil(t, retries)
	assert.Equal(t, int64(3), sumFor(t, retries, map[string]string{"node_id": "validate_query"}))
	assert.Equal(t, int64(1), sumFor(t, retries, map[string]string{"exhausted": "true"}))
}
