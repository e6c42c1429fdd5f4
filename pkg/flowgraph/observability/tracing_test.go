package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTracingTest installs an in-memory tracer provider for the test.
func setupTracingTest(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown tracer provider: %v", err)
		}
	})
	return exporter
}

func attrMap(kvs []attribute.KeyValue) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func TestSpanManager_RunAndNodeSpans(t *testing.T) {
	exporter := setupTracingTest(t)
	sm := NewSpanManager()

	ctx, run := sm.StartRunSpan(context.Background(), "dashflow", "run-1")
	_, node := sm.StartNodeSpan(ctx, "extract_intent", 2)
	sm.EndSpanWithError(node, nil)
	sm.EndSpanWithError(run, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	nodeSpan, runSpan := spans[0], spans[1]
	assert.Equal(t, "flowgraph.node extract_intent", nodeSpan.Name)
	assert.Equal(t, "flowgraph.run dashflow", runSpan.Name)
	assert.Equal(t, runSpan.SpanContext.SpanID(), nodeSpan.Parent.SpanID())

	assert.Equal(t, "2", attrMap(nodeSpan.Attributes)["node.iteration"])
	assert.Equal(t, "run-1", attrMap(runSpan.Attributes)["run.id"])
	assert.Equal(t, codes.Ok, runSpan.Status.Code)
}

func TestSpanManager_RecordProgress(t *testing.T) {
	exporter := setupTracingTest(t)
	sm := NewSpanManager()

	before := Progress{Stage: "query_generated", RetryCount: 0, MaxRetries: 3}

	t.Run("first validation", func(t *testing.T) {
		exporter.Reset()
		_, span := sm.StartNodeSpan(context.Background(), "validate_query", 6)
		sm.RecordProgress(span, before, Progress{Stage: "query_validated", MaxRetries: 3})
		sm.EndSpanWithError(span, nil)

		got := exporter.GetSpans()[0]
		attrs := attrMap(got.Attributes)
		assert.Equal(t, "query_validated", attrs["stage"])
		assert.Equal(t, "0", attrs["retry_count"])
		assert.Empty(t, got.Events)
	})

	t.Run("loop back adds a retry event", func(t *testing.T) {
		exporter.Reset()
		_, span := sm.StartNodeSpan(context.Background(), "validate_query", 6)
		sm.RecordProgress(span, before, Progress{Stage: "failed", RetryCount: 1, MaxRetries: 3, Errors: 1})
		sm.EndSpanWithError(span, nil)

		got := exporter.GetSpans()[0]
		assert.Equal(t, "1", attrMap(got.Attributes)["errors"])
		require.Len(t, got.Events, 1)
		assert.Equal(t, "retry", got.Events[0].Name)
		events := attrMap(got.Events[0].Attributes)
		assert.Equal(t, "1", events["attempt"])
		assert.Equal(t, "false", events["exhausted"])
	})

	t.Run("states without progress leave the span alone", func(t *testing.T) {
		exporter.Reset()
		_, span := sm.StartNodeSpan(context.Background(), "a", 1)
		sm.RecordProgress(span, Progress{}, Progress{})
		sm.EndSpanWithError(span, nil)

		got := exporter.GetSpans()[0]
		assert.NotContains(t, attrMap(got.Attributes), "stage")
	})
}

func TestSpanManager_EndSpanWithError(t *testing.T) {
	exporter := setupTracingTest(t)
	sm := NewSpanManager()

	_, span := sm.StartNodeSpan(context.Background(), "deploy_dashboard", 8)
	sm.EndSpanWithError(span, errors.New("grafana unavailable"))

	got := exporter.GetSpans()[0]
	assert.Equal(t, codes.Error, got.Status.Code)
	assert.Equal(t, "grafana unavailable", got.Status.Description)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "exception", got.Events[0].Name)

	assert.NotPanics(t, func() { sm.EndSpanWithError(nil, nil) })
}
