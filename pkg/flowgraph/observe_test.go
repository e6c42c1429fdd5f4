package flowgraph

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/dashflow/pkg/flowgraph/observability"
)

// retryGraph loops on "attempt" until it passes on the passOn-th call or
// the budget runs out.
func retryGraph(t *testing.T, passOn int) *CompiledGraph[Attempts, Try] {
	t.Helper()
	calls := 0
	compiled, err := NewGraph[Attempts, Try](applyTry).
		AddNode("attempt", func(_ Context, _ Attempts) (Try, error) {
			calls++
			return Try{Pass: calls == passOn}, nil
		}).
		AddConditionalEdge("attempt", func(_ Context, a Attempts) string {
			if a.Passed || a.Tries >= a.Max {
				return END
			}
			return "attempt"
		}, "attempt", END).
		SetEntry("attempt").
		Compile()
	require.NoError(t, err)
	return compiled
}

func TestRun_ReportsProgress(t *testing.T) {
	metrics := &recordingMetrics{}
	spans := &recordingSpans{}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	final, err := retryGraph(t, 3).Run(testCtx(), Attempts{Max: 3},
		withRecorder(metrics), withSpans(spans), WithObservabilityLogger(logger))
	require.NoError(t, err)
	assert.True(t, final.Passed)
	assert.Equal(t, 2, final.Tries)

	require.Len(t, spans.progress, 3)
	assert.Equal(t, "retrying", spans.progress[0].Stage)
	assert.Equal(t, "passed", spans.progress[2].Stage)
	assert.Equal(t, []int{1, 2}, spans.retried, "the passing attempt is not a retry")

	require.Len(t, metrics.retries, 2)
	assert.Equal(t, 2, metrics.retries[1].RetryCount)
	require.Len(t, metrics.finals, 1)
	assert.Equal(t, "passed", metrics.finals[0].Stage)

	logs := buf.String()
	assert.Contains(t, logs, "stage=passed")
	assert.Contains(t, logs, "retry_count=2")
	assert.Contains(t, logs, "attempt failed, retrying")
	assert.NotContains(t, logs, "retries exhausted")
}

func TestRun_ReportsExhaustedRetries(t *testing.T) {
	metrics := &recordingMetrics{}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	final, err := retryGraph(t, 0).Run(testCtx(), Attempts{Max: 2},
		withRecorder(metrics), WithObservabilityLogger(logger))
	require.NoError(t, err)
	assert.Equal(t, 2, final.Tries)

	require.Len(t, metrics.retries, 2)
	assert.True(t, metrics.retries[1].Exhausted())
	assert.Contains(t, buf.String(), "retries exhausted")
}

func TestRun_StatesWithoutProgress(t *testing.T) {
	spans := &recordingSpans{}
	metrics := &recordingMetrics{}
	compiled, err := newCounterGraph().
		AddNode("a", increment).
		AddEdge("a", END).
		SetEntry("a").
		Compile()
	require.NoError(t, err)

	_, err = compiled.Run(testCtx(), Counter{}, withRecorder(metrics), withSpans(spans))
	require.NoError(t, err)
	assert.Equal(t, []observability.Progress{{}}, spans.progress)
	assert.Empty(t, spans.retried)
	assert.Empty(t, metrics.retries)
}
