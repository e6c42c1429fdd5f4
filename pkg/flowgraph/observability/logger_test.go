package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture returns a debug-level JSON logger and a func decoding its records.
func capture(t *testing.T) (*slog.Logger, func() []map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logger, func() []map[string]any {
		var records []map[string]any
		for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
			if line == "" {
				continue
			}
			var rec map[string]any
			require.NoError(t, json.Unmarshal([]byte(line), &rec))
			records = append(records, rec)
		}
		return records
	}
}

var validating = Progress{Stage: "query_validated", RetryCount: 1, MaxRetries: 3, Errors: 1}

func TestLogRun(t *testing.T) {
	logger, records := capture(t)

	LogRunStart(logger, "dashflow", "run-1", "generate_query")
	LogRunComplete(logger, "run-1", 1500*time.Microsecond, 8, Progress{Stage: "deployed", MaxRetries: 3})
	LogRunError(logger, "run-1", errors.New("cancelled"), time.Millisecond, "deploy_dashboard", Progress{})

	recs := records()
	require.Len(t, recs, 3)

	assert.Equal(t, "run starting", recs[0]["msg"])
	assert.Equal(t, "dashflow", recs[0]["graph"])
	assert.Equal(t, "generate_query", recs[0]["entry"])

	assert.Equal(t, "run completed", recs[1]["msg"])
	assert.Equal(t, 1.5, recs[1]["duration_ms"])
	assert.Equal(t, float64(8), recs[1]["steps"])
	assert.Equal(t, "deployed", recs[1]["stage"])

	assert.Equal(t, "ERROR", recs[2]["level"])
	assert.Equal(t, "deploy_dashboard", recs[2]["last_node"])
	assert.NotContains(t, recs[2], "stage", "zero progress adds no fields")
}

func TestLogNodeComplete_CarriesProgress(t *testing.T) {
	logger, records := capture(t)

	LogNodeStart(logger, "validate_query", 6)
	LogNodeComplete(logger, "validate_query", 2*time.Millisecond, validating)

	recs := records()
	require.Len(t, recs, 2)
	assert.Equal(t, float64(6), recs[0]["iteration"])

	done := recs[1]
	assert.Equal(t, "node completed", done["msg"])
	assert.Equal(t, "query_validated", done["stage"])
	assert.Equal(t, float64(1), done["retry_count"])
	assert.Equal(t, float64(1), done["errors"])
}

func TestLogRetry(t *testing.T) {
	logger, records := capture(t)

	LogRetry(logger, "validate_query", validating)
	LogRetry(logger, "validate_query", Progress{Stage: "failed", RetryCount: 3, MaxRetries: 3, Errors: 3})

	recs := records()
	require.Len(t, recs, 2)
	assert.Equal(t, "INFO", recs[0]["level"])
	assert.Equal(t, float64(1), recs[0]["attempt"])
	assert.Equal(t, "WARN", recs[1]["level"])
	assert.Equal(t, "retries exhausted", recs[1]["msg"])
}

func TestLogCheckpoint(t *testing.T) {
	logger, records := capture(t)

	LogCheckpoint(logger, "extract_intent", 2, 512)
	LogCheckpointError(logger, "extract_intent", "save", errors.New("disk full"))

	recs := records()
	require.Len(t, recs, 2)
	assert.Equal(t, float64(2), recs[0]["sequence"])
	assert.Equal(t, float64(512), recs[0]["size_bytes"])
	assert.Equal(t, "WARN", recs[1]["level"])
	assert.Equal(t, "save", recs[1]["operation"])
	assert.Equal(t, "disk full", recs[1]["error"])
}

func TestLog_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		LogRunStart(nil, "g", "r", "a")
		LogRunComplete(nil, "r", 0, 0, validating)
		LogRunError(nil, "r", errors.New("x"), 0, "", validating)
		LogNodeStart(nil, "a", 1)
		LogNodeComplete(nil, "a", 0, validating)
		LogRetry(nil, "a", validating)
		LogNodeError(nil, "a", errors.New("x"))
		LogCheckpoint(nil, "a", 1, 1)
		LogCheckpointError(nil, "a", "save", errors.New("x"))
	})
}

func TestProgress(t *testing.T) {
	assert.True(t, Progress{}.IsZero())
	assert.False(t, validating.IsZero())

	assert.True(t, validating.RetriedSince(Progress{}))
	assert.False(t, validating.RetriedSince(validating))

	assert.False(t, validating.Exhausted())
	assert.True(t, Progress{RetryCount: 3, MaxRetries: 3}.Exhausted())
	assert.False(t, Progress{RetryCount: 3}.Exhausted(), "no budget reported")

	type plain struct{}
	assert.Equal(t, Progress{}, ProgressOf(plain{}))
	assert.Equal(t, validating, ProgressOf(reporting{validating}))
}

type reporting struct{ p Progress }

func (r reporting) Progress() Progress { return r.p }
