// Package observability holds the engine's logging, metrics and tracing.
//
// Logs go through log/slog; metrics and spans through OpenTelemetry using the
// global providers. Each has a no-op form for when it is disabled. Run states
// that implement Reporter get their stage, retry count and error count
// attached to every node record.
package observability

import (
	"context"
	"log/slog"
	"time"
)

func emit(logger *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	if logger == nil {
		return
	}
	logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func ms(d time.Duration) slog.Attr {
	return slog.Float64("duration_ms", float64(d.Microseconds())/1000)
}

// LogRunStart logs the start of a run at entry. entry differs from the
// graph's entry point when a run is resumed.
func LogRunStart(logger *slog.Logger, graphName, runID, entry string) {
	emit(logger, slog.LevelInfo, "run starting",
		slog.String("graph", graphName),
		slog.String("run_id", runID),
		slog.String("entry", entry),
	)
}

// LogRunComplete logs a run that reached END or was stopped by its consumer.
func LogRunComplete(logger *slog.Logger, runID string, d time.Duration, steps int, p Progress) {
	emit(logger, slog.LevelInfo, "run completed", p.logAttrs([]slog.Attr{
		slog.String("run_id", runID),
		ms(d),
		slog.Int("steps", steps),
	})...)
}

// LogRunError logs a run the engine could not drive to END.
func LogRunError(logger *slog.Logger, runID string, err error, d time.Duration, lastNode string, p Progress) {
	emit(logger, slog.LevelError, "run failed", p.logAttrs([]slog.Attr{
		slog.String("run_id", runID),
		slog.String("error", err.Error()),
		ms(d),
		slog.String("last_node", lastNode),
	})...)
}

// LogNodeStart logs the start of the iteration-th node execution.
func LogNodeStart(logger *slog.Logger, nodeID string, iteration int) {
	emit(logger, slog.LevelDebug, "node starting",
		slog.String("node_id", nodeID),
		slog.Int("iteration", iteration),
	)
}

// LogNodeComplete logs a node whose update was merged, with the merged
// state's progress.
func LogNodeComplete(logger *slog.Logger, nodeID string, d time.Duration, p Progress) {
	emit(logger, slog.LevelDebug, "node completed", p.logAttrs([]slog.Attr{
		slog.String("node_id", nodeID),
		ms(d),
	})...)
}

// LogRetry logs a node that spent one more attempt. An exhausted budget is
// logged at Warn.
func LogRetry(logger *slog.Logger, nodeID string, p Progress) {
	level, msg := slog.LevelInfo, "attempt failed, retrying"
	if p.Exhausted() {
		level, msg = slog.LevelWarn, "retries exhausted"
	}
	emit(logger, level, msg,
		slog.String("node_id", nodeID),
		slog.Int("attempt", p.RetryCount),
		slog.Int("max_retries", p.MaxRetries),
	)
}

// LogNodeError logs a node that returned an error or panicked.
func LogNodeError(logger *slog.Logger, nodeID string, err error) {
	emit(logger, slog.LevelError, "node failed",
		slog.String("node_id", nodeID),
		slog.String("error", err.Error()),
	)
}

// LogCheckpoint logs a saved checkpoint.
func LogCheckpoint(logger *slog.Logger, nodeID string, sequence, sizeBytes int) {
	emit(logger, slog.LevelDebug, "checkpoint saved",
		slog.String("node_id", nodeID),
		slog.Int("sequence", sequence),
		slog.Int("size_bytes", sizeBytes),
	)
}

// LogCheckpointError logs a checkpoint failure the run continues past.
func LogCheckpointError(logger *slog.Logger, nodeID, op string, err error) {
	emit(logger, slog.LevelWarn, "checkpoint failed",
		slog.String("node_id", nodeID),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}
