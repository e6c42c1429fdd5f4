package observability

import (
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
)

// Progress is what a run state reports about itself after each merged node.
// The engine copies it onto node logs, node spans and the retry counter.
type Progress struct {
	Stage      string
	RetryCount int
	MaxRetries int
	Errors     int
}

// Reporter is implemented by run states that expose their Progress.
type Reporter interface {
	Progress() Progress
}

// ProgressOf returns the progress of state, or the zero Progress when state
// does not implement Reporter.
func ProgressOf(state any) Progress {
	if r, ok := state.(Reporter); ok {
		return r.Progress()
	}
	return Progress{}
}

// IsZero reports whether no progress was reported.
func (p Progress) IsZero() bool {
	return p == Progress{}
}

// RetriedSince reports whether p counts more attempts than prev.
func (p Progress) RetriedSince(prev Progress) bool {
	return p.RetryCount > prev.RetryCount
}

// Exhausted reports whether the retry budget is used up.
func (p Progress) Exhausted() bool {
	return p.MaxRetries > 0 && p.RetryCount >= p.MaxRetries
}

func (p Progress) logAttrs(attrs []slog.Attr) []slog.Attr {
	if p.IsZero() {
		return attrs
	}
	return append(attrs,
		slog.String("stage", p.Stage),
		slog.Int("retry_count", p.RetryCount),
		slog.Int("errors", p.Errors),
	)
}

func (p Progress) spanAttrs() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("stage", p.Stage),
		attribute.Int("retry_count", p.RetryCount),
		attribute.Int("max_retries", p.MaxRetries),
		attribute.Int("errors", p.Errors),
	}
}
