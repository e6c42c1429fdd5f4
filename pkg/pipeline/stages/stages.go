// Package stages implements the pipeline stage handlers.
//
// Every handler has the flowgraph node signature and returns a state.Update.
// Handlers never return an error for a domain failure: a failed provider
// call, an unresolved datasource or an empty result becomes an ErrorRecord
// and Stage == StageFailed in the update. Panics raised by provider code are
// recovered and recorded the same way.
//
// Provider calls are bounded by a per-call timeout and are detached from
// run cancellation, so a stage in flight runs to completion or to its own
// timeout. Per-query calls fan out with bounded concurrency and their results
// are reassembled in query order.
package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/dashflow/pkg/flowgraph"
	ferrors "github.com/randalmurphal/dashflow/pkg/flowgraph/errors"
	"github.com/randalmurphal/dashflow/pkg/pipeline/provider"
	"github.com/randalmurphal/dashflow/pkg/pipeline/state"
)

// Node IDs, one per handler.
const (
	Initialize        = "initialize"
	ExtractIntent     = "extract_intent"
	ExtractMetrics    = "extract_metrics"
	VectorSearch      = "vector_search"
	GenerateQuery     = "generate_query"
	ValidateQuery     = "validate_query"
	GenerateDashboard = "generate_dashboard"
	DeployDashboard   = "deploy_dashboard"
	ErrorHandler      = "error_handler"
)

// Defaults applied by New.
const (
	DefaultMaxRetries     = 3
	DefaultTimeout        = 30 * time.Second
	DefaultConcurrency    = 4
	DefaultSimilarMetrics = 5
)

// NodeFunc is the handler signature.
type NodeFunc = flowgraph.NodeFunc[state.WorkflowState, state.Update]

// Handlers holds the providers and limits shared by every stage.
// It is safe for concurrent use by multiple runs.
type Handlers struct {
	providers   provider.Set
	timeout     time.Duration
	concurrency int
	similar     int
	now         func() time.Time
}

// Option configures Handlers.
type Option func(*Handlers)

// WithTimeout bounds each provider call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(h *Handlers) { h.timeout = d }
}

// WithConcurrency limits concurrent provider calls within one stage.
func WithConcurrency(n int) Option {
	return func(h *Handlers) {
		if n > 0 {
			h.concurrency = n
		}
	}
}

// WithSimilarMetrics sets how many similar metrics are requested per
// suggested metric.
func WithSimilarMetrics(n int) Option {
	return func(h *Handlers) {
		if n > 0 {
			h.similar = n
		}
	}
}

// WithClock sets the time source for timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Handlers) {
		if now != nil {
			h.now = now
		}
	}
}

// New creates Handlers over providers. The set is not validated here.
func New(providers provider.Set, opts ...Option) *Handlers {
	h := &Handlers{
		providers:   providers,
		timeout:     DefaultTimeout,
		concurrency: DefaultConcurrency,
		similar:     DefaultSimilarMetrics,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Nodes returns every handler keyed by node ID, each wrapped so a panic
// becomes a provider_failure record.
func (h *Handlers) Nodes() map[string]NodeFunc {
	return map[string]NodeFunc{
		Initialize:        h.guard(Initialize, h.Initialize),
		ExtractIntent:     h.guard(ExtractIntent, h.ExtractIntent),
		ExtractMetrics:    h.guard(ExtractMetrics, h.ExtractMetrics),
		VectorSearch:      h.guard(VectorSearch, h.VectorSearch),
		GenerateQuery:     h.guard(GenerateQuery, h.GenerateQuery),
		ValidateQuery:     h.guard(ValidateQuery, h.ValidateQuery),
		GenerateDashboard: h.guard(GenerateDashboard, h.GenerateDashboard),
		DeployDashboard:   h.guard(DeployDashboard, h.DeployDashboard),
		ErrorHandler:      h.guard(ErrorHandler, h.ErrorHandler),
	}
}

func (h *Handlers) guard(name string, fn NodeFunc) NodeFunc {
	return func(ctx flowgraph.Context, s state.WorkflowState) (u state.Update, err error) {
		defer func() {
			if r := recover(); r != nil {
				ctx.Logger().Error("stage panicked",
					slog.String("stage", name),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				u = h.fail(name, state.ErrProviderFailure, fmt.Sprintf("panic: %v", r), nil)
				err = nil
			}
		}()
		return fn(ctx, s)
	}
}

// PanicError is returned by call when provider code panics.
type PanicError struct {
	Op    string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Op, e.Value)
}

// call runs one provider call under the per-call timeout. Deadline errors
// caused by that timeout are reported as *errors.TimeoutError.
func call[T any](ctx context.Context, h *Handlers, op string, fn func(context.Context) (T, error)) (out T, err error) {
	cctx := ctx
	if h.timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Op: op, Value: r}
		}
	}()

	out, err = fn(cctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && cctx.Err() != nil && ctx.Err() == nil {
		err = fmt.Errorf("%w: %w", &ferrors.TimeoutError{Operation: op, Duration: h.timeout.String()}, err)
	}
	return out, err
}

// queryError ties a failure to the query that caused it.
type queryError struct {
	index int
	err   error
}

func (e *queryError) Error() string {
	return fmt.Sprintf("query %d: %v", e.index, e.err)
}

func (e *queryError) Unwrap() error { return e.err }

// fanOut calls fn once per index with at most h.concurrency calls in
// flight and returns the results in index order. The first failure cancels
// the calls still running. The context passed to fn is detached from ctx's
// cancellation.
func fanOut[T any](ctx context.Context, h *Handlers, n int, fn func(ctx context.Context, i int) (T, error)) ([]T, error) {
	out := make([]T, n)
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(h.concurrency)
	for i := range n {
		g.Go(func() error {
			v, err := fn(gctx, i)
			if err != nil {
				return &queryError{index: i, err: err}
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// failedQuery builds the error context for a fan-out failure.
func failedQuery(err error, queries []state.QueryRequest) map[string]string {
	var qe *queryError
	if !errors.As(err, &qe) || qe.index >= len(queries) {
		return nil
	}
	q := queries[qe.index]
	return map[string]string{
		"query_index": fmt.Sprint(qe.index),
		"query":       q.Text,
		"datasource":  q.DatasourceName,
	}
}

func (h *Handlers) entry(actor string, stage state.Stage, level state.Level, msg string, meta map[string]any) state.LogEntry {
	return state.LogEntry{
		Timestamp: h.now(),
		Actor:     actor,
		Stage:     stage,
		Level:     level,
		Message:   msg,
		Metadata:  meta,
	}
}

// fail returns the update for a hard failure in handler name.
func (h *Handlers) fail(name string, kind state.ErrorKind, msg string, errCtx map[string]string) state.Update {
	return state.Update{
		Stage: state.StagePtr(state.StageFailed),
		Errors: []state.ErrorRecord{{
			Stage:   name,
			Kind:    kind,
			Message: msg,
			Context: errCtx,
		}},
		Log: []state.LogEntry{h.entry(name, state.StageFailed, state.LevelError, msg, nil)},
	}
}

// advance returns the update for a successful handler.
func (h *Handlers) advance(name string, to state.Stage, msg string, meta map[string]any) state.Update {
	return state.Update{
		Stage: state.StagePtr(to),
		Log:   []state.LogEntry{h.entry(name, to, state.LevelInfo, msg, meta)},
	}
}
