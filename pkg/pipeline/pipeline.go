// Package pipeline wires the dashboard stages into a compiled graph and
// runs it.
//
// A Pipeline is built once from a provider.Set and may run any number of
// requests concurrently; each run owns its own WorkflowState. Domain failures
// (unresolved datasources, invalid queries, provider errors) end the run in
// StageFailed with error records and are not returned as Go errors. Run
// returns an error only when the run could not be driven: cancellation, an
// exceeded stage budget or a fatal checkpoint failure.
//
//	p, err := pipeline.New(providers, pipeline.WithLogger(logger))
//	final, err := p.Run(ctx, "", pipeline.NewState(queries, datasources, 3))
//	if final.Succeeded() {
//	    fmt.Println(final.Dashboard.DeployedURL)
//	}
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/dashflow/pkg/flowgraph"
	"github.com/randalmurphal/dashflow/pkg/flowgraph/checkpoint"
	"github.com/randalmurphal/dashflow/pkg/pipeline/provider"
	"github.com/randalmurphal/dashflow/pkg/pipeline/router"
	"github.com/randalmurphal/dashflow/pkg/pipeline/stages"
	"github.com/randalmurphal/dashflow/pkg/pipeline/state"
)

// GraphName is recorded on run spans and metrics.
const GraphName = "dashflow"

var (
	// ErrNoQueries is returned by ValidateRequest for an empty request.
	ErrNoQueries = errors.New("request has no queries")

	// ErrNoCheckpointStore is returned by Resume when the pipeline was built
	// without a checkpoint store.
	ErrNoCheckpointStore = errors.New("pipeline has no checkpoint store")

	// ErrRunsUnsupported is returned by Runs when the checkpoint store cannot
	// enumerate its runs.
	ErrRunsUnsupported = errors.New("checkpoint store cannot list runs")
)

// Graph is the compiled stage graph.
type Graph = flowgraph.CompiledGraph[state.WorkflowState, state.Update]

// Step is emitted by Stream after every stage.
type Step = flowgraph.Step[state.WorkflowState]

// Result is delivered by RunAsync.
type Result = flowgraph.Result[state.WorkflowState]

// nodeOrder fixes the order nodes are added in, which Graph renders.
var nodeOrder = []string{
	stages.Initialize,
	stages.ExtractIntent,
	stages.ExtractMetrics,
	stages.VectorSearch,
	stages.GenerateQuery,
	stages.ValidateQuery,
	stages.GenerateDashboard,
	stages.DeployDashboard,
	stages.ErrorHandler,
}

// Pipeline runs dashboard requests through the stage graph.
type Pipeline struct {
	graph   *Graph
	store   checkpoint.Store
	logger  *slog.Logger
	metrics bool
	tracing bool

	stageOpts []stages.Option
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger handed to stages and the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithCheckpointStore saves a checkpoint after every stage so runs can be
// resumed. A nil store disables checkpointing.
func WithCheckpointStore(store checkpoint.Store) Option {
	return func(p *Pipeline) {
		p.store = store
	}
}

// WithMetrics enables OpenTelemetry metrics on the global meter provider.
func WithMetrics(enabled bool) Option {
	return func(p *Pipeline) {
		p.metrics = enabled
	}
}

// WithTracing enables OpenTelemetry spans on the global tracer provider.
func WithTracing(enabled bool) Option {
	return func(p *Pipeline) {
		p.tracing = enabled
	}
}

// WithProviderTimeout bounds every provider call.
func WithProviderTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.stageOpts = append(p.stageOpts, stages.WithTimeout(d))
	}
}

// WithConcurrency bounds the per-query provider calls in flight.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		p.stageOpts = append(p.stageOpts, stages.WithConcurrency(n))
	}
}

// WithSimilarMetrics sets how many similar metrics are requested per query.
func WithSimilarMetrics(n int) Option {
	return func(p *Pipeline) {
		p.stageOpts = append(p.stageOpts, stages.WithSimilarMetrics(n))
	}
}

// WithClock replaces the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.stageOpts = append(p.stageOpts, stages.WithClock(now))
	}
}

// WithSettings applies the run-related fields of s.
func WithSettings(s Settings) Option {
	return func(p *Pipeline) {
		for _, opt := range []Option{
			WithProviderTimeout(s.ProviderTimeout),
			WithConcurrency(s.MaxConcurrency),
			WithSimilarMetrics(s.SimilarMetrics),
			WithMetrics(s.Metrics),
			WithTracing(s.Tracing),
		} {
			opt(p)
		}
	}
}

// New validates providers and compiles the stage graph.
func New(providers provider.Set, opts ...Option) (*Pipeline, error) {
	if err := providers.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline providers: %w", err)
	}

	p := &Pipeline{logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}

	graph, err := buildGraph(stages.New(providers, p.stageOpts...))
	if err != nil {
		return nil, fmt.Errorf("compile pipeline: %w", err)
	}
	p.graph = graph
	return p, nil
}

func buildGraph(h *stages.Handlers) (*Graph, error) {
	nodes := h.Nodes()
	g := flowgraph.NewGraph[state.WorkflowState, state.Update](state.Merge)
	for _, id := range nodeOrder {
		g.AddNode(id, nodes[id])
	}

	g.SetEntry(stages.Initialize)
	g.AddEdge(stages.Initialize, stages.ExtractIntent)

	routes := router.Routes()
	for _, from := range nodeOrder {
		route, ok := routes[from]
		if !ok {
			continue
		}
		g.AddConditionalEdge(from, route, router.Targets[from]...)
	}

	g.AddEdge(stages.DeployDashboard, flowgraph.END)
	g.AddEdge(stages.ErrorHandler, flowgraph.END)
	return g.Compile()
}

// DefaultRetries asks NewState for stages.DefaultMaxRetries.
const DefaultRetries = -1

// NewState builds the state a run starts from. Slices are copied.
// maxRetries is the number of failed validations retried before the run
// fails: zero fails at the first invalid query and DefaultRetries (any
// negative value) selects stages.DefaultMaxRetries.
func NewState(queries []state.QueryRequest, datasources []state.Datasource, maxRetries int) state.WorkflowState {
	return state.WorkflowState{
		Queries:     slices.Clone(queries),
		Datasources: slices.Clone(datasources),
		MaxRetries:  maxRetries,
	}
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Graph renders the stage graph as a Mermaid flowchart.
func (p *Pipeline) Graph() string {
	return p.graph.Mermaid()
}

// Diagram renders the stage graph without any providers, for documentation.
func Diagram() (string, error) {
	graph, err := buildGraph(stages.New(provider.Set{}))
	if err != nil {
		return "", err
	}
	return graph.Mermaid(), nil
}

// Run executes a request to completion. An empty runID gets a fresh one.
// The returned state is the state at the point of failure when err is set.
func (p *Pipeline) Run(ctx context.Context, runID string, s state.WorkflowState) (state.WorkflowState, error) {
	runID = orNewRunID(runID)
	final, err := p.graph.Run(p.context(ctx, runID), s, p.runOptions(runID, s.MaxRetries)...)
	p.logOutcome(runID, final, err)
	return final, err
}

// RunAsync runs a request on a new goroutine. The channel receives exactly
// one Result.
func (p *Pipeline) RunAsync(ctx context.Context, runID string, s state.WorkflowState) <-chan Result {
	runID = orNewRunID(runID)
	return p.graph.RunAsync(p.context(ctx, runID), s, p.runOptions(runID, s.MaxRetries)...)
}

// Stream runs a request on the caller's goroutine and yields the merged
// state after each stage. Breaking out of the loop stops the run at the next
// stage boundary.
func (p *Pipeline) Stream(ctx context.Context, runID string, s state.WorkflowState) iter.Seq2[Step, error] {
	runID = orNewRunID(runID)
	return p.graph.Stream(p.context(ctx, runID), s, p.runOptions(runID, s.MaxRetries)...)
}

// Resume continues a checkpointed run after its latest saved stage. A run
// that already finished returns its final state without executing anything.
func (p *Pipeline) Resume(ctx context.Context, runID string) (state.WorkflowState, error) {
	return p.resume(ctx, runID, "")
}

// ResumeFrom re-runs a checkpointed run starting after the named stage.
func (p *Pipeline) ResumeFrom(ctx context.Context, runID, stage string) (state.WorkflowState, error) {
	return p.resume(ctx, runID, stage)
}

// Checkpoint returns the latest checkpointed state of a run.
func (p *Pipeline) Checkpoint(runID string) (state.WorkflowState, error) {
	if p.store == nil {
		return state.WorkflowState{}, ErrNoCheckpointStore
	}
	s, _, err := flowgraph.LoadCheckpointState[state.WorkflowState](p.store, runID)
	return s, err
}

// RunSummary is a checkpointed run and the state its latest checkpoint holds.
type RunSummary struct {
	checkpoint.RunInfo
	Stage      state.Stage
	RetryCount int
	MaxRetries int
}

// Runs lists the checkpointed runs, most recently updated first.
func (p *Pipeline) Runs() ([]RunSummary, error) {
	if p.store == nil {
		return nil, ErrNoCheckpointStore
	}
	lister, ok := p.store.(checkpoint.RunLister)
	if !ok {
		return nil, ErrRunsUnsupported
	}
	infos, err := lister.Runs()
	if err != nil {
		return nil, err
	}
	out := make([]RunSummary, len(infos))
	for i, info := range infos {
		out[i] = RunSummary{RunInfo: info}
		s, _, err := flowgraph.LoadCheckpointState[state.WorkflowState](p.store, info.RunID)
		if err != nil {
			return nil, fmt.Errorf("run %s: %w", info.RunID, err)
		}
		out[i].Stage, out[i].RetryCount, out[i].MaxRetries = s.Stage, s.RetryCount, s.MaxRetries
	}
	return out, nil
}

func (p *Pipeline) resume(ctx context.Context, runID, stage string) (state.WorkflowState, error) {
	saved, err := p.Checkpoint(runID)
	if err != nil {
		return state.WorkflowState{}, err
	}

	opts := flowgraph.WithResumeRunOptions(p.observeOptions(saved.MaxRetries)...)
	fctx := p.context(ctx, runID)

	var final state.WorkflowState
	if stage == "" {
		final, err = p.graph.Resume(fctx, p.store, runID, opts)
	} else {
		final, err = p.graph.ResumeFrom(fctx, p.store, runID, stage, opts)
	}
	p.logOutcome(runID, final, err)
	return final, err
}

func (p *Pipeline) context(ctx context.Context, runID string) flowgraph.Context {
	opts := []flowgraph.ContextOption{
		flowgraph.WithLogger(p.logger.With(slog.String("run_id", runID))),
		flowgraph.WithContextRunID(runID),
	}
	if p.store != nil {
		opts = append(opts, flowgraph.WithCheckpointer(p.store))
	}
	return flowgraph.NewContext(ctx, opts...)
}

func (p *Pipeline) runOptions(runID string, maxRetries int) []flowgraph.RunOption {
	opts := append(p.observeOptions(maxRetries), flowgraph.WithRunID(runID))
	if p.store != nil {
		opts = append(opts, flowgraph.WithCheckpointing(p.store))
	}
	return opts
}

func (p *Pipeline) observeOptions(maxRetries int) []flowgraph.RunOption {
	return []flowgraph.RunOption{
		flowgraph.WithMaxIterations(StageBudget(maxRetries)),
		flowgraph.WithGraphName(GraphName),
		flowgraph.WithObservabilityLogger(p.logger),
		flowgraph.WithMetrics(p.metrics),
		flowgraph.WithTracing(p.tracing),
	}
}

func (p *Pipeline) logOutcome(runID string, s state.WorkflowState, err error) {
	attrs := []any{
		slog.String("run_id", runID),
		slog.String("stage", s.Stage.String()),
		slog.Int("stages", s.StageIndex),
		slog.Int("retries", s.RetryCount),
		slog.Int("errors", len(s.Errors)),
	}
	switch {
	case err != nil:
		p.logger.Error("run aborted", append(attrs, slog.Any("error", err))...)
	case s.Succeeded() && s.Dashboard != nil:
		p.logger.Info("dashboard deployed", append(attrs, slog.String("url", s.Dashboard.DeployedURL))...)
	default:
		p.logger.Warn("run failed", attrs...)
	}
}

func orNewRunID(id string) string {
	if id == "" {
		return NewRunID()
	}
	return id
}
