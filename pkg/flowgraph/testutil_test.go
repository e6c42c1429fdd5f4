package flowgraph

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/randalmurphal/dashflow/pkg/flowgraph/observability"
)

// Test state types used across tests

// Counter is a simple state whose updates are added to it.
type Counter struct {
	Value int
}

// Delta is the update type for Counter.
type Delta struct {
	Add int
}

func addDelta(s Counter, d Delta) Counter {
	s.Value += d.Add
	return s
}

// State carries both replace and append fields.
type State struct {
	Step     int
	Initial  string
	Done     bool
	GoLeft   bool
	Count    int
	Progress []string
}

// Patch is the update type for State. Nil pointers leave fields untouched;
// Progress is appended.
type Patch struct {
	Step     *int
	Done     *bool
	Count    *int
	Progress []string
}

func applyPatch(s State, p Patch) State {
	if p.Step != nil {
		s.Step = *p.Step
	}
	if p.Done != nil {
		s.Done = *p.Done
	}
	if p.Count != nil {
		s.Count = *p.Count
	}
	if len(p.Progress) > 0 {
		s.Progress = append(append([]string(nil), s.Progress...), p.Progress...)
	}
	return s
}

func ptr[T any](v T) *T { return &v }

func newCounterGraph() *Graph[Counter, Delta] {
	return NewGraph[Counter, Delta](addDelta)
}

func newStateGraph() *Graph[State, Patch] {
	return NewGraph[State, Patch](applyPatch)
}

// Helper node functions

// increment adds one to the counter.
func increment(_ Context, _ Counter) (Delta, error) {
	return Delta{Add: 1}, nil
}

// makeTrackingNode creates a node that records its execution.
func makeTrackingNode(name string, tracker *[]string) NodeFunc[State, Patch] {
	return func(_ Context, _ State) (Patch, error) {
		*tracker = append(*tracker, name)
		return Patch{Progress: []string{name}}, nil
	}
}

// makeFailingNode creates a node that returns the given error.
func makeFailingNode(err error) NodeFunc[State, Patch] {
	return func(_ Context, _ State) (Patch, error) {
		return Patch{}, err
	}
}

// makePanicNode creates a node that panics with the given value.
func makePanicNode(value any) NodeFunc[State, Patch] {
	return func(_ Context, _ State) (Patch, error) {
		panic(value)
	}
}

// testCtx creates a simple test context.
func testCtx() Context {
	return NewContext(context.Background())
}

// withRecorder installs a metrics recorder directly on the run config.
func withRecorder(m *recordingMetrics) RunOption {
	return func(c *runConfig) { c.metrics = m }
}

// withSpans installs a span manager and enables tracing.
func withSpans(s *recordingSpans) RunOption {
	return func(c *runConfig) {
		c.spans = s
		c.tracingEnabled = true
	}
}

// recordingMetrics captures metric calls.
type recordingMetrics struct {
	mu          sync.Mutex
	nodes       []string
	nodeErrors  []string
	runs        []bool
	finals      []observability.Progress
	checkpoints []string
	transitions [][2]string
	retries     []observability.Progress
}

func (m *recordingMetrics) RecordNodeExecution(_ context.Context, nodeID string, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = append(m.nodes, nodeID)
	if err != nil {
		m.nodeErrors = append(m.nodeErrors, nodeID)
	}
}

func (m *recordingMetrics) RecordGraphRun(_ context.Context, _ string, p observability.Progress, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, err == nil)
	m.finals = append(m.finals, p)
}

func (m *recordingMetrics) RecordCheckpoint(_ context.Context, nodeID string, _ int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints = append(m.checkpoints, nodeID)
}

func (m *recordingMetrics) RecordEdgeTransition(_ context.Context, from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, [2]string{from, to})
}

func (m *recordingMetrics) RecordRetry(_ context.Context, _ string, p observability.Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries = append(m.retries, p)
}

// recordingSpans captures span lifecycle calls using no-op spans.
type recordingSpans struct {
	mu       sync.Mutex
	runs     []string
	nodes    []string
	errors   []error
	progress []observability.Progress
	retried  []int
}

func (s *recordingSpans) StartRunSpan(ctx context.Context, graphName, _ string) (context.Context, trace.Span) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, graphName)
	return noop.NewTracerProvider().Tracer("test").Start(ctx, "run")
}

func (s *recordingSpans) StartNodeSpan(ctx context.Context, nodeID string, _ int) (context.Context, trace.Span) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = append(s.nodes, nodeID)
	return noop.NewTracerProvider().Tracer("test").Start(ctx, nodeID)
}

func (s *recordingSpans) EndSpanWithError(span trace.Span, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.errors = append(s.errors, err)
	}
	span.End()
}

func (s *recordingSpans) RecordProgress(_ trace.Span, prev, cur observability.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, cur)
	if cur.RetriedSince(prev) {
		s.retried = append(s.retried, cur.RetryCount)
	}
}

// Attempts reports progress like a run state with a retry budget. Each
// update spends one attempt unless Pass is set.
type Attempts struct {
	Tries  int
	Max    int
	Passed bool
}

type Try struct {
	Pass bool
}

func (a Attempts) Progress() observability.Progress {
	stage := "retrying"
	if a.Passed {
		stage = "passed"
	}
	return observability.Progress{Stage: stage, RetryCount: a.Tries, MaxRetries: a.Max, Errors: a.Tries}
}

func applyTry(a Attempts, t Try) Attempts {
	if t.Pass {
		a.Passed = true
		return a
	}
	a.Tries++
	return a
}
