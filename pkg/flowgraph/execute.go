package flowgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/dashflow/pkg/flowgraph/checkpoint"
	"github.com/randalmurphal/dashflow/pkg/flowgraph/observability"
)

// Run executes the graph with the given initial state.
// Returns the final state and any error encountered.
//
// On success, returns the state after the last node executed before END.
// On error, returns the state at the point of failure (useful for debugging).
//
// Execution flow:
//  1. Start at the entry point node
//  2. Check for cancellation
//  3. Execute the current node and merge its update with the reducer
//  4. Determine the next node (via simple or conditional edge)
//  5. Repeat until END is reached or an error occurs
//
// Example:
//
//	ctx := flowgraph.NewContext(context.Background())
//	result, err := compiled.Run(ctx, initialState)
//	if err != nil {
//	    // result contains state at point of failure
//	}
func (cg *CompiledGraph[S, U]) Run(ctx Context, state S, opts ...RunOption) (S, error) {
	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cg.execute(ctx, state, cg.entryPoint, &cfg, nil)
}

// execute is the single execution core shared by Run, RunAsync, Stream and
// Resume. emit, when non-nil, receives a snapshot after every merged node;
// returning false stops the run at that boundary without an error.
func (cg *CompiledGraph[S, U]) execute(ctx Context, state S, start string, cfg *runConfig, emit func(Step[S]) bool) (result S, runErr error) {
	if ctx == nil {
		return state, ErrNilContext
	}

	if cfg.checkpointStore != nil && cfg.runID == "" {
		return state, ErrRunIDRequired
	}

	runID := cfg.runID
	if runID == "" {
		runID = ctx.RunID()
	}

	startTime := time.Now()
	observability.LogRunStart(cfg.logger, cfg.graphName, runID, start)

	var spanCtx context.Context = ctx
	if cfg.tracingEnabled {
		var runSpan trace.Span
		spanCtx, runSpan = cfg.spans.StartRunSpan(ctx, cfg.graphName, runID)
		defer func() {
			cfg.spans.EndSpanWithError(runSpan, runErr)
		}()
	}

	var nodeCount int
	result, nodeCount, runErr = cg.loop(ctx, spanCtx, state, start, cfg, emit)

	duration := time.Since(startTime)
	progress := observability.ProgressOf(any(result))
	cfg.metrics.RecordGraphRun(spanCtx, cfg.graphName, progress, duration, runErr)

	if runErr != nil {
		observability.LogRunError(cfg.logger, runID, runErr, duration, lastNodeOf(runErr), progress)
	} else {
		observability.LogRunComplete(cfg.logger, runID, duration, nodeCount, progress)
	}

	return result, runErr
}

// loop drives node execution from startNode until END.
// spanCtx carries span context; ctx is the flowgraph Context.
func (cg *CompiledGraph[S, U]) loop(ctx Context, spanCtx context.Context, state S, startNode string, cfg *runConfig, emit func(Step[S]) bool) (S, int, error) {
	current := startNode
	iterations := 0
	prevNode := ""
	nodeCount := 0
	progress := observability.ProgressOf(any(state))

	for current != END {
		iterations++
		if iterations > cfg.maxIterations {
			return state, nodeCount, &MaxIterationsError{
				Max:        cfg.maxIterations,
				LastNodeID: current,
				State:      state,
				Progress:   progress,
			}
		}

		select {
		case <-ctx.Done():
			return state, nodeCount, &CancellationError{
				NodeID:       current,
				State:        state,
				Progress:     progress,
				Cause:        ctx.Err(),
				WasExecuting: false,
			}
		default:
		}

		observability.LogNodeStart(cfg.logger, current, iterations)

		nodeSpanCtx := spanCtx
		var nodeSpan trace.Span
		if cfg.tracingEnabled {
			nodeSpanCtx, nodeSpan = cfg.spans.StartNodeSpan(spanCtx, current, iterations)
		}

		nodeStart := time.Now()
		next, nodeErr := cg.executeNode(ctx, nodeSpanCtx, current, state)
		nodeDuration := time.Since(nodeStart)

		cfg.metrics.RecordNodeExecution(nodeSpanCtx, current, nodeDuration, nodeErr)
		if nodeErr != nil {
			if cfg.tracingEnabled {
				cfg.spans.EndSpanWithError(nodeSpan, nodeErr)
			}
			observability.LogNodeError(cfg.logger, current, nodeErr)
			return state, nodeCount, nodeErr
		}
		state = next
		nodeCount++

		prev := progress
		progress = observability.ProgressOf(any(state))
		if cfg.tracingEnabled {
			cfg.spans.RecordProgress(nodeSpan, prev, progress)
			cfg.spans.EndSpanWithError(nodeSpan, nil)
		}
		observability.LogNodeComplete(cfg.logger, current, nodeDuration, progress)
		if progress.RetriedSince(prev) {
			cfg.metrics.RecordRetry(nodeSpanCtx, current, progress)
			observability.LogRetry(cfg.logger, current, progress)
		}

		target, err := cg.nextNode(ctx, state, current)
		if err != nil {
			return state, nodeCount, err
		}
		cfg.metrics.RecordEdgeTransition(spanCtx, current, target)

		if cfg.checkpointStore != nil {
			if err := cg.saveCheckpoint(ctx, cfg, current, prevNode, state, target); err != nil {
				return state, nodeCount, err
			}
		}

		if emit != nil && !emit(Step[S]{NodeID: current, Next: target, Iteration: iterations, State: state}) {
			return state, nodeCount, nil
		}

		prevNode = current
		current = target
	}

	return state, nodeCount, nil
}

// saveCheckpoint persists the merged state after a node.
// Failures are logged unless WithCheckpointFailureFatal was set.
func (cg *CompiledGraph[S, U]) saveCheckpoint(ctx Context, cfg *runConfig, nodeID, prevNodeID string, state S, nextNode string) error {
	fail := func(op string, err error) error {
		if cfg.checkpointFailureFatal {
			return &CheckpointError{NodeID: nodeID, Op: op, Err: err}
		}
		observability.LogCheckpointError(cfg.logger, nodeID, op, err)
		return nil
	}

	stateBytes, err := json.Marshal(state)
	if err != nil {
		return fail("serialize", err)
	}

	cfg.sequence++
	cp := checkpoint.New(cfg.runID, nodeID, cfg.sequence, stateBytes, nextNode).
		WithPrevNode(prevNodeID).
		WithAttempt(ctx.Attempt())

	data, err := cp.Marshal()
	if err != nil {
		return fail("marshal", err)
	}

	if err := cfg.checkpointStore.Save(cfg.runID, nodeID, data); err != nil {
		return fail("save", err)
	}

	observability.LogCheckpoint(cfg.logger, nodeID, cfg.sequence, len(data))
	cfg.metrics.RecordCheckpoint(ctx, nodeID, int64(len(data)))
	return nil
}

// executeNode runs a single node and merges its update, with panic recovery.
// Returns the merged state, or the input state and an error.
func (cg *CompiledGraph[S, U]) executeNode(ctx Context, spanCtx context.Context, nodeID string, state S) (result S, err error) {
	fn, exists := cg.getNode(nodeID)
	if !exists {
		return state, &NodeError{
			NodeID: nodeID,
			Op:     "lookup",
			Err:    fmt.Errorf("node not found: %s", nodeID),
		}
	}

	nodeCtx := nodeContext(ctx, spanCtx, nodeID)

	defer func() {
		if r := recover(); r != nil {
			result = state
			err = &PanicError{
				NodeID: nodeID,
				Value:  r,
				Stack:  string(debug.Stack()),
			}
		}
	}()

	update, err := fn(nodeCtx, state)
	if err != nil {
		return state, &NodeError{
			NodeID: nodeID,
			Op:     "execute",
			Err:    err,
		}
	}

	return cg.reduce(state, update), nil
}

// nextNode determines the next node to execute.
// Checks conditional edges first, then simple edges.
func (cg *CompiledGraph[S, U]) nextNode(ctx Context, state S, current string) (string, error) {
	if router, exists := cg.getRouter(current); exists {
		next := router(nodeContext(ctx, nil, current), state)

		if next == "" {
			return "", &RouterError{
				FromNode: current,
				Returned: next,
				Err:      ErrInvalidRouterResult,
			}
		}

		if next != END && !cg.HasNode(next) {
			return "", &RouterError{
				FromNode: current,
				Returned: next,
				Err:      ErrRouterTargetNotFound,
			}
		}

		return next, nil
	}

	edges := cg.edges[current]
	if len(edges) == 0 {
		return "", &NodeError{
			NodeID: current,
			Op:     "routing",
			Err:    fmt.Errorf("no outgoing edge from node %s", current),
		}
	}

	return edges[0], nil
}

