package flowgraph

import (
	"errors"
	"fmt"

	"github.com/randalmurphal/dashflow/pkg/flowgraph/checkpoint"
)

// Resume continues execution from the last checkpoint for a run.
// It loads the latest checkpoint and starts execution from the next node.
// Checkpointing stays enabled on the same store and run ID.
//
// Example:
//
//	// Previous run crashed after node B
//	// Resume continues from node C with state from B's checkpoint
//	result, err := compiled.Resume(ctx, store, "run-123")
func (cg *CompiledGraph[S, U]) Resume(ctx Context, store checkpoint.Store, runID string, opts ...ResumeOption) (S, error) {
	var zero S

	if ctx == nil {
		return zero, ErrNilContext
	}

	infos, err := store.List(runID)
	if err != nil {
		return zero, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(infos) == 0 {
		return zero, fmt.Errorf("%w: %s", ErrNoCheckpoints, runID)
	}

	latest := infos[len(infos)-1]
	return cg.resumeAt(ctx, store, runID, latest.NodeID, opts)
}

// ResumeFrom continues execution from a specific checkpoint.
// Unlike Resume, this loads the checkpoint at a specific node rather than the latest.
//
// Example:
//
//	// Retry from a specific node
//	result, err := compiled.ResumeFrom(ctx, store, "run-123", "process-node")
func (cg *CompiledGraph[S, U]) ResumeFrom(ctx Context, store checkpoint.Store, runID, nodeID string, opts ...ResumeOption) (S, error) {
	var zero S

	if ctx == nil {
		return zero, ErrNilContext
	}

	return cg.resumeAt(ctx, store, runID, nodeID, opts)
}

// LoadCheckpointState restores the state stored in a run's latest checkpoint
// without executing anything.
func LoadCheckpointState[S any](store checkpoint.Store, runID string) (S, *checkpoint.Checkpoint, error) {
	var zero S

	infos, err := store.List(runID)
	if err != nil {
		return zero, nil, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(infos) == 0 {
		return zero, nil, fmt.Errorf("%w: %s", ErrNoCheckpoints, runID)
	}

	return loadCheckpoint[S](store, runID, infos[len(infos)-1].NodeID)
}

func (cg *CompiledGraph[S, U]) resumeAt(ctx Context, store checkpoint.Store, runID, nodeID string, opts []ResumeOption) (S, error) {
	var zero S

	cfg := resumeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	state, cp, err := loadCheckpoint[S](store, runID, nodeID)
	if err != nil {
		return zero, err
	}

	if cfg.stateOverride != nil {
		if typed, ok := cfg.stateOverride(state).(S); ok {
			state = typed
		}
	}

	if cfg.validateState != nil {
		if err := cfg.validateState(state); err != nil {
			return state, fmt.Errorf("state validation failed: %w", err)
		}
	}

	startNode := cp.NextNode
	if cfg.replayNode {
		startNode = cp.NodeID
	}

	if startNode != END && !cg.HasNode(startNode) {
		return zero, fmt.Errorf("%w: %s", ErrInvalidResumeNode, startNode)
	}

	runCfg := defaultRunConfig()
	for _, opt := range cfg.runOpts {
		opt(&runCfg)
	}
	runCfg.checkpointStore = store
	runCfg.runID = runID
	runCfg.sequence = cp.Sequence

	return cg.execute(ctx, state, startNode, &runCfg, nil)
}

func loadCheckpoint[S any](store checkpoint.Store, runID, nodeID string) (S, *checkpoint.Checkpoint, error) {
	var zero S

	data, err := store.Load(runID, nodeID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return zero, nil, fmt.Errorf("%w: %s at node %s", ErrNoCheckpoints, runID, nodeID)
		}
		return zero, nil, fmt.Errorf("load checkpoint: %w", err)
	}

	cp, err := checkpoint.Unmarshal(data)
	if err != nil {
		return zero, nil, fmt.Errorf("%w: %v", ErrDeserializeState, err)
	}

	if err := cp.Compatible(); err != nil {
		return zero, nil, fmt.Errorf("%w: %v", ErrCheckpointVersionMismatch, err)
	}

	var state S
	if err := cp.DecodeState(&state); err != nil {
		return zero, nil, fmt.Errorf("%w: %v", ErrDeserializeState, err)
	}

	return state, cp, nil
}
