package flowgraph

import (
	"errors"
	"fmt"

	"github.com/randalmurphal/dashflow/pkg/flowgraph/observability"
)

// Build and compile errors.
var (
	ErrNoEntryPoint  = errors.New("entry point not set")
	ErrEntryNotFound = errors.New("entry point node not found")
	ErrNodeNotFound  = errors.New("node not found")
	ErrNoPathToEnd   = errors.New("no path to END from entry")
)

// Execution errors.
var (
	// ErrMaxIterations is wrapped by MaxIterationsError when a run spends
	// its node budget without reaching END.
	ErrMaxIterations        = errors.New("exceeded maximum iterations")
	ErrNilContext           = errors.New("context cannot be nil")
	ErrInvalidRouterResult  = errors.New("router returned empty string")
	ErrRouterTargetNotFound = errors.New("router returned unknown node")
)

// Checkpoint and resume errors.
var (
	ErrRunIDRequired             = errors.New("run ID required for checkpointing")
	ErrDeserializeState          = errors.New("failed to deserialize state")
	ErrNoCheckpoints             = errors.New("no checkpoints found for run")
	ErrInvalidResumeNode         = errors.New("invalid resume node")
	ErrCheckpointVersionMismatch = errors.New("checkpoint version mismatch")
)

// nodeFailure is implemented by every engine error that names a node.
type nodeFailure interface {
	error
	failedNode() string
}

// lastNodeOf returns the node an engine error names, or "" for other errors.
func lastNodeOf(err error) string {
	var nf nodeFailure
	if errors.As(err, &nf) {
		return nf.failedNode()
	}
	return ""
}

// at renders progress as a suffix for error messages.
func at(p observability.Progress) string {
	if p.IsZero() {
		return ""
	}
	return fmt.Sprintf(" (stage %s, retry %d/%d)", p.Stage, p.RetryCount, p.MaxRetries)
}

// CheckpointError wraps a failed save, load or serialize of a checkpoint.
type CheckpointError struct {
	NodeID string
	Op     string
	Err    error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s at node %s: %v", e.Op, e.NodeID, e.Err)
}

func (e *CheckpointError) Unwrap() error      { return e.Err }
func (e *CheckpointError) failedNode() string { return e.NodeID }

// NodeError is a Go error returned by a node or its router. Domain failures
// that a node records in state are not NodeErrors.
type NodeError struct {
	NodeID string
	// Op is "execute" or "routing".
	Op  string
	Err error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %s: %v", e.NodeID, e.Op, e.Err)
}

func (e *NodeError) Unwrap() error      { return e.Err }
func (e *NodeError) failedNode() string { return e.NodeID }

// PanicError is a recovered node panic with the stack at the panic site.
type PanicError struct {
	NodeID string
	Value  any
	Stack  string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("node %s panicked: %v", e.NodeID, e.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func (e *PanicError) failedNode() string { return e.NodeID }

// CancellationError reports a run stopped by its context. State holds the
// last merged state, so a caller can inspect how far the run got or resume
// it from the latest checkpoint.
type CancellationError struct {
	NodeID string
	State  any
	// Progress is what State reported, if it reports anything.
	Progress observability.Progress
	// Cause is context.Canceled or context.DeadlineExceeded.
	Cause error
	// WasExecuting is set when the node had started before the context ended.
	WasExecuting bool
}

func (e *CancellationError) Error() string {
	when := "before"
	if e.WasExecuting {
		when = "during"
	}
	return fmt.Sprintf("cancelled %s node %s%s: %v", when, e.NodeID, at(e.Progress), e.Cause)
}

func (e *CancellationError) Unwrap() error      { return e.Cause }
func (e *CancellationError) failedNode() string { return e.NodeID }

// RouterError reports a router that returned an empty or unknown target.
type RouterError struct {
	FromNode string
	Returned string
	Err      error
}

func (e *RouterError) Error() string {
	return fmt.Sprintf("router from %s returned %q: %v", e.FromNode, e.Returned, e.Err)
}

func (e *RouterError) Unwrap() error      { return e.Err }
func (e *RouterError) failedNode() string { return e.FromNode }

// MaxIterationsError reports a run that spent its node budget. A retry loop
// that never settles ends here.
type MaxIterationsError struct {
	Max int
	// LastNodeID is the node that would have run next.
	LastNodeID string
	State      any
	Progress   observability.Progress
}

func (e *MaxIterationsError) Error() string {
	return fmt.Sprintf("exceeded maximum iterations (%d) at node %s%s", e.Max, e.LastNodeID, at(e.Progress))
}

func (e *MaxIterationsError) Unwrap() error      { return ErrMaxIterations }
func (e *MaxIterationsError) failedNode() string { return e.LastNodeID }
