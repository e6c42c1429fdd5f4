package flowgraph

// END is the terminal node identifier.
// Use this as an edge target to indicate the graph should terminate.
const END = "__end__"

// NodeFunc is the signature for all node functions.
// Nodes receive the execution context and a snapshot of the current state,
// and return a partial update that the executor folds into the running state
// with the graph's Reducer.
//
// Nodes must not mutate the state they receive. Slices and maps inside the
// snapshot are shared with the executor; return new values in the update.
//
// Example:
//
//	func increment(ctx flowgraph.Context, s Counter) (Delta, error) {
//	    return Delta{Add: 1}, nil
//	}
type NodeFunc[S, U any] func(ctx Context, state S) (U, error)

// RouterFunc determines the next node based on state.
// It is used for conditional edges where the next node depends on runtime state.
// Routers see the state after the node's update has been merged.
//
// The router should return a valid node ID or flowgraph.END.
// Returning an empty string or an unknown node ID will cause a runtime error.
//
// Example:
//
//	func router(ctx flowgraph.Context, s State) string {
//	    if s.Done {
//	        return flowgraph.END
//	    }
//	    return "process"
//	}
type RouterFunc[S any] func(ctx Context, state S) string

// Reducer folds a node's partial update into the running state.
// It must not modify the state it is given; return a new value instead.
// The executor calls it exactly once per successful node execution.
type Reducer[S, U any] func(state S, update U) S

// Step is the snapshot emitted after each node during execution.
type Step[S any] struct {
	// NodeID is the node that just executed.
	NodeID string
	// Next is the node that will run next (END when the run is finishing).
	Next string
	// Iteration is the 1-based count of node executions in this run.
	Iteration int
	// State is the merged state after NodeID's update.
	State S
}

// Result is delivered by RunAsync once execution finishes.
type Result[S any] struct {
	State S
	Err   error
}
