/*
Package flowgraph provides graph-based orchestration for stateful workflows.

# Overview

flowgraph builds and executes directed graphs where nodes perform work and
edges define flow. Nodes never mutate the running state: each returns a
partial update, and the graph's Reducer folds that update into the state
before routing. This keeps merge rules in one explicit function and makes
every snapshot safe to checkpoint and replay.

# Basic Usage

	type State struct {
	    Input  string
	    Output string
	}

	type Update struct {
	    Output *string
	}

	func merge(s State, u Update) State {
	    if u.Output != nil {
	        s.Output = *u.Output
	    }
	    return s
	}

	func process(ctx flowgraph.Context, s State) (Update, error) {
	    out := "Processed: " + s.Input
	    return Update{Output: &out}, nil
	}

	graph := flowgraph.NewGraph[State, Update](merge).
	    AddNode("process", process).
	    AddEdge("process", flowgraph.END).
	    SetEntry("process")

	compiled, err := graph.Compile()
	if err != nil {
	    log.Fatal(err)
	}

	ctx := flowgraph.NewContext(context.Background())
	result, err := compiled.Run(ctx, State{Input: "hello"})

# Conditional Branching and Loops

Routers run after the node's update is merged and return the next node ID:

	graph.AddConditionalEdge("attempt", func(ctx flowgraph.Context, s RetryState) string {
	    if s.Success || s.Attempts >= 3 {
	        return "cleanup"
	    }
	    return "attempt"
	}, "attempt", "cleanup")

The trailing target list is optional. It documents where the router may go
and is used for reachability checks and Mermaid rendering.

Loops are protected by max iterations (default 1000):

	result, err := compiled.Run(ctx, state, flowgraph.WithMaxIterations(50))

# Execution Modes

Run blocks until END. RunAsync returns a channel that receives one Result.
Stream returns an iterator yielding a Step after each node:

	for step, err := range compiled.Stream(ctx, state) {
	    if err != nil {
	        return err
	    }
	    log.Printf("%s -> %s", step.NodeID, step.Next)
	}

All three share one execution core. Cancellation of ctx is observed before
each node starts; a node already running is not interrupted by the engine.

# Checkpointing

With a store and run ID, the merged state is persisted after every node:

	store, err := checkpoint.NewSQLiteStore("./checkpoints.db")
	if err != nil {
	    log.Fatal(err)
	}
	result, err := compiled.Run(ctx, state,
	    flowgraph.WithCheckpointing(store),
	    flowgraph.WithRunID("run-123"))

	// after a crash
	result, err = compiled.Resume(ctx, store, "run-123")

# Error Handling

Engine errors describe why a run could not be driven:

  - *NodeError: a node returned an error
  - *PanicError: a node panicked (stack captured)
  - *CancellationError: ctx was cancelled between nodes
  - *RouterError: a router returned an empty or unknown node
  - *MaxIterationsError: the iteration cap was hit
  - *CheckpointError: persisting a checkpoint failed (when fatal)

All support errors.Is/As.

# Observability

WithObservabilityLogger, WithMetrics and WithTracing enable slog lifecycle
logs, OpenTelemetry metrics (flowgraph.node.*, flowgraph.run.*,
flowgraph.edge.transitions, flowgraph.checkpoint.size) and spans
("flowgraph.run <graph>", "flowgraph.node <id>").

A state that implements observability.Reporter has its stage, retry count
and error count copied onto node logs and spans after every merge. A node
that raises the retry count adds a "retry" span event, a retry log line
and a flowgraph.node.retries count.
*/
package flowgraph
