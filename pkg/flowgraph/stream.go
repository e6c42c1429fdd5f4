package flowgraph

import "iter"

// RunAsync starts execution in a new goroutine and returns a channel that
// receives exactly one Result when the run finishes. The channel is buffered,
// so the goroutine never blocks if the caller stops listening.
//
// Cancel ctx to stop the run at the next node boundary.
func (cg *CompiledGraph[S, U]) RunAsync(ctx Context, state S, opts ...RunOption) <-chan Result[S] {
	out := make(chan Result[S], 1)
	go func() {
		defer close(out)
		final, err := cg.Run(ctx, state, opts...)
		out <- Result[S]{State: final, Err: err}
	}()
	return out
}

// Stream executes the graph and yields a Step after every node.
// The run happens on the caller's goroutine while it ranges over the sequence.
//
// If execution fails, the final element carries the error and the state at
// the point of failure. Breaking out of the loop stops the run before the
// next node executes.
//
// Example:
//
//	for step, err := range compiled.Stream(ctx, state) {
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(step.NodeID, "->", step.Next)
//	}
func (cg *CompiledGraph[S, U]) Stream(ctx Context, state S, opts ...RunOption) iter.Seq2[Step[S], error] {
	return func(yield func(Step[S], error) bool) {
		cfg := defaultRunConfig()
		for _, opt := range opts {
			opt(&cfg)
		}

		stopped := false
		emit := func(step Step[S]) bool {
			if !yield(step, nil) {
				stopped = true
				return false
			}
			return true
		}

		final, err := cg.execute(ctx, state, cg.entryPoint, &cfg, emit)
		if err != nil && !stopped {
			yield(Step[S]{NodeID: lastNodeOf(err), State: final}, err)
		}
	}
}
