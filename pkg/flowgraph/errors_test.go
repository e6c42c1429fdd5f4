package flowgraph

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/dashflow/pkg/flowgraph/observability"
)

func TestEngineErrors_Format(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "node error",
			err:  &NodeError{NodeID: "deploy_dashboard", Op: "execute", Err: errors.New("connection failed")},
			want: "node deploy_dashboard: execute: connection failed",
		},
		{
			name: "panic",
			err:  &PanicError{NodeID: "crash", Value: "unexpected nil", Stack: "goroutine 1 [running]:"},
			want: "node crash panicked: unexpected nil",
		},
		{
			name: "cancelled before",
			err:  &CancellationError{NodeID: "pending", Cause: context.Canceled},
			want: "cancelled before node pending: context canceled",
		},
		{
			name: "cancelled during",
			err:  &CancellationError{NodeID: "running", Cause: context.DeadlineExceeded, WasExecuting: true},
			want: "cancelled during node running: context deadline exceeded",
		},
		{
			name: "router",
			err:  &RouterError{FromNode: "validate_query", Returned: "unknown", Err: ErrRouterTargetNotFound},
			want: `router from validate_query returned "unknown": router returned unknown node`,
		},
		{
			name: "max iterations",
			err:  &MaxIterationsError{Max: 13, LastNodeID: "generate_query"},
			want: "exceeded maximum iterations (13) at node generate_query",
		},
		{
			name: "max iterations mid retry",
			err: &MaxIterationsError{Max: 13, LastNodeID: "generate_query",
				Progress: observability.Progress{Stage: "failed", RetryCount: 3, MaxRetries: 3, Errors: 3}},
			want: "exceeded maximum iterations (13) at node generate_query (stage failed, retry 3/3)",
		},
		{
			name: "cancelled with progress",
			err: &CancellationError{NodeID: "validate_query", Cause: context.Canceled,
				Progress: observability.Progress{Stage: "query_generated", RetryCount: 1, MaxRetries: 3}},
			want: "cancelled before node validate_query (stage query_generated, retry 1/3): context canceled",
		},
		{
			name: "checkpoint",
			err:  &CheckpointError{NodeID: "extract_metrics", Op: "save", Err: errors.New("disk full")},
			want: "checkpoint save at node extract_metrics: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestEngineErrors_Unwrap(t *testing.T) {
	underlying := errors.New("underlying")

	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"node error", &NodeError{NodeID: "n", Op: "execute", Err: underlying}, underlying},
		{"cancellation", &CancellationError{NodeID: "n", Cause: context.Canceled}, context.Canceled},
		{"router", &RouterError{FromNode: "n", Err: ErrInvalidRouterResult}, ErrInvalidRouterResult},
		{"max iterations", &MaxIterationsError{Max: 1, LastNodeID: "n"}, ErrMaxIterations},
		{"checkpoint", &CheckpointError{NodeID: "n", Op: "save", Err: underlying}, underlying},
		{"panic with error value", &PanicError{NodeID: "n", Value: underlying}, underlying},
		{"wrapped twice", fmt.Errorf("run: %w", &NodeError{NodeID: "n", Err: underlying}), underlying},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.target)
		})
	}
}

func TestPanicError_UnwrapNonError(t *testing.T) {
	err := &PanicError{NodeID: "n", Value: "just a string"}
	assert.Nil(t, err.Unwrap())
}

func TestLastNodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&NodeError{NodeID: "a"}, "a"},
		{&PanicError{NodeID: "b"}, "b"},
		{&MaxIterationsError{LastNodeID: "c"}, "c"},
		{&CancellationError{NodeID: "d"}, "d"},
		{&RouterError{FromNode: "e"}, "e"},
		{&CheckpointError{NodeID: "f"}, "f"},
		{fmt.Errorf("wrapped: %w", &NodeError{NodeID: "g"}), "g"},
		{errors.New("plain"), ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, lastNodeOf(tt.err), "%v", tt.err)
	}
}

func TestRun_BudgetErrorCarriesProgress(t *testing.T) {
	compiled, err := NewGraph[Attempts, Try](applyTry).
		AddNode("attempt", func(Context, Attempts) (Try, error) { return Try{}, nil }).
		AddConditionalEdge("attempt", func(Context, Attempts) string { return "attempt" }, "attempt", END).
		SetEntry("attempt").
		Compile()
	require.NoError(t, err)

	_, err = compiled.Run(testCtx(), Attempts{Max: 2}, WithMaxIterations(3))
	var maxErr *MaxIterationsError
	require.ErrorAs(t, err, &maxErr)
	assert.Equal(t, observability.Progress{Stage: "retrying", RetryCount: 3, MaxRetries: 2, Errors: 3}, maxErr.Progress)
	assert.Contains(t, err.Error(), "(stage retrying, retry 3/2)")
	assert.Equal(t, "attempt", lastNodeOf(err))
}
