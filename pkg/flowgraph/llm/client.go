// Package llm defines the completion client used by the LLM-backed
// capability providers, plus a Claude CLI implementation and a scripted
// mock for tests.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Client produces completions. Implementations must be safe for concurrent
// use; pipeline stages fan out one call per query.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Sentinel errors.
var (
	// ErrEmptyResponse is returned when the model produced no content.
	ErrEmptyResponse = errors.New("llm: empty response")

	// ErrNoPrompt is returned when a request carries no user message.
	ErrNoPrompt = errors.New("llm: request has no user message")
)

// Error wraps a client failure with the operation and whether a retry
// could succeed.
type Error struct {
	Op        string
	Err       error
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("llm %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error.
func NewError(op string, err error, retryable bool) *Error {
	return &Error{Op: op, Err: err, Retryable: retryable}
}

// IsRetryable reports whether err is an *Error marked retryable.
func IsRetryable(err error) bool {
	var llmErr *Error
	return errors.As(err, &llmErr) && llmErr.Retryable
}
