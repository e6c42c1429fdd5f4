package cli

import (
	"errors"
	"fmt"
)

// ExitError carries a non-zero exit code out of a command without calling
// os.Exit, so commands stay testable.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// NewExitError returns an ExitError with code.
func NewExitError(code int) *ExitError {
	return &ExitError{Code: code}
}

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}
