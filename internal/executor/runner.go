package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/benjaminshoemaker/foreman/internal/project"
)

// Runner executes a single task attempt. Implementations spawn an agent
// (or a mock in tests) and report the attempt's outcome. A nil error
// means the attempt succeeded and the result is authoritative.
type Runner interface {
	Run(ctx context.Context, task *project.Task, phaseContext string, retry *RetryContext) (*project.TaskResult, error)
}

// RetryContext carries what the previous attempt learned into the next
// one. Nil on the first attempt.
type RetryContext struct {
	Attempt     int
	MaxAttempts int
	Reason      string
	LastOutput  string
}

// ExecutionError is a task attempt failure with the agent's output
// attached for the retry prompt.
type ExecutionError struct {
	Reason string
	Output string
}

func (e *ExecutionError) Error() string {
	return e.Reason
}

// failureDetail extracts the reason and raw output from an attempt
// error.
func failureDetail(err error) (reason, output string) {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Reason, execErr.Output
	}
	return err.Error(), ""
}

// truncateOutput bounds the output carried into a retry prompt, keeping
// the tail where failure detail usually lives.
func truncateOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return fmt.Sprintf("[...truncated...]\n%s", s[len(s)-max:])
}
