// Package testutil provides testing utilities shared across packages.
package testutil

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benjaminshoemaker/foreman/internal/executor"
	"github.com/benjaminshoemaker/foreman/internal/project"
	"github.com/benjaminshoemaker/foreman/internal/taskid"
)

// MockCommandFunc creates a mock command that outputs the given response.
// Usage: runner.CommandContext = testutil.MockCommandFunc(jsonResponse)
func MockCommandFunc(output string) func(ctx context.Context, name string, args ...string) *exec.Cmd {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "echo", "-n", output)
	}
}

// SetupTestDir creates a temp directory, resolves symlinks (for macOS),
// changes to it, and registers cleanup to restore the original working directory.
// Returns the resolved temp directory path.
func SetupTestDir(t *testing.T) string {
	t.Helper()

	tmpDir := t.TempDir()
	// Resolve symlinks for macOS (/var -> /private/var)
	if resolved, err := filepath.EvalSymlinks(tmpDir); err != nil {
		t.Logf("warning: could not resolve symlinks for temp dir: %v", err)
	} else {
		tmpDir = resolved
	}

	originalWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}

	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("failed to change to temp dir: %v", err)
	}

	t.Cleanup(func() {
		os.Chdir(originalWd)
	})

	return tmpDir
}

// Outcome scripts one attempt of a scripted task.
type Outcome struct {
	Err    error
	Result *project.TaskResult
	Delay  time.Duration
}

// ScriptedRunner is an executor.Runner whose behavior is scripted per
// task id: each Run call consumes the next outcome in that task's
// script. It records call order for scheduling assertions.
type ScriptedRunner struct {
	mu       sync.Mutex
	scripts  map[taskid.ID][]Outcome
	calls    []taskid.ID
	retries  map[taskid.ID][]*executor.RetryContext
	contexts map[taskid.ID][]string
}

// NewScriptedRunner creates an empty scripted runner. Unscripted tasks
// succeed with a generic result.
func NewScriptedRunner() *ScriptedRunner {
	return &ScriptedRunner{
		scripts:  make(map[taskid.ID][]Outcome),
		retries:  make(map[taskid.ID][]*executor.RetryContext),
		contexts: make(map[taskid.ID][]string),
	}
}

// Script appends outcomes for a task. Attempts beyond the script
// succeed.
func (r *ScriptedRunner) Script(id taskid.ID, outcomes ...Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[id] = append(r.scripts[id], outcomes...)
}

// FailOnce scripts a single failure followed by success.
func (r *ScriptedRunner) FailOnce(id taskid.ID, reason string) {
	r.Script(id, Outcome{Err: &executor.ExecutionError{Reason: reason}})
}

// AlwaysFail scripts n failing attempts.
func (r *ScriptedRunner) AlwaysFail(id taskid.ID, reason string, n int) {
	for i := 0; i < n; i++ {
		r.Script(id, Outcome{Err: &executor.ExecutionError{Reason: reason}})
	}
}

// Run consumes the next scripted outcome for the task.
func (r *ScriptedRunner) Run(ctx context.Context, task *project.Task, phaseContext string, retry *executor.RetryContext) (*project.TaskResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, task.ID)
	r.retries[task.ID] = append(r.retries[task.ID], retry)
	r.contexts[task.ID] = append(r.contexts[task.ID], phaseContext)
	var out Outcome
	if script := r.scripts[task.ID]; len(script) > 0 {
		out = script[0]
		r.scripts[task.ID] = script[1:]
	}
	r.mu.Unlock()

	if out.Delay > 0 {
		select {
		case <-time.After(out.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if out.Err != nil {
		return nil, out.Err
	}
	if out.Result != nil {
		return out.Result, nil
	}
	return &project.TaskResult{Summary: "done: " + task.ID.String()}, nil
}

// Calls returns the task ids in dispatch order.
func (r *ScriptedRunner) Calls() []taskid.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]taskid.ID, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallCount returns how many attempts ran for the task.
func (r *ScriptedRunner) CallCount(id taskid.ID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == id {
			n++
		}
	}
	return n
}

// Retries returns the retry contexts seen by each attempt of the task,
// in order. The first attempt's entry is nil.
func (r *ScriptedRunner) Retries(id taskid.ID) []*executor.RetryContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*executor.RetryContext, len(r.retries[id]))
	copy(out, r.retries[id])
	return out
}

// Contexts returns the phase context string each attempt of the task
// received, in order.
func (r *ScriptedRunner) Contexts(id taskid.ID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.contexts[id]))
	copy(out, r.contexts[id])
	return out
}
