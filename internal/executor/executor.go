// Package executor runs the tasks of a single phase: readiness-driven
// batch scheduling, bounded parallelism, per-task retry, and phase-level
// outcome reporting. It never decides which phases run; that is the
// orchestrator's job.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/benjaminshoemaker/foreman/internal/event"
	"github.com/benjaminshoemaker/foreman/internal/project"
	"github.com/benjaminshoemaker/foreman/internal/resolver"
	"github.com/benjaminshoemaker/foreman/internal/state"
	"github.com/benjaminshoemaker/foreman/internal/taskid"
)

// Default execution knobs, overridable via Options.
const (
	DefaultMaxParallel = 2
	DefaultMaxRetries  = 2

	// retryOutputLimit bounds the prior attempt's output carried into a
	// retry prompt.
	retryOutputLimit = 2000
)

// Options configures phase execution.
type Options struct {
	// Parallel enables batch-parallel dispatch of simultaneously ready
	// tasks. Off, tasks run one at a time in deterministic order.
	Parallel bool

	// MaxParallel caps the batch size when Parallel is on.
	MaxParallel int

	// StopOnFailure stops dispatching new batches once a task has
	// exhausted its attempts. In-flight tasks always finish.
	StopOnFailure bool

	// MaxRetries is the number of re-attempts after the first failure,
	// so a task runs at most MaxRetries+1 times.
	MaxRetries int
}

func (o Options) maxAttempts() int {
	if o.MaxRetries < 0 {
		return 1
	}
	return o.MaxRetries + 1
}

func (o Options) batchSize() int {
	if !o.Parallel {
		return 1
	}
	if o.MaxParallel < 1 {
		return DefaultMaxParallel
	}
	return o.MaxParallel
}

// VCS is the optional version-control hook invoked after each completed
// task. The returned commit hash is recorded on the task's result.
type VCS interface {
	CommitTask(ctx context.Context, task *project.Task, res *project.TaskResult) (string, error)
}

// PhaseResult summarizes one phase execution. Skipped counts tasks
// administratively bypassed before or during the run; NotRun counts
// tasks the scheduler never reached (blocked by failures, a stall, or
// an early stop). The two are reported separately because a skip is a
// decision and an unreached task is a consequence.
type PhaseResult struct {
	Phase          int
	Success        bool
	TasksCompleted int
	TasksFailed    int
	TasksSkipped   int
	TasksNotRun    int
	Stalled        bool
	Duration       time.Duration
}

// ValidationError is returned when a phase's task graph is structurally
// unsound. Nothing executes.
type ValidationError struct {
	Phase  int
	Issues []resolver.Issue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.Message
	}
	return fmt.Sprintf("phase %d has an invalid task graph: %s", e.Phase, strings.Join(msgs, "; "))
}

// PhaseExecutor executes phases against shared project state. One
// executor is reused across the phases of a run.
type PhaseExecutor struct {
	state  *state.Manager
	runner Runner
	bus    *event.Bus
	opts   Options
	vcs    VCS
	logger *slog.Logger
	abort  *atomic.Bool
}

// New creates a phase executor.
func New(st *state.Manager, runner Runner, bus *event.Bus, opts Options) *PhaseExecutor {
	return &PhaseExecutor{
		state:  st,
		runner: runner,
		bus:    bus,
		opts:   opts,
		logger: slog.Default(),
		abort:  &atomic.Bool{},
	}
}

// WithVCS sets the per-task commit hook.
func (e *PhaseExecutor) WithVCS(v VCS) *PhaseExecutor {
	e.vcs = v
	return e
}

// WithLogger sets the structured logger.
func (e *PhaseExecutor) WithLogger(l *slog.Logger) *PhaseExecutor {
	e.logger = l
	return e
}

// WithAbortFlag shares an abort flag with the caller. Setting the flag
// stops dispatch at the next batch boundary; in-flight tasks finish.
func (e *PhaseExecutor) WithAbortFlag(flag *atomic.Bool) *PhaseExecutor {
	e.abort = flag
	return e
}

// RunPhase executes every runnable task in the phase and reports the
// outcome. State is checkpointed at batch boundaries and at phase end.
// The returned error is non-nil only for structural or infrastructure
// failures; task failures are reported through the result.
func (e *PhaseExecutor) RunPhase(ctx context.Context, phaseNumber int) (*PhaseResult, error) {
	ph, err := e.state.Phase(phaseNumber)
	if err != nil {
		return nil, err
	}
	tasks, err := e.state.PhaseTasks(phaseNumber)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res := resolver.New(tasks)

	if v := res.Validate(); !v.Valid {
		verr := &ValidationError{Phase: phaseNumber, Issues: v.Issues}
		result := e.tally(phaseNumber, tasks, start)
		result.Success = false
		e.publish(event.NewPhaseFail(phaseNumber, verr.Error(),
			result.TasksCompleted, result.TasksFailed, result.TasksSkipped, result.TasksNotRun))
		return result, verr
	}

	e.publish(event.NewPhaseStart(phaseNumber, ph.Name, len(tasks), false))
	e.logger.Info("phase started", "phase", phaseNumber, "name", ph.Name, "tasks", len(tasks))

	if err := e.recoverInterrupted(tasks); err != nil {
		return nil, err
	}
	if err := e.state.Save(); err != nil {
		return nil, err
	}

	phaseContext := buildPhaseContext(e.state.ProjectName(), ph)
	reason := e.runBatches(ctx, res, phaseContext)

	if err := e.state.Save(); err != nil {
		return nil, err
	}

	result := e.tally(phaseNumber, tasks, start)
	if reason == "" && result.TasksNotRun > 0 && result.TasksFailed == 0 {
		// Ready set drained with pending tasks left and nothing failed:
		// the remaining tasks can never become ready.
		result.Stalled = true
		reason = fmt.Sprintf("stalled: %d task(s) can never become ready", result.TasksNotRun)
	}
	result.Success = result.TasksFailed == 0 && result.TasksNotRun == 0

	if result.Success {
		e.publish(event.NewPhaseComplete(phaseNumber, result.TasksCompleted, result.TasksSkipped, result.Duration))
		e.logger.Info("phase complete", "phase", phaseNumber,
			"completed", result.TasksCompleted, "skipped", result.TasksSkipped,
			"duration", result.Duration.Round(time.Millisecond))
	} else {
		if reason == "" {
			reason = fmt.Sprintf("%d task(s) failed", result.TasksFailed)
		}
		e.publish(event.NewPhaseFail(phaseNumber, reason,
			result.TasksCompleted, result.TasksFailed, result.TasksSkipped, result.TasksNotRun))
		e.logger.Error("phase failed", "phase", phaseNumber, "reason", reason,
			"failed", result.TasksFailed, "not_run", result.TasksNotRun)
	}
	return result, nil
}

// runBatches is the scheduling loop. Readiness is recomputed only
// between batches; within a batch each worker owns exactly one task, so
// no two workers ever mutate the same task.
func (e *PhaseExecutor) runBatches(ctx context.Context, res *resolver.Resolver, phaseContext string) (stopReason string) {
	for {
		if e.abort.Load() {
			return "aborted"
		}
		if ctx.Err() != nil {
			return "cancelled"
		}

		ready := res.ReadyTasks()
		if len(ready) == 0 {
			return ""
		}
		if size := e.opts.batchSize(); len(ready) > size {
			ready = ready[:size]
		}

		var wg conc.WaitGroup
		for _, task := range ready {
			task := task
			wg.Go(func() {
				e.executeTask(ctx, task, res, phaseContext)
			})
		}
		// Recovered panics from workers surface here instead of killing
		// the process mid-phase.
		if recovered := wg.WaitAndRecover(); recovered != nil {
			e.logger.Error("task worker panicked", "panic", recovered.Value)
		}

		if err := e.state.Save(); err != nil {
			e.logger.Error("checkpoint save failed", "error", err)
		}

		if e.opts.StopOnFailure && anyFailed(ready) {
			return ""
		}
	}
}

// executeTask drives one task through its attempt budget. The worker is
// the sole mutator of its task for the duration of the batch.
func (e *PhaseExecutor) executeTask(ctx context.Context, task *project.Task, res *resolver.Resolver, phaseContext string) {
	taskContext := phaseContext
	if skipped := res.SkippedDeps(task.ID); len(skipped) > 0 {
		warning := skippedDepsNote(skipped)
		taskContext += "\n\n" + warning
		e.logger.Warn("task depends on skipped work", "task", task.ID.String(), "skipped_deps", formatIDs(skipped))
	}

	maxAttempts := e.opts.maxAttempts()
	var retry *RetryContext
	for {
		if ctx.Err() != nil || e.abort.Load() {
			return
		}

		if err := e.state.StartTask(task.ID); err != nil {
			e.logger.Error("failed to start task", "task", task.ID.String(), "error", err)
			return
		}
		attemptStart := time.Now()

		result, runErr := e.runner.Run(ctx, task, taskContext, retry)
		if runErr == nil {
			if result == nil {
				result = &project.TaskResult{}
			}
			result.Duration = time.Since(attemptStart)
			e.commitTask(ctx, task, result)
			if err := e.state.CompleteTask(task.ID, result); err != nil {
				e.logger.Error("failed to record completion", "task", task.ID.String(), "error", err)
			}
			return
		}

		reason, output := failureDetail(runErr)
		if err := e.state.FailTask(task.ID, reason); err != nil {
			e.logger.Error("failed to record failure", "task", task.ID.String(), "error", err)
			return
		}

		if task.Attempts >= maxAttempts {
			e.logger.Error("task exhausted attempts", "task", task.ID.String(),
				"attempts", task.Attempts, "reason", reason)
			return
		}
		if ctx.Err() != nil || e.abort.Load() {
			return
		}

		if err := e.state.RetryTask(task.ID); err != nil {
			e.logger.Error("failed to reset task for retry", "task", task.ID.String(), "error", err)
			return
		}
		retry = &RetryContext{
			Attempt:     task.Attempts + 1,
			MaxAttempts: maxAttempts,
			Reason:      reason,
			LastOutput:  truncateOutput(output, retryOutputLimit),
		}
	}
}

// commitTask runs the VCS hook and stamps the commit hash on the
// result. Commit failures degrade to a warning; the task's work stands.
func (e *PhaseExecutor) commitTask(ctx context.Context, task *project.Task, result *project.TaskResult) {
	if e.vcs == nil {
		return
	}
	hash, err := e.vcs.CommitTask(ctx, task, result)
	if err != nil {
		e.logger.Warn("commit failed", "task", task.ID.String(), "error", err)
		return
	}
	result.Commit = hash
}

// recoverInterrupted resets tasks a previous run left mid-flight and
// re-queues failed tasks that still have attempt budget.
func (e *PhaseExecutor) recoverInterrupted(tasks []*project.Task) error {
	maxAttempts := e.opts.maxAttempts()
	for _, task := range tasks {
		switch task.Status {
		case project.StatusInProgress:
			e.logger.Warn("recovering interrupted task", "task", task.ID.String())
			if err := e.state.RecoverTask(task.ID); err != nil {
				return err
			}
		case project.StatusFailed:
			if task.Attempts < maxAttempts {
				e.logger.Info("re-queuing failed task", "task", task.ID.String(), "attempts", task.Attempts)
				if err := e.state.RetryTask(task.ID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (e *PhaseExecutor) tally(phaseNumber int, tasks []*project.Task, start time.Time) *PhaseResult {
	result := &PhaseResult{Phase: phaseNumber, Duration: time.Since(start)}
	for _, task := range tasks {
		switch task.Status {
		case project.StatusComplete:
			result.TasksCompleted++
		case project.StatusFailed:
			result.TasksFailed++
		case project.StatusSkipped:
			result.TasksSkipped++
		default:
			result.TasksNotRun++
		}
	}
	return result
}

func (e *PhaseExecutor) publish(ev event.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func anyFailed(tasks []*project.Task) bool {
	for _, task := range tasks {
		if task.Status == project.StatusFailed {
			return true
		}
	}
	return false
}

// buildPhaseContext renders the shared context string handed to every
// task attempt in the phase.
func buildPhaseContext(projectName string, ph *project.Phase) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Project: %s\n", projectName)
	fmt.Fprintf(&sb, "Phase %d: %s\n", ph.Number, ph.Name)
	if ph.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", ph.Description)
	}
	return sb.String()
}

// skippedDepsNote warns the task's agent that a prerequisite was
// intentionally bypassed, so it does not assume that work exists.
func skippedDepsNote(skipped []taskid.ID) string {
	return fmt.Sprintf("Note: prerequisite task(s) %s were skipped. "+
		"Their deliverables do not exist; do not assume they do.", formatIDs(skipped))
}

func formatIDs(ids []taskid.ID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ", ")
}
