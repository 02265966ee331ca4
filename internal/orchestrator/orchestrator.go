// Package orchestrator drives a run across phases: phase selection,
// confirmation gates, dry-run review, resume, and abort. It owns the run
// lifecycle; the executor owns everything inside a single phase.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/benjaminshoemaker/foreman/internal/event"
	"github.com/benjaminshoemaker/foreman/internal/executor"
	"github.com/benjaminshoemaker/foreman/internal/project"
	"github.com/benjaminshoemaker/foreman/internal/resolver"
	"github.com/benjaminshoemaker/foreman/internal/state"
	"github.com/benjaminshoemaker/foreman/internal/taskid"
)

// ConfirmFunc is asked before each phase executes. Returning false stops
// the run cleanly before the phase starts.
type ConfirmFunc func(phase int, name string, taskCount int) (bool, error)

// VCS is the optional run-level version-control hook. Hook failures are
// logged and never stop the run.
type VCS interface {
	executor.VCS

	// BeginPhase prepares the working tree for a phase, e.g. by
	// switching to the phase branch.
	BeginPhase(ctx context.Context, phase int) error

	// CommitStateChange commits orchestration metadata updates.
	CommitStateChange(ctx context.Context, message string) error
}

// Options configures a run.
type Options struct {
	// StartPhase overrides where the run begins. Zero resumes from the
	// persisted phase pointer.
	StartPhase int

	// EndPhase bounds the run. Zero runs through the last phase.
	EndPhase int

	// DryRun reports each phase's execution order without running
	// anything or mutating state.
	DryRun bool

	// Confirm gates each phase. Nil auto-confirms.
	Confirm ConfirmFunc

	Executor executor.Options
}

// PhasePlan is one phase's planned execution order, produced by dry
// runs.
type PhasePlan struct {
	Phase int
	Name  string
	Order []taskid.ID
}

// Summary is the outcome of a run.
type Summary struct {
	RunID     string
	Completed bool   // every selected phase finished successfully
	Stopped   string // non-empty when the run ended early: why
	Phases    []*executor.PhaseResult
	Plan      []PhasePlan // populated on dry runs
}

// Orchestrator coordinates one project's runs.
type Orchestrator struct {
	state  *state.Manager
	exec   *executor.PhaseExecutor
	bus    *event.Bus
	vcs    VCS
	logger *slog.Logger
	opts   Options
	abort  atomic.Bool
}

// New creates an orchestrator and wires its abort flag into the
// executor.
func New(st *state.Manager, exec *executor.PhaseExecutor, bus *event.Bus, opts Options) *Orchestrator {
	o := &Orchestrator{
		state:  st,
		exec:   exec,
		bus:    bus,
		logger: slog.Default(),
		opts:   opts,
	}
	exec.WithAbortFlag(&o.abort)
	return o
}

// WithVCS sets the run-level version-control hook.
func (o *Orchestrator) WithVCS(v VCS) *Orchestrator {
	o.vcs = v
	return o
}

// WithLogger sets the structured logger.
func (o *Orchestrator) WithLogger(l *slog.Logger) *Orchestrator {
	o.logger = l
	return o
}

// Abort requests a clean stop. Dispatch halts at the next batch
// boundary; in-flight tasks finish and state is saved.
func (o *Orchestrator) Abort() {
	o.abort.Store(true)
}

// Run executes the selected phase range. Already-complete phases are
// skipped; the persisted phase pointer advances after each successful
// phase so an interrupted run resumes where it stopped.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	start, end, err := o.phaseRange()
	if err != nil {
		return nil, err
	}

	if o.opts.DryRun {
		return o.dryRun(start, end)
	}

	runID := uuid.NewString()
	o.state.SetRunID(runID)
	summary := &Summary{RunID: runID}
	o.logger.Info("run started", "run_id", runID, "from", start, "to", end)

	for _, number := range o.selectedPhases(start, end) {
		ph, err := o.state.Phase(number)
		if err != nil {
			return summary, err
		}

		if ph.Status() == project.StatusComplete {
			o.logger.Info("phase already complete, skipping", "phase", number)
			if err := o.advancePointer(number + 1); err != nil {
				return summary, err
			}
			continue
		}

		if o.abort.Load() || ctx.Err() != nil {
			summary.Stopped = "aborted"
			return summary, o.state.Save()
		}

		if o.opts.Confirm != nil {
			ok, err := o.opts.Confirm(number, ph.Name, len(ph.Tasks))
			if err != nil {
				return summary, err
			}
			if !ok {
				o.logger.Info("phase declined, stopping run", "phase", number)
				summary.Stopped = fmt.Sprintf("phase %d declined", number)
				return summary, o.state.Save()
			}
		}

		// Version-control hooks never gate scheduling; the phase still
		// runs on the current branch if this fails.
		if o.vcs != nil {
			if err := o.vcs.BeginPhase(ctx, number); err != nil {
				o.logger.Warn("failed to prepare phase branch", "phase", number, "error", err)
			}
		}

		result, err := o.exec.RunPhase(ctx, number)
		if result != nil {
			summary.Phases = append(summary.Phases, result)
		}
		if err != nil {
			return summary, err
		}
		if !result.Success {
			summary.Stopped = fmt.Sprintf("phase %d failed", number)
			return summary, o.state.Save()
		}

		if err := o.state.ApprovePhase(number, fmt.Sprintf("completed by run %s", runID)); err != nil {
			return summary, err
		}
		if err := o.advancePointer(number + 1); err != nil {
			return summary, err
		}
		if o.vcs != nil {
			if err := o.vcs.CommitStateChange(ctx, fmt.Sprintf("foreman: phase %d complete", number)); err != nil {
				o.logger.Warn("state commit failed", "phase", number, "error", err)
			}
		}
	}

	if end >= o.state.LastPhase() {
		if err := o.state.MarkStageComplete(project.StageImplementation); err != nil {
			return summary, err
		}
		if err := o.state.Save(); err != nil {
			return summary, err
		}
	}

	summary.Completed = true
	o.logger.Info("run complete", "run_id", runID, "phases", len(summary.Phases))
	return summary, nil
}

// Resume runs from the persisted phase pointer regardless of any
// StartPhase override.
func (o *Orchestrator) Resume(ctx context.Context) (*Summary, error) {
	o.opts.StartPhase = 0
	return o.Run(ctx)
}

// dryRun reports each selected phase's execution order without touching
// state. Invalid graphs are reported as errors, same as a real run.
func (o *Orchestrator) dryRun(start, end int) (*Summary, error) {
	summary := &Summary{}
	for _, number := range o.selectedPhases(start, end) {
		ph, err := o.state.Phase(number)
		if err != nil {
			return summary, err
		}
		tasks, err := o.state.PhaseTasks(number)
		if err != nil {
			return summary, err
		}

		res := resolver.New(tasks)
		if v := res.Validate(); !v.Valid {
			return summary, &executor.ValidationError{Phase: number, Issues: v.Issues}
		}
		ordered, err := res.ExecutionOrder()
		if err != nil {
			return summary, err
		}

		plan := PhasePlan{Phase: number, Name: ph.Name}
		for _, task := range ordered {
			plan.Order = append(plan.Order, task.ID)
		}
		summary.Plan = append(summary.Plan, plan)
		o.bus.Publish(event.NewPhaseStart(number, ph.Name, len(tasks), true))
	}
	summary.Completed = true
	return summary, nil
}

// phaseRange resolves the selected phase bounds. The default start is
// the persisted pointer so plain `run` continues where the last run
// stopped.
func (o *Orchestrator) phaseRange() (start, end int, err error) {
	last := o.state.LastPhase()
	if last == 0 {
		return 0, 0, fmt.Errorf("project has no phases")
	}

	start = o.opts.StartPhase
	if start == 0 {
		start = o.state.Meta().CurrentPhase
		if start == 0 {
			start = 1
		}
	}
	end = o.opts.EndPhase
	if end == 0 {
		end = last
	}

	if start > last {
		return 0, 0, fmt.Errorf("nothing to run: all %d phase(s) are complete", last)
	}
	if end > last {
		return 0, 0, fmt.Errorf("phase %d does not exist (last phase is %d)", end, last)
	}
	if start > end {
		return 0, 0, fmt.Errorf("invalid phase range %d..%d", start, end)
	}
	return start, end, nil
}

// selectedPhases returns the defined phase numbers within [start, end].
func (o *Orchestrator) selectedPhases(start, end int) []int {
	var out []int
	for _, n := range o.state.PhaseNumbers() {
		if n >= start && n <= end {
			out = append(out, n)
		}
	}
	return out
}

// advancePointer moves the persisted phase pointer and checkpoints.
func (o *Orchestrator) advancePointer(next int) error {
	if next > o.state.LastPhase()+1 {
		next = o.state.LastPhase() + 1
	}
	if err := o.state.SetCurrentPhase(next); err != nil {
		return err
	}
	return o.state.Save()
}
