// Package event defines the typed event stream emitted during an
// orchestration run. Events decouple the scheduling core from observers
// (console display, progress journal, logging); delivery never affects
// control flow.
package event

import (
	"time"

	"github.com/benjaminshoemaker/foreman/internal/taskid"
)

// Event kinds, matching the journal's event column.
const (
	KindPhaseStart    = "phase_start"
	KindPhaseComplete = "phase_complete"
	KindPhaseFail     = "phase_fail"
	KindTaskStarted   = "task_started"
	KindTaskCompleted = "task_completed"
	KindTaskFailed    = "task_failed"
	KindTaskRetried   = "task_retried"
	KindApprovalAdded = "approval_added"
	KindCostUpdated   = "cost_updated"
)

// Event is implemented by every event published on the Bus.
type Event interface {
	// Kind returns the event kind identifier, e.g. "task_started".
	Kind() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides the common fields. Embed it in concrete event types.
type baseEvent struct {
	kind string
	ts   time.Time
}

func (e baseEvent) Kind() string         { return e.kind }
func (e baseEvent) Timestamp() time.Time { return e.ts }

func newBaseEvent(kind string) baseEvent {
	return baseEvent{kind: kind, ts: time.Now()}
}

// PhaseStart is emitted when a phase begins execution (or dry-run review).
type PhaseStart struct {
	baseEvent
	Phase     int
	Name      string
	TaskCount int
	DryRun    bool
}

// NewPhaseStart creates a PhaseStart event.
func NewPhaseStart(phase int, name string, taskCount int, dryRun bool) PhaseStart {
	return PhaseStart{
		baseEvent: newBaseEvent(KindPhaseStart),
		Phase:     phase,
		Name:      name,
		TaskCount: taskCount,
		DryRun:    dryRun,
	}
}

// PhaseComplete is emitted when a phase finishes with zero failed and
// zero unreached tasks.
type PhaseComplete struct {
	baseEvent
	Phase     int
	Completed int
	Skipped   int
	Duration  time.Duration
}

// NewPhaseComplete creates a PhaseComplete event.
func NewPhaseComplete(phase, completed, skipped int, duration time.Duration) PhaseComplete {
	return PhaseComplete{
		baseEvent: newBaseEvent(KindPhaseComplete),
		Phase:     phase,
		Completed: completed,
		Skipped:   skipped,
		Duration:  duration,
	}
}

// PhaseFail is emitted when a phase ends with failed, stalled, or
// unreached tasks, or fails structural validation.
type PhaseFail struct {
	baseEvent
	Phase     int
	Reason    string
	Completed int
	Failed    int
	Skipped   int
	NotRun    int
}

// NewPhaseFail creates a PhaseFail event.
func NewPhaseFail(phase int, reason string, completed, failed, skipped, notRun int) PhaseFail {
	return PhaseFail{
		baseEvent: newBaseEvent(KindPhaseFail),
		Phase:     phase,
		Reason:    reason,
		Completed: completed,
		Failed:    failed,
		Skipped:   skipped,
		NotRun:    notRun,
	}
}

// TaskStarted is emitted on every pending -> in_progress transition,
// including retry attempts.
type TaskStarted struct {
	baseEvent
	Task        taskid.ID
	Description string
	Attempt     int
}

// NewTaskStarted creates a TaskStarted event.
func NewTaskStarted(task taskid.ID, description string, attempt int) TaskStarted {
	return TaskStarted{
		baseEvent:   newBaseEvent(KindTaskStarted),
		Task:        task,
		Description: description,
		Attempt:     attempt,
	}
}

// TaskCompleted is emitted when a task reaches the complete state.
type TaskCompleted struct {
	baseEvent
	Task     taskid.ID
	Summary  string
	Duration time.Duration
	CostUSD  float64
}

// NewTaskCompleted creates a TaskCompleted event.
func NewTaskCompleted(task taskid.ID, summary string, duration time.Duration, costUSD float64) TaskCompleted {
	return TaskCompleted{
		baseEvent: newBaseEvent(KindTaskCompleted),
		Task:      task,
		Summary:   summary,
		Duration:  duration,
		CostUSD:   costUSD,
	}
}

// TaskFailed is emitted when a task attempt fails, including attempts
// that will be retried.
type TaskFailed struct {
	baseEvent
	Task    taskid.ID
	Attempt int
	Reason  string
}

// NewTaskFailed creates a TaskFailed event.
func NewTaskFailed(task taskid.ID, attempt int, reason string) TaskFailed {
	return TaskFailed{
		baseEvent: newBaseEvent(KindTaskFailed),
		Task:      task,
		Attempt:   attempt,
		Reason:    reason,
	}
}

// TaskRetried is emitted on the failed -> pending retry transition.
type TaskRetried struct {
	baseEvent
	Task        taskid.ID
	NextAttempt int
}

// NewTaskRetried creates a TaskRetried event.
func NewTaskRetried(task taskid.ID, nextAttempt int) TaskRetried {
	return TaskRetried{
		baseEvent:   newBaseEvent(KindTaskRetried),
		Task:        task,
		NextAttempt: nextAttempt,
	}
}

// ApprovalAdded is emitted when a phase-level approval is recorded.
type ApprovalAdded struct {
	baseEvent
	Phase  int
	Status string
	Notes  string
}

// NewApprovalAdded creates an ApprovalAdded event.
func NewApprovalAdded(phase int, status, notes string) ApprovalAdded {
	return ApprovalAdded{
		baseEvent: newBaseEvent(KindApprovalAdded),
		Phase:     phase,
		Status:    status,
		Notes:     notes,
	}
}

// CostUpdated is emitted whenever running cost totals change.
type CostUpdated struct {
	baseEvent
	TotalTokens  int64
	TotalCostUSD float64
	DeltaTokens  int64
	DeltaCostUSD float64
}

// NewCostUpdated creates a CostUpdated event.
func NewCostUpdated(totalTokens int64, totalCostUSD float64, deltaTokens int64, deltaCostUSD float64) CostUpdated {
	return CostUpdated{
		baseEvent:    newBaseEvent(KindCostUpdated),
		TotalTokens:  totalTokens,
		TotalCostUSD: totalCostUSD,
		DeltaTokens:  deltaTokens,
		DeltaCostUSD: deltaCostUSD,
	}
}
