// Package state holds the single authoritative in-memory view of the
// project during an orchestration run. All mutation goes through named,
// validating methods; raw field assignment from outside this package
// breaks the scheduling invariants and is never done.
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benjaminshoemaker/foreman/internal/event"
	"github.com/benjaminshoemaker/foreman/internal/project"
	"github.com/benjaminshoemaker/foreman/internal/taskid"
)

// Sentinel errors returned by mutation methods. Not-found errors are
// programming/integration errors and are always fatal to the calling
// operation.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrPhaseNotFound     = errors.New("phase not found")
	ErrInvalidTransition = errors.New("invalid task transition")
)

// Manager owns the in-memory project graph for the lifetime of one run.
// It tracks dirty state so Save is a no-op between checkpoints, and
// emits typed events for every transition. Event delivery is
// synchronous and best-effort: the bus isolates panicking listeners.
type Manager struct {
	mu    sync.Mutex
	doc   *project.Document
	store project.Store
	bus   *event.Bus

	metaDirty      bool
	changedTasks   map[taskid.ID]int // task id -> phase number
	changedResults map[taskid.ID]bool
}

// NewManager wraps an already-loaded document.
func NewManager(doc *project.Document, store project.Store, bus *event.Bus) *Manager {
	if doc.Results == nil {
		doc.Results = make(map[string]project.TaskResult)
	}
	return &Manager{
		doc:            doc,
		store:          store,
		bus:            bus,
		changedTasks:   make(map[taskid.ID]int),
		changedResults: make(map[taskid.ID]bool),
	}
}

// Load reads the project through the store and wraps it.
func Load(store project.Store, bus *event.Bus) (*Manager, error) {
	doc, err := store.ReadProject()
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	return NewManager(doc, store, bus), nil
}

// Meta returns a copy of the current metadata.
func (m *Manager) Meta() project.Meta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Meta
}

// ProjectName returns the project's name.
func (m *Manager) ProjectName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Name
}

// Phase returns the phase with the given number.
func (m *Manager) Phase(number int) (*project.Phase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ph := m.doc.Phase(number)
	if ph == nil {
		return nil, fmt.Errorf("%w: phase %d", ErrPhaseNotFound, number)
	}
	return ph, nil
}

// PhaseNumbers returns all defined phase numbers in ascending order.
func (m *Manager) PhaseNumbers() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	nums := make([]int, 0, len(m.doc.Phases))
	for i := range m.doc.Phases {
		nums = append(nums, m.doc.Phases[i].Number)
	}
	for i := 1; i < len(nums); i++ {
		for j := i; j > 0 && nums[j] < nums[j-1]; j-- {
			nums[j], nums[j-1] = nums[j-1], nums[j]
		}
	}
	return nums
}

// LastPhase returns the highest defined phase number.
func (m *Manager) LastPhase() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.LastPhase()
}

// PhaseTasks returns pointers to the phase's tasks. Callers get read
// access; all writes go through the mutation methods below.
func (m *Manager) PhaseTasks(number int) ([]*project.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ph := m.doc.Phase(number)
	if ph == nil {
		return nil, fmt.Errorf("%w: phase %d", ErrPhaseNotFound, number)
	}
	tasks := make([]*project.Task, len(ph.Tasks))
	for i := range ph.Tasks {
		tasks[i] = &ph.Tasks[i]
	}
	return tasks, nil
}

// Task returns the task with the given id.
func (m *Manager) Task(id taskid.ID) (*project.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, _, err := m.findTask(id)
	return t, err
}

// Result returns the recorded result for a task, if any.
func (m *Manager) Result(id taskid.ID) (project.TaskResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.doc.Results[id.String()]
	return r, ok
}

// Approvals returns a copy of the approval log.
func (m *Manager) Approvals() []project.Approval {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]project.Approval, len(m.doc.Approvals))
	copy(out, m.doc.Approvals)
	return out
}

// Dirty reports whether unsaved changes exist.
func (m *Manager) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirtyLocked()
}

// StartTask transitions pending -> in_progress. The transition is only
// legal when every dependency is complete or skipped; the readiness
// check is authoritative even under parallelism.
func (m *Manager) StartTask(id taskid.ID) error {
	m.mu.Lock()
	task, ph, err := m.findTask(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if task.Status != project.StatusPending {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot start task %s in status %s", ErrInvalidTransition, id, task.Status)
	}
	for _, dep := range task.DependsOn {
		depTask := ph.Task(dep)
		if depTask == nil || !depTask.Status.Satisfied() {
			m.mu.Unlock()
			return fmt.Errorf("%w: task %s has unsatisfied dependency %s", ErrInvalidTransition, id, dep)
		}
	}

	now := time.Now()
	task.Status = project.StatusInProgress
	task.StartedAt = &now
	task.Attempts++
	attempt := task.Attempts
	description := task.Description
	m.markTaskChanged(task.ID, ph.Number)
	m.mu.Unlock()

	m.publish(event.NewTaskStarted(id, description, attempt))
	return nil
}

// CompleteTask transitions in_progress -> complete and records the
// attempt's result, replacing any prior result for this id.
func (m *Manager) CompleteTask(id taskid.ID, res *project.TaskResult) error {
	m.mu.Lock()
	task, ph, err := m.findTask(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if task.Status != project.StatusInProgress {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot complete task %s in status %s", ErrInvalidTransition, id, task.Status)
	}

	now := time.Now()
	task.Status = project.StatusComplete
	task.CompletedAt = &now
	task.FailureReason = ""
	task.Tokens = res.Tokens
	task.CostUSD = res.CostUSD
	task.Commit = res.Commit

	recorded := *res
	recorded.TaskID = id
	recorded.Status = project.StatusComplete
	if recorded.RecordedAt.IsZero() {
		recorded.RecordedAt = now
	}
	m.doc.Results[id.String()] = recorded
	m.changedResults[id] = true
	m.markTaskChanged(task.ID, ph.Number)

	events := []event.Event{event.NewTaskCompleted(id, recorded.Summary, recorded.Duration, recorded.CostUSD)}
	if res.Tokens != 0 || res.CostUSD != 0 {
		events = append(events, m.addCostLocked(res.Tokens, res.CostUSD))
	}
	m.mu.Unlock()

	for _, e := range events {
		m.publish(e)
	}
	return nil
}

// FailTask transitions in_progress -> failed, recording the failure
// reason and a failed result for the attempt.
func (m *Manager) FailTask(id taskid.ID, reason string) error {
	m.mu.Lock()
	task, ph, err := m.findTask(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if task.Status != project.StatusInProgress {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot fail task %s in status %s", ErrInvalidTransition, id, task.Status)
	}

	now := time.Now()
	task.Status = project.StatusFailed
	task.FailureReason = reason
	attempt := task.Attempts
	m.doc.Results[id.String()] = project.TaskResult{
		TaskID:     id,
		Status:     project.StatusFailed,
		Summary:    reason,
		RecordedAt: now,
	}
	m.changedResults[id] = true
	m.markTaskChanged(task.ID, ph.Number)
	m.mu.Unlock()

	m.publish(event.NewTaskFailed(id, attempt, reason))
	return nil
}

// SkipTask is the administrative override: any state except in_progress
// may transition to skipped.
func (m *Manager) SkipTask(id taskid.ID) error {
	m.mu.Lock()
	task, ph, err := m.findTask(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if task.Status == project.StatusInProgress {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot skip task %s while it is running", ErrInvalidTransition, id)
	}

	task.Status = project.StatusSkipped
	task.FailureReason = ""
	m.markTaskChanged(task.ID, ph.Number)
	m.mu.Unlock()
	return nil
}

// RetryTask transitions failed -> pending, clearing timestamps and the
// prior result so the retry attempt produces a fresh one.
func (m *Manager) RetryTask(id taskid.ID) error {
	m.mu.Lock()
	task, ph, err := m.findTask(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if task.Status != project.StatusFailed {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot retry task %s in status %s", ErrInvalidTransition, id, task.Status)
	}

	task.Status = project.StatusPending
	task.StartedAt = nil
	task.CompletedAt = nil
	task.FailureReason = ""
	delete(m.doc.Results, id.String())
	m.changedResults[id] = true
	nextAttempt := task.Attempts + 1
	m.markTaskChanged(task.ID, ph.Number)
	m.mu.Unlock()

	m.publish(event.NewTaskRetried(id, nextAttempt))
	return nil
}

// RecoverTask resets a task left in_progress by a crashed run back to
// pending so it can be re-dispatched. At-least-once semantics: the
// interrupted attempt may have partially run.
func (m *Manager) RecoverTask(id taskid.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ph, err := m.findTask(id)
	if err != nil {
		return err
	}
	if task.Status != project.StatusInProgress {
		return fmt.Errorf("%w: cannot recover task %s in status %s", ErrInvalidTransition, id, task.Status)
	}

	task.Status = project.StatusPending
	task.StartedAt = nil
	m.markTaskChanged(task.ID, ph.Number)
	return nil
}

// ApprovePhase records phase-level sign-off. An existing approval for
// the phase is updated in place; approvals are never deleted.
func (m *Manager) ApprovePhase(number int, notes string) error {
	m.mu.Lock()
	if m.doc.Phase(number) == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: phase %d", ErrPhaseNotFound, number)
	}

	approval := project.Approval{
		Phase:     number,
		Status:    project.ApprovalApproved,
		Timestamp: time.Now(),
		Notes:     notes,
	}
	updated := false
	for i := range m.doc.Approvals {
		if m.doc.Approvals[i].Phase == number {
			m.doc.Approvals[i] = approval
			updated = true
			break
		}
	}
	if !updated {
		m.doc.Approvals = append(m.doc.Approvals, approval)
	}
	m.metaDirty = true
	m.mu.Unlock()

	m.publish(event.NewApprovalAdded(number, string(project.ApprovalApproved), notes))
	return nil
}

// AddCost accumulates token/cost totals in the project metadata.
func (m *Manager) AddCost(tokens int64, costUSD float64) {
	m.mu.Lock()
	e := m.addCostLocked(tokens, costUSD)
	m.mu.Unlock()
	m.publish(e)
}

// SetCurrentPhase moves the persisted phase pointer. The pointer may be
// one past the last phase, meaning all phases are done.
func (m *Manager) SetCurrentPhase(number int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if number < 1 || number > m.doc.LastPhase()+1 {
		return fmt.Errorf("%w: phase %d", ErrPhaseNotFound, number)
	}
	m.doc.Meta.CurrentPhase = number
	m.metaDirty = true
	return nil
}

// SetRunID stamps the current orchestration run's identifier.
func (m *Manager) SetRunID(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.Meta.RunID = runID
	m.metaDirty = true
}

// MarkStageComplete sets the completion gate for a stage.
func (m *Manager) MarkStageComplete(stage project.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !stage.Valid() {
		return fmt.Errorf("unknown pipeline stage %q", stage)
	}
	if m.doc.Meta.Gates == nil {
		m.doc.Meta.Gates = make(map[project.Stage]bool)
	}
	m.doc.Meta.Gates[stage] = true
	m.metaDirty = true
	return nil
}

// AdvanceStage moves the pipeline to the next stage per the transition
// table, gating the stage being left.
func (m *Manager) AdvanceStage(to project.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := project.ValidateStageTransition(m.doc.Meta.Stage, to); err != nil {
		return err
	}
	if m.doc.Meta.Gates == nil {
		m.doc.Meta.Gates = make(map[project.Stage]bool)
	}
	m.doc.Meta.Gates[m.doc.Meta.Stage] = true
	m.doc.Meta.Stage = to
	m.metaDirty = true
	return nil
}

// Save persists metadata, changed tasks, and changed results, deletions
// included, through the document store, then clears the dirty flag. No-op when clean. A store
// failure aborts this save; dirty state is kept so the next Save
// retries, and in-memory state remains authoritative.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.dirtyLocked() {
		return nil
	}

	m.doc.Meta.UpdatedAt = time.Now()
	meta := m.doc.Meta
	if err := m.store.UpdateMeta(&meta); err != nil {
		return fmt.Errorf("failed to save project meta: %w", err)
	}
	m.metaDirty = false

	for id, phase := range m.changedTasks {
		task, _, err := m.findTask(id)
		if err != nil {
			return err
		}
		copied := *task
		if err := m.store.UpdateTask(phase, &copied); err != nil {
			return fmt.Errorf("failed to save task %s: %w", id, err)
		}
		delete(m.changedTasks, id)
	}

	for id := range m.changedResults {
		if res, ok := m.doc.Results[id.String()]; ok {
			copied := res
			if err := m.store.RecordResult(&copied); err != nil {
				return fmt.Errorf("failed to save result for task %s: %w", id, err)
			}
		} else if err := m.store.DeleteResult(id); err != nil {
			// A result changed and is now absent: a retry removed it.
			return fmt.Errorf("failed to delete result for task %s: %w", id, err)
		}
		delete(m.changedResults, id)
	}

	return nil
}

func (m *Manager) dirtyLocked() bool {
	return m.metaDirty || len(m.changedTasks) > 0 || len(m.changedResults) > 0
}

func (m *Manager) markTaskChanged(id taskid.ID, phase int) {
	m.changedTasks[id] = phase
}

// addCostLocked mutates totals and returns the event to publish after
// the lock is released.
func (m *Manager) addCostLocked(tokens int64, costUSD float64) event.Event {
	m.doc.Meta.TotalTokens += tokens
	m.doc.Meta.TotalCostUSD += costUSD
	m.metaDirty = true
	return event.NewCostUpdated(m.doc.Meta.TotalTokens, m.doc.Meta.TotalCostUSD, tokens, costUSD)
}

func (m *Manager) findTask(id taskid.ID) (*project.Task, *project.Phase, error) {
	task, ph := m.doc.FindTask(id)
	if task == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task, ph, nil
}

// publish sends an event outside the manager's lock so a listener that
// calls back into the manager cannot deadlock.
func (m *Manager) publish(e event.Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}
