// Package project defines the persisted project document: phases, tasks,
// results, approvals, and pipeline metadata, plus the document store used
// to persist them.
package project

import (
	"time"

	"github.com/benjaminshoemaker/foreman/internal/taskid"
)

// Status is a task execution status.
type Status string

// Task status values. Complete and skipped are terminal for normal flow.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Satisfied reports whether the status satisfies a dependency edge.
// Skipped counts as satisfied so a phase is never permanently blocked by
// an intentionally bypassed prerequisite.
func (s Status) Satisfied() bool {
	return s == StatusComplete || s == StatusSkipped
}

// Terminal reports whether the status is final for normal flow.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusSkipped || s == StatusFailed
}

// Task is the smallest unit of schedulable work.
type Task struct {
	ID                 taskid.ID   `json:"id"`
	Description        string      `json:"description"`
	AcceptanceCriteria []string    `json:"acceptanceCriteria,omitempty"`
	DependsOn          []taskid.ID `json:"dependsOn,omitempty"`
	Status             Status      `json:"status"`
	Attempts           int         `json:"attempts"`
	StartedAt          *time.Time  `json:"startedAt,omitempty"`
	CompletedAt        *time.Time  `json:"completedAt,omitempty"`
	FailureReason      string      `json:"failureReason,omitempty"`
	Tokens             int64       `json:"tokens,omitempty"`
	CostUSD            float64     `json:"costUsd,omitempty"`
	Commit             string      `json:"commit,omitempty"`
}

// Phase is an ordered, named group of tasks.
type Phase struct {
	Number      int    `json:"number"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Tasks       []Task `json:"tasks"`
}

// Status derives the phase status from its tasks. It is never stored.
func (p *Phase) Status() Status {
	if len(p.Tasks) == 0 {
		return StatusComplete
	}
	allPending := true
	allDone := true
	for i := range p.Tasks {
		switch p.Tasks[i].Status {
		case StatusPending:
			allDone = false
		case StatusComplete, StatusSkipped:
			allPending = false
		default:
			allPending = false
			allDone = false
		}
	}
	switch {
	case allDone:
		return StatusComplete
	case allPending:
		return StatusPending
	default:
		return StatusInProgress
	}
}

// Task returns the task with the given id, or nil.
func (p *Phase) Task(id taskid.ID) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// TaskResult is the recorded outcome of one execution attempt. It is
// immutable once recorded; a retry replaces the prior result for the
// same task id.
type TaskResult struct {
	TaskID       taskid.ID     `json:"taskId"`
	Status       Status        `json:"status"`
	Duration     time.Duration `json:"durationNs"`
	Summary      string        `json:"summary,omitempty"`
	FilesChanged []string      `json:"filesChanged,omitempty"`
	TestsPassed  *bool         `json:"testsPassed,omitempty"`
	Tokens       int64         `json:"tokens,omitempty"`
	CostUSD      float64       `json:"costUsd,omitempty"`
	Commit       string        `json:"commit,omitempty"`
	RecordedAt   time.Time     `json:"recordedAt"`
}

// ApprovalStatus is the status recorded on a phase approval.
type ApprovalStatus string

// Approval status values.
const (
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Approval records phase-level sign-off. Approvals are appended or
// updated, never deleted.
type Approval struct {
	Phase     int            `json:"phase"`
	Status    ApprovalStatus `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Notes     string         `json:"notes,omitempty"`
}

// Meta is the pipeline-level metadata, mutated throughout a run and
// persisted after every mutating checkpoint.
type Meta struct {
	Stage        Stage          `json:"stage"`
	Gates        map[Stage]bool `json:"gates"`
	CurrentPhase int            `json:"currentPhase"`
	TotalTokens  int64          `json:"totalTokens"`
	TotalCostUSD float64        `json:"totalCostUsd"`
	RunID        string         `json:"runId,omitempty"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Document is the complete persisted project.
type Document struct {
	Name      string                `json:"name"`
	CreatedAt time.Time             `json:"createdAt"`
	Meta      Meta                  `json:"meta"`
	Phases    []Phase               `json:"phases"`
	Results   map[string]TaskResult `json:"results,omitempty"`
	Approvals []Approval            `json:"approvals,omitempty"`
}

// Phase returns the phase with the given number, or nil.
func (d *Document) Phase(number int) *Phase {
	for i := range d.Phases {
		if d.Phases[i].Number == number {
			return &d.Phases[i]
		}
	}
	return nil
}

// FindTask returns the task with the given id and its phase, or nils.
func (d *Document) FindTask(id taskid.ID) (*Task, *Phase) {
	for i := range d.Phases {
		if t := d.Phases[i].Task(id); t != nil {
			return t, &d.Phases[i]
		}
	}
	return nil, nil
}

// LastPhase returns the highest phase number, or 0 for an empty project.
func (d *Document) LastPhase() int {
	last := 0
	for i := range d.Phases {
		if d.Phases[i].Number > last {
			last = d.Phases[i].Number
		}
	}
	return last
}
