package project

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/benjaminshoemaker/foreman/internal/event"
)

const journalFileName = "progress.log"

// journalEntry is one JSON Lines record in progress.log.
type journalEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
}

// Journal appends run events to a JSON Lines file, giving a durable,
// replayable trail alongside the authoritative project document.
type Journal struct {
	path string
}

// NewJournal creates a journal for the given project directory.
func NewJournal(dir string) *Journal {
	return &Journal{path: filepath.Join(dir, journalFileName)}
}

// Attach subscribes the journal to all events on the bus. Write errors
// are swallowed: the journal is an observer and must never affect
// scheduling.
func (j *Journal) Attach(bus *event.Bus) {
	bus.SubscribeAll(func(e event.Event) {
		_ = j.record(e)
	})
}

func (j *Journal) record(e event.Event) error {
	entry := journalEntry{
		Timestamp: e.Timestamp(),
		Event:     e.Kind(),
		Data:      eventData(e),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

// eventData flattens a typed event into the journal's data column.
func eventData(e event.Event) map[string]any {
	switch ev := e.(type) {
	case event.PhaseStart:
		return map[string]any{"phase": ev.Phase, "name": ev.Name, "tasks": ev.TaskCount, "dry_run": ev.DryRun}
	case event.PhaseComplete:
		return map[string]any{"phase": ev.Phase, "completed": ev.Completed, "skipped": ev.Skipped, "duration_ms": ev.Duration.Milliseconds()}
	case event.PhaseFail:
		return map[string]any{"phase": ev.Phase, "reason": ev.Reason, "completed": ev.Completed, "failed": ev.Failed, "skipped": ev.Skipped, "not_run": ev.NotRun}
	case event.TaskStarted:
		return map[string]any{"task": ev.Task.String(), "attempt": ev.Attempt}
	case event.TaskCompleted:
		return map[string]any{"task": ev.Task.String(), "duration_ms": ev.Duration.Milliseconds(), "cost_usd": ev.CostUSD}
	case event.TaskFailed:
		return map[string]any{"task": ev.Task.String(), "attempt": ev.Attempt, "reason": ev.Reason}
	case event.TaskRetried:
		return map[string]any{"task": ev.Task.String(), "next_attempt": ev.NextAttempt}
	case event.ApprovalAdded:
		return map[string]any{"phase": ev.Phase, "status": ev.Status, "notes": ev.Notes}
	case event.CostUpdated:
		return map[string]any{"total_tokens": ev.TotalTokens, "total_cost_usd": ev.TotalCostUSD}
	default:
		return nil
	}
}
