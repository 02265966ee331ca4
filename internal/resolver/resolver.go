// Package resolver validates a phase's task graph and computes execution
// order. Validation is advisory: it returns every structural issue at
// once and callers decide whether to proceed.
package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/benjaminshoemaker/foreman/internal/project"
	"github.com/benjaminshoemaker/foreman/internal/taskid"
)

// IssueKind classifies a structural graph issue.
type IssueKind string

// Issue kinds reported by Validate.
const (
	IssueSelfReference     IssueKind = "self_reference"
	IssueMissingDependency IssueKind = "missing_dependency"
	IssueCircular          IssueKind = "circular"
)

// Issue describes one structural problem in the task graph.
type Issue struct {
	Kind       IssueKind
	Task       taskid.ID
	Dependency taskid.ID   // set for missing_dependency
	Cycle      []taskid.ID // set for circular: first repeated node around the cycle back to itself
	Message    string
}

// Validation is the advisory result of Validate.
type Validation struct {
	Valid  bool
	Issues []Issue
}

// Resolver answers ordering and readiness questions for a fixed set of
// tasks, typically all tasks in one phase. It reads task statuses
// through the shared pointers it was constructed with and never copies
// ground truth.
type Resolver struct {
	tasks map[taskid.ID]*project.Task
	order []taskid.ID // all ids in ascending (major, minor) order
}

// New builds a resolver over the given tasks.
func New(tasks []*project.Task) *Resolver {
	r := &Resolver{
		tasks: make(map[taskid.ID]*project.Task, len(tasks)),
		order: make([]taskid.ID, 0, len(tasks)),
	}
	for _, t := range tasks {
		r.tasks[t.ID] = t
		r.order = append(r.order, t.ID)
	}
	taskid.Sort(r.order)
	return r
}

// Validate flags self-references, dependencies on unknown ids, and
// cycles. It never returns an error: the caller inspects Issues.
func (r *Resolver) Validate() Validation {
	var issues []Issue

	for _, id := range r.order {
		task := r.tasks[id]
		for _, dep := range task.DependsOn {
			if dep == id {
				issues = append(issues, Issue{
					Kind:    IssueSelfReference,
					Task:    id,
					Message: fmt.Sprintf("task %s depends on itself", id),
				})
				continue
			}
			if _, ok := r.tasks[dep]; !ok {
				issues = append(issues, Issue{
					Kind:       IssueMissingDependency,
					Task:       id,
					Dependency: dep,
					Message:    fmt.Sprintf("task %s depends on unknown task %s", id, dep),
				})
			}
		}
	}

	issues = append(issues, r.findCycles()...)

	return Validation{Valid: len(issues) == 0, Issues: issues}
}

// DFS colors for cycle detection.
type color uint8

const (
	white color = iota // unvisited
	gray               // on the current path
	black              // finished
)

// findCycles runs a three-coloring depth-first search. Hitting a gray
// node closes a cycle, reported as the node list from the first repeated
// node around the cycle and back to itself.
func (r *Resolver) findCycles() []Issue {
	colors := make(map[taskid.ID]color, len(r.tasks))
	var issues []Issue
	var path []taskid.ID

	var visit func(id taskid.ID)
	visit = func(id taskid.ID) {
		colors[id] = gray
		path = append(path, id)

		deps := r.sortedDeps(id)
		for _, dep := range deps {
			if dep == id {
				continue // self-reference reported separately
			}
			target, ok := r.tasks[dep]
			if !ok {
				continue // missing dependency reported separately
			}
			switch colors[target.ID] {
			case white:
				visit(target.ID)
			case gray:
				issues = append(issues, Issue{
					Kind:    IssueCircular,
					Task:    dep,
					Cycle:   extractCycle(path, dep),
					Message: fmt.Sprintf("dependency cycle: %s", formatCycle(extractCycle(path, dep))),
				})
			}
		}

		path = path[:len(path)-1]
		colors[id] = black
	}

	for _, id := range r.order {
		if colors[id] == white {
			visit(id)
		}
	}
	return issues
}

// extractCycle returns the portion of path from the repeated node to the
// end, with the repeated node appended to close the loop.
func extractCycle(path []taskid.ID, repeated taskid.ID) []taskid.ID {
	for i, id := range path {
		if id == repeated {
			cycle := make([]taskid.ID, 0, len(path)-i+1)
			cycle = append(cycle, path[i:]...)
			cycle = append(cycle, repeated)
			return cycle
		}
	}
	return []taskid.ID{repeated, repeated}
}

func formatCycle(cycle []taskid.ID) string {
	parts := make([]string, len(cycle))
	for i, id := range cycle {
		parts[i] = id.String()
	}
	return strings.Join(parts, " -> ")
}

// ExecutionOrder returns a full topological order via Kahn's algorithm.
// Ties among simultaneously-ready tasks break by ascending (major,
// minor) id, so the order is identical across runs. Returns an error if
// the graph contains a cycle.
func (r *Resolver) ExecutionOrder() ([]*project.Task, error) {
	inDegree := make(map[taskid.ID]int, len(r.tasks))
	dependents := make(map[taskid.ID][]taskid.ID, len(r.tasks))
	for _, id := range r.order {
		inDegree[id] = 0
	}
	for _, id := range r.order {
		for _, dep := range r.tasks[id].DependsOn {
			if dep == id {
				continue
			}
			if _, ok := r.tasks[dep]; ok {
				inDegree[id]++
				dependents[dep] = append(dependents[dep], id)
			}
		}
	}

	var ready []taskid.ID
	for _, id := range r.order {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	taskid.Sort(ready)

	ordered := make([]*project.Task, 0, len(r.tasks))
	for len(ready) > 0 {
		// Smallest ready id first; determinism is load-bearing for
		// reproducible runs.
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, r.tasks[id])

		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = insertSorted(ready, next)
			}
		}
	}

	if len(ordered) != len(r.tasks) {
		var remaining []taskid.ID
		for _, id := range r.order {
			if inDegree[id] > 0 {
				remaining = append(remaining, id)
			}
		}
		return nil, fmt.Errorf("dependency cycle among tasks: %s", formatIDs(remaining))
	}
	return ordered, nil
}

// insertSorted keeps the ready list ordered by (major, minor).
func insertSorted(ids []taskid.ID, id taskid.ID) []taskid.ID {
	i := sort.Search(len(ids), func(i int) bool { return id.Less(ids[i]) })
	ids = append(ids, taskid.ID{})
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

func formatIDs(ids []taskid.ID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ", ")
}

// CanRun reports whether the task is pending with every dependency
// complete or skipped. Unknown ids and unknown dependencies are not
// runnable.
func (r *Resolver) CanRun(id taskid.ID) bool {
	task, ok := r.tasks[id]
	if !ok || task.Status != project.StatusPending {
		return false
	}
	for _, dep := range task.DependsOn {
		target, ok := r.tasks[dep]
		if !ok || !target.Status.Satisfied() {
			return false
		}
	}
	return true
}

// NextRunnable returns the first runnable task in deterministic id
// order, or nil if none is ready.
func (r *Resolver) NextRunnable() *project.Task {
	for _, id := range r.order {
		if r.CanRun(id) {
			return r.tasks[id]
		}
	}
	return nil
}

// ReadyTasks returns every currently runnable task in deterministic id
// order.
func (r *Resolver) ReadyTasks() []*project.Task {
	var ready []*project.Task
	for _, id := range r.order {
		if r.CanRun(id) {
			ready = append(ready, r.tasks[id])
		}
	}
	return ready
}

// BlockingDeps returns the dependencies of id that are not yet complete
// or skipped, in ascending order, for diagnostics.
func (r *Resolver) BlockingDeps(id taskid.ID) []taskid.ID {
	task, ok := r.tasks[id]
	if !ok {
		return nil
	}
	var blocking []taskid.ID
	for _, dep := range task.DependsOn {
		target, known := r.tasks[dep]
		if !known || !target.Status.Satisfied() {
			blocking = append(blocking, dep)
		}
	}
	taskid.Sort(blocking)
	return blocking
}

// SkippedDeps returns the dependencies of id that were satisfied by a
// skip rather than a completion, so downstream consumers can be warned
// they are building on an intentionally bypassed prerequisite.
func (r *Resolver) SkippedDeps(id taskid.ID) []taskid.ID {
	task, ok := r.tasks[id]
	if !ok {
		return nil
	}
	var skipped []taskid.ID
	for _, dep := range task.DependsOn {
		if target, known := r.tasks[dep]; known && target.Status == project.StatusSkipped {
			skipped = append(skipped, dep)
		}
	}
	taskid.Sort(skipped)
	return skipped
}

// sortedDeps returns a task's dependencies in ascending order so DFS
// traversal, and therefore cycle reporting, is deterministic.
func (r *Resolver) sortedDeps(id taskid.ID) []taskid.ID {
	deps := make([]taskid.ID, len(r.tasks[id].DependsOn))
	copy(deps, r.tasks[id].DependsOn)
	taskid.Sort(deps)
	return deps
}
