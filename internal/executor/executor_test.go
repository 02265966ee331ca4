package executor_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benjaminshoemaker/foreman/internal/event"
	"github.com/benjaminshoemaker/foreman/internal/executor"
	"github.com/benjaminshoemaker/foreman/internal/project"
	"github.com/benjaminshoemaker/foreman/internal/state"
	"github.com/benjaminshoemaker/foreman/internal/taskid"
	"github.com/benjaminshoemaker/foreman/internal/testutil"
)

// nopStore satisfies project.Store for tests that never touch disk.
type nopStore struct{}

func (nopStore) ReadProject() (*project.Document, error) { return nil, errors.New("not used") }
func (nopStore) UpdateMeta(*project.Meta) error          { return nil }
func (nopStore) UpdateTask(int, *project.Task) error     { return nil }
func (nopStore) RecordResult(*project.TaskResult) error  { return nil }
func (nopStore) DeleteResult(taskid.ID) error            { return nil }

func id(s string) taskid.ID { return taskid.MustParse(s) }

// phaseDoc builds a one-phase document from an id -> deps table.
func phaseDoc(deps map[string][]string) *project.Document {
	ph := project.Phase{Number: 1, Name: "Build"}
	for idStr, ds := range deps {
		task := project.Task{ID: id(idStr), Description: "task " + idStr, Status: project.StatusPending}
		for _, d := range ds {
			task.DependsOn = append(task.DependsOn, id(d))
		}
		ph.Tasks = append(ph.Tasks, task)
	}
	return &project.Document{
		Name:    "demo",
		Meta:    project.Meta{Stage: project.StageImplementation, CurrentPhase: 1},
		Phases:  []project.Phase{ph},
		Results: map[string]project.TaskResult{},
	}
}

func newExec(t *testing.T, doc *project.Document, runner executor.Runner, opts executor.Options) (*executor.PhaseExecutor, *state.Manager, *event.Bus) {
	t.Helper()
	bus := event.NewBus()
	st := state.NewManager(doc, nopStore{}, bus)
	return executor.New(st, runner, bus, opts), st, bus
}

func TestRunPhase_CompletesDependencyGraph(t *testing.T) {
	doc := phaseDoc(map[string][]string{
		"1.1": nil,
		"1.2": {"1.1"},
		"1.3": {"1.1"},
		"1.4": {"1.2", "1.3"},
	})
	runner := testutil.NewScriptedRunner()
	exec, st, _ := newExec(t, doc, runner, executor.Options{Parallel: true, MaxParallel: 4})

	result, err := exec.RunPhase(context.Background(), 1)
	if err != nil {
		t.Fatalf("RunPhase failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if result.TasksCompleted != 4 || result.TasksFailed != 0 || result.TasksNotRun != 0 {
		t.Errorf("counts = %+v", result)
	}

	// Dispatch order respects dependencies.
	calls := runner.Calls()
	pos := make(map[taskid.ID]int)
	for i, c := range calls {
		pos[c] = i
	}
	if pos[id("1.1")] > pos[id("1.2")] || pos[id("1.1")] > pos[id("1.3")] {
		t.Errorf("1.1 dispatched after its dependents: %v", calls)
	}
	if pos[id("1.4")] != len(calls)-1 {
		t.Errorf("1.4 should be dispatched last: %v", calls)
	}

	for _, idStr := range []string{"1.1", "1.2", "1.3", "1.4"} {
		if _, ok := st.Result(id(idStr)); !ok {
			t.Errorf("no result recorded for %s", idStr)
		}
	}
}

func TestRunPhase_SequentialIsDeterministic(t *testing.T) {
	doc := phaseDoc(map[string][]string{
		"1.3": nil,
		"1.1": nil,
		"1.2": nil,
	})
	runner := testutil.NewScriptedRunner()
	exec, _, _ := newExec(t, doc, runner, executor.Options{})

	if _, err := exec.RunPhase(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	calls := runner.Calls()
	want := []string{"1.1", "1.2", "1.3"}
	for i, w := range want {
		if calls[i].String() != w {
			t.Fatalf("dispatch order = %v, want %v", calls, want)
		}
	}
}

func TestRunPhase_RetryThenSucceed(t *testing.T) {
	doc := phaseDoc(map[string][]string{"1.1": nil})
	runner := testutil.NewScriptedRunner()
	runner.FailOnce(id("1.1"), "tests failed")
	exec, st, bus := newExec(t, doc, runner, executor.Options{MaxRetries: 2})

	var kinds []string
	bus.SubscribeAll(func(e event.Event) { kinds = append(kinds, e.Kind()) })

	result, err := exec.RunPhase(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.TasksCompleted != 1 {
		t.Fatalf("result = %+v", result)
	}

	task, _ := st.Task(id("1.1"))
	if task.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", task.Attempts)
	}

	// Exactly one result, from the successful attempt.
	res, ok := st.Result(id("1.1"))
	if !ok || res.Status != project.StatusComplete {
		t.Errorf("result = %+v, ok = %v", res, ok)
	}

	// Second attempt received the first attempt's failure.
	retries := runner.Retries(id("1.1"))
	if len(retries) != 2 || retries[0] != nil || retries[1] == nil {
		t.Fatalf("retries = %v", retries)
	}
	if retries[1].Reason != "tests failed" || retries[1].Attempt != 2 {
		t.Errorf("retry context = %+v", retries[1])
	}

	joined := strings.Join(kinds, " ")
	for _, want := range []string{event.KindTaskFailed, event.KindTaskRetried, event.KindTaskCompleted, event.KindPhaseComplete} {
		if !strings.Contains(joined, want) {
			t.Errorf("events %v missing %s", kinds, want)
		}
	}
}

func TestRunPhase_ExhaustedAttemptsBlocksDependents(t *testing.T) {
	doc := phaseDoc(map[string][]string{
		"1.1": nil,
		"1.2": {"1.1"},
	})
	runner := testutil.NewScriptedRunner()
	runner.AlwaysFail(id("1.1"), "cannot build", 3)
	exec, st, bus := newExec(t, doc, runner, executor.Options{MaxRetries: 2})

	var failEvent event.PhaseFail
	bus.Subscribe(event.KindPhaseFail, func(e event.Event) { failEvent = e.(event.PhaseFail) })

	result, err := exec.RunPhase(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Fatal("phase should fail")
	}
	if result.TasksFailed != 1 || result.TasksNotRun != 1 || result.TasksCompleted != 0 {
		t.Errorf("counts = %+v, want 1 failed and 1 not run", result)
	}
	if runner.CallCount(id("1.1")) != 3 {
		t.Errorf("attempts = %d, want 3 (retries+1)", runner.CallCount(id("1.1")))
	}
	if runner.CallCount(id("1.2")) != 0 {
		t.Error("dependent of a failed task must never run")
	}

	task, _ := st.Task(id("1.1"))
	if task.Status != project.StatusFailed || task.FailureReason != "cannot build" {
		t.Errorf("task = %+v", task)
	}
	res, ok := st.Result(id("1.1"))
	if !ok || res.Status != project.StatusFailed {
		t.Errorf("failed result should be retained: %+v, ok = %v", res, ok)
	}
	if failEvent.Failed != 1 || failEvent.NotRun != 1 {
		t.Errorf("phase_fail event = %+v", failEvent)
	}
}

func TestRunPhase_ContinueAfterFailure(t *testing.T) {
	doc := phaseDoc(map[string][]string{
		"1.1": nil,
		"1.2": nil, // independent of the failing task
		"1.3": {"1.1"},
	})
	runner := testutil.NewScriptedRunner()
	runner.AlwaysFail(id("1.1"), "broken", 1)
	exec, _, _ := newExec(t, doc, runner, executor.Options{MaxRetries: 0, StopOnFailure: false})

	result, err := exec.RunPhase(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Fatal("phase should fail")
	}
	if runner.CallCount(id("1.2")) != 1 {
		t.Error("independent task should still run when StopOnFailure is off")
	}
	if runner.CallCount(id("1.3")) != 0 {
		t.Error("dependent of the failed task must not run")
	}
	if result.TasksCompleted != 1 || result.TasksFailed != 1 || result.TasksNotRun != 1 {
		t.Errorf("counts = %+v", result)
	}
}

func TestRunPhase_StopOnFailureHaltsDispatch(t *testing.T) {
	doc := phaseDoc(map[string][]string{
		"1.1": nil,
		"1.2": nil,
	})
	runner := testutil.NewScriptedRunner()
	runner.AlwaysFail(id("1.1"), "broken", 1)
	// Sequential, so 1.1 fails in the first batch and 1.2 is never
	// dispatched.
	exec, _, _ := newExec(t, doc, runner, executor.Options{MaxRetries: 0, StopOnFailure: true})

	result, err := exec.RunPhase(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if runner.CallCount(id("1.2")) != 0 {
		t.Error("StopOnFailure should halt dispatch after the failing batch")
	}
	if result.TasksFailed != 1 || result.TasksNotRun != 1 {
		t.Errorf("counts = %+v", result)
	}
}

func TestRunPhase_ValidationErrorRunsNothing(t *testing.T) {
	doc := phaseDoc(map[string][]string{
		"1.1": {"1.2"},
		"1.2": {"1.1"},
	})
	runner := testutil.NewScriptedRunner()
	exec, _, _ := newExec(t, doc, runner, executor.Options{})

	_, err := exec.RunPhase(context.Background(), 1)
	var verr *executor.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if len(runner.Calls()) != 0 {
		t.Error("nothing may execute when the graph is invalid")
	}
}

func TestRunPhase_SkippedDependencyNoteInContext(t *testing.T) {
	doc := phaseDoc(map[string][]string{
		"1.1": nil,
		"1.2": {"1.1"},
	})
	runner := testutil.NewScriptedRunner()
	exec, st, _ := newExec(t, doc, runner, executor.Options{})

	if err := st.SkipTask(id("1.1")); err != nil {
		t.Fatal(err)
	}
	result, err := exec.RunPhase(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.TasksSkipped != 1 || result.TasksCompleted != 1 {
		t.Fatalf("result = %+v", result)
	}

	contexts := runner.Contexts(id("1.2"))
	if len(contexts) != 1 || !strings.Contains(contexts[0], "skipped") {
		t.Errorf("task context should warn about the skipped prerequisite: %q", contexts)
	}
}

func TestRunPhase_RecoversInterruptedTasks(t *testing.T) {
	doc := phaseDoc(map[string][]string{"1.1": nil, "1.2": nil})
	// Simulate a crash: one task stuck in_progress, one failed with
	// budget left.
	now := time.Now()
	ph := doc.Phase(1)
	stuck := ph.Task(id("1.1"))
	stuck.Status = project.StatusInProgress
	stuck.StartedAt = &now
	stuck.Attempts = 1
	failed := ph.Task(id("1.2"))
	failed.Status = project.StatusFailed
	failed.Attempts = 1
	failed.FailureReason = "interrupted"

	runner := testutil.NewScriptedRunner()
	exec, st, _ := newExec(t, doc, runner, executor.Options{MaxRetries: 2})

	result, err := exec.RunPhase(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.TasksCompleted != 2 {
		t.Fatalf("result = %+v", result)
	}
	for _, s := range []string{"1.1", "1.2"} {
		task, _ := st.Task(id(s))
		if task.Status != project.StatusComplete {
			t.Errorf("task %s = %s, want complete", s, task.Status)
		}
	}
}

func TestRunPhase_AbortStopsAtBatchBoundary(t *testing.T) {
	doc := phaseDoc(map[string][]string{"1.1": nil, "1.2": {"1.1"}})
	runner := testutil.NewScriptedRunner()
	exec, _, _ := newExec(t, doc, runner, executor.Options{})

	var abort atomic.Bool
	abort.Store(true)
	exec.WithAbortFlag(&abort)

	result, err := exec.RunPhase(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Error("aborted phase must not be successful")
	}
	if len(runner.Calls()) != 0 {
		t.Errorf("no batch should dispatch after abort, got %v", runner.Calls())
	}
	if result.TasksNotRun != 2 {
		t.Errorf("not run = %d, want 2", result.TasksNotRun)
	}
}

// batchRunner groups calls into batches: a call arriving while nothing
// is in flight opens a new batch. Attempts overlap long enough that
// same-batch tasks always land together.
type batchRunner struct {
	mu      sync.Mutex
	active  int
	batches [][]taskid.ID
}

func (r *batchRunner) Run(ctx context.Context, task *project.Task, phaseContext string, retry *executor.RetryContext) (*project.TaskResult, error) {
	r.mu.Lock()
	if r.active == 0 {
		r.batches = append(r.batches, nil)
	}
	last := len(r.batches) - 1
	r.batches[last] = append(r.batches[last], task.ID)
	r.active++
	r.mu.Unlock()

	time.Sleep(30 * time.Millisecond)

	r.mu.Lock()
	r.active--
	r.mu.Unlock()
	return &project.TaskResult{Summary: "ok"}, nil
}

func TestRunPhase_BatchGrouping(t *testing.T) {
	doc := phaseDoc(map[string][]string{
		"1.1": nil,
		"1.2": {"1.1"},
		"1.3": {"1.1"},
	})
	runner := &batchRunner{}
	exec, _, _ := newExec(t, doc, runner, executor.Options{Parallel: true, MaxParallel: 2})

	result, err := exec.RunPhase(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}

	// 1.1 runs alone; 1.2 and 1.3 become ready together and share the
	// next batch.
	if len(runner.batches) != 2 {
		t.Fatalf("batches = %v, want 2", runner.batches)
	}
	if len(runner.batches[0]) != 1 || runner.batches[0][0] != id("1.1") {
		t.Errorf("first batch = %v, want [1.1]", runner.batches[0])
	}
	second := runner.batches[1]
	taskid.Sort(second)
	if len(second) != 2 || second[0] != id("1.2") || second[1] != id("1.3") {
		t.Errorf("second batch = %v, want [1.2 1.3]", second)
	}
}

// countingRunner tracks the maximum number of concurrently running
// attempts.
type countingRunner struct {
	mu     sync.Mutex
	active int
	peak   int
}

func (r *countingRunner) Run(ctx context.Context, task *project.Task, phaseContext string, retry *executor.RetryContext) (*project.TaskResult, error) {
	r.mu.Lock()
	r.active++
	if r.active > r.peak {
		r.peak = r.active
	}
	r.mu.Unlock()

	time.Sleep(10 * time.Millisecond)

	r.mu.Lock()
	r.active--
	r.mu.Unlock()
	return &project.TaskResult{Summary: "ok"}, nil
}

func TestRunPhase_MaxParallelBound(t *testing.T) {
	doc := phaseDoc(map[string][]string{
		"1.1": nil, "1.2": nil, "1.3": nil, "1.4": nil, "1.5": nil,
	})
	runner := &countingRunner{}
	exec, _, _ := newExec(t, doc, runner, executor.Options{Parallel: true, MaxParallel: 2})

	result, err := exec.RunPhase(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if runner.peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", runner.peak)
	}
}
