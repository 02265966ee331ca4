package runner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/benjaminshoemaker/foreman/internal/executor"
	"github.com/benjaminshoemaker/foreman/internal/project"
	"github.com/benjaminshoemaker/foreman/internal/taskid"
	"github.com/benjaminshoemaker/foreman/internal/testutil"
)

func sampleTask() *project.Task {
	return &project.Task{
		ID:                 taskid.MustParse("1.1"),
		Description:        "implement the widget",
		AcceptanceCriteria: []string{"go test ./... passes", "widget renders"},
	}
}

func wrap(t *testing.T, report string, costUSD float64) string {
	t.Helper()
	resp := map[string]any{
		"type":           "result",
		"result":         report,
		"is_error":       false,
		"total_cost_usd": costUSD,
		"usage":          map[string]int64{"input_tokens": 100, "output_tokens": 50},
	}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestRun_ParsesTaskReport(t *testing.T) {
	report := `{"status": "complete", "summary": "widget implemented", "files_changed": ["widget.go"], "tests_passed": true}`
	orig := CommandContext
	CommandContext = testutil.MockCommandFunc(wrap(t, report, 0.12))
	defer func() { CommandContext = orig }()

	res, err := NewClaudeRunner().Run(context.Background(), sampleTask(), "Project: demo", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Summary != "widget implemented" {
		t.Errorf("summary = %q", res.Summary)
	}
	if len(res.FilesChanged) != 1 || res.FilesChanged[0] != "widget.go" {
		t.Errorf("files = %v", res.FilesChanged)
	}
	if res.TestsPassed == nil || !*res.TestsPassed {
		t.Error("tests_passed not carried through")
	}
	if res.Tokens != 150 || res.CostUSD != 0.12 {
		t.Errorf("usage = %d tokens $%.2f", res.Tokens, res.CostUSD)
	}
}

func TestRun_MarkdownWrappedReport(t *testing.T) {
	report := "```json\n{\"status\": \"complete\", \"summary\": \"done\"}\n```"
	orig := CommandContext
	CommandContext = testutil.MockCommandFunc(wrap(t, report, 0))
	defer func() { CommandContext = orig }()

	res, err := NewClaudeRunner().Run(context.Background(), sampleTask(), "", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Summary != "done" {
		t.Errorf("summary = %q", res.Summary)
	}
}

func TestRun_AgentReportsFailure(t *testing.T) {
	report := `{"status": "failed", "reason": "could not satisfy criteria"}`
	orig := CommandContext
	CommandContext = testutil.MockCommandFunc(wrap(t, report, 0))
	defer func() { CommandContext = orig }()

	_, err := NewClaudeRunner().Run(context.Background(), sampleTask(), "", nil)
	var execErr *executor.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v, want ExecutionError", err)
	}
	if execErr.Reason != "could not satisfy criteria" {
		t.Errorf("reason = %q", execErr.Reason)
	}
}

func TestRun_FailingTestsRejected(t *testing.T) {
	report := `{"status": "complete", "summary": "done", "tests_passed": false}`
	orig := CommandContext
	CommandContext = testutil.MockCommandFunc(wrap(t, report, 0))
	defer func() { CommandContext = orig }()

	_, err := NewClaudeRunner().Run(context.Background(), sampleTask(), "", nil)
	var execErr *executor.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v, want ExecutionError", err)
	}
}

func TestRun_GarbageOutput(t *testing.T) {
	orig := CommandContext
	CommandContext = testutil.MockCommandFunc("I had some trouble and gave up")
	defer func() { CommandContext = orig }()

	_, err := NewClaudeRunner().Run(context.Background(), sampleTask(), "", nil)
	var execErr *executor.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v, want ExecutionError", err)
	}
	if execErr.Output == "" {
		t.Error("raw output should be attached for the retry prompt")
	}
}

func TestBuildPrompt(t *testing.T) {
	task := sampleTask()
	prompt := buildPrompt(task, "Project: demo\nPhase 1: Foundation", nil)

	for _, want := range []string{"1.1", "implement the widget", "go test ./... passes", "Phase 1: Foundation"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(prompt, "Previous attempt failed") {
		t.Error("first attempt should not mention prior failures")
	}
}

func TestBuildPrompt_RetryContext(t *testing.T) {
	retry := &executor.RetryContext{
		Attempt:     2,
		MaxAttempts: 3,
		Reason:      "tests failed",
		LastOutput:  "FAIL: TestWidget",
	}
	prompt := buildPrompt(sampleTask(), "", retry)

	for _, want := range []string{"Attempt**: 2 of 3", "tests failed", "FAIL: TestWidget"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("retry prompt missing %q", want)
		}
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name  string
		input string
		ok    bool
	}{
		{"plain", `{"a": 1}`, true},
		{"fenced", "```json\n{\"a\": 1}\n```", true},
		{"noisy", "Here you go:\n{\"a\": 1}\nDone.", true},
		{"none", "no json here", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := extractJSON([]byte(tc.input))
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected error")
			}
		})
	}
}
