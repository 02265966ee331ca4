// Package runner executes tasks by spawning the Claude Code CLI as a
// fresh agent per attempt.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/benjaminshoemaker/foreman/internal/executor"
	"github.com/benjaminshoemaker/foreman/internal/project"
)

// CommandContext is the function used to create exec.Cmd instances.
// It can be replaced in tests to mock command execution.
var CommandContext = exec.CommandContext

// DefaultTaskTimeout bounds a single task attempt when the caller's
// context has no deadline.
const DefaultTaskTimeout = 30 * time.Minute

// claudeResponse is the JSON wrapper returned by Claude Code CLI with
// --output-format json.
type claudeResponse struct {
	Type         string  `json:"type"`
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Usage        struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// taskReport is the JSON the agent is instructed to print as its final
// output.
type taskReport struct {
	Status       string   `json:"status"`
	Summary      string   `json:"summary"`
	FilesChanged []string `json:"files_changed"`
	TestsPassed  *bool    `json:"tests_passed"`
	Reason       string   `json:"reason"`
}

// ClaudeRunner executes tasks via the Claude Code CLI.
type ClaudeRunner struct{}

// NewClaudeRunner creates a new ClaudeRunner.
func NewClaudeRunner() *ClaudeRunner {
	return &ClaudeRunner{}
}

// IsClaudeAvailable checks if the claude command exists in PATH.
func IsClaudeAvailable() bool {
	_, err := exec.LookPath("claude")
	return err == nil
}

// Run executes one task attempt. The agent works in the current
// directory; its final JSON report becomes the task result.
func (r *ClaudeRunner) Run(ctx context.Context, task *project.Task, phaseContext string, retry *executor.RetryContext) (*project.TaskResult, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTaskTimeout)
		defer cancel()
	}

	prompt := buildPrompt(task, phaseContext, retry)

	// --dangerously-skip-permissions is required for non-interactive use.
	cmd := CommandContext(ctx, "claude",
		"-p", prompt,
		"--output-format", "json",
		"--dangerously-skip-permissions",
	)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &executor.ExecutionError{Reason: "task attempt timed out"}
		}
		if ctx.Err() == context.Canceled {
			return nil, ctx.Err()
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, &executor.ExecutionError{
				Reason: "claude exited with an error",
				Output: string(exitErr.Stderr),
			}
		}
		return nil, fmt.Errorf("failed to execute claude command: %w", err)
	}

	return parseResult(output)
}

// parseResult unwraps the CLI response and the agent's task report.
func parseResult(output []byte) (*project.TaskResult, error) {
	var resp claudeResponse
	inner := output
	if err := json.Unmarshal(output, &resp); err == nil && resp.Type == "result" {
		if resp.IsError {
			return nil, &executor.ExecutionError{Reason: "claude returned an error", Output: resp.Result}
		}
		inner = []byte(resp.Result)
	}

	reportJSON, err := extractJSON(inner)
	if err != nil {
		return nil, &executor.ExecutionError{
			Reason: "agent did not produce a task report",
			Output: string(inner),
		}
	}

	var report taskReport
	if err := json.Unmarshal(reportJSON, &report); err != nil {
		return nil, &executor.ExecutionError{
			Reason: fmt.Sprintf("failed to parse task report: %v", err),
			Output: string(inner),
		}
	}

	if report.Status != "" && report.Status != "complete" {
		reason := report.Reason
		if reason == "" {
			reason = "agent reported failure"
		}
		return nil, &executor.ExecutionError{Reason: reason, Output: string(inner)}
	}
	if report.TestsPassed != nil && !*report.TestsPassed {
		return nil, &executor.ExecutionError{
			Reason: "agent reported failing tests",
			Output: string(inner),
		}
	}

	return &project.TaskResult{
		Summary:      report.Summary,
		FilesChanged: report.FilesChanged,
		TestsPassed:  report.TestsPassed,
		Tokens:       resp.Usage.InputTokens + resp.Usage.OutputTokens,
		CostUSD:      resp.TotalCostUSD,
	}, nil
}

// buildPrompt constructs the prompt for one task attempt.
func buildPrompt(task *project.Task, phaseContext string, retry *executor.RetryContext) string {
	var sb strings.Builder

	sb.WriteString("You are executing a task as part of an automated phase.\n\n")
	sb.WriteString("## Context\n")
	sb.WriteString(phaseContext)
	sb.WriteString("\n")

	sb.WriteString("## Your Task\n")
	sb.WriteString(fmt.Sprintf("**ID**: %s\n", task.ID))
	sb.WriteString(fmt.Sprintf("**Description**: %s\n\n", task.Description))

	if retry != nil {
		sb.WriteString(fmt.Sprintf("**Attempt**: %d of %d\n", retry.Attempt, retry.MaxAttempts))
		sb.WriteString(fmt.Sprintf("**Previous attempt failed**: %s\n", retry.Reason))
		if retry.LastOutput != "" {
			sb.WriteString("**Previous attempt output**:\n```\n")
			sb.WriteString(retry.LastOutput)
			sb.WriteString("\n```\n")
		}
		sb.WriteString("Consider alternative approaches or investigate what went wrong. ")
		sb.WriteString("If the previous attempt left partial changes, reconcile them before continuing.\n\n")
	}

	if len(task.AcceptanceCriteria) > 0 {
		sb.WriteString("## Acceptance Criteria\n")
		sb.WriteString("You MUST verify ALL of the following before considering the task complete:\n")
		for i, criterion := range task.AcceptanceCriteria {
			sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, criterion))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Instructions\n")
	sb.WriteString("1. Implement the task as described\n")
	sb.WriteString("2. Verify ALL acceptance criteria are met\n")
	sb.WriteString("3. As your FINAL output, print ONLY a JSON object with this structure:\n")
	sb.WriteString("```json\n")
	sb.WriteString(`{"status": "complete", "summary": "one sentence of what was done", "files_changed": ["path/one"], "tests_passed": true}` + "\n")
	sb.WriteString("```\n")
	sb.WriteString(`If you could not complete the task, use {"status": "failed", "reason": "why"}.` + "\n\n")
	sb.WriteString("IMPORTANT: Do not declare success unless ALL acceptance criteria are met.\n")

	return sb.String()
}

// extractJSON defensively extracts a JSON object from potentially noisy
// output.
func extractJSON(data []byte) ([]byte, error) {
	str := stripMarkdownCodeBlocks(string(data))

	if json.Valid([]byte(str)) {
		return []byte(str), nil
	}

	start := strings.Index(str, "{")
	end := strings.LastIndex(str, "}")
	if start == -1 || end == -1 || start >= end {
		return nil, errors.New("no JSON object found in response")
	}

	extracted := str[start : end+1]
	if !json.Valid([]byte(extracted)) {
		return nil, errors.New("extracted content is not valid JSON")
	}
	return []byte(extracted), nil
}

// stripMarkdownCodeBlocks removes markdown code block markers from a string.
func stripMarkdownCodeBlocks(s string) string {
	s = strings.TrimSpace(s)
	if cut, found := strings.CutPrefix(s, "```json"); found {
		s = cut
	} else if cut, found := strings.CutPrefix(s, "```"); found {
		s = cut
	}
	if cut, found := strings.CutSuffix(s, "```"); found {
		s = cut
	}
	return strings.TrimSpace(s)
}
