// Package git wraps the git CLI for the version-control hooks: workspace
// cleanliness checks, phase branches, and per-task commits.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/benjaminshoemaker/foreman/internal/project"
)

// Status represents the git workspace status.
type Status struct {
	Clean bool
	Files []string
}

// GetStatus returns the git workspace status for the given directory.
// If dir is empty, uses the current working directory.
func GetStatus(dir string) (*Status, error) {
	cmd := exec.Command("git", "status", "--porcelain")
	if dir != "" {
		cmd.Dir = dir
	}

	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var files []string
	lines := strings.Split(string(output), "\n")
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		// git status --porcelain format: XY filename
		// XY is the status (2 chars), followed by a space and filename
		// e.g., "?? file.txt", " M file.txt", "A  file.txt"
		if len(line) > 3 {
			files = append(files, line[3:])
		} else {
			// Unexpected format, include the whole line as the filename
			// to avoid silently dropping entries
			files = append(files, strings.TrimSpace(line))
		}
	}

	return &Status{
		Clean: len(files) == 0,
		Files: files,
	}, nil
}

// IsClean returns true if the git workspace has no uncommitted changes.
// It checks both staged and unstaged changes, as well as untracked files.
// If dir is empty, uses the current working directory.
func IsClean(dir string) (bool, error) {
	status, err := GetStatus(dir)
	if err != nil {
		return false, err
	}
	return status.Clean, nil
}

// GetDirtyFiles returns a list of files with uncommitted changes.
// This includes modified, staged, and untracked files.
// If dir is empty, uses the current working directory.
func GetDirtyFiles(dir string) ([]string, error) {
	status, err := GetStatus(dir)
	if err != nil {
		return nil, err
	}
	return status.Files, nil
}

// IsRepository reports whether dir is inside a git work tree.
func IsRepository(dir string) bool {
	cmd := exec.Command("git", "rev-parse", "--is-inside-work-tree")
	if dir != "" {
		cmd.Dir = dir
	}
	output, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(output)) == "true"
}

// Client is the version-control hook wired into the orchestrator and
// executor. All operations run against one repository directory.
type Client struct {
	dir          string
	branchPrefix string
}

// NewClient creates a git client for the given repository directory.
// An empty dir means the current working directory.
func NewClient(dir, branchPrefix string) *Client {
	if branchPrefix == "" {
		branchPrefix = "foreman"
	}
	return &Client{dir: dir, branchPrefix: branchPrefix}
}

// BeginPhase switches to the phase branch, creating it if needed.
func (c *Client) BeginPhase(ctx context.Context, phase int) error {
	branch := fmt.Sprintf("%s/phase-%d", c.branchPrefix, phase)

	// Reuse the branch when resuming a phase.
	if err := c.run(ctx, "rev-parse", "--verify", "refs/heads/"+branch); err == nil {
		return c.run(ctx, "checkout", branch)
	}
	return c.run(ctx, "checkout", "-b", branch)
}

// CommitTask commits everything the task's attempt changed and returns
// the commit hash. Returns an empty hash when the workspace is already
// clean.
func (c *Client) CommitTask(ctx context.Context, task *project.Task, res *project.TaskResult) (string, error) {
	clean, err := IsClean(c.dir)
	if err != nil {
		return "", err
	}
	if clean {
		return "", nil
	}

	if err := c.run(ctx, "add", "-A"); err != nil {
		return "", fmt.Errorf("git add failed: %w", err)
	}

	message := fmt.Sprintf("task %s: %s", task.ID, task.Description)
	if res.Summary != "" {
		message = fmt.Sprintf("task %s: %s", task.ID, res.Summary)
	}
	if err := c.run(ctx, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("git commit failed: %w", err)
	}

	return c.head(ctx)
}

// CommitStateChange commits orchestration metadata updates, e.g. the
// project document after a phase boundary. A clean workspace is a no-op.
func (c *Client) CommitStateChange(ctx context.Context, message string) error {
	clean, err := IsClean(c.dir)
	if err != nil {
		return err
	}
	if clean {
		return nil
	}
	if err := c.run(ctx, "add", "-A"); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}
	if err := c.run(ctx, "commit", "-m", message); err != nil {
		return fmt.Errorf("git commit failed: %w", err)
	}
	return nil
}

func (c *Client) head(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	if c.dir != "" {
		cmd.Dir = c.dir
	}
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

func (c *Client) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	if c.dir != "" {
		cmd.Dir = c.dir
	}
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return nil
}
