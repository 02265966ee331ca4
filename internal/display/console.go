// Package display renders run progress to the terminal. The Console is
// a passive bus observer; scheduling never waits on it.
package display

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/benjaminshoemaker/foreman/internal/event"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#5FAFAF") // Teal accent
	secondaryColor = lipgloss.Color("#666666") // Gray for secondary text
	successColor   = lipgloss.Color("#87AF87") // Muted sage for success
	errorColor     = lipgloss.Color("#AF5F5F") // Muted terracotta for errors
	warnColor      = lipgloss.Color("#AFAF5F") // Muted amber for retries/skips

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	subtleStyle  = lipgloss.NewStyle().Foreground(secondaryColor)
	successStyle = lipgloss.NewStyle().Foreground(successColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor)
	warnStyle    = lipgloss.NewStyle().Foreground(warnColor)
)

// Console prints one line per run event.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole creates a console writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// Attach subscribes the console to all events on the bus.
func (c *Console) Attach(bus *event.Bus) {
	bus.SubscribeAll(c.handle)
}

func (c *Console) handle(e event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev := e.(type) {
	case event.PhaseStart:
		label := fmt.Sprintf("Phase %d: %s", ev.Phase, ev.Name)
		if ev.DryRun {
			label += subtleStyle.Render(" (dry run)")
		}
		fmt.Fprintf(c.w, "\n%s %s\n", titleStyle.Render(label),
			subtleStyle.Render(fmt.Sprintf("(%d tasks)", ev.TaskCount)))
	case event.PhaseComplete:
		fmt.Fprintf(c.w, "%s %s\n",
			successStyle.Render(fmt.Sprintf("Phase %d complete:", ev.Phase)),
			fmt.Sprintf("%d done, %d skipped in %s", ev.Completed, ev.Skipped, FormatDuration(ev.Duration)))
	case event.PhaseFail:
		fmt.Fprintf(c.w, "%s %s\n",
			errorStyle.Render(fmt.Sprintf("Phase %d failed:", ev.Phase)), ev.Reason)
		fmt.Fprintf(c.w, "  %s\n", subtleStyle.Render(
			fmt.Sprintf("%d done, %d failed, %d skipped, %d not run",
				ev.Completed, ev.Failed, ev.Skipped, ev.NotRun)))
	case event.TaskStarted:
		attempt := ""
		if ev.Attempt > 1 {
			attempt = warnStyle.Render(fmt.Sprintf(" [attempt %d]", ev.Attempt))
		}
		fmt.Fprintf(c.w, "  %s %s%s\n", subtleStyle.Render(ev.Task.String()+":"), ev.Description, attempt)
	case event.TaskCompleted:
		detail := FormatDuration(ev.Duration)
		if ev.CostUSD > 0 {
			detail += ", " + FormatCost(ev.CostUSD)
		}
		fmt.Fprintf(c.w, "  %s %s %s\n",
			successStyle.Render("done"), ev.Task, subtleStyle.Render("("+detail+")"))
	case event.TaskFailed:
		fmt.Fprintf(c.w, "  %s %s: %s\n", errorStyle.Render("fail"), ev.Task, ev.Reason)
	case event.TaskRetried:
		fmt.Fprintf(c.w, "  %s %s (attempt %d)\n", warnStyle.Render("retry"), ev.Task, ev.NextAttempt)
	case event.ApprovalAdded:
		fmt.Fprintf(c.w, "%s\n", subtleStyle.Render(
			fmt.Sprintf("Phase %d approved", ev.Phase)))
	}
}

// FormatDuration formats a duration as HH:MM:SS or MM:SS.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// FormatTokens renders a token count compactly, e.g. "1.2M".
func FormatTokens(tokens int64) string {
	if tokens < 1000 {
		return fmt.Sprintf("%d", tokens)
	}
	return humanize.SIWithDigits(float64(tokens), 1, "")
}

// FormatCost renders a dollar amount.
func FormatCost(usd float64) string {
	if usd < 0.01 && usd > 0 {
		return "<$0.01"
	}
	return fmt.Sprintf("$%s", humanize.FormatFloat("#,###.##", usd))
}

// StyledStatus renders a task status word in its color, for the status
// command.
func StyledStatus(status string) string {
	switch status {
	case "complete":
		return successStyle.Render(status)
	case "failed":
		return errorStyle.Render(status)
	case "in_progress":
		return titleStyle.Render(status)
	case "skipped":
		return warnStyle.Render(status)
	default:
		return subtleStyle.Render(status)
	}
}

// Header renders a section header for CLI output.
func Header(text string) string {
	return titleStyle.Render(text)
}

// Subtle renders secondary text.
func Subtle(text string) string {
	return subtleStyle.Render(text)
}

// Errorf renders an error line.
func Errorf(format string, args ...any) string {
	return errorStyle.Render(fmt.Sprintf(format, args...))
}
