package display

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/benjaminshoemaker/foreman/internal/event"
	"github.com/benjaminshoemaker/foreman/internal/taskid"
)

func TestConsole_RendersRunEvents(t *testing.T) {
	var buf bytes.Buffer
	bus := event.NewBus()
	NewConsole(&buf).Attach(bus)

	id := taskid.MustParse("1.1")
	bus.Publish(event.NewPhaseStart(1, "Foundation", 2, false))
	bus.Publish(event.NewTaskStarted(id, "scaffold", 1))
	bus.Publish(event.NewTaskFailed(id, 1, "tests failed"))
	bus.Publish(event.NewTaskRetried(id, 2))
	bus.Publish(event.NewTaskStarted(id, "scaffold", 2))
	bus.Publish(event.NewTaskCompleted(id, "scaffolded", 3*time.Second, 0.05))
	bus.Publish(event.NewPhaseComplete(1, 2, 0, time.Minute))

	out := buf.String()
	for _, want := range []string{
		"Phase 1: Foundation",
		"1.1: scaffold",
		"tests failed",
		"retry",
		"attempt 2",
		"done",
		"Phase 1 complete",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConsole_DryRunLabel(t *testing.T) {
	var buf bytes.Buffer
	bus := event.NewBus()
	NewConsole(&buf).Attach(bus)

	bus.Publish(event.NewPhaseStart(2, "Core", 3, true))
	if !strings.Contains(buf.String(), "dry run") {
		t.Errorf("dry run phases should be labelled:\n%s", buf.String())
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{42 * time.Second, "00:42"},
		{3 * time.Minute, "03:00"},
		{90 * time.Minute, "01:30:00"},
	}
	for _, tc := range cases {
		if got := FormatDuration(tc.d); got != tc.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

func TestFormatCost(t *testing.T) {
	if got := FormatCost(0.005); got != "<$0.01" {
		t.Errorf("FormatCost(0.005) = %q", got)
	}
	if got := FormatCost(1.5); !strings.HasPrefix(got, "$") {
		t.Errorf("FormatCost(1.5) = %q", got)
	}
}
