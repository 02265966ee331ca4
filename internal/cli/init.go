package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/benjaminshoemaker/foreman/internal/display"
	"github.com/benjaminshoemaker/foreman/internal/project"
	"github.com/benjaminshoemaker/foreman/internal/resolver"
)

var initCmd = &cobra.Command{
	Use:   "init <project-file>",
	Short: "Initialize a project from a project document",
	Long:  `Import a project document (JSON), validate its phases and task graphs, and create the .foreman/ directory.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read project file: %w", err)
	}

	var doc project.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse project file: %w", err)
	}

	// Fill defaults for a freshly imported document.
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	if doc.Meta.Stage == "" {
		doc.Meta.Stage = project.StageImplementation
	}
	if doc.Meta.CurrentPhase == 0 {
		doc.Meta.CurrentPhase = 1
	}

	if err := project.ValidateDocument(&doc); err != nil {
		return fmt.Errorf("invalid project document: %w", err)
	}

	// Every phase's task graph must be sound before anything persists.
	for i := range doc.Phases {
		ph := &doc.Phases[i]
		tasks := make([]*project.Task, len(ph.Tasks))
		for j := range ph.Tasks {
			tasks[j] = &ph.Tasks[j]
		}
		if v := resolver.New(tasks).Validate(); !v.Valid {
			fmt.Fprintln(cmd.ErrOrStderr(), display.Errorf("Phase %d has an invalid task graph:", ph.Number))
			for _, issue := range v.Issues {
				fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", issue.Message)
			}
			return fmt.Errorf("phase %d failed validation", ph.Number)
		}
	}

	if err := project.Init(project.DefaultDir(), &doc); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Initialized project %q: %d phase(s), %d task(s)\n",
		doc.Name, len(doc.Phases), countTasks(&doc))
	return nil
}

func countTasks(doc *project.Document) int {
	n := 0
	for i := range doc.Phases {
		n += len(doc.Phases[i].Tasks)
	}
	return n
}
