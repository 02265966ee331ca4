package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/benjaminshoemaker/foreman/internal/display"
	"github.com/benjaminshoemaker/foreman/internal/project"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show project progress",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	dir := project.DefaultDir()
	if !project.Exists(dir) {
		return fmt.Errorf("foreman not initialized. Run `foreman init` first")
	}

	doc, err := project.NewFileStore(dir).ReadProject()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\n", display.Header(doc.Name))
	fmt.Fprintf(out, "%s stage %s, phase %d of %d\n\n",
		display.Subtle("Pipeline:"), doc.Meta.Stage, doc.Meta.CurrentPhase, doc.LastPhase())

	for i := range doc.Phases {
		ph := &doc.Phases[i]
		fmt.Fprintf(out, "Phase %d: %s  [%s]\n", ph.Number, ph.Name, display.StyledStatus(string(ph.Status())))
		for j := range ph.Tasks {
			task := &ph.Tasks[j]
			line := fmt.Sprintf("  %s  %-12s %s", task.ID, display.StyledStatus(string(task.Status)), task.Description)
			if task.Status == project.StatusFailed && task.FailureReason != "" {
				line += display.Errorf(" (%s)", task.FailureReason)
			}
			if res, ok := doc.Results[task.ID.String()]; ok && res.Summary != "" && task.Status == project.StatusComplete {
				line += display.Subtle(fmt.Sprintf(" - %s", res.Summary))
			}
			fmt.Fprintln(out, line)
		}
	}

	fmt.Fprintf(out, "\n%s %s tokens, %s\n",
		display.Subtle("Usage:"), display.FormatTokens(doc.Meta.TotalTokens), display.FormatCost(doc.Meta.TotalCostUSD))
	return nil
}
