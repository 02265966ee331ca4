package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/benjaminshoemaker/foreman/internal/project"
	"github.com/benjaminshoemaker/foreman/internal/state"
	"github.com/benjaminshoemaker/foreman/internal/taskid"
)

var skipCmd = &cobra.Command{
	Use:   "skip <task-id>",
	Short: "Mark a task as skipped",
	Long:  `Administratively bypass a task. Skipped tasks satisfy their dependents' dependencies; downstream agents are warned the work does not exist.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutateTask(cmd, args[0], func(st *state.Manager, id taskid.ID) error {
			return st.SkipTask(id)
		}, "skipped")
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Reset a failed task to pending",
	Long:  `Clear a failed task's state so the next run attempts it again with a fresh budget of attempts.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutateTask(cmd, args[0], func(st *state.Manager, id taskid.ID) error {
			return st.RetryTask(id)
		}, "reset to pending")
	},
}

func mutateTask(cmd *cobra.Command, rawID string, mutate func(*state.Manager, taskid.ID) error, verb string) error {
	dir := project.DefaultDir()
	if !project.Exists(dir) {
		return fmt.Errorf("foreman not initialized. Run `foreman init` first")
	}

	id, err := taskid.Parse(rawID)
	if err != nil {
		return err
	}

	// Refuse to mutate state under a live run.
	lock := project.NewRunLock(dir)
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer lock.Release()

	st, err := state.Load(project.NewFileStore(dir), nil)
	if err != nil {
		return err
	}
	if err := mutate(st, id); err != nil {
		return err
	}
	if err := st.Save(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Task %s %s\n", id, verb)
	return nil
}
