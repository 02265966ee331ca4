// Package cli implements the foreman command tree.
package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:     "foreman",
	Short:   "Phase orchestrator for AI coding agents",
	Long:    `Foreman runs a project's phases task by task: it resolves dependencies, dispatches each task to a fresh agent, retries failures, and checkpoints progress so interrupted runs resume where they stopped.`,
	Version: "0.1.0",
}

func init() {
	rootCmd.AddCommand(initCmd, runCmd, resumeCmd, statusCmd, skipCmd, retryCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
