package cli

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/benjaminshoemaker/foreman/internal/config"
	"github.com/benjaminshoemaker/foreman/internal/display"
	"github.com/benjaminshoemaker/foreman/internal/event"
	"github.com/benjaminshoemaker/foreman/internal/executor"
	"github.com/benjaminshoemaker/foreman/internal/git"
	"github.com/benjaminshoemaker/foreman/internal/logging"
	"github.com/benjaminshoemaker/foreman/internal/orchestrator"
	"github.com/benjaminshoemaker/foreman/internal/project"
	"github.com/benjaminshoemaker/foreman/internal/runner"
	"github.com/benjaminshoemaker/foreman/internal/state"
)

var (
	runFrom            int
	runTo              int
	runDryRun          bool
	runParallel        bool
	runMaxParallel     int
	runNoStopOnFailure bool
	runMaxRetries      int
	runConfirm         bool
	runYes             bool
	runNoGit           bool
	runAllowDirty      bool
)

func init() {
	runCmd.Flags().IntVar(&runFrom, "from", 0, "First phase to run (default: resume from the current phase)")
	runCmd.Flags().IntVar(&runTo, "to", 0, "Last phase to run (default: the final phase)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Report execution order without running anything")
	runCmd.Flags().BoolVar(&runParallel, "parallel", false, "Run simultaneously ready tasks in parallel")
	runCmd.Flags().IntVar(&runMaxParallel, "max-parallel", 0, "Parallel batch size (default from config)")
	runCmd.Flags().BoolVar(&runNoStopOnFailure, "no-stop-on-failure", false, "Keep dispatching independent tasks after a failure")
	runCmd.Flags().IntVar(&runMaxRetries, "max-retries", -1, "Retries per task after the first failure (default from config)")
	runCmd.Flags().BoolVar(&runConfirm, "confirm", false, "Ask before each phase")
	runCmd.Flags().BoolVar(&runYes, "yes", false, "Never ask for confirmation")
	runCmd.Flags().BoolVar(&runNoGit, "no-git", false, "Disable git branch and commit hooks")
	runCmd.Flags().BoolVar(&runAllowDirty, "allow-dirty", false, "Allow running with uncommitted changes (not recommended)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the project's phases",
	Long:  `Execute phases from the current phase pointer (or --from) through the last phase (or --to), task by task with dependency-aware scheduling.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeRun(cmd, false)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume an interrupted run from the current phase",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeRun(cmd, true)
	},
}

func executeRun(cmd *cobra.Command, resume bool) error {
	dir := project.DefaultDir()
	if !project.Exists(dir) {
		return fmt.Errorf("foreman not initialized. Run `foreman init` first")
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	execOpts := executorOptions(cmd, cfg)

	gitEnabled := cfg.Git.Enabled && !runNoGit
	var vcs *git.Client
	if gitEnabled {
		if !git.IsRepository("") {
			return fmt.Errorf("not a git repository (use --no-git to run without version control)")
		}
		if !runAllowDirty && !runDryRun {
			clean, err := git.IsClean("")
			if err != nil {
				return fmt.Errorf("failed to check workspace: %w", err)
			}
			if !clean {
				files, _ := git.GetDirtyFiles("")
				return fmt.Errorf("workspace has uncommitted changes (%s). Commit them or pass --allow-dirty",
					strings.Join(files, ", "))
			}
		}
		vcs = git.NewClient("", cfg.Git.BranchPrefix)
	}

	if !runDryRun && !runner.IsClaudeAvailable() {
		return fmt.Errorf("Claude Code CLI not found. Install it: https://claude.ai/code")
	}

	logger, err := logging.Open(dir, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer logger.Close()

	bus := event.NewBus()
	project.NewJournal(dir).Attach(bus)
	display.NewConsole(cmd.OutOrStdout()).Attach(bus)

	st, err := state.Load(project.NewFileStore(dir), bus)
	if err != nil {
		return err
	}

	if !runDryRun {
		lock := project.NewRunLock(dir)
		if err := lock.Acquire(); err != nil {
			return err
		}
		defer lock.Release()
	}

	opts := orchestrator.Options{
		StartPhase: runFrom,
		EndPhase:   runTo,
		DryRun:     runDryRun,
		Executor:   execOpts,
	}
	if resume {
		opts.StartPhase = 0
	}
	if confirmEnabled(cfg) {
		opts.Confirm = promptConfirm(cmd)
	}

	exec := executor.New(st, runner.NewClaudeRunner(), bus, execOpts).WithLogger(logger.Logger)
	orch := orchestrator.New(st, exec, bus, opts).WithLogger(logger.Logger)
	if vcs != nil {
		exec.WithVCS(vcs)
		orch.WithVCS(vcs)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		orch.Abort()
	}()

	var summary *orchestrator.Summary
	if resume {
		summary, err = orch.Resume(ctx)
	} else {
		summary, err = orch.Run(ctx)
	}
	if err != nil {
		return err
	}
	printSummary(cmd, st, summary)
	if !summary.Completed {
		return fmt.Errorf("run stopped: %s", summary.Stopped)
	}
	return nil
}

// executorOptions layers flag overrides on top of the loaded config.
func executorOptions(cmd *cobra.Command, cfg *config.Config) executor.Options {
	opts := executor.Options{
		Parallel:      cfg.Execution.Parallel,
		MaxParallel:   cfg.Execution.MaxParallel,
		StopOnFailure: cfg.Execution.StopOnFailure,
		MaxRetries:    cfg.Execution.MaxRetries,
	}
	flags := cmd.Flags()
	if flags.Changed("parallel") {
		opts.Parallel = runParallel
	}
	if flags.Changed("max-parallel") {
		opts.MaxParallel = runMaxParallel
		opts.Parallel = true
	}
	if flags.Changed("no-stop-on-failure") {
		opts.StopOnFailure = !runNoStopOnFailure
	}
	if flags.Changed("max-retries") {
		opts.MaxRetries = runMaxRetries
	}
	return opts
}

func confirmEnabled(cfg *config.Config) bool {
	if runYes {
		return false
	}
	return runConfirm || cfg.Execution.ConfirmPhases
}

// promptConfirm asks on stdin before each phase.
func promptConfirm(cmd *cobra.Command) orchestrator.ConfirmFunc {
	reader := bufio.NewReader(cmd.InOrStdin())
	return func(phase int, name string, taskCount int) (bool, error) {
		fmt.Fprintf(cmd.OutOrStdout(), "Run phase %d (%s, %d tasks)? [y/N] ", phase, name, taskCount)
		line, err := reader.ReadString('\n')
		if err != nil {
			return false, err
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	}
}

func printSummary(cmd *cobra.Command, st *state.Manager, summary *orchestrator.Summary) {
	out := cmd.OutOrStdout()

	if len(summary.Plan) > 0 {
		fmt.Fprintf(out, "\n%s\n", display.Header("Planned execution order"))
		for _, plan := range summary.Plan {
			fmt.Fprintf(out, "Phase %d: %s\n", plan.Phase, plan.Name)
			for i, id := range plan.Order {
				fmt.Fprintf(out, "  %2d. %s\n", i+1, id)
			}
		}
		return
	}

	meta := st.Meta()
	fmt.Fprintf(out, "\n%s %s tokens, %s total\n",
		display.Subtle("Usage:"), display.FormatTokens(meta.TotalTokens), display.FormatCost(meta.TotalCostUSD))
}
