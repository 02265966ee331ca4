package cli

import (
	"testing"

	"github.com/benjaminshoemaker/foreman/internal/config"
)

func TestExecutorOptions_FlagOverrides(t *testing.T) {
	cfg := config.Default()

	t.Run("config only", func(t *testing.T) {
		resetRunFlags(t)
		opts := executorOptions(runCmd, cfg)
		if opts.Parallel || opts.MaxParallel != 2 || !opts.StopOnFailure || opts.MaxRetries != 2 {
			t.Errorf("opts = %+v, want config defaults", opts)
		}
	})

	t.Run("max-parallel implies parallel", func(t *testing.T) {
		resetRunFlags(t)
		if err := runCmd.Flags().Set("max-parallel", "4"); err != nil {
			t.Fatal(err)
		}
		opts := executorOptions(runCmd, cfg)
		if !opts.Parallel || opts.MaxParallel != 4 {
			t.Errorf("opts = %+v, want parallel with batch size 4", opts)
		}
	})

	t.Run("no-stop-on-failure inverts config", func(t *testing.T) {
		resetRunFlags(t)
		if err := runCmd.Flags().Set("no-stop-on-failure", "true"); err != nil {
			t.Fatal(err)
		}
		opts := executorOptions(runCmd, cfg)
		if opts.StopOnFailure {
			t.Error("StopOnFailure should be off")
		}
	})

	t.Run("max-retries override", func(t *testing.T) {
		resetRunFlags(t)
		if err := runCmd.Flags().Set("max-retries", "0"); err != nil {
			t.Fatal(err)
		}
		opts := executorOptions(runCmd, cfg)
		if opts.MaxRetries != 0 {
			t.Errorf("MaxRetries = %d, want 0", opts.MaxRetries)
		}
	})
}

func TestConfirmEnabled(t *testing.T) {
	cfg := config.Default()

	resetRunFlags(t)
	if confirmEnabled(cfg) {
		t.Error("confirmation should be off by default")
	}

	runConfirm = true
	if !confirmEnabled(cfg) {
		t.Error("--confirm should enable prompting")
	}

	runYes = true
	if confirmEnabled(cfg) {
		t.Error("--yes should win over --confirm")
	}

	runConfirm, runYes = false, false
	cfg.Execution.ConfirmPhases = true
	if !confirmEnabled(cfg) {
		t.Error("config confirm_phases should enable prompting")
	}
}

// resetRunFlags clears flag state between subtests; cobra flag sets are
// package globals.
func resetRunFlags(t *testing.T) {
	t.Helper()
	runParallel, runNoStopOnFailure, runConfirm, runYes = false, false, false, false
	runMaxParallel, runMaxRetries = 0, -1
	flags := runCmd.Flags()
	for _, name := range []string{"parallel", "max-parallel", "no-stop-on-failure", "max-retries"} {
		if f := flags.Lookup(name); f != nil {
			f.Changed = false
		}
	}
}
