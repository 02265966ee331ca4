package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Execution.Parallel {
		t.Error("parallel should default to off")
	}
	if cfg.Execution.MaxParallel != 2 {
		t.Errorf("max_parallel = %d, want 2", cfg.Execution.MaxParallel)
	}
	if !cfg.Execution.StopOnFailure {
		t.Error("stop_on_failure should default to on")
	}
	if cfg.Execution.MaxRetries != 2 {
		t.Errorf("max_retries = %d, want 2", cfg.Execution.MaxRetries)
	}
	if !cfg.Git.Enabled || cfg.Git.BranchPrefix != "foreman" {
		t.Errorf("git config = %+v", cfg.Git)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("logging level = %q", cfg.Logging.Level)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
execution:
  parallel: true
  max_parallel: 4
  max_retries: 0
git:
  enabled: false
logging:
  level: debug
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Execution.Parallel || cfg.Execution.MaxParallel != 4 {
		t.Errorf("execution = %+v", cfg.Execution)
	}
	if cfg.Execution.MaxRetries != 0 {
		t.Errorf("max_retries = %d, want 0", cfg.Execution.MaxRetries)
	}
	// Unset keys keep their defaults.
	if !cfg.Execution.StopOnFailure {
		t.Error("stop_on_failure should keep its default")
	}
	if cfg.Git.Enabled {
		t.Error("git should be disabled")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("FOREMAN_EXECUTION_MAX_PARALLEL", "8")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Execution.MaxParallel != 8 {
		t.Errorf("max_parallel = %d, want 8 from environment", cfg.Execution.MaxParallel)
	}
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	yaml := "execution:\n  max_parallel: 0\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Error("max_parallel 0 should be rejected")
	}

	dir2 := t.TempDir()
	yaml2 := "logging:\n  level: loud\n"
	if err := os.WriteFile(filepath.Join(dir2, "config.yaml"), []byte(yaml2), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir2); err == nil {
		t.Error("unknown log level should be rejected")
	}
}
