// Package config loads execution settings from the project's config
// file and FOREMAN_* environment variables. Flags override config;
// config overrides defaults.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full configuration tree.
type Config struct {
	Execution ExecutionConfig `mapstructure:"execution"`
	Git       GitConfig       `mapstructure:"git"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ExecutionConfig controls scheduling behavior.
type ExecutionConfig struct {
	Parallel      bool `mapstructure:"parallel"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	StopOnFailure bool `mapstructure:"stop_on_failure"`
	MaxRetries    int  `mapstructure:"max_retries"`
	ConfirmPhases bool `mapstructure:"confirm_phases"`
}

// GitConfig controls the version-control hooks.
type GitConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	BranchPrefix string `mapstructure:"branch_prefix"`
}

// LoggingConfig controls the run log.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Default returns the configuration used when no file or environment
// overrides exist.
func Default() *Config {
	return &Config{
		Execution: ExecutionConfig{
			Parallel:      false,
			MaxParallel:   2,
			StopOnFailure: true,
			MaxRetries:    2,
		},
		Git: GitConfig{
			Enabled:      true,
			BranchPrefix: "foreman",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads config.yaml from the project directory, layered with
// FOREMAN_* environment variables. A missing file is not an error.
func Load(projectDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(projectDir)

	v.SetEnvPrefix("FOREMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := Default()
	v.SetDefault("execution.parallel", defaults.Execution.Parallel)
	v.SetDefault("execution.max_parallel", defaults.Execution.MaxParallel)
	v.SetDefault("execution.stop_on_failure", defaults.Execution.StopOnFailure)
	v.SetDefault("execution.max_retries", defaults.Execution.MaxRetries)
	v.SetDefault("execution.confirm_phases", defaults.Execution.ConfirmPhases)
	v.SetDefault("git.enabled", defaults.Git.Enabled)
	v.SetDefault("git.branch_prefix", defaults.Git.BranchPrefix)
	v.SetDefault("logging.level", defaults.Logging.Level)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read %s: %w", filepath.Join(projectDir, "config.yaml"), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Execution.MaxParallel < 1 {
		return fmt.Errorf("execution.max_parallel must be at least 1, got %d", c.Execution.MaxParallel)
	}
	if c.Execution.MaxRetries < 0 {
		return fmt.Errorf("execution.max_retries must not be negative, got %d", c.Execution.MaxRetries)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	return nil
}
