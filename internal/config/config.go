// Package config handles configuration loading and management for muster.
// It supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for muster.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Pools     PoolsConfig     `mapstructure:"pools"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
	Checks    ChecksConfig    `mapstructure:"checks"`
	TUI       TUIConfig       `mapstructure:"tui"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
	// UseBedrock routes model calls through AWS Bedrock.
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// BudgetConfig holds the cost governor settings. Raising the ceiling in the
// config file while a run is paused resumes it: the run command watches the
// file for exactly this key.
type BudgetConfig struct {
	// Ceiling is the maximum total spend. Zero means unlimited.
	Ceiling float64 `mapstructure:"ceiling"`
	// DefaultEstimate is the per-dispatch estimate when a role has none.
	DefaultEstimate float64 `mapstructure:"default_estimate"`
	// RoleEstimates maps role name to its per-dispatch estimate.
	RoleEstimates map[string]float64 `mapstructure:"role_estimates"`
}

// EstimateFor returns the dispatch estimate for a role.
func (b BudgetConfig) EstimateFor(role string) float64 {
	if est, ok := b.RoleEstimates[role]; ok && est > 0 {
		return est
	}
	return b.DefaultEstimate
}

// PoolsConfig holds the fixed per-role worker pool sizes.
type PoolsConfig struct {
	Architect int `mapstructure:"architect"`
	Developer int `mapstructure:"developer"`
	Training  int `mapstructure:"training"`
}

// WorkerConfig selects and configures the worker collaborator backend.
type WorkerConfig struct {
	// Backend is "claude" or "script".
	Backend string `mapstructure:"backend"`
	// ScriptCommand is the command for the script backend.
	ScriptCommand string `mapstructure:"script_command"`
	// ScriptArgs are arguments for the script backend.
	ScriptArgs []string `mapstructure:"script_args"`
	// ScriptCost is the fixed cost charged per script invocation.
	ScriptCost float64 `mapstructure:"script_cost"`
}

// RetryConfig holds the backoff curve for retryable task failures.
type RetryConfig struct {
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
}

// TimeoutsConfig holds execution timeouts.
type TimeoutsConfig struct {
	// Invoke bounds one worker collaborator call.
	Invoke time.Duration `mapstructure:"invoke"`
	// ValidationStep bounds one build or test step.
	ValidationStep time.Duration `mapstructure:"validation_step"`
}

// ChecksConfig holds the shell commands run during change-set validation.
// An empty command skips its step.
type ChecksConfig struct {
	// BuildCommand runs as the build step.
	BuildCommand string `mapstructure:"build_command"`
	// TestCommand runs as the isolated and integration test steps.
	TestCommand string `mapstructure:"test_command"`
}

// TUIConfig holds TUI display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables. Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY)
// 2. Project config (.muster.yaml in current directory or a parent)
// 3. User config (~/.config/muster/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it
// exists, or empty.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.use_bedrock", false)

	v.SetDefault("budget.ceiling", 0.0)
	v.SetDefault("budget.default_estimate", 1.0)

	v.SetDefault("pools.architect", 1)
	v.SetDefault("pools.developer", 3)
	v.SetDefault("pools.training", 1)

	v.SetDefault("worker.backend", "claude")
	v.SetDefault("worker.script_cost", 0.0)

	v.SetDefault("retry.backoff_base", "2s")
	v.SetDefault("retry.backoff_cap", "60s")

	v.SetDefault("timeouts.invoke", "15m")
	v.SetDefault("timeouts.validation_step", "10m")

	v.SetDefault("tui.refresh_rate", "100ms")
}

// getUserConfigDir returns the XDG config directory for muster.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "muster")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "muster")
	}
	return filepath.Join(home, ".config", "muster")
}

// findProjectConfig searches for .muster.yaml in the current directory and
// its parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".muster.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Budget: BudgetConfig{
			DefaultEstimate: 1.0,
		},
		Pools: PoolsConfig{
			Architect: 1,
			Developer: 3,
			Training:  1,
		},
		Worker: WorkerConfig{
			Backend: "claude",
		},
		Retry: RetryConfig{
			BackoffBase: 2 * time.Second,
			BackoffCap:  60 * time.Second,
		},
		Timeouts: TimeoutsConfig{
			Invoke:         15 * time.Minute,
			ValidationStep: 10 * time.Minute,
		},
		TUI: TUIConfig{
			RefreshRate: 100 * time.Millisecond,
		},
	}
}
