// Package config loads forge configuration: config.yaml under the
// config directory, with FORGE_* environment overrides layered on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables. FORGE_LLM_API_KEY is read into the provider
// config and must never be logged.
const (
	EnvConfigDir = "FORGE_CONFIG_DIR"
	EnvAPIKey    = "FORGE_LLM_API_KEY"
	EnvDebug     = "FORGE_DEBUG"
)

// Config is the main configuration structure for forge.
type Config struct {
	// ConfigDir roots user config, sessions, and workflow checkpoints.
	// Not read from YAML; resolved from FORGE_CONFIG_DIR or the OS
	// user-config dir.
	ConfigDir string `yaml:"-"`

	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LLMConfig selects the provider and model.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	// APIKey comes from FORGE_LLM_API_KEY; a value in the file is
	// honoured but discouraged.
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
	// ContextBudget is the transcript token budget; 0 disables
	// truncation.
	ContextBudget int `yaml:"context_budget"`
	RetryAttempts int `yaml:"retry_attempts"`
	// BudgetSplits overrides the default 10/60/10/20 context split for
	// specific models.
	BudgetSplits map[string]BudgetSplit `yaml:"budget_splits"`
}

// BudgetSplit is a per-model context split; fractions should sum to 1.
type BudgetSplit struct {
	System       float64 `yaml:"system"`
	Conversation float64 `yaml:"conversation"`
	Tools        float64 `yaml:"tools"`
	Response     float64 `yaml:"response"`
}

// AgentConfig bounds agent runs.
type AgentConfig struct {
	MaxIterations    int           `yaml:"max_iterations"`
	MaxTokens        int           `yaml:"max_tokens"`
	MaxToolCalls     int           `yaml:"max_tool_calls"`
	MaxWallTime      time.Duration `yaml:"max_wall_time"`
	MaxParallelTools int           `yaml:"max_parallel_tools"`
	MaxDepth         int           `yaml:"max_depth"`
	ToolTimeout      time.Duration `yaml:"tool_timeout"`
}

// WorkflowConfig bounds workflow runs.
type WorkflowConfig struct {
	MaxParallel int           `yaml:"max_parallel"`
	WallTimeout time.Duration `yaml:"wall_timeout"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfigDir resolves the config root: FORGE_CONFIG_DIR if set,
// else <os-user-config>/forge.
func DefaultConfigDir() (string, error) {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving user config dir: %w", err)
	}
	return filepath.Join(base, "forge"), nil
}

// Load resolves the config dir, reads config.yaml if present, and
// applies environment overrides and defaults. A missing file is not an
// error; defaults apply.
func Load() (*Config, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return nil, err
	}
	return LoadDir(dir)
}

// LoadDir loads configuration rooted at an explicit directory.
func LoadDir(dir string) (*Config, error) {
	cfg := &Config{ConfigDir: dir}

	path := filepath.Join(dir, "config.yaml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// ${VAR} references in the file expand from the environment.
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		cfg.ConfigDir = dir
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv(EnvAPIKey); key != "" {
		cfg.LLM.APIKey = key
	}
	if os.Getenv(EnvDebug) != "" {
		cfg.Logging.Level = "debug"
	}
}

func applyDefaults(cfg *Config) {
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.RetryAttempts == 0 {
		cfg.LLM.RetryAttempts = 3
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 50
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = 500_000
	}
	if cfg.Agent.MaxToolCalls == 0 {
		cfg.Agent.MaxToolCalls = 200
	}
	if cfg.Agent.MaxWallTime == 0 {
		cfg.Agent.MaxWallTime = 30 * time.Minute
	}
	if cfg.Agent.MaxParallelTools == 0 {
		cfg.Agent.MaxParallelTools = 5
	}
	if cfg.Agent.MaxDepth == 0 {
		cfg.Agent.MaxDepth = 5
	}
	if cfg.Agent.ToolTimeout == 0 {
		cfg.Agent.ToolTimeout = 30 * time.Second
	}
	if cfg.Workflow.MaxParallel == 0 {
		cfg.Workflow.MaxParallel = 5
	}
	if cfg.Workflow.WallTimeout == 0 {
		cfg.Workflow.WallTimeout = 60 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// PermissionsPath is the permission rules file under the config dir.
func (c *Config) PermissionsPath() string {
	return filepath.Join(c.ConfigDir, "permissions.yaml")
}

// HooksPath is the hook registration file under the config dir.
func (c *Config) HooksPath() string {
	return filepath.Join(c.ConfigDir, "hooks.yaml")
}

// WorkflowsDir holds user workflow definitions.
func (c *Config) WorkflowsDir() string {
	return filepath.Join(c.ConfigDir, "workflows", "definitions")
}

// EnsureLayout creates the directory tree the stores expect.
func (c *Config) EnsureLayout() error {
	dirs := []string{
		c.ConfigDir,
		filepath.Join(c.ConfigDir, "sessions"),
		filepath.Join(c.ConfigDir, "sessions", "backups"),
		filepath.Join(c.ConfigDir, "workflows", "states"),
		filepath.Join(c.ConfigDir, "workflows", "checkpoints"),
		c.WorkflowsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// Redacted returns a copy safe for logging: the API key is masked.
func (c *Config) Redacted() Config {
	out := *c
	if out.LLM.APIKey != "" {
		out.LLM.APIKey = "****"
	}
	return out
}
