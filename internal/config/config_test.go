package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDirDefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Fatalf("provider = %q", cfg.LLM.Provider)
	}
	if cfg.Agent.MaxIterations != 50 || cfg.Agent.MaxDepth != 5 {
		t.Fatalf("agent defaults = %+v", cfg.Agent)
	}
	if cfg.Workflow.WallTimeout != 60*time.Minute {
		t.Fatalf("workflow defaults = %+v", cfg.Workflow)
	}
}

func TestLoadDirParsesFile(t *testing.T) {
	dir := t.TempDir()
	doc := `
llm:
  provider: openai
  default_model: gpt-4o
  context_budget: 100000
  budget_splits:
    gpt-4o:
      system: 0.2
      conversation: 0.5
      tools: 0.1
      response: 0.2
agent:
  max_iterations: 10
  max_wall_time: 5m
logging:
  level: warn
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.DefaultModel != "gpt-4o" {
		t.Fatalf("llm = %+v", cfg.LLM)
	}
	if split := cfg.LLM.BudgetSplits["gpt-4o"]; split.Conversation != 0.5 {
		t.Fatalf("budget split = %+v", split)
	}
	if cfg.Agent.MaxIterations != 10 || cfg.Agent.MaxWallTime != 5*time.Minute {
		t.Fatalf("agent = %+v", cfg.Agent)
	}
	// Unset fields still get defaults.
	if cfg.Agent.MaxToolCalls != 200 {
		t.Fatalf("max_tool_calls = %d", cfg.Agent.MaxToolCalls)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
}

func TestLoadDirRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("llm: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDir(dir); err == nil {
		t.Fatal("malformed config accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvAPIKey, "sk-test-123")
	t.Setenv(EnvDebug, "1")
	cfg, err := LoadDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.APIKey != "sk-test-123" {
		t.Fatal("API key not taken from environment")
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
}

func TestConfigDirFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvConfigDir, dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatal(err)
	}
	if got != dir {
		t.Fatalf("dir = %q, want %q", got, dir)
	}
}

func TestEnsureLayout(t *testing.T) {
	cfg, err := LoadDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	for _, sub := range []string{"sessions", "sessions/backups", "workflows/states", "workflows/checkpoints", "workflows/definitions"} {
		if _, err := os.Stat(filepath.Join(cfg.ConfigDir, sub)); err != nil {
			t.Errorf("layout missing %s: %v", sub, err)
		}
	}
}

func TestRedactedMasksAPIKey(t *testing.T) {
	cfg := &Config{LLM: LLMConfig{APIKey: "sk-secret"}}
	red := cfg.Redacted()
	if strings.Contains(red.LLM.APIKey, "secret") {
		t.Fatal("API key leaked through Redacted")
	}
	if cfg.LLM.APIKey != "sk-secret" {
		t.Fatal("Redacted mutated the original")
	}
}
