// Package hooks fires named lifecycle events to user-configured
// external commands. Each hook is a shell invocation that receives the
// event payload as compact JSON on stdin; the dispatcher enforces
// timeouts, retries transient failures, sanitises the environment, and
// serialises invocations per hook registration.
package hooks

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Lifecycle event names.
const (
	EventSessionStart     = "session:start"
	EventSessionEnd       = "session:end"
	EventSessionMessage   = "session:message"
	EventSessionSave      = "session:save"
	EventToolPre          = "tool:pre"
	EventToolPost         = "tool:post"
	EventAgentPre         = "agent:pre"
	EventAgentPost        = "agent:post"
	EventWorkflowPre      = "workflow:pre"
	EventWorkflowPost     = "workflow:post"
	EventWorkflowStep     = "workflow:step"
	EventWorkflowFailed   = "workflow:failed"
	EventPermissionDenied = "permission:denied"
	EventLLMPre           = "llm:pre"
	EventLLMPost          = "llm:post"
	EventUserInput        = "user:input"
)

// isPreEvent reports whether a non-zero blocking hook on this event
// aborts the upcoming operation.
func isPreEvent(event string) bool {
	return strings.HasSuffix(event, ":pre")
}

// Hook is one user-configured hook registration.
type Hook struct {
	// Name identifies the hook in logs and results.
	Name string `yaml:"name"`
	// Event is the lifecycle event this hook listens for.
	Event string `yaml:"event"`
	// Match optionally narrows tool events by tool name (glob).
	Match string `yaml:"match,omitempty"`
	// Command is the shell invocation to run.
	Command string `yaml:"command"`
	// TimeoutMs bounds one invocation; 0 means the default.
	TimeoutMs int `yaml:"timeout_ms,omitempty"`
	// MaxRetries applies to transient failures only.
	MaxRetries int `yaml:"max_retries,omitempty"`
	// RetryExitCodes lists exit codes treated as transient.
	RetryExitCodes []int `yaml:"retry_exit_codes,omitempty"`
	// Blocking makes a non-zero exit on a pre-event abort the
	// operation.
	Blocking bool `yaml:"blocking,omitempty"`
	// WorkingDir is the command working directory.
	WorkingDir string `yaml:"working_dir,omitempty"`
	// Env is an explicit whitelist of extra environment variables.
	Env map[string]string `yaml:"env,omitempty"`
}

// Payload is the JSON object written to the hook's stdin.
type Payload struct {
	Event     string         `json:"event"`
	SessionID string         `json:"session_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Result captures one hook invocation.
type Result struct {
	Hook     string
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
	Err      error
	Attempts int
	// Planned is set in dry-run mode: the command was not executed.
	Planned bool
}

// BlockedError is raised when a blocking hook on a pre-event exits
// non-zero; the caller aborts the about-to-happen operation.
type BlockedError struct {
	Hook     string
	Event    string
	ExitCode int
	Stderr   string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("hook %q blocked %s (exit %d)", e.Hook, e.Event, e.ExitCode)
}

// IsBlocked reports whether err is a hook block.
func IsBlocked(err error) bool {
	var be *BlockedError
	return errors.As(err, &be)
}

// hooksFile is the on-disk shape of hooks.yaml.
type hooksFile struct {
	Hooks []Hook `yaml:"hooks"`
}

// LoadHooks reads hook definitions from a YAML file. A missing file
// yields an empty list.
func LoadHooks(path string) ([]Hook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	var file hooksFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	for i := range file.Hooks {
		if file.Hooks[i].Name == "" {
			file.Hooks[i].Name = fmt.Sprintf("hook-%d", i)
		}
	}
	return file.Hooks, nil
}
