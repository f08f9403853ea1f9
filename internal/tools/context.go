// Package tools provides the tool registry and the gateway that every
// tool invocation passes through: schema validation, permission
// checks, lifecycle hooks, timeout enforcement, and error
// canonicalisation.
package tools

import (
	"fmt"
	"path/filepath"
)

// RAGMetadataKey is the ExecutionContext metadata key holding the
// optional retriever handle passed through to sub-agents.
const RAGMetadataKey = "rag"

// ExecutionContext carries per-invocation state. The registry is
// injected here rather than held by components, which keeps the
// component graph acyclic.
type ExecutionContext struct {
	WorkingDir    string
	SessionID     string
	AgentID       string
	ParentAgentID string
	// Principal identifies who the permission resolver accounts
	// denials against; defaults to the session id.
	Principal string
	// Depth counts nested Task spawns from the root session.
	Depth int
	// AllowedTools is the agent type's whitelist; nil means
	// unrestricted.
	AllowedTools []string
	Metadata     map[string]any
	Registry     *Registry
}

// NewExecutionContext validates the working directory and builds a
// root context.
func NewExecutionContext(workingDir, sessionID string, registry *Registry) (*ExecutionContext, error) {
	if !filepath.IsAbs(workingDir) {
		return nil, fmt.Errorf("working directory must be absolute, got %q", workingDir)
	}
	return &ExecutionContext{
		WorkingDir: filepath.Clean(workingDir),
		SessionID:  sessionID,
		Principal:  sessionID,
		Metadata:   make(map[string]any),
		Registry:   registry,
	}, nil
}

// Child derives the context for a spawned sub-agent. The caller sets
// AllowedTools from the child's agent type.
func (ec *ExecutionContext) Child(agentID string, inheritRAG bool) *ExecutionContext {
	child := &ExecutionContext{
		WorkingDir:    ec.WorkingDir,
		SessionID:     ec.SessionID,
		AgentID:       agentID,
		ParentAgentID: ec.AgentID,
		Principal:     ec.Principal,
		Depth:         ec.Depth + 1,
		Metadata:      make(map[string]any),
		Registry:      ec.Registry,
	}
	if inheritRAG {
		if rag, ok := ec.Metadata[RAGMetadataKey]; ok {
			child.Metadata[RAGMetadataKey] = rag
		}
	}
	return child
}

// ToolAllowed reports whether the whitelist (if any) permits a tool.
func (ec *ExecutionContext) ToolAllowed(name string) bool {
	if ec.AllowedTools == nil {
		return true
	}
	for _, allowed := range ec.AllowedTools {
		if allowed == name {
			return true
		}
	}
	return false
}
