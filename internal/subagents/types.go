// Package subagents defines the built-in agent types and the manager
// that spawns scoped child runs for the Task tool.
package subagents

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// AgentTypeDefinition describes one agent preset: its system prompt,
// its tool whitelist, and its resource caps.
type AgentTypeDefinition struct {
	Name        string
	Description string
	Prompt      string
	// Tools is the whitelist enforced at the child's gateway; nil
	// means the full registry.
	Tools []string
	// Resource caps override the loop defaults; zero keeps them.
	MaxIterations int
	MaxTokens     int
	MaxToolCalls  int
	MaxWallTime   time.Duration
}

// Registry holds agent type definitions. Frozen after construction.
type Registry struct {
	mu     sync.RWMutex
	types  map[string]AgentTypeDefinition
	frozen bool
}

// NewRegistry creates an empty agent type registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]AgentTypeDefinition)}
}

// Register adds a definition. Duplicates and post-freeze registration
// are rejected.
func (r *Registry) Register(def AgentTypeDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("agent type must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("agent type registry is frozen, cannot register %q", def.Name)
	}
	if _, exists := r.types[def.Name]; exists {
		return fmt.Errorf("agent type %q already registered", def.Name)
	}
	r.types[def.Name] = def
	return nil
}

// Freeze makes the registry immutable.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get returns a definition by name.
func (r *Registry) Get(name string) (AgentTypeDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[name]
	return def, ok
}

// Names returns registered type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tool name groups shared by the presets.
var (
	readOnlyTools = []string{"file_read", "glob", "grep", "ls"}
	editTools     = []string{"file_read", "file_write", "glob", "grep", "ls", "bash"}
	researchTools = []string{"file_read", "glob", "grep", "ls", "web_fetch"}
)

// BuiltinTypes returns the built-in agent presets.
func BuiltinTypes() []AgentTypeDefinition {
	return []AgentTypeDefinition{
		{
			Name:        "general",
			Description: "General-purpose agent with the full tool set.",
			Prompt:      "You are a capable software engineering assistant. Use the available tools to complete the task, then report the outcome concisely.",
		},
		{
			Name:          "code-review",
			Description:   "Reviews code for correctness, clarity, and risk.",
			Prompt:        "You are a meticulous code reviewer. Read the relevant files and report defects, risky patterns, and unclear code. Cite file and line for every finding. Do not modify files.",
			Tools:         readOnlyTools,
			MaxIterations: 25,
			MaxToolCalls:  100,
			MaxWallTime:   15 * time.Minute,
		},
		{
			Name:        "test-writer",
			Description: "Writes tests for existing code.",
			Prompt:      "You write focused, deterministic tests in the conventions of the surrounding codebase. Read the code under test first, then add tests covering behavior and edge cases.",
			Tools:       editTools,
		},
		{
			Name:        "refactor",
			Description: "Restructures code without changing behavior.",
			Prompt:      "You refactor code while preserving behavior exactly. Make small, verifiable steps and keep names consistent with the codebase.",
			Tools:       editTools,
		},
		{
			Name:          "docs",
			Description:   "Writes and updates documentation.",
			Prompt:        "You write clear, accurate documentation grounded in the actual code. Verify every claim against the source before writing it.",
			Tools:         editTools,
			MaxIterations: 25,
		},
		{
			Name:        "debug",
			Description: "Diagnoses and fixes a reported failure.",
			Prompt:      "You debug systematically: reproduce, isolate, fix, verify. State your hypothesis before each step and revise it from the evidence.",
			Tools:       editTools,
		},
		{
			Name:          "security-audit",
			Description:   "Audits code for security issues.",
			Prompt:        "You audit code for security defects: injection, path traversal, unsafe deserialization, secret leakage, missing authorization. Report severity and an exploit sketch for each finding. Do not modify files.",
			Tools:         readOnlyTools,
			MaxIterations: 30,
		},
		{
			Name:          "performance",
			Description:   "Finds performance problems and suggests fixes.",
			Prompt:        "You analyze code for performance: allocation hot spots, unnecessary copies, quadratic loops, lock contention, unbounded caches. Quantify impact where possible.",
			Tools:         readOnlyTools,
			MaxIterations: 25,
		},
		{
			Name:        "migration",
			Description: "Carries out mechanical migrations across a codebase.",
			Prompt:      "You execute codebase-wide migrations: API renames, dependency upgrades, pattern replacements. Find every occurrence before changing the first one, and keep the tree compiling.",
			Tools:       editTools,
		},
		{
			Name:          "api-design",
			Description:   "Designs or critiques a public API surface.",
			Prompt:        "You design API surfaces: minimal, consistent, hard to misuse. Propose signatures with rationale and call out breaking changes explicitly.",
			Tools:         readOnlyTools,
			MaxIterations: 20,
		},
		{
			Name:          "data-analysis",
			Description:   "Analyzes data files and computes summaries.",
			Prompt:        "You analyze data with the available tools and report findings with the numbers that support them. State assumptions about the data explicitly.",
			Tools:         []string{"file_read", "glob", "grep", "ls", "bash"},
			MaxIterations: 25,
		},
		{
			Name:          "research",
			Description:   "Gathers information to answer a question.",
			Prompt:        "You research a question using the codebase and the web. Distinguish what you verified from what you inferred, and cite sources.",
			Tools:         researchTools,
			MaxIterations: 30,
		},
		{
			Name:          "planner",
			Description:   "Produces an implementation plan without editing.",
			Prompt:        "You produce implementation plans: ordered steps, files touched per step, risks, and how to verify each step. Do not modify files.",
			Tools:         readOnlyTools,
			MaxIterations: 20,
		},
		{
			Name:        "implementer",
			Description: "Implements a task from an existing plan.",
			Prompt:      "You implement a specified change exactly as planned. If the plan conflicts with reality, stop and report the conflict instead of improvising.",
			Tools:       editTools,
		},
		{
			Name:          "explainer",
			Description:   "Explains how a piece of code works.",
			Prompt:        "You explain code: what it does, why it is shaped this way, and where the subtle parts are. Ground every statement in the source you read.",
			Tools:         readOnlyTools,
			MaxIterations: 20,
		},
		{
			Name:          "commit-writer",
			Description:   "Summarizes staged changes into a commit message.",
			Prompt:        "You write commit messages from the actual diff: a one-line summary in the imperative, then a short body explaining what and why.",
			Tools:         []string{"file_read", "glob", "grep", "ls", "bash"},
			MaxIterations: 10,
			MaxToolCalls:  20,
			MaxWallTime:   5 * time.Minute,
		},
		{
			Name:          "dependency-audit",
			Description:   "Audits project dependencies.",
			Prompt:        "You audit dependencies: unused, outdated, duplicated, or risky packages. Report each with the evidence and the suggested action.",
			Tools:         readOnlyTools,
			MaxIterations: 20,
		},
		{
			Name:          "error-diagnosis",
			Description:   "Explains an error message or stack trace.",
			Prompt:        "You diagnose a given error: locate where it originates, explain the failure chain, and propose the smallest fix. Do not modify files.",
			Tools:         readOnlyTools,
			MaxIterations: 20,
		},
		{
			Name:          "style-check",
			Description:   "Checks code against project conventions.",
			Prompt:        "You check code for consistency with the project's conventions: naming, structure, error handling, logging. Report deviations with examples of the house style.",
			Tools:         readOnlyTools,
			MaxIterations: 20,
		},
		{
			Name:        "integration",
			Description: "Wires existing components together.",
			Prompt:      "You integrate existing components: read both sides of the seam first, then write the glue in the codebase's idiom and verify the wiring end to end.",
			Tools:       editTools,
		},
	}
}

// BuiltinRegistry returns a frozen registry with every preset.
func BuiltinRegistry() *Registry {
	r := NewRegistry()
	for _, def := range BuiltinTypes() {
		// Presets have unique names; a failure here is a programming
		// error.
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
	r.Freeze()
	return r
}
