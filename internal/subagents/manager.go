package subagents

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgelabs/forge/internal/agent"
	"github.com/forgelabs/forge/internal/observability"
	"github.com/forgelabs/forge/internal/tools"
	"github.com/forgelabs/forge/pkg/models"
)

// SessionLoader fetches the parent transcript for inherit_context.
type SessionLoader interface {
	Load(id string) (*models.Session, error)
}

// SpawnRequest are the Task tool arguments.
type SpawnRequest struct {
	AgentType      string
	Task           string
	Wait           bool
	InheritContext bool
	UseRAG         bool
}

// TrackedRun pairs a live run with its child session for later lookup.
type TrackedRun struct {
	Run     *agent.AgentRun
	Session *models.Session
	Type    string
}

// Manager spawns scoped child agent runs.
type Manager struct {
	registry *Registry
	provider agent.ChatProvider
	executor agent.ToolExecutor
	bus      agent.EventPublisher
	saver    agent.SessionSaver
	loader   SessionLoader
	hooks    agent.HookRunner
	metrics  *observability.Metrics
	specs    []agent.ToolSpec
	model    string
	logger   *slog.Logger

	mu   sync.RWMutex
	runs map[string]*TrackedRun
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSaver persists child sessions.
func WithSaver(s agent.SessionSaver) ManagerOption {
	return func(m *Manager) { m.saver = s }
}

// WithSessionLoader enables inherit_context.
func WithSessionLoader(l SessionLoader) ManagerOption {
	return func(m *Manager) { m.loader = l }
}

// WithManagerHooks fires agent lifecycle hooks for child runs too.
func WithManagerHooks(h agent.HookRunner) ManagerOption {
	return func(m *Manager) { m.hooks = h }
}

// WithManagerMetrics routes child run metrics to the shared sink.
func WithManagerMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithToolSpecs sets the specs offered to children (filtered per
// whitelist).
func WithToolSpecs(specs []agent.ToolSpec) ManagerOption {
	return func(m *Manager) { m.specs = specs }
}

// WithManagerLogger sets the manager logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.With("component", "subagents")
		}
	}
}

// NewManager wires the manager.
func NewManager(registry *Registry, provider agent.ChatProvider, executor agent.ToolExecutor, bus agent.EventPublisher, model string, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry: registry,
		provider: provider,
		executor: executor,
		bus:      bus,
		model:    model,
		logger:   slog.Default().With("component", "subagents"),
		runs:     make(map[string]*TrackedRun),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Spawn starts a child run of the given agent type. The child's
// gateway enforces the type's tool whitelist; depth bounding happens in
// the runtime.
func (m *Manager) Spawn(ctx context.Context, parent *tools.ExecutionContext, req SpawnRequest) (*TrackedRun, error) {
	def, ok := m.registry.Get(req.AgentType)
	if !ok {
		return nil, fmt.Errorf("unknown agent type %q (known: %v)", req.AgentType, m.registry.Names())
	}

	agentID := req.AgentType + "-" + uuid.New().String()[:8]
	childEC := parent.Child(agentID, req.UseRAG)
	childEC.AllowedTools = def.Tools

	session := &models.Session{
		ID:       uuid.New().String(),
		Title:    fmt.Sprintf("task (%s): %s", req.AgentType, clip(req.Task, 60)),
		ModelID:  m.model,
		Messages: []models.Message{},
		Metadata: map[string]any{
			"parent_session": parent.SessionID,
			"agent_type":     req.AgentType,
		},
	}
	// The child's tool invocations and events attribute to its own
	// transcript, not the parent's.
	childEC.SessionID = session.ID
	if req.InheritContext && m.loader != nil {
		parentSession, err := m.loader.Load(parent.SessionID)
		if err != nil {
			m.logger.Warn("inherit_context load failed", "session", parent.SessionID, "error", err)
		} else {
			session.Messages = append(session.Messages, parentSession.Messages...)
		}
	}

	rtOpts := []agent.RuntimeOption{
		agent.WithSystemPrompt(def.Prompt),
		agent.WithTools(m.filterSpecs(def.Tools)),
		agent.WithLoopConfig(agent.LoopConfig{
			MaxIterations: def.MaxIterations,
			MaxTokens:     def.MaxTokens,
			MaxToolCalls:  def.MaxToolCalls,
			MaxWallTime:   def.MaxWallTime,
		}),
		agent.WithSaver(m.saver),
	}
	if m.hooks != nil {
		rtOpts = append(rtOpts, agent.WithHooks(m.hooks))
	}
	if m.metrics != nil {
		rtOpts = append(rtOpts, agent.WithMetrics(m.metrics))
	}
	rt := agent.NewRuntime(m.provider, m.executor, m.bus, rtOpts...)

	run, err := rt.Run(ctx, session, childEC, req.Task)
	if err != nil {
		return nil, err
	}

	tracked := &TrackedRun{Run: run, Session: session, Type: req.AgentType}
	m.mu.Lock()
	m.runs[run.ID] = tracked
	m.mu.Unlock()
	return tracked, nil
}

// Lookup returns a tracked run by id.
func (m *Manager) Lookup(runID string) (*TrackedRun, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tracked, ok := m.runs[runID]
	return tracked, ok
}

// SetToolSpecs replaces the specs offered to children. The container
// calls it once the registry is frozen, since the Task tool itself is
// part of the set.
func (m *Manager) SetToolSpecs(specs []agent.ToolSpec) {
	m.mu.Lock()
	m.specs = specs
	m.mu.Unlock()
}

// filterSpecs narrows the offered tool specs to the whitelist.
func (m *Manager) filterSpecs(whitelist []string) []agent.ToolSpec {
	m.mu.RLock()
	specs := m.specs
	m.mu.RUnlock()
	if whitelist == nil {
		return specs
	}
	allowed := make(map[string]bool, len(whitelist))
	for _, name := range whitelist {
		allowed[name] = true
	}
	var out []agent.ToolSpec
	for _, spec := range specs {
		if allowed[spec.Name] {
			out = append(out, spec)
		}
	}
	return out
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// taskTimeout bounds a waiting Task tool call; detached spawns return
// immediately.
const taskTimeout = 10 * time.Minute

// NewTaskDescriptor builds the Task tool backed by this manager.
func NewTaskDescriptor(m *Manager) *tools.Descriptor {
	return &tools.Descriptor{
		Name:        "task",
		Category:    tools.CategoryTask,
		Description: "Spawn a scoped sub-agent to carry out a task and return its result.",
		Params: []tools.Param{
			{Name: "agent_type", Type: "string", Required: true, Description: "Agent preset to run."},
			{Name: "task", Type: "string", Required: true, Description: "What the sub-agent should do."},
			{Name: "wait", Type: "boolean", Default: true, Description: "Block until the sub-agent finishes."},
			{Name: "inherit_context", Type: "boolean", Default: false, Description: "Seed the child with the parent transcript."},
			{Name: "use_rag", Type: "boolean", Default: true, Description: "Pass the retrieval handle through to the child."},
		},
		Timeout: taskTimeout,
		Handler: func(ctx context.Context, ec *tools.ExecutionContext, args map[string]any) (models.ToolResult, error) {
			req := SpawnRequest{
				AgentType:      args["agent_type"].(string),
				Task:           args["task"].(string),
				Wait:           args["wait"].(bool),
				InheritContext: args["inherit_context"].(bool),
				UseRAG:         args["use_rag"].(bool),
			}

			spawnCtx := ctx
			if !req.Wait {
				// Detached runs outlive the tool call.
				spawnCtx = context.Background()
			}
			tracked, err := m.Spawn(spawnCtx, ec, req)
			if err != nil {
				return models.ToolResult{}, err
			}

			if !req.Wait {
				return models.ToolResult{
					Content:  tracked.Run.ID,
					Metadata: map[string]any{"run_id": tracked.Run.ID, "session_id": tracked.Session.ID},
				}, nil
			}

			if err := tracked.Run.Wait(ctx); err != nil {
				return models.ToolResult{
					Content:   fmt.Sprintf("sub-agent failed: %v", err),
					IsError:   true,
					ErrorKind: tracked.Run.ErrKind(),
					Metadata:  map[string]any{"run_id": tracked.Run.ID},
				}, nil
			}
			return models.ToolResult{
				Content:  tracked.Run.Result(),
				Metadata: map[string]any{"run_id": tracked.Run.ID, "session_id": tracked.Session.ID},
			}, nil
		},
	}
}
