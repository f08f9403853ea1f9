// Package container wires the runtime together: config, event bus,
// permission resolver, hook dispatcher, tool gateway, session store,
// provider, agent runtime, sub-agent manager, and workflow engine, in
// dependency order, leaves first.
package container

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/forgelabs/forge/internal/agent"
	"github.com/forgelabs/forge/internal/config"
	"github.com/forgelabs/forge/internal/events"
	"github.com/forgelabs/forge/internal/hooks"
	"github.com/forgelabs/forge/internal/observability"
	"github.com/forgelabs/forge/internal/permissions"
	"github.com/forgelabs/forge/internal/providers"
	"github.com/forgelabs/forge/internal/sessions"
	"github.com/forgelabs/forge/internal/subagents"
	"github.com/forgelabs/forge/internal/tokens"
	"github.com/forgelabs/forge/internal/tools"
	"github.com/forgelabs/forge/internal/truncate"
	"github.com/forgelabs/forge/internal/workflow"
	"github.com/forgelabs/forge/pkg/models"
)

// Container holds the wired components. Construct with New, tear down
// with Close.
type Container struct {
	Config      *config.Config
	Logger      *slog.Logger
	Bus         *events.Bus
	Metrics     *observability.Metrics
	Registry    *tools.Registry
	Counter     *tokens.Counter
	Budgeter    *tokens.Budgeter
	Permissions *permissions.Resolver
	Hooks       *hooks.Dispatcher
	Gateway     *tools.Gateway
	Store       *sessions.Store
	Provider    agent.ChatProvider
	Runtime     *agent.Runtime
	AgentTypes  *subagents.Registry
	Manager     *subagents.Manager
	Workflows   *workflow.Engine

	workingDir string
	model      string
	stopWatch  func()

	mu   sync.RWMutex
	runs map[string]*agent.AgentRun
}

// Option adjusts construction.
type Option func(*settings)

type settings struct {
	provider    agent.ChatProvider
	workingDir  string
	descriptors []*tools.Descriptor
	registerer  prometheus.Registerer
}

// WithProvider injects a ChatProvider, bypassing config-driven
// selection. Tests use it.
func WithProvider(p agent.ChatProvider) Option {
	return func(s *settings) { s.provider = p }
}

// WithWorkingDir sets the root the gateway validates tool paths
// against. Defaults to the process working directory.
func WithWorkingDir(dir string) Option {
	return func(s *settings) { s.workingDir = dir }
}

// WithToolDescriptors registers additional tools before the registry
// freezes.
func WithToolDescriptors(descriptors ...*tools.Descriptor) Option {
	return func(s *settings) { s.descriptors = append(s.descriptors, descriptors...) }
}

// WithRegisterer sets the prometheus registerer for metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *settings) { s.registerer = reg }
}

// New builds the container from configuration.
func New(cfg *config.Config, opts ...Option) (*Container, error) {
	s := &settings{registerer: prometheus.NewRegistry()}
	for _, opt := range opts {
		opt(s)
	}
	if s.workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		s.workingDir = wd
	}
	if err := cfg.EnsureLayout(); err != nil {
		return nil, err
	}

	c := &Container{
		Config:     cfg,
		Logger:     observability.SetupLogging(),
		Bus:        events.NewBus(),
		Metrics:    observability.NewMetrics(s.registerer),
		workingDir: s.workingDir,
		runs:       make(map[string]*agent.AgentRun),
	}

	c.Counter = tokens.NewCounter(tokens.WithUnknownModelWarning(func(modelID string) {
		c.Bus.Warn("", "no tokenizer for model "+modelID+", counting approximately")
	}))
	splits := make(map[string]tokens.BudgetSplit, len(cfg.LLM.BudgetSplits))
	for model, split := range cfg.LLM.BudgetSplits {
		splits[model] = tokens.BudgetSplit{
			System:       split.System,
			Conversation: split.Conversation,
			Tools:        split.Tools,
			Response:     split.Response,
		}
	}
	c.Budgeter = tokens.NewBudgeter(splits)

	if err := c.buildPolicy(); err != nil {
		return nil, err
	}
	if err := c.buildHooks(); err != nil {
		return nil, err
	}

	store, err := sessions.NewStore(cfg.ConfigDir, sessions.WithHooks(c.Hooks))
	if err != nil {
		return nil, err
	}
	c.Store = store

	c.Gateway = tools.NewGateway(c.Permissions, c.Hooks, c.Bus,
		tools.WithRecorder(c.Store),
		tools.WithMetrics(c.Metrics),
		tools.WithDefaultTimeout(cfg.Agent.ToolTimeout),
	)

	if err := c.buildProvider(s.provider); err != nil {
		c.Store.Close()
		return nil, err
	}

	c.AgentTypes = subagents.BuiltinRegistry()
	c.Manager = subagents.NewManager(c.AgentTypes, c.Provider, c.Gateway, c.Bus, c.model,
		subagents.WithSaver(c.Store),
		subagents.WithSessionLoader(c.Store),
		subagents.WithManagerHooks(c.Hooks),
		subagents.WithManagerMetrics(c.Metrics),
	)

	c.Registry = tools.NewRegistry()
	for _, d := range s.descriptors {
		if err := c.Registry.Register(d); err != nil {
			c.Store.Close()
			return nil, err
		}
	}
	if err := c.Registry.Register(subagents.NewTaskDescriptor(c.Manager)); err != nil {
		c.Store.Close()
		return nil, err
	}
	c.Registry.Freeze()

	specs, err := toolSpecs(c.Registry)
	if err != nil {
		c.Store.Close()
		return nil, err
	}
	c.Manager.SetToolSpecs(specs)

	runtimeOpts := []agent.RuntimeOption{
		agent.WithTools(specs),
		agent.WithHooks(c.Hooks),
		agent.WithSaver(c.Store),
		agent.WithMetrics(c.Metrics),
		agent.WithLoopConfig(agent.LoopConfig{
			MaxIterations:    cfg.Agent.MaxIterations,
			MaxTokens:        cfg.Agent.MaxTokens,
			MaxToolCalls:     cfg.Agent.MaxToolCalls,
			MaxWallTime:      cfg.Agent.MaxWallTime,
			MaxParallelTools: cfg.Agent.MaxParallelTools,
			MaxDepth:         cfg.Agent.MaxDepth,
			LLMRetryAttempts: cfg.LLM.RetryAttempts,
		}),
	}
	if cfg.LLM.ContextBudget > 0 {
		budget := c.Budgeter.Budget(c.model, cfg.LLM.ContextBudget)
		runtimeOpts = append(runtimeOpts,
			agent.WithTruncation(truncate.Smart{}, c.Counter, budget.Conversation))
	}
	c.Runtime = agent.NewRuntime(c.Provider, c.Gateway, c.Bus, runtimeOpts...)

	checkpoints, err := workflow.NewCheckpointStore(cfg.ConfigDir)
	if err != nil {
		c.Store.Close()
		return nil, err
	}
	c.Workflows = workflow.NewEngine(
		workflow.NewManagerRunner(c.Manager),
		workflow.TypeCheckerFunc(func(name string) bool {
			_, ok := c.AgentTypes.Get(name)
			return ok
		}),
		checkpoints,
		c.Bus,
		workflow.WithHooks(c.Hooks),
		workflow.WithMaxParallel(cfg.Workflow.MaxParallel),
		workflow.WithWallTimeout(cfg.Workflow.WallTimeout),
	)

	return c, nil
}

func (c *Container) buildPolicy() error {
	c.Permissions = permissions.NewResolver(permissions.DefaultRules())
	path := c.Config.PermissionsPath()
	if _, err := os.Stat(path); err == nil {
		rules, err := permissions.LoadRules(path)
		if err != nil {
			return fmt.Errorf("loading permission rules: %w", err)
		}
		c.Permissions.SetUserRules(rules)
	}
	stop, err := permissions.WatchUserRules(c.Permissions, path)
	if err != nil {
		c.Logger.Warn("permission rule watching disabled", "error", err)
	} else {
		c.stopWatch = stop
	}
	return nil
}

func (c *Container) buildHooks() error {
	var registered []hooks.Hook
	path := c.Config.HooksPath()
	if _, err := os.Stat(path); err == nil {
		loaded, err := hooks.LoadHooks(path)
		if err != nil {
			return fmt.Errorf("loading hooks: %w", err)
		}
		registered = loaded
	}
	c.Hooks = hooks.NewDispatcher(registered)
	return nil
}

func (c *Container) buildProvider(injected agent.ChatProvider) error {
	if injected != nil {
		c.Provider = injected
		c.model = c.Config.LLM.DefaultModel
		if c.model == "" {
			c.model = "test-model"
		}
		return nil
	}
	llm := c.Config.LLM
	switch llm.Provider {
	case "anthropic":
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       llm.APIKey,
			BaseURL:      llm.BaseURL,
			DefaultModel: llm.DefaultModel,
		})
		if err != nil {
			return err
		}
		c.Provider = p
	case "openai":
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       llm.APIKey,
			BaseURL:      llm.BaseURL,
			DefaultModel: llm.DefaultModel,
		})
		if err != nil {
			return err
		}
		c.Provider = p
	default:
		return fmt.Errorf("unknown LLM provider %q (anthropic or openai)", llm.Provider)
	}
	c.model = llm.DefaultModel
	if c.model == "" {
		c.model = defaultModelFor(llm.Provider)
	}
	return nil
}

func defaultModelFor(provider string) string {
	if provider == "openai" {
		return "gpt-4o"
	}
	return "claude-sonnet-4-20250514"
}

// toolSpecs renders the frozen registry as provider tool specs.
func toolSpecs(registry *tools.Registry) ([]agent.ToolSpec, error) {
	var specs []agent.ToolSpec
	for _, d := range registry.All() {
		doc, err := d.SchemaDocument()
		if err != nil {
			return nil, fmt.Errorf("tool %q schema: %w", d.Name, err)
		}
		specs = append(specs, agent.ToolSpec{
			Name:        d.Name,
			Description: d.Description,
			Schema:      json.RawMessage(doc),
		})
	}
	return specs, nil
}

// Run starts an agent run against a session, creating it when the id
// is empty. The run is tracked for Cancel.
func (c *Container) Run(ctx context.Context, sessionID, input string) (*agent.AgentRun, *models.Session, error) {
	var session *models.Session
	var err error
	if sessionID == "" {
		session, err = c.Store.Create("", c.model)
	} else {
		session, err = c.Store.Load(sessionID)
	}
	if err != nil {
		return nil, nil, err
	}

	ec, err := tools.NewExecutionContext(c.workingDir, session.ID, c.Registry)
	if err != nil {
		return nil, nil, err
	}
	ec.AgentID = "main"

	run, err := c.Runtime.Run(ctx, session, ec, input)
	if err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	c.runs[run.ID] = run
	c.mu.Unlock()
	return run, session, nil
}

// Cancel cancels a tracked agent run (top-level or Task-spawned).
// Returns false when the id is unknown or the run already terminated.
func (c *Container) Cancel(runID string) bool {
	c.mu.RLock()
	run, ok := c.runs[runID]
	c.mu.RUnlock()
	if ok {
		return run.Cancel()
	}
	if tracked, ok := c.Manager.Lookup(runID); ok {
		return tracked.Run.Cancel()
	}
	return false
}

// RunWorkflow validates and executes a workflow definition.
func (c *Container) RunWorkflow(ctx context.Context, def *workflow.Definition, inputs map[string]any) (*workflow.State, error) {
	ec, err := tools.NewExecutionContext(c.workingDir, "workflow", c.Registry)
	if err != nil {
		return nil, err
	}
	return c.Workflows.Run(ctx, def, ec, inputs)
}

// ResumeWorkflow continues a checkpointed workflow, re-running failed
// steps only.
func (c *Container) ResumeWorkflow(ctx context.Context, workflowID string) (*workflow.State, error) {
	ec, err := tools.NewExecutionContext(c.workingDir, "workflow", c.Registry)
	if err != nil {
		return nil, err
	}
	return c.Workflows.Resume(ctx, workflowID, ec)
}

// Sessions exposes the session store.
func (c *Container) Sessions() *sessions.Store { return c.Store }

// Events opens a live event feed. Close the subscription when done.
func (c *Container) Events() *events.Subscription { return c.Bus.Subscribe() }

// Close releases the session lock and stops background watchers.
func (c *Container) Close() error {
	if c.stopWatch != nil {
		c.stopWatch()
	}
	if c.Store != nil {
		return c.Store.Close()
	}
	return nil
}
