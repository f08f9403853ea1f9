// Package agent implements the agentic loop: stream a model reply,
// execute requested tools through the gateway, feed results back, and
// repeat until the model answers in plain text or a cap trips.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgelabs/forge/internal/backoff"
	"github.com/forgelabs/forge/internal/hooks"
	"github.com/forgelabs/forge/internal/observability"
	"github.com/forgelabs/forge/internal/tools"
	"github.com/forgelabs/forge/internal/truncate"
	"github.com/forgelabs/forge/pkg/models"
)

// LoopConfig bounds one agent run.
type LoopConfig struct {
	// MaxIterations caps provider round-trips per run.
	MaxIterations int
	// MaxTokens caps cumulative token usage per run.
	MaxTokens int
	// MaxToolCalls caps tool executions per run.
	MaxToolCalls int
	// MaxWallTime caps run duration.
	MaxWallTime time.Duration
	// MaxParallelTools bounds the tool fan-out per reply.
	MaxParallelTools int
	// MaxDepth bounds Task recursion.
	MaxDepth int
	// LLMRetryAttempts bounds retries of transient provider failures.
	LLMRetryAttempts int
	// ContextBudget is the token budget the transcript is fitted to
	// before each provider call; 0 disables truncation.
	ContextBudget int
}

// DefaultLoopConfig returns the production limits.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:    50,
		MaxTokens:        500_000,
		MaxToolCalls:     200,
		MaxWallTime:      30 * time.Minute,
		MaxParallelTools: 5,
		MaxDepth:         5,
		LLMRetryAttempts: 3,
	}
}

// sanitizeLoopConfig fills zero or negative fields with defaults.
func sanitizeLoopConfig(cfg LoopConfig) LoopConfig {
	def := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = def.MaxToolCalls
	}
	if cfg.MaxWallTime <= 0 {
		cfg.MaxWallTime = def.MaxWallTime
	}
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = def.MaxParallelTools
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.LLMRetryAttempts <= 0 {
		cfg.LLMRetryAttempts = def.LLMRetryAttempts
	}
	return cfg
}

// ToolExecutor runs one tool call through the gateway.
type ToolExecutor interface {
	Execute(ctx context.Context, ec *tools.ExecutionContext, call models.ToolCall) models.ToolResult
}

// EventPublisher receives runtime events.
type EventPublisher interface {
	Publish(event models.Event)
}

// SessionSaver persists sessions between loop phases.
type SessionSaver interface {
	Save(session *models.Session) error
}

// HookRunner fires lifecycle hooks.
type HookRunner interface {
	Fire(ctx context.Context, payload hooks.Payload) ([]hooks.Result, error)
}

// MessageCounter counts message tokens for transcript fitting.
type MessageCounter interface {
	CountMessage(modelID string, msg models.Message) int
}

// Runtime drives agent runs. Construct once, share across sessions.
type Runtime struct {
	provider ChatProvider
	executor ToolExecutor
	bus      EventPublisher
	saver    SessionSaver
	hooks    HookRunner
	counter  MessageCounter
	strategy truncate.Strategy
	metrics  *observability.Metrics
	logger   *slog.Logger
	cfg      LoopConfig
	policy   backoff.Policy

	system string
	tools  []ToolSpec
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithLoopConfig overrides the default limits.
func WithLoopConfig(cfg LoopConfig) RuntimeOption {
	return func(r *Runtime) { r.cfg = sanitizeLoopConfig(cfg) }
}

// WithSystemPrompt sets the system prompt sent on every call.
func WithSystemPrompt(prompt string) RuntimeOption {
	return func(r *Runtime) { r.system = prompt }
}

// WithTools sets the tool specs offered to the model.
func WithTools(specs []ToolSpec) RuntimeOption {
	return func(r *Runtime) { r.tools = specs }
}

// WithHooks sets the hook dispatcher.
func WithHooks(h HookRunner) RuntimeOption {
	return func(r *Runtime) { r.hooks = h }
}

// WithSaver sets the session persister.
func WithSaver(s SessionSaver) RuntimeOption {
	return func(r *Runtime) { r.saver = s }
}

// WithTruncation enables transcript fitting before each provider call.
func WithTruncation(strategy truncate.Strategy, counter MessageCounter, budget int) RuntimeOption {
	return func(r *Runtime) {
		r.strategy = strategy
		r.counter = counter
		r.cfg.ContextBudget = budget
	}
}

// WithBackoffPolicy overrides the LLM retry backoff policy.
func WithBackoffPolicy(p backoff.Policy) RuntimeOption {
	return func(r *Runtime) { r.policy = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) RuntimeOption {
	return func(r *Runtime) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithRuntimeLogger sets the runtime logger.
func WithRuntimeLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger.With("component", "agent")
		}
	}
}

// NewRuntime wires the loop. provider, executor, and bus are required.
func NewRuntime(provider ChatProvider, executor ToolExecutor, bus EventPublisher, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		provider: provider,
		executor: executor,
		bus:      bus,
		metrics:  observability.Nop(),
		logger:   slog.Default().With("component", "agent"),
		cfg:      DefaultLoopConfig(),
		policy:   backoff.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the loop for one user input. The returned AgentRun is
// live; wait on Done or poll State.
func (r *Runtime) Run(ctx context.Context, session *models.Session, ec *tools.ExecutionContext, userInput string) (*AgentRun, error) {
	if ec.Depth > r.cfg.MaxDepth {
		return nil, models.NewCoreError(models.KindDepthExceeded,
			"agent depth %d exceeds limit %d", ec.Depth, r.cfg.MaxDepth)
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := newRun(ec.AgentID, session.ID, cancel)

	go func() {
		defer cancel()
		r.loop(runCtx, run, session, ec, userInput)
	}()
	return run, nil
}

// loop is the Init -> Stream -> ExecuteTools -> Continue -> Complete
// cycle.
func (r *Runtime) loop(ctx context.Context, run *AgentRun, session *models.Session, ec *tools.ExecutionContext, userInput string) {
	run.setRunning()
	deadline := run.StartedAt.Add(r.cfg.MaxWallTime)

	r.fireHook(ctx, hooks.EventAgentPre, session.ID, ec.AgentID, nil)
	defer func() {
		r.fireHook(context.Background(), hooks.EventAgentPost, session.ID, ec.AgentID,
			map[string]any{"state": string(run.State())})
	}()

	session.AppendMessage(models.Message{
		ID:      uuid.New().String(),
		Role:    models.RoleUser,
		Content: userInput,
	})
	r.persist(session)

	toolCallCount := 0
	var tokensUsed models.TokenUsage

	for iteration := 1; ; iteration++ {
		if ctx.Err() != nil {
			run.cancelled(ctx.Err())
			return
		}
		if iteration > r.cfg.MaxIterations {
			r.failRun(run, ec.AgentID, models.KindLimitExceeded,
				fmt.Errorf("iteration limit %d reached", r.cfg.MaxIterations))
			return
		}
		if tokensUsed.Total() > r.cfg.MaxTokens {
			r.failRun(run, ec.AgentID, models.KindLimitExceeded,
				fmt.Errorf("token limit %d reached", r.cfg.MaxTokens))
			return
		}
		if time.Now().After(deadline) {
			r.failRun(run, ec.AgentID, models.KindLimitExceeded,
				fmt.Errorf("wall time limit %s reached", r.cfg.MaxWallTime))
			return
		}

		reply, err := r.streamReply(ctx, run, session, ec)
		if err != nil {
			if ctx.Err() != nil {
				run.cancelled(ctx.Err())
				return
			}
			kind := models.ErrorKindOf(err)
			if kind == "" {
				kind = models.KindLLMStreamError
			}
			r.failRun(run, ec.AgentID, kind, err)
			return
		}
		if ctx.Err() != nil {
			run.cancelled(ctx.Err())
			return
		}
		if reply.usage != nil {
			tokensUsed.Add(*reply.usage)
			session.TokenUsage.Add(*reply.usage)
			r.metrics.LLMTokensUsed.WithLabelValues(session.ModelID, "prompt").Add(float64(reply.usage.Prompt))
			r.metrics.LLMTokensUsed.WithLabelValues(session.ModelID, "completion").Add(float64(reply.usage.Completion))
		}

		assistant := models.Message{
			ID:         uuid.New().String(),
			Role:       models.RoleAssistant,
			Content:    reply.text,
			ToolCalls:  reply.toolCalls,
			Incomplete: reply.incomplete,
		}
		session.AppendMessage(assistant)
		r.persist(session)

		if reply.incomplete {
			// The streamed prefix is preserved above; the run still
			// fails with the stream error.
			kind := models.ErrorKindOf(reply.streamErr)
			if kind == "" {
				kind = models.KindLLMStreamError
			}
			r.failRun(run, ec.AgentID, kind, reply.streamErr)
			return
		}

		if len(reply.toolCalls) == 0 {
			r.bus.Publish(models.Event{
				Type:      models.EventFinalMessage,
				AgentID:   ec.AgentID,
				SessionID: session.ID,
				Message:   &assistant,
			})
			run.complete(reply.text)
			return
		}

		// The cap is strict: a batch that would cross it fails the run
		// before any of its handlers execute.
		if toolCallCount+len(reply.toolCalls) > r.cfg.MaxToolCalls {
			r.failRun(run, ec.AgentID, models.KindLimitExceeded,
				fmt.Errorf("tool call limit %d reached", r.cfg.MaxToolCalls))
			return
		}
		toolCallCount += len(reply.toolCalls)
		results := r.executeTools(ctx, ec, reply.toolCalls)
		for _, result := range results {
			session.AppendMessage(models.Message{
				ID:         uuid.New().String(),
				Role:       models.RoleTool,
				ToolCallID: result.ToolCallID,
				Content:    result.Content,
				Metadata:   map[string]any{"is_error": result.IsError},
			})
		}
		r.persist(session)
	}
}

// assembledReply is one full provider turn.
type assembledReply struct {
	text       string
	toolCalls  []models.ToolCall
	usage      *models.TokenUsage
	incomplete bool
	streamErr  error
}

// streamReply makes one provider call, retrying transient failures
// that occur before any content arrived. A mid-stream failure after
// content returns the prefix with incomplete set.
func (r *Runtime) streamReply(ctx context.Context, run *AgentRun, session *models.Session, ec *tools.ExecutionContext) (*assembledReply, error) {
	messages := session.Messages
	if r.strategy != nil && r.counter != nil && r.cfg.ContextBudget > 0 {
		fitted, err := truncate.Fit(ctx, messages, r.cfg.ContextBudget, r.strategy, func(m models.Message) int {
			return r.counter.CountMessage(session.ModelID, m)
		})
		if err != nil {
			r.logger.Warn("transcript fitting failed, sending full transcript", "error", err)
		} else {
			messages = fitted.Messages
		}
	}

	r.fireHook(ctx, hooks.EventLLMPre, session.ID, ec.AgentID, nil)

	var reply *assembledReply
	err := backoff.Retry(ctx, r.policy, r.cfg.LLMRetryAttempts, IsRetryableLLMError, func(attempt int) error {
		if attempt > 1 {
			r.metrics.LLMRequestCounter.WithLabelValues(r.provider.Name(), session.ModelID, "retry").Inc()
		}
		started := time.Now()
		attemptReply, err := r.streamOnce(ctx, run, session, ec, messages)
		r.metrics.LLMRequestDuration.WithLabelValues(r.provider.Name(), session.ModelID).Observe(time.Since(started).Seconds())
		if err != nil {
			r.metrics.LLMRequestCounter.WithLabelValues(r.provider.Name(), session.ModelID, "error").Inc()
			return err
		}
		r.metrics.LLMRequestCounter.WithLabelValues(r.provider.Name(), session.ModelID, "success").Inc()
		reply = attemptReply
		return nil
	})

	r.fireHook(ctx, hooks.EventLLMPost, session.ID, ec.AgentID, nil)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// streamOnce consumes one provider stream. A failure after content has
// arrived is not retried: the prefix is returned as an incomplete
// reply.
func (r *Runtime) streamOnce(ctx context.Context, run *AgentRun, session *models.Session, ec *tools.ExecutionContext, messages []models.Message) (*assembledReply, error) {
	stream, err := r.provider.Complete(ctx, &CompletionRequest{
		Model:    session.ModelID,
		System:   r.system,
		Messages: messages,
		Tools:    r.tools,
	})
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	reply := &assembledReply{}

	for chunk := range stream {
		if chunk.Err != nil {
			if text.Len() == 0 && len(reply.toolCalls) == 0 {
				return nil, chunk.Err
			}
			reply.text = text.String()
			reply.incomplete = true
			reply.streamErr = chunk.Err
			return reply, nil
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			r.bus.Publish(models.Event{
				Type:      models.EventLLMChunk,
				AgentID:   ec.AgentID,
				SessionID: session.ID,
				Text:      chunk.Text,
			})
		}
		if chunk.ToolCall != nil {
			reply.toolCalls = append(reply.toolCalls, *chunk.ToolCall)
		}
		if chunk.Usage != nil {
			reply.usage = chunk.Usage
		}
	}

	reply.text = text.String()
	return reply, nil
}

func (r *Runtime) persist(session *models.Session) {
	if r.saver == nil {
		return
	}
	if err := r.saver.Save(session); err != nil {
		r.logger.Warn("session persist failed", "session", session.ID, "error", err)
	}
}

func (r *Runtime) failRun(run *AgentRun, agentID, kind string, err error) {
	r.bus.Publish(models.Event{
		Type:    models.EventError,
		AgentID: agentID,
		Error:   &models.ErrorPayload{Kind: kind, Message: err.Error()},
	})
	run.fail(kind, err)
}

func (r *Runtime) fireHook(ctx context.Context, event, sessionID, agentID string, data map[string]any) {
	if r.hooks == nil {
		return
	}
	if _, err := r.hooks.Fire(ctx, hooks.Payload{
		Event:     event,
		SessionID: sessionID,
		AgentID:   agentID,
		Data:      data,
	}); err != nil {
		r.logger.Warn("hook dispatch failed", "event", event, "error", err)
	}
}
