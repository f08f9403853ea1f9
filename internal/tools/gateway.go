package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgelabs/forge/internal/hooks"
	"github.com/forgelabs/forge/internal/observability"
	"github.com/forgelabs/forge/internal/permissions"
	"github.com/forgelabs/forge/pkg/models"
)

// DefaultToolTimeout bounds a single handler invocation unless the
// descriptor overrides it.
const DefaultToolTimeout = 30 * time.Second

// PolicyChecker is the permission surface the gateway needs.
type PolicyChecker interface {
	Check(principal, toolName string, args map[string]any) permissions.Decision
	RecordDenial(principal, toolName string)
}

// HookRunner fires lifecycle hooks.
type HookRunner interface {
	Fire(ctx context.Context, payload hooks.Payload) ([]hooks.Result, error)
}

// PromptBus asks the user to confirm an invocation and publishes tool
// lifecycle events.
type PromptBus interface {
	RequestPermission(ctx context.Context, agentID, toolName string, args []byte, reason string) bool
	Publish(event models.Event)
}

// Recorder persists denormalised invocation records on the session.
type Recorder interface {
	RecordInvocation(sessionID string, inv models.ToolInvocation)
}

// Gateway is the single choke point for tool execution. Every call,
// whether from the root agent, a sub-agent, or a workflow step, goes
// through Execute.
type Gateway struct {
	policy   PolicyChecker
	hooks    HookRunner
	bus      PromptBus
	recorder Recorder
	metrics  *observability.Metrics
	logger   *slog.Logger
	timeout  time.Duration
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithRecorder sets the invocation recorder.
func WithRecorder(rec Recorder) GatewayOption {
	return func(g *Gateway) { g.recorder = rec }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) GatewayOption {
	return func(g *Gateway) {
		if m != nil {
			g.metrics = m
		}
	}
}

// WithGatewayLogger sets the gateway logger.
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger.With("component", "tools")
		}
	}
}

// WithDefaultTimeout overrides the per-call timeout default.
func WithDefaultTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// NewGateway wires the gateway. policy, hookRunner, and bus are
// required; recorder and metrics are optional.
func NewGateway(policy PolicyChecker, hookRunner HookRunner, bus PromptBus, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		policy:  policy,
		hooks:   hookRunner,
		bus:     bus,
		metrics: observability.Nop(),
		logger:  slog.Default().With("component", "tools"),
		timeout: DefaultToolTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Execute runs one tool call through the full pipeline and always
// returns a ToolResult; denials and failures are results with IsError
// set, never Go errors. The error return is reserved for context
// cancellation of the gateway itself.
func (g *Gateway) Execute(ctx context.Context, ec *ExecutionContext, call models.ToolCall) models.ToolResult {
	started := time.Now()

	g.bus.Publish(models.Event{
		Type:       models.EventToolStart,
		AgentID:    ec.AgentID,
		SessionID:  ec.SessionID,
		ToolName:   call.Name,
		ToolCallID: call.ID,
	})

	result := g.execute(ctx, ec, call)
	result.ToolCallID = call.ID

	g.finish(ec, call, result, started)
	return result
}

func (g *Gateway) execute(ctx context.Context, ec *ExecutionContext, call models.ToolCall) models.ToolResult {
	// Resolve.
	desc, ok := ec.Registry.Get(call.Name)
	if !ok {
		return errorResult(models.KindToolUnknown, fmt.Sprintf("unknown tool %q", call.Name))
	}

	// Decode and validate arguments.
	args, err := decodeArgs(call.Arguments)
	if err != nil {
		return errorResult(models.KindToolValidation, fmt.Sprintf("arguments are not a JSON object: %v", err))
	}
	desc.ApplyDefaults(args)
	args = canonicalArgs(args)
	if err := g.validate(desc, args); err != nil {
		return errorResult(models.KindToolValidation, err.Error())
	}

	// Agent-type whitelist.
	if !ec.ToolAllowed(call.Name) {
		return errorResult(models.KindToolRestricted,
			fmt.Sprintf("tool %q is not in this agent's allowed set", call.Name))
	}

	// Permission policy.
	decision := g.policy.Check(ec.Principal, call.Name, args)
	switch decision.Level {
	case permissions.Deny:
		g.policy.RecordDenial(ec.Principal, call.Name)
		g.fireDenied(ctx, ec, call, decision.Reason)
		return errorResult(models.KindPermissionDenied, "denied by policy: "+decision.Reason)
	case permissions.Ask:
		argsJSON, _ := json.Marshal(args)
		if !g.bus.RequestPermission(ctx, ec.AgentID, call.Name, argsJSON, decision.Reason) {
			g.policy.RecordDenial(ec.Principal, call.Name)
			g.fireDenied(ctx, ec, call, "user declined")
			return errorResult(models.KindPermissionDenied, "denied by user")
		}
	}

	// Blocking pre-hook.
	if _, err := g.hooks.Fire(ctx, hooks.Payload{
		Event:     hooks.EventToolPre,
		SessionID: ec.SessionID,
		AgentID:   ec.AgentID,
		ToolName:  call.Name,
		Data:      map[string]any{"args": args},
	}); err != nil {
		if hooks.IsBlocked(err) {
			g.metrics.HookCounter.WithLabelValues(hooks.EventToolPre, "blocked").Inc()
			return errorResult(models.KindPermissionDenied, "blocked by hook: "+err.Error())
		}
		g.logger.Warn("pre-hook dispatch failed", "tool", call.Name, "error", err)
	}

	// Invoke with timeout and panic containment.
	timeout := g.timeout
	if desc.Timeout > 0 {
		timeout = desc.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := g.invoke(callCtx, desc, ec, args)
	if result.IsError {
		result.Content = redactPaths(result.Content, ec.WorkingDir)
	}

	// Post-hook, never blocking.
	if _, err := g.hooks.Fire(ctx, hooks.Payload{
		Event:     hooks.EventToolPost,
		SessionID: ec.SessionID,
		AgentID:   ec.AgentID,
		ToolName:  call.Name,
		Data:      map[string]any{"success": result.Success()},
	}); err != nil {
		g.logger.Warn("post-hook dispatch failed", "tool", call.Name, "error", err)
	}

	return result
}

// invoke runs the handler, converting panics, handler errors, and
// timeouts into error results.
func (g *Gateway) invoke(ctx context.Context, desc *Descriptor, ec *ExecutionContext, args map[string]any) (result models.ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("tool handler panicked",
				"tool", desc.Name, "panic", r, "stack", string(debug.Stack()))
			result = errorResult(models.KindToolFailed, fmt.Sprintf("tool %q panicked: %v", desc.Name, r))
		}
	}()

	result, err := desc.Handler(ctx, ec, args)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errorResult(models.KindToolTimeout, fmt.Sprintf("tool %q timed out", desc.Name))
		}
		if ctx.Err() == context.Canceled {
			return errorResult(models.KindCancelled, fmt.Sprintf("tool %q cancelled", desc.Name))
		}
		kind := models.ErrorKindOf(err)
		if kind == "" {
			kind = models.KindToolFailed
		}
		return errorResult(kind, err.Error())
	}
	if ctx.Err() == context.DeadlineExceeded && !result.IsError {
		return errorResult(models.KindToolTimeout, fmt.Sprintf("tool %q timed out", desc.Name))
	}
	return result
}

func (g *Gateway) validate(desc *Descriptor, args map[string]any) error {
	schema, err := desc.Schema()
	if err != nil {
		return fmt.Errorf("tool %q has an invalid schema: %v", desc.Name, err)
	}
	if err := schema.Validate(mapToAny(args)); err != nil {
		return fmt.Errorf("invalid arguments for %q: %v", desc.Name, err)
	}
	return nil
}

func (g *Gateway) fireDenied(ctx context.Context, ec *ExecutionContext, call models.ToolCall, reason string) {
	if _, err := g.hooks.Fire(ctx, hooks.Payload{
		Event:     hooks.EventPermissionDenied,
		SessionID: ec.SessionID,
		AgentID:   ec.AgentID,
		ToolName:  call.Name,
		Data:      map[string]any{"reason": reason},
	}); err != nil {
		g.logger.Warn("denied-hook dispatch failed", "tool", call.Name, "error", err)
	}
}

func (g *Gateway) finish(ec *ExecutionContext, call models.ToolCall, result models.ToolResult, started time.Time) {
	elapsed := time.Since(started)

	outcome := "success"
	if result.IsError {
		switch result.ErrorKind {
		case models.KindPermissionDenied:
			outcome = "denied"
		case models.KindToolRestricted:
			outcome = "restricted"
		case models.KindToolValidation, models.KindToolUnknown:
			outcome = "invalid"
		case models.KindToolTimeout:
			outcome = "timeout"
		default:
			outcome = "error"
		}
	}
	g.metrics.ToolInvocationCounter.WithLabelValues(call.Name, outcome).Inc()
	g.metrics.ToolInvocationDuration.WithLabelValues(call.Name).Observe(elapsed.Seconds())

	if g.recorder != nil {
		g.recorder.RecordInvocation(ec.SessionID, models.ToolInvocation{
			ID:        uuid.New().String(),
			ToolName:  call.Name,
			Args:      call.Arguments,
			Result:    result.Content,
			Success:   result.Success(),
			StartedAt: started,
			EndedAt:   started.Add(elapsed),
		})
	}

	g.bus.Publish(models.Event{
		Type:       models.EventToolEnd,
		AgentID:    ec.AgentID,
		SessionID:  ec.SessionID,
		ToolName:   call.Name,
		ToolCallID: call.ID,
		Result:     &result,
	})

	g.logger.Debug("tool call finished",
		"tool", call.Name, "outcome", outcome, "duration", elapsed)
}

func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// canonicalArgs round-trips the argument map through JSON so handlers
// and the validator see the same value shapes regardless of whether a
// value came off the wire or from a declared default.
func canonicalArgs(args map[string]any) map[string]any {
	encoded, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out map[string]any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return args
	}
	return out
}

func mapToAny(args map[string]any) any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

func errorResult(kind, message string) models.ToolResult {
	return models.ToolResult{Content: message, IsError: true, ErrorKind: kind}
}

var absPathPattern = regexp.MustCompile(`/[A-Za-z0-9._\-/]{2,}`)

// redactPaths hides absolute filesystem paths outside the working
// directory from error text surfaced to the model.
func redactPaths(text, workingDir string) string {
	if workingDir == "" {
		return text
	}
	return absPathPattern.ReplaceAllStringFunc(text, func(p string) string {
		if p == workingDir || strings.HasPrefix(p, workingDir+"/") {
			return p
		}
		return "<path outside workspace>"
	})
}
