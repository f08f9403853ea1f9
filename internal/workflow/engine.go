package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/forgelabs/forge/internal/backoff"
	"github.com/forgelabs/forge/internal/hooks"
	"github.com/forgelabs/forge/internal/subagents"
	"github.com/forgelabs/forge/internal/tools"
	"github.com/forgelabs/forge/pkg/models"
)

// DefaultMaxParallel bounds concurrent steps.
const DefaultMaxParallel = 5

// DefaultWallTimeout bounds one workflow run.
const DefaultWallTimeout = 60 * time.Minute

// StepOutcome is what one sub-agent run produced for a step.
type StepOutcome struct {
	Output     string
	AgentRunID string
	SessionID  string
}

// StepRunner executes one step's task through a sub-agent and blocks
// until the run terminates.
type StepRunner interface {
	RunStep(ctx context.Context, parent *tools.ExecutionContext, agentType, task string) (StepOutcome, error)
}

// managerRunner adapts the sub-agent manager to StepRunner.
type managerRunner struct {
	manager *subagents.Manager
}

// NewManagerRunner wraps the sub-agent manager for step execution.
func NewManagerRunner(m *subagents.Manager) StepRunner {
	return managerRunner{manager: m}
}

func (r managerRunner) RunStep(ctx context.Context, parent *tools.ExecutionContext, agentType, task string) (StepOutcome, error) {
	tracked, err := r.manager.Spawn(ctx, parent, subagents.SpawnRequest{
		AgentType: agentType,
		Task:      task,
		Wait:      true,
		UseRAG:    true,
	})
	if err != nil {
		return StepOutcome{}, err
	}
	outcome := StepOutcome{AgentRunID: tracked.Run.ID, SessionID: tracked.Session.ID}
	if err := tracked.Run.Wait(ctx); err != nil {
		return outcome, err
	}
	outcome.Output = tracked.Run.Result()
	return outcome, nil
}

// Publisher receives workflow events.
type Publisher interface {
	Publish(event models.Event)
}

// HookRunner fires workflow lifecycle hooks.
type HookRunner interface {
	Fire(ctx context.Context, payload hooks.Payload) ([]hooks.Result, error)
}

// Engine schedules workflow steps over sub-agents: ready-set
// scheduling, bounded fan-out, conditions, per-step retries, and a
// checkpoint after every step transition.
type Engine struct {
	runner      StepRunner
	types       TypeChecker
	store       *CheckpointStore
	bus         Publisher
	hooks       HookRunner
	logger      *slog.Logger
	maxParallel int
	wallTimeout time.Duration
	retryPolicy backoff.Policy
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMaxParallel bounds concurrent steps.
func WithMaxParallel(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithWallTimeout bounds one workflow run.
func WithWallTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.wallTimeout = d
		}
	}
}

// WithHooks sets the hook dispatcher.
func WithHooks(h HookRunner) EngineOption {
	return func(e *Engine) { e.hooks = h }
}

// WithRetryPolicy sets the backoff between step retry attempts.
func WithRetryPolicy(p backoff.Policy) EngineOption {
	return func(e *Engine) { e.retryPolicy = p }
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger.With("component", "workflow")
		}
	}
}

// NewEngine wires the engine. runner, types, store, and bus are
// required.
func NewEngine(runner StepRunner, types TypeChecker, store *CheckpointStore, bus Publisher, opts ...EngineOption) *Engine {
	e := &Engine{
		runner:      runner,
		types:       types,
		store:       store,
		bus:         bus,
		logger:      slog.Default().With("component", "workflow"),
		maxParallel: DefaultMaxParallel,
		wallTimeout: DefaultWallTimeout,
		retryPolicy: backoff.Policy{Initial: time.Second, Max: 30 * time.Second, Factor: 2},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run validates and executes a workflow. The returned state is
// terminal; intermediate progress arrives on the bus.
func (e *Engine) Run(ctx context.Context, def *Definition, parent *tools.ExecutionContext, inputs map[string]any) (*State, error) {
	if _, err := Validate(def, e.types); err != nil {
		return nil, err
	}
	state := &State{
		WorkflowID:  uuid.New().String(),
		Definition:  def,
		Inputs:      inputs,
		Status:      StatusRunning,
		StepResults: make(map[string]StepResult),
		StartedAt:   time.Now().UTC(),
	}
	if err := e.store.Save(state); err != nil {
		return nil, err
	}
	return e.execute(ctx, state, parent)
}

// Resume reloads the latest checkpoint and re-runs only the steps that
// failed; completed and skipped steps keep their recorded results.
func (e *Engine) Resume(ctx context.Context, workflowID string, parent *tools.ExecutionContext) (*State, error) {
	state, err := e.store.Load(workflowID)
	if err != nil {
		return nil, err
	}
	if _, err := Validate(state.Definition, e.types); err != nil {
		return nil, err
	}
	for _, id := range append([]string{}, state.Failed...) {
		state.clearFailure(id)
	}
	state.Status = StatusRunning
	state.Error = ""
	if err := e.store.Save(state); err != nil {
		return nil, err
	}
	return e.execute(ctx, state, parent)
}

func (e *Engine) execute(ctx context.Context, state *State, parent *tools.ExecutionContext) (*State, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.wallTimeout)
	defer cancel()

	if err := e.firePreHook(runCtx, state); err != nil {
		state.Status = StatusFailed
		state.Error = err.Error()
		e.checkpoint(state)
		return state, nil
	}
	e.logger.Info("workflow started",
		"workflow", state.WorkflowID, "name", state.Definition.Name, "steps", len(state.Definition.Steps))

	order, _ := Validate(state.Definition, e.types)
	done := make(chan StepResult)
	running := make(map[string]bool)
	aborted := false
	timedOut := false

	record := func(res StepResult) {
		delete(running, res.StepID)
		state.markResult(res)
		e.checkpoint(state)
		e.publishStepEnd(state, res)
		e.fireHook(context.Background(), hooks.EventWorkflowStep, state, res.StepID)
		if !res.Success && !res.Skipped && !state.Definition.ContinueOnError {
			aborted = true
		}
	}

	for {
		if !aborted && !timedOut {
			e.schedule(runCtx, state, parent, order, running, done)
		}
		if len(running) == 0 {
			// Nothing is running and the scheduler launched nothing, so
			// no step can become ready.
			break
		}
		select {
		case res := <-done:
			record(res)
		case <-runCtx.Done():
			timedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
			aborted = true
			// Step contexts derive from runCtx; drain their results.
			for len(running) > 0 {
				record(<-done)
			}
		}
	}

	// The deadline can trip while a step result is in flight; settle the
	// cause here rather than racing the select.
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		timedOut = true
	}
	e.finish(ctx, state, timedOut)
	e.fireHook(context.Background(), hooks.EventWorkflowPost, state, "")
	if state.Status == StatusFailed || state.Status == StatusCancelled {
		e.fireHook(context.Background(), hooks.EventWorkflowFailed, state, "")
	}
	return state, nil
}

// schedule launches every ready step the fan-out and parallel_with
// constraints admit, and marks condition-false steps skipped. Skipping
// can ready further steps, so it loops until a fixpoint.
func (e *Engine) schedule(ctx context.Context, state *State, parent *tools.ExecutionContext, order []string, running map[string]bool, done chan<- StepResult) {
	for changed := true; changed; {
		changed = false
		for _, id := range order {
			if state.terminal(id) || running[id] {
				continue
			}
			step, _ := state.Definition.Step(id)
			if !e.depsTerminated(state, step) {
				continue
			}
			if step.Condition != "" {
				pass := e.evalCondition(state, step)
				if !pass {
					now := time.Now().UTC()
					state.markResult(StepResult{
						StepID: id, Skipped: true, Success: false,
						StartedAt: now, EndedAt: now,
					})
					e.checkpoint(state)
					e.publishStepEnd(state, state.StepResults[id])
					changed = true
					continue
				}
			}
			if len(running) >= e.maxParallel || !e.compatible(step, state, running) {
				continue
			}
			running[id] = true
			e.bus.Publish(models.Event{
				Type:       models.EventStepStart,
				WorkflowID: state.WorkflowID,
				StepID:     id,
			})
			go func(step Step) {
				done <- e.runStep(ctx, state, parent, step)
			}(*step)
		}
	}
}

// depsTerminated reports whether every dependency reached a terminal
// result. Failed and skipped dependencies count as terminated.
func (e *Engine) depsTerminated(state *State, step *Step) bool {
	for _, dep := range step.DependsOn {
		if !state.terminal(dep) {
			return false
		}
	}
	return true
}

// compatible enforces parallel_with: a step that declares the clause
// only co-runs with the steps it names; steps without the clause co-run
// freely.
func (e *Engine) compatible(step *Step, state *State, running map[string]bool) bool {
	for other := range running {
		if !coRunAllowed(step, state.Definition, other) {
			return false
		}
		otherStep, _ := state.Definition.Step(other)
		if !coRunAllowed(otherStep, state.Definition, step.ID) {
			return false
		}
	}
	return true
}

func coRunAllowed(step *Step, def *Definition, otherID string) bool {
	if len(step.ParallelWith) == 0 {
		return true
	}
	for _, peer := range step.ParallelWith {
		if peer == otherID {
			return true
		}
	}
	return false
}

// evalCondition evaluates a step's gate over recorded results. Missing
// fields warn and skip; parse errors cannot happen after validation.
func (e *Engine) evalCondition(state *State, step *Step) bool {
	cond, err := ParseCondition(step.Condition)
	if err != nil {
		e.logger.Error("condition failed to parse post-validation", "step", step.ID, "error", err)
		return false
	}
	pass, sawUndefined := cond.Eval(state.conditionEnv())
	if sawUndefined {
		e.bus.Publish(models.Event{
			Type:       models.EventWarning,
			WorkflowID: state.WorkflowID,
			StepID:     step.ID,
			Warning:    fmt.Sprintf("condition %q references missing fields", step.Condition),
		})
	}
	return pass
}

// runStep executes one step through the sub-agent manager, retrying up
// to max_retries times with backoff.
func (e *Engine) runStep(ctx context.Context, state *State, parent *tools.ExecutionContext, step Step) StepResult {
	task := renderTask(step.Task, mergeInputs(state.Inputs, step.Inputs))
	started := time.Now().UTC()
	res := StepResult{StepID: step.ID, StartedAt: started}

	attempts := step.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		res.Attempts = attempt
		stepCtx := ctx
		var cancel context.CancelFunc
		if step.TimeoutSec > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSec)*time.Second)
		}
		outcome, err := e.runner.RunStep(stepCtx, parent, step.Agent, task)
		if cancel != nil {
			cancel()
		}
		res.AgentRunID = outcome.AgentRunID
		res.SessionID = outcome.SessionID
		if err == nil {
			res.Success = true
			res.Output = outcome.Output
			break
		}
		res.Error = err.Error()
		res.ErrorKind = models.ErrorKindOf(err)
		e.logger.Warn("workflow step failed",
			"workflow", state.WorkflowID, "step", step.ID, "attempt", attempt, "error", err)
		if ctx.Err() != nil || attempt == attempts {
			break
		}
		if err := backoff.Sleep(ctx, e.retryPolicy.Delay(attempt)); err != nil {
			break
		}
	}

	res.EndedAt = time.Now().UTC()
	res.DurationSec = res.EndedAt.Sub(started).Seconds()
	return res
}

// finish settles the terminal status and writes the last checkpoint.
func (e *Engine) finish(ctx context.Context, state *State, timedOut bool) {
	switch {
	case timedOut:
		state.Status = StatusFailed
		state.Error = models.NewCoreError(models.KindWorkflowTimeout,
			"workflow exceeded wall timeout %s", e.wallTimeout).Error()
	case ctx.Err() != nil:
		state.Status = StatusCancelled
		state.Error = models.KindCancelled
	case len(state.Failed) > 0 && state.Definition.ContinueOnError:
		state.Status = StatusPartial
	case len(state.Failed) > 0:
		state.Status = StatusFailed
	default:
		state.Status = StatusCompleted
	}
	e.checkpoint(state)
	e.bus.Publish(models.Event{
		Type:       models.EventWorkflowProgress,
		WorkflowID: state.WorkflowID,
		Meta: map[string]any{
			"status":    string(state.Status),
			"completed": len(state.Completed),
			"failed":    len(state.Failed),
			"skipped":   len(state.Skipped),
			"total":     len(state.Definition.Steps),
		},
	})
	e.logger.Info("workflow finished",
		"workflow", state.WorkflowID, "status", state.Status,
		"completed", len(state.Completed), "failed", len(state.Failed), "skipped", len(state.Skipped))
}

func (e *Engine) checkpoint(state *State) {
	if err := e.store.Save(state); err != nil {
		e.logger.Error("checkpoint failed", "workflow", state.WorkflowID, "error", err)
	}
}

func (e *Engine) publishStepEnd(state *State, res StepResult) {
	e.bus.Publish(models.Event{
		Type:       models.EventStepEnd,
		WorkflowID: state.WorkflowID,
		StepID:     res.StepID,
		Meta: map[string]any{
			"success": res.Success,
			"skipped": res.Skipped,
			"error":   res.Error,
		},
	})
	e.bus.Publish(models.Event{
		Type:       models.EventWorkflowProgress,
		WorkflowID: state.WorkflowID,
		Meta: map[string]any{
			"completed": len(state.Completed),
			"failed":    len(state.Failed),
			"skipped":   len(state.Skipped),
			"total":     len(state.Definition.Steps),
		},
	})
}

// firePreHook fires workflow:pre; a blocking hook aborts the run
// before any step launches.
func (e *Engine) firePreHook(ctx context.Context, state *State) error {
	if e.hooks == nil {
		return nil
	}
	_, err := e.hooks.Fire(ctx, hooks.Payload{
		Event: hooks.EventWorkflowPre,
		Data: map[string]any{
			"workflow_id": state.WorkflowID,
			"name":        state.Definition.Name,
		},
	})
	if hooks.IsBlocked(err) {
		return fmt.Errorf("workflow blocked by hook: %w", err)
	}
	if err != nil {
		e.logger.Warn("hook dispatch failed", "event", hooks.EventWorkflowPre, "error", err)
	}
	return nil
}

func (e *Engine) fireHook(ctx context.Context, event string, state *State, stepID string) {
	if e.hooks == nil {
		return
	}
	if _, err := e.hooks.Fire(ctx, hooks.Payload{
		Event: event,
		Data: map[string]any{
			"workflow_id": state.WorkflowID,
			"name":        state.Definition.Name,
			"status":      string(state.Status),
			"step_id":     stepID,
		},
	}); err != nil {
		e.logger.Warn("hook dispatch failed", "event", event, "error", err)
	}
}
