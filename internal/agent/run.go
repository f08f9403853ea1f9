package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgelabs/forge/pkg/models"
)

// RunState is the lifecycle state of an agent run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// terminal reports whether the state admits no further transitions.
func (s RunState) terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// AgentRun tracks one run of the agent loop. Callers observe it via
// State/Result/Err and wait on Done.
type AgentRun struct {
	ID        string
	AgentID   string
	SessionID string
	StartedAt time.Time

	mu       sync.Mutex
	state    RunState
	result   string
	errKind  string
	err      error
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
}

func newRun(agentID, sessionID string, cancel context.CancelFunc) *AgentRun {
	return &AgentRun{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		SessionID: sessionID,
		StartedAt: time.Now(),
		state:     RunPending,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (r *AgentRun) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Result returns the final assistant text once the run completed.
func (r *AgentRun) Result() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Err returns the failure (nil unless the run failed or cancelled).
func (r *AgentRun) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// ErrKind returns the stable error kind of the failure, or "".
func (r *AgentRun) ErrKind() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errKind
}

// Done is closed when the run reaches a terminal state.
func (r *AgentRun) Done() <-chan struct{} { return r.done }

// Wait blocks until the run terminates or ctx is cancelled.
func (r *AgentRun) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests cancellation. Returns false if the run is already
// terminal; cancelling a terminal run is a no-op.
func (r *AgentRun) Cancel() bool {
	r.mu.Lock()
	if r.state.terminal() {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()
	r.cancel()
	return true
}

func (r *AgentRun) setRunning() {
	r.mu.Lock()
	if r.state == RunPending {
		r.state = RunRunning
	}
	r.mu.Unlock()
}

func (r *AgentRun) complete(result string) {
	r.mu.Lock()
	if !r.state.terminal() {
		r.state = RunCompleted
		r.result = result
	}
	r.mu.Unlock()
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *AgentRun) fail(kind string, err error) {
	r.mu.Lock()
	if !r.state.terminal() {
		r.state = RunFailed
		r.errKind = kind
		r.err = err
	}
	r.mu.Unlock()
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *AgentRun) cancelled(err error) {
	r.mu.Lock()
	if !r.state.terminal() {
		r.state = RunCancelled
		r.errKind = models.KindCancelled
		r.err = err
	}
	r.mu.Unlock()
	r.doneOnce.Do(func() { close(r.done) })
}
