package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/forgelabs/forge/internal/backoff"
)

// DefaultTimeout bounds a hook invocation when the hook sets none.
const DefaultTimeout = 10 * time.Second

// killGrace is how long a timed-out hook gets between SIGTERM and
// SIGKILL.
const killGrace = 2 * time.Second

// maxCapture bounds captured stdout/stderr per invocation.
const maxCapture = 1 << 20 // 1 MiB

// envDenylist names variables that are stripped from hook
// environments; overriding them from hook config is refused with a
// warning.
var envDenylist = []string{
	"LD_PRELOAD",
	"LD_LIBRARY_PATH",
	"LD_AUDIT",
	"PYTHONPATH",
	"PERL5LIB",
	"RUBYLIB",
	"NODE_OPTIONS",
	"IFS",
}

func envDenied(name string) bool {
	upper := strings.ToUpper(name)
	if strings.HasPrefix(upper, "DYLD_") {
		return true
	}
	for _, denied := range envDenylist {
		if upper == denied {
			return true
		}
	}
	return false
}

// Dispatcher selects and runs hooks for lifecycle events.
type Dispatcher struct {
	mu     sync.RWMutex
	hooks  []*registration
	logger *slog.Logger
	dryRun bool
	policy backoff.Policy

	// runCommand is swapped in tests.
	runCommand func(ctx context.Context, hook *Hook, payload []byte) Result
}

type registration struct {
	hook Hook
	// One invocation at a time per registration.
	running sync.Mutex
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger.With("component", "hooks")
		}
	}
}

// WithDryRun computes the commands that would run and returns them
// without executing.
func WithDryRun(on bool) DispatcherOption {
	return func(d *Dispatcher) { d.dryRun = on }
}

// NewDispatcher creates a dispatcher over the given hook definitions.
func NewDispatcher(hooks []Hook, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		logger: slog.Default().With("component", "hooks"),
		policy: backoff.HookPolicy(),
	}
	for _, h := range hooks {
		reg := &registration{hook: h}
		d.hooks = append(d.hooks, reg)
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.runCommand == nil {
		d.runCommand = runShellCommand
	}
	return d
}

// matching returns registrations whose event and match pattern apply.
func (d *Dispatcher) matching(event, toolName string) []*registration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*registration
	for _, reg := range d.hooks {
		if reg.hook.Event != event {
			continue
		}
		if reg.hook.Match != "" && toolName != "" {
			if ok, _ := path.Match(reg.hook.Match, toolName); !ok {
				continue
			}
		}
		out = append(out, reg)
	}
	return out
}

// Fire dispatches an event to all matching hooks and collects results.
// On a pre-event, a blocking hook's non-zero exit aborts with
// *BlockedError; post-event failures are logged and swallowed.
func (d *Dispatcher) Fire(ctx context.Context, payload Payload) ([]Result, error) {
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}
	regs := d.matching(payload.Event, payload.ToolName)
	if len(regs) == 0 {
		return nil, nil
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(regs))
	for _, reg := range regs {
		if d.dryRun {
			results = append(results, Result{
				Hook:    reg.hook.Name,
				Command: reg.hook.Command,
				Planned: true,
			})
			continue
		}

		res := d.runWithRetry(ctx, reg, encoded)
		results = append(results, res)

		if res.Err != nil || res.ExitCode != 0 {
			d.logger.Warn("hook failed",
				"hook", reg.hook.Name,
				"event", payload.Event,
				"exit", res.ExitCode,
				"timed_out", res.TimedOut,
				"error", res.Err)
		}

		if reg.hook.Blocking && isPreEvent(payload.Event) && (res.ExitCode != 0 || res.Err != nil) {
			return results, &BlockedError{
				Hook:     reg.hook.Name,
				Event:    payload.Event,
				ExitCode: res.ExitCode,
				Stderr:   res.Stderr,
			}
		}
	}
	return results, nil
}

// runWithRetry invokes one hook, retrying transient failures (spawn
// error, timeout, exit code in the hook's retry set) with backoff.
func (d *Dispatcher) runWithRetry(ctx context.Context, reg *registration, payload []byte) Result {
	reg.running.Lock()
	defer reg.running.Unlock()

	hook := &reg.hook
	attempts := hook.MaxRetries + 1
	var last Result
	for attempt := 1; attempt <= attempts; attempt++ {
		last = d.runCommand(ctx, hook, payload)
		last.Attempts = attempt
		if !d.transient(hook, last) || attempt == attempts {
			return last
		}
		if err := backoff.Sleep(ctx, d.policy.Delay(attempt)); err != nil {
			return last
		}
	}
	return last
}

func (d *Dispatcher) transient(hook *Hook, res Result) bool {
	if res.Err != nil && res.ExitCode == 0 {
		return true // spawn failure
	}
	if res.TimedOut {
		return true
	}
	for _, code := range hook.RetryExitCodes {
		if res.ExitCode == code {
			return true
		}
	}
	return false
}

// buildEnv assembles the hook environment: the process environment and
// the hook's whitelist, both filtered through the denylist.
func buildEnv(hook *Hook, logger *slog.Logger) []string {
	var env []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if envDenied(name) {
			continue
		}
		env = append(env, kv)
	}
	for name, value := range hook.Env {
		if envDenied(name) {
			logger.Warn("hook env override refused", "hook", hook.Name, "var", name)
			continue
		}
		env = append(env, name+"="+value)
	}
	return env
}

// runShellCommand executes one hook command, feeding the payload on
// stdin. Timeout is enforced here, not by the hook: SIGTERM first,
// SIGKILL after a short grace.
func runShellCommand(ctx context.Context, hook *Hook, payload []byte) Result {
	timeout := DefaultTimeout
	if hook.TimeoutMs > 0 {
		timeout = time.Duration(hook.TimeoutMs) * time.Millisecond
	}

	cmd := exec.Command("/bin/sh", "-c", hook.Command)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Dir = hook.WorkingDir
	cmd.Env = buildEnv(hook, slog.Default())
	// Own process group so SIGTERM/SIGKILL reach children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr boundedBuffer
	stdout.max = maxCapture
	stderr.max = maxCapture
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{Hook: hook.Name, Command: hook.Command, Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		terminate(cmd)
		waitErr = <-done
	case <-ctx.Done():
		timedOut = true
		terminate(cmd)
		waitErr = <-done
	}

	res := Result{
		Hook:     hook.Name,
		Command:  hook.Command,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		TimedOut: timedOut,
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
	} else if waitErr != nil {
		res.Err = waitErr
		res.ExitCode = -1
	}
	if timedOut && res.Err == nil {
		res.Err = context.DeadlineExceeded
	}
	return res
}

// terminate sends SIGTERM to the hook's process group, escalating to
// SIGKILL after the grace period. Killing an already-exited group is a
// harmless ESRCH.
func terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	go func() {
		time.Sleep(killGrace)
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	}()
}

// boundedBuffer discards writes beyond max.
type boundedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remain := b.max - b.buf.Len()
	if remain <= 0 {
		return len(p), nil
	}
	if len(p) > remain {
		b.buf.Write(p[:remain])
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) String() string { return b.buf.String() }
