// Package backoff provides exponential backoff with jitter, shared by
// the agent runtime's LLM retry path and the hook dispatcher.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts failed.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Policy defines exponential backoff parameters. Each delay is the
// exponential base multiplied by a uniform jitter in [0.5, 1.5).
type Policy struct {
	// Initial is the base delay for the first retry.
	Initial time.Duration
	// Max caps the delay regardless of attempt number.
	Max time.Duration
	// Factor is the exponential growth factor per attempt.
	Factor float64
}

// DefaultPolicy returns the policy used for transient LLM errors.
// Initial: 500ms, Max: 30s, Factor: 2.
func DefaultPolicy() Policy {
	return Policy{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2}
}

// HookPolicy returns the quicker policy used for hook retries.
// Initial: 200ms, Max: 5s, Factor: 2.
func HookPolicy() Policy {
	return Policy{Initial: 200 * time.Millisecond, Max: 5 * time.Second, Factor: 2}
}

// Delay computes the jittered delay for an attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

// DelayWithRand computes the delay using a provided random value in
// [0, 1), for deterministic tests. The jitter multiplier is
// 0.5 + randomValue, i.e. uniform over [0.5, 1.5).
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}
	base := float64(p.Initial) * math.Pow(factor, float64(attempt-1))
	jittered := base * (0.5 + randomValue)
	if max := float64(p.Max); p.Max > 0 && jittered > max {
		jittered = max
	}
	return time.Duration(jittered)
}

// Sleep waits for the given duration or until the context is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs fn up to maxAttempts times, sleeping the policy delay
// between attempts. Only errors for which retryable returns true are
// retried; a nil retryable retries everything. Context cancellation is
// honoured between attempts and during sleeps.
func Retry(ctx context.Context, policy Policy, maxAttempts int, retryable func(error) bool, fn func(attempt int) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt < maxAttempts {
			if err := Sleep(ctx, policy.Delay(attempt)); err != nil {
				return err
			}
		}
	}
	return errors.Join(ErrMaxAttemptsExhausted, lastErr)
}
