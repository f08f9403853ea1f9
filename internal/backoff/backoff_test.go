package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayWithRandBounds(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2}

	tests := []struct {
		attempt int
		random  float64
		want    time.Duration
	}{
		{1, 0.0, 50 * time.Millisecond},   // 100ms * 0.5
		{1, 0.5, 100 * time.Millisecond},  // 100ms * 1.0
		{2, 0.0, 100 * time.Millisecond},  // 200ms * 0.5
		{3, 0.5, 400 * time.Millisecond},  // 400ms * 1.0
		{20, 0.99, 10 * time.Second},      // clamped to Max
	}
	for _, tt := range tests {
		if got := p.DelayWithRand(tt.attempt, tt.random); got != tt.want {
			t.Errorf("DelayWithRand(%d, %.2f) = %v, want %v", tt.attempt, tt.random, got, tt.want)
		}
	}
}

func TestDelayJitterRange(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Minute, Factor: 2}
	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		if d < 50*time.Millisecond || d >= 150*time.Millisecond {
			t.Fatalf("jittered delay %v outside [50ms, 150ms)", d)
		}
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), Policy{Initial: time.Millisecond, Factor: 1}, 5, nil, func(attempt int) error {
		attempts++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	attempts := 0
	err := Retry(context.Background(), Policy{Initial: time.Millisecond}, 5,
		func(err error) bool { return !errors.Is(err, permanent) },
		func(int) error {
			attempts++
			return permanent
		})
	if !errors.Is(err, permanent) {
		t.Fatalf("error = %v, want %v", err, permanent)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestRetryExhaustion(t *testing.T) {
	err := Retry(context.Background(), Policy{Initial: time.Millisecond, Factor: 1}, 3, nil, func(int) error {
		return errors.New("still failing")
	})
	if !errors.Is(err, ErrMaxAttemptsExhausted) {
		t.Fatalf("error = %v, want ErrMaxAttemptsExhausted", err)
	}
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, DefaultPolicy(), 3, nil, func(int) error { return errors.New("x") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestSleepCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	if err := Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep error = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Sleep did not return promptly on cancel")
	}
}
