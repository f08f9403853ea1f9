package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/forgelabs/forge/pkg/models"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe()
	b := bus.Subscribe()
	defer a.Close()
	defer b.Close()

	bus.Publish(models.Event{Type: models.EventWarning, Warning: "w"})

	for name, sub := range map[string]*Subscription{"a": a, "b": b} {
		select {
		case ev := <-sub.C:
			if ev.Type != models.EventWarning {
				t.Errorf("%s: got type %q", name, ev.Type)
			}
			if ev.Sequence == 0 {
				t.Errorf("%s: sequence not stamped", name)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: no event delivered", name)
		}
	}
}

func TestSlowConsumerDropsOldestWithSummary(t *testing.T) {
	bus := NewBus(WithBufferSize(4))
	sub := bus.Subscribe()
	defer sub.Close()

	// Overflow the buffer without consuming.
	for i := 0; i < 10; i++ {
		bus.Publish(models.Event{Type: models.EventLLMChunk, Text: fmt.Sprintf("c%d", i)})
	}
	// Publish one more; delivery path prepends the dropped summary once
	// the subscriber has room again.
	drainOne(t, sub)
	bus.Publish(models.Event{Type: models.EventFinalMessage})

	var sawSummary bool
	var dropped int
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub.C:
			if ev.Type == models.EventDropped {
				sawSummary = true
				dropped = ev.Dropped
			}
			if ev.Type == models.EventFinalMessage {
				if !sawSummary {
					t.Fatal("expected a dropped-events summary before resuming delivery")
				}
				if dropped <= 0 {
					t.Fatalf("summary reported %d dropped events", dropped)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for final event")
		}
	}
}

func drainOne(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case <-sub.C:
	case <-time.After(time.Second):
		t.Fatal("expected a buffered event")
	}
}

func TestPublishNeverBlocksWithoutSubscribers(t *testing.T) {
	bus := NewBus()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(models.Event{Type: models.EventWarning})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}

func TestRequestPermissionReply(t *testing.T) {
	bus := NewBus(WithPromptTimeout(time.Second))
	sub := bus.Subscribe()
	defer sub.Close()

	go func() {
		ev := <-sub.C
		if ev.Prompt == nil {
			t.Error("expected prompt payload")
			return
		}
		ev.Prompt.Reply <- true
	}()

	if !bus.RequestPermission(context.Background(), "a1", "bash", nil, "ask") {
		t.Fatal("expected permission to be granted")
	}
}

func TestRequestPermissionTimeoutDenies(t *testing.T) {
	bus := NewBus(WithPromptTimeout(20 * time.Millisecond))
	sub := bus.Subscribe() // never replies
	defer sub.Close()

	start := time.Now()
	if bus.RequestPermission(context.Background(), "a1", "bash", nil, "ask") {
		t.Fatal("expected timeout to deny")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("returned before the prompt timeout")
	}
}

func TestRequestPermissionCancelDenies(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if bus.RequestPermission(ctx, "a1", "bash", nil, "ask") {
		t.Fatal("expected cancelled context to deny")
	}
}
