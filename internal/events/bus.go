// Package events provides the typed event stream the core produces and
// subscribers (the terminal UI, a WebSocket exporter, tests) consume.
//
// Delivery is single-producer-per-agent, multi-consumer, and
// non-blocking: each subscriber owns a bounded buffer; when the buffer
// is full the oldest event is evicted and a "dropped N events" summary
// is emitted once the subscriber catches up.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/forgelabs/forge/pkg/models"
)

// DefaultBufferSize is the per-subscriber event buffer size.
const DefaultBufferSize = 1024

// DefaultPromptTimeout is how long a permission prompt waits for a
// consumer reply before resolving to deny.
const DefaultPromptTimeout = 2 * time.Minute

// Bus fans events out to subscribers.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string]*subscriber
	bufferSize int
	seq        atomic.Uint64
	logger     *slog.Logger

	promptTimeout time.Duration
}

type subscriber struct {
	id      string
	ch      chan models.Event
	dropped atomic.Int64
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize overrides the per-subscriber buffer size.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithPromptTimeout overrides the permission prompt timeout.
func WithPromptTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.promptTimeout = d
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger.With("component", "events")
		}
	}
}

// NewBus creates an event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:          make(map[string]*subscriber),
		bufferSize:    DefaultBufferSize,
		logger:        slog.Default().With("component", "events"),
		promptTimeout: DefaultPromptTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is a live event feed. Close it when done.
type Subscription struct {
	C   <-chan models.Event
	id  string
	bus *Bus
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sub, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		close(sub.ch)
	}
}

// Subscribe registers a new consumer.
func (b *Bus) Subscribe() *Subscription {
	sub := &subscriber{
		id: uuid.New().String(),
		ch: make(chan models.Event, b.bufferSize),
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return &Subscription{C: sub.ch, id: sub.id, bus: b}
}

// Publish stamps the event with time and sequence and delivers it to
// every subscriber without ever blocking the producer.
func (b *Bus) Publish(event models.Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	event.Sequence = b.seq.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub *subscriber, event models.Event) {
	// If the subscriber has been lagging, prepend a summary of what it
	// missed before resuming delivery.
	if n := sub.dropped.Swap(0); n > 0 {
		summary := models.Event{
			Type:     models.EventDropped,
			Time:     time.Now(),
			Sequence: b.seq.Add(1),
			Dropped:  int(n),
		}
		if !trySendEvicting(sub.ch, summary) {
			sub.dropped.Add(n + 1)
			return
		}
	}
	if !trySendEvicting(sub.ch, event) {
		sub.dropped.Add(1)
	}
}

// trySendEvicting attempts a non-blocking send, evicting the oldest
// buffered event once to make room. Returns false if the channel is
// still contended after eviction.
func trySendEvicting(ch chan models.Event, event models.Event) bool {
	select {
	case ch <- event:
		return true
	default:
	}
	select {
	case <-ch: // evict oldest
	default:
	}
	select {
	case ch <- event:
		return true
	default:
		return false
	}
}

// Warn publishes a Warning event.
func (b *Bus) Warn(agentID, text string) {
	b.Publish(models.Event{Type: models.EventWarning, AgentID: agentID, Warning: text})
}

// Errorf publishes an Error event carrying a stable kind.
func (b *Bus) Error(agentID, kind, message string) {
	b.Publish(models.Event{
		Type:    models.EventError,
		AgentID: agentID,
		Error:   &models.ErrorPayload{Kind: kind, Message: message},
	})
}

// RequestPermission publishes a PermissionPrompt event and parks until
// a consumer replies, the prompt times out, or ctx is cancelled.
// Timeout and cancellation both resolve to deny.
func (b *Bus) RequestPermission(ctx context.Context, agentID, toolName string, args []byte, reason string) bool {
	reply := make(chan bool, 1)
	b.Publish(models.Event{
		Type:     models.EventPermissionPrompt,
		AgentID:  agentID,
		ToolName: toolName,
		Prompt: &models.PermissionPromptPayload{
			PromptID: uuid.New().String(),
			ToolName: toolName,
			Args:     args,
			Reason:   reason,
			Reply:    reply,
		},
	})

	timer := time.NewTimer(b.promptTimeout)
	defer timer.Stop()
	select {
	case granted := <-reply:
		return granted
	case <-timer.C:
		b.logger.Warn("permission prompt timed out", "tool", toolName)
		return false
	case <-ctx.Done():
		return false
	}
}
