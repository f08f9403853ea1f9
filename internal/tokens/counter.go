// Package tokens counts prompt tokens per model and computes context
// budgets. Exact counts come from tiktoken encodings when the model is
// known; unknown models fall back to an approximation that over-counts,
// because under-counting risks context overflow at the provider.
package tokens

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/forgelabs/forge/pkg/models"
)

// DefaultCacheSize bounds the per-content count cache.
const DefaultCacheSize = 1000

// Message framing overhead in tokens, per the OpenAI counting format.
const (
	tokensPerMessage = 3
	tokensReplyPrime = 3
)

// Counter counts tokens per model. Safe for concurrent use.
type Counter struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
	cache     *countCache
	warned    map[string]bool

	// OnUnknownModel, if set, is called once per model that has no
	// exact encoding and fell back to approximate counting.
	onUnknownModel func(modelID string)
}

// Option configures a Counter.
type Option func(*Counter)

// WithCacheSize bounds the count cache.
func WithCacheSize(n int) Option {
	return func(c *Counter) {
		if n > 0 {
			c.cache = newCountCache(n)
		}
	}
}

// WithUnknownModelWarning registers a callback fired once per model
// that falls back to approximate counting.
func WithUnknownModelWarning(fn func(modelID string)) Option {
	return func(c *Counter) { c.onUnknownModel = fn }
}

// NewCounter creates a token counter.
func NewCounter(opts ...Option) *Counter {
	c := &Counter{
		encodings: make(map[string]*tiktoken.Tiktoken),
		cache:     newCountCache(DefaultCacheSize),
		warned:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// encodingFor returns the tiktoken encoding for a model, or nil when
// no exact encoding is available. Never fails.
func (c *Counter) encodingFor(modelID string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encodings[modelID]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(modelID)
	if err != nil {
		if !c.warned[modelID] {
			c.warned[modelID] = true
			if c.onUnknownModel != nil {
				c.onUnknownModel(modelID)
			}
		}
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	c.encodings[modelID] = enc
	return enc
}

// CountText returns the token count of a single text under a model.
func (c *Counter) CountText(modelID, text string) int {
	if text == "" {
		return 0
	}
	key := cacheKey(modelID, text)
	if n, ok := c.cache.get(key); ok {
		return n
	}

	var n int
	if enc := c.encodingFor(modelID); enc != nil {
		n = len(enc.Encode(text, nil, nil))
	} else {
		n = approxCount(text)
	}
	c.cache.put(key, n)
	return n
}

// CountMessage returns the token count of one message including role
// framing, structured parts, and tool-call payloads.
func (c *Counter) CountMessage(modelID string, msg models.Message) int {
	n := tokensPerMessage
	n += c.CountText(modelID, string(msg.Role))
	n += c.CountText(modelID, msg.Content)
	for _, part := range msg.Parts {
		n += c.CountText(modelID, part.Text)
	}
	for _, tc := range msg.ToolCalls {
		n += c.CountText(modelID, tc.Name)
		n += c.CountText(modelID, string(tc.Arguments))
	}
	return n
}

// CountMessages returns the token count of a message list, including
// the assistant reply priming overhead.
func (c *Counter) CountMessages(modelID string, messages []models.Message) int {
	total := tokensReplyPrime
	for _, m := range messages {
		total += c.CountMessage(modelID, m)
	}
	return total
}

// approxCount over-counts on purpose: roughly one token per three
// characters where real text averages closer to four.
func approxCount(text string) int {
	return (len(text) + 2) / 3
}

func cacheKey(modelID, text string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(modelID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(text))
	return h.Sum64()
}

// BudgetSplit is the fractional allocation of a context window.
type BudgetSplit struct {
	System       float64 `yaml:"system"`
	Conversation float64 `yaml:"conversation"`
	Tools        float64 `yaml:"tools"`
	Response     float64 `yaml:"response"`
}

// DefaultSplit is the 10/60/10/20 allocation.
func DefaultSplit() BudgetSplit {
	return BudgetSplit{System: 0.10, Conversation: 0.60, Tools: 0.10, Response: 0.20}
}

// Budget is an absolute per-section token allocation.
type Budget struct {
	System       int
	Conversation int
	Tools        int
	Response     int
}

// Total returns the sum of all sections.
func (b Budget) Total() int { return b.System + b.Conversation + b.Tools + b.Response }

// Budgeter computes per-section budgets with optional per-model splits.
type Budgeter struct {
	mu        sync.RWMutex
	overrides map[string]BudgetSplit
}

// NewBudgeter creates a Budgeter with the given per-model overrides.
func NewBudgeter(overrides map[string]BudgetSplit) *Budgeter {
	b := &Budgeter{overrides: make(map[string]BudgetSplit)}
	for model, split := range overrides {
		if err := validateSplit(split); err == nil {
			b.overrides[model] = split
		}
	}
	return b
}

func validateSplit(s BudgetSplit) error {
	sum := s.System + s.Conversation + s.Tools + s.Response
	if sum <= 0 || sum > 1.0001 {
		return fmt.Errorf("budget split fractions sum to %.3f", sum)
	}
	return nil
}

// Budget splits a total context window into per-section allocations.
// Rounding remainders go to the conversation section.
func (b *Budgeter) Budget(modelID string, total int) Budget {
	if total < 0 {
		total = 0
	}
	b.mu.RLock()
	split, ok := b.overrides[modelID]
	b.mu.RUnlock()
	if !ok {
		split = DefaultSplit()
	}

	budget := Budget{
		System:   int(float64(total) * split.System),
		Tools:    int(float64(total) * split.Tools),
		Response: int(float64(total) * split.Response),
	}
	budget.Conversation = total - budget.System - budget.Tools - budget.Response
	if budget.Conversation < 0 {
		budget.Conversation = 0
	}
	return budget
}
