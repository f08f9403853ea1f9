package truncate

import (
	"context"
	"fmt"

	"github.com/forgelabs/forge/pkg/models"
)

// elidedKey marks synthetic placeholder messages in metadata so a
// second pass recognises and does not re-elide them.
const elidedKey = "forge_elided"

// SlidingWindow keeps the leading system messages plus the last N
// conversation messages.
type SlidingWindow struct {
	N int
}

func (s SlidingWindow) Name() string { return "sliding-window" }

func (s SlidingWindow) Apply(_ context.Context, messages []models.Message, _ int, _ CountFunc) (Result, error) {
	system, rest := splitSystem(messages)
	if s.N <= 0 || len(rest) <= s.N {
		return Result{Messages: messages}, nil
	}
	dropped := len(rest) - s.N
	kept := append(append([]models.Message{}, system...), rest[dropped:]...)
	return Result{Messages: kept, Truncated: true, Dropped: dropped}, nil
}

// TokenBudget drops the oldest non-system messages until the total
// count fits the budget.
type TokenBudget struct{}

func (TokenBudget) Name() string { return "token-budget" }

func (TokenBudget) Apply(_ context.Context, messages []models.Message, budget int, count CountFunc) (Result, error) {
	sum, counts := total(messages, count)
	if sum <= budget {
		return Result{Messages: messages}, nil
	}

	system, rest := splitSystem(messages)
	restCounts := counts[len(system):]

	drop := 0
	for drop < len(rest) && sum > budget {
		sum -= restCounts[drop]
		drop++
	}
	kept := append(append([]models.Message{}, system...), rest[drop:]...)
	return Result{Messages: kept, Truncated: drop > 0, Dropped: drop}, nil
}

// Smart keeps the first system message and the last KeepLast messages,
// replacing the contiguous middle band with a placeholder note.
type Smart struct {
	KeepLast int
}

func (s Smart) Name() string { return "smart" }

func (s Smart) Apply(_ context.Context, messages []models.Message, budget int, count CountFunc) (Result, error) {
	if sum, _ := total(messages, count); sum <= budget {
		return Result{Messages: messages}, nil
	}
	keep := s.KeepLast
	if keep <= 0 {
		keep = 10
	}

	system, rest := splitSystem(messages)
	if len(rest) <= keep {
		return Result{Messages: messages}, nil
	}
	dropped := len(rest) - keep

	placeholder := models.Message{
		Role:     models.RoleSystem,
		Content:  fmt.Sprintf("[... %d messages elided ...]", dropped),
		Metadata: map[string]any{elidedKey: dropped},
	}
	kept := append([]models.Message{}, system...)
	kept = append(kept, placeholder)
	kept = append(kept, rest[dropped:]...)
	return Result{Messages: kept, Truncated: true, Dropped: dropped}, nil
}

// Selective drops non-system messages matching a predicate.
type Selective struct {
	// DropIf returns true for messages to drop.
	DropIf func(models.Message) bool
}

func (Selective) Name() string { return "selective" }

func (s Selective) Apply(_ context.Context, messages []models.Message, budget int, count CountFunc) (Result, error) {
	if s.DropIf == nil {
		return Result{Messages: messages}, nil
	}
	if sum, _ := total(messages, count); sum <= budget {
		return Result{Messages: messages}, nil
	}

	kept := messages[:0:0]
	dropped := 0
	for _, m := range messages {
		if m.Role != models.RoleSystem && s.DropIf(m) {
			dropped++
			continue
		}
		kept = append(kept, m)
	}
	return Result{Messages: kept, Truncated: dropped > 0, Dropped: dropped}, nil
}

// Summarizer compresses a band of messages into one assistant note.
// The implementation issues a single direct chat call, never the agent
// loop, and charges consumed tokens to the calling run's usage.
type Summarizer interface {
	Summarize(ctx context.Context, messages []models.Message) (string, error)
}

// summaryKey marks summary notes in metadata.
const summaryKey = "forge_summary"

// Summarize asks the LLM to compress the dropped band into one
// assistant note placed after the system prompt and before the
// retained tail.
type Summarize struct {
	Summarizer Summarizer
	KeepLast   int
}

func (Summarize) Name() string { return "summarize" }

func (s Summarize) Apply(ctx context.Context, messages []models.Message, budget int, count CountFunc) (Result, error) {
	if sum, _ := total(messages, count); sum <= budget {
		return Result{Messages: messages}, nil
	}
	if s.Summarizer == nil {
		return Result{Messages: messages}, fmt.Errorf("no summarizer configured")
	}
	keep := s.KeepLast
	if keep <= 0 {
		keep = 10
	}

	system, rest := splitSystem(messages)
	if len(rest) <= keep {
		return Result{Messages: messages}, nil
	}
	band := rest[:len(rest)-keep]

	// The band must be pair-complete on its own, otherwise dropping it
	// would orphan results in the tail; widen to the full pairing.
	bandEnd := len(rest) - keep
	for bandEnd < len(rest) && rest[bandEnd].Role == models.RoleTool {
		bandEnd++
	}
	band = rest[:bandEnd]
	if len(band) == len(rest) {
		return Result{Messages: messages}, nil
	}

	summary, err := s.Summarizer.Summarize(ctx, band)
	if err != nil {
		return Result{Messages: messages}, fmt.Errorf("summarize band: %w", err)
	}

	note := models.Message{
		Role:     models.RoleAssistant,
		Content:  summary,
		Metadata: map[string]any{summaryKey: true, elidedKey: len(band)},
	}
	kept := append([]models.Message{}, system...)
	kept = append(kept, note)
	kept = append(kept, rest[bandEnd:]...)
	return Result{Messages: kept, Truncated: true, Dropped: len(band)}, nil
}

// Composite chains strategies in order until the budget is met.
type Composite struct {
	Strategies []Strategy
}

func (Composite) Name() string { return "composite" }

func (c Composite) Apply(ctx context.Context, messages []models.Message, budget int, count CountFunc) (Result, error) {
	current := messages
	truncated := false
	dropped := 0
	for _, strategy := range c.Strategies {
		if sum, _ := total(current, count); sum <= budget {
			break
		}
		res, err := Fit(ctx, current, budget, strategy, count)
		if err != nil {
			// A failing strategy falls through to the next one.
			continue
		}
		current = res.Messages
		truncated = truncated || res.Truncated
		dropped += res.Dropped
	}
	return Result{Messages: current, Truncated: truncated, Dropped: dropped}, nil
}

// splitSystem separates the leading run of system messages from the
// conversation body.
func splitSystem(messages []models.Message) (system, rest []models.Message) {
	i := 0
	for i < len(messages) && messages[i].Role == models.RoleSystem {
		i++
	}
	return messages[:i], messages[i:]
}
