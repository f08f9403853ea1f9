// Package truncate fits a message list under a token budget.
//
// Each strategy is pure over the in-memory message list; on-disk
// history is append-only and never rewritten. All strategies preserve
// the tool-call pairing invariant: a tool-role message never survives
// without the assistant message that requested it, and an assistant
// message with tool calls never survives without its results.
package truncate

import (
	"context"
	"fmt"

	"github.com/forgelabs/forge/pkg/models"
)

// CountFunc returns the token count of one message.
type CountFunc func(models.Message) int

// Result is the outcome of one fit attempt.
type Result struct {
	Messages  []models.Message
	Truncated bool
	Dropped   int
}

// Strategy reduces a message list to fit under a token budget.
type Strategy interface {
	Name() string
	Apply(ctx context.Context, messages []models.Message, budget int, count CountFunc) (Result, error)
}

// total sums per-message counts once; strategies subtract incrementally
// rather than recounting the remainder on every drop.
func total(messages []models.Message, count CountFunc) (int, []int) {
	counts := make([]int, len(messages))
	sum := 0
	for i, m := range messages {
		counts[i] = count(m)
		sum += counts[i]
	}
	return sum, counts
}

// enforcePairing drops any message whose tool-call counterpart is gone.
// It cascades: dropping a tool result drops its assistant, which drops
// the assistant's other results, until a fixpoint is reached.
func enforcePairing(messages []models.Message) ([]models.Message, int) {
	dropped := 0
	for {
		// Tool results present per assistant call id.
		answered := make(map[string]bool)
		callOwner := make(map[string]int) // call id -> assistant index
		for i, m := range messages {
			switch m.Role {
			case models.RoleAssistant:
				for _, tc := range m.ToolCalls {
					callOwner[tc.ID] = i
				}
			case models.RoleTool:
				answered[m.ToolCallID] = true
			}
		}

		drop := make(map[int]bool)
		for i, m := range messages {
			switch m.Role {
			case models.RoleTool:
				if _, ok := callOwner[m.ToolCallID]; !ok {
					drop[i] = true
				}
			case models.RoleAssistant:
				for _, tc := range m.ToolCalls {
					if !answered[tc.ID] {
						drop[i] = true
						break
					}
				}
			}
		}
		if len(drop) == 0 {
			return messages, dropped
		}

		kept := messages[:0:0]
		for i, m := range messages {
			if drop[i] {
				dropped++
				continue
			}
			kept = append(kept, m)
		}
		messages = kept
	}
}

// Fit applies a strategy and verifies it did not break pairing.
func Fit(ctx context.Context, messages []models.Message, budget int, strategy Strategy, count CountFunc) (Result, error) {
	res, err := strategy.Apply(ctx, messages, budget, count)
	if err != nil {
		return Result{Messages: messages}, fmt.Errorf("strategy %s: %w", strategy.Name(), err)
	}
	repaired, extra := enforcePairing(res.Messages)
	res.Messages = repaired
	res.Dropped += extra
	if extra > 0 {
		res.Truncated = true
	}
	return res, nil
}
