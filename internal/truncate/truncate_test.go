package truncate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/forgelabs/forge/pkg/models"
)

// countWords is a cheap deterministic counter for tests.
func countWords(m models.Message) int {
	n := len(strings.Fields(m.Content)) + 1
	for _, tc := range m.ToolCalls {
		n += len(tc.Arguments)/4 + 1
	}
	return n
}

func msg(role models.Role, content string) models.Message {
	return models.Message{Role: role, Content: content}
}

func conversation(n int) []models.Message {
	msgs := []models.Message{msg(models.RoleSystem, "You are helpful")}
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			msgs = append(msgs, msg(models.RoleUser, "question about the codebase"))
		} else {
			msgs = append(msgs, msg(models.RoleAssistant, "an answer with several words in it"))
		}
	}
	return msgs
}

func TestSlidingWindowKeepsSystemAndTail(t *testing.T) {
	msgs := conversation(10)
	res, err := Fit(context.Background(), msgs, 0, SlidingWindow{N: 4}, countWords)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated || res.Dropped != 6 {
		t.Fatalf("truncated=%v dropped=%d, want true/6", res.Truncated, res.Dropped)
	}
	if res.Messages[0].Role != models.RoleSystem {
		t.Fatal("system prompt lost")
	}
	if len(res.Messages) != 5 {
		t.Fatalf("got %d messages, want 5", len(res.Messages))
	}
}

func TestSlidingWindowNoopWhenSmall(t *testing.T) {
	msgs := conversation(3)
	res, err := Fit(context.Background(), msgs, 0, SlidingWindow{N: 10}, countWords)
	if err != nil {
		t.Fatal(err)
	}
	if res.Truncated || res.Dropped != 0 || len(res.Messages) != len(msgs) {
		t.Fatalf("unexpected truncation of a small conversation: %+v", res)
	}
}

func TestTokenBudgetDropsOldestFirst(t *testing.T) {
	msgs := conversation(10)
	sum, _ := total(msgs, countWords)
	budget := sum / 2

	res, err := Fit(context.Background(), msgs, budget, TokenBudget{}, countWords)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated {
		t.Fatal("expected truncation")
	}
	got, _ := total(res.Messages, countWords)
	if got > budget {
		t.Fatalf("still over budget: %d > %d", got, budget)
	}
	if res.Messages[0].Role != models.RoleSystem {
		t.Fatal("system prompt must survive token-budget truncation")
	}
	// The newest message must survive.
	last := res.Messages[len(res.Messages)-1]
	if last.Content != msgs[len(msgs)-1].Content {
		t.Fatal("newest message was dropped")
	}
}

func TestTokenBudgetFixedPoint(t *testing.T) {
	msgs := conversation(12)
	budget := 20
	first, err := Fit(context.Background(), msgs, budget, TokenBudget{}, countWords)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Fit(context.Background(), first.Messages, budget, TokenBudget{}, countWords)
	if err != nil {
		t.Fatal(err)
	}
	if second.Truncated || len(second.Messages) != len(first.Messages) {
		t.Fatalf("second application changed the result: %d -> %d messages", len(first.Messages), len(second.Messages))
	}
}

func TestSmartInsertsPlaceholder(t *testing.T) {
	msgs := conversation(20)
	res, err := Fit(context.Background(), msgs, 10, Smart{KeepLast: 4}, countWords)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated {
		t.Fatal("expected truncation")
	}
	var found bool
	for _, m := range res.Messages {
		if strings.Contains(m.Content, "messages elided") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an elision placeholder")
	}
}

func TestSelectiveDropsBigToolPayloads(t *testing.T) {
	msgs := []models.Message{
		msg(models.RoleSystem, "sys"),
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "read"}}},
		{Role: models.RoleTool, ToolCallID: "c1", Content: strings.Repeat("x ", 500)},
		msg(models.RoleUser, "next question"),
	}
	res, err := Fit(context.Background(), msgs, 10, Selective{
		DropIf: func(m models.Message) bool {
			return m.Role == models.RoleTool && len(m.Content) > 100
		},
	}, countWords)
	if err != nil {
		t.Fatal(err)
	}
	// Dropping the tool result must cascade to its assistant message.
	for _, m := range res.Messages {
		if m.Role == models.RoleTool {
			t.Fatal("oversized tool payload survived")
		}
		if m.Role == models.RoleAssistant && len(m.ToolCalls) > 0 {
			t.Fatal("assistant with orphaned tool calls survived")
		}
	}
	if res.Dropped != 2 {
		t.Fatalf("dropped = %d, want 2 (result + its assistant)", res.Dropped)
	}
}

func TestPairingPreservedAcrossWindowBoundary(t *testing.T) {
	// The assistant with tool calls sits just outside the window while
	// its results are answered inside it: both must go.
	msgs := []models.Message{
		msg(models.RoleSystem, "sys"),
		msg(models.RoleUser, "one"),
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "glob"}}},
		{Role: models.RoleTool, ToolCallID: "c1", Content: "result"},
		msg(models.RoleAssistant, "done"),
		msg(models.RoleUser, "two"),
	}
	res, err := Fit(context.Background(), msgs, 0, SlidingWindow{N: 3}, countWords)
	if err != nil {
		t.Fatal(err)
	}
	if err := models.ValidateTranscript(res.Messages); err != nil {
		t.Fatalf("pairing broken after truncation: %v", err)
	}
	for _, m := range res.Messages {
		if m.Role == models.RoleTool {
			t.Fatal("orphaned tool message survived the window boundary")
		}
	}
}

type fakeSummarizer struct {
	summary string
	err     error
	calls   int
	band    []models.Message
}

func (f *fakeSummarizer) Summarize(_ context.Context, band []models.Message) (string, error) {
	f.calls++
	f.band = band
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

func TestSummarizePlacesNoteAfterSystem(t *testing.T) {
	msgs := conversation(20)
	summ := &fakeSummarizer{summary: "earlier discussion covered the build system"}
	res, err := Fit(context.Background(), msgs, 10, Summarize{Summarizer: summ, KeepLast: 4}, countWords)
	if err != nil {
		t.Fatal(err)
	}
	if summ.calls != 1 {
		t.Fatalf("summarizer called %d times, want 1", summ.calls)
	}
	if res.Messages[0].Role != models.RoleSystem {
		t.Fatal("system prompt must stay first")
	}
	note := res.Messages[1]
	if note.Role != models.RoleAssistant || !strings.Contains(note.Content, "build system") {
		t.Fatalf("summary note missing or misplaced: %+v", note)
	}
}

func TestSummarizeErrorLeavesMessagesUntouched(t *testing.T) {
	msgs := conversation(20)
	summ := &fakeSummarizer{err: errors.New("provider down")}
	_, err := Fit(context.Background(), msgs, 10, Summarize{Summarizer: summ, KeepLast: 4}, countWords)
	if err == nil {
		t.Fatal("expected error from failing summarizer")
	}
}

func TestCompositeFallsThroughFailingStrategy(t *testing.T) {
	msgs := conversation(20)
	failing := Summarize{Summarizer: &fakeSummarizer{err: errors.New("down")}, KeepLast: 4}
	res, err := Fit(context.Background(), msgs, 15, Composite{
		Strategies: []Strategy{failing, TokenBudget{}},
	}, countWords)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := total(res.Messages, countWords)
	if got > 15 {
		t.Fatalf("composite did not meet budget: %d > 15", got)
	}
}

func TestCompositeStopsOnceBudgetMet(t *testing.T) {
	msgs := conversation(20)
	summ := &fakeSummarizer{summary: "s"}
	res, err := Fit(context.Background(), msgs, 10, Composite{
		Strategies: []Strategy{TokenBudget{}, Summarize{Summarizer: summ, KeepLast: 2}},
	}, countWords)
	if err != nil {
		t.Fatal(err)
	}
	if summ.calls != 0 {
		t.Fatal("later strategies must not run once the budget is met")
	}
	if !res.Truncated {
		t.Fatal("expected truncation")
	}
}
