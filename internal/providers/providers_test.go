package providers

import (
	"encoding/json"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/forgelabs/forge/internal/agent"
	"github.com/forgelabs/forge/pkg/models"
)

func TestNewProvidersRequireAPIKey(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Fatal("anthropic provider accepted empty key")
	}
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Fatal("openai provider accepted empty key")
	}
}

func TestConvertAnthropicMessages(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleSystem, Content: "be terse"},
		{Role: models.RoleUser, Content: "run ls"},
		{
			Role:    models.RoleAssistant,
			Content: "running it",
			ToolCalls: []models.ToolCall{
				{ID: "tc-1", Name: "bash", Arguments: json.RawMessage(`{"command":"ls"}`)},
			},
		},
		{
			Role:       models.RoleTool,
			ToolCallID: "tc-1",
			Content:    "README.md",
		},
	}

	converted, err := convertAnthropicMessages(messages)
	if err != nil {
		t.Fatal(err)
	}
	// System message is carried out-of-band, so three remain.
	if len(converted) != 3 {
		t.Fatalf("converted %d messages, want 3", len(converted))
	}
}

func TestConvertAnthropicMessagesRejectsBadToolArgs(t *testing.T) {
	messages := []models.Message{
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "tc-1", Name: "bash", Arguments: json.RawMessage(`{truncated`)},
			},
		},
	}
	if _, err := convertAnthropicMessages(messages); err == nil {
		t.Fatal("invalid tool arguments accepted")
	}
}

func TestConvertOpenAIMessages(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleUser, Content: "hello"},
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "tc-1", Name: "grep", Arguments: json.RawMessage(`{"pattern":"x"}`)},
			},
		},
		{Role: models.RoleTool, ToolCallID: "tc-1", Content: "3 matches"},
	}

	converted := convertOpenAIMessages(messages, "be helpful")
	if len(converted) != 4 {
		t.Fatalf("converted %d messages, want 4 (system + 3)", len(converted))
	}
	if converted[0].Role != openai.ChatMessageRoleSystem {
		t.Fatalf("first message role = %s", converted[0].Role)
	}
	assistant := converted[2]
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].Function.Name != "grep" {
		t.Fatalf("assistant tool calls = %+v", assistant.ToolCalls)
	}
	tool := converted[3]
	if tool.Role != openai.ChatMessageRoleTool || tool.ToolCallID != "tc-1" {
		t.Fatalf("tool message = %+v", tool)
	}
}

func TestConvertOpenAITools(t *testing.T) {
	tools := convertOpenAITools([]agent.ToolSpec{
		{Name: "bash", Description: "run a command", Schema: json.RawMessage(`{"type":"object"}`)},
	})
	if len(tools) != 1 || tools[0].Function.Name != "bash" {
		t.Fatalf("tools = %+v", tools)
	}
}

func TestWrapOpenAIErrorClassification(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		wantKind string
		wantWrap bool
	}{
		{"auth", 401, models.KindLLMAuth, false},
		{"rate limit", 429, models.KindLLMRateLimit, true},
		{"server error", 503, models.KindLLMUnavailable, true},
		{"bad request", 400, models.KindLLMStreamError, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := wrapOpenAIError(&openai.APIError{
				HTTPStatusCode: tc.status,
				Message:        "nope",
			}, "gpt-4o")

			var pe *agent.ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("not a ProviderError: %v", err)
			}
			if pe.ErrorKind() != tc.wantKind {
				t.Fatalf("kind = %s, want %s", pe.ErrorKind(), tc.wantKind)
			}
			if pe.Retryable() != tc.wantWrap {
				t.Fatalf("retryable = %v, want %v", pe.Retryable(), tc.wantWrap)
			}
		})
	}
}

func TestWrapErrorIdempotent(t *testing.T) {
	original := &agent.ProviderError{Provider: "openai", StatusCode: 429}
	if got := wrapOpenAIError(original, "m"); got != original {
		t.Fatal("already-wrapped error re-wrapped")
	}
	if got := wrapAnthropicError(original, "m"); got != original {
		t.Fatal("already-wrapped error re-wrapped")
	}
}
