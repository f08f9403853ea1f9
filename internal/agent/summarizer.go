package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/forgelabs/forge/pkg/models"
)

const summarySystemPrompt = "Summarize the following conversation excerpt. " +
	"Keep decisions, file paths, tool outcomes, and open questions. " +
	"Write a dense plain-text summary under 300 words."

// ProviderSummarizer compresses a message band with a single direct
// provider call. It never enters the agent loop and offers no tools.
type ProviderSummarizer struct {
	Provider ChatProvider
	Model    string
}

// Summarize renders the band as one user message and returns the
// model's reply text.
func (s *ProviderSummarizer) Summarize(ctx context.Context, messages []models.Message) (string, error) {
	var b strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&b, "[%s] %s\n", msg.Role, msg.Content)
		for _, call := range msg.ToolCalls {
			fmt.Fprintf(&b, "[%s] called tool %s(%s)\n", msg.Role, call.Name, string(call.Arguments))
		}
	}

	stream, err := s.Provider.Complete(ctx, &CompletionRequest{
		Model:  s.Model,
		System: summarySystemPrompt,
		Messages: []models.Message{
			{Role: models.RoleUser, Content: b.String()},
		},
	})
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		out.WriteString(chunk.Text)
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("summarizer returned empty reply")
	}
	return out.String(), nil
}
