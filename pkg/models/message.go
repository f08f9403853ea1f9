// Package models defines the shared data types exchanged between the
// agent runtime, the tool gateway, the session store, and the workflow
// engine: messages, tool calls and results, sessions, and the typed
// events emitted on the event bus.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPart is one element of a structured message body. Text parts
// carry Text; image parts carry a MediaType and base64 Data.
type ContentPart struct {
	Type      string `json:"type"` // "text" or "image"
	Text      string `json:"text,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult represents the outcome of a tool execution. A policy
// denial or handler failure is a result, not an error: IsError is set
// and ErrorKind carries one of the stable kind strings from errors.go.
type ToolResult struct {
	ToolCallID string         `json:"tool_call_id"`
	Content    string         `json:"content"`
	IsError    bool           `json:"is_error,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Success reports whether the tool call completed without error.
func (r ToolResult) Success() bool { return !r.IsError }

// Message is one turn of dialogue within a session.
//
// ToolCalls is present only on assistant messages. ToolCallID is
// present only on tool-role messages and references a ToolCalls entry
// of an earlier assistant message in the same session.
type Message struct {
	ID         string         `json:"id,omitempty"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Parts      []ContentPart  `json:"parts,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Incomplete bool           `json:"incomplete,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// TokenUsage accumulates prompt and completion token counts.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
}

// Total returns prompt + completion tokens.
func (u TokenUsage) Total() int { return u.Prompt + u.Completion }

// Add merges another usage sample into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Prompt += other.Prompt
	u.Completion += other.Completion
}

// ToolInvocation is the denormalised record of one tool call kept on
// the session for search, independent of the message transcript.
type ToolInvocation struct {
	ID        string          `json:"id"`
	ToolName  string          `json:"tool_name"`
	Args      json.RawMessage `json:"args,omitempty"`
	Result    string          `json:"result,omitempty"`
	Success   bool            `json:"success"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
}

// Session represents a persisted conversation.
type Session struct {
	ID              string           `json:"id"`
	Title           string           `json:"title,omitempty"`
	ModelID         string           `json:"model_id,omitempty"`
	TokenUsage      TokenUsage       `json:"token_usage"`
	Messages        []Message        `json:"messages"`
	ToolInvocations []ToolInvocation `json:"tool_invocations,omitempty"`
	Recovered       bool             `json:"recovered,omitempty"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// AppendMessage appends a message and bumps UpdatedAt.
func (s *Session) AppendMessage(msg Message) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = msg.CreatedAt
}

// ValidateTranscript checks the tool-call pairing invariant: every
// tool-role message references a tool call of an earlier assistant
// message, and no tool call is answered more than once.
func ValidateTranscript(messages []Message) error {
	open := make(map[string]bool)
	for i, m := range messages {
		switch m.Role {
		case RoleAssistant:
			for _, tc := range m.ToolCalls {
				if tc.ID == "" {
					return fmt.Errorf("message %d: assistant tool call with empty id", i)
				}
				open[tc.ID] = true
			}
		case RoleTool:
			if m.ToolCallID == "" {
				return fmt.Errorf("message %d: tool message with empty tool_call_id", i)
			}
			if !open[m.ToolCallID] {
				return fmt.Errorf("message %d: tool message references unknown or already answered call %q", i, m.ToolCallID)
			}
			open[m.ToolCallID] = false
		}
	}
	return nil
}
