package models

import (
	"encoding/json"
	"time"
)

// EventType identifies the category of a runtime event.
type EventType string

const (
	EventLLMChunk         EventType = "llm.chunk"
	EventToolStart        EventType = "tool.start"
	EventToolEnd          EventType = "tool.end"
	EventStepStart        EventType = "step.start"
	EventStepEnd          EventType = "step.end"
	EventWorkflowProgress EventType = "workflow.progress"
	EventPermissionPrompt EventType = "permission.prompt"
	EventWarning          EventType = "warning"
	EventError            EventType = "error"
	EventFinalMessage     EventType = "message.final"
	EventDropped          EventType = "events.dropped"
)

// PermissionPromptPayload is a request/response event: the producer
// parks on Reply until the consumer answers or the prompt times out.
type PermissionPromptPayload struct {
	PromptID string          `json:"prompt_id"`
	ToolName string          `json:"tool_name"`
	Args     json.RawMessage `json:"args,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Reply    chan<- bool     `json:"-"`
}

// ErrorPayload carries an error kind and message on Error events.
type ErrorPayload struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// Event is one element of the typed event stream the core produces and
// the UI consumes.
type Event struct {
	Type       EventType `json:"type"`
	Time       time.Time `json:"time"`
	Sequence   uint64    `json:"sequence"`
	AgentID    string    `json:"agent_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	StepID     string    `json:"step_id,omitempty"`

	// LLM streaming
	Text string `json:"text,omitempty"`

	// Tool lifecycle
	ToolName   string      `json:"tool_name,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	Result     *ToolResult `json:"result,omitempty"`

	// Final assistant message
	Message *Message `json:"message,omitempty"`

	// Diagnostics
	Warning string        `json:"warning,omitempty"`
	Error   *ErrorPayload `json:"error,omitempty"`
	Dropped int           `json:"dropped,omitempty"`

	// Permission prompting
	Prompt *PermissionPromptPayload `json:"prompt,omitempty"`

	Meta map[string]any `json:"meta,omitempty"`
}
