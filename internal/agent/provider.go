package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/forgelabs/forge/pkg/models"
)

// ToolSpec is a tool definition offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// CompletionRequest is one model call: a transcript plus the tools the
// model may request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []models.Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float32
}

// CompletionChunk is one element of a streamed model reply. Text deltas
// arrive as they are generated; tool calls arrive fully assembled, one
// chunk per call; the terminal chunk carries Done plus usage, or Err.
type CompletionChunk struct {
	Text       string
	ToolCall   *models.ToolCall
	Usage      *models.TokenUsage
	StopReason string
	Done       bool
	Err        error
}

// ChatProvider streams completions. Implementations must close the
// returned channel when the stream ends and must emit exactly one
// terminal chunk (Done or Err) per call.
type ChatProvider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

// ProviderError wraps a model API failure with enough structure for the
// runtime to classify and retry it.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, msg, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Provider, msg)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// ErrorKind maps the failure onto the stable error taxonomy.
func (e *ProviderError) ErrorKind() string {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return models.KindLLMAuth
	case e.StatusCode == http.StatusTooManyRequests:
		return models.KindLLMRateLimit
	case e.StatusCode >= 500:
		return models.KindLLMUnavailable
	default:
		return models.KindLLMStreamError
	}
}

// Retryable reports whether the runtime should retry this failure.
// Auth and validation failures are permanent; rate limits, server
// errors, and network flake are transient.
func (e *ProviderError) Retryable() bool {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 {
		return true
	}
	if e.StatusCode > 0 {
		return false
	}
	return isTransientNetworkError(e.Cause)
}

// IsRetryableLLMError classifies any error the provider surface can
// produce.
func IsRetryableLLMError(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return isTransientNetworkError(err)
}

func isTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{
		"timeout",
		"deadline exceeded",
		"connection reset",
		"connection refused",
		"no such host",
		"unexpected EOF",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
