package models

import "fmt"

// Error kinds are stable strings suitable for scripting. They travel on
// ToolResult.ErrorKind, AgentRun results, and Error events.
const (
	KindToolUnknown      = "TOOL_UNKNOWN"
	KindToolValidation   = "TOOL_VALIDATION"
	KindToolRestricted   = "TOOL_RESTRICTED"
	KindToolFailed       = "TOOL_FAILED"
	KindToolTimeout      = "TOOL_TIMEOUT"
	KindPermissionDenied = "PERMISSION_DENIED"
	KindHookTimeout      = "HOOK_TIMEOUT"
	KindHookFailed       = "HOOK_FAILED"
	KindLLMStreamError   = "LLM_STREAM_ERROR"
	KindLLMAuth          = "LLM_AUTH"
	KindLLMRateLimit     = "LLM_RATE_LIMIT"
	KindLLMUnavailable   = "LLM_UNAVAILABLE"
	KindLimitExceeded    = "LIMIT_EXCEEDED"
	KindDepthExceeded    = "DEPTH_EXCEEDED"
	KindWorkflowCycle    = "WORKFLOW_CYCLE"
	KindWorkflowInvalid  = "WORKFLOW_INVALID"
	KindWorkflowTimeout  = "WORKFLOW_TIMEOUT"
	KindSessionCorrupt   = "SESSION_CORRUPT"
	KindCancelled        = "CANCELLED"
)

// CoreError is an error with a stable machine-readable kind, a short
// human message, and optional machine detail.
type CoreError struct {
	Kind    string
	Message string
	Detail  any
}

// NewCoreError creates a CoreError with a formatted message.
func NewCoreError(kind, format string, args ...any) *CoreError {
	return &CoreError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *CoreError) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Message
}

// ErrorKindOf extracts the stable kind from an error, or "" if the
// error carries none.
func ErrorKindOf(err error) string {
	if err == nil {
		return ""
	}
	if ce, ok := err.(*CoreError); ok {
		return ce.Kind
	}
	type kinder interface{ ErrorKind() string }
	if k, ok := err.(kinder); ok {
		return k.ErrorKind()
	}
	return ""
}
