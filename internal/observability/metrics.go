// Package observability provides Prometheus metrics and slog setup for
// the agent core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects counters and histograms for the core's hot paths.
type Metrics struct {
	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error|retry)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolInvocationCounter counts tool gateway invocations.
	// Labels: tool, outcome (success|error|denied|restricted|invalid|timeout)
	ToolInvocationCounter *prometheus.CounterVec

	// ToolInvocationDuration measures tool handler time in seconds.
	// Labels: tool
	ToolInvocationDuration *prometheus.HistogramVec

	// WorkflowStepCounter counts workflow step terminations.
	// Labels: workflow, status (completed|failed|skipped)
	WorkflowStepCounter *prometheus.CounterVec

	// HookCounter counts hook invocations.
	// Labels: event, status (ok|failed|timeout|blocked)
	HookCounter *prometheus.CounterVec
}

// NewMetrics registers and returns the core metrics on a dedicated
// registry (avoids double-registration in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		LLMRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_llm_requests_total",
			Help: "LLM requests by provider, model, and status.",
		}, []string{"provider", "model", "status"}),
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forge_llm_request_duration_seconds",
			Help:    "LLM request latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		LLMTokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_llm_tokens_total",
			Help: "Tokens consumed by model and type.",
		}, []string{"model", "type"}),
		ToolInvocationCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_tool_invocations_total",
			Help: "Tool gateway invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolInvocationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forge_tool_invocation_duration_seconds",
			Help:    "Tool handler execution time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		WorkflowStepCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_workflow_steps_total",
			Help: "Workflow step terminations by workflow and status.",
		}, []string{"workflow", "status"}),
		HookCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_hooks_total",
			Help: "Hook invocations by event and status.",
		}, []string{"event", "status"}),
	}
}

// Nop returns metrics bound to a throwaway registry, for tests and
// callers that do not export metrics.
func Nop() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
