package container

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/forgelabs/forge/internal/agent"
	"github.com/forgelabs/forge/internal/config"
	"github.com/forgelabs/forge/internal/tools"
	"github.com/forgelabs/forge/internal/workflow"
	"github.com/forgelabs/forge/pkg/models"
)

// cannedProvider answers every completion with one text reply.
type cannedProvider struct {
	reply string
}

func (p *cannedProvider) Name() string { return "canned" }

func (p *cannedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	out := make(chan *agent.CompletionChunk, 2)
	out <- &agent.CompletionChunk{Text: p.reply}
	out <- &agent.CompletionChunk{Done: true, Usage: &models.TokenUsage{Prompt: 5, Completion: 2}}
	close(out)
	return out, nil
}

func newTestContainer(t *testing.T) *Container {
	t.Helper()
	cfg, err := config.LoadDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(cfg,
		WithProvider(&cannedProvider{reply: "hello from the model"}),
		WithWorkingDir(t.TempDir()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewWiresEverything(t *testing.T) {
	c := newTestContainer(t)
	if c.Gateway == nil || c.Store == nil || c.Runtime == nil || c.Workflows == nil {
		t.Fatal("container left components nil")
	}
	// The registry is frozen with the task tool registered.
	if _, ok := c.Registry.Get("task"); !ok {
		t.Fatal("task tool not registered")
	}
	err := c.Registry.Register(&tools.Descriptor{
		Name: "late",
		Handler: func(ctx context.Context, ec *tools.ExecutionContext, args map[string]any) (models.ToolResult, error) {
			return models.ToolResult{}, nil
		},
	})
	if err == nil {
		t.Fatal("frozen registry accepted a descriptor")
	}
}

func TestRunCreatesAndPersistsSession(t *testing.T) {
	c := newTestContainer(t)

	run, session, err := c.Run(context.Background(), "", "say hello")
	if err != nil {
		t.Fatal(err)
	}
	if err := run.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if run.Result() != "hello from the model" {
		t.Fatalf("result = %q", run.Result())
	}

	// The store saw the transcript.
	loaded, err := c.Store.Load(session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Messages) != 2 {
		t.Fatalf("persisted %d messages", len(loaded.Messages))
	}

	// A second Run on the same session continues it.
	run2, _, err := c.Run(context.Background(), session.ID, "and again")
	if err != nil {
		t.Fatal(err)
	}
	if err := run2.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	loaded, _ = c.Store.Load(session.ID)
	if len(loaded.Messages) != 4 {
		t.Fatalf("continued session has %d messages", len(loaded.Messages))
	}
}

func TestCancelUnknownRun(t *testing.T) {
	c := newTestContainer(t)
	if c.Cancel("no-such-run") {
		t.Fatal("cancelled a run that does not exist")
	}
}

func TestEventsStreamCarriesRunTraffic(t *testing.T) {
	c := newTestContainer(t)
	sub := c.Events()
	defer sub.Close()

	run, _, err := c.Run(context.Background(), "", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if err := run.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-sub.C:
			if e.Type == models.EventFinalMessage {
				return
			}
		case <-deadline:
			t.Fatal("no final message event observed")
		}
	}
}

func TestRunWorkflowEndToEnd(t *testing.T) {
	c := newTestContainer(t)

	def := workflow.NewBuilder("smoke").
		Step("one", "general", "do the first thing").
		Step("two", "general", "do the second").DependsOn("one").
		Build()

	state, err := c.RunWorkflow(context.Background(), def, nil)
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, error = %s", state.Status, state.Error)
	}
	if state.StepResults["two"].Output != "hello from the model" {
		t.Fatalf("step output = %q", state.StepResults["two"].Output)
	}

	// The terminal state is resumable knowledge: loading it back works.
	resumed, err := c.ResumeWorkflow(context.Background(), state.WorkflowID)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Status != workflow.StatusCompleted {
		t.Fatalf("resumed status = %s", resumed.Status)
	}
}

func TestRunWorkflowRejectsUnknownAgentType(t *testing.T) {
	c := newTestContainer(t)
	def := workflow.NewBuilder("bad").Step("a", "no-such-type", "t").Build()
	_, err := c.RunWorkflow(context.Background(), def, nil)
	if models.ErrorKindOf(err) != models.KindWorkflowInvalid {
		t.Fatalf("err = %v", err)
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	cfg, err := config.LoadDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg.LLM.Provider = "mystery"
	if _, err := New(cfg, WithWorkingDir(t.TempDir())); err == nil {
		t.Fatal("unknown provider accepted")
	}
}

// turnsProvider replays scripted chunk turns, one per Complete call.
type turnsProvider struct {
	mu    sync.Mutex
	turns [][]*agent.CompletionChunk
	calls int
}

func (p *turnsProvider) Name() string { return "turns" }

func (p *turnsProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.mu.Lock()
	index := p.calls
	p.calls++
	p.mu.Unlock()
	if index >= len(p.turns) {
		return nil, fmt.Errorf("no scripted turn %d", index)
	}
	out := make(chan *agent.CompletionChunk, len(p.turns[index]))
	for _, chunk := range p.turns[index] {
		out <- chunk
	}
	close(out)
	return out, nil
}

func TestRunPersistsToolInvocations(t *testing.T) {
	cfg, err := config.LoadDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	provider := &turnsProvider{turns: [][]*agent.CompletionChunk{
		{
			{ToolCall: &models.ToolCall{ID: "c1", Name: "ls", Arguments: []byte(`{"path":"."}`)}},
			{Done: true, Usage: &models.TokenUsage{Prompt: 5, Completion: 2}},
		},
		{
			{Text: "one file"},
			{Done: true, Usage: &models.TokenUsage{Prompt: 5, Completion: 2}},
		},
	}}
	c, err := New(cfg,
		WithProvider(provider),
		WithWorkingDir(t.TempDir()),
		WithToolDescriptors(&tools.Descriptor{
			Name:        "ls",
			Description: "List a directory.",
			Params:      []tools.Param{{Name: "path", Type: "string", Required: true, Description: "Directory to list."}},
			Handler: func(ctx context.Context, ec *tools.ExecutionContext, args map[string]any) (models.ToolResult, error) {
				return models.ToolResult{Content: "a.txt"}, nil
			},
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })

	run, session, err := c.Run(context.Background(), "", "list the dir")
	if err != nil {
		t.Fatal(err)
	}
	if err := run.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The record survives the runtime's own persists of the transcript.
	loaded, err := c.Store.Load(session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.ToolInvocations) != 1 {
		t.Fatalf("persisted %d tool invocations, want 1", len(loaded.ToolInvocations))
	}
	inv := loaded.ToolInvocations[0]
	if inv.ToolName != "ls" || !inv.Success {
		t.Fatalf("invocation = %+v", inv)
	}
}
