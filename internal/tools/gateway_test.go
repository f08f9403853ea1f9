package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forgelabs/forge/internal/hooks"
	"github.com/forgelabs/forge/internal/permissions"
	"github.com/forgelabs/forge/pkg/models"
)

type fakePolicy struct {
	mu       sync.Mutex
	decision permissions.Decision
	denials  []string
}

func (f *fakePolicy) Check(principal, toolName string, args map[string]any) permissions.Decision {
	return f.decision
}

func (f *fakePolicy) RecordDenial(principal, toolName string) {
	f.mu.Lock()
	f.denials = append(f.denials, toolName)
	f.mu.Unlock()
}

type fakeHooks struct {
	mu    sync.Mutex
	fired []hooks.Payload
	err   error
}

func (f *fakeHooks) Fire(ctx context.Context, payload hooks.Payload) ([]hooks.Result, error) {
	f.mu.Lock()
	f.fired = append(f.fired, payload)
	f.mu.Unlock()
	if payload.Event == hooks.EventToolPre {
		return nil, f.err
	}
	return nil, nil
}

func (f *fakeHooks) firedEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.fired))
	for i, p := range f.fired {
		out[i] = p.Event
	}
	return out
}

type fakeBus struct {
	mu     sync.Mutex
	events []models.Event
	grant  bool
	asked  int
}

func (f *fakeBus) RequestPermission(ctx context.Context, agentID, toolName string, args []byte, reason string) bool {
	f.mu.Lock()
	f.asked++
	f.mu.Unlock()
	return f.grant
}

func (f *fakeBus) Publish(event models.Event) {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
}

func (f *fakeBus) eventTypes() []models.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.EventType, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

type fakeRecorder struct {
	mu   sync.Mutex
	invs []models.ToolInvocation
}

func (f *fakeRecorder) RecordInvocation(sessionID string, inv models.ToolInvocation) {
	f.mu.Lock()
	f.invs = append(f.invs, inv)
	f.mu.Unlock()
}

func echoDescriptor() *Descriptor {
	return &Descriptor{
		Name:     "echo",
		Category: CategoryUtility,
		Params: []Param{
			{Name: "text", Type: "string", Required: true},
			{Name: "repeat", Type: "integer", Default: 1},
		},
		Handler: func(ctx context.Context, ec *ExecutionContext, args map[string]any) (models.ToolResult, error) {
			n := int(args["repeat"].(float64))
			out := ""
			for i := 0; i < n; i++ {
				out += args["text"].(string)
			}
			return models.ToolResult{Content: out}, nil
		},
	}
}

func testSetup(t *testing.T, descriptors ...*Descriptor) (*Gateway, *ExecutionContext, *fakePolicy, *fakeHooks, *fakeBus, *fakeRecorder) {
	t.Helper()
	reg := NewRegistry()
	for _, d := range descriptors {
		if err := reg.Register(d); err != nil {
			t.Fatal(err)
		}
	}
	reg.Freeze()
	ec, err := NewExecutionContext(t.TempDir(), "sess-1", reg)
	if err != nil {
		t.Fatal(err)
	}
	policy := &fakePolicy{decision: permissions.Decision{Level: permissions.Allow}}
	hookRunner := &fakeHooks{}
	bus := &fakeBus{grant: true}
	rec := &fakeRecorder{}
	g := NewGateway(policy, hookRunner, bus, WithRecorder(rec))
	return g, ec, policy, hookRunner, bus, rec
}

func call(name, args string) models.ToolCall {
	return models.ToolCall{ID: "call-1", Name: name, Arguments: json.RawMessage(args)}
}

func TestExecuteHappyPath(t *testing.T) {
	g, ec, _, hookRunner, bus, rec := testSetup(t, echoDescriptor())

	result := g.Execute(context.Background(), ec, call("echo", `{"text":"hi","repeat":2}`))
	if result.IsError {
		t.Fatalf("unexpected error: %+v", result)
	}
	if result.Content != "hihi" {
		t.Fatalf("content = %q", result.Content)
	}
	if result.ToolCallID != "call-1" {
		t.Fatalf("tool call id not propagated: %q", result.ToolCallID)
	}

	events := hookRunner.firedEvents()
	if len(events) != 2 || events[0] != hooks.EventToolPre || events[1] != hooks.EventToolPost {
		t.Fatalf("hook events = %v", events)
	}
	types := bus.eventTypes()
	if len(types) != 2 || types[0] != models.EventToolStart || types[1] != models.EventToolEnd {
		t.Fatalf("bus events = %v", types)
	}
	if len(rec.invs) != 1 || !rec.invs[0].Success {
		t.Fatalf("invocation record = %+v", rec.invs)
	}
}

func TestExecuteDefaultsApplied(t *testing.T) {
	g, ec, _, _, _, _ := testSetup(t, echoDescriptor())
	result := g.Execute(context.Background(), ec, call("echo", `{"text":"x"}`))
	if result.IsError || result.Content != "x" {
		t.Fatalf("default not applied: %+v", result)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	g, ec, _, _, _, _ := testSetup(t, echoDescriptor())
	result := g.Execute(context.Background(), ec, call("nope", `{}`))
	if !result.IsError || result.ErrorKind != models.KindToolUnknown {
		t.Fatalf("result = %+v", result)
	}
}

func TestExecuteValidationFailures(t *testing.T) {
	g, ec, _, hookRunner, _, _ := testSetup(t, echoDescriptor())

	cases := []struct {
		name string
		args string
	}{
		{"missing required", `{"repeat":2}`},
		{"wrong type", `{"text":42}`},
		{"unknown field", `{"text":"x","bogus":true}`},
		{"non-object", `[1,2]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := g.Execute(context.Background(), ec, call("echo", tc.args))
			if !result.IsError || result.ErrorKind != models.KindToolValidation {
				t.Fatalf("result = %+v", result)
			}
		})
	}
	// Validation failures never reach the hooks.
	if got := hookRunner.firedEvents(); len(got) != 0 {
		t.Fatalf("hooks fired on invalid input: %v", got)
	}
}

func TestLenientToolAcceptsUnknownFields(t *testing.T) {
	d := echoDescriptor()
	d.Lenient = true
	g, ec, _, _, _, _ := testSetup(t, d)
	result := g.Execute(context.Background(), ec, call("echo", `{"text":"x","extra":1}`))
	if result.IsError {
		t.Fatalf("lenient tool rejected unknown field: %+v", result)
	}
}

func TestExecuteWhitelistRestriction(t *testing.T) {
	g, ec, _, _, _, _ := testSetup(t, echoDescriptor())
	ec.AllowedTools = []string{"file_read"}
	result := g.Execute(context.Background(), ec, call("echo", `{"text":"x"}`))
	if !result.IsError || result.ErrorKind != models.KindToolRestricted {
		t.Fatalf("result = %+v", result)
	}
}

func TestExecutePolicyDeny(t *testing.T) {
	g, ec, policy, hookRunner, _, _ := testSetup(t, echoDescriptor())
	policy.decision = permissions.Decision{Level: permissions.Deny, Reason: "project rule"}

	result := g.Execute(context.Background(), ec, call("echo", `{"text":"x"}`))
	if !result.IsError || result.ErrorKind != models.KindPermissionDenied {
		t.Fatalf("result = %+v", result)
	}
	if len(policy.denials) != 1 {
		t.Fatalf("denial not recorded: %v", policy.denials)
	}
	events := hookRunner.firedEvents()
	if len(events) != 1 || events[0] != hooks.EventPermissionDenied {
		t.Fatalf("hook events = %v", events)
	}
}

func TestExecuteAskGranted(t *testing.T) {
	g, ec, _, _, bus, _ := testSetup(t, echoDescriptor())
	gPolicy := g.policy.(*fakePolicy)
	gPolicy.decision = permissions.Decision{Level: permissions.Ask, Reason: "no matching rule"}

	result := g.Execute(context.Background(), ec, call("echo", `{"text":"x"}`))
	if result.IsError {
		t.Fatalf("granted prompt should run the tool: %+v", result)
	}
	if bus.asked != 1 {
		t.Fatalf("prompt asked %d times", bus.asked)
	}
}

func TestExecuteAskDeclined(t *testing.T) {
	g, ec, policy, _, bus, _ := testSetup(t, echoDescriptor())
	policy.decision = permissions.Decision{Level: permissions.Ask}
	bus.grant = false

	result := g.Execute(context.Background(), ec, call("echo", `{"text":"x"}`))
	if !result.IsError || result.ErrorKind != models.KindPermissionDenied {
		t.Fatalf("result = %+v", result)
	}
	if len(policy.denials) != 1 {
		t.Fatal("user decline must count toward rate limiting")
	}
}

func TestExecuteBlockedByPreHook(t *testing.T) {
	g, ec, _, hookRunner, _, _ := testSetup(t, echoDescriptor())
	hookRunner.err = &hooks.BlockedError{Hook: "guard", Event: hooks.EventToolPre, ExitCode: 3}

	result := g.Execute(context.Background(), ec, call("echo", `{"text":"x"}`))
	if !result.IsError || result.ErrorKind != models.KindPermissionDenied {
		t.Fatalf("result = %+v", result)
	}
}

func TestExecuteTimeout(t *testing.T) {
	slow := &Descriptor{
		Name:    "slow",
		Timeout: 30 * time.Millisecond,
		Handler: func(ctx context.Context, ec *ExecutionContext, args map[string]any) (models.ToolResult, error) {
			select {
			case <-ctx.Done():
				return models.ToolResult{}, ctx.Err()
			case <-time.After(5 * time.Second):
				return models.ToolResult{Content: "done"}, nil
			}
		},
	}
	g, ec, _, _, _, _ := testSetup(t, slow)

	start := time.Now()
	result := g.Execute(context.Background(), ec, call("slow", `{}`))
	if !result.IsError || result.ErrorKind != models.KindToolTimeout {
		t.Fatalf("result = %+v", result)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout not enforced")
	}
}

func TestExecutePanicContained(t *testing.T) {
	bomb := &Descriptor{
		Name: "bomb",
		Handler: func(ctx context.Context, ec *ExecutionContext, args map[string]any) (models.ToolResult, error) {
			panic("boom")
		},
	}
	g, ec, _, _, bus, _ := testSetup(t, bomb)

	result := g.Execute(context.Background(), ec, call("bomb", `{}`))
	if !result.IsError || result.ErrorKind != models.KindToolFailed {
		t.Fatalf("result = %+v", result)
	}
	// The gateway survives and keeps serving.
	types := bus.eventTypes()
	if types[len(types)-1] != models.EventToolEnd {
		t.Fatalf("tool.end not published after panic: %v", types)
	}
}

func TestExecuteHandlerErrorKindPreserved(t *testing.T) {
	failing := &Descriptor{
		Name: "failing",
		Handler: func(ctx context.Context, ec *ExecutionContext, args map[string]any) (models.ToolResult, error) {
			return models.ToolResult{}, models.NewCoreError(models.KindSessionCorrupt, "store unreadable")
		},
	}
	g, ec, _, _, _, _ := testSetup(t, failing)
	result := g.Execute(context.Background(), ec, call("failing", `{}`))
	if result.ErrorKind != models.KindSessionCorrupt {
		t.Fatalf("kind = %q", result.ErrorKind)
	}
}

func TestErrorPathsOutsideWorkspaceRedacted(t *testing.T) {
	leaky := &Descriptor{
		Name: "leaky",
		Handler: func(ctx context.Context, ec *ExecutionContext, args map[string]any) (models.ToolResult, error) {
			return models.ToolResult{}, errors.New("open /etc/shadow: permission denied; workspace file " + ec.WorkingDir + "/a.txt ok")
		},
	}
	g, ec, _, _, _, _ := testSetup(t, leaky)
	result := g.Execute(context.Background(), ec, call("leaky", `{}`))
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if containsPath(result.Content, "/etc/shadow") {
		t.Fatalf("outside path leaked: %q", result.Content)
	}
	if !containsPath(result.Content, ec.WorkingDir+"/a.txt") {
		t.Fatalf("workspace path should survive: %q", result.Content)
	}
}

func containsPath(text, path string) bool {
	return strings.Contains(text, path)
}

func TestRegistryDuplicateAndFreeze(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoDescriptor()); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(echoDescriptor()); err == nil {
		t.Fatal("duplicate registration accepted")
	}
	reg.Freeze()
	if err := reg.Register(&Descriptor{Name: "late", Handler: nilHandler}); err == nil {
		t.Fatal("post-freeze registration accepted")
	}
	if got := reg.Names(); len(got) != 1 || got[0] != "echo" {
		t.Fatalf("names = %v", got)
	}
}

func nilHandler(ctx context.Context, ec *ExecutionContext, args map[string]any) (models.ToolResult, error) {
	return models.ToolResult{}, nil
}

func TestChildContextDerivation(t *testing.T) {
	reg := NewRegistry()
	ec, err := NewExecutionContext("/tmp/work", "sess-1", reg)
	if err != nil {
		t.Fatal(err)
	}
	ec.AgentID = "root"
	ec.Metadata[RAGMetadataKey] = "retriever"

	child := ec.Child("agent-2", true)
	if child.Depth != 1 || child.ParentAgentID != "root" {
		t.Fatalf("child = %+v", child)
	}
	if child.Metadata[RAGMetadataKey] != "retriever" {
		t.Fatal("RAG handle not inherited")
	}
	noRAG := ec.Child("agent-3", false)
	if _, ok := noRAG.Metadata[RAGMetadataKey]; ok {
		t.Fatal("RAG handle leaked without inherit")
	}
}

func TestNewExecutionContextRejectsRelativeDir(t *testing.T) {
	if _, err := NewExecutionContext("relative/path", "s", NewRegistry()); err == nil {
		t.Fatal("relative working dir accepted")
	}
}

func TestArrayParamSchema(t *testing.T) {
	d := &Descriptor{
		Name: "list",
		Params: []Param{
			{Name: "items", Type: "array<string>", Required: true},
		},
		Handler: func(ctx context.Context, ec *ExecutionContext, args map[string]any) (models.ToolResult, error) {
			return models.ToolResult{Content: fmt.Sprint(len(args["items"].([]any)))}, nil
		},
	}
	g, ec, _, _, _, _ := testSetup(t, d)

	result := g.Execute(context.Background(), ec, call("list", `{"items":["a","b"]}`))
	if result.IsError || result.Content != "2" {
		t.Fatalf("result = %+v", result)
	}
	result = g.Execute(context.Background(), ec, call("list", `{"items":[1]}`))
	if !result.IsError || result.ErrorKind != models.KindToolValidation {
		t.Fatalf("wrong item type accepted: %+v", result)
	}
}

func TestSchemaForStruct(t *testing.T) {
	type args struct {
		Path  string `json:"path"`
		Limit int    `json:"limit,omitempty"`
	}
	schemaJSON, err := SchemaFor(args{}, false)
	if err != nil {
		t.Fatal(err)
	}
	d := &Descriptor{Name: "read", SchemaJSON: schemaJSON, Handler: nilHandler}
	if _, err := d.Schema(); err != nil {
		t.Fatalf("reflected schema did not compile: %v", err)
	}
}
