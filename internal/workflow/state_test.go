package workflow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newState(id string) *State {
	def := NewBuilder("w").Step("a", "general", "t").Step("b", "general", "t").DependsOn("a").Build()
	return &State{
		WorkflowID:  id,
		Definition:  def,
		Status:      StatusRunning,
		StepResults: make(map[string]StepResult),
		StartedAt:   time.Now().UTC(),
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	store, err := NewCheckpointStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	state := newState("wf-1")
	state.markResult(StepResult{StepID: "a", Success: true, Output: "done"})
	if err := store.Save(state); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Load("wf-1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != StatusRunning || loaded.StepResults["a"].Output != "done" {
		t.Fatalf("loaded = %+v", loaded)
	}
	if loaded.Definition.Name != "w" || len(loaded.Definition.Steps) != 2 {
		t.Fatal("definition not persisted with the state")
	}
}

func TestCheckpointWritesPerStepFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewCheckpointStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	state := newState("wf-2")
	state.markResult(StepResult{StepID: "a", Success: true})
	if err := store.Save(state); err != nil {
		t.Fatal(err)
	}
	stepFile := filepath.Join(dir, "workflows", "checkpoints", "wf-2", "step_a.json")
	if _, err := os.Stat(stepFile); err != nil {
		t.Fatalf("step checkpoint missing: %v", err)
	}
}

func TestCheckpointLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewCheckpointStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	state := newState("wf-3")
	for i := 0; i < 5; i++ {
		state.markResult(StepResult{StepID: "a", Success: true})
		if err := store.Save(state); err != nil {
			t.Fatal(err)
		}
	}
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && strings.HasPrefix(d.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", path)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestLoadMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	store, err := NewCheckpointStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load("ghost"); err == nil {
		t.Fatal("missing checkpoint loaded")
	}
	bad := filepath.Join(dir, "workflows", "states", "bad.json")
	if err := os.WriteFile(bad, []byte("{truncated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load("bad"); err == nil {
		t.Fatal("corrupt checkpoint loaded")
	}
}

func TestListAndDelete(t *testing.T) {
	store, err := NewCheckpointStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"one", "two"} {
		if err := store.Save(newState(id)); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v", ids)
	}
	if err := store.Delete("one"); err != nil {
		t.Fatal(err)
	}
	ids, _ = store.List()
	if len(ids) != 1 || ids[0] != "two" {
		t.Fatalf("ids after delete = %v", ids)
	}
}

func TestConditionEnvShapes(t *testing.T) {
	state := newState("wf-4")
	state.markResult(StepResult{StepID: "a", Success: true, Output: `{"count": 3}`})
	state.markResult(StepResult{StepID: "b", Success: true, Output: "plain text"})
	state.markResult(StepResult{StepID: "c", Skipped: true})

	env := state.conditionEnv()
	a := env["a"].(map[string]any)
	if a["success"] != true {
		t.Fatal("a.success lost")
	}
	if a["result"].(map[string]any)["count"] != float64(3) {
		t.Fatal("structured output not navigable")
	}
	b := env["b"].(map[string]any)
	if b["result"] != "plain text" {
		t.Fatal("plain output not preserved")
	}
	c := env["c"].(map[string]any)
	if c["success"] != true {
		t.Fatal("skipped step must read as completed")
	}
	if _, ok := c["result"]; ok {
		t.Fatal("skipped step must have absent result")
	}
}
