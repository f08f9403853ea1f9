package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/forgelabs/forge/pkg/models"
)

// Status is the lifecycle state of a workflow run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusPaused    Status = "paused"
	// StatusPartial means continue_on_error was set and some steps
	// failed while others completed.
	StatusPartial Status = "partial"
)

// StepResult records one terminal step execution.
type StepResult struct {
	StepID      string    `json:"step_id"`
	AgentRunID  string    `json:"agent_run_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	Success     bool      `json:"success"`
	Skipped     bool      `json:"skipped,omitempty"`
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Attempts    int       `json:"attempts,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	DurationSec float64   `json:"duration_sec"`
}

// State is the persisted view of one workflow run. The engine mutates
// it; everything else reads checkpoints.
type State struct {
	WorkflowID  string                `json:"workflow_id"`
	Definition  *Definition           `json:"definition"`
	Inputs      map[string]any        `json:"inputs,omitempty"`
	Status      Status                `json:"status"`
	Completed   []string              `json:"completed,omitempty"`
	Failed      []string              `json:"failed,omitempty"`
	Skipped     []string              `json:"skipped,omitempty"`
	StepResults map[string]StepResult `json:"step_results,omitempty"`
	Error       string                `json:"error,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// terminal reports whether the step already ran (completed, failed, or
// skipped).
func (s *State) terminal(stepID string) bool {
	_, ok := s.StepResults[stepID]
	return ok
}

func (s *State) markResult(res StepResult) {
	if s.StepResults == nil {
		s.StepResults = make(map[string]StepResult)
	}
	s.StepResults[res.StepID] = res
	switch {
	case res.Skipped:
		s.Skipped = appendOnce(s.Skipped, res.StepID)
	case res.Success:
		s.Completed = appendOnce(s.Completed, res.StepID)
	default:
		s.Failed = appendOnce(s.Failed, res.StepID)
	}
}

// clearFailure forgets a failed step so resume can re-run it.
func (s *State) clearFailure(stepID string) {
	delete(s.StepResults, stepID)
	s.Failed = remove(s.Failed, stepID)
}

func appendOnce(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}

func remove(list []string, id string) []string {
	var out []string
	for _, existing := range list {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

// conditionEnv builds the read-only environment conditions evaluate
// over: {stepID: {success, result}}. A step output that parses as a
// JSON object becomes a navigable result; otherwise result is the raw
// text. Skipped steps contribute success=true with no result.
func (s *State) conditionEnv() map[string]any {
	env := make(map[string]any, len(s.StepResults))
	for id, res := range s.StepResults {
		entry := map[string]any{"success": res.Success || res.Skipped}
		if !res.Skipped && res.Output != "" {
			var structured map[string]any
			if err := json.Unmarshal([]byte(res.Output), &structured); err == nil {
				entry["result"] = structured
			} else {
				entry["result"] = res.Output
			}
		}
		env[id] = entry
	}
	return env
}

// CheckpointStore persists workflow state atomically under
// <dir>/workflows.
type CheckpointStore struct {
	dir string
}

// NewCheckpointStore creates the layout under configDir.
func NewCheckpointStore(configDir string) (*CheckpointStore, error) {
	dir := filepath.Join(configDir, "workflows")
	for _, sub := range []string{"states", "checkpoints"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating workflow directory: %w", err)
		}
	}
	return &CheckpointStore{dir: dir}, nil
}

func (c *CheckpointStore) statePath(workflowID string) string {
	return filepath.Join(c.dir, "states", workflowID+".json")
}

// Save writes the latest state and a per-step checkpoint for every
// recorded result. Both writes are atomic renames.
func (c *CheckpointStore) Save(state *State) error {
	state.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding workflow state: %w", err)
	}
	if err := atomicWrite(c.statePath(state.WorkflowID), data); err != nil {
		return fmt.Errorf("checkpointing workflow %s: %w", state.WorkflowID, err)
	}

	stepDir := filepath.Join(c.dir, "checkpoints", state.WorkflowID)
	if err := os.MkdirAll(stepDir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}
	for id, res := range state.StepResults {
		path := filepath.Join(stepDir, "step_"+id+".json")
		stepData, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding step result %s: %w", id, err)
		}
		if err := atomicWrite(path, stepData); err != nil {
			return fmt.Errorf("checkpointing step %s: %w", id, err)
		}
	}
	return nil
}

// Load reads the latest checkpoint for a workflow.
func (c *CheckpointStore) Load(workflowID string) (*State, error) {
	data, err := os.ReadFile(c.statePath(workflowID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.NewCoreError(models.KindWorkflowInvalid,
				"no checkpoint for workflow %s", workflowID)
		}
		return nil, fmt.Errorf("reading workflow state: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, models.NewCoreError(models.KindWorkflowInvalid,
			"workflow state %s is corrupt: %v", workflowID, err)
	}
	if state.WorkflowID == "" || state.Definition == nil {
		return nil, models.NewCoreError(models.KindWorkflowInvalid,
			"workflow state %s is incomplete", workflowID)
	}
	return &state, nil
}

// List returns the ids of all checkpointed workflows.
func (c *CheckpointStore) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(c.dir, "states"))
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if filepath.Ext(name) == ".json" {
			ids = append(ids, name[:len(name)-len(".json")])
		}
	}
	return ids, nil
}

// Delete removes a workflow's state and step checkpoints.
func (c *CheckpointStore) Delete(workflowID string) error {
	if err := os.Remove(c.statePath(workflowID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.RemoveAll(filepath.Join(c.dir, "checkpoints", workflowID))
}

// atomicWrite lands data via a temp file and rename so readers never
// see a torn checkpoint.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
