// Package workflow parses, validates, and executes declarative DAGs of
// sub-agent steps with bounded parallelism, condition predicates, and
// checkpointed resume.
package workflow

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxSteps caps the size of one workflow definition.
const MaxSteps = 20

// Step is one node of the DAG, executed by one sub-agent.
type Step struct {
	ID          string         `yaml:"id" json:"id"`
	Agent       string         `yaml:"agent" json:"agent"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	// Task is the instruction handed to the sub-agent; ${name}
	// placeholders expand from the merged workflow and step inputs.
	Task         string         `yaml:"task" json:"task"`
	Inputs       map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	DependsOn    []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	ParallelWith []string       `yaml:"parallel_with,omitempty" json:"parallel_with,omitempty"`
	Condition    string         `yaml:"condition,omitempty" json:"condition,omitempty"`
	MaxRetries   int            `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	TimeoutSec   int            `yaml:"timeout_sec,omitempty" json:"timeout_sec,omitempty"`
}

// Definition is a parsed workflow document.
type Definition struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
	// ContinueOnError keeps scheduling after a step fails; the final
	// status becomes partial instead of failed.
	ContinueOnError bool   `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`
	Steps           []Step `yaml:"steps" json:"steps"`
}

// Parse decodes a YAML workflow document.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing workflow document: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("workflow document has no name")
	}
	return &def, nil
}

// ParseFile decodes a YAML workflow document from disk.
func ParseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow file: %w", err)
	}
	return Parse(data)
}

// Step finds a step by id.
func (d *Definition) Step(id string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// renderTask expands ${name} placeholders from inputs. Unknown names
// are left in place so the sub-agent sees what was asked for.
func renderTask(task string, inputs map[string]any) string {
	if len(inputs) == 0 {
		return task
	}
	return os.Expand(task, func(name string) string {
		if v, ok := inputs[name]; ok {
			return fmt.Sprint(v)
		}
		return "${" + name + "}"
	})
}

// mergeInputs layers step inputs over workflow inputs.
func mergeInputs(workflow, step map[string]any) map[string]any {
	merged := make(map[string]any, len(workflow)+len(step))
	for k, v := range workflow {
		merged[k] = v
	}
	for k, v := range step {
		merged[k] = v
	}
	return merged
}

// Builder assembles a Definition programmatically.
type Builder struct {
	def Definition
}

// NewBuilder starts a definition with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{def: Definition{Name: name, Version: "1"}}
}

// Description sets the workflow description.
func (b *Builder) Description(d string) *Builder {
	b.def.Description = d
	return b
}

// ContinueOnError makes step failures non-fatal.
func (b *Builder) ContinueOnError() *Builder {
	b.def.ContinueOnError = true
	return b
}

// Step appends a step; configure it with the returned StepBuilder.
func (b *Builder) Step(id, agentType, task string) *StepBuilder {
	b.def.Steps = append(b.def.Steps, Step{ID: id, Agent: agentType, Task: task})
	return &StepBuilder{builder: b, index: len(b.def.Steps) - 1}
}

// Build returns the assembled definition. Validation is separate.
func (b *Builder) Build() *Definition {
	def := b.def
	return &def
}

// StepBuilder configures one step of a Builder.
type StepBuilder struct {
	builder *Builder
	index   int
}

func (s *StepBuilder) target() *Step {
	return &s.builder.def.Steps[s.index]
}

// DependsOn adds dependency edges.
func (s *StepBuilder) DependsOn(ids ...string) *StepBuilder {
	step := s.target()
	step.DependsOn = append(step.DependsOn, ids...)
	return s
}

// ParallelWith declares which siblings this step may co-run with.
func (s *StepBuilder) ParallelWith(ids ...string) *StepBuilder {
	step := s.target()
	step.ParallelWith = append(step.ParallelWith, ids...)
	return s
}

// Condition gates the step on an expression over prior step results.
func (s *StepBuilder) Condition(expr string) *StepBuilder {
	s.target().Condition = strings.TrimSpace(expr)
	return s
}

// Inputs sets the step's input map.
func (s *StepBuilder) Inputs(inputs map[string]any) *StepBuilder {
	s.target().Inputs = inputs
	return s
}

// Retries sets the per-step retry budget.
func (s *StepBuilder) Retries(n int) *StepBuilder {
	s.target().MaxRetries = n
	return s
}

// Timeout sets the per-step timeout in seconds.
func (s *StepBuilder) Timeout(sec int) *StepBuilder {
	s.target().TimeoutSec = sec
	return s
}

// Step starts the next step on the parent builder.
func (s *StepBuilder) Step(id, agentType, task string) *StepBuilder {
	return s.builder.Step(id, agentType, task)
}

// Build finishes the parent builder.
func (s *StepBuilder) Build() *Definition {
	return s.builder.Build()
}
