package workflow

import (
	"fmt"
	"strings"

	"github.com/forgelabs/forge/pkg/models"
)

// TypeChecker reports whether an agent type is registered. The
// sub-agent registry satisfies it.
type TypeChecker interface {
	Get(name string) (any, bool)
}

// typeCheckerFunc adapts a lookup function.
type typeCheckerFunc func(name string) bool

func (f typeCheckerFunc) Get(name string) (any, bool) { return nil, f(name) }

// TypeCheckerFunc wraps a plain lookup into a TypeChecker.
func TypeCheckerFunc(f func(name string) bool) TypeChecker { return typeCheckerFunc(f) }

// Validate checks the graph invariants once, before execution: unique
// ids, resolvable references, acyclicity, registered agent types, and
// parseable conditions. It also computes and returns the topological
// plan order.
func Validate(def *Definition, types TypeChecker) ([]string, error) {
	if len(def.Steps) == 0 {
		return nil, models.NewCoreError(models.KindWorkflowInvalid, "workflow %q has no steps", def.Name)
	}
	if len(def.Steps) > MaxSteps {
		return nil, models.NewCoreError(models.KindWorkflowInvalid,
			"workflow %q has %d steps, limit is %d", def.Name, len(def.Steps), MaxSteps)
	}

	ids := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if step.ID == "" {
			return nil, models.NewCoreError(models.KindWorkflowInvalid, "workflow %q: step without id", def.Name)
		}
		if ids[step.ID] {
			return nil, models.NewCoreError(models.KindWorkflowInvalid, "duplicate step id %q", step.ID)
		}
		ids[step.ID] = true
	}

	for _, step := range def.Steps {
		for _, dep := range step.DependsOn {
			if !ids[dep] {
				return nil, models.NewCoreError(models.KindWorkflowInvalid,
					"step %q depends on unknown step %q", step.ID, dep)
			}
			if dep == step.ID {
				return nil, models.NewCoreError(models.KindWorkflowInvalid,
					"step %q depends on itself", step.ID)
			}
		}
		for _, peer := range step.ParallelWith {
			if !ids[peer] {
				return nil, models.NewCoreError(models.KindWorkflowInvalid,
					"step %q declares parallel_with unknown step %q", step.ID, peer)
			}
		}
		if types != nil {
			if _, ok := types.Get(step.Agent); !ok {
				return nil, models.NewCoreError(models.KindWorkflowInvalid,
					"step %q uses unregistered agent type %q", step.ID, step.Agent)
			}
		}
		if step.Condition != "" {
			if _, err := ParseCondition(step.Condition); err != nil {
				return nil, models.NewCoreError(models.KindWorkflowInvalid,
					"step %q condition: %v", step.ID, err)
			}
		}
	}

	if cycle := findCycle(def); cycle != nil {
		return nil, models.NewCoreError(models.KindWorkflowCycle,
			"dependency cycle: %s", strings.Join(cycle, " -> "))
	}
	return topoOrder(def), nil
}

// findCycle runs DFS over the dependency edges and returns the cycle
// path (closed, first id repeated at the end), or nil.
func findCycle(def *Definition) []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(def.Steps))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		step, _ := def.Step(id)
		for _, dep := range step.DependsOn {
			switch color[dep] {
			case grey:
				// Close the loop from the first occurrence of dep.
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, step := range def.Steps {
		if color[step.ID] == white && visit(step.ID) {
			// The stack walk follows depends_on edges; the reported
			// path reads in execution order, so reverse it.
			for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
				cycle[i], cycle[j] = cycle[j], cycle[i]
			}
			return cycle
		}
	}
	return nil
}

// topoOrder computes a Kahn topological order. Ties break in document
// order so plans are stable. Callers run Validate first; the graph is
// acyclic here.
func topoOrder(def *Definition) []string {
	indegree := make(map[string]int, len(def.Steps))
	dependents := make(map[string][]string, len(def.Steps))
	for _, step := range def.Steps {
		indegree[step.ID] += 0
		for _, dep := range step.DependsOn {
			indegree[step.ID]++
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var order []string
	ready := make(map[string]bool)
	for {
		launched := false
		for _, step := range def.Steps {
			if indegree[step.ID] == 0 && !ready[step.ID] {
				ready[step.ID] = true
				order = append(order, step.ID)
				for _, next := range dependents[step.ID] {
					indegree[next]--
				}
				launched = true
			}
		}
		if !launched {
			break
		}
	}
	if len(order) != len(def.Steps) {
		// Unreachable after cycle detection.
		panic(fmt.Sprintf("topological order incomplete for workflow %q", def.Name))
	}
	return order
}
