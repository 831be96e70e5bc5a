package engine

import (
	"fmt"
	"sort"
)

// GraphCompiler validates a GraphSpec and produces a total execution order
// using Kahn's algorithm over an explicit adjacency map. Cycle detection is a
// construction-time error: no step executes for an invalid spec.
type GraphCompiler struct{}

// NewGraphCompiler creates a new graph compiler.
func NewGraphCompiler() *GraphCompiler {
	return &GraphCompiler{}
}

// CompiledGraph is the validated, ordered form of a GraphSpec.
type CompiledGraph struct {
	// Spec is the validated graph specification.
	Spec *GraphSpec

	// Order is the total execution order, consistent with all dependencies.
	// Ties among independent steps are broken by specification order.
	Order []string

	// steps indexes step specs by ID.
	steps map[string]*StepSpec

	// dependents maps a step ID to the IDs of steps that depend on it.
	dependents map[string][]string
}

// Step returns the spec for the given step ID.
func (g *CompiledGraph) Step(id string) *StepSpec {
	return g.steps[id]
}

// Dependents returns the step IDs that depend on the given step.
func (g *CompiledGraph) Dependents(id string) []string {
	return g.dependents[id]
}

// Compile validates the spec and computes the execution order.
// Validation failures and cycles are reported before any step executes.
func (c *GraphCompiler) Compile(spec *GraphSpec) (*CompiledGraph, error) {
	if spec == nil {
		return nil, NewPermanentError("graph spec is nil", nil).WithCode(ErrCodeValidation)
	}
	if spec.GraphID == "" {
		return nil, NewPermanentError("graph spec has empty graph_id", nil).WithCode(ErrCodeValidation)
	}
	if len(spec.Steps) == 0 {
		return nil, NewPermanentError("graph spec has no steps", nil).WithCode(ErrCodeValidation)
	}
	if err := spec.DegradedDependents.Validate(); err != nil {
		return nil, NewPermanentError(err.Error(), nil).WithCode(ErrCodeValidation)
	}

	steps := make(map[string]*StepSpec, len(spec.Steps))
	index := make(map[string]int, len(spec.Steps))
	for i := range spec.Steps {
		step := &spec.Steps[i]
		if step.ID == "" {
			return nil, NewPermanentError("step has empty step_id", nil).WithCode(ErrCodeValidation)
		}
		if step.Kind == "" {
			return nil, NewPermanentError(fmt.Sprintf("step %s has empty kind", step.ID), nil).
				WithCode(ErrCodeValidation).WithStep(step.ID)
		}
		if _, exists := steps[step.ID]; exists {
			return nil, NewPermanentError(fmt.Sprintf("duplicate step_id: %s", step.ID), nil).
				WithCode(ErrCodeValidation).WithStep(step.ID)
		}
		steps[step.ID] = step
		index[step.ID] = i
	}

	// Build adjacency and in-degree maps, validating every edge.
	dependents := make(map[string][]string, len(spec.Steps))
	inDegree := make(map[string]int, len(spec.Steps))
	for i := range spec.Steps {
		step := &spec.Steps[i]
		seen := make(map[string]bool, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return nil, NewPermanentError(fmt.Sprintf("step %s depends on itself", step.ID), nil).
					WithCode(ErrCodeValidation).WithStep(step.ID)
			}
			if _, exists := steps[dep]; !exists {
				return nil, NewPermanentError(
					fmt.Sprintf("step %s depends on non-existent step %s", step.ID, dep), nil).
					WithCode(ErrCodeValidation).WithStep(step.ID)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			dependents[dep] = append(dependents[dep], step.ID)
			inDegree[step.ID]++
		}
	}

	// Kahn's algorithm. The ready set is kept sorted by specification index
	// so independent steps order deterministically.
	ready := make([]string, 0, len(spec.Steps))
	for i := range spec.Steps {
		if inDegree[spec.Steps[i].ID] == 0 {
			ready = append(ready, spec.Steps[i].ID)
		}
	}

	order := make([]string, 0, len(spec.Steps))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sort.Slice(ready, func(a, b int) bool {
			return index[ready[a]] < index[ready[b]]
		})
	}

	if len(order) < len(spec.Steps) {
		unresolved := make([]string, 0, len(spec.Steps)-len(order))
		for i := range spec.Steps {
			if inDegree[spec.Steps[i].ID] > 0 {
				unresolved = append(unresolved, spec.Steps[i].ID)
			}
		}
		return nil, NewCyclicDependencyError(unresolved)
	}

	return &CompiledGraph{
		Spec:       spec,
		Order:      order,
		steps:      steps,
		dependents: dependents,
	}, nil
}
