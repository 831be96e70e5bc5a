package engine

import (
	"context"
	"fmt"
	"sync"
)

// StepOutput is what an executor returns: output data and the artifact
// references it produced.
type StepOutput struct {
	// Output contains executor-specific output data.
	Output map[string]interface{}

	// Artifacts are opaque references to artifacts produced by the step.
	Artifacts []string
}

// StepExecutor is the capability interface implemented once per step kind.
// The engine resolves kind → executor through a Registry populated at
// startup; new kinds register independently without modifying the runner.
type StepExecutor interface {
	// Kind returns the step kind this executor handles.
	Kind() string

	// Execute performs the step's work for a live run.
	Execute(ctx context.Context, ec *ExecutionContext, step *StepSpec) (*StepOutput, error)

	// DryRun simulates the step. It must be side-effect-free and
	// deterministic given the same context state.
	DryRun(ctx context.Context, ec *ExecutionContext, step *StepSpec) (*StepOutput, error)
}

// RollbackableExecutor is implemented by executors whose steps can be
// compensated. A step may set rollback_capable only when its kind's executor
// implements this interface. Rollback is best-effort: failures are logged
// and audited, never propagated as run-fatal.
type RollbackableExecutor interface {
	StepExecutor

	// Rollback attempts to undo the effects of a prior Execute call.
	Rollback(ctx context.Context, ec *ExecutionContext, step *StepSpec) error
}

// Registry maps step kinds to their executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]StepExecutor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]StepExecutor),
	}
}

// Register adds an executor for its kind. Registering a duplicate kind is an
// error.
func (r *Registry) Register(exec StepExecutor) error {
	if exec == nil {
		return NewPermanentError("executor is nil", nil).WithCode(ErrCodeValidation)
	}
	kind := exec.Kind()
	if kind == "" {
		return NewPermanentError("executor has empty kind", nil).WithCode(ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[kind]; exists {
		return NewPermanentError(fmt.Sprintf("executor already registered for kind %s", kind), nil).
			WithCode(ErrCodeValidation)
	}
	r.executors[kind] = exec
	return nil
}

// Resolve returns the executor for the given kind.
func (r *Registry) Resolve(kind string) (StepExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[kind]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("no executor registered for kind %s", kind), nil).
			WithCode(ErrCodeUnknownKind)
	}
	return exec, nil
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	return kinds
}

// Validate checks that every step in the graph resolves to a registered
// executor, and that rollback_capable steps resolve to a
// RollbackableExecutor.
func (r *Registry) Validate(graph *CompiledGraph) error {
	for _, id := range graph.Order {
		step := graph.Step(id)
		exec, err := r.Resolve(step.Kind)
		if err != nil {
			return Classify(err).WithStep(step.ID)
		}
		if step.RollbackCapable {
			if _, ok := exec.(RollbackableExecutor); !ok {
				return NewPermanentError(
					fmt.Sprintf("step %s is rollback_capable but kind %s has no rollback", step.ID, step.Kind), nil).
					WithCode(ErrCodeValidation).WithStep(step.ID)
			}
		}
	}
	return nil
}
