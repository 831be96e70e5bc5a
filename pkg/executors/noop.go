// Package executors provides the builtin step executor kinds.
package executors

import (
	"context"

	"github.com/runforge/runforge/pkg/engine"
)

// NoopExecutor is a step that does nothing. Useful as a graph join point
// and in tests.
type NoopExecutor struct{}

// Kind implements engine.StepExecutor.
func (NoopExecutor) Kind() string { return "noop" }

// Execute implements engine.StepExecutor.
func (NoopExecutor) Execute(_ context.Context, _ *engine.ExecutionContext, step *engine.StepSpec) (*engine.StepOutput, error) {
	return &engine.StepOutput{
		Output: map[string]interface{}{"step_id": step.ID},
	}, nil
}

// DryRun implements engine.StepExecutor.
func (NoopExecutor) DryRun(_ context.Context, _ *engine.ExecutionContext, step *engine.StepSpec) (*engine.StepOutput, error) {
	return &engine.StepOutput{
		Output: map[string]interface{}{"step_id": step.ID, "simulated": true},
	}, nil
}
