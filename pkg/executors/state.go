package executors

import (
	"context"
	"fmt"

	"github.com/runforge/runforge/pkg/engine"
)

// stateUndoPrefix namespaces the previous-value bookkeeping the rollback
// path relies on.
const stateUndoPrefix = "state.set.undo:"

// undoRecord captures what a state.set step replaced.
type undoRecord struct {
	existed  bool
	previous interface{}
}

// absent marks a missing state key in GetState lookups.
type absent struct{}

// StateSetExecutor writes a value into the shared execution context state.
// Params: "key" (string, required) and "value" (any). The previous value is
// retained so the step can be rolled back.
type StateSetExecutor struct{}

// Kind implements engine.StepExecutor.
func (StateSetExecutor) Kind() string { return "state.set" }

func stateSetParams(step *engine.StepSpec) (string, interface{}, error) {
	key, ok := step.Params["key"].(string)
	if !ok || key == "" {
		return "", nil, engine.NewPermanentError(
			fmt.Sprintf("step %s requires a string param %q", step.ID, "key"), nil).
			WithCode(engine.ErrCodeValidation).WithStep(step.ID)
	}
	return key, step.Params["value"], nil
}

// Execute implements engine.StepExecutor.
func (StateSetExecutor) Execute(_ context.Context, ec *engine.ExecutionContext, step *engine.StepSpec) (*engine.StepOutput, error) {
	key, value, err := stateSetParams(step)
	if err != nil {
		return nil, err
	}

	previous := ec.GetState(key, absent{})
	_, missing := previous.(absent)
	undo := undoRecord{existed: !missing, previous: previous}
	if !undo.existed {
		undo.previous = nil
	}
	ec.SetState(stateUndoPrefix+step.ID, undo)
	ec.SetState(key, value)

	return &engine.StepOutput{
		Output: map[string]interface{}{"key": key, "replaced": undo.existed},
	}, nil
}

// DryRun implements engine.StepExecutor. It validates the params and reports
// the write without touching state.
func (StateSetExecutor) DryRun(_ context.Context, ec *engine.ExecutionContext, step *engine.StepSpec) (*engine.StepOutput, error) {
	key, _, err := stateSetParams(step)
	if err != nil {
		return nil, err
	}
	_, missing := ec.GetState(key, absent{}).(absent)
	existed := !missing
	return &engine.StepOutput{
		Output: map[string]interface{}{"key": key, "would_replace": existed, "simulated": true},
	}, nil
}

// Rollback implements engine.RollbackableExecutor, restoring the key to its
// value before the step ran.
func (StateSetExecutor) Rollback(_ context.Context, ec *engine.ExecutionContext, step *engine.StepSpec) error {
	key, _, err := stateSetParams(step)
	if err != nil {
		return err
	}

	raw := ec.GetState(stateUndoPrefix+step.ID, nil)
	undo, ok := raw.(undoRecord)
	if !ok {
		return fmt.Errorf("step %s has no undo record for key %s", step.ID, key)
	}

	if undo.existed {
		ec.SetState(key, undo.previous)
	} else {
		ec.DeleteState(key)
	}
	ec.DeleteState(stateUndoPrefix + step.ID)
	return nil
}
