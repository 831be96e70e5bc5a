package executors

import (
	"context"
	"fmt"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/runforge/runforge/pkg/engine"
)

// StarlarkExecutor runs a Starlark script from the step's "script" param.
// The script sees two predeclared values: `params` (the step params without
// the script itself) and `state` (a snapshot of the shared state). Exported
// globals become the step output; a global named `state_updates` (a dict) is
// written back into the shared state, and print() output is collected under
// the "prints" output key.
type StarlarkExecutor struct{}

// Kind implements engine.StepExecutor.
func (StarlarkExecutor) Kind() string { return "starlark" }

func starlarkScript(step *engine.StepSpec) (string, error) {
	script, ok := step.Params["script"].(string)
	if !ok || script == "" {
		return "", engine.NewPermanentError(
			fmt.Sprintf("step %s requires a string param %q", step.ID, "script"), nil).
			WithCode(engine.ErrCodeValidation).WithStep(step.ID)
	}
	return script, nil
}

// Execute implements engine.StepExecutor.
func (StarlarkExecutor) Execute(ctx context.Context, ec *engine.ExecutionContext, step *engine.StepSpec) (*engine.StepOutput, error) {
	script, err := starlarkScript(step)
	if err != nil {
		return nil, err
	}

	var prints []string
	thread := &starlark.Thread{
		Name: "runforge:" + step.ID,
		// Script output goes into the result, not the process stdout.
		Print: func(_ *starlark.Thread, msg string) {
			prints = append(prints, msg)
		},
	}
	// Starlark has no preemption; cancel the thread when the step context
	// ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	params := make(map[string]interface{}, len(step.Params))
	for k, v := range step.Params {
		if k == "script" {
			continue
		}
		params[k] = v
	}

	paramsVal, err := toStarlark(params)
	if err != nil {
		return nil, engine.NewPermanentError("failed to convert params", err).WithStep(step.ID)
	}
	stateVal, err := toStarlark(ec.StateSnapshot())
	if err != nil {
		return nil, engine.NewPermanentError("failed to convert state", err).WithStep(step.ID)
	}

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"params": paramsVal,
		"state":  stateVal,
	}

	globals, err := starlark.ExecFile(thread, step.ID+".star", script, predeclared)
	if err != nil {
		return nil, engine.NewPermanentError("script failed", err).
			WithCode(engine.ErrCodeExecutorFailed).WithStep(step.ID)
	}

	output := make(map[string]interface{})
	for name, value := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		goVal, err := fromStarlark(value)
		if err != nil {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("failed to convert global %s", name), err).WithStep(step.ID)
		}
		if name == "state_updates" {
			updates, ok := goVal.(map[string]interface{})
			if !ok {
				return nil, engine.NewPermanentError("state_updates must be a dict", nil).
					WithCode(engine.ErrCodeValidation).WithStep(step.ID)
			}
			for k, v := range updates {
				ec.SetState(k, v)
			}
			continue
		}
		output[name] = goVal
	}
	if len(prints) > 0 {
		output["prints"] = prints
	}

	return &engine.StepOutput{Output: output}, nil
}

// DryRun implements engine.StepExecutor. Scripts may reach into state, so a
// dry run only parses the script instead of executing it.
func (StarlarkExecutor) DryRun(_ context.Context, _ *engine.ExecutionContext, step *engine.StepSpec) (*engine.StepOutput, error) {
	script, err := starlarkScript(step)
	if err != nil {
		return nil, err
	}
	if _, err := syntax.Parse(step.ID+".star", script, 0); err != nil {
		return nil, engine.NewPermanentError("script does not parse", err).
			WithCode(engine.ErrCodeValidation).WithStep(step.ID)
	}
	return &engine.StepOutput{
		Output: map[string]interface{}{"parsed": true, "simulated": true},
	}, nil
}

// toStarlark converts a Go value into a Starlark value.
func toStarlark(v interface{}) (starlark.Value, error) {
	switch t := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(t), nil
	case int:
		return starlark.MakeInt(t), nil
	case int64:
		return starlark.MakeInt64(t), nil
	case float64:
		return starlark.Float(t), nil
	case string:
		return starlark.String(t), nil
	case []interface{}:
		elems := make([]starlark.Value, 0, len(t))
		for _, item := range t {
			converted, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			elems = append(elems, converted)
		}
		return starlark.NewList(elems), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(t))
		for k, val := range t {
			converted, err := toStarlark(val)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), converted); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

// fromStarlark converts a Starlark value into a Go value.
func fromStarlark(v starlark.Value) (interface{}, error) {
	switch t := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(t), nil
	case starlark.Int:
		i, ok := t.Int64()
		if !ok {
			return nil, fmt.Errorf("integer out of range: %s", t.String())
		}
		return i, nil
	case starlark.Float:
		return float64(t), nil
	case starlark.String:
		return string(t), nil
	case *starlark.List:
		out := make([]interface{}, 0, t.Len())
		for i := 0; i < t.Len(); i++ {
			item, err := fromStarlark(t.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]interface{}, t.Len())
		for _, key := range t.Keys() {
			str, ok := key.(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be a string, got %s", key.Type())
			}
			val, _, err := t.Get(key)
			if err != nil {
				return nil, err
			}
			converted, err := fromStarlark(val)
			if err != nil {
				return nil, err
			}
			out[string(str)] = converted
		}
		return out, nil
	case *starlark.Function, *starlark.Builtin:
		// Callables are not data; drop them from the output.
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type %s", v.Type())
	}
}
