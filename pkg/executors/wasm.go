package executors

import (
	"context"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/runforge/runforge/pkg/engine"
)

// WasmExecutor runs a WebAssembly module from the step's "module_path"
// param. The module is instantiated fresh per step with WASI support; the
// optional "func" param names an exported function to invoke after the
// module's start function (default none, the _start entrypoint does the
// work).
type WasmExecutor struct{}

// Kind implements engine.StepExecutor.
func (WasmExecutor) Kind() string { return "wasm" }

func wasmModuleBytes(step *engine.StepSpec) ([]byte, string, error) {
	path, ok := step.Params["module_path"].(string)
	if !ok || path == "" {
		return nil, "", engine.NewPermanentError(
			fmt.Sprintf("step %s requires a string param %q", step.ID, "module_path"), nil).
			WithCode(engine.ErrCodeValidation).WithStep(step.ID)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", engine.NewPermanentError("failed to read wasm module", err).WithStep(step.ID)
	}
	return data, path, nil
}

// Execute implements engine.StepExecutor.
func (WasmExecutor) Execute(ctx context.Context, _ *engine.ExecutionContext, step *engine.StepSpec) (*engine.StepOutput, error) {
	data, path, err := wasmModuleBytes(step)
	if err != nil {
		return nil, err
	}

	runtimeConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)
	defer runtime.Close(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return nil, engine.NewPermanentError("failed to instantiate WASI", err).WithStep(step.ID)
	}

	module, err := runtime.Instantiate(ctx, data)
	if err != nil {
		return nil, engine.Classify(err).WithStep(step.ID)
	}
	defer module.Close(ctx)

	output := map[string]interface{}{"module_path": path}

	if name, ok := step.Params["func"].(string); ok && name != "" {
		fn := module.ExportedFunction(name)
		if fn == nil {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("module does not export function %s", name), nil).
				WithCode(engine.ErrCodeValidation).WithStep(step.ID)
		}
		results, err := fn.Call(ctx)
		if err != nil {
			return nil, engine.Classify(err).WithStep(step.ID)
		}
		if len(results) > 0 {
			output["result"] = int64(results[0])
		}
	}

	return &engine.StepOutput{Output: output}, nil
}

// DryRun implements engine.StepExecutor. Compiling the module validates it
// without running any of its code.
func (WasmExecutor) DryRun(ctx context.Context, _ *engine.ExecutionContext, step *engine.StepSpec) (*engine.StepOutput, error) {
	data, path, err := wasmModuleBytes(step)
	if err != nil {
		return nil, err
	}

	runtime := wazero.NewRuntime(ctx)
	defer runtime.Close(ctx)

	compiled, err := runtime.CompileModule(ctx, data)
	if err != nil {
		return nil, engine.NewPermanentError("wasm module does not compile", err).
			WithCode(engine.ErrCodeValidation).WithStep(step.ID)
	}
	defer compiled.Close(ctx)

	return &engine.StepOutput{
		Output: map[string]interface{}{"module_path": path, "compiled": true, "simulated": true},
	}, nil
}
