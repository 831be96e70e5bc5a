package executors

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/runforge/runforge/pkg/engine"
)

func TestDefaultRegistry(t *testing.T) {
	registry, err := DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry: %v", err)
	}
	for _, kind := range []string{"noop", "state.set", "starlark", "wasm"} {
		if _, err := registry.Resolve(kind); err != nil {
			t.Errorf("expected kind %s registered: %v", kind, err)
		}
	}
}

func TestNoopExecutor(t *testing.T) {
	ec := engine.NewExecutionContext(false)
	step := &engine.StepSpec{ID: "join", Kind: "noop"}

	out, err := NoopExecutor{}.Execute(context.Background(), ec, step)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Output["step_id"] != "join" {
		t.Errorf("expected step_id echoed, got %v", out.Output)
	}

	out, err = NoopExecutor{}.DryRun(context.Background(), ec, step)
	if err != nil {
		t.Fatalf("DryRun: %v", err)
	}
	if out.Output["simulated"] != true {
		t.Errorf("expected simulated output, got %v", out.Output)
	}
}

func TestStateSetExecuteAndRollbackRestores(t *testing.T) {
	ec := engine.NewExecutionContext(false)
	ec.SetState("region", "us-east-1")

	step := &engine.StepSpec{
		ID:   "set-region",
		Kind: "state.set",
		Params: map[string]interface{}{
			"key":   "region",
			"value": "eu-west-1",
		},
	}

	exec := StateSetExecutor{}
	if _, err := exec.Execute(context.Background(), ec, step); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := ec.GetState("region", nil); got != "eu-west-1" {
		t.Fatalf("expected state updated, got %v", got)
	}

	if err := exec.Rollback(context.Background(), ec, step); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if got := ec.GetState("region", nil); got != "us-east-1" {
		t.Errorf("expected previous value restored, got %v", got)
	}
}

func TestStateSetRollbackDeletesNewKey(t *testing.T) {
	ec := engine.NewExecutionContext(false)
	step := &engine.StepSpec{
		ID:   "set-flag",
		Kind: "state.set",
		Params: map[string]interface{}{
			"key":   "flag",
			"value": true,
		},
	}

	exec := StateSetExecutor{}
	if _, err := exec.Execute(context.Background(), ec, step); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := exec.Rollback(context.Background(), ec, step); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if got := ec.GetState("flag", "absent"); got != "absent" {
		t.Errorf("expected key removed after rollback, got %v", got)
	}
}

func TestStateSetDryRunDoesNotMutate(t *testing.T) {
	ec := engine.NewExecutionContext(true)
	ec.SetState("mode", "live")

	step := &engine.StepSpec{
		ID:   "set-mode",
		Kind: "state.set",
		Params: map[string]interface{}{
			"key":   "mode",
			"value": "canary",
		},
	}

	out, err := StateSetExecutor{}.DryRun(context.Background(), ec, step)
	if err != nil {
		t.Fatalf("DryRun: %v", err)
	}
	if out.Output["would_replace"] != true {
		t.Errorf("expected would_replace reported, got %v", out.Output)
	}
	if got := ec.GetState("mode", nil); got != "live" {
		t.Errorf("dry run must not mutate state, got %v", got)
	}
}

func TestStateSetMissingKeyParam(t *testing.T) {
	ec := engine.NewExecutionContext(false)
	step := &engine.StepSpec{ID: "bad", Kind: "state.set", Params: map[string]interface{}{"value": 1}}

	_, err := StateSetExecutor{}.Execute(context.Background(), ec, step)
	if err == nil {
		t.Fatal("expected error for missing key param")
	}
	var re *engine.RunError
	if !errors.As(err, &re) || re.Code != engine.ErrCodeValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestStarlarkExecuteExportsGlobals(t *testing.T) {
	ec := engine.NewExecutionContext(false)
	ec.SetState("count", int64(4))

	step := &engine.StepSpec{
		ID:   "compute",
		Kind: "starlark",
		Params: map[string]interface{}{
			"script": "total = state[\"count\"] + params[\"delta\"]\n_hidden = 1\n",
			"delta":  int64(3),
		},
	}

	out, err := StarlarkExecutor{}.Execute(context.Background(), ec, step)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := out.Output["total"]; got != int64(7) {
		t.Errorf("expected total 7, got %v (%T)", got, got)
	}
	if _, ok := out.Output["_hidden"]; ok {
		t.Error("underscore globals must not be exported")
	}
}

func TestStarlarkStateUpdates(t *testing.T) {
	ec := engine.NewExecutionContext(false)

	step := &engine.StepSpec{
		ID:   "mark",
		Kind: "starlark",
		Params: map[string]interface{}{
			"script": "state_updates = {\"phase\": \"done\"}\n",
		},
	}

	out, err := StarlarkExecutor{}.Execute(context.Background(), ec, step)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := ec.GetState("phase", nil); got != "done" {
		t.Errorf("expected state_updates applied, got %v", got)
	}
	if _, ok := out.Output["state_updates"]; ok {
		t.Error("state_updates must not appear in step output")
	}
}

func TestStarlarkCapturesPrints(t *testing.T) {
	ec := engine.NewExecutionContext(false)
	step := &engine.StepSpec{
		ID:   "chatty",
		Kind: "starlark",
		Params: map[string]interface{}{
			"script": "print(\"checking\")\nprint(\"done\")\nok = True\n",
		},
	}

	out, err := StarlarkExecutor{}.Execute(context.Background(), ec, step)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	prints, ok := out.Output["prints"].([]string)
	if !ok || len(prints) != 2 {
		t.Fatalf("expected 2 captured prints, got %v", out.Output["prints"])
	}
	if prints[0] != "checking" || prints[1] != "done" {
		t.Errorf("unexpected print capture: %v", prints)
	}
}

func TestStarlarkScriptError(t *testing.T) {
	ec := engine.NewExecutionContext(false)
	step := &engine.StepSpec{
		ID:     "broken",
		Kind:   "starlark",
		Params: map[string]interface{}{"script": "fail(\"nope\")\n"},
	}

	_, err := StarlarkExecutor{}.Execute(context.Background(), ec, step)
	if err == nil {
		t.Fatal("expected script failure")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("script failures are permanent, got %v", err)
	}
}

func TestStarlarkDryRunParsesOnly(t *testing.T) {
	ec := engine.NewExecutionContext(true)
	exec := StarlarkExecutor{}

	good := &engine.StepSpec{
		ID:     "ok",
		Kind:   "starlark",
		Params: map[string]interface{}{"script": "x = 1\n"},
	}
	out, err := exec.DryRun(context.Background(), ec, good)
	if err != nil {
		t.Fatalf("DryRun: %v", err)
	}
	if out.Output["parsed"] != true {
		t.Errorf("expected parsed output, got %v", out.Output)
	}

	bad := &engine.StepSpec{
		ID:     "syntax",
		Kind:   "starlark",
		Params: map[string]interface{}{"script": "x = = 1\n"},
	}
	if _, err := exec.DryRun(context.Background(), ec, bad); err == nil {
		t.Error("expected syntax error from dry run")
	}
}

func TestStarlarkMissingScript(t *testing.T) {
	ec := engine.NewExecutionContext(false)
	step := &engine.StepSpec{ID: "empty", Kind: "starlark"}

	_, err := StarlarkExecutor{}.Execute(context.Background(), ec, step)
	if err == nil {
		t.Fatal("expected error for missing script param")
	}
	if !strings.Contains(err.Error(), "script") {
		t.Errorf("error should name the missing param, got %v", err)
	}
}

func TestWasmMissingModulePath(t *testing.T) {
	ec := engine.NewExecutionContext(false)
	step := &engine.StepSpec{ID: "bad", Kind: "wasm"}

	_, err := WasmExecutor{}.Execute(context.Background(), ec, step)
	if err == nil {
		t.Fatal("expected error for missing module_path param")
	}
	var re *engine.RunError
	if !errors.As(err, &re) || re.Code != engine.ErrCodeValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestWasmUnreadableModule(t *testing.T) {
	ec := engine.NewExecutionContext(false)
	step := &engine.StepSpec{
		ID:     "missing",
		Kind:   "wasm",
		Params: map[string]interface{}{"module_path": "/nonexistent/module.wasm"},
	}

	if _, err := (WasmExecutor{}).Execute(context.Background(), ec, step); err == nil {
		t.Fatal("expected error for unreadable module")
	}
	if _, err := (WasmExecutor{}).DryRun(context.Background(), ec, step); err == nil {
		t.Fatal("expected dry run error for unreadable module")
	}
}

func TestWasmInvalidModuleBytes(t *testing.T) {
	ec := engine.NewExecutionContext(true)
	path := filepath.Join(t.TempDir(), "not-wasm.wasm")
	if err := os.WriteFile(path, []byte("this is not wasm"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	step := &engine.StepSpec{
		ID:     "garbage",
		Kind:   "wasm",
		Params: map[string]interface{}{"module_path": path},
	}

	_, err := WasmExecutor{}.DryRun(context.Background(), ec, step)
	if err == nil {
		t.Fatal("expected compilation failure")
	}
	var re *engine.RunError
	if !errors.As(err, &re) || re.Code != engine.ErrCodeValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}
