package executors

import "github.com/runforge/runforge/pkg/engine"

// DefaultRegistry returns a registry with every built-in executor
// registered.
func DefaultRegistry() (*engine.Registry, error) {
	registry := engine.NewRegistry()
	for _, exec := range []engine.StepExecutor{
		NoopExecutor{},
		StateSetExecutor{},
		StarlarkExecutor{},
		WasmExecutor{},
	} {
		if err := registry.Register(exec); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
