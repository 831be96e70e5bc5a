// Package engine implements the governed execution core: graph compilation,
// the step state machine, and the run lifecycle.
//
// A GraphSpec is compiled into a CompiledGraph with a deterministic
// topological order (ties broken by declaration order) and executed by a
// GraphRunner. Before every step the runner consults a Governor, which may
// allow, deny, degrade, or escalate the step for approval. Steps that name a
// collaborator are routed through an ExternalCaller so retry and circuit
// breaking apply at the boundary. On failure, graphs configured with
// auto_rollback get a reverse-order rollback sweep over their completed,
// rollback-capable steps.
//
// All shared mutable state for a run lives in an ExecutionContext, which also
// accumulates the append-only audit trail.
package engine
