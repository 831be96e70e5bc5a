package engine

import (
	"time"
)

// StepSpec describes one unit of work in a graph. It is immutable once the
// graph is compiled.
type StepSpec struct {
	// ID is the step identifier, unique within the graph.
	ID string `json:"step_id" yaml:"step_id" validate:"required"`

	// Kind selects the StepExecutor variant that runs this step.
	Kind string `json:"kind" yaml:"kind" validate:"required"`

	// DependsOn lists step IDs that must reach a satisfying terminal state
	// before this step starts.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// Params is an opaque key/value map interpreted by the executor.
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`

	// Critical marks a step whose failure always halts the run. Non-critical
	// steps may be skipped under a DEGRADE decision.
	Critical bool `json:"critical" yaml:"critical"`

	// RollbackCapable marks a step eligible for the rollback sweep. The
	// registered executor must implement RollbackableExecutor.
	RollbackCapable bool `json:"rollback_capable" yaml:"rollback_capable"`

	// Collaborator names the external collaborator identity this step calls,
	// if any. It scopes circuit-breaker state and routes the invocation
	// through the resilience layer.
	Collaborator string `json:"collaborator,omitempty" yaml:"collaborator,omitempty"`

	// ExternalCalls is the estimated number of external-collaborator calls
	// this step makes, charged against the external-call budget.
	ExternalCalls int `json:"external_calls,omitempty" yaml:"external_calls,omitempty" validate:"min=0"`

	// Timeout bounds a single execution attempt. Zero means the runner
	// default applies.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// GraphSpec is the declarative specification of one run. Invalid specs
// (cycles, dangling dependencies) are rejected at compile time, before any
// execution side effect occurs.
type GraphSpec struct {
	// GraphID identifies the graph.
	GraphID string `json:"graph_id" yaml:"graph_id" validate:"required"`

	// Steps are the units of work, in specification order. Ties among
	// independent steps are broken by this order for determinism.
	Steps []StepSpec `json:"steps" yaml:"steps" validate:"required,min=1,dive"`

	// DryRun executes the graph through the full governance path but invokes
	// DryRun on every executor instead of Execute.
	DryRun bool `json:"dry_run" yaml:"dry_run"`

	// AutoRollback triggers the rollback sweep over completed,
	// rollback-capable steps when the run ends in failure.
	AutoRollback bool `json:"auto_rollback" yaml:"auto_rollback"`

	// StopOnFirstError halts forward progress at the next step boundary
	// after any step failure.
	StopOnFirstError bool `json:"stop_on_first_error" yaml:"stop_on_first_error"`

	// DegradedDependents controls whether a DEGRADE-skipped step satisfies
	// its dependents. Empty resolves to "satisfy".
	DegradedDependents DegradePolicy `json:"degraded_dependents,omitempty" yaml:"degraded_dependents,omitempty"`
}

// Step returns the spec for the given step ID, or nil.
func (g *GraphSpec) Step(id string) *StepSpec {
	for i := range g.Steps {
		if g.Steps[i].ID == id {
			return &g.Steps[i]
		}
	}
	return nil
}

// Decision is the governor's verdict for one step, produced fresh before
// every step and never cached.
type Decision struct {
	// StepID is the step the decision applies to.
	StepID string `json:"step_id"`

	// Result is the decision outcome.
	Result DecisionResult `json:"result"`

	// Reason is a human-readable explanation, naming the ceiling or rule
	// that applied.
	Reason string `json:"reason,omitempty"`

	// MatchedRule is the policy rule that produced a non-ALLOW result, if any.
	MatchedRule string `json:"matched_rule,omitempty"`

	// DecidedAt is when the decision was made. Excluded from contract hashing.
	DecidedAt time.Time `json:"decided_at"`
}

// StepResult records the outcome of one step. It is created when the step
// starts and never mutated after its status becomes terminal, except for the
// completed → rolled_back transition applied by a successful rollback.
type StepResult struct {
	// StepID is the step this result belongs to.
	StepID string `json:"step_id"`

	// Status is the step's execution status.
	Status StepStatus `json:"status"`

	// Output contains executor output data.
	Output map[string]interface{} `json:"output,omitempty"`

	// Artifacts are the opaque artifact references this step produced.
	Artifacts []string `json:"artifacts,omitempty"`

	// StartedAt is when the step transitioned to running.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the step reached a terminal status.
	CompletedAt time.Time `json:"completed_at"`

	// Error is the classified error for failed steps.
	Error *RunError `json:"error,omitempty"`

	// RollbackError records a failed rollback attempt for this step.
	// Best-effort only: it never changes Status.
	RollbackError *RunError `json:"rollback_error,omitempty"`
}

// Duration returns the wall-clock duration of the step.
func (r *StepResult) Duration() time.Duration {
	if r.CompletedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// RollbackSummary reports the outcome of the rollback sweep. Ambiguous
// partial states are explicitly representable: a run can have completed
// steps, rolled-back steps, and failed rollbacks at the same time.
type RollbackSummary struct {
	// Attempted indicates whether the sweep ran at all.
	Attempted bool `json:"attempted"`

	// RolledBack lists steps whose rollback succeeded, in sweep order
	// (reverse completion order).
	RolledBack []string `json:"rolled_back,omitempty"`

	// Failed lists steps whose rollback attempt failed.
	Failed []string `json:"failed,omitempty"`
}

// Complete reports whether every attempted rollback succeeded.
func (s *RollbackSummary) Complete() bool {
	return s.Attempted && len(s.Failed) == 0
}

// AuditEvent is one entry in the append-only audit trail. Every status
// transition, governor decision, and rollback attempt produces one.
type AuditEvent struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// EventType identifies the kind of event.
	EventType AuditEventType `json:"event_type"`

	// StepID is the step involved, if applicable.
	StepID string `json:"step_id,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Details contains event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`
}

// ExecutionResult is the final report of one graph run: per-step status, the
// governor decision that applied to each step, and the rollback outcome.
type ExecutionResult struct {
	// RunID identifies this run.
	RunID string `json:"run_id"`

	// GraphID is the graph that was executed.
	GraphID string `json:"graph_id"`

	// Status is the run's final state.
	Status RunStatus `json:"status"`

	// DryRun indicates the run was a simulation.
	DryRun bool `json:"dry_run"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run reached its final state.
	CompletedAt time.Time `json:"completed_at"`

	// Steps holds per-step results keyed in compiled execution order.
	Steps []StepResult `json:"steps"`

	// Decisions holds governor decisions in the order they were made.
	Decisions []Decision `json:"decisions"`

	// Rollback reports the rollback sweep, if one ran.
	Rollback *RollbackSummary `json:"rollback,omitempty"`

	// AuditEvents is the run's complete audit trail.
	AuditEvents []AuditEvent `json:"audit_events"`

	// Error is the run-fatal error, if the run failed.
	Error *RunError `json:"error,omitempty"`
}

// StepResult returns the result for the given step ID, or nil if the step
// never left pending.
func (r *ExecutionResult) StepResult(stepID string) *StepResult {
	for i := range r.Steps {
		if r.Steps[i].StepID == stepID {
			return &r.Steps[i]
		}
	}
	return nil
}

// Decision returns the governor decision recorded for the given step ID, or
// nil if the step was never checked.
func (r *ExecutionResult) Decision(stepID string) *Decision {
	for i := range r.Decisions {
		if r.Decisions[i].StepID == stepID {
			return &r.Decisions[i]
		}
	}
	return nil
}

// Summary provides aggregate counts over the run's step results.
type Summary struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	RolledBack int `json:"rolled_back"`
	Pending    int `json:"pending"`
}

// Summarize computes aggregate counts for the run. Steps that never left
// pending (budget stop, stop_on_first_error) count as pending.
func (r *ExecutionResult) Summarize(total int) Summary {
	s := Summary{Total: total}
	for i := range r.Steps {
		switch r.Steps[i].Status {
		case StepStatusCompleted:
			s.Completed++
		case StepStatusFailed:
			s.Failed++
		case StepStatusSkipped:
			s.Skipped++
		case StepStatusRolledBack:
			s.RolledBack++
		}
	}
	s.Pending = total - s.Completed - s.Failed - s.Skipped - s.RolledBack
	return s
}
