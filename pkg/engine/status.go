package engine

import (
	"encoding/json"
	"fmt"
)

// StepStatus represents the execution status of a single step.
type StepStatus string

const (
	// StepStatusPending indicates the step is waiting to execute.
	StepStatusPending StepStatus = "pending"

	// StepStatusRunning indicates the step is currently executing.
	StepStatusRunning StepStatus = "running"

	// StepStatusCompleted indicates the step completed successfully.
	StepStatusCompleted StepStatus = "completed"

	// StepStatusFailed indicates the step failed, or was denied by the
	// governor before it could run.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates the step was skipped under a DEGRADE
	// decision or because an upstream dependency did not complete.
	StepStatusSkipped StepStatus = "skipped"

	// StepStatusRolledBack indicates a completed step whose effects were
	// subsequently undone by a successful rollback.
	StepStatusRolledBack StepStatus = "rolled_back"
)

// IsTerminal returns true if the step status represents a final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed ||
		s == StepStatusSkipped || s == StepStatusRolledBack
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusCompleted,
		StepStatusFailed, StepStatusSkipped, StepStatusRolledBack:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// RunStatus represents the overall status of a graph run.
type RunStatus string

const (
	// RunStatusNotStarted indicates the run has not begun executing.
	RunStatusNotStarted RunStatus = "not_started"

	// RunStatusRunning indicates the run is executing steps.
	RunStatusRunning RunStatus = "running"

	// RunStatusRollingBack indicates the run failed and the rollback sweep
	// over completed steps is in progress.
	RunStatusRollingBack RunStatus = "rolling_back"

	// RunStatusCompleted indicates every governed step reached a successful
	// terminal state (completed or skipped under DEGRADE).
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed indicates the run ended with at least one failed step
	// or a budget/policy stop.
	RunStatusFailed RunStatus = "failed"

	// RunStatusAwaitingApproval indicates forward progress halted at a step
	// that requires an external approval token.
	RunStatusAwaitingApproval RunStatus = "awaiting_approval"
)

// IsTerminal returns true if the run status represents a final state.
// A run awaiting approval is parked, not terminal.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusNotStarted, RunStatusRunning, RunStatusRollingBack,
		RunStatusCompleted, RunStatusFailed, RunStatusAwaitingApproval:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// DecisionResult is the outcome of a governor check for one step.
type DecisionResult string

const (
	// DecisionAllow permits the step to execute.
	DecisionAllow DecisionResult = "allow"

	// DecisionDeny blocks the step; no executor invocation occurs.
	DecisionDeny DecisionResult = "deny"

	// DecisionDegrade skips a non-critical step as consumption approaches a
	// budget ceiling. The step counts toward neither failure nor success.
	DecisionDegrade DecisionResult = "degrade"

	// DecisionRequireApproval halts the run pending an external approval
	// token. The engine never auto-approves.
	DecisionRequireApproval DecisionResult = "require_approval"
)

// Validate checks if the decision result is valid.
func (d DecisionResult) Validate() error {
	switch d {
	case DecisionAllow, DecisionDeny, DecisionDegrade, DecisionRequireApproval:
		return nil
	default:
		return fmt.Errorf("invalid decision result: %s", d)
	}
}

// DegradePolicy controls whether a DEGRADE-skipped step satisfies its
// dependents' dependency requirement or causes them to skip as well.
type DegradePolicy string

const (
	// DegradeSatisfiesDependents treats a degraded skip as satisfying
	// downstream dependencies. This is the default.
	DegradeSatisfiesDependents DegradePolicy = "satisfy"

	// DegradeSkipsDependents propagates the skip to every dependent step.
	DegradeSkipsDependents DegradePolicy = "skip"
)

// Validate checks if the degrade policy is valid. The empty string is
// accepted and resolves to DegradeSatisfiesDependents.
func (p DegradePolicy) Validate() error {
	switch p {
	case "", DegradeSatisfiesDependents, DegradeSkipsDependents:
		return nil
	default:
		return fmt.Errorf("invalid degraded_dependents policy: %s", p)
	}
}

// AuditEventType identifies the kind of audit event.
type AuditEventType string

const (
	// EventTypeRunStarted indicates a run began executing.
	EventTypeRunStarted AuditEventType = "run_started"

	// EventTypeRunFinished indicates a run reached a terminal or parked state.
	EventTypeRunFinished AuditEventType = "run_finished"

	// EventTypeStepStarted indicates a step transitioned to running.
	EventTypeStepStarted AuditEventType = "step_started"

	// EventTypeStepCompleted indicates a step completed successfully.
	EventTypeStepCompleted AuditEventType = "step_completed"

	// EventTypeStepFailed indicates a step failed.
	EventTypeStepFailed AuditEventType = "step_failed"

	// EventTypeStepSkipped indicates a step was skipped.
	EventTypeStepSkipped AuditEventType = "step_skipped"

	// EventTypeDecision records a governor decision.
	EventTypeDecision AuditEventType = "governor_decision"

	// EventTypeRollbackStarted indicates the rollback sweep began.
	EventTypeRollbackStarted AuditEventType = "rollback_started"

	// EventTypeRollbackStep records a per-step rollback attempt.
	EventTypeRollbackStep AuditEventType = "rollback_step"

	// EventTypeRollbackFailed records a failed per-step rollback attempt.
	EventTypeRollbackFailed AuditEventType = "rollback_failed"
)

// MarshalJSON implements custom JSON marshaling for type-safe enum
// serialization.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = StepStatus(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum
// serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}
