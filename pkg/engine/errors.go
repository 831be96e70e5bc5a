// Package engine provides the core types and components of the RunForge
// execution engine: graph compilation, the step execution state machine,
// and the interfaces its collaborators implement.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and
// recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on
	// retry. Examples: network timeouts, rate-limiting responses.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: malformed requests, authorization failures.
	ErrorClassPermanent ErrorClass = "permanent"
)

// RunError represents a classified error with step and run context.
type RunError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// StepID is the step that caused the error, if applicable.
	StepID string `json:"step_id,omitempty"`

	// Collaborator is the external collaborator involved, if any.
	Collaborator string `json:"collaborator,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *RunError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Class, e.Message)
	if e.StepID != "" {
		fmt.Fprintf(&sb, " (step=%s)", e.StepID)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %s", e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *RunError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *RunError) Is(target error) bool {
	t, ok := target.(*RunError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient (retryable) error.
func NewTransientError(message string, err error) *RunError {
	return &RunError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent (non-retryable) error.
func NewPermanentError(message string, err error) *RunError {
	return &RunError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewBudgetExceededError creates the hard-stop error raised when a budget
// ceiling is met or would be exceeded. It is never retried.
func NewBudgetExceededError(ceiling string) *RunError {
	return &RunError{
		Class:   ErrorClassPermanent,
		Message: fmt.Sprintf("budget ceiling reached: %s", ceiling),
		Code:    ErrCodeBudgetExceeded,
	}
}

// NewPolicyDeniedError creates the error raised when a policy rule denies a
// step before it runs.
func NewPolicyDeniedError(reason string) *RunError {
	return &RunError{
		Class:   ErrorClassPermanent,
		Message: reason,
		Code:    ErrCodePolicyDenied,
	}
}

// NewApprovalRequiredError creates the error raised when a step requires an
// external approval token before it may run.
func NewApprovalRequiredError(stepID, reason string) *RunError {
	return &RunError{
		Class:   ErrorClassPermanent,
		Message: reason,
		Code:    ErrCodeApprovalRequired,
		StepID:  stepID,
	}
}

// NewCyclicDependencyError creates the construction-time error raised when
// the dependency graph contains a cycle. The unresolved step IDs are carried
// in the message and details.
func NewCyclicDependencyError(unresolved []string) *RunError {
	return &RunError{
		Class:   ErrorClassPermanent,
		Message: fmt.Sprintf("cyclic dependency among steps: %s", strings.Join(unresolved, ", ")),
		Code:    ErrCodeCyclicDependency,
		Details: map[string]interface{}{"unresolved_steps": unresolved},
	}
}

// NewRollbackError creates the best-effort error recorded when a rollback
// attempt fails. It is logged and audited, never run-fatal.
func NewRollbackError(stepID string, err error) *RunError {
	return &RunError{
		Class:   ErrorClassPermanent,
		Message: "rollback failed",
		Code:    ErrCodeRollbackFailed,
		StepID:  stepID,
		Err:     err,
	}
}

// WithStep adds step context to an error.
func (e *RunError) WithStep(stepID string) *RunError {
	e.StepID = stepID
	return e
}

// WithCollaborator adds collaborator context to an error.
func (e *RunError) WithCollaborator(collaborator string) *RunError {
	e.Collaborator = collaborator
	return e
}

// WithCode adds an error code to an error.
func (e *RunError) WithCode(code string) *RunError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *RunError) WithDetail(key string, value interface{}) *RunError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *RunError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *RunError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Only transient errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// hasCode reports whether err carries the given error code.
func hasCode(err error, code string) bool {
	var e *RunError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsBudgetExceeded returns true if the error is a budget ceiling breach.
func IsBudgetExceeded(err error) bool {
	return hasCode(err, ErrCodeBudgetExceeded)
}

// IsPolicyDenied returns true if the error is a policy denial.
func IsPolicyDenied(err error) bool {
	return hasCode(err, ErrCodePolicyDenied)
}

// IsApprovalRequired returns true if the error signals a pending approval.
func IsApprovalRequired(err error) bool {
	return hasCode(err, ErrCodeApprovalRequired)
}

// IsCyclicDependency returns true if the error is a graph cycle.
func IsCyclicDependency(err error) bool {
	return hasCode(err, ErrCodeCyclicDependency)
}

// Classify converts an arbitrary error to a *RunError, defaulting to
// permanent when the error carries no classification.
func Classify(err error) *RunError {
	if err == nil {
		return nil
	}
	var e *RunError
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransientError("step attempt timed out", err).WithCode(ErrCodeTimeout)
	}
	return NewPermanentError("step execution failed", err).WithCode(ErrCodeExecutorFailed)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeBudgetExceeded   = "BUDGET_EXCEEDED"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeApprovalRequired = "APPROVAL_REQUIRED"
	ErrCodeCyclicDependency = "CYCLIC_DEPENDENCY"
	ErrCodeRollbackFailed   = "ROLLBACK_FAILED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeCircuitOpen      = "CIRCUIT_OPEN"
	ErrCodeRetryExhausted   = "RETRY_EXHAUSTED"
	ErrCodeExecutorFailed   = "EXECUTOR_FAILED"
	ErrCodeUnknownKind      = "UNKNOWN_KIND"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
