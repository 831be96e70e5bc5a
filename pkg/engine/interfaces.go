package engine

import (
	"context"
	"time"
)

// Governor evaluates the budget and policy set before each step. It is
// consulted immediately before execution, with zero side effects on DENY.
// Budget checks and counter increments run under dry-run exactly as under
// live execution.
type Governor interface {
	// Check produces a fresh Decision for the step. The returned decision is
	// never cached across steps, and Check never mutates budget counters.
	Check(ctx context.Context, step *StepSpec) (*Decision, error)

	// Commit charges the step against the budget counters. The runner calls
	// it once per step that will actually execute: after an ALLOW, or after
	// a REQUIRE_APPROVAL satisfied by an approval token.
	Commit(step *StepSpec)

	// RecordDuration charges elapsed wall-clock time against the duration
	// budget. Called by the runner after each step.
	RecordDuration(d time.Duration)
}

// ExternalCaller wraps invocations that cross into an external collaborator
// with resilience concerns (retry, circuit breaking, timeouts). The runner
// routes a step through its caller whenever the step names a collaborator.
type ExternalCaller interface {
	// Call invokes fn against the named collaborator identity, bounding each
	// attempt by the given timeout.
	Call(ctx context.Context, collaborator string, timeout time.Duration, fn func(context.Context) error) error
}

// Observer receives run lifecycle notifications. Implementations must be
// cheap and non-blocking; the runner calls them inline.
type Observer interface {
	// RunStarted is called once when the run begins.
	RunStarted(runID, graphID string, dryRun bool)

	// RunFinished is called once with the final result.
	RunFinished(result *ExecutionResult)

	// StepStarted is called when a step transitions to running.
	StepStarted(runID string, step *StepSpec)

	// StepFinished is called when a step reaches a terminal status.
	StepFinished(runID string, step *StepSpec, result *StepResult)

	// DecisionMade is called for every governor decision.
	DecisionMade(runID string, decision *Decision)
}

// NopObserver is an Observer that does nothing.
type NopObserver struct{}

// RunStarted implements Observer.
func (NopObserver) RunStarted(string, string, bool) {}

// RunFinished implements Observer.
func (NopObserver) RunFinished(*ExecutionResult) {}

// StepStarted implements Observer.
func (NopObserver) StepStarted(string, *StepSpec) {}

// StepFinished implements Observer.
func (NopObserver) StepFinished(string, *StepSpec, *StepResult) {}

// DecisionMade implements Observer.
func (NopObserver) DecisionMade(string, *Decision) {}
