package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultStepTimeout bounds a single step attempt when the spec does not
// set one. A hung collaborator must never stall a run indefinitely.
const DefaultStepTimeout = 5 * time.Minute

// GraphRunner drives a compiled graph through the step state machine:
// governor check, executor invocation (through the external caller for
// collaborator steps), result recording, and the rollback sweep on failure.
//
// Scheduling is single-threaded and sequential: independent branches are not
// parallelized, which bounds the blast radius of a run and gives exactly one
// step write access to the ExecutionContext at any instant.
type GraphRunner struct {
	registry *Registry
	governor Governor
	caller   ExternalCaller
	observer Observer
	logger   zerolog.Logger

	defaultTimeout time.Duration
	now            func() time.Time
}

// RunnerOption configures a GraphRunner.
type RunnerOption func(*GraphRunner)

// WithLogger sets the runner's logger.
func WithLogger(logger zerolog.Logger) RunnerOption {
	return func(r *GraphRunner) { r.logger = logger }
}

// WithExternalCaller routes collaborator steps through the given caller
// (retry + circuit breaking).
func WithExternalCaller(caller ExternalCaller) RunnerOption {
	return func(r *GraphRunner) { r.caller = caller }
}

// WithObserver attaches a run observer.
func WithObserver(obs Observer) RunnerOption {
	return func(r *GraphRunner) { r.observer = obs }
}

// WithDefaultTimeout overrides the default per-step timeout.
func WithDefaultTimeout(d time.Duration) RunnerOption {
	return func(r *GraphRunner) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// NewGraphRunner creates a runner over the given executor registry and
// governor.
func NewGraphRunner(registry *Registry, governor Governor, opts ...RunnerOption) *GraphRunner {
	r := &GraphRunner{
		registry:       registry,
		governor:       governor,
		observer:       NopObserver{},
		logger:         zerolog.Nop(),
		defaultTimeout: DefaultStepTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOptions carries per-run inputs.
type RunOptions struct {
	// ApprovalTokens maps step IDs to externally issued approval tokens.
	// A step that the governor escalates to REQUIRE_APPROVAL proceeds only
	// when a token is present; the runner never auto-approves.
	ApprovalTokens map[string]string

	// ForceDryRun overrides the spec's dry-run flag. Contract replay always
	// sets it.
	ForceDryRun bool
}

// runState is the runner's mutable bookkeeping for one run.
type runState struct {
	graph           *CompiledGraph
	ec              *ExecutionContext
	statuses        map[string]StepStatus
	results         map[string]*StepResult
	skipSatisfies   map[string]bool
	completionOrder []string
	decisions       []Decision
	runErr          *RunError
	halted          bool
	awaiting        bool
}

// Run executes the compiled graph and returns the final result. Run-level
// failures (failed steps, budget stops, pending approvals) are reported in
// the result, not as a returned error; the returned error covers setup
// problems only (unknown kinds, rollback capability mismatches).
func (r *GraphRunner) Run(ctx context.Context, graph *CompiledGraph, opts RunOptions) (*ExecutionResult, error) {
	if err := r.registry.Validate(graph); err != nil {
		return nil, err
	}

	spec := graph.Spec
	dryRun := spec.DryRun || opts.ForceDryRun
	runID := uuid.New().String()
	logger := r.logger.With().Str("run_id", runID).Str("graph_id", spec.GraphID).Logger()

	st := &runState{
		graph:         graph,
		ec:            NewExecutionContext(dryRun),
		statuses:      make(map[string]StepStatus, len(spec.Steps)),
		results:       make(map[string]*StepResult, len(spec.Steps)),
		skipSatisfies: make(map[string]bool),
	}
	for _, id := range graph.Order {
		st.statuses[id] = StepStatusPending
	}

	startedAt := r.now()
	st.ec.EmitAuditEvent(EventTypeRunStarted, "", map[string]interface{}{
		"graph_id": spec.GraphID,
		"dry_run":  dryRun,
	})
	r.observer.RunStarted(runID, spec.GraphID, dryRun)
	logger.Info().Bool("dry_run", dryRun).Int("steps", len(spec.Steps)).Msg("run started")

	for _, id := range graph.Order {
		if st.halted || st.awaiting {
			break
		}
		if err := ctx.Err(); err != nil {
			st.runErr = NewPermanentError("run cancelled", err).WithCode(ErrCodeInternal)
			st.halted = true
			break
		}

		step := graph.Step(id)

		if reason, ok := r.unsatisfiedDependency(st, step); !ok {
			r.markSkipped(st, step, reason, logger)
			continue
		}

		decision, err := r.governor.Check(ctx, step)
		if err != nil {
			st.runErr = Classify(err).WithStep(step.ID)
			st.halted = true
			break
		}
		decision.StepID = step.ID
		if decision.DecidedAt.IsZero() {
			decision.DecidedAt = r.now()
		}
		st.decisions = append(st.decisions, *decision)
		st.ec.EmitAuditEvent(EventTypeDecision, step.ID, map[string]interface{}{
			"result":       string(decision.Result),
			"reason":       decision.Reason,
			"matched_rule": decision.MatchedRule,
		})
		r.observer.DecisionMade(runID, decision)

		switch decision.Result {
		case DecisionDeny:
			r.markDenied(st, step, decision, logger)
			if step.Critical || spec.StopOnFirstError {
				st.halted = true
			}

		case DecisionDegrade:
			r.markSkipped(st, step, decision.Reason, logger)
			st.skipSatisfies[step.ID] = spec.DegradedDependents != DegradeSkipsDependents

		case DecisionRequireApproval:
			if _, approved := opts.ApprovalTokens[step.ID]; !approved {
				st.awaiting = true
				st.runErr = NewApprovalRequiredError(step.ID, decision.Reason)
				logger.Warn().Str("step_id", step.ID).Str("reason", decision.Reason).
					Msg("halting run pending approval")
				break
			}
			r.governor.Commit(step)
			r.executeStep(ctx, st, step, runID, logger)

		case DecisionAllow:
			r.governor.Commit(step)
			r.executeStep(ctx, st, step, runID, logger)
		}
	}

	status := RunStatusCompleted
	switch {
	case st.awaiting:
		status = RunStatusAwaitingApproval
	case st.runErr != nil:
		status = RunStatusFailed
	}

	var rollback *RollbackSummary
	if status == RunStatusFailed && spec.AutoRollback {
		rollback = r.rollbackSweep(ctx, st, dryRun, logger)
	}

	result := r.assembleResult(st, runID, status, dryRun, startedAt, rollback)
	st.ec.EmitAuditEvent(EventTypeRunFinished, "", map[string]interface{}{
		"status": string(status),
	})
	result.AuditEvents = st.ec.AuditEvents()
	r.observer.RunFinished(result)
	logger.Info().Str("status", string(status)).Msg("run finished")

	return result, nil
}

// unsatisfiedDependency reports whether all dependencies of the step are
// satisfied. A completed dependency always satisfies; a skipped dependency
// satisfies only when its skip was a DEGRADE under the satisfy policy.
func (r *GraphRunner) unsatisfiedDependency(st *runState, step *StepSpec) (string, bool) {
	for _, dep := range step.DependsOn {
		switch st.statuses[dep] {
		case StepStatusCompleted:
			continue
		case StepStatusSkipped:
			if st.skipSatisfies[dep] {
				continue
			}
			return "dependency " + dep + " was skipped", false
		default:
			return "dependency " + dep + " did not complete", false
		}
	}
	return "", true
}

// executeStep runs one allowed step through its executor, routing through
// the external caller when the step names a collaborator.
func (r *GraphRunner) executeStep(ctx context.Context, st *runState, step *StepSpec, runID string, logger zerolog.Logger) {
	st.statuses[step.ID] = StepStatusRunning
	started := r.now()
	st.ec.EmitAuditEvent(EventTypeStepStarted, step.ID, map[string]interface{}{
		"kind": step.Kind,
	})
	r.observer.StepStarted(runID, step)
	logger.Debug().Str("step_id", step.ID).Str("kind", step.Kind).Msg("step started")

	exec, _ := r.registry.Resolve(step.Kind)
	invoke := exec.Execute
	if st.ec.DryRun() {
		invoke = exec.DryRun
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	var out *StepOutput
	var err error
	if step.Collaborator != "" && r.caller != nil {
		err = r.caller.Call(ctx, step.Collaborator, timeout, func(cctx context.Context) error {
			var callErr error
			out, callErr = invoke(cctx, st.ec, step)
			return callErr
		})
	} else {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		out, err = invoke(cctx, st.ec, step)
		cancel()
	}

	completed := r.now()
	r.governor.RecordDuration(completed.Sub(started))

	sr := &StepResult{
		StepID:      step.ID,
		StartedAt:   started,
		CompletedAt: completed,
	}

	if err != nil {
		classified := Classify(err).WithStep(step.ID)
		sr.Status = StepStatusFailed
		sr.Error = classified
		st.statuses[step.ID] = StepStatusFailed
		st.results[step.ID] = sr
		if st.runErr == nil {
			st.runErr = classified
		}
		if step.Critical || st.graph.Spec.StopOnFirstError {
			st.halted = true
		}
		st.ec.EmitAuditEvent(EventTypeStepFailed, step.ID, map[string]interface{}{
			"error": classified.Error(),
		})
		r.observer.StepFinished(runID, step, sr)
		logger.Error().Str("step_id", step.ID).Err(classified).Msg("step failed")
		return
	}

	if out != nil {
		sr.Output = out.Output
		sr.Artifacts = out.Artifacts
		for _, ref := range out.Artifacts {
			st.ec.AddArtifact(ref)
		}
	}
	sr.Status = StepStatusCompleted
	st.statuses[step.ID] = StepStatusCompleted
	st.results[step.ID] = sr
	st.completionOrder = append(st.completionOrder, step.ID)
	st.ec.EmitAuditEvent(EventTypeStepCompleted, step.ID, map[string]interface{}{
		"artifacts": len(sr.Artifacts),
	})
	r.observer.StepFinished(runID, step, sr)
	logger.Debug().Str("step_id", step.ID).Dur("duration", sr.Duration()).Msg("step completed")
}

// markDenied records a governor denial as a failed step without invoking
// the executor, guaranteeing no partial side effect from a disallowed step.
func (r *GraphRunner) markDenied(st *runState, step *StepSpec, decision *Decision, logger zerolog.Logger) {
	var stepErr *RunError
	if decision.MatchedRule != "" {
		stepErr = NewPolicyDeniedError(decision.Reason)
	} else {
		stepErr = NewBudgetExceededError(decision.Reason)
	}
	stepErr.StepID = step.ID

	now := r.now()
	sr := &StepResult{
		StepID:      step.ID,
		Status:      StepStatusFailed,
		StartedAt:   now,
		CompletedAt: now,
		Error:       stepErr,
	}
	st.statuses[step.ID] = StepStatusFailed
	st.results[step.ID] = sr
	if st.runErr == nil {
		st.runErr = stepErr
	}
	st.ec.EmitAuditEvent(EventTypeStepFailed, step.ID, map[string]interface{}{
		"error":  stepErr.Error(),
		"denied": true,
	})
	logger.Warn().Str("step_id", step.ID).Str("reason", decision.Reason).Msg("step denied")
}

// markSkipped records a skipped step (degrade or unsatisfied dependency).
// Skipped steps count toward neither failure nor success.
func (r *GraphRunner) markSkipped(st *runState, step *StepSpec, reason string, logger zerolog.Logger) {
	now := r.now()
	sr := &StepResult{
		StepID:      step.ID,
		Status:      StepStatusSkipped,
		StartedAt:   now,
		CompletedAt: now,
		Output:      map[string]interface{}{"skip_reason": reason},
	}
	st.statuses[step.ID] = StepStatusSkipped
	st.results[step.ID] = sr
	st.ec.EmitAuditEvent(EventTypeStepSkipped, step.ID, map[string]interface{}{
		"reason": reason,
	})
	logger.Info().Str("step_id", step.ID).Str("reason", reason).Msg("step skipped")
}

// rollbackSweep iterates completed, rollback-capable steps in reverse
// completion order, invoking their compensating actions. Each attempt is
// independently fallible and independently logged; failures never abort the
// sweep and never change already-terminal statuses.
func (r *GraphRunner) rollbackSweep(ctx context.Context, st *runState, dryRun bool, logger zerolog.Logger) *RollbackSummary {
	summary := &RollbackSummary{}
	if dryRun {
		// Nothing to undo: dry-run produced no external side effects.
		return summary
	}

	summary.Attempted = true
	st.ec.EmitAuditEvent(EventTypeRollbackStarted, "", map[string]interface{}{
		"completed_steps": len(st.completionOrder),
	})
	logger.Info().Int("completed_steps", len(st.completionOrder)).Msg("starting rollback sweep")

	for i := len(st.completionOrder) - 1; i >= 0; i-- {
		id := st.completionOrder[i]
		step := st.graph.Step(id)
		if !step.RollbackCapable || st.statuses[id] != StepStatusCompleted {
			continue
		}

		exec, _ := r.registry.Resolve(step.Kind)
		rollbackable := exec.(RollbackableExecutor)

		rctx, cancel := context.WithTimeout(ctx, r.defaultTimeout)
		err := rollbackable.Rollback(rctx, st.ec, step)
		cancel()

		sr := st.results[id]
		if err != nil {
			rbErr := NewRollbackError(id, err)
			sr.RollbackError = rbErr
			summary.Failed = append(summary.Failed, id)
			st.ec.EmitAuditEvent(EventTypeRollbackFailed, id, map[string]interface{}{
				"error": rbErr.Error(),
			})
			logger.Error().Str("step_id", id).Err(err).Msg("rollback failed")
			continue
		}

		sr.Status = StepStatusRolledBack
		st.statuses[id] = StepStatusRolledBack
		summary.RolledBack = append(summary.RolledBack, id)
		st.ec.EmitAuditEvent(EventTypeRollbackStep, id, nil)
		logger.Info().Str("step_id", id).Msg("step rolled back")
	}

	return summary
}

// assembleResult builds the final ExecutionResult with steps in compiled
// execution order. Steps that never left pending are omitted from Steps and
// reported through the summary.
func (r *GraphRunner) assembleResult(st *runState, runID string, status RunStatus, dryRun bool, startedAt time.Time, rollback *RollbackSummary) *ExecutionResult {
	result := &ExecutionResult{
		RunID:       runID,
		GraphID:     st.graph.Spec.GraphID,
		Status:      status,
		DryRun:      dryRun,
		StartedAt:   startedAt,
		CompletedAt: r.now(),
		Decisions:   st.decisions,
		Rollback:    rollback,
		Error:       st.runErr,
	}
	for _, id := range st.graph.Order {
		if sr, ok := st.results[id]; ok {
			result.Steps = append(result.Steps, *sr)
		}
	}
	return result
}
