package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeGovernor returns scripted decisions per step and records commits.
type fakeGovernor struct {
	mu        sync.Mutex
	decisions map[string]*Decision
	committed []string
	durations []time.Duration
}

func newFakeGovernor() *fakeGovernor {
	return &fakeGovernor{decisions: make(map[string]*Decision)}
}

func (g *fakeGovernor) decide(stepID string, result DecisionResult, reason, rule string) {
	g.decisions[stepID] = &Decision{Result: result, Reason: reason, MatchedRule: rule}
}

func (g *fakeGovernor) Check(_ context.Context, step *StepSpec) (*Decision, error) {
	if d, ok := g.decisions[step.ID]; ok {
		copied := *d
		return &copied, nil
	}
	return &Decision{Result: DecisionAllow}, nil
}

func (g *fakeGovernor) Commit(step *StepSpec) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.committed = append(g.committed, step.ID)
}

func (g *fakeGovernor) RecordDuration(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.durations = append(g.durations, d)
}

// recordingExecutor counts live and dry-run invocations and can be scripted
// to fail on particular steps.
type recordingExecutor struct {
	kind      string
	mu        sync.Mutex
	executed  []string
	dryRuns   []string
	failOn    map[string]error
	rolledBak []string
	failRB    map[string]error
}

func newRecordingExecutor(kind string) *recordingExecutor {
	return &recordingExecutor{
		kind:   kind,
		failOn: make(map[string]error),
		failRB: make(map[string]error),
	}
}

func (e *recordingExecutor) Kind() string { return e.kind }

func (e *recordingExecutor) Execute(_ context.Context, _ *ExecutionContext, step *StepSpec) (*StepOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = append(e.executed, step.ID)
	if err, ok := e.failOn[step.ID]; ok {
		return nil, err
	}
	return &StepOutput{Output: map[string]interface{}{"done": true}}, nil
}

func (e *recordingExecutor) DryRun(_ context.Context, _ *ExecutionContext, step *StepSpec) (*StepOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dryRuns = append(e.dryRuns, step.ID)
	return &StepOutput{Output: map[string]interface{}{"simulated": true}}, nil
}

func (e *recordingExecutor) Rollback(_ context.Context, _ *ExecutionContext, step *StepSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rolledBak = append(e.rolledBak, step.ID)
	if err, ok := e.failRB[step.ID]; ok {
		return err
	}
	return nil
}

func testRunner(t *testing.T, exec StepExecutor, gov Governor, opts ...RunnerOption) *GraphRunner {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register(exec); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return NewGraphRunner(reg, gov, opts...)
}

func compile(t *testing.T, spec *GraphSpec) *CompiledGraph {
	t.Helper()
	graph, err := NewGraphCompiler().Compile(spec)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return graph
}

func TestRunHappyPath(t *testing.T) {
	exec := newRecordingExecutor("noop")
	gov := newFakeGovernor()
	runner := testRunner(t, exec, gov)

	graph := compile(t, &GraphSpec{
		GraphID: "happy",
		Steps: []StepSpec{
			step("a"),
			step("b", "a"),
			step("c", "b"),
		},
	})

	result, err := runner.Run(context.Background(), graph, RunOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != RunStatusCompleted {
		t.Fatalf("status = %s, want %s", result.Status, RunStatusCompleted)
	}
	if len(exec.executed) != 3 {
		t.Fatalf("executed = %v, want 3 steps", exec.executed)
	}
	for i, want := range []string{"a", "b", "c"} {
		if exec.executed[i] != want {
			t.Errorf("executed[%d] = %q, want %q", i, exec.executed[i], want)
		}
	}
	if len(gov.committed) != 3 {
		t.Errorf("committed = %v, want every step charged", gov.committed)
	}
	if len(result.Decisions) != 3 {
		t.Errorf("decisions = %d, want 3", len(result.Decisions))
	}
	for _, sr := range result.Steps {
		if sr.Status != StepStatusCompleted {
			t.Errorf("step %s status = %s, want completed", sr.StepID, sr.Status)
		}
	}
}

func TestRunBudgetDenyHaltsAndSkipsRemaining(t *testing.T) {
	exec := newRecordingExecutor("noop")
	gov := newFakeGovernor()
	gov.decide("c", DecisionDeny, "max_steps ceiling reached", "")
	runner := testRunner(t, exec, gov)

	graph := compile(t, &GraphSpec{
		GraphID:          "budget",
		StopOnFirstError: true,
		Steps: []StepSpec{
			step("a"), step("b"), step("c"), step("d"), step("e"),
		},
	})

	result, err := runner.Run(context.Background(), graph, RunOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != RunStatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
	if len(exec.executed) != 2 {
		t.Fatalf("executed = %v, want only a and b", exec.executed)
	}
	if !IsBudgetExceeded(result.Error) {
		t.Errorf("run error = %v, want budget exceeded", result.Error)
	}
	if sr := result.StepResult("c"); sr == nil || sr.Status != StepStatusFailed {
		t.Error("denied step not recorded as failed")
	}
	// d and e never left pending.
	if result.StepResult("d") != nil || result.StepResult("e") != nil {
		t.Error("steps after the halt were recorded")
	}
}

func TestRunPolicyDenyNonCriticalContinues(t *testing.T) {
	exec := newRecordingExecutor("noop")
	gov := newFakeGovernor()
	gov.decide("b", DecisionDeny, "collaborator not allowed", "deny_collaborator")
	runner := testRunner(t, exec, gov)

	graph := compile(t, &GraphSpec{
		GraphID: "deny-continue",
		Steps: []StepSpec{
			step("a"),
			step("b"),
			step("c", "b"),
			step("d"),
		},
	})

	result, err := runner.Run(context.Background(), graph, RunOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != RunStatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
	if !IsPolicyDenied(result.Error) {
		t.Errorf("run error = %v, want policy denied", result.Error)
	}
	if sr := result.StepResult("c"); sr == nil || sr.Status != StepStatusSkipped {
		t.Error("dependent of denied step should be skipped")
	}
	if sr := result.StepResult("d"); sr == nil || sr.Status != StepStatusCompleted {
		t.Error("independent step should still execute")
	}
}

func TestRunDegradeSatisfiesDependentsByDefault(t *testing.T) {
	exec := newRecordingExecutor("noop")
	gov := newFakeGovernor()
	gov.decide("cache", DecisionDegrade, "steps budget above soft threshold", "")
	runner := testRunner(t, exec, gov)

	graph := compile(t, &GraphSpec{
		GraphID: "degrade-satisfy",
		Steps: []StepSpec{
			step("cache"),
			step("serve", "cache"),
		},
	})

	result, err := runner.Run(context.Background(), graph, RunOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != RunStatusCompleted {
		t.Fatalf("status = %s, want completed", result.Status)
	}
	if sr := result.StepResult("cache"); sr == nil || sr.Status != StepStatusSkipped {
		t.Error("degraded step should be skipped")
	}
	if sr := result.StepResult("serve"); sr == nil || sr.Status != StepStatusCompleted {
		t.Error("dependent should execute when degraded skips satisfy")
	}
}

func TestRunDegradeSkipPolicyPropagates(t *testing.T) {
	exec := newRecordingExecutor("noop")
	gov := newFakeGovernor()
	gov.decide("cache", DecisionDegrade, "steps budget above soft threshold", "")
	runner := testRunner(t, exec, gov)

	graph := compile(t, &GraphSpec{
		GraphID:            "degrade-skip",
		DegradedDependents: DegradeSkipsDependents,
		Steps: []StepSpec{
			step("cache"),
			step("serve", "cache"),
			step("report", "serve"),
		},
	})

	result, err := runner.Run(context.Background(), graph, RunOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != RunStatusCompleted {
		t.Fatalf("status = %s, want completed", result.Status)
	}
	for _, id := range []string{"cache", "serve", "report"} {
		if sr := result.StepResult(id); sr == nil || sr.Status != StepStatusSkipped {
			t.Errorf("step %s should be skipped under the skip policy", id)
		}
	}
	if len(exec.executed) != 0 {
		t.Errorf("executed = %v, want none", exec.executed)
	}
}

func TestRunCriticalFailureTriggersReverseRollback(t *testing.T) {
	exec := newRecordingExecutor("noop")
	exec.failOn["c"] = errors.New("disk full")
	gov := newFakeGovernor()
	runner := testRunner(t, exec, gov)

	rollbackable := func(id string, deps ...string) StepSpec {
		s := step(id, deps...)
		s.RollbackCapable = true
		return s
	}
	critical := step("c", "b")
	critical.Critical = true

	graph := compile(t, &GraphSpec{
		GraphID:      "rollback",
		AutoRollback: true,
		Steps: []StepSpec{
			rollbackable("a"),
			rollbackable("b", "a"),
			critical,
		},
	})

	result, err := runner.Run(context.Background(), graph, RunOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != RunStatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
	if result.Rollback == nil || !result.Rollback.Attempted {
		t.Fatal("rollback sweep did not run")
	}
	if len(exec.rolledBak) != 2 || exec.rolledBak[0] != "b" || exec.rolledBak[1] != "a" {
		t.Fatalf("rollback order = %v, want [b a]", exec.rolledBak)
	}
	for _, id := range []string{"a", "b"} {
		if sr := result.StepResult(id); sr == nil || sr.Status != StepStatusRolledBack {
			t.Errorf("step %s status should be rolled_back", id)
		}
	}
	if !result.Rollback.Complete() {
		t.Error("sweep with no failures should report complete")
	}
}

func TestRunRollbackFailureDoesNotAbortSweep(t *testing.T) {
	exec := newRecordingExecutor("noop")
	exec.failOn["fail"] = errors.New("boom")
	exec.failRB["b"] = errors.New("cannot undo")
	gov := newFakeGovernor()
	runner := testRunner(t, exec, gov)

	rollbackable := func(id string, deps ...string) StepSpec {
		s := step(id, deps...)
		s.RollbackCapable = true
		return s
	}
	last := step("fail", "b")
	last.Critical = true

	graph := compile(t, &GraphSpec{
		GraphID:      "rollback-partial",
		AutoRollback: true,
		Steps: []StepSpec{
			rollbackable("a"),
			rollbackable("b", "a"),
			last,
		},
	})

	result, err := runner.Run(context.Background(), graph, RunOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	rb := result.Rollback
	if rb == nil || rb.Complete() {
		t.Fatal("sweep with a failed rollback should not report complete")
	}
	if len(rb.Failed) != 1 || rb.Failed[0] != "b" {
		t.Errorf("failed = %v, want [b]", rb.Failed)
	}
	if len(rb.RolledBack) != 1 || rb.RolledBack[0] != "a" {
		t.Errorf("rolled back = %v, want [a]", rb.RolledBack)
	}
	if sr := result.StepResult("b"); sr == nil || sr.RollbackError == nil {
		t.Error("rollback failure should be recorded on the step result")
	}
	if sr := result.StepResult("b"); sr != nil && sr.Status != StepStatusCompleted {
		t.Errorf("step b status = %s, want completed preserved", sr.Status)
	}
}

func TestRunApprovalWithoutTokenParksRun(t *testing.T) {
	exec := newRecordingExecutor("noop")
	gov := newFakeGovernor()
	gov.decide("deploy", DecisionRequireApproval, "production deploy", "require_approval_deploy")
	runner := testRunner(t, exec, gov)

	graph := compile(t, &GraphSpec{
		GraphID: "approval",
		Steps: []StepSpec{
			step("build"),
			step("deploy", "build"),
			step("announce", "deploy"),
		},
	})

	result, err := runner.Run(context.Background(), graph, RunOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != RunStatusAwaitingApproval {
		t.Fatalf("status = %s, want awaiting_approval", result.Status)
	}
	if !IsApprovalRequired(result.Error) {
		t.Errorf("run error = %v, want approval required", result.Error)
	}
	if len(exec.executed) != 1 || exec.executed[0] != "build" {
		t.Errorf("executed = %v, want only build", exec.executed)
	}
	// The escalated step must not execute and must not be charged.
	for _, id := range gov.committed {
		if id == "deploy" {
			t.Error("escalated step was charged without approval")
		}
	}
}

func TestRunApprovalWithTokenProceeds(t *testing.T) {
	exec := newRecordingExecutor("noop")
	gov := newFakeGovernor()
	gov.decide("deploy", DecisionRequireApproval, "production deploy", "require_approval_deploy")
	runner := testRunner(t, exec, gov)

	graph := compile(t, &GraphSpec{
		GraphID: "approval-token",
		Steps: []StepSpec{
			step("build"),
			step("deploy", "build"),
		},
	})

	result, err := runner.Run(context.Background(), graph, RunOptions{
		ApprovalTokens: map[string]string{"deploy": "ticket-4821"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != RunStatusCompleted {
		t.Fatalf("status = %s, want completed", result.Status)
	}
	found := false
	for _, id := range gov.committed {
		if id == "deploy" {
			found = true
		}
	}
	if !found {
		t.Error("approved step was not charged")
	}
}

func TestRunDryRunUsesDryRunPathAndSkipsRollback(t *testing.T) {
	exec := newRecordingExecutor("noop")
	gov := newFakeGovernor()
	gov.decide("b", DecisionDeny, "max_external_calls ceiling reached", "")
	runner := testRunner(t, exec, gov)

	graph := compile(t, &GraphSpec{
		GraphID:      "dry",
		DryRun:       true,
		AutoRollback: true,
		Steps: []StepSpec{
			func() StepSpec { s := step("a"); s.RollbackCapable = true; return s }(),
			func() StepSpec { s := step("b"); s.Critical = true; return s }(),
		},
	})

	result, err := runner.Run(context.Background(), graph, RunOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.DryRun {
		t.Error("result should be flagged dry-run")
	}
	if len(exec.executed) != 0 {
		t.Errorf("live executions = %v, want none in dry-run", exec.executed)
	}
	if len(exec.dryRuns) != 1 || exec.dryRuns[0] != "a" {
		t.Errorf("dry runs = %v, want [a]", exec.dryRuns)
	}
	// Governance applies identically: the denial still fails the run.
	if result.Status != RunStatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
	if len(exec.rolledBak) != 0 {
		t.Errorf("rollbacks = %v, want none in dry-run", exec.rolledBak)
	}
}

func TestRunRoutesCollaboratorStepsThroughCaller(t *testing.T) {
	exec := newRecordingExecutor("noop")
	gov := newFakeGovernor()

	var calls []string
	caller := externalCallerFunc(func(ctx context.Context, collaborator string, timeout time.Duration, fn func(context.Context) error) error {
		calls = append(calls, collaborator)
		if timeout <= 0 {
			t.Errorf("caller received non-positive timeout %v", timeout)
		}
		return fn(ctx)
	})
	runner := testRunner(t, exec, gov, WithExternalCaller(caller))

	remote := step("fetch")
	remote.Collaborator = "payments-api"

	graph := compile(t, &GraphSpec{
		GraphID: "collab",
		Steps:   []StepSpec{step("local"), remote},
	})

	result, err := runner.Run(context.Background(), graph, RunOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != RunStatusCompleted {
		t.Fatalf("status = %s, want completed", result.Status)
	}
	if len(calls) != 1 || calls[0] != "payments-api" {
		t.Errorf("caller invocations = %v, want only the collaborator step", calls)
	}
}

type externalCallerFunc func(context.Context, string, time.Duration, func(context.Context) error) error

func (f externalCallerFunc) Call(ctx context.Context, collaborator string, timeout time.Duration, fn func(context.Context) error) error {
	return f(ctx, collaborator, timeout, fn)
}

func TestRunAuditTrailCoversLifecycle(t *testing.T) {
	exec := newRecordingExecutor("noop")
	gov := newFakeGovernor()
	runner := testRunner(t, exec, gov)

	graph := compile(t, &GraphSpec{
		GraphID: "audit",
		Steps:   []StepSpec{step("only")},
	})

	result, err := runner.Run(context.Background(), graph, RunOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var types []AuditEventType
	for _, ev := range result.AuditEvents {
		types = append(types, ev.EventType)
	}
	want := []AuditEventType{
		EventTypeRunStarted,
		EventTypeDecision,
		EventTypeStepStarted,
		EventTypeStepCompleted,
		EventTypeRunFinished,
	}
	if len(types) != len(want) {
		t.Fatalf("audit events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestRunUnknownKindRejectedBeforeExecution(t *testing.T) {
	exec := newRecordingExecutor("noop")
	gov := newFakeGovernor()
	runner := testRunner(t, exec, gov)

	graph := compile(t, &GraphSpec{
		GraphID: "unknown",
		Steps:   []StepSpec{{ID: "a", Kind: "telepathy"}},
	})

	if _, err := runner.Run(context.Background(), graph, RunOptions{}); err == nil {
		t.Fatal("Run accepted a graph with an unregistered kind")
	}
	if len(exec.executed)+len(exec.dryRuns) != 0 {
		t.Error("no step should run when validation fails")
	}
}
