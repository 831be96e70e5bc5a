package contract

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/runforge/runforge/pkg/engine"
)

// stubRunner replays a scripted status per step.
type stubRunner struct {
	statusFor  func(stepID string) engine.StepStatus
	sawDryRun  bool
	runnerCall int
}

func (s *stubRunner) Run(_ context.Context, graph *engine.CompiledGraph, opts engine.RunOptions) (*engine.ExecutionResult, error) {
	s.runnerCall++
	s.sawDryRun = opts.ForceDryRun

	result := &engine.ExecutionResult{
		RunID:   "replay-run",
		GraphID: graph.Spec.GraphID,
		Status:  engine.RunStatusCompleted,
		DryRun:  true,
	}
	for _, id := range graph.Order {
		status := engine.StepStatusCompleted
		if s.statusFor != nil {
			status = s.statusFor(id)
		}
		result.Steps = append(result.Steps, engine.StepResult{StepID: id, Status: status})
		result.Decisions = append(result.Decisions, engine.Decision{StepID: id, Result: engine.DecisionAllow})
	}
	return result, nil
}

func finalizedContract(t *testing.T) *RunContract {
	t.Helper()
	c, err := New(sampleSpec())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.Finalize(sampleResult()); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	return c
}

func TestReplayMatchesRecordedOutcome(t *testing.T) {
	runner := &stubRunner{}
	replayer := NewReplayer(runner, zerolog.Nop())

	report, err := replayer.Replay(context.Background(), finalizedContract(t))
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if !runner.sawDryRun {
		t.Error("replay did not force dry-run")
	}
	if !report.Matched {
		t.Errorf("report diverged: %v", report.Divergences)
	}
}

func TestReplayReportsDivergence(t *testing.T) {
	runner := &stubRunner{
		statusFor: func(stepID string) engine.StepStatus {
			if stepID == "apply" {
				return engine.StepStatusFailed
			}
			return engine.StepStatusCompleted
		},
	}
	replayer := NewReplayer(runner, zerolog.Nop())

	report, err := replayer.Replay(context.Background(), finalizedContract(t))
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if report.Matched {
		t.Fatal("report matched despite a diverged step status")
	}
	if len(report.Divergences) == 0 {
		t.Fatal("no divergences reported")
	}
}

func TestReplayRefusesTamperedContract(t *testing.T) {
	c := finalizedContract(t)
	c.Spec.Steps[0].Kind = "shell"

	runner := &stubRunner{}
	replayer := NewReplayer(runner, zerolog.Nop())

	if _, err := replayer.Replay(context.Background(), c); err == nil {
		t.Fatal("Replay accepted a tampered contract")
	}
	if runner.runnerCall != 0 {
		t.Error("Replay executed a tampered contract")
	}
}

func TestReplayRefusesUnfinalizedContract(t *testing.T) {
	c, err := New(sampleSpec())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	replayer := NewReplayer(&stubRunner{}, zerolog.Nop())
	if _, err := replayer.Replay(context.Background(), c); err == nil {
		t.Error("Replay accepted an unfinalized contract")
	}
}
