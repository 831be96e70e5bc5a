package contract

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/runforge/runforge/pkg/engine"
)

// Runner abstracts graph execution for replay.
type Runner interface {
	Run(ctx context.Context, graph *engine.CompiledGraph, opts engine.RunOptions) (*engine.ExecutionResult, error)
}

// ReplayReport is the outcome of replaying a contract.
type ReplayReport struct {
	// Result is the replayed execution result.
	Result *engine.ExecutionResult

	// Matched is true when the replayed outcome hash equals the recorded one.
	Matched bool

	// Divergences lists human-readable differences between the recorded and
	// replayed outcomes. Empty when Matched.
	Divergences []string
}

// Replayer re-executes finalized contracts in dry-run mode and reports
// divergence from the recorded outcome.
type Replayer struct {
	compiler *engine.GraphCompiler
	runner   Runner
	logger   zerolog.Logger
}

// NewReplayer creates a replayer over the given runner.
func NewReplayer(runner Runner, logger zerolog.Logger) *Replayer {
	return &Replayer{
		compiler: engine.NewGraphCompiler(),
		runner:   runner,
		logger:   logger.With().Str("component", "replayer").Logger(),
	}
}

// Replay verifies the contract, recompiles its spec, and runs it with
// dry-run forced so the replay cannot produce external side effects. The
// recorded and replayed outcomes are then compared step by step.
func (r *Replayer) Replay(ctx context.Context, c *RunContract) (*ReplayReport, error) {
	if err := c.Verify(); err != nil {
		return nil, fmt.Errorf("refusing to replay unverified contract: %w", err)
	}
	if c.Outcome == nil {
		return nil, fmt.Errorf("contract %s is not finalized", c.ContractID)
	}

	graph, err := r.compiler.Compile(c.Spec)
	if err != nil {
		return nil, fmt.Errorf("failed to compile contract spec: %w", err)
	}

	result, err := r.runner.Run(ctx, graph, engine.RunOptions{ForceDryRun: true})
	if err != nil {
		return nil, fmt.Errorf("replay execution failed: %w", err)
	}

	replayed := projectOutcome(result)
	// Dry-run status is forced, so compare against the recorded mode.
	replayed.DryRun = c.Outcome.DryRun

	report := &ReplayReport{
		Result:      result,
		Divergences: diffOutcomes(c.Outcome, replayed),
	}
	report.Matched = len(report.Divergences) == 0

	r.logger.Info().
		Str("contract_id", c.ContractID).
		Bool("matched", report.Matched).
		Int("divergences", len(report.Divergences)).
		Msg("replay finished")
	return report, nil
}

// diffOutcomes compares two outcomes field by field.
func diffOutcomes(recorded, replayed *Outcome) []string {
	var diffs []string

	if recorded.Status != replayed.Status {
		diffs = append(diffs, fmt.Sprintf("run status: recorded %s, replayed %s", recorded.Status, replayed.Status))
	}
	if recorded.Error != replayed.Error {
		diffs = append(diffs, fmt.Sprintf("run error: recorded %q, replayed %q", recorded.Error, replayed.Error))
	}

	recordedSteps := make(map[string]StepOutcome, len(recorded.Steps))
	for _, s := range recorded.Steps {
		recordedSteps[s.StepID] = s
	}
	replayedSteps := make(map[string]StepOutcome, len(replayed.Steps))
	for _, s := range replayed.Steps {
		replayedSteps[s.StepID] = s
	}
	for _, s := range recorded.Steps {
		got, ok := replayedSteps[s.StepID]
		if !ok {
			diffs = append(diffs, fmt.Sprintf("step %s: recorded %s, missing from replay", s.StepID, s.Status))
			continue
		}
		if got.Status != s.Status {
			diffs = append(diffs, fmt.Sprintf("step %s: recorded %s, replayed %s", s.StepID, s.Status, got.Status))
		}
	}
	for _, s := range replayed.Steps {
		if _, ok := recordedSteps[s.StepID]; !ok {
			diffs = append(diffs, fmt.Sprintf("step %s: replayed %s, missing from record", s.StepID, s.Status))
		}
	}

	if len(recorded.Decisions) != len(replayed.Decisions) {
		diffs = append(diffs, fmt.Sprintf("decision count: recorded %d, replayed %d", len(recorded.Decisions), len(replayed.Decisions)))
	} else {
		for i := range recorded.Decisions {
			a, b := recorded.Decisions[i], replayed.Decisions[i]
			if a.StepID != b.StepID || a.Result != b.Result {
				diffs = append(diffs, fmt.Sprintf("decision %d: recorded %s/%s, replayed %s/%s",
					i, a.StepID, a.Result, b.StepID, b.Result))
			}
		}
	}

	return diffs
}
