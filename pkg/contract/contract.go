// Package contract records runs as hash-verifiable contracts: a snapshot of
// the graph that ran, the decisions taken, and the outcome, each bound by a
// canonical hash so drift is detectable later.
package contract

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/runforge/runforge/pkg/engine"
)

// HashAlgorithmSHA256 is the only hash algorithm contracts are sealed with.
const HashAlgorithmSHA256 = "sha256"

// RunContract binds a graph specification to the observable outcome of one
// run. SpecHash is fixed at creation; OutcomeHash and ContentHash are fixed
// when the run finishes. The hashes cover only deterministic content, so a
// later replay of the same graph can be compared against them.
type RunContract struct {
	ContractID string    `json:"contract_id"`
	GraphID    string    `json:"graph_id"`
	RunID      string    `json:"run_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	// Spec is the exact graph specification this contract covers.
	Spec *engine.GraphSpec `json:"spec"`

	// Outcome is the deterministic projection of the run result. Nil until
	// the contract is finalized.
	Outcome *Outcome `json:"outcome,omitempty"`

	// SpecHash seals the spec at creation, before any step runs.
	SpecHash string `json:"spec_hash"`

	// OutcomeHash seals the outcome projection at finalization.
	OutcomeHash string `json:"outcome_hash,omitempty"`

	// ContentHash seals the whole contract content (spec + outcome) at
	// finalization.
	ContentHash string `json:"content_hash,omitempty"`

	// HashAlgorithm names the algorithm behind every hash field.
	HashAlgorithm string `json:"hash_algorithm"`

	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// contractContent is the projection ContentHash covers.
type contractContent struct {
	Spec    *engine.GraphSpec `json:"spec"`
	Outcome *Outcome          `json:"outcome"`
}

// Outcome is the hashed projection of an execution result. It deliberately
// excludes timestamps, durations, and generated IDs.
type Outcome struct {
	Status    engine.RunStatus  `json:"status"`
	DryRun    bool              `json:"dry_run"`
	Steps     []StepOutcome     `json:"steps"`
	Decisions []DecisionOutcome `json:"decisions"`
	Error     string            `json:"error,omitempty"`
}

// StepOutcome is the deterministic view of one step result.
type StepOutcome struct {
	StepID string            `json:"step_id"`
	Status engine.StepStatus `json:"status"`
	Error  string            `json:"error,omitempty"`
}

// DecisionOutcome is the deterministic view of one governor decision.
type DecisionOutcome struct {
	StepID      string                `json:"step_id"`
	Result      engine.DecisionResult `json:"result"`
	Reason      string                `json:"reason,omitempty"`
	MatchedRule string                `json:"matched_rule,omitempty"`
}

// New creates a contract over the given graph spec and seals the spec hash.
func New(spec *engine.GraphSpec) (*RunContract, error) {
	if spec == nil {
		return nil, fmt.Errorf("graph spec is nil")
	}
	specHash, err := Hash(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to hash spec: %w", err)
	}
	return &RunContract{
		ContractID:    uuid.New().String(),
		GraphID:       spec.GraphID,
		CreatedAt:     time.Now().UTC(),
		Spec:          spec,
		SpecHash:      specHash,
		HashAlgorithm: HashAlgorithmSHA256,
	}, nil
}

// projectOutcome reduces an execution result to its deterministic parts.
func projectOutcome(result *engine.ExecutionResult) *Outcome {
	out := &Outcome{
		Status: result.Status,
		DryRun: result.DryRun,
	}
	if result.Error != nil {
		out.Error = result.Error.Code
	}
	for i := range result.Steps {
		sr := &result.Steps[i]
		so := StepOutcome{StepID: sr.StepID, Status: sr.Status}
		if sr.Error != nil {
			so.Error = sr.Error.Code
		}
		out.Steps = append(out.Steps, so)
	}
	for i := range result.Decisions {
		d := &result.Decisions[i]
		out.Decisions = append(out.Decisions, DecisionOutcome{
			StepID:      d.StepID,
			Result:      d.Result,
			Reason:      d.Reason,
			MatchedRule: d.MatchedRule,
		})
	}
	return out
}

// Finalize seals the outcome of a finished run into the contract. A contract
// finalizes exactly once.
func (c *RunContract) Finalize(result *engine.ExecutionResult) error {
	if c.Outcome != nil {
		return fmt.Errorf("contract %s is already finalized", c.ContractID)
	}
	if result == nil {
		return fmt.Errorf("execution result is nil")
	}
	if result.GraphID != c.GraphID {
		return fmt.Errorf("result graph %s does not match contract graph %s", result.GraphID, c.GraphID)
	}

	outcome := projectOutcome(result)
	outcomeHash, err := Hash(outcome)
	if err != nil {
		return fmt.Errorf("failed to hash outcome: %w", err)
	}
	contentHash, err := Hash(contractContent{Spec: c.Spec, Outcome: outcome})
	if err != nil {
		return fmt.Errorf("failed to hash contract content: %w", err)
	}

	now := time.Now().UTC()
	c.RunID = result.RunID
	c.Outcome = outcome
	c.OutcomeHash = outcomeHash
	c.ContentHash = contentHash
	c.FinalizedAt = &now
	return nil
}

// Verify recomputes every sealed hash from the contract's stored content and
// compares them against the recorded values. It detects any tampering with
// the stored spec or outcome.
func (c *RunContract) Verify() error {
	if c.HashAlgorithm != HashAlgorithmSHA256 {
		return fmt.Errorf("unsupported hash algorithm %q", c.HashAlgorithm)
	}

	specHash, err := Hash(c.Spec)
	if err != nil {
		return fmt.Errorf("failed to hash spec: %w", err)
	}
	if specHash != c.SpecHash {
		return fmt.Errorf("spec hash mismatch: recorded %s, computed %s", c.SpecHash, specHash)
	}

	if c.Outcome == nil {
		if c.OutcomeHash != "" {
			return fmt.Errorf("contract has an outcome hash but no outcome")
		}
		if c.ContentHash != "" {
			return fmt.Errorf("contract has a content hash but no outcome")
		}
		return nil
	}
	outcomeHash, err := Hash(c.Outcome)
	if err != nil {
		return fmt.Errorf("failed to hash outcome: %w", err)
	}
	if outcomeHash != c.OutcomeHash {
		return fmt.Errorf("outcome hash mismatch: recorded %s, computed %s", c.OutcomeHash, outcomeHash)
	}
	contentHash, err := Hash(contractContent{Spec: c.Spec, Outcome: c.Outcome})
	if err != nil {
		return fmt.Errorf("failed to hash contract content: %w", err)
	}
	if contentHash != c.ContentHash {
		return fmt.Errorf("content hash mismatch: recorded %s, computed %s", c.ContentHash, contentHash)
	}
	return nil
}
