package contract

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/runforge/runforge/pkg/engine"
)

func sampleSpec() *engine.GraphSpec {
	return &engine.GraphSpec{
		GraphID: "billing-sync",
		Steps: []engine.StepSpec{
			{ID: "fetch", Kind: "noop"},
			{ID: "apply", Kind: "noop", DependsOn: []string{"fetch"}},
		},
	}
}

func sampleResult() *engine.ExecutionResult {
	return &engine.ExecutionResult{
		RunID:       "run-1",
		GraphID:     "billing-sync",
		Status:      engine.RunStatusCompleted,
		StartedAt:   time.Now(),
		CompletedAt: time.Now(),
		Steps: []engine.StepResult{
			{StepID: "fetch", Status: engine.StepStatusCompleted, StartedAt: time.Now()},
			{StepID: "apply", Status: engine.StepStatusCompleted, StartedAt: time.Now()},
		},
		Decisions: []engine.Decision{
			{StepID: "fetch", Result: engine.DecisionAllow, DecidedAt: time.Now()},
			{StepID: "apply", Result: engine.DecisionAllow, DecidedAt: time.Now()},
		},
	}
}

func TestCanonicalJSONIsStableAcrossKeyOrder(t *testing.T) {
	a := map[string]interface{}{"b": 2, "a": 1, "nested": map[string]interface{}{"y": true, "x": false}}
	b := map[string]interface{}{"nested": map[string]interface{}{"x": false, "y": true}, "a": 1, "b": 2}

	ca, err := CanonicalJSON(a)
	if err != nil {
		t.Fatalf("CanonicalJSON failed: %v", err)
	}
	cb, err := CanonicalJSON(b)
	if err != nil {
		t.Fatalf("CanonicalJSON failed: %v", err)
	}
	if !bytes.Equal(ca, cb) {
		t.Errorf("canonical forms differ: %s vs %s", ca, cb)
	}
}

func TestCanonicalJSONKeepsEveryKey(t *testing.T) {
	// Keys that merely share a name with the contract's envelope timestamps
	// are user data and must stay in the canonical form.
	v := map[string]interface{}{
		"graph_id":   "g",
		"created_at": "2026-01-01T00:00:00Z",
		"params": map[string]interface{}{
			"timestamp": "2026-01-01T00:00:00Z",
			"run_id":    "user-chosen",
		},
	}
	canonical, err := CanonicalJSON(v)
	if err != nil {
		t.Fatalf("CanonicalJSON failed: %v", err)
	}
	for _, key := range []string{"graph_id", "created_at", "timestamp", "run_id"} {
		if !strings.Contains(string(canonical), key) {
			t.Errorf("canonical form dropped key %q: %s", key, canonical)
		}
	}
}

func TestHashFormat(t *testing.T) {
	h, err := Hash(map[string]interface{}{"graph_id": "g"})
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if !strings.HasPrefix(h, "sha256:") {
		t.Errorf("hash format = %q, want sha256: prefix", h)
	}
}

func TestVerifyDetectsTamperedParamNamedTimestamp(t *testing.T) {
	spec := sampleSpec()
	spec.Steps[0].Params = map[string]interface{}{
		"timestamp": "2026-01-01T00:00:00Z",
		"target":    "billing",
	}
	c, err := New(spec)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.Verify(); err != nil {
		t.Fatalf("Verify of untouched contract failed: %v", err)
	}

	c.Spec.Steps[0].Params["timestamp"] = "2027-12-31T23:59:59Z"
	if err := c.Verify(); err == nil {
		t.Error("Verify missed a mutated param named timestamp")
	}
}

func TestContractLifecycle(t *testing.T) {
	c, err := New(sampleSpec())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.ContractID == "" || c.SpecHash == "" {
		t.Fatal("contract missing ID or spec hash")
	}
	if c.Outcome != nil {
		t.Fatal("fresh contract should have no outcome")
	}
	if err := c.Verify(); err != nil {
		t.Fatalf("Verify of fresh contract failed: %v", err)
	}

	if err := c.Finalize(sampleResult()); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if c.OutcomeHash == "" || c.ContentHash == "" || c.FinalizedAt == nil {
		t.Fatal("finalized contract missing hashes or timestamp")
	}
	if c.HashAlgorithm != HashAlgorithmSHA256 {
		t.Errorf("hash algorithm = %q, want %q", c.HashAlgorithm, HashAlgorithmSHA256)
	}
	if err := c.Verify(); err != nil {
		t.Fatalf("Verify of finalized contract failed: %v", err)
	}

	if err := c.Finalize(sampleResult()); err == nil {
		t.Error("contract finalized twice")
	}
}

func TestFinalizeRejectsWrongGraph(t *testing.T) {
	c, err := New(sampleSpec())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result := sampleResult()
	result.GraphID = "other-graph"
	if err := c.Finalize(result); err == nil {
		t.Error("Finalize accepted a result from a different graph")
	}
}

func TestVerifyDetectsSpecTampering(t *testing.T) {
	c, err := New(sampleSpec())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.Spec.Steps[0].Kind = "shell"
	if err := c.Verify(); err == nil {
		t.Error("Verify missed a tampered spec")
	}
}

func TestVerifyDetectsOutcomeTampering(t *testing.T) {
	c, err := New(sampleSpec())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.Finalize(sampleResult()); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	c.Outcome.Steps[0].Status = engine.StepStatusFailed
	if err := c.Verify(); err == nil {
		t.Error("Verify missed a tampered outcome")
	}
}

func TestVerifyRejectsUnknownHashAlgorithm(t *testing.T) {
	c, err := New(sampleSpec())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.HashAlgorithm = "md5"
	if err := c.Verify(); err == nil {
		t.Error("Verify accepted an unsupported hash algorithm")
	}
}

func TestContractSurvivesJSONRoundTrip(t *testing.T) {
	c, err := New(sampleSpec())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.Finalize(sampleResult()); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	raw, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var restored RunContract
	if err := json.Unmarshal(raw, &restored); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if err := restored.Verify(); err != nil {
		t.Errorf("restored contract failed verification: %v", err)
	}
}
