package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/runforge/runforge/pkg/contract"
	"github.com/runforge/runforge/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store with migrations applied.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRunRecord(id string) *RunRecord {
	return &RunRecord{
		ID:        id,
		GraphID:   "billing-sync",
		Status:    "completed",
		StartedAt: time.Now().UTC(),
		Result:    `{"run_id":"` + id + `"}`,
		CreatedAt: time.Now().UTC(),
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("store accepted an empty path")
	}
}

func TestRunRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := sampleRunRecord("run-1")
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.GraphID != run.GraphID || got.Status != run.Status {
		t.Errorf("got %+v, want %+v", got, run)
	}

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListRunsFilters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a := sampleRunRecord("run-a")
	b := sampleRunRecord("run-b")
	b.GraphID = "other-graph"
	b.Status = "failed"
	for _, r := range []*RunRecord{a, b} {
		if err := store.SaveRun(ctx, r); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}

	all, err := store.ListRuns(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ListRuns returned %d runs, want 2", len(all))
	}

	failed, err := store.ListRuns(ctx, RunFilter{Status: "failed"})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "run-b" {
		t.Errorf("status filter returned %+v", failed)
	}

	byGraph, err := store.ListRuns(ctx, RunFilter{GraphID: "billing-sync"})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(byGraph) != 1 || byGraph[0].ID != "run-a" {
		t.Errorf("graph filter returned %+v", byGraph)
	}
}

func TestContractRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	c, err := contract.New(&engine.GraphSpec{
		GraphID: "billing-sync",
		Steps:   []engine.StepSpec{{ID: "a", Kind: "noop"}},
	})
	if err != nil {
		t.Fatalf("contract.New failed: %v", err)
	}
	record, err := ContractToRecord(c)
	if err != nil {
		t.Fatalf("ContractToRecord failed: %v", err)
	}
	if err := store.SaveContract(ctx, record); err != nil {
		t.Fatalf("SaveContract failed: %v", err)
	}

	got, err := store.GetContract(ctx, c.ContractID)
	if err != nil {
		t.Fatalf("GetContract failed: %v", err)
	}
	if got.HashAlgorithm != contract.HashAlgorithmSHA256 {
		t.Errorf("hash algorithm = %q, want %q", got.HashAlgorithm, contract.HashAlgorithmSHA256)
	}
	restored, err := RecordToContract(got)
	if err != nil {
		t.Fatalf("RecordToContract failed: %v", err)
	}
	if err := restored.Verify(); err != nil {
		t.Errorf("restored contract failed verification: %v", err)
	}

	list, err := store.ListContracts(ctx, "billing-sync")
	if err != nil {
		t.Fatalf("ListContracts failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("ListContracts returned %d contracts, want 1", len(list))
	}
}

func TestAuditEventsRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SaveRun(ctx, sampleRunRecord("run-1")); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	events := []engine.AuditEvent{
		{ID: "ev-1", EventType: engine.EventTypeRunStarted, Timestamp: time.Now().UTC()},
		{ID: "ev-2", EventType: engine.EventTypeStepCompleted, StepID: "a",
			Timestamp: time.Now().UTC().Add(time.Second),
			Details:   map[string]interface{}{"artifacts": 2}},
	}
	records, err := AuditEventRecords("run-1", events)
	if err != nil {
		t.Fatalf("AuditEventRecords failed: %v", err)
	}
	if err := store.AppendAuditEvents(ctx, records); err != nil {
		t.Fatalf("AppendAuditEvents failed: %v", err)
	}

	got, err := store.ListAuditEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListAuditEvents failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListAuditEvents returned %d events, want 2", len(got))
	}
	if got[0].EventType != string(engine.EventTypeRunStarted) {
		t.Errorf("events out of order: %+v", got)
	}
	if got[1].StepID == nil || *got[1].StepID != "a" {
		t.Errorf("step id lost: %+v", got[1])
	}
}

func TestAuditEventsOrderedByEmissionNotTimestamp(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SaveRun(ctx, sampleRunRecord("run-1")); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	// One wall-clock instant for every event; only the sequence column can
	// reproduce the emission order. The IDs are chosen to sort against it.
	at := time.Now().UTC().Truncate(time.Second)
	events := []engine.AuditEvent{
		{ID: "zz-first", EventType: engine.EventTypeRunStarted, Timestamp: at},
		{ID: "mm-second", EventType: engine.EventTypeStepStarted, StepID: "a", Timestamp: at},
		{ID: "aa-third", EventType: engine.EventTypeStepCompleted, StepID: "a", Timestamp: at},
	}
	records, err := AuditEventRecords("run-1", events)
	if err != nil {
		t.Fatalf("AuditEventRecords failed: %v", err)
	}
	if err := store.AppendAuditEvents(ctx, records); err != nil {
		t.Fatalf("AppendAuditEvents failed: %v", err)
	}

	got, err := store.ListAuditEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListAuditEvents failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListAuditEvents returned %d events, want 3", len(got))
	}
	for i, wantID := range []string{"zz-first", "mm-second", "aa-third"} {
		if got[i].ID != wantID {
			t.Errorf("event %d = %s, want %s", i, got[i].ID, wantID)
		}
		if got[i].Seq != i {
			t.Errorf("event %d seq = %d, want %d", i, got[i].Seq, i)
		}
	}
}

func TestRunToRecordCapturesError(t *testing.T) {
	result := &engine.ExecutionResult{
		RunID:       "run-x",
		GraphID:     "g",
		Status:      engine.RunStatusFailed,
		StartedAt:   time.Now(),
		CompletedAt: time.Now(),
		Error:       engine.NewBudgetExceededError("max_steps"),
	}
	record, err := RunToRecord(result)
	if err != nil {
		t.Fatalf("RunToRecord failed: %v", err)
	}
	if record.Error == nil {
		t.Fatal("record lost the run error")
	}
	if record.CompletedAt == nil {
		t.Error("record lost the completion time")
	}
}
