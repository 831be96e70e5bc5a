package stores

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/runforge/runforge/pkg/contract"
	"github.com/runforge/runforge/pkg/engine"
)

// RunToRecord converts an execution result into its persisted form.
func RunToRecord(result *engine.ExecutionResult) (*RunRecord, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	record := &RunRecord{
		ID:        result.RunID,
		GraphID:   result.GraphID,
		Status:    string(result.Status),
		DryRun:    result.DryRun,
		StartedAt: result.StartedAt,
		Result:    string(raw),
		CreatedAt: time.Now().UTC(),
	}
	if !result.CompletedAt.IsZero() {
		completed := result.CompletedAt
		record.CompletedAt = &completed
	}
	if result.Error != nil {
		msg := result.Error.Error()
		record.Error = &msg
	}
	return record, nil
}

// ContractToRecord converts a run contract into its persisted form.
func ContractToRecord(c *contract.RunContract) (*ContractRecord, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal contract: %w", err)
	}

	record := &ContractRecord{
		ID:            c.ContractID,
		GraphID:       c.GraphID,
		SpecHash:      c.SpecHash,
		HashAlgorithm: c.HashAlgorithm,
		Payload:       string(raw),
		CreatedAt:     c.CreatedAt,
		FinalizedAt:   c.FinalizedAt,
	}
	if c.RunID != "" {
		runID := c.RunID
		record.RunID = &runID
	}
	if c.OutcomeHash != "" {
		hash := c.OutcomeHash
		record.OutcomeHash = &hash
	}
	if c.ContentHash != "" {
		hash := c.ContentHash
		record.ContentHash = &hash
	}
	return record, nil
}

// RecordToContract restores a run contract from its persisted form.
func RecordToContract(record *ContractRecord) (*contract.RunContract, error) {
	var c contract.RunContract
	if err := json.Unmarshal([]byte(record.Payload), &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal contract payload: %w", err)
	}
	return &c, nil
}

// AuditEventRecords converts a run's audit events into their persisted form.
func AuditEventRecords(runID string, events []engine.AuditEvent) ([]AuditEventRecord, error) {
	records := make([]AuditEventRecord, 0, len(events))
	for i := range events {
		ev := &events[i]
		details := "{}"
		if ev.Details != nil {
			raw, err := json.Marshal(ev.Details)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal event details: %w", err)
			}
			details = string(raw)
		}
		record := AuditEventRecord{
			ID:        ev.ID,
			RunID:     runID,
			Seq:       i,
			EventType: string(ev.EventType),
			Details:   details,
			Timestamp: ev.Timestamp,
		}
		if ev.StepID != "" {
			stepID := ev.StepID
			record.StepID = &stepID
		}
		records = append(records, record)
	}
	return records, nil
}
