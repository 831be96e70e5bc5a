package stores

import (
	"time"
)

// RunRecord is the persisted form of one run.
type RunRecord struct {
	ID          string     `json:"id"`
	GraphID     string     `json:"graph_id"`
	Status      string     `json:"status"`
	DryRun      bool       `json:"dry_run"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`

	// Result is the full execution result as a JSON blob.
	Result string `json:"result"`

	CreatedAt time.Time `json:"created_at"`
}

// ContractRecord is the persisted form of one run contract.
type ContractRecord struct {
	ID            string  `json:"id"`
	GraphID       string  `json:"graph_id"`
	RunID         *string `json:"run_id,omitempty"`
	SpecHash      string  `json:"spec_hash"`
	OutcomeHash   *string `json:"outcome_hash,omitempty"`
	ContentHash   *string `json:"content_hash,omitempty"`
	HashAlgorithm string  `json:"hash_algorithm"`

	// Payload is the full contract as a JSON blob.
	Payload string `json:"payload"`

	CreatedAt   time.Time  `json:"created_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// AuditEventRecord is the persisted form of one audit event.
type AuditEventRecord struct {
	ID    string `json:"id"`
	RunID string `json:"run_id"`

	// Seq is the event's position in the run's emission order. UUIDs and
	// wall-clock timestamps cannot reproduce that order on their own.
	Seq       int       `json:"seq"`
	EventType string    `json:"event_type"`
	StepID    *string   `json:"step_id,omitempty"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// RunFilter narrows ListRuns results. Zero values match everything.
type RunFilter struct {
	GraphID string
	Status  string
	Limit   int
}
