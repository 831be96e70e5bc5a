package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExecutionContext is the single mutable container passed to every step in a
// run: shared key/value state, the artifact list, the append-only audit
// trail, and the dry-run flag. The runner enforces single-writer discipline
// (exactly one step holds write access at any instant); the mutex guards
// against concurrent readers such as audit sinks.
type ExecutionContext struct {
	mu        sync.RWMutex
	state     map[string]interface{}
	artifacts []string
	events    []AuditEvent
	dryRun    bool
	now       func() time.Time
}

// NewExecutionContext creates an execution context for one run.
func NewExecutionContext(dryRun bool) *ExecutionContext {
	return &ExecutionContext{
		state:  make(map[string]interface{}),
		dryRun: dryRun,
		now:    time.Now,
	}
}

// DryRun reports whether the run is a simulation.
func (ec *ExecutionContext) DryRun() bool {
	return ec.dryRun
}

// SetState stores a value in the shared state.
func (ec *ExecutionContext) SetState(key string, value interface{}) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.state[key] = value
}

// GetState retrieves a value from the shared state, returning def when the
// key is absent.
func (ec *ExecutionContext) GetState(key string, def interface{}) interface{} {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	if v, ok := ec.state[key]; ok {
		return v
	}
	return def
}

// DeleteState removes a key from the shared state. Used by compensating
// actions undoing a prior SetState.
func (ec *ExecutionContext) DeleteState(key string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	delete(ec.state, key)
}

// StateSnapshot returns a copy of the shared state.
func (ec *ExecutionContext) StateSnapshot() map[string]interface{} {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	snap := make(map[string]interface{}, len(ec.state))
	for k, v := range ec.state {
		snap[k] = v
	}
	return snap
}

// AddArtifact appends an opaque artifact reference produced by a step.
func (ec *ExecutionContext) AddArtifact(ref string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.artifacts = append(ec.artifacts, ref)
}

// Artifacts returns a copy of the ordered artifact list.
func (ec *ExecutionContext) Artifacts() []string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make([]string, len(ec.artifacts))
	copy(out, ec.artifacts)
	return out
}

// EmitAuditEvent appends an event to the append-only audit trail and returns
// it with ID and timestamp populated.
func (ec *ExecutionContext) EmitAuditEvent(eventType AuditEventType, stepID string, details map[string]interface{}) AuditEvent {
	event := AuditEvent{
		ID:        uuid.New().String(),
		EventType: eventType,
		StepID:    stepID,
		Timestamp: ec.now(),
		Details:   details,
	}
	ec.mu.Lock()
	ec.events = append(ec.events, event)
	ec.mu.Unlock()
	return event
}

// AuditEvents returns a copy of the ordered audit trail.
func (ec *ExecutionContext) AuditEvents() []AuditEvent {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make([]AuditEvent, len(ec.events))
	copy(out, ec.events)
	return out
}
