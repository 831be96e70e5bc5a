package governor

import (
	"sync"
	"time"
)

// DefaultSoftThreshold is the consumed fraction at which non-critical steps
// start degrading.
const DefaultSoftThreshold = 0.8

// BudgetLimits declares the hard ceilings for a run. A zero ceiling means
// that dimension is unlimited.
type BudgetLimits struct {
	// MaxSteps caps the number of executed steps.
	MaxSteps int `json:"max_steps" yaml:"max_steps"`

	// MaxDuration caps total step wall-clock time.
	MaxDuration time.Duration `json:"max_duration" yaml:"max_duration"`

	// MaxExternalCalls caps external calls across the run.
	MaxExternalCalls int `json:"max_external_calls" yaml:"max_external_calls"`

	// SoftThreshold is the consumed fraction above which non-critical steps
	// degrade. Zero resolves to DefaultSoftThreshold.
	SoftThreshold float64 `json:"soft_threshold" yaml:"soft_threshold"`
}

// BudgetUsage is a point-in-time snapshot of consumption, exposed to policy
// rules and reporting.
type BudgetUsage struct {
	Steps            int           `json:"steps"`
	MaxSteps         int           `json:"max_steps"`
	ExternalCalls    int           `json:"external_calls"`
	MaxExternalCalls int           `json:"max_external_calls"`
	DurationMillis   int64         `json:"duration_ms"`
	MaxDuration      time.Duration `json:"-"`
}

// Budget tracks monotonic consumption counters against a set of limits.
// Counters only ever increase; there is no refund for failed or rolled-back
// steps, since their cost was spent regardless of outcome.
type Budget struct {
	mu     sync.Mutex
	limits BudgetLimits

	steps         int
	externalCalls int
	duration      time.Duration
}

// NewBudget creates a budget with the given limits.
func NewBudget(limits BudgetLimits) *Budget {
	if limits.SoftThreshold <= 0 || limits.SoftThreshold > 1 {
		limits.SoftThreshold = DefaultSoftThreshold
	}
	return &Budget{limits: limits}
}

// cost is what one step charges if it executes.
type cost struct {
	steps         int
	externalCalls int
}

// stepCost derives the charge for one step: one step slot plus its declared
// external calls.
func stepCost(externalCalls int) cost {
	if externalCalls < 0 {
		externalCalls = 0
	}
	return cost{steps: 1, externalCalls: externalCalls}
}

// WouldExceed reports whether charging the given step would cross a hard
// ceiling, naming the first ceiling that would be crossed. It never mutates
// the counters.
func (b *Budget) WouldExceed(externalCalls int) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := stepCost(externalCalls)
	if b.limits.MaxSteps > 0 && b.steps+c.steps > b.limits.MaxSteps {
		return "max_steps", true
	}
	if b.limits.MaxExternalCalls > 0 && b.externalCalls+c.externalCalls > b.limits.MaxExternalCalls {
		return "max_external_calls", true
	}
	if b.limits.MaxDuration > 0 && b.duration >= b.limits.MaxDuration {
		return "max_duration", true
	}
	return "", false
}

// NearingLimit reports whether any dimension has crossed the soft threshold,
// naming the dimension.
func (b *Budget) NearingLimit() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.limits.SoftThreshold
	if b.limits.MaxSteps > 0 && float64(b.steps) >= t*float64(b.limits.MaxSteps) {
		return "max_steps", true
	}
	if b.limits.MaxExternalCalls > 0 && float64(b.externalCalls) >= t*float64(b.limits.MaxExternalCalls) {
		return "max_external_calls", true
	}
	if b.limits.MaxDuration > 0 && float64(b.duration) >= t*float64(b.limits.MaxDuration) {
		return "max_duration", true
	}
	return "", false
}

// Charge commits the step's cost to the counters.
func (b *Budget) Charge(externalCalls int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := stepCost(externalCalls)
	b.steps += c.steps
	b.externalCalls += c.externalCalls
}

// ChargeDuration adds elapsed wall-clock time.
func (b *Budget) ChargeDuration(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.duration += d
}

// Usage returns a snapshot of the current counters.
func (b *Budget) Usage() BudgetUsage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BudgetUsage{
		Steps:            b.steps,
		MaxSteps:         b.limits.MaxSteps,
		ExternalCalls:    b.externalCalls,
		MaxExternalCalls: b.limits.MaxExternalCalls,
		DurationMillis:   b.duration.Milliseconds(),
		MaxDuration:      b.limits.MaxDuration,
	}
}
