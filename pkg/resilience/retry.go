package resilience

import (
	"math/rand"
	"time"
)

// RetryPolicy controls the retry schedule for transient failures at a
// collaborator boundary. Delays grow exponentially and carry jitter so
// callers recovering from the same outage do not retry in lockstep.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, the first call included.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialDelay is the base delay before the second attempt.
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`

	// Multiplier is the exponential growth factor between attempts.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`

	// Jitter is the random fraction applied on top of the computed delay,
	// in [0, 1]. 0.2 means the delay varies up to +20%.
	Jitter float64 `json:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy returns the stock schedule: 3 attempts, 500ms base,
// doubling, capped at 30s, 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// normalized returns the policy with zero values replaced by defaults so a
// partially configured policy stays sane.
func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = def.Jitter
	}
	return p
}

// Delay computes the backoff before the given attempt number. Attempt 1 is
// the first call and has no delay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	p = p.normalized()

	delay := float64(p.InitialDelay)
	for i := 2; i < attempt; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.MaxDelay) {
			break
		}
	}
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delay += delay * p.Jitter * rand.Float64()
	}
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}
