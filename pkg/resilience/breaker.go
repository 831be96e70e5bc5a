package resilience

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	// BreakerClosed passes calls through and counts consecutive failures.
	BreakerClosed BreakerState = "closed"

	// BreakerOpen rejects calls until the cooldown elapses.
	BreakerOpen BreakerState = "open"

	// BreakerHalfOpen admits a single trial call after the cooldown.
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerScope controls the lifetime of breaker state.
type BreakerScope string

const (
	// ScopeProcess shares breaker state across every run in the process, so
	// a collaborator that melted down in one run stays open for the next.
	ScopeProcess BreakerScope = "process"

	// ScopeRun gives each run a fresh registry.
	ScopeRun BreakerScope = "run"
)

// Validate checks the scope value. Empty resolves to ScopeProcess.
func (s BreakerScope) Validate() error {
	switch s {
	case "", ScopeProcess, ScopeRun:
		return nil
	}
	return fmt.Errorf("invalid breaker scope %q", string(s))
}

// CircuitBreaker tracks consecutive failures against one collaborator. After
// FailureThreshold consecutive failures it opens; after Cooldown it admits a
// single half-open trial whose outcome decides the next state.
type CircuitBreaker struct {
	mu sync.Mutex

	state         BreakerState
	failures      int
	openedAt      time.Time
	trialInFlight bool

	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		state:     BreakerClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// State returns the current state, applying the open-to-half-open transition
// if the cooldown has elapsed.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Allow reports whether a call may proceed right now. In half-open state only
// one trial call is admitted at a time.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess resets the breaker. A half-open trial that succeeds closes
// the circuit.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.trialInFlight = false
}

// RecordFailure counts a failure. The threshold consecutive failure opens
// the circuit; a failed half-open trial reopens it for another cooldown.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.trialInFlight = false
		return
	}

	b.failures++
	if b.state == BreakerClosed && b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}

// maybeHalfOpen transitions open to half-open once the cooldown has elapsed.
// Callers must hold the mutex.
func (b *CircuitBreaker) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
		b.trialInFlight = false
	}
}

// BreakerRegistry holds one breaker per collaborator identity.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker

	threshold int
	cooldown  time.Duration
}

// NewBreakerRegistry creates a registry whose breakers use the given
// threshold and cooldown.
func NewBreakerRegistry(threshold int, cooldown time.Duration) *BreakerRegistry {
	return &BreakerRegistry{
		breakers:  make(map[string]*CircuitBreaker),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Get returns the breaker for a collaborator, creating it on first use.
func (r *BreakerRegistry) Get(collaborator string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	br, ok := r.breakers[collaborator]
	if !ok {
		br = NewCircuitBreaker(r.threshold, r.cooldown)
		r.breakers[collaborator] = br
	}
	return br
}

// States returns a snapshot of breaker states keyed by collaborator, in
// stable order for logging.
func (r *BreakerRegistry) States() map[string]BreakerState {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	out := make(map[string]BreakerState, len(names))
	for _, name := range names {
		out[name] = r.Get(name).State()
	}
	return out
}
