// Package resilience wraps collaborator calls with retry, exponential
// backoff, and per-collaborator circuit breaking.
package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/runforge/runforge/pkg/engine"
)

// Layer implements engine.ExternalCaller. Every call runs through the
// collaborator's circuit breaker; transient failures are retried on the
// retry policy's schedule, permanent failures return immediately.
type Layer struct {
	policy   RetryPolicy
	breakers *BreakerRegistry
	logger   zerolog.Logger
}

// LayerOption configures a Layer.
type LayerOption func(*Layer)

// WithLayerLogger sets the layer's logger.
func WithLayerLogger(logger zerolog.Logger) LayerOption {
	return func(l *Layer) { l.logger = logger }
}

// NewLayer creates a resilience layer over the given breaker registry. The
// registry's lifetime determines breaker scope: share one registry across
// runs for process scope, build a fresh one per run for run scope.
func NewLayer(policy RetryPolicy, breakers *BreakerRegistry, opts ...LayerOption) *Layer {
	l := &Layer{
		policy:   policy.normalized(),
		breakers: breakers,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Breakers exposes the registry for state reporting.
func (l *Layer) Breakers() *BreakerRegistry { return l.breakers }

// Call invokes fn against the collaborator with retry and circuit breaking.
// Each attempt is bounded by timeout. Only transient failures are retried;
// exhausted retries surface as a permanent error wrapping the last cause,
// and an open breaker fails fast without invoking fn.
func (l *Layer) Call(ctx context.Context, collaborator string, timeout time.Duration, fn func(context.Context) error) error {
	br := l.breakers.Get(collaborator)
	var lastErr *engine.RunError

	for attempt := 1; attempt <= l.policy.MaxAttempts; attempt++ {
		if delay := l.policy.Delay(attempt); delay > 0 {
			l.logger.Debug().
				Str("collaborator", collaborator).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("backing off before retry")
			select {
			case <-ctx.Done():
				return engine.NewPermanentError("call cancelled during backoff", ctx.Err()).
					WithCollaborator(collaborator)
			case <-time.After(delay):
			}
		}

		if !br.Allow() {
			return engine.NewPermanentError(
				fmt.Sprintf("circuit open for collaborator %s", collaborator), nil).
				WithCode(engine.ErrCodeCircuitOpen).
				WithCollaborator(collaborator)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			br.RecordSuccess()
			return nil
		}

		classified := engine.Classify(err).WithCollaborator(collaborator)
		if !engine.IsTransient(classified) {
			// Permanent failures are the caller's problem, not the
			// collaborator's health. They neither trip the breaker nor retry.
			return classified
		}

		br.RecordFailure()
		lastErr = classified
		l.logger.Warn().
			Str("collaborator", collaborator).
			Int("attempt", attempt).
			Err(classified).
			Msg("transient failure")
	}

	return engine.NewPermanentError(
		fmt.Sprintf("retries exhausted after %d attempts against %s", l.policy.MaxAttempts, collaborator),
		lastErr).
		WithCode(engine.ErrCodeRetryExhausted).
		WithCollaborator(collaborator)
}
