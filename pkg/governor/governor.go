// Package governor enforces run budgets and Rego policy rules ahead of
// every step execution.
package governor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/runforge/runforge/pkg/engine"
)

// Governor implements engine.Governor. Decisions are evaluated in a fixed
// order: hard budget ceilings first, then the soft degrade threshold for
// non-critical steps, then policy rules, then allow. Check is read-only;
// the runner commits the charge separately once a step actually proceeds,
// so a denied or unapproved step consumes nothing.
type Governor struct {
	budget *Budget
	rules  *RuleEngine
	logger zerolog.Logger
	now    func() time.Time
}

// Option configures a Governor.
type Option func(*Governor)

// WithLogger sets the governor's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Governor) { g.logger = logger }
}

// New creates a Governor over the given budget and rule engine.
func New(budget *Budget, rules *RuleEngine, opts ...Option) *Governor {
	g := &Governor{
		budget: budget,
		rules:  rules,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With().Str("component", "governor").Logger()
	return g
}

// Budget exposes the underlying budget for reporting.
func (g *Governor) Budget() *Budget { return g.budget }

// Check produces the decision for one step. The same path runs for live and
// dry-run execution.
func (g *Governor) Check(ctx context.Context, step *engine.StepSpec) (*engine.Decision, error) {
	decision := &engine.Decision{
		StepID:    step.ID,
		DecidedAt: g.now(),
	}

	if ceiling, exceeded := g.budget.WouldExceed(step.ExternalCalls); exceeded {
		decision.Result = engine.DecisionDeny
		decision.Reason = fmt.Sprintf("%s ceiling reached", ceiling)
		g.logger.Warn().Str("step_id", step.ID).Str("ceiling", ceiling).Msg("budget denial")
		return decision, nil
	}

	if dimension, nearing := g.budget.NearingLimit(); nearing && !step.Critical {
		decision.Result = engine.DecisionDegrade
		decision.Reason = fmt.Sprintf("%s consumption above soft threshold", dimension)
		g.logger.Info().Str("step_id", step.ID).Str("dimension", dimension).Msg("degrading step")
		return decision, nil
	}

	if g.rules != nil {
		outcome, err := g.rules.Evaluate(ctx, RuleInput{
			Step:   step,
			Budget: g.budget.Usage(),
		})
		if err != nil {
			return nil, engine.NewPermanentError("rule evaluation failed", err).
				WithStep(step.ID)
		}
		if len(outcome.Deny) > 0 {
			match := outcome.Deny[0]
			decision.Result = engine.DecisionDeny
			decision.Reason = match.Message
			decision.MatchedRule = match.Rule
			g.logger.Warn().Str("step_id", step.ID).Str("rule", match.Rule).
				Str("reason", match.Message).Msg("rule denial")
			return decision, nil
		}
		if len(outcome.RequireApproval) > 0 {
			match := outcome.RequireApproval[0]
			decision.Result = engine.DecisionRequireApproval
			decision.Reason = match.Message
			decision.MatchedRule = match.Rule
			g.logger.Info().Str("step_id", step.ID).Str("rule", match.Rule).
				Msg("approval required")
			return decision, nil
		}
	}

	decision.Result = engine.DecisionAllow
	return decision, nil
}

// Commit charges the step against the budget.
func (g *Governor) Commit(step *engine.StepSpec) {
	g.budget.Charge(step.ExternalCalls)
}

// RecordDuration charges elapsed step time against the duration budget.
func (g *Governor) RecordDuration(d time.Duration) {
	g.budget.ChargeDuration(d)
}
