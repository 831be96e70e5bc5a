package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/runforge/runforge/pkg/engine"
)

// RunObserver implements engine.Observer, feeding run lifecycle events into
// metrics, structured logs, and (when a tracer is attached) trace spans.
type RunObserver struct {
	metrics *Metrics
	logger  zerolog.Logger
	tracer  *Tracer

	mu       sync.Mutex
	startAt  map[string]time.Time
	runSpans map[string]spanCtx
	stepSpan map[string]trace.Span
}

type spanCtx struct {
	ctx  context.Context
	span trace.Span
}

// NewRunObserver creates an observer over the given metrics collector.
func NewRunObserver(metrics *Metrics, logger zerolog.Logger) *RunObserver {
	return &RunObserver{
		metrics:  metrics,
		logger:   logger.With().Str("component", "observer").Logger(),
		startAt:  make(map[string]time.Time),
		runSpans: make(map[string]spanCtx),
		stepSpan: make(map[string]trace.Span),
	}
}

// WithTracer attaches a tracer; run and step spans are opened and closed
// around the corresponding observer callbacks.
func (o *RunObserver) WithTracer(t *Tracer) *RunObserver {
	o.tracer = t
	return o
}

// RunStarted implements engine.Observer.
func (o *RunObserver) RunStarted(runID, graphID string, dryRun bool) {
	o.mu.Lock()
	o.startAt[runID] = time.Now()
	o.mu.Unlock()
	if o.tracer != nil {
		ctx, span := o.tracer.StartRunSpan(context.Background(), runID, graphID, dryRun)
		o.mu.Lock()
		o.runSpans[runID] = spanCtx{ctx: ctx, span: span}
		o.mu.Unlock()
	}
	o.metrics.RunStarted(dryRun)
}

// RunFinished implements engine.Observer.
func (o *RunObserver) RunFinished(result *engine.ExecutionResult) {
	o.mu.Lock()
	started, ok := o.startAt[result.RunID]
	delete(o.startAt, result.RunID)
	o.mu.Unlock()

	duration := time.Duration(0)
	if ok {
		duration = time.Since(started)
	}
	o.mu.Lock()
	sc, hasSpan := o.runSpans[result.RunID]
	delete(o.runSpans, result.RunID)
	o.mu.Unlock()
	if hasSpan {
		if result.Error != nil {
			o.tracer.RecordError(sc.span, result.Error)
		}
		sc.span.End()
	}
	o.metrics.RunCompleted(string(result.Status), duration)
	if result.Error != nil {
		o.metrics.Error(string(result.Error.Class), result.Error.Code)
	}
}

// StepStarted implements engine.Observer.
func (o *RunObserver) StepStarted(runID string, step *engine.StepSpec) {
	if o.tracer == nil {
		return
	}
	o.mu.Lock()
	parent := context.Background()
	if sc, ok := o.runSpans[runID]; ok {
		parent = sc.ctx
	}
	o.mu.Unlock()
	_, span := o.tracer.StartStepSpan(parent, step.ID, step.Kind)
	o.mu.Lock()
	o.stepSpan[runID+"/"+step.ID] = span
	o.mu.Unlock()
}

// StepFinished implements engine.Observer.
func (o *RunObserver) StepFinished(runID string, step *engine.StepSpec, result *engine.StepResult) {
	o.mu.Lock()
	span, hasSpan := o.stepSpan[runID+"/"+step.ID]
	delete(o.stepSpan, runID+"/"+step.ID)
	o.mu.Unlock()
	if hasSpan {
		if result.Error != nil {
			o.tracer.RecordError(span, result.Error)
		}
		span.End()
	}
	o.metrics.StepExecuted(step.Kind, string(result.Status), result.Duration())
	if result.Error != nil {
		o.metrics.Error(string(result.Error.Class), result.Error.Code)
	}
}

// DecisionMade implements engine.Observer.
func (o *RunObserver) DecisionMade(runID string, decision *engine.Decision) {
	o.metrics.Decision(string(decision.Result))
	if decision.Result != engine.DecisionAllow {
		o.logger.Info().
			Str("run_id", runID).
			Str("step_id", decision.StepID).
			Str("result", string(decision.Result)).
			Str("reason", decision.Reason).
			Msg("governance intervened")
	}
}
