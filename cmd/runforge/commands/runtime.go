package commands

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/runforge/runforge/pkg/config"
	"github.com/runforge/runforge/pkg/engine"
	"github.com/runforge/runforge/pkg/executors"
	"github.com/runforge/runforge/pkg/governor"
	"github.com/runforge/runforge/pkg/resilience"
	"github.com/runforge/runforge/pkg/stores"
	"github.com/runforge/runforge/pkg/telemetry"
)

// runtime wires the full engine stack for one CLI invocation: config,
// telemetry, store, executor registry, shared breaker registry, and the
// graph parser. Per-run pieces (budget, governor, runner) are built fresh
// for each run so counters start at zero.
type runtime struct {
	cfg      *config.EngineConfig
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	store    *stores.SQLiteStore
	archiver *stores.Archiver
	registry *engine.Registry
	rules    *governor.RuleEngine
	loader   *governor.Loader
	parser   *config.GraphParser

	// sharedBreakers carries breaker state across runs when the configured
	// breaker scope is "process". Nil for run scope.
	sharedBreakers *resilience.BreakerRegistry

	metricsSrv *http.Server
}

func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	metrics, err := telemetry.NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	tracer, err := telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	store, err := stores.NewSQLiteStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}

	registry, err := executors.DefaultRegistry()
	if err != nil {
		store.Close()
		return nil, err
	}

	rules, err := governor.NewRuleEngine(logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		store:    store,
		registry: registry,
		rules:    rules,
	}

	if cfg.Archive.Enabled {
		rt.archiver = stores.NewArchiver(cfg.Archive, logger)
	}

	if cfg.PolicyDir != "" {
		rt.loader = governor.NewLoader(logger)
		if err := rt.loader.LoadDir(ctx, rules, cfg.PolicyDir); err != nil {
			rt.Close(ctx)
			return nil, err
		}
		if cfg.WatchPolicies {
			if err := rt.loader.Watch(ctx, rules, cfg.PolicyDir); err != nil {
				rt.Close(ctx)
				return nil, err
			}
		}
	}

	rt.parser, err = config.NewGraphParser()
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	if cfg.Breaker.Scope != resilience.ScopeRun {
		rt.sharedBreakers = resilience.NewBreakerRegistry(cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr != "" {
		if handler := metrics.Handler(); handler != nil {
			mux := http.NewServeMux()
			mux.Handle("/metrics", handler)
			rt.metricsSrv = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
			go func() {
				if err := rt.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Warn().Err(err).Msg("metrics endpoint stopped")
				}
			}()
		}
	}

	return rt, nil
}

// newRunner builds a fresh runner with a zeroed budget. Run-scoped breakers
// get a registry of their own; process-scoped runs share the runtime's.
func (rt *runtime) newRunner() *engine.GraphRunner {
	budget := governor.NewBudget(rt.cfg.Budget)
	gov := governor.New(budget, rt.rules, governor.WithLogger(rt.logger))

	breakers := rt.sharedBreakers
	if breakers == nil {
		breakers = resilience.NewBreakerRegistry(rt.cfg.Breaker.FailureThreshold, rt.cfg.Breaker.Cooldown)
	}
	layer := resilience.NewLayer(rt.cfg.Retry, breakers, resilience.WithLayerLogger(rt.logger))

	return engine.NewGraphRunner(rt.registry, gov,
		engine.WithLogger(rt.logger),
		engine.WithExternalCaller(layer),
		engine.WithObserver(telemetry.NewRunObserver(rt.metrics, rt.logger).WithTracer(rt.tracer)),
		engine.WithDefaultTimeout(rt.cfg.DefaultStepTimeout),
	)
}

func (rt *runtime) Close(ctx context.Context) {
	if rt.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		rt.metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if rt.tracer != nil {
		if err := rt.tracer.Shutdown(ctx); err != nil {
			rt.logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn().Err(err).Msg("store close failed")
		}
	}
}
