// Package config loads engine configuration and graph specifications from
// YAML and CUE sources.
package config

import (
	"time"

	"github.com/runforge/runforge/pkg/governor"
	"github.com/runforge/runforge/pkg/resilience"
	"github.com/runforge/runforge/pkg/stores"
	"github.com/runforge/runforge/pkg/telemetry"
)

// BreakerConfig configures circuit breaking for external collaborators.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens a breaker.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold" validate:"min=1"`

	// Cooldown is how long an open breaker waits before the half-open trial.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`

	// Scope is the breaker state lifetime: process or run.
	Scope resilience.BreakerScope `json:"scope" yaml:"scope"`
}

// EngineConfig is the top-level configuration for the RunForge engine.
type EngineConfig struct {
	ServiceName    string `json:"service_name" yaml:"service_name" validate:"required"`
	ServiceVersion string `json:"service_version" yaml:"service_version"`
	Environment    string `json:"environment" yaml:"environment" validate:"omitempty,oneof=dev staging prod"`

	Logging telemetry.LoggingConfig `json:"logging" yaml:"logging"`
	Metrics telemetry.MetricsConfig `json:"metrics" yaml:"metrics"`
	Tracing telemetry.TracingConfig `json:"tracing" yaml:"tracing"`

	Store   stores.Config        `json:"store" yaml:"store"`
	Archive stores.ArchiveConfig `json:"archive" yaml:"archive"`

	Budget  governor.BudgetLimits  `json:"budget" yaml:"budget"`
	Retry   resilience.RetryPolicy `json:"retry" yaml:"retry"`
	Breaker BreakerConfig          `json:"breaker" yaml:"breaker"`

	// PolicyDir holds operator .rego rules. Empty disables file rules.
	PolicyDir string `json:"policy_dir" yaml:"policy_dir"`

	// WatchPolicies reloads rule files as they change.
	WatchPolicies bool `json:"watch_policies" yaml:"watch_policies"`

	// DefaultStepTimeout bounds step attempts that declare no timeout.
	DefaultStepTimeout time.Duration `json:"default_step_timeout" yaml:"default_step_timeout"`
}

// Default returns the stock engine configuration.
func Default() EngineConfig {
	return EngineConfig{
		ServiceName:    "runforge",
		ServiceVersion: "dev",
		Environment:    "dev",
		Logging: telemetry.LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: telemetry.MetricsConfig{
			Enabled:    false,
			Namespace:  "runforge",
			ListenAddr: ":9090",
		},
		Tracing: telemetry.TracingConfig{
			Enabled:       false,
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
		},
		Store: stores.Config{
			Path: "runforge.db",
		},
		Budget: governor.BudgetLimits{
			MaxSteps:         100,
			MaxDuration:      time.Hour,
			MaxExternalCalls: 500,
			SoftThreshold:    governor.DefaultSoftThreshold,
		},
		Retry: resilience.DefaultRetryPolicy(),
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
			Scope:            resilience.ScopeProcess,
		},
		DefaultStepTimeout: 5 * time.Minute,
	}
}
