package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Load reads an engine configuration from a YAML file, layered over the
// defaults. An empty path returns the defaults unchanged.
func Load(path string) (*EngineConfig, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks an engine configuration.
func Validate(cfg *EngineConfig) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Breaker.Scope.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Budget.SoftThreshold < 0 || cfg.Budget.SoftThreshold > 1 {
		return fmt.Errorf("invalid configuration: soft_threshold must be between 0 and 1")
	}
	return nil
}
