package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/crossgate/crossgate/pkg/engine"
)

// DefaultCycleInterval is the stock tick of the main processing loop.
const DefaultCycleInterval = 60 * time.Second

// Load reads, defaults and validates the agent configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("failed to read configuration file %s", path), err).
			WithCode(engine.ErrCodeNotFound)
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes. Unknown fields are
// rejected so typos surface at load time instead of silently defaulting.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, engine.NewConfigurationError("failed to parse configuration", err).
			WithCode(engine.ErrCodeValidation)
	}

	applyDefaults(&cfg)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, engine.NewConfigurationError("configuration validation failed", err).
			WithCode(engine.ErrCodeValidation)
	}

	seen := make(map[string]bool, len(cfg.Offerings))
	for i := range cfg.Offerings {
		offering := &cfg.Offerings[i]
		if seen[offering.ID] {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("offering %s is configured twice", offering.ID), nil).
				WithOffering(offering.ID).
				WithCode(engine.ErrCodeValidation)
		}
		seen[offering.ID] = true

		// Mapper construction repeats the factor checks with the exact
		// runtime semantics, so a bad edge fails here and not mid-cycle.
		if _, err := offering.Mapper(); err != nil {
			return nil, fmt.Errorf("offering %s: %w", offering.ID, err)
		}
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Agent.CycleInterval <= 0 {
		cfg.Agent.CycleInterval = DefaultCycleInterval
	}
}
