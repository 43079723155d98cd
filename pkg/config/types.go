// Package config loads and watches the agent configuration: the control
// plane connection, the ambient telemetry settings, and the offerings this
// agent serves with their backend bindings and component mappings.
package config

import (
	"time"

	"github.com/crossgate/crossgate/pkg/controlplane"
	"github.com/crossgate/crossgate/pkg/engine"
	"github.com/crossgate/crossgate/pkg/events"
	"github.com/crossgate/crossgate/pkg/mapper"
	"github.com/crossgate/crossgate/pkg/telemetry"
)

// Config is the root of the agent configuration file.
type Config struct {
	// ControlPlane is the marketplace API connection.
	ControlPlane controlplane.Config `yaml:"control_plane" validate:"required"`

	// Telemetry tunes logging, metrics and tracing.
	Telemetry TelemetrySettings `yaml:"telemetry"`

	// Agent tunes the processing loops.
	Agent AgentSettings `yaml:"agent"`

	// PolicyDir optionally points at operator-supplied Rego modules.
	PolicyDir string `yaml:"policy_dir"`

	// PolicyAdvisory logs order denials instead of enforcing them.
	PolicyAdvisory bool `yaml:"policy_advisory"`

	// Offerings are the catalog entries this agent fulfills.
	Offerings []OfferingConfig `yaml:"offerings" validate:"required,min=1,dive"`
}

// AgentSettings tunes the processing loops.
type AgentSettings struct {
	// CycleInterval is the tick of the main processing loop.
	CycleInterval time.Duration `yaml:"cycle_interval"`

	// Events tunes the event subscription manager.
	Events events.Config `yaml:"events"`
}

// TelemetrySettings is the configuration-file surface of the telemetry
// stack. Build maps it onto the full telemetry configuration.
type TelemetrySettings struct {
	// LogLevel sets the minimum log level.
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`

	// LogFormat selects console or json output.
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=console json"`

	// MetricsAddress is the prometheus listen address; empty disables
	// metrics.
	MetricsAddress string `yaml:"metrics_address"`

	// TracingEnabled turns on trace export.
	TracingEnabled bool `yaml:"tracing_enabled"`

	// TracingEndpoint is the OTLP collector endpoint.
	TracingEndpoint string `yaml:"tracing_endpoint"`

	// Environment names the deployment environment.
	Environment string `yaml:"environment"`
}

// Build produces the telemetry configuration, starting from the stock
// defaults and applying the file's overrides.
func (s TelemetrySettings) Build(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	if s.Environment != "" {
		cfg.Environment = s.Environment
	}
	if s.LogLevel != "" {
		cfg.Logging.Level = s.LogLevel
	}
	if s.LogFormat != "" {
		cfg.Logging.Format = s.LogFormat
	}
	if s.MetricsAddress == "" {
		cfg.Metrics.Enabled = false
	} else {
		cfg.Metrics.ListenAddress = s.MetricsAddress
	}
	if s.TracingEnabled {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = "otlp"
		cfg.Tracing.Endpoint = s.TracingEndpoint
		if s.TracingEndpoint == "" {
			cfg.Tracing.Exporter = "stdout"
		}
	}
	return cfg
}

// OfferingConfig binds one marketplace offering to a backend adapter.
type OfferingConfig struct {
	// ID is the control-plane offering id.
	ID string `yaml:"id" validate:"required"`

	// Name is the human-readable offering name.
	Name string `yaml:"name"`

	// BackendType selects the adapter in the registry.
	BackendType string `yaml:"backend_type" validate:"required"`

	// BackendSettings are adapter-specific settings passed to the factory.
	BackendSettings map[string]string `yaml:"backend_settings"`

	// ComponentMappings configure the value conversion between source and
	// backend components.
	ComponentMappings []mapper.Edge `yaml:"component_mappings" validate:"omitempty,dive"`

	// ProcessEvents enables event subscriptions for this offering.
	ProcessEvents bool `yaml:"process_events"`

	// Provisioning selects who manages identity provisioning: "provider"
	// makes this agent drive the state machine.
	Provisioning string `yaml:"provisioning" validate:"omitempty,oneof=provider marketplace"`

	// Protected blocks termination orders through policy.
	Protected bool `yaml:"protected"`

	// MaxLimits caps order limits per source component through policy.
	MaxLimits map[string]float64 `yaml:"max_limits"`
}

// Offering converts the configuration entry into the engine's offering
// record.
func (o *OfferingConfig) Offering() *engine.Offering {
	components := make([]string, 0, len(o.ComponentMappings))
	seen := make(map[string]bool)
	for _, e := range o.ComponentMappings {
		if !seen[e.Source] {
			components = append(components, e.Source)
			seen[e.Source] = true
		}
	}
	return &engine.Offering{
		ID:          o.ID,
		Name:        o.Name,
		BackendType: o.BackendType,
		Components:  components,
	}
}

// Mapper builds the offering's value mapper from its configured edges.
func (o *OfferingConfig) Mapper() (*mapper.Mapper, error) {
	return mapper.New(o.ComponentMappings)
}

// PolicyFacts returns the offering's policy document for the fact store.
func (o *OfferingConfig) PolicyFacts() map[string]interface{} {
	facts := map[string]interface{}{
		"provisioning": o.Provisioning,
		"protected":    o.Protected,
	}
	if len(o.MaxLimits) > 0 {
		limits := make(map[string]interface{}, len(o.MaxLimits))
		for k, v := range o.MaxLimits {
			limits[k] = v
		}
		facts["max_limits"] = limits
	}
	return facts
}
