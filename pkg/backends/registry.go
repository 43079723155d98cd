// Package backends holds the static adapter registry. The set of backend
// types is fixed at process start: factories are registered during wiring,
// never discovered at runtime, and an offering whose type has no factory
// resolves to the no-op fallback.
package backends

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/crossgate/crossgate/pkg/engine"
	"github.com/crossgate/crossgate/pkg/telemetry"
)

// Factory builds an adapter instance from offering-scoped settings.
type Factory func(settings map[string]string) (engine.Backend, error)

// Registry maps backend-type strings to adapter factories and caches the
// per-offering instances they produce.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]engine.Backend
	logger    *telemetry.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *telemetry.Logger) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]engine.Backend),
		logger:    logger.NewComponentLogger("backends"),
	}
}

// Register adds a factory for a backend type. Duplicate registrations are
// rejected; the table is meant to be assembled once, at process start.
func (r *Registry) Register(backendType string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if backendType == "" || backendType == NoopType {
		return engine.NewConfigurationError(
			fmt.Sprintf("backend type %q is reserved", backendType), nil).
			WithCode(engine.ErrCodeValidation)
	}
	if _, exists := r.factories[backendType]; exists {
		return engine.NewConfigurationError(
			fmt.Sprintf("backend type %q already registered", backendType), nil).
			WithCode(engine.ErrCodeValidation)
	}
	r.factories[backendType] = factory
	return nil
}

// Types returns the registered backend types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Resolve returns the adapter for an offering, building and caching it on
// first use. An unregistered backend type resolves to the no-op fallback
// rather than failing, so one misconfigured offering never stops the
// agent.
func (r *Registry) Resolve(ctx context.Context, offering *engine.Offering, settings map[string]string) engine.Backend {
	r.mu.RLock()
	if instance, ok := r.instances[offering.ID]; ok {
		r.mu.RUnlock()
		return instance
	}
	factory, ok := r.factories[offering.BackendType]
	r.mu.RUnlock()

	if !ok {
		r.logger.WithOffering(offering.ID).
			WithBackend(offering.BackendType).
			Warn("no adapter registered for backend type, using no-op fallback")
		return NewNoop()
	}

	instance, err := factory(settings)
	if err != nil {
		r.logger.WithError(err).
			WithOffering(offering.ID).
			WithBackend(offering.BackendType).
			Error("failed to build backend adapter, using no-op fallback")
		return NewNoop()
	}

	r.mu.Lock()
	r.instances[offering.ID] = instance
	r.mu.Unlock()
	return instance
}

// IdentityFor returns the adapter's identity capability, or the no-op
// fallback when the adapter does not provision accounts. The fallback's
// type string is what makes the provisioning pass skip the offering.
func IdentityFor(backend engine.Backend) engine.IdentityBackend {
	if identity, ok := backend.(engine.IdentityBackend); ok {
		return identity
	}
	return NewNoop()
}

// UsageFor returns the adapter's usage-reporting capability, or nil when
// the adapter does not measure consumption.
func UsageFor(backend engine.Backend) engine.UsageReporter {
	if usage, ok := backend.(engine.UsageReporter); ok {
		return usage
	}
	return nil
}

// MembershipFor returns the adapter's membership capability, or nil.
func MembershipFor(backend engine.Backend) engine.MembershipBackend {
	if membership, ok := backend.(engine.MembershipBackend); ok {
		return membership
	}
	return nil
}
