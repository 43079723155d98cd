package commands

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/crossgate/crossgate/pkg/backends"
	"github.com/crossgate/crossgate/pkg/backends/shell"
	"github.com/crossgate/crossgate/pkg/config"
	"github.com/crossgate/crossgate/pkg/controlplane"
	"github.com/crossgate/crossgate/pkg/identity"
	"github.com/crossgate/crossgate/pkg/orders"
	"github.com/crossgate/crossgate/pkg/policy"
	"github.com/crossgate/crossgate/pkg/reconcile"
	"github.com/crossgate/crossgate/pkg/telemetry"
)

// agent is the wired-up process: configuration, telemetry, the
// control-plane client, policy, the backend registry and the scheduler.
// The offering runtime set is swapped atomically on configuration reload.
type agent struct {
	cfg         *config.Config
	telemetry   *telemetry.Telemetry
	client      *controlplane.Client
	policies    *policy.Engine
	registry    *backends.Registry
	provisioner *identity.Provisioner
	scheduler   *reconcile.Scheduler

	runtimes atomic.Value // []reconcile.OfferingRuntime
}

// buildAgent loads the configuration and wires every component. It makes
// no control-plane requests; a bad token surfaces on the first cycle, not
// here.
func buildAgent(ctx context.Context, version string) (*agent, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	tel, err := telemetry.New(cfg.Telemetry.Build(version))
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	client, err := controlplane.NewClient(cfg.ControlPlane)
	if err != nil {
		return nil, err
	}

	policies, err := policy.NewEngine(tel.Logger)
	if err != nil {
		return nil, err
	}
	if cfg.PolicyDir != "" {
		if err := policies.LoadDir(ctx, cfg.PolicyDir); err != nil {
			return nil, fmt.Errorf("failed to load policy modules: %w", err)
		}
	}

	registry := backends.NewRegistry(tel.Logger)
	if err := registry.Register(shell.Type, shell.New); err != nil {
		return nil, err
	}

	a := &agent{
		cfg:       cfg,
		telemetry: tel,
		client:    client,
		policies:  policies,
		registry:  registry,
	}

	orderProcessor := orders.NewProcessor(client, tel.Logger, tel.Metrics).
		WithAdmitter(policies, cfg.PolicyAdvisory)
	a.provisioner = identity.NewProvisioner(client, policies, tel.Logger, tel.Metrics)
	a.scheduler = reconcile.NewScheduler(
		client,
		orderProcessor,
		a.provisioner,
		a.offeringRuntimes,
		cfg.Agent.CycleInterval,
		tel.Logger,
		tel.Metrics,
		tel.Tracer,
	)

	if err := a.apply(ctx, cfg); err != nil {
		return nil, err
	}
	return a, nil
}

// apply installs a configuration: policy facts are rewritten and the
// offering runtime set is rebuilt and swapped in. Called at startup and on
// every hot reload.
func (a *agent) apply(ctx context.Context, cfg *config.Config) error {
	runtimes := make([]reconcile.OfferingRuntime, 0, len(cfg.Offerings))
	for i := range cfg.Offerings {
		oc := &cfg.Offerings[i]

		if err := a.policies.SetOfferingFacts(ctx, oc.ID, oc.PolicyFacts()); err != nil {
			return fmt.Errorf("failed to set policy facts for offering %s: %w", oc.ID, err)
		}

		values, err := oc.Mapper()
		if err != nil {
			return err
		}
		offering := oc.Offering()
		runtimes = append(runtimes, reconcile.OfferingRuntime{
			Offering:      offering,
			Backend:       a.registry.Resolve(ctx, offering, oc.BackendSettings),
			Mapper:        values,
			ProcessEvents: oc.ProcessEvents,
		})
	}

	a.cfg = cfg
	a.runtimes.Store(runtimes)
	return nil
}

// offeringRuntimes is the scheduler's snapshot accessor.
func (a *agent) offeringRuntimes() []reconcile.OfferingRuntime {
	runtimes, _ := a.runtimes.Load().([]reconcile.OfferingRuntime)
	return runtimes
}

// eventOfferingIDs returns the offerings with event processing enabled.
func (a *agent) eventOfferingIDs() []string {
	var ids []string
	for _, rt := range a.offeringRuntimes() {
		if rt.ProcessEvents {
			ids = append(ids, rt.Offering.ID)
		}
	}
	return ids
}
