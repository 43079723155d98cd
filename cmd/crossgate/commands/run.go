package commands

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/crossgate/crossgate/pkg/config"
	"github.com/crossgate/crossgate/pkg/engine"
	"github.com/crossgate/crossgate/pkg/events"
)

func newRunCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the synchronization agent",
		Long: `Run the agent until interrupted: the processing loop polls orders,
drives identity provisioning and reports usage on every cycle, while
event-bus subscriptions trigger out-of-band cycles as marketplace
objects change.

The configuration file is watched; edits are applied without a
restart. Changes to the event subscription set take effect on the
next restart.`,
		Example: `  # Run with the default config path
  crossgate run

  # Run against a specific config file
  crossgate run --config ./crossgate.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), version)
		},
	}
	return cmd
}

func runAgent(ctx context.Context, version string) error {
	a, err := buildAgent(ctx, version)
	if err != nil {
		return err
	}
	logger := a.telemetry.Logger.NewComponentLogger("agent")

	if err := a.telemetry.StartMetricsServer(); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("telemetry shutdown failed")
		}
	}()

	watcher := config.NewWatcher(configPath, func(cfg *config.Config) {
		if err := a.apply(ctx, cfg); err != nil {
			logger.WithError(err).Error("failed to apply reloaded configuration")
		}
	}, a.telemetry.Logger)
	go func() {
		if err := watcher.Watch(ctx); err != nil {
			logger.WithError(err).Warn("configuration watcher stopped")
		}
	}()

	if offeringIDs := a.eventOfferingIDs(); len(offeringIDs) > 0 {
		dialer := &events.StompDialer{
			URL:   a.cfg.ControlPlane.EventBusURL(),
			Token: a.cfg.ControlPlane.Token,
		}
		manager := events.NewManager(
			a.cfg.Agent.Events,
			a.client,
			dialer,
			func(ctx context.Context, event *engine.Event) { a.scheduler.Trigger() },
			a.scheduler.ReconcileIdentities,
			a.telemetry.Logger,
			a.telemetry.Metrics,
		)
		if err := manager.Start(ctx, offeringIDs); err != nil {
			return err
		}
		defer manager.Stop()
	}

	logger.WithField("version", version).
		WithField("offerings", len(a.offeringRuntimes())).
		Info("agent started")

	if err := a.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
