package commands

import (
	"github.com/spf13/cobra"

	"github.com/crossgate/crossgate/pkg/backends"
)

func newIdentitiesCommand(version string) *cobra.Command {
	var syncOnly bool

	cmd := &cobra.Command{
		Use:   "identities",
		Short: "Run the identity provisioning pass and exit",
		Long: `Run one identity provisioning pass over every configured offering:
requested accounts are created, pending outcomes are rechecked and
usernames of already provisioned accounts are compared against the
backend and patched on drift.`,
		Example: `  # Provision and sync identities once
  crossgate identities

  # Only patch drifted usernames, skip provisioning
  crossgate identities --sync-only`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildAgent(ctx, version)
			if err != nil {
				return err
			}
			logger := a.telemetry.Logger.NewComponentLogger("identities")

			for _, rt := range a.offeringRuntimes() {
				backend := backends.IdentityFor(rt.Backend)
				if !syncOnly {
					if err := a.provisioner.Process(ctx, rt.Offering, backend); err != nil {
						logger.WithError(err).WithOffering(rt.Offering.ID).
							Error("identity provisioning pass failed")
					}
				}
				if err := a.provisioner.SyncUsernames(ctx, rt.Offering, backend); err != nil {
					logger.WithError(err).WithOffering(rt.Offering.ID).
						Error("username sync failed")
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&syncOnly, "sync-only", false, "only patch drifted usernames, skip provisioning")

	return cmd
}
