package commands

import (
	"github.com/spf13/cobra"
)

func newProcessCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run a single processing cycle and exit",
		Long: `Run exactly one processing cycle over every configured offering:
poll pending orders, advance identity provisioning and submit usage
reports. Useful from cron or for debugging an offering without the
long-running agent.`,
		Example: `  # One cycle with the default config path
  crossgate process

  # One cycle against a specific config file
  crossgate process --config ./crossgate.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildAgent(ctx, version)
			if err != nil {
				return err
			}
			a.scheduler.Cycle(ctx)
			return nil
		},
	}
	return cmd
}
