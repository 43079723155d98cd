package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "crossgate",
		Short: "Crossgate - Marketplace Synchronization Agent",
		Long: `Crossgate keeps a marketplace control plane and a service backend in
sync. It polls orders and drives resource provisioning, provisions
backend accounts for marketplace users, listens to the control-plane
event bus and reports measured usage.

The control plane is the single source of truth: the agent holds no
database and can be restarted at any time.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/crossgate/config.yaml", "config file path")

	// Add subcommands
	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newProcessCommand(version))
	rootCmd.AddCommand(newIdentitiesCommand(version))
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}
