package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crossgate/crossgate/pkg/backends/shell"
	"github.com/crossgate/crossgate/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Parse and validate the configuration file without contacting the
control plane or any backend. Component mapping edges, offering ids
and telemetry settings are all checked; a passing file is one the
agent would start with.`,
		Example: `  # Validate the default config path
  crossgate validate

  # Validate a specific file
  crossgate validate --config ./crossgate.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			known := map[string]bool{shell.Type: true}
			for _, o := range cfg.Offerings {
				note := ""
				if !known[o.BackendType] {
					note = " (no adapter registered, offering will use the no-op fallback)"
				}
				fmt.Printf("  offering %s: backend=%s mappings=%d events=%v%s\n",
					o.ID, o.BackendType, len(o.ComponentMappings), o.ProcessEvents, note)
			}
			fmt.Printf("configuration valid: %d offering(s), cycle interval %s\n",
				len(cfg.Offerings), cfg.Agent.CycleInterval)
			return nil
		},
	}
	return cmd
}
