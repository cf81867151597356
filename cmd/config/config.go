package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/aoa-go/internal/conf"
)

// Command creates the command that prints the effective configuration.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Print the configuration after defaults, the config file, environment variables and flags are applied. Secrets are masked.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := settings.YAML()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if used := conf.ConfigFileUsed(); used != "" {
				fmt.Fprintf(out, "# loaded from %s\n", used)
			} else {
				fmt.Fprintln(out, "# no config file found, using defaults")
			}
			_, err = out.Write(data)
			return err
		},
	}
}
