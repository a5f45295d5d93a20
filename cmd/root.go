package cmd

import (
	"github.com/spf13/cobra"

	"github.com/wlkit/reseat/internal/config"
)

var (
	// Version is set during build
	Version = "0.1.0-dev"

	configPath string

	rootCmd = &cobra.Command{
		Use:   "reseat",
		Short: "reseat - remote input receiver",
		Long: `reseat accepts remote-desktop input channels on behalf of a portal
and injects the negotiated keyboard and pointer events into the local
session as if they came from hardware. Each accepted channel becomes
its own virtual seat with isolated key and button state.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				config.SetConfigPath(configPath)
			}
			return config.Init()
		},
	}
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s\n" .Version}}`)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
}
