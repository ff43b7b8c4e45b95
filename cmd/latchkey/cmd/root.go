package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmcleod/latchkey/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "latchkey",
	Short: "Latchkey is a smart-lock dashboard backend",
	Long: `Latchkey decrypts camera stills for the dashboard and issues temporary
door passwords through the platform's ticket protocol.

Settings are read from an optional YAML file (--config), then LATCHKEY_*
environment variables, then command-line flags.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a YAML configuration file")
}

// loadConfig reads configuration with any of bindings (config key to flag
// name) overriding file and environment values when the flag was set.
func loadConfig(cmd *cobra.Command, bindings map[string]string) (*config.Config, error) {
	v := config.NewViper()
	if err := bindFlags(v, cmd, bindings); err != nil {
		return nil, err
	}
	return config.Load(v, configFile)
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, bindings map[string]string) error {
	for key, name := range bindings {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}
	return nil
}
