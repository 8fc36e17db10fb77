// Package cli provides the command-line interface for migloop.
package cli

import (
	"fmt"

	"github.com/javanstorm/migloop/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// settings backs every command. Flags bind into it so that flag, env and
// file values resolve in one place.
var settings = viper.New()

var configFile string

var rootCmd = &cobra.Command{
	Use:   "migloop",
	Short: "migloop - QEMU live-migration loop tester",
	Long: `migloop starts two QEMU instances and migrates the guest between
them over and over, checking after each round that the SPICE client
followed the guest to its new host.

Each round waits for the active instance to run, hands the SPICE client
over to the target, migrates, quits the old instance and starts a fresh
target in its place.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	return config.Load(settings, configFile)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default $XDG_CONFIG_HOME/migloop/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", config.DefaultConfig().LogLevel, "console log level")
	settings.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level")) //nolint:errcheck

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}
