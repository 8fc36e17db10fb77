package cli

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/javanstorm/migloop/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration a run would use, after applying defaults,
the config file, MIGLOOP_* environment variables and flags.

The output is TOML. Problems found by validation are listed after it.`,
	RunE: runConfig,
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if used := settings.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "# config file: %s\n", used)
	}
	if err := toml.NewEncoder(out).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if issues := config.Validate(cfg); len(issues) > 0 {
		fmt.Fprintln(out)
		fmt.Fprint(out, config.FormatValidationErrors(issues))
	}
	return nil
}
