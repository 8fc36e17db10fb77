package cli

import (
	"fmt"

	"github.com/javanstorm/migloop/internal/version"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print the version, commit hash, and build date of migloop.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "migloop %s\n", version.Version)
		fmt.Fprintf(cmd.OutOrStdout(), "  Commit:     %s\n", version.Commit)
		fmt.Fprintf(cmd.OutOrStdout(), "  Build Date: %s\n", version.BuildDate)
	},
}
