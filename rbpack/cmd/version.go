package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"rbpack-tools/go/pkg/config"
)

// Set at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of rbpack",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			log.Debug("system", "info", "info", "rbpack version information", "version", Version, "commit", Commit, "date", Date)
			fmt.Fprintf(cmd.OutOrStdout(), "rbpack version %s (commit: %s, built: %s, default ruby: %s)\n",
				Version, Commit, Date, config.DefaultRuntimeVersion)
		},
	}
}
