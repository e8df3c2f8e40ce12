package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"rbpack-tools/go/pkg/logbowl"
)

var log logbowl.Logger

// NewRootCmd assembles the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rbpack",
		Short:         "Packages a Ruby application into a single self-contained executable.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log = logbowl.Create("rbpack")
		},
	}
	root.PersistentFlags().String("config", "", "Path to an rbpack config file")
	root.PersistentFlags().String("project-dir", "", "Application directory (default: current directory)")
	root.PersistentFlags().String("cache-root", "", "Build cache directory")

	root.AddCommand(newBuildCmd(), newCacheCmd(), newInspectCmd(), newVersionCmd())
	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		if log.Logger == nil {
			log = logbowl.Create("rbpack")
		}
		log.Error("system", "stop", "error", "Failed to execute command", "error", err)
		os.Exit(1)
	}
}
