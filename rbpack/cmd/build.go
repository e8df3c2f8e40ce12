package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"rbpack-tools/go/pkg/actions"
	"rbpack-tools/go/pkg/config"
	"rbpack-tools/go/pkg/logbowl"
	"rbpack-tools/go/pkg/pipeline"
	"rbpack-tools/go/pkg/stages"
)

// newActions builds the exec-backed collaborators for a build.
var newActions = func(log logbowl.Logger, cfg *config.Config) actions.Set {
	return actions.Default(log.Named("exec"), actions.Tools{CC: cfg.CC, PkgConfig: cfg.PkgConfig})
}

func newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Builds a self-contained executable from a Ruby application.",
		Args:  cobra.NoArgs,
		RunE:  runBuild,
	}
	f := cmd.Flags()
	f.String("entry-point", "", "Script to run, relative to the project directory")
	f.StringP("output", "o", "", "Path of the executable to write")
	f.String("runtime-version", "", "Ruby version to build and embed")
	f.String("ruby-source", "", "Unpacked Ruby source tree")
	f.String("temp-root", "", "Directory holding build workspaces")
	f.String("build-dir", "", "Runtime build-output directory")
	f.String("lock-file", "", "Gemfile.lock to resolve (default: <project-dir>/Gemfile.lock)")
	f.Bool("no-cache", false, "Ignore cached stage outputs and rebuild everything")
	f.Bool("keep-workspace", false, "Keep the workspace after the build")
	f.IntP("jobs", "j", 0, "Parallel jobs for compilers")
	f.StringSlice("exclude", nil, "Glob patterns left out of the embedded application")
	f.String("cc", "", "C compiler driver")
	f.String("pkg-config", "", "pkg-config binary")
	f.String("log-file", "", "Also write logs to this file")
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if cfg.Source != "" {
		log.Debug("config", "load", "success", "Configuration file loaded", "path", cfg.Source)
	}
	return cfg, nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.LogFile != "" {
		log = logbowl.New(logbowl.Options{
			Name:   "rbpack",
			Level:  os.Getenv(logbowl.LogLevelEnvVar),
			Format: os.Getenv(logbowl.LogFormatEnvVar),
			File:   cfg.LogFile,
		})
	}

	env, err := stages.Open(cfg, newActions(log, cfg), log)
	if err != nil {
		return err
	}
	defer func() {
		if err := env.Close(); err != nil {
			log.Warn("workspace", "release", "warning", "Could not release workspace", "path", env.Workspace.Path, "error", err)
		}
	}()

	p, err := stages.New(env)
	if err != nil {
		return err
	}
	res, err := p.Build(cmd.Context())
	if err != nil {
		return fmt.Errorf("build failed in stage %s: %w", pipeline.Origin(err), err)
	}

	out := cmd.OutOrStdout()
	for _, name := range res.Order {
		fmt.Fprintf(out, "  %-12s %s\n", name, res.Strategies[name])
	}
	fmt.Fprintf(out, "Built %s\n", res.Executable)
	return nil
}
