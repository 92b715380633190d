package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/gridlab/pkg/engine"
	"github.com/openfroyo/gridlab/pkg/registry"
)

var (
	// Global flags
	verbose    bool
	jsonOutput bool
)

// Options customizes the CLI for programs that embed it with their own
// experiment and registrations.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// Experiment returns the experiment run by launch. Defaults to the
	// built-in probe experiment.
	Experiment func(catalog *registry.Catalog) engine.ExperimentFunc

	// Register is called on the catalog before modules are scanned.
	Register func(catalog *registry.Catalog) error

	// PostProcess receives the consolidated project of a launch.
	PostProcess engine.PostProcessFunc
}

// Execute runs the root command
func Execute(ctx context.Context, opts Options) error {
	rootCmd := newRootCommand(opts)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(opts Options) *cobra.Command {
	if opts.Version == "" {
		opts.Version = "dev"
	}

	rootCmd := &cobra.Command{
		Use:   "gridlab",
		Short: "gridlab - experiment registry and sweep launcher",
		Long: `gridlab registers named model, dataset and optimizer constructors and
launches experiments built from them, either as a single run or as a
parameter-grid sweep.

Features:
  - Per-category registries with built-in defaults
  - Grid files in YAML, JSON, CUE or Starlark
  - Local scheduler with per-trial CPU/GPU demand
  - Trial output consolidated under <logroot>/<experiment>
  - SQLite project snapshots and remote mirrors (path, sftp://, s3://)
  - Rego launch policies`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", opts.Version, opts.Commit, opts.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newLaunchCommand(opts))
	rootCmd.AddCommand(newAnalyzeCommand())
	rootCmd.AddCommand(newRegistryCommand(opts))
	rootCmd.AddCommand(newVersionCommand(opts))

	return rootCmd
}
