package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/gridlab/pkg/config"
	"github.com/openfroyo/gridlab/pkg/stores"
	"github.com/openfroyo/gridlab/pkg/track"
)

func newAnalyzeCommand() *cobra.Command {
	var (
		logRoot  string
		remote   string
		format   string
		follow   bool
		snapshot bool
	)

	cmd := &cobra.Command{
		Use:   "analyze <experimentname>",
		Short: "Print the results of an experiment",
		Long: `Load the project of an experiment and print one row per logged result,
with the trial parameters joined onto each row.

With --remote the trials are pulled from the mirror first. With --snapshot
the rows are read from the SQLite snapshot written by launch --save_project.
With --follow the table is printed again whenever trial files change.`,
		Example: `  # Print the results of a sweep
  gridlab analyze lr-sweep

  # Machine-readable output from the saved snapshot
  gridlab analyze lr-sweep --snapshot --format json

  # Watch a running sweep
  gridlab analyze lr-sweep --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				format = "json"
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("invalid format %q (must be 'table' or 'json')", format)
			}

			cfg := config.DefaultLaunchConfig(args[0])
			cfg.LogRoot = logRoot
			cfg.Remote = remote
			env, err := config.LoadEnvironment()
			if err != nil {
				return err
			}
			env.Apply(cfg, map[string]bool{
				"remote":   cmd.Flags().Changed("remote"),
				"dataroot": true,
			})

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if snapshot {
				path := stores.SnapshotPath(cfg.LogRoot, cfg.ExperimentName)
				if _, err := os.Stat(path); err != nil {
					return fmt.Errorf("no project snapshot: %w", err)
				}
				store, err := stores.OpenSnapshotStore(ctx, path)
				if err != nil {
					return err
				}
				defer store.Close()
				project, err := store.LoadProject(ctx, cfg.ExperimentName)
				if err != nil {
					return err
				}
				return printRows(out, format, project.Flatten())
			}

			tracker := track.NewStore(track.WithLogger(log.Logger))
			if follow {
				return tracker.Follow(ctx, cfg.ExperimentDir(), func(p *track.Project) {
					if err := printRows(out, format, p.Flatten()); err != nil {
						log.Warn().Err(err).Msg("Failed to print results")
					}
				})
			}

			project, err := tracker.LoadProject(ctx, cfg.ExperimentDir(), cfg.RemoteDir())
			if err != nil {
				return err
			}
			if len(project.Trials) == 0 {
				fmt.Fprintf(os.Stderr, "No trials found under %s\n", cfg.ExperimentDir())
				return nil
			}
			return printRows(out, format, project.Flatten())
		},
	}

	cmd.Flags().StringVar(&logRoot, "logroot", config.DefaultLogRoot, "log root")
	cmd.Flags().StringVar(&remote, "remote", "", "remote mirror root to pull trials from")
	cmd.Flags().StringVar(&format, "format", "table", "output format (table, json)")
	cmd.Flags().BoolVar(&follow, "follow", false, "print again when trial files change")
	cmd.Flags().BoolVar(&snapshot, "snapshot", false, "read the SQLite project snapshot")

	return cmd
}

func printRows(w io.Writer, format string, rows []map[string]any) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if rows == nil {
			rows = []map[string]any{}
		}
		return enc.Encode(rows)
	}

	cols := track.Columns(rows)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for i, c := range cols {
		if i > 0 {
			fmt.Fprint(tw, "\t")
		}
		fmt.Fprint(tw, c)
	}
	fmt.Fprintln(tw)
	for _, row := range rows {
		for i, c := range cols {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			if v, ok := row[c]; ok {
				fmt.Fprint(tw, v)
			}
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}
