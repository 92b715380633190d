package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/gridlab/pkg/telemetry"
)

func newRegistryCommand(opts Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect the capability registry",
	}
	cmd.AddCommand(newRegistryListCommand(opts))
	return cmd
}

type categoryListing struct {
	Category string   `json:"category"`
	Custom   []string `json:"custom"`
	Builtin  []string `json:"builtin"`
}

func newRegistryListCommand(opts Options) *cobra.Command {
	var modules []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the registered names of every category",
		Long: `List the names each category resolves: custom registrations first,
then the built-in defaults that are used when no custom entry matches.`,
		Example: `  # Built-in names
  gridlab registry list

  # Include the constructors of a manifest
  gridlab registry list --module models=./models.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var metrics *telemetry.Metrics
			catalog, closeLoader, err := newCatalog(cmd.Context(), opts, modules, metrics)
			if err != nil {
				return err
			}
			defer closeLoader()

			var listings []categoryListing
			for _, category := range catalog.Categories() {
				r := catalog.Category(category)
				listings = append(listings, categoryListing{
					Category: category,
					Custom:   r.Names(),
					Builtin:  r.DefaultNames(),
				})
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(listings)
			}

			for _, l := range listings {
				fmt.Fprintf(out, "%s:\n", l.Category)
				fmt.Fprintf(out, "  custom:  %s\n", joinOrNone(l.Custom))
				fmt.Fprintf(out, "  builtin: %s\n", joinOrNone(l.Builtin))
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&modules, "module", "m", nil, "module to scan (category=path, repeatable)")
	return cmd
}

func joinOrNone(names []string) string {
	if len(names) == 0 {
		return "(none)"
	}
	return strings.Join(names, ", ")
}
