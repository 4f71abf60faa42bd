package commands

import (
	"github.com/spf13/cobra"
)

func newStatsCommand() *cobra.Command {
	var (
		schemaPath string
		className  string
		repeat     int
	)

	cmd := &cobra.Command{
		Use:   "stats [data files...]",
		Short: "Validate instances and print service statistics",
		Long: `Validate the given instances, optionally several times over, and print
the statistics snapshot as JSON: panics, error history and circuits, cache
counters, warmer counters and validation outcomes. Invalid instances do not
make the command fail.`,
		Example: `  # Cache behaviour over three passes
  linkval stats --schema people.yaml --class Person --repeat 3 people-data.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			svc, schema, err := openSchema(ctx, schemaPath, "")
			if err != nil {
				return err
			}
			defer svc.Close()

			for range max(1, repeat) {
				if _, err := validateFiles(ctx, svc, schema.ID, className, args); err != nil {
					return err
				}
			}
			return writeJSON(cmd.OutOrStdout(), svc.Statistics())
		},
	}

	cmd.Flags().StringVarP(&schemaPath, "schema", "s", "", "schema file path")
	cmd.Flags().StringVarP(&className, "class", "C", "", "class to validate against")
	cmd.Flags().IntVar(&repeat, "repeat", 1, "number of validation passes")
	_ = cmd.MarkFlagRequired("schema")
	_ = cmd.MarkFlagRequired("class")

	return cmd
}
