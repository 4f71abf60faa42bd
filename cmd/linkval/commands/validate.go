package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/linkval/pkg/compiler"
	"github.com/openfroyo/linkval/pkg/config"
	"github.com/openfroyo/linkval/pkg/service"
)

// instanceResult is the printable outcome of one instance.
type instanceResult struct {
	Instance string           `json:"instance"`
	Report   *compiler.Report `json:"report,omitempty"`
	Error    string           `json:"error,omitempty"`
}

func (r instanceResult) ok() bool {
	return r.Error == "" && r.Report != nil && r.Report.Valid
}

func newValidateCommand() *cobra.Command {
	var (
		schemaPath string
		className  string
		options    string
	)

	cmd := &cobra.Command{
		Use:   "validate [data files...]",
		Short: "Validate instance files against a schema class",
		Long: `Validate every instance in the given YAML or JSON files against a class.

A file may hold one mapping, a list of mappings, or several YAML documents.
The command exits non-zero when any instance is invalid or cannot be
validated.`,
		Example: `  # Validate people against the Person class
  linkval validate --schema people.yaml --class Person people-data.yaml

  # Only check types and required slots, print JSON
  linkval validate -s people.yaml -C Person --options types --json data.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			svc, schema, err := openSchema(ctx, schemaPath, options)
			if err != nil {
				return err
			}
			defer svc.Close()

			results, err := validateFiles(ctx, svc, schema.ID, className, args)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := writeJSON(out, results); err != nil {
					return err
				}
			} else {
				printResults(out, results)
			}

			failed := 0
			for _, r := range results {
				if !r.ok() {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d instances failed validation", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&schemaPath, "schema", "s", "", "schema file path")
	cmd.Flags().StringVarP(&className, "class", "C", "", "class to validate against")
	cmd.Flags().StringVar(&options, "options", "", "compile options, e.g. patterns|ranges|types|enums")
	_ = cmd.MarkFlagRequired("schema")
	_ = cmd.MarkFlagRequired("class")

	return cmd
}

// validateFiles loads every instance in files and validates them as one
// batch.
func validateFiles(ctx context.Context, svc *service.Service, schemaID, className string, files []string) ([]instanceResult, error) {
	var reqs []service.Request
	for _, path := range files {
		instances, err := config.LoadInstances(path)
		if err != nil {
			return nil, err
		}
		for i, inst := range instances {
			reqs = append(reqs, service.Request{
				ID:        fmt.Sprintf("%s[%d]", path, i),
				SchemaID:  schemaID,
				ClassName: className,
				Instance:  inst,
			})
		}
	}

	log.Debug().Int("instances", len(reqs)).Str("class", className).Msg("Validating instances")

	batch := svc.ValidateBatch(ctx, reqs)
	results := make([]instanceResult, len(batch))
	for i, r := range batch {
		results[i] = instanceResult{Instance: r.RequestID, Report: r.Report}
		if r.Err != nil {
			results[i].Error = r.Err.Error()
		}
	}
	return results, nil
}

func printResults(w io.Writer, results []instanceResult) {
	for _, r := range results {
		switch {
		case r.Error != "":
			fmt.Fprintf(w, "%s: error: %s\n", r.Instance, r.Error)
		case r.Report.Valid:
			fmt.Fprintf(w, "%s: valid\n", r.Instance)
		default:
			fmt.Fprintf(w, "%s: invalid\n", r.Instance)
		}
		if r.Report == nil {
			continue
		}
		for _, is := range r.Report.Issues {
			fmt.Fprintf(w, "  %s %s [%s]: %s\n", is.Severity, is.Path, is.Code, is.Message)
		}
	}
}
