package commands

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/linkval/pkg/engine"
)

func newResolveCommand() *cobra.Command {
	var schemaPath string

	cmd := &cobra.Command{
		Use:   "resolve [classes...]",
		Short: "Print resolved class definitions",
		Long: `Resolve classes and print their method resolution order and effective
slots. Without arguments every class is printed, parents before children.`,
		Example: `  # Show how Person is assembled
  linkval resolve --schema people.yaml Person

  # Every class as JSON
  linkval resolve --schema people.yaml --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			svc, schema, err := openSchema(ctx, schemaPath, "")
			if err != nil {
				return err
			}
			defer svc.Close()

			classes := args
			if len(classes) == 0 {
				if classes, err = svc.ClassOrder(schema.ID); err != nil {
					return err
				}
			}

			resolved := make([]*engine.ResolvedClassDef, 0, len(classes))
			for _, name := range classes {
				r, err := svc.Resolve(ctx, schema.ID, name)
				if err != nil {
					return err
				}
				resolved = append(resolved, r)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, resolved)
			}
			for i, r := range resolved {
				if i > 0 {
					fmt.Fprintln(out)
				}
				printResolved(out, r)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&schemaPath, "schema", "s", "", "schema file path")
	_ = cmd.MarkFlagRequired("schema")

	return cmd
}

func printResolved(w io.Writer, r *engine.ResolvedClassDef) {
	header := "class " + r.Name
	switch {
	case r.Mixin:
		header += " (mixin)"
	case r.Abstract:
		header += " (abstract)"
	}
	fmt.Fprintln(w, header)
	fmt.Fprintf(w, "  mro: %s\n", strings.Join(r.MRO, " -> "))
	fmt.Fprintln(w, "  slots:")
	for _, s := range r.EffectiveSlots {
		fmt.Fprintf(w, "    %s: %s%s%s\n", s.Name, s.Range, rangeKind(s), slotFlags(s))
	}
}

func rangeKind(s *engine.EffectiveSlot) string {
	switch s.RangeKind {
	case engine.RangeKindEnum:
		return " (enum: " + strings.Join(s.PermissibleValues, "|") + ")"
	case engine.RangeKindClass:
		return " (class)"
	case engine.RangeKindUnknown:
		return " (unknown)"
	}
	return ""
}

func slotFlags(s *engine.EffectiveSlot) string {
	var flags []string
	if s.IsRequired() {
		flags = append(flags, "required")
	}
	if s.Identifier != nil && *s.Identifier {
		flags = append(flags, "identifier")
	}
	if s.IsMultivalued() {
		flags = append(flags, "multivalued")
	}
	if s.Pattern != "" {
		flags = append(flags, "pattern="+s.Pattern)
	}
	if s.MinimumValue != nil {
		flags = append(flags, "min="+formatNumber(*s.MinimumValue))
	}
	if s.MaximumValue != nil {
		flags = append(flags, "max="+formatNumber(*s.MaximumValue))
	}
	if s.MinCardinality != nil {
		flags = append(flags, "min_cardinality="+strconv.Itoa(*s.MinCardinality))
	}
	if s.MaxCardinality != nil {
		flags = append(flags, "max_cardinality="+strconv.Itoa(*s.MaxCardinality))
	}
	if len(flags) == 0 {
		return ""
	}
	return " [" + strings.Join(flags, ", ") + "]"
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
