package commands

import (
	"context"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/linkval/pkg/compiler"
	"github.com/openfroyo/linkval/pkg/config"
	"github.com/openfroyo/linkval/pkg/engine"
	"github.com/openfroyo/linkval/pkg/service"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "linkval",
		Short: "linkval - LinkML schema validation service",
		Long: `linkval resolves LinkML class hierarchies, compiles validators for them
and validates instance data.

Features:
  - C3 linearization of is_a and mixin inheritance
  - Compiled validators cached per schema version and class
  - Optional SQLite persistence of compiled validators
  - Speculative cache warming from access history
  - Schema hot reload`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newResolveCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newStatsCommand())

	return rootCmd
}

func loadServiceConfig() (*config.ServiceConfig, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// openSchema builds a service for a single command run and loads the schema
// file into it. The warmer stays off; the caller closes the service.
func openSchema(ctx context.Context, schemaPath, options string) (*service.Service, *engine.Schema, error) {
	cfg, err := loadServiceConfig()
	if err != nil {
		return nil, nil, err
	}
	sc := cfg.ToServiceConfig()
	sc.WarmerEnabled = false
	if options != "" {
		opts, ok := compiler.ParseOptions(options)
		if !ok {
			return nil, nil, fmt.Errorf("invalid compile options %q", options)
		}
		sc.Options = &opts
	}

	schema, err := config.NewSchemaLoader().LoadFile(schemaPath)
	if err != nil {
		return nil, nil, err
	}

	svc, err := service.New(ctx, sc, service.WithLogger(log.Logger))
	if err != nil {
		return nil, nil, err
	}
	if _, err := svc.LoadSchema(ctx, schema); err != nil {
		_ = svc.Close()
		return nil, nil, err
	}
	return svc, schema, nil
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
