package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/linkval/pkg/config"
	"github.com/openfroyo/linkval/pkg/engine"
	"github.com/openfroyo/linkval/pkg/service"
	"github.com/openfroyo/linkval/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var (
		schemaPaths   []string
		watch         bool
		statsInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the validation service",
		Long: `Load schemas and keep them hot: schema files are watched and reloaded,
the cache warmer runs on its interval and metrics are served when enabled in
the config file. The command blocks until interrupted.`,
		Example: `  # Serve one schema with the default configuration
  linkval serve --schema people.yaml

  # Use a config file and log statistics every minute
  linkval serve -c linkval.yaml -s people.yaml -s orders.yaml --stats-interval 1m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadServiceConfig()
			if err != nil {
				return err
			}

			tel, err := telemetry.NewTelemetry(cfg.ToTelemetryConfig())
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Telemetry shutdown failed")
				}
			}()
			logger := tel.Logger.NewComponentLogger("serve").Zerolog()

			svc, err := service.New(ctx, cfg.ToServiceConfig(), service.WithTelemetry(tel))
			if err != nil {
				return err
			}
			defer svc.Close()

			loader := config.NewSchemaLoader()
			for _, path := range schemaPaths {
				schema, err := loader.LoadFile(path)
				if err != nil {
					return err
				}
				if _, err := svc.LoadSchema(ctx, schema); err != nil {
					return err
				}
			}

			if watch && len(schemaPaths) > 0 {
				watcher := config.NewWatcher(loader, func(ctx context.Context, _ string, s *engine.Schema) error {
					_, err := svc.LoadSchema(ctx, s)
					return err
				}, logger)
				if err := watcher.Watch(ctx, schemaPaths...); err != nil {
					return err
				}
				defer watcher.Stop()
			}

			server, err := tel.StartMetricsServer()
			if err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}
			if server != nil {
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = server.Shutdown(shutdownCtx)
				}()
			}

			if err := svc.Start(ctx); err != nil {
				return err
			}

			logger.Info().
				Strs("schemas", schemaPaths).
				Bool("watch", watch).
				Bool("metrics", server != nil).
				Msg("Service running")

			var tick <-chan time.Time
			if statsInterval > 0 {
				ticker := time.NewTicker(statsInterval)
				defer ticker.Stop()
				tick = ticker.C
			}

			for {
				select {
				case <-ctx.Done():
					logger.Info().Msg("Service stopping")
					return nil
				case <-tick:
					st := svc.Statistics()
					logger.Info().
						Uint64("validations", st.Validations.Total).
						Int("cache_entries", st.Cache.Entries).
						Float64("cache_hit_rate", st.Cache.HitRate).
						Uint64("warmed", st.Warmer.Warmed).
						Uint64("panics", st.Panics.TotalPanics).
						Strs("open_circuits", st.Errors.OpenCircuits).
						Msg("Service statistics")
				}
			}
		},
	}

	cmd.Flags().StringSliceVarP(&schemaPaths, "schema", "s", nil, "schema file paths")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload schema files when they change")
	cmd.Flags().DurationVar(&statsInterval, "stats-interval", 0, "log statistics at this interval (0 disables)")

	return cmd
}
