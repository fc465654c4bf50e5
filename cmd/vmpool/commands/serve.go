package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vmpool/vmpool/pkg/api"
)

func newServeCommand(version string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API and process requests in the background.

On startup, requests left mid-flight by a previous process are reconciled:
interrupted plans become plan_failed, interrupted applies become failed,
approved requests are applied and pending ones are processed.`,
		Example: `  # Serve on the configured address
  vmpool serve --config /etc/vmpool/config.yaml

  # Override the listen address
  vmpool serve --listen 127.0.0.1:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := a.close(shutdownCtx); err != nil {
					a.logger.Warn().Err(err).Msg("shutdown finished with errors")
				}
			}()

			if a.policy != nil && a.cfg.Policy.Watch {
				loader, err := a.policy.Watch(ctx, a.cfg.Policy.Paths)
				if err != nil {
					return fmt.Errorf("failed to watch policies: %w", err)
				}
				defer loader.Close()
			}

			if err := a.engine.Recover(ctx); err != nil {
				return fmt.Errorf("failed to recover requests: %w", err)
			}

			if listen == "" {
				listen = a.cfg.Listen
			}
			router := api.NewRouter(api.Deps{
				Service:     a.engine,
				Logger:      a.logger,
				Metrics:     a.tel.Metrics,
				MetricsPath: a.cfg.Telemetry.Metrics.Path,
				Health:      a.store.HealthCheck,
			})
			return api.NewServer(listen, router, a.logger).Run(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides the config)")

	return cmd
}
