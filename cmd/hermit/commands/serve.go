package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hermit/pkg/server"
)

func newServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the executor over HTTP",
		Long: `Run the executor as a long-lived service.

Clients upload input files with PUT /v1/blobs, submit actions with
POST /v1/actions and follow progress on the /v1/events WebSocket.
Prometheus metrics are served on /metrics.`,
		Example: `  # Serve on the configured address
  hermit serve

  # Serve on all interfaces
  hermit serve --listen 0.0.0.0:7480`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			core, cfg, err := openCore(ctx)
			if err != nil {
				return err
			}
			defer closeCore(ctx, core)

			if listen != "" {
				cfg.Server.Listen = listen
			}
			log.Info().
				Str("listen", cfg.Server.Listen).
				Str("backend", core.Backend()).
				Msg("Starting executor service")
			return server.New(core, cfg.Server, log.Logger).Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (host:port)")

	return cmd
}
