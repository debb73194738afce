package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nicktill/minerstats/pkg/server"
	"github.com/nicktill/minerstats/pkg/version"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept update batches and serve the time series API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := server.New(ctx, c.cfg, c.logger, version.Version)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), c.cfg.HTTP.ShutdownTimeout)
				defer cancel()
				if err := app.Close(closeCtx); err != nil {
					c.logger.Warn().Err(err).Msg("close")
				}
			}()

			return app.Run(ctx)
		},
	}
}
