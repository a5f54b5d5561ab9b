package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/rocker/internal/observability"
)

// newServeCmd runs the agent with its control server until interrupted.
func newServeCmd() *cobra.Command {
	var pf pageFlags
	var listen string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the agent and its control server for overlays, voice and broadcasts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.SetServerListenAddr(listen)
			}

			agent, err := buildAgent(ctx, cfg, &pf, logger)
			if err != nil {
				return err
			}
			defer agent.Shutdown()

			g, gctx := errgroup.WithContext(ctx)
			agent.Start(gctx)
			srv := agent.Server()
			g.Go(func() error {
				return srv.Start(gctx)
			})

			logger.Info("Rocker is serving.", zap.String("addr", cfg.Server().ListenAddr))
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("Rocker stopped.")
			return nil
		},
	}

	pf.register(serveCmd)
	serveCmd.Flags().StringVarP(&listen, "listen", "l", "", "Address for the control server (overrides config)")
	return serveCmd
}
