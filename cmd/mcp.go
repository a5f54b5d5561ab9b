package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rocker/internal/mcp"
	"github.com/xkilldash9x/rocker/internal/observability"
)

// newMCPCmd exposes the router's commands as MCP tools.
func newMCPCmd() *cobra.Command {
	var pf pageFlags
	var transport, addr string

	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serves the agent's commands as MCP tools over stdio or HTTP",
		Args:  cobra.NoArgs,
		// Stdout belongs to the protocol on the stdio transport.
		Annotations: map[string]string{annotationLogStream: logStreamStderr},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			agent, err := buildAgent(ctx, cfg, &pf, logger)
			if err != nil {
				return err
			}
			defer agent.Shutdown()
			agent.Start(ctx)

			srv := mcp.NewServer(agent.Router, Version, logger)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Serve(transport, addr) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				logger.Info("MCP server interrupted.", zap.String("transport", transport))
				return nil
			}
		},
	}

	pf.register(mcpCmd)
	mcpCmd.Flags().StringVar(&transport, "transport", mcp.TransportStdio, "Transport: stdio or streamable-http")
	mcpCmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8788", "Listen address for the streamable-http transport")
	return mcpCmd
}
