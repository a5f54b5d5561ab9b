// Package mcp exposes the router's tool table to external assistants over
// the Model Context Protocol.
package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rocker/internal/router"
)

const (
	TransportStdio = "stdio"
	TransportHTTP  = "streamable-http"
)

// ToolCaller runs a named tool call.
type ToolCaller interface {
	HandleToolCall(ctx context.Context, name string, args map[string]any) router.Outcome
}

// Server registers one MCP tool per router tool.
type Server struct {
	caller ToolCaller
	mcp    *mcpserver.MCPServer
	logger *zap.Logger
}

func NewServer(caller ToolCaller, version string, logger *zap.Logger) *Server {
	s := &Server{
		caller: caller,
		mcp: mcpserver.NewMCPServer(
			"rocker",
			version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithRecovery(),
		),
		logger: logger.Named("mcp"),
	}
	for _, t := range router.Tools() {
		s.mcp.AddTool(Definition(t), s.handler(t.Name))
	}
	return s
}

// Definition converts a router tool into its MCP schema.
func Definition(t router.Tool) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(t.Description)}
	for _, p := range t.Params {
		props := []mcp.PropertyOption{mcp.Description(p.Description)}
		if p.Required {
			props = append(props, mcp.Required())
		}
		if p.Object {
			opts = append(opts, mcp.WithObject(p.Name, props...))
		} else {
			opts = append(opts, mcp.WithString(p.Name, props...))
		}
	}
	return mcp.NewTool(t.Name, opts...)
}

func (s *Server) handler(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]any{}
		}
		s.logger.Debug("Tool call", zap.String("tool", name))

		out := s.caller.HandleToolCall(ctx, name, args)
		if !out.Success {
			msg := out.Message
			if msg == "" {
				msg = name + " failed"
			}
			return mcp.NewToolResultError(msg), nil
		}
		return mcp.NewToolResultText(render(out)), nil
	}
}

// render is the message followed by the outcome's data on its own line.
func render(out router.Outcome) string {
	switch {
	case out.Data == "" && out.Message == "":
		return "done"
	case out.Data == "":
		return out.Message
	case out.Message == "":
		return out.Data
	}
	return out.Message + "\n" + out.Data
}

// Serve runs the server on the chosen transport until it stops. addr is
// only used by the HTTP transport.
func (s *Server) Serve(transport, addr string) error {
	switch transport {
	case TransportStdio, "":
		return mcpserver.ServeStdio(s.mcp)
	case TransportHTTP:
		s.logger.Info("MCP server listening", zap.String("address", addr))
		return mcpserver.NewStreamableHTTPServer(s.mcp).Start(addr)
	default:
		return fmt.Errorf("unsupported transport: %s (use %s or %s)", transport, TransportStdio, TransportHTTP)
	}
}
