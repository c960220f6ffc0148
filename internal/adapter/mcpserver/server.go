// Package mcpserver exposes specialist discovery, routing and pipelines as MCP tools.
package mcpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients during initialization.
const Version = "0.1.0"

// Deps are the components the tools call into. Name is the server name reported to
// clients; it defaults to "chorus".
type Deps struct {
	Name      string
	Registry  Registry
	Ranker    Ranker
	Router    Router
	Pipelines Pipelines
}

// New builds an MCP server with every chorus tool registered.
func New(deps Deps, logger *slog.Logger) *server.MCPServer {
	name := deps.Name
	if name == "" {
		name = "chorus"
	}
	s := server.NewMCPServer(
		name,
		Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("chorus routes messages to CI specialists. Use list_specialists or "+
			"best_specialist to find one, route_message to talk to it, and pipeline_start / "+
			"pipeline_continue to move a message along a named route."),
	)

	list := NewListSpecialistsTool(deps.Registry)
	s.AddTool(list.Definition(), list.Handle)

	info := NewSpecialistInfoTool(deps.Registry)
	s.AddTool(info.Definition(), info.Handle)

	best := NewBestSpecialistTool(deps.Ranker)
	s.AddTool(best.Definition(), best.Handle)

	route := NewRouteMessageTool(deps.Router)
	s.AddTool(route.Definition(), route.Handle)

	if deps.Pipelines != nil {
		start := NewPipelineStartTool(deps.Pipelines)
		s.AddTool(start.Definition(), start.Handle)

		cont := NewPipelineContinueTool(deps.Pipelines)
		s.AddTool(cont.Definition(), cont.Handle)
	}

	logger.Debug("mcp server built", "version", Version)
	return s
}

// Serve speaks MCP over in/out (normally stdin/stdout) until ctx is cancelled or in
// is closed.
func Serve(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer) error {
	err := server.NewStdioServer(s).Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
