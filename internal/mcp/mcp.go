// Package mcp implements the Model Context Protocol server for Sorami.
//
// The MCP server exposes the marketing mix modeling workflow — datasets,
// validation reports, model runs, results, and budget optimization — as
// tools, so MCP-compatible AI agents can drive an analysis end to end.
// Workspace scoping comes from the JWT claims the HTTP auth middleware
// put on the request context.
package mcp

import (
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/sorami-ai/sorami/internal/storage"
)

// Server wraps the MCP server with Sorami's storage layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools registered.
func New(db *storage.DB, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:     db,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"sorami",
		version,
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
