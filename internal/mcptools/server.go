// Package mcptools exposes a keeper client as MCP tools so agents can read
// and write the coordination tree.
package mcptools

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/AltairaLabs/keeper/internal/config"
	"github.com/AltairaLabs/keeper/internal/framework"
)

// Config holds configuration for the MCP server
type Config struct {
	Name    string
	Version string
}

// Server wraps the mcp-go server around a keeper client
type Server struct {
	server *server.MCPServer
	client *framework.Client
	logger *slog.Logger
}

// NewServer creates the MCP server and registers every tool
func NewServer(cfg Config, client *framework.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mcpServer := server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &Server{
		server: mcpServer,
		client: client,
		logger: logger,
	}
	s.registerTools()
	return s
}

// Tools returns the registered tool names
func (s *Server) Tools() []string {
	names := make([]string, 0, len(config.AllTools()))
	registered := s.server.ListTools()
	for _, name := range config.AllTools() {
		if _, ok := registered[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// registerTools registers all MCP tools with handlers
func (s *Server) registerTools() {
	pathArg := mcp.WithString("path",
		mcp.Required(),
		mcp.Description("Absolute node path, e.g. /app/config"),
	)
	versionArg := mcp.WithNumber("version",
		mcp.Description("Expected node version; -1 matches any version"),
		mcp.DefaultNumber(-1),
	)

	s.server.AddTool(mcp.NewTool(config.ToolNodeCreate,
		mcp.WithDescription("Create a node"),
		pathArg,
		mcp.WithString("data", mcp.Description("Node data")),
		mcp.WithString("mode",
			mcp.Description("Create mode"),
			mcp.Enum(modeNames()...),
		),
		mcp.WithBoolean("compressed", mcp.Description("Compress the data before storing it")),
		mcp.WithBoolean("parents", mcp.Description("Create missing parent nodes")),
	), s.handleCreate)

	s.server.AddTool(mcp.NewTool(config.ToolNodeGet,
		mcp.WithDescription("Read a node's data and stat"),
		pathArg,
		mcp.WithBoolean("decompress", mcp.Description("Decompress data written with compression")),
	), s.handleGet)

	s.server.AddTool(mcp.NewTool(config.ToolNodeSet,
		mcp.WithDescription("Replace a node's data"),
		pathArg,
		mcp.WithString("data", mcp.Required(), mcp.Description("New node data")),
		versionArg,
		mcp.WithBoolean("compressed", mcp.Description("Compress the data before storing it")),
	), s.handleSet)

	s.server.AddTool(mcp.NewTool(config.ToolNodeDelete,
		mcp.WithDescription("Delete a node"),
		pathArg,
		versionArg,
		mcp.WithBoolean("children", mcp.Description("Delete all descendants first")),
		mcp.WithBoolean("guaranteed", mcp.Description("Keep retrying in the background after connection failures")),
	), s.handleDelete)

	s.server.AddTool(mcp.NewTool(config.ToolNodeExists,
		mcp.WithDescription("Report whether a node exists"),
		pathArg,
	), s.handleExists)

	s.server.AddTool(mcp.NewTool(config.ToolNodeChildren,
		mcp.WithDescription("List a node's children"),
		pathArg,
	), s.handleChildren)

	s.server.AddTool(mcp.NewTool(config.ToolNodeTransaction,
		mcp.WithDescription("Commit several writes atomically; either all apply or none do"),
		mcp.WithArray("ops",
			mcp.Required(),
			mcp.Description("Operations: objects with op (create, delete, set, check), path, data and version"),
			mcp.Items(map[string]any{"type": "object"}),
		),
	), s.handleTransaction)

	s.server.AddTool(mcp.NewTool(config.ToolConnectionState,
		mcp.WithDescription("Report the connection state, session and dispatch counters"),
	), s.handleConnectionState)
}

// Serve starts the MCP server with stdio transport
func (s *Server) Serve() error {
	s.logger.Info("Starting MCP server with stdio transport")
	return server.ServeStdio(s.server)
}

// ServeHTTP starts the MCP server with HTTP/SSE transport on the specified address
func (s *Server) ServeHTTP(addr string) error {
	s.logger.Info("Starting MCP server with HTTP/SSE transport", "address", addr, "base_path", "/mcp")
	sseServer := server.NewSSEServer(s.server,
		server.WithBaseURL("http://"+addr),
		server.WithStaticBasePath("/mcp"),
	)
	return sseServer.Start(addr)
}
