// Package mcp implements the Model Context Protocol server for MAGSASA-CARD.
//
// The MCP server exposes read-only marketplace capabilities (pricing,
// catalog, logistics and credit scores) as MCP tools so that assistants
// can answer farmer and field officer questions from live data. Every call
// runs inside the organization resolved by the HTTP auth middleware.
package mcp

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/storage"
)

// Store is the read surface the tools need.
type Store interface {
	GetActiveInputs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.AgriculturalInput, error)
	ListInputs(ctx context.Context, f storage.InputFilter) ([]model.AgriculturalInput, int, error)
	GetLogisticsOption(ctx context.Context, id uuid.UUID) (model.LogisticsOption, error)
	ListLogisticsOptions(ctx context.Context, f storage.LogisticsFilter) ([]model.LogisticsOption, error)
	GetLatestAssessment(ctx context.Context, orgID, farmerID uuid.UUID) (model.AgScoreAssessment, error)
}

// Server wraps the MCP server with the marketplace store.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     Store
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools registered.
func New(store Store, logger *slog.Logger, version string) *Server {
	s := &Server{
		store:  store,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"magsasa",
		version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
