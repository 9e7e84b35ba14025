// Package mcp exposes the gateway as Model Context Protocol tools on stdio.
package mcp

import (
	"context"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/novagate/internal/api"
	"github.com/ppiankov/novagate/internal/audit"
)

// Config holds MCP server configuration.
type Config struct {
	// AllowFreeze enables the nova_freeze tool. The stdio peer is trusted
	// with whatever the operator grants here.
	AllowFreeze bool
	Version     string
}

// Server wraps the MCP SDK server around a gateway.
type Server struct {
	mcpServer   *mcpsdk.Server
	eval        api.Evaluator
	log         *audit.Log
	allowFreeze bool
	logger      *slog.Logger
}

// New creates an MCP server with all nova tools registered.
func New(eval api.Evaluator, log *audit.Log, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{eval: eval, log: log, allowFreeze: cfg.AllowFreeze, logger: logger}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "nova",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all nova tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "nova_evaluate",
		Description: "Run a prompt through the nova trust pipeline under a policy. Returns the final action (ALLOW/WARN/BLOCK), the per-check verdicts and the audit record id.",
	}, s.handleEvaluate)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "nova_verify",
		Description: "Verify the hash chain of the audit log over an id range. Reports the first broken record, if any.",
	}, s.handleVerify)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "nova_query",
		Description: "Search audit records by status, policy, time window or text, newest first.",
	}, s.handleQuery)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "nova_summary",
		Description: "Aggregate counts, block rate, average response time and attack types over the whole audit log.",
	}, s.handleSummary)

	if s.allowFreeze {
		mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
			Name:        "nova_freeze",
			Description: "Mark an audit record frozen for investigation. Idempotent; the record hash is unchanged.",
		}, s.handleFreeze)
	}
}
