package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/novagate/internal/gateway"
	novamcp "github.com/ppiankov/novagate/internal/mcp"
)

var mcpAllowFreeze bool

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().BoolVar(&mcpAllowFreeze, "allow-freeze", false, "Expose the nova_freeze tool")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long:  "Runs the gateway as an MCP (Model Context Protocol) server over stdio.\nExposes tools: nova_evaluate, nova_verify, nova_query, nova_summary\nand, with --allow-freeze, nova_freeze.",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout carries the protocol, so logs go to stderr.
	logger := newLogger(os.Stderr, cfg.LogLevel, true)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	defer g.Close()

	srv := novamcp.New(g, g.Log, novamcp.Config{AllowFreeze: mcpAllowFreeze, Version: version}, logger)
	fmt.Fprintln(os.Stderr, "nova MCP server running on stdio")
	return srv.Run(ctx)
}
