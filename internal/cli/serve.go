package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/novagate/internal/api"
	"github.com/ppiankov/novagate/internal/gateway"
	"github.com/ppiankov/novagate/internal/server"
)

var (
	serveHTTPAddr string
	serveGRPCAddr string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHTTPAddr, "http-addr", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveGRPCAddr, "grpc-addr", "", "gRPC listen address; empty keeps config, which may disable gRPC")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway HTTP API (and optional gRPC server)",
	Long:  "Runs the trust gateway as a long-lived service.\nServes the dashboard HTTP API, optionally the gRPC Gateway service,\nand hot-reloads the policy file when it changes.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHTTPAddr != "" {
		cfg.HTTP.Addr = serveHTTPAddr
	}
	if serveGRPCAddr != "" {
		cfg.GRPC.Addr = serveGRPCAddr
	}
	logger := newLogger(os.Stderr, cfg.LogLevel, true)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	defer g.Close()

	if err := g.WatchPolicies(ctx); err != nil {
		logger.Warn("policy hot-reload disabled", "error", err)
	}

	auth := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if auth == nil {
		logger.Warn("auth.jwt_secret not set, admin endpoints are disabled")
	}
	var limiter *api.RateLimiter
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limiter = api.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	httpSrv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.New(api.Options{
			Evaluator: g,
			Log:       g.Log,
			Policies:  g.Policies,
			Auth:      auth,
			Limiter:   limiter,
			Logger:    logger,
		}).Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http api listening", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcSrv *server.Server
	if cfg.GRPC.Addr != "" {
		grpcSrv = server.New(g, g.Log, auth, logger)
		go func() {
			logger.Info("grpc server listening", "addr", cfg.GRPC.Addr)
			if err := grpcSrv.Serve(cfg.GRPC.Addr); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	fmt.Fprintln(os.Stderr, "\nShutting down gateway...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", "error", serr)
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	return err
}
