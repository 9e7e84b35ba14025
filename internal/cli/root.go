package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/novagate/internal/config"
	"github.com/ppiankov/novagate/internal/gateway"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "nova",
	Short:         "AI trust gateway",
	Long:          "Screens prompts and model responses against natural-language policies and\nrecords every decision in a tamper-evident, hash-chained audit log.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML (default ~/.nova/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
}

// exitError ends the process with a specific code after the command has
// already reported its result.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

var errBlocked = &exitError{code: 2, msg: "decision: BLOCK"}

// Execute runs the root command.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// loadConfig reads the config file and applies the --log-level flag.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger returns a JSON logger for long-running services and a text
// logger for one-shot commands.
func newLogger(w io.Writer, level string, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openGateway assembles a local gateway for one-shot commands. Only warnings
// and errors are logged unless --log-level says otherwise.
func openGateway(ctx context.Context) (*gateway.Gateway, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	level := "warn"
	if logLevel != "" {
		level = logLevel
	}
	return gateway.New(ctx, cfg, newLogger(os.Stderr, level, false))
}
