// Package main is the entry point for the sshmux-mcp server. It speaks
// MCP over stdio by default and over HTTP with --http.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"sshmux-mcp/internal/config"
	"sshmux-mcp/internal/mcp"
	"sshmux-mcp/internal/ssh"
	"sshmux-mcp/internal/tools"
)

const serverVersion = "2.0.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		stdioMode  bool
		httpMode   bool
	)

	cmd := &cobra.Command{
		Use:          "sshmux-mcp",
		Short:        "SSH connection multiplexer speaking MCP over stdio or HTTP",
		Version:      serverVersion,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !stdioMode && !httpMode {
				return errors.New("no transport selected: enable --stdio or --http")
			}
			return run(cmd, configFile, httpMode)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "Path to a YAML config file")
	flags.BoolVar(&stdioMode, "stdio", true, "Serve MCP over stdio")
	flags.BoolVar(&httpMode, "http", false, "Serve MCP over HTTP instead of stdio")
	flags.Int("port", 8000, "HTTP listen port")
	flags.Bool("debug", false, "Force debug logging and technical error detail")

	return cmd
}

func run(cmd *cobra.Command, configFile string, httpMode bool) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	logger.Info().
		Str("version", serverVersion).
		Bool("http", httpMode).
		Int("max_connections", cfg.MaxConnections).
		Msg("starting")

	auth := ssh.NewAuthenticator(logger)
	pool := ssh.NewPool(ssh.PoolConfig{
		MaxConnections:      cfg.MaxConnections,
		HealthCheckInterval: cfg.HealthCheckIntervalDuration(),
	}, auth, logger)
	pool.Start()
	defer pool.Stop()

	reg := tools.NewRegistry(logger)
	tools.RegisterAll(reg, pool, tools.Options{
		AllowedAuthMethods: cfg.AllowedAuthMethods,
		ConnectTimeout:     cfg.ConnectTimeoutDuration(),
		CommandTimeout:     cfg.CommandTimeoutDuration(),
	})

	disp := mcp.NewDispatcher(reg, cfg.ServerName, serverVersion, cfg.Debug, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if httpMode {
		srv := mcp.NewHTTPServer(disp, fmt.Sprintf(":%d", cfg.HTTPPort), logger)
		err = srv.Serve(ctx)
	} else {
		srv := mcp.NewStdioServer(disp, os.Stdin, os.Stdout, logger)
		err = srv.Serve(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// setupLogger writes JSON to stderr, or to log_file when set. stdout
// stays reserved for the protocol channel.
func setupLogger(cfg *config.Config) (zerolog.Logger, func(), error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("parse log level: %w", err)
	}
	if cfg.Debug {
		level = zerolog.DebugLevel
	}

	var w io.Writer = os.Stderr
	closeLog := func() {}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closeLog = func() { _ = f.Close() }
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return logger, closeLog, nil
}
