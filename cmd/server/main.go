package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Kurogoma4D/claude-code-server/internal/infrastructure/config"
	"github.com/Kurogoma4D/claude-code-server/internal/infrastructure/server"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	logger := srv.Logger()

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, shutting down gracefully")
	case err := <-errChan:
		if err != nil {
			logger.Error("Server error", zap.Error(err))
			shutdown(srv)
			return err
		}
	}

	return shutdown(srv)
}

func shutdown(srv *server.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// loadConfig applies flags and the positional base directory over the
// file and environment configuration.
func loadConfig(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("claude-code-server", flag.ContinueOnError)
	port := fs.String("port", "", "Server port (overrides PORT)")
	base := fs.String("base", "", "Base directory sessions are confined to (overrides BASE_DIR)")
	dev := fs.Bool("dev", false, "Development logging")
	configFile := fs.String("config", "", "YAML or TOML config file (overrides CONFIG_FILE)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	load := config.Load
	if *configFile != "" {
		load = func() (*config.Config, error) { return config.LoadFile(*configFile) }
	}
	cfg, err := load()
	if err != nil {
		return nil, err
	}

	if *port != "" {
		cfg.Server.Port = *port
	}
	if *dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}
	if fs.NArg() > 0 {
		cfg.Terminal.BaseDir = fs.Arg(0)
	}
	if *base != "" {
		cfg.Terminal.BaseDir = *base
	}

	abs, err := filepath.Abs(cfg.Terminal.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	cfg.Terminal.BaseDir = abs

	return cfg, cfg.Validate()
}
