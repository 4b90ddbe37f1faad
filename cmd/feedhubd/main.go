// feedhubd runs the feedhub coordinator: the surface gateway, the control
// API and the feed store behind them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nkkko/feedhub/internal/config"
	"github.com/nkkko/feedhub/internal/engine"
	"github.com/nkkko/feedhub/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configFile, dataDir, serverAddr, logLevel string
	var shutdownTimeout time.Duration

	flagSet := pflag.NewFlagSet("feedhubd", pflag.ContinueOnError)
	flagSet.StringVarP(&configFile, "config", "c", "", "path to YAML configuration file")
	flagSet.StringVar(&dataDir, "data-dir", "", "directory for the feed store and local credential")
	flagSet.StringVar(&serverAddr, "addr", "", "surface gateway listen address")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flagSet.DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "bound on graceful shutdown")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.LoadConfig(configFile, dataDir, serverAddr, logLevel)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	e, err := engine.CreateEngine(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("gateway", cfg.Server.Addr).
		Str("control", cfg.Control.Addr).
		Str("storage", cfg.Storage.StorageType).
		Msg("feedhubd starting")

	runErr := e.Start(ctx)
	if runErr != nil {
		log.Error().Err(runErr).Msg("Engine stopped with an error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return runErr
}
