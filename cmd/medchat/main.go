package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"medchat/internal/app"
	"medchat/internal/config"
	"medchat/internal/logger"
)

// ConfigFileEnv names an optional JSON config file layered over the
// environment.
const ConfigFileEnv = "MEDCHAT_CONFIG_FILE"

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run loads configuration, serves until SIGINT or SIGTERM and then shuts
// down within shutdownTimeout.
func run() error {
	cfg, err := config.LoadConfigWithPrecedence(os.Getenv(ConfigFileEnv))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	application, err := app.NewApplication(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return fmt.Errorf("application error: %w", err)
	}

	<-ctx.Done()
	log.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		log.Error("shutdown incomplete", zap.Error(err))
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
