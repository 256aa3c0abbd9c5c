package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/emrefkucuk/transcrypt/internal/external"
	"github.com/emrefkucuk/transcrypt/internal/server"
	"github.com/emrefkucuk/transcrypt/pkg/config"
	"github.com/emrefkucuk/transcrypt/pkg/logging"
)

func main() {
	logger := logging.New(logging.LevelInfo)
	slog.SetDefault(logger)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger = logging.New(logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Collaborators (steganography, face matching, mail delivery) are wired
	// in by deployments that run them; the core serves without them.
	collabs := external.Collaborators{}

	app := server.NewApp(logger, ctx, cfg, collabs)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
