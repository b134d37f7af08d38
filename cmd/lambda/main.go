package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"recipe-assistant/handler"
	"recipe-assistant/internal/app"
	"recipe-assistant/internal/config"
	"recipe-assistant/internal/logging"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to read configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.NewLambda(logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	// ---- Clients and service ----
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build chat service", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	opts := []handler.Option{handler.WithLogger(logger)}
	if cfg.IdentityHeader != "" {
		opts = append(opts, handler.WithIdentityHeader(cfg.IdentityHeader))
	}
	h, err := handler.NewHandler(a.Chat, opts...)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
