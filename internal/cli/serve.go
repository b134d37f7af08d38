package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"recipe-assistant/internal/app"
	"recipe-assistant/internal/httpserver"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat relay as an HTTP server",
	Long: `Run the chat relay, meal search and turn history over HTTP.

Turns are recorded in DynamoDB when TURNS_TABLE is set, otherwise in SQLite
when TURNS_DB is set. Set PARAM_SOURCE=env to read the API token and persona
from PARAM_* variables instead of SSM.

Examples:
  mealchat serve
  mealchat serve --addr :9090`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default LISTEN_ADDR)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to close turn store", "error", err)
		}
	}()

	opts := []httpserver.Option{httpserver.WithLogger(logger)}
	if cfg.IdentityHeader != "" {
		opts = append(opts, httpserver.WithIdentityHeader(cfg.IdentityHeader))
	}
	srv, err := httpserver.New(a.Chat, a.Meals, opts...)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	addr := serveAddr
	if addr == "" {
		addr = cfg.ListenAddr
	}
	return srv.ListenAndServe(ctx, addr)
}
