package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/putto11262002/chatlink/internal/stub"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bundled dev chat backend",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stdout,
		&slog.HandlerOptions{Level: slog.LevelInfo}))

	db, err := stub.OpenDB(cfg.Serve.SQLite.File, cfg.Serve.SQLite.Migrations)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	server := stub.NewServer(db, stub.Config{
		Secret:         cfg.Serve.Secret,
		TokenExp:       24 * time.Hour,
		AllowedOrigins: cfg.Serve.AllowedOrigins,
	}, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Serve.Hostname, cfg.Serve.Port)
	return server.Start(ctx, addr)
}
