package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/repload/internal/cli"
	"github.com/JonMunkholm/repload/internal/config"
)

func main() {
	// A .env file fills in variables the environment does not already set.
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env file")
	}

	cfg, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// SIGINT and SIGTERM cancel the running command. An interrupted upload
	// stays paused and is resumed by the next upload.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cli.Execute(ctx, cfg, os.Args[1:], cli.Streams{In: os.Stdin, Err: os.Stderr})
	stop()
	os.Exit(code)
}
