package main

// checkout serves the checkout, order and payment reconciliation API.

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gitshopapp/checkout/app"
	"github.com/gitshopapp/checkout/server"
)

func main() {
	fallbackLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fallbackLogger.Warn("failed to load .env file", "error", err)
	}

	application, err := app.New()
	if err != nil {
		fallbackLogger.Error("failed to initialize app", "error", err)
		os.Exit(1)
	}
	srv, err := server.New(application.Config, application.Logger, application.Handlers)
	if err != nil {
		fallbackLogger.Error("failed to initialize server", "error", err)
		application.Close()
		os.Exit(1)
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	application.Start(workerCtx)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Run()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		stopWorkers()
		application.Close()
		if err != nil {
			application.Logger.Error("server failed", "error", err)
			os.Exit(1)
		}
		return
	case <-quit:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Close(ctx); err != nil {
		application.Logger.Error("server forced to shutdown", "error", err)
	}
	stopWorkers()
	application.Close()
}
