// Command devserver runs a local chat server for the tripchat client.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"tripchat/internal/config"
	"tripchat/internal/devserver"
	"tripchat/internal/filestore"
	"tripchat/internal/http"
	"tripchat/internal/storage"
)

func run(ctx context.Context) error {
	cfg, err := config.Load(true)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	store, err := storage.NewBboltStorage(cfg.DevServerDB)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return err
	}

	ds, err := devserver.New(devserver.Config{
		Users:  devserver.Users(cfg.DevServerUsers),
		Store:  store,
		Files:  files,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	apiServer := http.NewAPIServer(ds.Handler(), cfg.DevServerAddr, logger)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(apiServer.Start)

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		ds.Close()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("devserver failed", "error", err)
		os.Exit(1)
	}
}
