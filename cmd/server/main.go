package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/campus-rideshare/internal/config"
	httpapi "github.com/example/campus-rideshare/internal/http"
	"github.com/example/campus-rideshare/internal/logging"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("campus-api", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := httpapi.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("close failed", "err", err)
		}
	}()

	// The in-process drainer delivers over the websocket registry this
	// server owns. cmd/dispatcher can run alongside it against Postgres.
	go app.Dispatcher.Run(ctx, cfg.OutboxInterval)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      app.Server,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("campus-api listening", "addr", cfg.HTTPAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "err", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "err", err)
	}
}
