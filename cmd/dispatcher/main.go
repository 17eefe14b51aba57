package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/campus-rideshare/internal/config"
	"github.com/example/campus-rideshare/internal/dispatch"
	httpapi "github.com/example/campus-rideshare/internal/http"
	"github.com/example/campus-rideshare/internal/logging"
	"github.com/example/campus-rideshare/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("campus-dispatcher", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	// A memory store is private to its process, so there is nothing to drain
	// without a shared database.
	if cfg.PGDSN == "" {
		logger.Error("PG_DSN is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := httpapi.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	var sinks []dispatch.Sink
	if len(cfg.KafkaBrokers) > 0 {
		ks := dispatch.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer ks.Close()
		sinks = append(sinks, ks)
	}
	if cfg.PushWebhookURL != "" {
		sinks = append(sinks, dispatch.NewPushSink(cfg.PushWebhookURL, nil))
	}
	d := &dispatch.Dispatcher{
		Store:        st,
		Sinks:        sinks,
		Logger:       logger,
		Batch:        cfg.OutboxBatch,
		MaxAttempts:  cfg.OutboxMaxAttempts,
		RetryBackoff: cfg.OutboxRetryBackoff,
	}

	go serveHealth(ctx, cfg.MetricsAddr, st, logger)

	logger.Info("dispatcher running", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "interval", cfg.OutboxInterval)
	drainLoop(ctx, d, cfg.OutboxInterval, 30*time.Second, logger)
	logger.Info("shutting down dispatcher")
}

func serveHealth(ctx context.Context, addr string, st storage.Store, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	logger.Info("metrics/health listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics server stopped", "err", err)
	}
}

type drainer interface {
	Drain(ctx context.Context) (int, error)
}

// drainLoop drains every interval. A failed drain backs off exponentially up
// to maxBackoff; a drain that dispatched anything runs again immediately.
func drainLoop(ctx context.Context, d drainer, interval, maxBackoff time.Duration, logger *slog.Logger) {
	backoff := interval
	for {
		n, err := d.Drain(ctx)
		if ctx.Err() != nil {
			return
		}
		wait := interval
		switch {
		case err != nil:
			logger.Warn("outbox drain failed", "err", err, "backoff", backoff)
			wait = backoff
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		case n > 0:
			backoff = interval
			logger.Debug("outbox drained", "dispatched", n)
			continue
		default:
			backoff = interval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
