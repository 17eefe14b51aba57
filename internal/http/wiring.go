package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/example/campus-rideshare/internal/booking"
	"github.com/example/campus-rideshare/internal/config"
	"github.com/example/campus-rideshare/internal/dispatch"
	"github.com/example/campus-rideshare/internal/matcher"
	"github.com/example/campus-rideshare/internal/ratelimit"
	"github.com/example/campus-rideshare/internal/rideposts"
	"github.com/example/campus-rideshare/internal/search"
	"github.com/example/campus-rideshare/internal/storage"
)

// App is a fully wired API process.
type App struct {
	Server     *Server
	Dispatcher *dispatch.Dispatcher
	closers    []func() error
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// OpenStore returns the Postgres store when PG_DSN is set and the in-memory
// store otherwise.
func OpenStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	opts := storage.Options{MaxAttempts: cfg.TxMaxAttempts, PollInterval: cfg.FeedPollInterval}
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(opts), nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN, opts)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.RunMigrations {
		if err := ps.Migrate(ctx); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied")
	}
	return ps, nil
}

// Build wires every component from cfg.
func Build(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*App, error) {
	app := &App{}
	st, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, st.Close)

	var limiter ratelimit.Limiter = ratelimit.NewSlidingWindow(cfg.SearchRateLimit, cfg.SearchRateWindow)
	var ready func(context.Context) error
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		app.closers = append(app.closers, rc.Close)
		limiter = ratelimit.NewRedis(rc, "", cfg.SearchRateLimit, cfg.SearchRateWindow)
		ready = func(ctx context.Context) error {
			if err := rc.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis not ready: %w", err)
			}
			return nil
		}
	}

	wsreg := dispatch.NewWSRegistry()
	sinks := []dispatch.Sink{dispatch.NewPushSink(cfg.PushWebhookURL, wsreg)}
	if len(cfg.KafkaBrokers) > 0 {
		ks := dispatch.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		app.closers = append(app.closers, ks.Close)
		sinks = append(sinks, ks)
	}
	app.Dispatcher = &dispatch.Dispatcher{
		Store:        st,
		Sinks:        sinks,
		Logger:       logger,
		Batch:        cfg.OutboxBatch,
		MaxAttempts:  cfg.OutboxMaxAttempts,
		RetryBackoff: cfg.OutboxRetryBackoff,
	}

	app.Server = NewServer(Deps{
		Store:  st,
		Posts:  &rideposts.Service{Store: st},
		Engine: &booking.Engine{Store: st, Logger: logger, RequestTTL: cfg.RequestTTL},
		Matcher: &matcher.Service{
			Store:         st,
			TopN:          cfg.MatcherTopN,
			DefaultCampus: cfg.MatcherDefaultCampus,
			DefaultRadius: cfg.MatcherDefaultRadius,
		},
		Search: &search.Paginator{Store: st, Limiter: limiter},
		WSReg:  wsreg,
		Ready:  ready,
	}, logger)
	return app, nil
}
