package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the API and dispatcher
// processes. Values come from the environment, optionally seeded from a
// .env file, with defaults that let the binaries run locally.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	MatcherTopN          int
	MatcherDefaultRadius float64
	MatcherDefaultCampus string

	SearchRateLimit  int
	SearchRateWindow time.Duration

	RequestTTL    time.Duration
	TxMaxAttempts int

	OutboxBatch        int
	OutboxInterval     time.Duration
	OutboxMaxAttempts  int
	OutboxRetryBackoff time.Duration
	FeedPollInterval time.Duration
	PushWebhookURL   string
	MetricsAddr      string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		KafkaTopic:           "ride-events",
		MatcherTopN:          10,
		MatcherDefaultRadius: 1000,
		MatcherDefaultCampus: "Burnaby",
		SearchRateLimit:      10,
		SearchRateWindow:     30 * time.Second,
		RequestTTL:           10 * time.Minute,
		TxMaxAttempts:        16,
		OutboxBatch:          100,
		OutboxInterval:       2 * time.Second,
		OutboxMaxAttempts:    8,
		OutboxRetryBackoff:   30 * time.Second,
		FeedPollInterval:     3 * time.Second,
		MetricsAddr:          ":2112",
		LogLevel:             "info",
	}
}

// LoadServerConfig reads the environment. A missing .env file is not an
// error; every invalid value is reported at once.
func LoadServerConfig() (ServerConfig, error) {
	var errs []error
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("load .env: %w", err))
	}

	cfg := defaultServerConfig()

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setFloatFromEnv(&cfg.MatcherDefaultRadius, "MATCHER_DEFAULT_RADIUS_M", &errs)
	setStringFromEnv(&cfg.MatcherDefaultCampus, "MATCHER_DEFAULT_CAMPUS")

	setIntFromEnv(&cfg.SearchRateLimit, "SEARCH_RATE_LIMIT", &errs)
	setDurationFromEnv(&cfg.SearchRateWindow, "SEARCH_RATE_WINDOW", &errs)

	setDurationFromEnv(&cfg.RequestTTL, "REQUEST_TTL", &errs)
	setIntFromEnv(&cfg.TxMaxAttempts, "TX_MAX_ATTEMPTS", &errs)

	setIntFromEnv(&cfg.OutboxBatch, "OUTBOX_BATCH", &errs)
	setDurationFromEnv(&cfg.OutboxInterval, "OUTBOX_INTERVAL", &errs)
	setIntFromEnv(&cfg.OutboxMaxAttempts, "OUTBOX_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.OutboxRetryBackoff, "OUTBOX_RETRY_BACKOFF", &errs)
	setDurationFromEnv(&cfg.FeedPollInterval, "FEED_POLL_INTERVAL", &errs)
	cfg.PushWebhookURL = strings.TrimSpace(os.Getenv("PUSH_WEBHOOK_URL"))
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.MatcherDefaultRadius <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_DEFAULT_RADIUS_M must be > 0"))
	}
	if cfg.SearchRateLimit <= 0 || cfg.SearchRateWindow <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_RATE_LIMIT and SEARCH_RATE_WINDOW must be > 0"))
	}
	if cfg.TxMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("TX_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.OutboxInterval <= 0 || cfg.FeedPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("OUTBOX_INTERVAL and FEED_POLL_INTERVAL must be > 0"))
	}
	if cfg.OutboxMaxAttempts <= 0 || cfg.OutboxRetryBackoff <= 0 {
		errs = append(errs, fmt.Errorf("OUTBOX_MAX_ATTEMPTS and OUTBOX_RETRY_BACKOFF must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
