package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfig_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MatcherTopN != 10 || cfg.MatcherDefaultRadius != 1000 || cfg.MatcherDefaultCampus != "Burnaby" {
		t.Fatalf("unexpected matcher defaults %+v", cfg)
	}
	if cfg.SearchRateLimit != 10 || cfg.SearchRateWindow != 30*time.Second {
		t.Fatalf("unexpected rate limit defaults %d/%s", cfg.SearchRateLimit, cfg.SearchRateWindow)
	}
	if cfg.RequestTTL != 10*time.Minute || cfg.KafkaTopic != "ride-events" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.OutboxMaxAttempts != 8 || cfg.OutboxRetryBackoff != 30*time.Second {
		t.Fatalf("unexpected outbox retry defaults %d/%s", cfg.OutboxMaxAttempts, cfg.OutboxRetryBackoff)
	}
}

func TestLoadServerConfig_Overrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("KAFKA_BROKERS", " k1:9092 , ,k2:9092")
	t.Setenv("SEARCH_RATE_WINDOW", "1m")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.SearchRateWindow != time.Minute || !cfg.RunMigrations || cfg.LogLevel != "debug" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadServerConfig_JoinsErrors(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("MATCHER_TOP_N", "zero")
	t.Setenv("REQUEST_TTL", "soon")
	t.Setenv("TX_MAX_ATTEMPTS", "0")
	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"MATCHER_TOP_N", "REQUEST_TTL", "TX_MAX_ATTEMPTS"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected %s in %q", key, err)
		}
	}
}

func TestLoadServerConfig_DotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("MATCHER_DEFAULT_CAMPUS=Surrey\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	chdir(t, dir)
	t.Cleanup(func() { _ = os.Unsetenv("MATCHER_DEFAULT_CAMPUS") })
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MatcherDefaultCampus != "Surrey" {
		t.Fatalf("expected .env value, got %q", cfg.MatcherDefaultCampus)
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent to testing.T.Chdir in Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
