package config

import (
	"testing"
	"time"
)

func TestLoadDefaultsInDevelopment(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("PORT", "")
	t.Setenv("SWEEP_INTERVAL", "")
	t.Setenv("SWEEP_INTERVAL_SECONDS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SweepInterval != defaultSweepInterval {
		t.Fatalf("expected default sweep interval, got %s", cfg.SweepInterval)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
}

func TestLoadRequiresBackendsInProduction(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	if _, err := Load(); err == nil {
		t.Fatal("expected missing DATABASE_URL to fail")
	}
}

func TestLoadParsesDurationsAndLists(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("SWEEP_INTERVAL_SECONDS", "30")
	t.Setenv("DB_LOCK_TIMEOUT", "1500ms")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("SWEEP_BATCH_SIZE", "25")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Fatalf("expected 30s, got %s", cfg.SweepInterval)
	}
	if cfg.LockTimeout != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %s", cfg.LockTimeout)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.SweepBatchSize != 25 {
		t.Fatalf("expected batch size 25, got %d", cfg.SweepBatchSize)
	}

	t.Setenv("SWEEP_BATCH_SIZE", "zero")
	if _, err := Load(); err == nil {
		t.Fatal("expected invalid batch size to fail")
	}
}

func TestLoadRateLimit(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RateLimit != defaultRateLimit {
		t.Fatalf("expected default rate limit, got %d", cfg.RateLimit)
	}

	t.Setenv("RATE_LIMIT_PER_MINUTE", "-3")
	if _, err := Load(); err == nil {
		t.Fatal("expected negative rate limit to fail")
	}
}

func TestLoadRequiresGatewayTokenInProduction(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://localhost/escrow")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("GATEWAY_CALLBACK_TOKEN", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected missing GATEWAY_CALLBACK_TOKEN to fail")
	}

	t.Setenv("GATEWAY_CALLBACK_TOKEN", "s3cret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GatewayToken != "s3cret" {
		t.Fatalf("unexpected gateway token %q", cfg.GatewayToken)
	}
}
