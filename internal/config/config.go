package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName        = "CongoEscrow"
	defaultAppEnv         = "development"
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultShutdownDelay  = 10 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	defaultSweepInterval  = 5 * time.Minute
	defaultSweepBatchSize = 100
	defaultLockTimeout    = 5 * time.Second
	defaultKafkaTopic     = "escrow.transitions"
	defaultRateLimit      = 120
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName          string
	AppEnv           string
	Port             string
	LogLevel         string
	LogFormat        string
	DatabaseURL      string
	RedisURL         string
	ShutdownPeriod   time.Duration
	IdempotencyTTL   time.Duration
	LockTimeout      time.Duration
	SweepInterval    time.Duration
	SweepBatchSize   int
	RateLimit        int
	TenantConfigPath string
	KafkaBrokers     []string
	KafkaTopic       string
	OTLPEndpoint     string
	// GatewayToken authenticates deposit callbacks from the payment gateway.
	GatewayToken string
}

// Load reads a .env file when present, then configuration values from the
// environment. Outside development a database, Redis and the gateway
// callback token are required.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		AppName:          getEnv("APP_NAME", defaultAppName),
		AppEnv:           strings.ToLower(getEnv("APP_ENV", defaultAppEnv)),
		Port:             getEnv("PORT", defaultPort),
		LogLevel:         strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		LogFormat:        strings.ToLower(getEnv("LOG_FORMAT", defaultLogFormat)),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		TenantConfigPath: os.Getenv("TENANT_CONFIG_PATH"),
		KafkaBrokers:     splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:       getEnv("KAFKA_TOPIC", defaultKafkaTopic),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		GatewayToken:     os.Getenv("GATEWAY_CALLBACK_TOKEN"),
	}

	var err error
	if cfg.ShutdownPeriod, err = durationEnv("SHUTDOWN_TIMEOUT", defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv("IDEMPOTENCY_TTL", defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.LockTimeout, err = durationEnv("DB_LOCK_TIMEOUT", defaultLockTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = durationEnv("SWEEP_INTERVAL", defaultSweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.SweepBatchSize, err = positiveIntEnv("SWEEP_BATCH_SIZE", defaultSweepBatchSize); err != nil {
		return Config{}, err
	}
	if cfg.RateLimit, err = positiveIntEnv("RATE_LIMIT_PER_MINUTE", defaultRateLimit); err != nil {
		return Config{}, err
	}

	if !cfg.IsDevelopment() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set")
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set")
		}
		if cfg.GatewayToken == "" {
			return Config{}, fmt.Errorf("GATEWAY_CALLBACK_TOKEN must be set")
		}
	}

	return cfg, nil
}

// IsDevelopment reports whether in-memory fallbacks are allowed.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == "development" || c.AppEnv == "dev" || c.AppEnv == "test"
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// durationEnv reads KEY_SECONDS as an integer number of seconds, falling
// back to KEY as a Go duration string.
func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(key + "_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s_SECONDS: %w", key, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func positiveIntEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
