package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"onepyme/internal/log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
)

type Config struct {
	HTTPAddr           string
	MetricsAddr        string
	JWTSecret          string
	CORSAllowedOrigins []string
	RateLimitPerMinute int
	TLSCertFile        string
	TLSKeyFile         string

	WebhookBaseURL    string
	WebhookToken      string
	WebhookTimeout    time.Duration
	WebhookHealthPath string

	StorageBackend string
	StoragePath    string
	StorageKey     string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	NotifyChannel  string
	DatabaseURL    string

	MaxRetries       int
	RetryBackoffBase time.Duration
	RetryMaxBackoff  time.Duration
	DrainInterval    time.Duration
	ProbeInterval    time.Duration
	NodeID           int64
}

func Load() (*Config, error) {
	logger := log.NewLogger()
	// .env is optional when the variables are set elsewhere
	if err := godotenv.Load(); err != nil {
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	cfg := &Config{
		HTTPAddr:           getenv("HTTP_ADDR", ":8080"),
		MetricsAddr:        getenv("METRICS_ADDR", ":2112"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		CORSAllowedOrigins: splitList(getenv("CORS_ALLOWED_ORIGINS", "*")),
		TLSCertFile:        os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:         os.Getenv("TLS_KEY_FILE"),
		WebhookBaseURL:     strings.TrimRight(os.Getenv("WEBHOOK_BASE_URL"), "/"),
		WebhookToken:       os.Getenv("WEBHOOK_TOKEN"),
		WebhookHealthPath:  getenv("WEBHOOK_HEALTH_PATH", "/healthz"),
		StorageBackend:     getenv("STORAGE_BACKEND", StorageFile),
		StoragePath:        getenv("STORAGE_PATH", "./data"),
		StorageKey:         getenv("STORAGE_KEY", "onepyme:pending_operations"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		NotifyChannel:      getenv("NOTIFY_CHANNEL", "onepyme:notifications"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
	}

	var err error
	if cfg.RateLimitPerMinute, err = intEnv("RATE_LIMIT_PER_MINUTE", 100); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = intEnv("MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	nodeID, err := intEnv("NODE_ID", 1)
	if err != nil {
		return nil, err
	}
	cfg.NodeID = int64(nodeID)
	if cfg.WebhookTimeout, err = durationEnv("WEBHOOK_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryBackoffBase, err = durationEnv("RETRY_BACKOFF_BASE", time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryMaxBackoff, err = durationEnv("RETRY_MAX_BACKOFF", 0); err != nil {
		return nil, err
	}
	if cfg.DrainInterval, err = durationEnv("DRAIN_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.ProbeInterval, err = durationEnv("PROBE_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		logger.Error("Invalid configuration", zap.Error(err))
		return nil, err
	}

	logger.Info("Config loaded successfully", zap.String("storage_backend", cfg.StorageBackend))
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.WebhookBaseURL == "" {
		return fmt.Errorf("WEBHOOK_BASE_URL is required")
	}
	switch c.StorageBackend {
	case StorageMemory, StorageFile, StorageSQLite:
	case StorageRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for STORAGE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("invalid STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1")
	}
	if c.DrainInterval <= 0 {
		return fmt.Errorf("DRAIN_INTERVAL must be positive")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("PROBE_INTERVAL must be positive")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
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
