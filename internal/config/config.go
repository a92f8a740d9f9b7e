package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr  string
	APIKeys     []string
	DBPath      string
	CORSOrigins []string
	LogLevel    slog.Level

	RateLimit       int
	RateLimitRoutes []string
	RateLimitBy     string

	SourceDriver string
	SourceDSN    string

	BasePath        string
	BatchSize       int
	MaxRetries      int
	Concurrency     int
	QueueSize       int
	BatchTimeout    time.Duration
	CombineStrategy string
	MaxRowsPerSheet int

	SweepInterval time.Duration
	StaleAfter    time.Duration

	JobTTLHours            int
	CleanupIntervalMinutes int
}

// Load reads the configuration from SHEETGATE_* environment variables. A .env
// file in the working directory, if present, is loaded first; variables
// already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf(".env: %w", err)
	}

	cfg := &Config{
		ListenAddr:      getEnv("SHEETGATE_LISTEN_ADDR", ":8080"),
		DBPath:          getEnv("SHEETGATE_DB_PATH", "sheetgate.db"),
		SourceDriver:    getEnv("SHEETGATE_SOURCE_DRIVER", "sqlite"),
		BasePath:        getEnv("SHEETGATE_BASE_PATH", "/tmp/exports"),
		CombineStrategy: getEnv("SHEETGATE_COMBINE_STRATEGY", "xlsx"),
	}
	cfg.SourceDSN = getEnv("SHEETGATE_SOURCE_DSN", cfg.DBPath)

	rawKeys := getEnv("SHEETGATE_API_KEYS", "")
	if rawKeys == "" {
		return nil, errors.New("SHEETGATE_API_KEYS must not be empty")
	}
	cfg.APIKeys = splitList(rawKeys)
	if len(cfg.APIKeys) == 0 {
		return nil, errors.New("SHEETGATE_API_KEYS contains no valid keys")
	}
	cfg.CORSOrigins = splitList(getEnv("SHEETGATE_CORS_ORIGINS", ""))
	cfg.RateLimitRoutes = splitList(getEnv("SHEETGATE_RATE_LIMIT_ROUTES", ""))
	cfg.RateLimitBy = getEnv("SHEETGATE_RATE_LIMIT_BY", "ip")

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("SHEETGATE_LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("SHEETGATE_LOG_LEVEL: %w", err)
	}

	switch cfg.SourceDriver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("SHEETGATE_SOURCE_DRIVER %q must be one of: sqlite, postgres", cfg.SourceDriver)
	}
	switch cfg.CombineStrategy {
	case "xlsx", "zip":
	default:
		return nil, fmt.Errorf("SHEETGATE_COMBINE_STRATEGY %q must be one of: xlsx, zip", cfg.CombineStrategy)
	}
	switch cfg.RateLimitBy {
	case "ip", "api_key":
	default:
		return nil, fmt.Errorf("SHEETGATE_RATE_LIMIT_BY %q must be one of: ip, api_key", cfg.RateLimitBy)
	}

	ints := []struct {
		key      string
		dst      *int
		fallback int
		min      int
	}{
		{"SHEETGATE_BATCH_SIZE", &cfg.BatchSize, 100000, 1},
		{"SHEETGATE_MAX_RETRIES", &cfg.MaxRetries, 3, 1},
		{"SHEETGATE_CONCURRENCY", &cfg.Concurrency, 5, 1},
		{"SHEETGATE_QUEUE_SIZE", &cfg.QueueSize, 20000, 1},
		{"SHEETGATE_MAX_ROWS_PER_SHEET", &cfg.MaxRowsPerSheet, 1000000, 1},
		{"SHEETGATE_RATE_LIMIT", &cfg.RateLimit, 0, 0},
		{"SHEETGATE_JOB_TTL_HOURS", &cfg.JobTTLHours, 0, 0},
		{"SHEETGATE_CLEANUP_INTERVAL_MINUTES", &cfg.CleanupIntervalMinutes, 60, 1},
	}
	for _, v := range ints {
		n, err := getEnvInt(v.key, v.fallback)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", v.key, err)
		}
		if n < v.min {
			return nil, fmt.Errorf("%s must be >= %d", v.key, v.min)
		}
		*v.dst = n
	}

	durations := []struct {
		key      string
		dst      *time.Duration
		fallback time.Duration
	}{
		{"SHEETGATE_BATCH_TIMEOUT", &cfg.BatchTimeout, 10 * time.Minute},
		{"SHEETGATE_SWEEP_INTERVAL", &cfg.SweepInterval, 100 * time.Second},
		{"SHEETGATE_STALE_AFTER", &cfg.StaleAfter, 10 * time.Minute},
	}
	for _, v := range durations {
		d, err := getEnvDuration(v.key, v.fallback)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", v.key, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("%s must be > 0", v.key)
		}
		*v.dst = d
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
