package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Storage
	StorageBackend  string
	ObjectStorePath string
	SQLDriver       string
	DatabaseURL     string

	// Legacy storage（移行元）。LegacyDatabaseURLが空なら移行しない。
	LegacySQLDriver   string
	LegacyDatabaseURL string

	// Documents
	DocumentsDir string

	// Fetch
	FetchTimeout         time.Duration
	FetchMaxSize         int64
	FetchMaxConcurrent   int
	FetchHostRate        float64
	AllowPrivateNetworks bool

	// Background fetch
	BackgroundFetchBudget time.Duration
	BackgroundFetchMargin time.Duration

	// Server
	MetricsAddr string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 値の組み合わせが不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DocumentsDir = getEnvString("DOCUMENTS_DIR", "./data")
	cfg.StorageBackend = getEnvString("STORAGE_BACKEND", "object")
	cfg.ObjectStorePath = getEnvString("OBJECT_STORE_PATH", filepath.Join(cfg.DocumentsDir, "feeds.db"))
	cfg.SQLDriver = getEnvString("SQL_DRIVER", "sqlite")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.LegacySQLDriver = getEnvString("LEGACY_SQL_DRIVER", "sqlite")
	cfg.LegacyDatabaseURL = os.Getenv("LEGACY_DATABASE_URL")

	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.FetchMaxConcurrent = getEnvInt("FETCH_MAX_CONCURRENT", 4)
	cfg.FetchHostRate = getEnvFloat("FETCH_HOST_RATE", 1)
	cfg.AllowPrivateNetworks = getEnvBool("ALLOW_PRIVATE_NETWORKS", false)

	cfg.BackgroundFetchBudget = getEnvDuration("BACKGROUND_FETCH_BUDGET", 30*time.Second)
	cfg.BackgroundFetchMargin = getEnvDuration("BACKGROUND_FETCH_MARGIN", 2*time.Second)

	cfg.MetricsAddr = getEnvString("METRICS_ADDR", ":9090")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	switch cfg.StorageBackend {
	case "object":
	case "sql":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when STORAGE_BACKEND=sql")
		}
	default:
		return nil, fmt.Errorf("unsupported STORAGE_BACKEND: %q", cfg.StorageBackend)
	}

	if cfg.BackgroundFetchMargin >= cfg.BackgroundFetchBudget {
		return nil, fmt.Errorf("BACKGROUND_FETCH_MARGIN (%v) must be shorter than BACKGROUND_FETCH_BUDGET (%v)",
			cfg.BackgroundFetchMargin, cfg.BackgroundFetchBudget)
	}

	return cfg, nil
}

// HasLegacyStore は移行元のストアが設定されているかを返す。
func (c *Config) HasLegacyStore() bool {
	return c.LegacyDatabaseURL != ""
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
