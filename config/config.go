// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// HTTP
	HTTPAddr string

	// Platform signer gateway (probe/connect capability)
	GatewayURL string
	GatewayKey string

	// Database
	DBDsn string

	// Storage
	DataDir         string
	AccountListPath string

	// Rate gate
	RateLimitEnabled   bool
	RequestsPerMinute  int
	RequestsPerHour    int
	RequestDelay       time.Duration
	AdaptiveRateLimit  bool
	QuotaCheckInterval time.Duration

	// Session detection
	SessionGapThreshold time.Duration
	SessionMaxDuration  time.Duration

	// Connection supervision
	ProbeTimeout      time.Duration
	ConnectTimeout    time.Duration
	ReconnectBound    int
	ReconnectBackoff  time.Duration
	AutoCheckInterval time.Duration

	// Persistence batching
	BackupDebounce      time.Duration
	BackupForceInterval time.Duration
	BackupBatchSize     int

	// Export
	CSVExportEnabled bool
}

// Load reads environment variables and applies defaults. Missing optional
// variables disable features (e.g., Postgres persistence when DB_DSN is unset
// falls back to the local JSON file only).
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	cfg.GatewayURL = os.Getenv("SIGNER_GATEWAY_URL")
	cfg.GatewayKey = os.Getenv("SIGNER_GATEWAY_KEY")

	cfg.DBDsn = os.Getenv("DB_DSN")

	cfg.DataDir = os.Getenv("DATA_DIR")
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	cfg.AccountListPath = os.Getenv("ACCOUNT_LIST_PATH")
	if cfg.AccountListPath == "" {
		cfg.AccountListPath = cfg.DataDir + "/accounts/accounts.txt"
	}

	cfg.RateLimitEnabled = os.Getenv("RATE_LIMIT_ENABLED") != "false"
	cfg.RequestsPerMinute = envInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 8)
	cfg.RequestsPerHour = envInt("RATE_LIMIT_REQUESTS_PER_HOUR", 50)
	cfg.RequestDelay = envDuration("RATE_LIMIT_REQUEST_DELAY", time.Second)
	cfg.AdaptiveRateLimit = os.Getenv("ADAPTIVE_RATE_LIMITING") != "false"
	cfg.QuotaCheckInterval = envDuration("QUOTA_CHECK_INTERVAL", 5*time.Minute)

	cfg.SessionGapThreshold = envDuration("SESSION_TIME_GAP_THRESHOLD", 30*time.Minute)
	cfg.SessionMaxDuration = envDuration("SESSION_MAX_DURATION", 24*time.Hour)

	cfg.ProbeTimeout = envDuration("PROBE_TIMEOUT", 15*time.Second)
	cfg.ConnectTimeout = envDuration("CONNECT_TIMEOUT", 30*time.Second)
	cfg.ReconnectBound = envInt("RECONNECT_MAX_ATTEMPTS", 2)
	cfg.ReconnectBackoff = envDuration("RECONNECT_BACKOFF", 30*time.Second)
	cfg.AutoCheckInterval = envDuration("AUTO_CHECKER_INTERVAL", 2*time.Minute)

	cfg.BackupDebounce = envDuration("BACKUP_DEBOUNCE_DELAY", 30*time.Second)
	cfg.BackupForceInterval = envDuration("BACKUP_FORCE_INTERVAL", 30*time.Minute)
	cfg.BackupBatchSize = envInt("BACKUP_BATCH_SIZE", 50)

	cfg.CSVExportEnabled = os.Getenv("CSV_EXPORT_ENABLED") != "false"

	if cfg.ReconnectBound < 0 {
		return nil, fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be >= 0")
	}
	return cfg, nil
}

// ValidateGatewayReady checks required fields for the real webcast connector.
// Tests and offline tooling run with a mock connector and skip this.
func (c *Config) ValidateGatewayReady() error {
	if c.GatewayURL == "" {
		return fmt.Errorf("missing signer gateway env: require SIGNER_GATEWAY_URL")
	}
	return nil
}

func envInt(key string, def int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return def
}
