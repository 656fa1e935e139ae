package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.RequestsPerMinute != 8 || cfg.RequestsPerHour != 50 {
		t.Errorf("rate defaults = %d/%d, want 8/50", cfg.RequestsPerMinute, cfg.RequestsPerHour)
	}
	if cfg.RequestDelay != time.Second {
		t.Errorf("request delay = %v", cfg.RequestDelay)
	}
	if cfg.SessionGapThreshold != 30*time.Minute {
		t.Errorf("gap threshold = %v", cfg.SessionGapThreshold)
	}
	if cfg.SessionMaxDuration != 24*time.Hour {
		t.Errorf("max duration = %v", cfg.SessionMaxDuration)
	}
	if cfg.ReconnectBound != 2 || cfg.ReconnectBackoff != 30*time.Second {
		t.Errorf("reconnect defaults = %d/%v", cfg.ReconnectBound, cfg.ReconnectBackoff)
	}
	if cfg.AutoCheckInterval != 2*time.Minute {
		t.Errorf("autocheck interval = %v", cfg.AutoCheckInterval)
	}
	if cfg.BackupDebounce != 30*time.Second || cfg.BackupForceInterval != 30*time.Minute || cfg.BackupBatchSize != 50 {
		t.Errorf("backup defaults = %v/%v/%d", cfg.BackupDebounce, cfg.BackupForceInterval, cfg.BackupBatchSize)
	}
	if !cfg.RateLimitEnabled || !cfg.AdaptiveRateLimit {
		t.Error("rate limiting should default to enabled")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("RATE_LIMIT_REQUESTS_PER_MINUTE", "3")
	t.Setenv("SESSION_TIME_GAP_THRESHOLD", "10m")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("DATA_DIR", "/tmp/ltdata")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.RequestsPerMinute != 3 {
		t.Errorf("per minute = %d", cfg.RequestsPerMinute)
	}
	if cfg.SessionGapThreshold != 10*time.Minute {
		t.Errorf("gap = %v", cfg.SessionGapThreshold)
	}
	if cfg.RateLimitEnabled {
		t.Error("rate limiting should be disabled")
	}
	if cfg.AccountListPath != "/tmp/ltdata/accounts/accounts.txt" {
		t.Errorf("account list path = %q", cfg.AccountListPath)
	}
}

func TestLoadIgnoresInvalidValues(t *testing.T) {
	t.Setenv("RATE_LIMIT_REQUESTS_PER_MINUTE", "not-a-number")
	t.Setenv("SESSION_TIME_GAP_THRESHOLD", "-5m")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RequestsPerMinute != 8 {
		t.Errorf("invalid int should fall back to default, got %d", cfg.RequestsPerMinute)
	}
	if cfg.SessionGapThreshold != 30*time.Minute {
		t.Errorf("negative duration should fall back to default, got %v", cfg.SessionGapThreshold)
	}
}

func TestValidateGatewayReady(t *testing.T) {
	cfg := &Config{}
	if err := cfg.ValidateGatewayReady(); err == nil {
		t.Fatal("missing gateway url must fail validation")
	}
	cfg.GatewayURL = "http://gateway"
	if err := cfg.ValidateGatewayReady(); err != nil {
		t.Fatalf("validation with url set: %v", err)
	}
}
