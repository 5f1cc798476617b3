package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, key := range []string{"PORT", "DB_DSN", "REDIS_ADDR", "QUEUE_LOCK_TIMEOUT_MS", "HIGH_PRIORITY_PLACEMENT", "LOG_LEVEL", "DAILY_RESET_CRON"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %q", cfg.Port)
	}
	if cfg.DatabaseURL != "" || cfg.RedisAddr != "" {
		t.Fatalf("expected empty backends, got %q %q", cfg.DatabaseURL, cfg.RedisAddr)
	}
	if cfg.LockTimeout != 5*time.Second {
		t.Fatalf("unexpected lock timeout %v", cfg.LockTimeout)
	}
	if cfg.HighPriorityPlacement != "midpoint" {
		t.Fatalf("unexpected placement %q", cfg.HighPriorityPlacement)
	}
	if cfg.NotifyBufferCapacity != 100 || cfg.NotifyPollInterval != 500*time.Millisecond {
		t.Fatalf("unexpected notify settings %d %v", cfg.NotifyBufferCapacity, cfg.NotifyPollInterval)
	}
	if cfg.DailyResetCron != "0 0 * * *" {
		t.Fatalf("unexpected cron %q", cfg.DailyResetCron)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected level %v", cfg.LogLevel)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "9090")
	t.Setenv("QUEUE_LOCK_TIMEOUT_MS", "250")
	t.Setenv("CALL_GRACE_SECONDS", "0")
	t.Setenv("RECOMPUTE_ESTIMATES", "true")
	t.Setenv("HIGH_PRIORITY_PLACEMENT", "Append")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("unexpected port %q", cfg.Port)
	}
	if cfg.LockTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected lock timeout %v", cfg.LockTimeout)
	}
	if cfg.CallGrace != 0 {
		t.Fatalf("expected disabled grace, got %v", cfg.CallGrace)
	}
	if !cfg.RecomputeEstimates {
		t.Fatalf("expected recompute enabled")
	}
	if cfg.HighPriorityPlacement != "append" {
		t.Fatalf("unexpected placement %q", cfg.HighPriorityPlacement)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("unexpected level %v", cfg.LogLevel)
	}
	if cfg.RedisDB != 0 {
		t.Fatalf("invalid int should fall back, got %d", cfg.RedisDB)
	}
}

func TestLoadReadsDotEnvWithoutOverriding(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	content := "REDIS_ADDR=localhost:6379\nPORT=7000\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("PORT", "9000")
	t.Setenv("REDIS_ADDR", "")
	os.Unsetenv("REDIS_ADDR")

	cfg := Load()
	if cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("expected .env value, got %q", cfg.RedisAddr)
	}
	if cfg.Port != "9000" {
		t.Fatalf("environment should win over .env, got %q", cfg.Port)
	}
}
