package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port         string
	RealtimePort string
	DatabaseURL  string
	LogLevel     slog.Level

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LockTimeout time.Duration
	TxTimeout   time.Duration

	HighPriorityPlacement string
	RecomputeEstimates    bool

	InfoTTL  time.Duration
	StateTTL time.Duration

	NotifyBufferCapacity int
	NotifyPollInterval   time.Duration
	NotifyBatchSize      int
	EventStream          string

	CallGrace         time.Duration
	CallSweepInterval time.Duration
	CallSweepBatch    int
	DailyResetCron    string

	RateLimitPerMinute         int
	RateLimitBurst             int
	OperatorRateLimitPerMinute int
	OperatorRateLimitBurst     int
}

// Load reads the environment. A .env file in the working directory is
// loaded first and never overrides variables that are already set.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:         readString("PORT", "8080"),
		RealtimePort: readString("REALTIME_PORT", "8085"),
		DatabaseURL:  os.Getenv("DB_DSN"),
		LogLevel:     readLevel("LOG_LEVEL", slog.LevelInfo),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       readInt("REDIS_DB", 0),

		LockTimeout: readDurationMillis("QUEUE_LOCK_TIMEOUT_MS", 5000),
		TxTimeout:   readDurationSeconds("QUEUE_TX_TIMEOUT_SECONDS", 15),

		HighPriorityPlacement: strings.ToLower(readString("HIGH_PRIORITY_PLACEMENT", "midpoint")),
		RecomputeEstimates:    readBool("RECOMPUTE_ESTIMATES", false),

		InfoTTL:  readDurationSeconds("CACHE_INFO_TTL_SECONDS", 3600),
		StateTTL: readDurationSeconds("CACHE_STATE_TTL_SECONDS", 300),

		NotifyBufferCapacity: readInt("NOTIFY_BUFFER_CAPACITY", 100),
		NotifyPollInterval:   readDurationMillis("NOTIFY_POLL_INTERVAL_MS", 500),
		NotifyBatchSize:      readInt("NOTIFY_BATCH_SIZE", 100),
		EventStream:          readString("EVENT_STREAM", "qms:queue_events"),

		CallGrace:         readDurationSeconds("CALL_GRACE_SECONDS", 300),
		CallSweepInterval: readDurationSeconds("CALL_SWEEP_INTERVAL_SECONDS", 30),
		CallSweepBatch:    readInt("CALL_SWEEP_BATCH_SIZE", 100),
		DailyResetCron:    readString("DAILY_RESET_CRON", "0 0 * * *"),

		RateLimitPerMinute:         readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:             readInt("RATE_LIMIT_BURST", 30),
		OperatorRateLimitPerMinute: readInt("OPERATOR_RATE_LIMIT_PER_MIN", 600),
		OperatorRateLimitBurst:     readInt("OPERATOR_RATE_LIMIT_BURST", 120),
	}
}

func readString(key, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	return raw
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readDurationMillis(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Millisecond
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readLevel(key string, fallback slog.Level) slog.Level {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return fallback
	}
	return level
}
