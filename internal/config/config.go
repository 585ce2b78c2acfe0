package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string

	ListLimit   int
	OutboxLimit int

	RealtimePollInterval time.Duration
	RealtimeBatchSize    int

	NotifyInterval    time.Duration
	NotifyBatchSize   int
	NotifyMaxAttempts int
	SMSProvider       string
	EmailProvider     string

	RateLimitPerMinute         int
	RateLimitBurst             int
	BusinessRateLimitPerMinute int
	BusinessRateLimitBurst     int
}

func Load() Config {
	// Missing .env is fine, real deployments set the environment directly.
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),

		ListLimit:   readInt("QUEUE_LIST_LIMIT", 50),
		OutboxLimit: readInt("OUTBOX_BATCH_LIMIT", 100),

		RealtimePollInterval: readDurationSeconds("REALTIME_POLL_INTERVAL_SECONDS", 1),
		RealtimeBatchSize:    readInt("REALTIME_BATCH_SIZE", 100),

		NotifyInterval:    readDurationSeconds("NOTIFY_SCAN_INTERVAL_SECONDS", 5),
		NotifyBatchSize:   readInt("NOTIFY_BATCH_SIZE", 50),
		NotifyMaxAttempts: readInt("NOTIFY_MAX_ATTEMPTS", 3),
		SMSProvider:       os.Getenv("NOTIF_SMS_PROVIDER"),
		EmailProvider:     os.Getenv("NOTIF_EMAIL_PROVIDER"),

		RateLimitPerMinute:         readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:             readInt("RATE_LIMIT_BURST", 30),
		BusinessRateLimitPerMinute: readInt("BUSINESS_RATE_LIMIT_PER_MIN", 600),
		BusinessRateLimitBurst:     readInt("BUSINESS_RATE_LIMIT_BURST", 120),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
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
