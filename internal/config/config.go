package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds runtime configuration for the sync engine.
type Config struct {
	Port             string
	DataDir          string
	NATSURL          string
	TokenServiceURL  string
	AnalyzerURL      string
	WebhookBaseURL   string
	PushJWKSURL      string
	GmailPubSubTopic string

	// PollFloor is the minimum polling interval; per-account intervals
	// below this are clamped to avoid provider rate-limit violations.
	PollFloor time.Duration

	// LockTTL is how long a sync lock may be held before another worker
	// is allowed to take it over (crash recovery).
	LockTTL time.Duration

	SyncPageSize  int
	LearningBatch int
	LearningPause time.Duration
}

// Load reads configuration from the environment, with a .env file if present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:             getEnv("PORT", "8080"),
		DataDir:          getEnv("DATA_DIR", "data"),
		NATSURL:          getEnv("NATS_URL", ""),
		TokenServiceURL:  getEnv("TOKEN_SERVICE_URL", "http://localhost:3000"),
		AnalyzerURL:      getEnv("ANALYZER_URL", ""),
		WebhookBaseURL:   getEnv("WEBHOOK_BASE_URL", ""),
		PushJWKSURL:      getEnv("PUSH_JWKS_URL", ""),
		GmailPubSubTopic: getEnv("GMAIL_PUBSUB_TOPIC", ""),
		PollFloor:        getDuration("POLL_FLOOR", 30*time.Second),
		LockTTL:          getDuration("SYNC_LOCK_TTL", 10*time.Minute),
		SyncPageSize:     getInt("SYNC_PAGE_SIZE", 100),
		LearningBatch:    getInt("LEARNING_BATCH_SIZE", 50),
		LearningPause:    getDuration("LEARNING_BATCH_PAUSE", 500*time.Millisecond),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
