package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Redis configuration (message channel + rate limiting)
	RedisURL string

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string

	// Queue configuration
	LeadWindow     time.Duration
	PerUserSeconds decimal.Decimal
	MaxActiveUsers int
	ActiveTimeout  time.Duration
	SweepInterval  time.Duration
	PromoteSweep   bool

	// Worker configuration
	WorkerStartRetries int
	WorkerStartBackoff time.Duration
	WorkerReadBlock    time.Duration
	WorkerRetryBackoff time.Duration

	// Security
	RateLimitPerMinute int

	// Monitoring
	EnableMetrics bool
}

// LoadConfig reads .env files when present and then the process environment.
func LoadConfig() *Config {
	loaded := 0
	for _, file := range []string{".env.local", ".env"} {
		// godotenv never overrides variables that are already set
		if err := godotenv.Load(file); err == nil {
			loaded++
		}
	}
	if loaded == 0 {
		log.Println("No .env file loaded, using system environment")
	}

	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL: getEnv("REDIS_URL", "localhost:6379"),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),

		// Queue
		LeadWindow:     getEnvAsDuration("QUEUE_LEAD_WINDOW", "10m"),
		PerUserSeconds: getEnvAsDecimal("QUEUE_PER_USER_SECONDS", "60"),
		MaxActiveUsers: getEnvAsInt("QUEUE_MAX_ACTIVE_USERS", 1),
		ActiveTimeout:  getEnvAsDuration("QUEUE_ACTIVE_TIMEOUT", "10m"),
		SweepInterval:  getEnvAsDuration("QUEUE_SWEEP_INTERVAL", "15s"),
		PromoteSweep:   getEnvAsBool("QUEUE_PROMOTE_SWEEP", false),

		// Worker
		WorkerStartRetries: getEnvAsInt("WORKER_START_RETRIES", 3),
		WorkerStartBackoff: getEnvAsDuration("WORKER_START_BACKOFF", "5s"),
		WorkerReadBlock:    getEnvAsDuration("WORKER_READ_BLOCK", "2s"),
		WorkerRetryBackoff: getEnvAsDuration("WORKER_RETRY_BACKOFF", "1s"),

		// Security
		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 30),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}

func getEnvAsDecimal(key string, defaultValue string) decimal.Decimal {
	valueStr := getEnv(key, defaultValue)
	if value, err := decimal.NewFromString(valueStr); err == nil && !value.IsNegative() {
		return value
	}
	return decimal.RequireFromString(defaultValue)
}
