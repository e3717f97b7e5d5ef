package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all application configuration
type Config struct {
	// Persistence
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Market data provider
	MarketAPIKey         string
	MarketBaseURL        string
	MarketMinInterval    time.Duration
	ProviderCooldown     time.Duration
	EndpointCooldown     time.Duration
	MarketRequestTimeout time.Duration
	MarketRequestsPerSec int

	// AI reviewer
	OpenAIAPIKey string
	OpenAIModel  string
	AITimeout    time.Duration

	// Redis verdict cache (optional)
	RedisAddr     string
	RedisPassword string

	// Alert policy
	DuplicateWindow    time.Duration
	MaxAlertsPerDay    int
	RejectionThreshold int
	RejectionCooldown  time.Duration
	DiscoverySymbols   []string

	// Scheduling
	ScanInterval    time.Duration
	OutcomeInterval time.Duration

	// Push delivery
	TelegramToken string

	ListenAddr string
	LogLevel   string
}

// Load initializes configuration from environment variables
func Load() (*Config, error) {
	// Load environment variables from .env file if present
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg(".env file not found, relying on actual environment variables")
	}

	cfg := &Config{
		DBHost:     getEnvWithDefault("DB_HOST", "localhost"),
		DBPort:     getEnvWithDefault("DB_PORT", "5432"),
		DBUser:     getEnvWithDefault("DB_USER", "postgres"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     getEnvWithDefault("DB_NAME", "tradewatch"),
		DBSSLMode:  getEnvWithDefault("DB_SSLMODE", "disable"),

		MarketAPIKey:         os.Getenv("MARKET_API_KEY"),
		MarketBaseURL:        getEnvWithDefault("MARKET_BASE_URL", "https://finnhub.io/api/v1"),
		MarketMinInterval:    getEnvDurationWithDefault("MARKET_MIN_INTERVAL_MS", 1300) * time.Millisecond,
		ProviderCooldown:     getEnvDurationWithDefault("PROVIDER_COOLDOWN_SEC", 65) * time.Second,
		EndpointCooldown:     getEnvDurationWithDefault("ENDPOINT_COOLDOWN_MIN", 60) * time.Minute,
		MarketRequestTimeout: getEnvDurationWithDefault("MARKET_REQUEST_TIMEOUT_SEC", 30) * time.Second,
		MarketRequestsPerSec: getEnvIntWithDefault("MARKET_REQUESTS_PER_SEC", 1),

		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:  getEnvWithDefault("OPENAI_MODEL", "gpt-4o-mini"),
		AITimeout:    getEnvDurationWithDefault("AI_TIMEOUT_MS", 9500) * time.Millisecond,

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		DuplicateWindow:    getEnvDurationWithDefault("DUPLICATE_WINDOW_HOURS", 4) * time.Hour,
		MaxAlertsPerDay:    getEnvIntWithDefault("MAX_ALERTS_PER_DAY", 10),
		RejectionThreshold: getEnvIntWithDefault("REJECTION_THRESHOLD", 3),
		RejectionCooldown:  getEnvDurationWithDefault("REJECTION_COOLDOWN_HOURS", 24) * time.Hour,
		DiscoverySymbols:   getEnvListWithDefault("DISCOVERY_SYMBOLS", nil),

		ScanInterval:    getEnvDurationWithDefault("SCAN_INTERVAL_MIN", 15) * time.Minute,
		OutcomeInterval: getEnvDurationWithDefault("OUTCOME_INTERVAL_MIN", 30) * time.Minute,

		TelegramToken: os.Getenv("TELEGRAM_TOKEN"),

		ListenAddr: getEnvWithDefault("LISTEN_ADDR", ":8080"),
		LogLevel:   getEnvWithDefault("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

// Helper functions for environment variable handling
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDurationWithDefault(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvIntWithDefault(key, defaultValue))
}

func getEnvListWithDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
