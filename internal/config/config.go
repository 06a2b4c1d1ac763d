// Package config holds all runtime configuration for the prediction engine.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the prediction engine.
type Config struct {
	// Server settings
	Port string

	// Storage settings
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	// Auth settings. An empty secret disables HMAC auth and the server
	// falls back to dev tokens (dev:<userID>).
	AuthSecret string

	// Moderation settings. An empty URL disables external review.
	ModerationURL        string
	ModerationTimeout    time.Duration
	ModerationFailClosed bool

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int
}

// Load reads configuration from the environment, after sourcing a local
// .env file if one exists.
func Load() *Config {
	godotenv.Load()

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		RedisURL:             getEnv("REDIS_URL", ""),
		CacheTTL:             getEnvDuration("CACHE_TTL", 30*time.Second),
		AuthSecret:           getEnv("AUTH_SECRET", ""),
		ModerationURL:        getEnv("MODERATION_URL", ""),
		ModerationTimeout:    getEnvDuration("MODERATION_TIMEOUT", 5*time.Second),
		ModerationFailClosed: getEnvBool("MODERATION_FAIL_CLOSED", false),
		RateLimitRPS:         getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:       getEnvInt("RATE_LIMIT_BURST", 40),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
