// Package config loads process settings from an optional .env file and the
// environment. Variables already set in the environment win over the file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port            string
	DatabaseURL     string // empty = in-memory store
	RedisURL        string // empty = no cache
	CacheTTL        time.Duration
	KafkaBrokers    []string // empty = no Kafka publishing
	KafkaTopic      string
	KafkaClientID   string
	DevFunding      bool // exposes the credit endpoint
	ShutdownTimeout time.Duration
	LogLevel        slog.Level
}

// Load reads files (default ".env") if present, then the environment.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		CacheTTL:        getDurationEnv("CACHE_TTL", 30*time.Second),
		KafkaBrokers:    getListEnv("KAFKA_BROKERS"),
		KafkaTopic:      getEnv("KAFKA_TOPIC", "settlement-events"),
		KafkaClientID:   getEnv("KAFKA_CLIENT_ID", "settlement-engine"),
		DevFunding:      getBoolEnv("DEV_FUNDING", false),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 5*time.Second),
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
