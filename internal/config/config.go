// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service configuration.
type Config struct {
	Port int

	// DatabaseURL selects PostgreSQL; empty runs on the in-memory store.
	DatabaseURL   string
	RunMigrations bool

	// RedisURL enables the read-through cache when set.
	RedisURL string
	CacheTTL time.Duration

	// NATSURL enables the JetStream event publisher when set.
	NATSURL    string
	NATSStream string

	LogLevel       string
	RequestTimeout time.Duration
}

// Load reads configuration from environment variables, after loading a
// .env file if one exists. All validation errors are reported together.
func Load() (*Config, error) {
	// Missing .env is fine; plain environment variables still apply.
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		NATSURL:     getEnv("NATS_URL", ""),
		NATSStream:  getEnv("NATS_STREAM", "LOAN_POSITIONS"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}
	var errs []string
	var err error

	cfg.Port, err = getEnvAsInt("PORT", 8080)
	if err != nil {
		errs = append(errs, err.Error())
	} else if cfg.Port <= 0 || cfg.Port > 65535 {
		errs = append(errs, "PORT must be between 1 and 65535")
	}

	cfg.RunMigrations, err = getEnvAsBool("RUN_MIGRATIONS", true)
	if err != nil {
		errs = append(errs, err.Error())
	}

	cfg.CacheTTL, err = getEnvAsDuration("CACHE_TTL", 30*time.Second)
	if err != nil {
		errs = append(errs, err.Error())
	} else if cfg.CacheTTL <= 0 {
		errs = append(errs, "CACHE_TTL must be positive")
	}

	cfg.RequestTimeout, err = getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second)
	if err != nil {
		errs = append(errs, err.Error())
	} else if cfg.RequestTimeout <= 0 {
		errs = append(errs, "REQUEST_TIMEOUT must be positive")
	}

	if cfg.NATSURL != "" && cfg.NATSStream == "" {
		errs = append(errs, "NATS_STREAM must be set when NATS_URL is set")
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("LOG_LEVEL %q must be one of debug, info, warn, error", cfg.LogLevel))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value '%s' for key %s", valueStr, key)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return false, fmt.Errorf("invalid boolean value '%s' for key %s", valueStr, key)
	}
	return value, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid duration value '%s' for key %s", valueStr, key)
	}
	return value, nil
}
