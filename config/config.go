// Package config loads service settings from the environment.
//
// Entry points call godotenv.Load() first so a local .env file can supply
// any of these variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/invoice-recon/logger"
)

type Config struct {
	Port   int
	DBPath string

	// CORS
	CORSOrigins []string

	// Backfill
	BackfillBatchSize int

	// Comparison
	PairingTolerance decimal.Decimal

	// Logging
	LogLevel      string
	LogFormat     string
	LogTimeFormat string
	LogOutput     string
}

func Load() (*Config, error) {
	cfg := &Config{
		DBPath:        getEnv("DB_PATH", "invoices.db"),
		CORSOrigins:   splitList(getEnv("CORS_ORIGINS", "http://localhost:5173,http://localhost:8080")),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "console"),
		LogTimeFormat: getEnv("LOG_TIME_FORMAT", time.RFC3339),
		LogOutput:     getEnv("LOG_OUTPUT", "stdout"),
	}

	var err error
	if cfg.Port, err = strconv.Atoi(getEnv("PORT", "8080")); err != nil {
		return nil, fmt.Errorf("PORT: %w", err)
	}
	if cfg.BackfillBatchSize, err = strconv.Atoi(getEnv("BACKFILL_BATCH_SIZE", "200")); err != nil {
		return nil, fmt.Errorf("BACKFILL_BATCH_SIZE: %w", err)
	}
	if cfg.PairingTolerance, err = decimal.NewFromString(getEnv("PAIRING_TOLERANCE", "0.01")); err != nil {
		return nil, fmt.Errorf("PAIRING_TOLERANCE: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be in 1..65535, got %d", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if c.BackfillBatchSize <= 0 {
		return fmt.Errorf("BACKFILL_BATCH_SIZE must be positive, got %d", c.BackfillBatchSize)
	}
	if c.PairingTolerance.IsNegative() {
		return fmt.Errorf("PAIRING_TOLERANCE must not be negative, got %s", c.PairingTolerance)
	}
	return nil
}

// LoggerConfig returns the logger settings.
func (c *Config) LoggerConfig() logger.LogConfig {
	return logger.LogConfig{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		TimeFormat: c.LogTimeFormat,
		Output:     c.LogOutput,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
