// Package config loads service configuration from the environment,
// with an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the server needs to start.
type Config struct {
	Port         string
	DatabasePath string
	LogLevel     string

	StorageTimeout time.Duration
	ReservationTTL time.Duration

	ReferrerCredits int64
	RefereeCredits  int64

	MetricsNamespace string
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in first when present; real environment
// variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	storageTimeout, err := getEnvDuration("STORAGE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	reservationTTL, err := getEnvDuration("RESERVATION_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:             getEnvString("PORT", "8080"),
		DatabasePath:     getEnvString("DATABASE_PATH", "credits.db"),
		LogLevel:         getEnvString("LOG_LEVEL", "info"),
		StorageTimeout:   storageTimeout,
		ReservationTTL:   reservationTTL,
		ReferrerCredits:  getEnvInt64("REFERRER_CREDITS", 50),
		RefereeCredits:   getEnvInt64("REFEREE_CREDITS", 25),
		MetricsNamespace: getEnvString("METRICS_NAMESPACE", "credit_engine"),
	}, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}
