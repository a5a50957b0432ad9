package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Port           string
	AllowedOrigins []string
	LogLevel       string

	// WebSocket timeouts
	PongWait   time.Duration
	PingPeriod time.Duration
	WriteWait  time.Duration

	// Interval for the availability broadcast
	AvailabilityInterval time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173"), ","),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}

	wsReadTimeout, err := strconv.Atoi(getEnv("WS_READ_TIMEOUT", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_READ_TIMEOUT: %w", err)
	}
	config.PongWait = time.Duration(wsReadTimeout) * time.Second
	config.PingPeriod = (config.PongWait * 9) / 10 // Must be less than pongWait

	wsWriteTimeout, err := strconv.Atoi(getEnv("WS_WRITE_TIMEOUT", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_WRITE_TIMEOUT: %w", err)
	}
	config.WriteWait = time.Duration(wsWriteTimeout) * time.Second

	availabilityInterval, err := strconv.Atoi(getEnv("AVAILABILITY_INTERVAL", "30"))
	if err != nil {
		return nil, fmt.Errorf("invalid AVAILABILITY_INTERVAL: %w", err)
	}
	config.AvailabilityInterval = time.Duration(availabilityInterval) * time.Second

	// Trim spaces from allowed origins
	for i, origin := range config.AllowedOrigins {
		config.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	return config, nil
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
