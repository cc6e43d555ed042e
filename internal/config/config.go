// Package config loads host configuration from the environment.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Version is stamped at build time.
var Version = "dev"

// Config holds everything the host binary needs to run a runner.
type Config struct {
	// Endpoint is the engine base URL, e.g. https://engine.example.com.
	Endpoint string

	Namespace  string
	RunnerName string
	RunnerKey  string

	// Token authenticates the runner; supports the TOKEN_FILE secrets
	// convention.
	Token string

	TotalSlots uint32

	LogLevel string

	// EnvFile is the dotenv path watched for log-level changes.
	EnvFile string

	// StoreBackend selects the hibernating-WebSocket metadata store:
	// memory, sqlite, or redis.
	StoreBackend string
	SQLitePath   string
	RedisURL     string
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	return &Config{
		Endpoint:     getEnv("ENDPOINT", ""),
		Namespace:    getEnv("NAMESPACE", "default"),
		RunnerName:   getEnv("RUNNER_NAME", "runner"),
		RunnerKey:    getEnv("RUNNER_KEY", ""),
		Token:        getSensitiveEnv("TOKEN", ""),
		TotalSlots:   getUint32Env("TOTAL_SLOTS", 100),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		EnvFile:      getEnv("ENV_FILE", ".env"),
		StoreBackend: strings.ToLower(getEnv("HWS_STORE", "memory")),
		SQLitePath:   getEnv("HWS_SQLITE_PATH", "runner-hws.db"),
		RedisURL:     getEnv("HWS_REDIS_URL", ""),
	}
}

// SlogLevel maps the configured level name to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

// getSensitiveEnv reads KEY, falling back to the file named by KEY_FILE
// (Docker secrets convention).
func getSensitiveEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	if path, ok := os.LookupEnv(key + "_FILE"); ok && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("failed to read secret file", "key", key, "path", path, "error", err)
			return fallback
		}
		return strings.TrimSpace(string(data))
	}
	return fallback
}

func getUint32Env(key string, fallback uint32) uint32 {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		slog.Warn("invalid numeric environment value", "key", key, "value", value)
		return fallback
	}
	return uint32(parsed)
}
