// Package config loads process-level settings from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	Host string
	Port int

	// File locations
	ConfigPath      string
	CredentialsPath string

	// Security
	EncryptionKey string
	StaticToken   string

	// Upstream
	UpstreamTimeout time.Duration
	RefreshTimeout  time.Duration

	// Scheduling
	TokenRefreshAdvance time.Duration

	// Request
	RequestTimeout   time.Duration
	MaxRequestBodyMB int

	// Logging
	LogLevel string
}

func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 8080),

		ConfigPath:      envOr("CONFIG_PATH", "./config.json"),
		CredentialsPath: envOr("CREDENTIALS_PATH", "./credentials.json"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		StaticToken:   os.Getenv("API_TOKEN"),

		UpstreamTimeout: envDurationSeconds("UPSTREAM_TIMEOUT_SECONDS", 12*time.Minute),
		RefreshTimeout:  envDurationSeconds("REFRESH_TIMEOUT_SECONDS", 60*time.Second),

		TokenRefreshAdvance: envDurationSeconds("TOKEN_REFRESH_ADVANCE_SECONDS", 5*time.Minute),

		RequestTimeout:   envDurationSeconds("REQUEST_TIMEOUT_SECONDS", 12*time.Minute),
		MaxRequestBodyMB: envInt("REQUEST_MAX_SIZE_MB", 32),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errMissing("ENCRYPTION_KEY")
	}
	if c.StaticToken == "" {
		return errMissing("API_TOKEN")
	}
	return nil
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDurationSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
