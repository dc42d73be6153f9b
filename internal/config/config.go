// Package config loads and validates application configuration: environment
// variables for runtime settings and JSON files for merge policy.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all environment-driven configuration.
type Config struct {
	// Storage settings.
	StorageBackend string // "sqlite" or "postgres"
	DatabaseURL    string // Postgres URL when backend is "postgres".
	SQLitePath     string // Database file when backend is "sqlite".

	// Repository settings.
	RepoPath string // Working directory of the git repository under coordination.

	// Queue and worker settings.
	PollInterval  time.Duration
	BatchSize     int
	DefaultTarget string
	AutoConfirm   bool
	LockTTL       time.Duration

	// Check execution settings.
	CheckTimeout     time.Duration
	CheckOutputLimit int

	// Policy and harness file locations (empty means search defaults).
	PolicyPath  string
	HarnessPath string

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		StorageBackend:   envStr("CONVERGE_STORAGE", "sqlite"),
		DatabaseURL:      envStr("DATABASE_URL", ""),
		SQLitePath:       envStr("CONVERGE_SQLITE_PATH", ".converge/converge.db"),
		RepoPath:         envStr("CONVERGE_REPO_PATH", "."),
		PollInterval:     envDuration("CONVERGE_POLL_INTERVAL", 30*time.Second),
		BatchSize:        envInt("CONVERGE_BATCH_SIZE", 10),
		DefaultTarget:    envStr("CONVERGE_DEFAULT_TARGET", "main"),
		AutoConfirm:      envBool("CONVERGE_AUTO_CONFIRM", false),
		LockTTL:          envDuration("CONVERGE_LOCK_TTL", 300*time.Second),
		CheckTimeout:     envDuration("CONVERGE_CHECK_TIMEOUT", 300*time.Second),
		CheckOutputLimit: envInt("CONVERGE_CHECK_OUTPUT_LIMIT", 2000),
		PolicyPath:       envStr("CONVERGE_POLICY_PATH", ""),
		HarnessPath:      envStr("CONVERGE_HARNESS_PATH", ""),
		OTELEndpoint:     envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:      envStr("OTEL_SERVICE_NAME", "converge"),
		LogLevel:         envStr("CONVERGE_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	switch c.StorageBackend {
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("config: CONVERGE_SQLITE_PATH is required for sqlite storage")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.StorageBackend)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: CONVERGE_BATCH_SIZE must be positive")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("config: CONVERGE_LOCK_TTL must be positive")
	}
	if c.CheckOutputLimit <= 0 {
		return fmt.Errorf("config: CONVERGE_CHECK_OUTPUT_LIMIT must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
