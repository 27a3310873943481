// Package config provides configuration management functionality.
//
// This package handles loading engine-wide configuration from environment
// variables (.env file) and loading/validating the per-run BacktestConfig
// that drives one Executor run.
//
// Configuration Loading Order:
// 1. Load from .env file (if exists)
// 2. Load from environment variables
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process-wide configuration: where the Parquet store lives,
// how vendor adapters are reached, and ambient logging/runtime knobs. One
// Config is loaded per process; many BacktestConfigs may run against it
// (e.g. under the parameter sweep).
type Config struct {
	DataDir        string        // base directory for the Parquet store + JSON sidecars, always absolute
	LogLevel       string        // debug, info, warn, error
	VendorBaseURL  string        // base URL for the stock/option/macro/fundamentals HTTP adapters
	VendorTimeout  time.Duration // per-request timeout for vendor adapters
	RunsDBPath     string        // sqlite run registry path (internal/runner, internal/sweep)
	MaxFanout      int           // bounded worker-pool size for gap-group downloads and the parallel runner
}

// Load reads process configuration from environment variables.
//
// dataDirOverride, if provided and non-empty, takes priority over the
// BACKTENG_DATA_DIR environment variable (CLI --data-dir flag wiring).
func Load(dataDirOverride ...string) (*Config, error) {
	_ = godotenv.Load()

	var dataDir string
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	} else {
		dataDir = getEnv("BACKTENG_DATA_DIR", "")
		if dataDir == "" {
			dataDir = "./data"
		}
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:       absDataDir,
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		VendorBaseURL: getEnv("BACKTENG_VENDOR_URL", "https://data.example.invalid"),
		VendorTimeout: time.Duration(getEnvAsInt("BACKTENG_VENDOR_TIMEOUT_SECONDS", 30)) * time.Second,
		RunsDBPath:    filepath.Join(absDataDir, "runs.db"),
		MaxFanout:     getEnvAsInt("BACKTENG_MAX_FANOUT", 4),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants on process-wide configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data directory must not be empty")
	}
	if c.MaxFanout < 1 {
		return fmt.Errorf("max fanout must be >= 1, got %d", c.MaxFanout)
	}
	if c.VendorTimeout <= 0 {
		return fmt.Errorf("vendor timeout must be positive")
	}
	return nil
}

// ==========================================
// Helper Functions
// ==========================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
