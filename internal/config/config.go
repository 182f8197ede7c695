// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir       string // Base directory for the ledger database and backup staging
	RedisURL      string // Primary cache backend; unreachable means degraded in-process mode
	TimeseriesDSN string // PostgreSQL DSN for the time-series store
	LogLevel      string
	DevMode       bool

	SchedulerInterval  time.Duration // Interval between automatic extraction runs
	SchedulerAutoStart bool          // Start the extraction scheduler on boot
	ExtractionSpacing  time.Duration // Minimum spacing between upstream batch calls

	Backup *BackupConfig
}

// BackupConfig holds ledger backup configuration for S3-compatible storage
type BackupConfig struct {
	Enabled         bool
	Endpoint        string // Custom endpoint for S3-compatible providers (empty for AWS)
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	RetentionDays   int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Determine data directory, resolve to absolute path and ensure it exists
	dataDir := getEnv("PIPELINE_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:            absDataDir,
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379/0"),
		TimeseriesDSN:      getEnv("TIMESERIES_DSN", ""),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DevMode:            getEnvAsBool("DEV_MODE", false),
		SchedulerInterval:  time.Duration(getEnvAsInt("SCHEDULER_INTERVAL_MINUTES", 15)) * time.Minute,
		SchedulerAutoStart: getEnvAsBool("SCHEDULER_AUTO_START", true),
		ExtractionSpacing:  time.Duration(getEnvAsInt("EXTRACTION_MIN_INTERVAL_MS", 1000)) * time.Millisecond,
		Backup:             loadBackupConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.TimeseriesDSN == "" {
		return fmt.Errorf("TIMESERIES_DSN is required")
	}
	if c.SchedulerInterval < time.Minute {
		return fmt.Errorf("scheduler interval must be at least one minute, got %s", c.SchedulerInterval)
	}
	if c.Backup.Enabled {
		if c.Backup.Bucket == "" {
			return fmt.Errorf("BACKUP_BUCKET is required when backups are enabled")
		}
		if c.Backup.AccessKeyID == "" || c.Backup.SecretAccessKey == "" {
			return fmt.Errorf("BACKUP_ACCESS_KEY_ID and BACKUP_SECRET_ACCESS_KEY are required when backups are enabled")
		}
	}
	return nil
}

// Helper functions
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

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func loadBackupConfig() *BackupConfig {
	return &BackupConfig{
		Enabled:         getEnvAsBool("BACKUP_ENABLED", false),
		Endpoint:        getEnv("BACKUP_ENDPOINT", ""),
		Region:          getEnv("BACKUP_REGION", "auto"),
		Bucket:          getEnv("BACKUP_BUCKET", ""),
		AccessKeyID:     getEnv("BACKUP_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("BACKUP_SECRET_ACCESS_KEY", ""),
		RetentionDays:   getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
	}
}
