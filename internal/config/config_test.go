package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		DataDir:           "/tmp/data",
		RedisURL:          "redis://localhost:6379/0",
		TimeseriesDSN:     "postgres://localhost/stockpulse",
		SchedulerInterval: 15 * time.Minute,
		Backup:            &BackupConfig{},
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRequiresTimeseriesDSN(t *testing.T) {
	cfg := validConfig()
	cfg.TimeseriesDSN = ""
	assert.ErrorContains(t, cfg.Validate(), "TIMESERIES_DSN")
}

func TestValidateRejectsShortInterval(t *testing.T) {
	cfg := validConfig()
	cfg.SchedulerInterval = 30 * time.Second
	assert.ErrorContains(t, cfg.Validate(), "one minute")
}

func TestValidateBackupCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.Backup = &BackupConfig{Enabled: true}
	assert.ErrorContains(t, cfg.Validate(), "BACKUP_BUCKET")

	cfg.Backup.Bucket = "backups"
	assert.ErrorContains(t, cfg.Validate(), "BACKUP_ACCESS_KEY_ID")

	cfg.Backup.AccessKeyID = "key"
	cfg.Backup.SecretAccessKey = "secret"
	assert.NoError(t, cfg.Validate())
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "value")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_BAD_INT", "not-a-number")

	assert.Equal(t, "value", getEnv("TEST_STR", "fallback"))
	assert.Equal(t, "fallback", getEnv("TEST_UNSET", "fallback"))
	assert.Equal(t, 42, getEnvAsInt("TEST_INT", 0))
	assert.Equal(t, 7, getEnvAsInt("TEST_BAD_INT", 7))
	assert.True(t, getEnvAsBool("TEST_BOOL", false))
	assert.False(t, getEnvAsBool("TEST_UNSET", false))
}
