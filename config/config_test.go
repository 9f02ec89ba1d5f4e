package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sajha/loyalty-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "./data/loyalty.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.SchedulerEnabled)
	assert.Equal(t, 30, cfg.ExpiryWarnDays)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("SCHEDULER_ENABLED", "false")
	t.Setenv("ARCHIVE_RETENTION_DAYS", "365")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.False(t, cfg.SchedulerEnabled)
	assert.Equal(t, 365, cfg.ArchiveRetentionDays)
}

func TestValidate(t *testing.T) {
	assert.Error(t, (&config.Config{Port: "", DBPath: "x"}).Validate())
	assert.Error(t, (&config.Config{Port: "8080", DBPath: ""}).Validate())
	assert.Error(t, (&config.Config{Port: "8080", DBPath: "x", ExpiryWarnDays: -1}).Validate())
	assert.NoError(t, (&config.Config{Port: "8080", DBPath: "x"}).Validate())
}
