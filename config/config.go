/*
Package config loads the service configuration from environment
variables, with an optional .env file for local development.

Program economics (point ratios, redemption bounds, expiry window) are
NOT here: they live in the database and are adjustable at runtime. This
package only covers process-level settings that need a restart anyway.
*/
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

// Config holds process-level settings.
type Config struct {
	// --- HTTP ---
	Port string `envconfig:"PORT" default:"8080"`

	// --- Storage ---
	DBPath string `envconfig:"DB_PATH" default:"./data/loyalty.db"`

	// --- Logging ---
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"` // text or json

	// --- Background jobs ---
	// Cron specs use the standard five-field format.
	SchedulerEnabled bool   `envconfig:"SCHEDULER_ENABLED" default:"true"`
	ExpirySweepCron  string `envconfig:"EXPIRY_SWEEP_CRON" default:"0 3 * * *"`
	ExpiryWarnCron   string `envconfig:"EXPIRY_WARN_CRON" default:"0 9 * * *"`
	TierRecalcCron   string `envconfig:"TIER_RECALC_CRON" default:"0 4 * * 0"`
	ArchiveCron      string `envconfig:"ARCHIVE_CRON" default:"0 5 1 * *"`

	// ExpiryWarnDays is how far ahead the warning job looks.
	ExpiryWarnDays int `envconfig:"EXPIRY_WARN_DAYS" default:"30"`

	// ArchiveRetentionDays is how long rows stay in the live log.
	// Zero falls back to the engine default (about two years).
	ArchiveRetentionDays int `envconfig:"ARCHIVE_RETENTION_DAYS" default:"0"`
}

// Load reads the environment (and a .env file when present) into a
// Config.
func Load() (*Config, error) {
	// Missing .env is fine; real deployments set the environment
	// directly.
	if err := godotenv.Load(); err == nil {
		log.Debug("loaded .env file")
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH must not be empty")
	}
	if c.ExpiryWarnDays < 0 {
		return fmt.Errorf("EXPIRY_WARN_DAYS must be >= 0")
	}
	if c.ArchiveRetentionDays < 0 {
		return fmt.Errorf("ARCHIVE_RETENTION_DAYS must be >= 0")
	}
	return nil
}
