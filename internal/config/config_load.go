package config

import (
	"fmt"
	"os"

	"github.com/adhocore/gronx"
	"github.com/titanous/json5"
)

// Load reads the config file (JSON5: comments and trailing commas allowed),
// applies defaults for missing fields, and overlays env-only secrets.
// A missing file is not an error — defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Secrets come from the environment only.
	cfg.Database.PostgresDSN = os.Getenv("LEADFLOW_POSTGRES_DSN")
	cfg.Server.APIToken = os.Getenv("LEADFLOW_API_TOKEN")
	cfg.Collab.Token = os.Getenv("LEADFLOW_COLLAB_TOKEN")

	applyFloors(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFloors backfills zero values so a sparse config file can't disable
// polling or retries by accident.
func applyFloors(cfg *Config) {
	def := Default()
	if cfg.Dispatch.Workers <= 0 {
		cfg.Dispatch.Workers = def.Dispatch.Workers
	}
	if cfg.Dispatch.PollIntervalMS <= 0 {
		cfg.Dispatch.PollIntervalMS = def.Dispatch.PollIntervalMS
	}
	if cfg.Dispatch.BatchSize <= 0 {
		cfg.Dispatch.BatchSize = def.Dispatch.BatchSize
	}
	if cfg.Dispatch.MaxRetries <= 0 {
		cfg.Dispatch.MaxRetries = def.Dispatch.MaxRetries
	}
	if cfg.Dispatch.BackoffBaseMS <= 0 {
		cfg.Dispatch.BackoffBaseMS = def.Dispatch.BackoffBaseMS
	}
	if cfg.Dispatch.SendTimeoutMS <= 0 {
		cfg.Dispatch.SendTimeoutMS = def.Dispatch.SendTimeoutMS
	}
	if cfg.Decision.Workers <= 0 {
		cfg.Decision.Workers = def.Decision.Workers
	}
	if cfg.Decision.PollIntervalMS <= 0 {
		cfg.Decision.PollIntervalMS = def.Decision.PollIntervalMS
	}
	if cfg.Decision.MaxAttempts <= 0 {
		cfg.Decision.MaxAttempts = def.Decision.MaxAttempts
	}
	if cfg.Decision.GenerateTimeoutMS <= 0 {
		cfg.Decision.GenerateTimeoutMS = def.Decision.GenerateTimeoutMS
	}
	if cfg.Decision.HistoryLimit <= 0 {
		cfg.Decision.HistoryLimit = def.Decision.HistoryLimit
	}
	if cfg.Insight.Cron == "" {
		cfg.Insight.Cron = def.Insight.Cron
	}
	if cfg.Insight.WindowMinutes <= 0 {
		cfg.Insight.WindowMinutes = def.Insight.WindowMinutes
	}
	if cfg.Sweep.Cron == "" {
		cfg.Sweep.Cron = def.Sweep.Cron
	}
	if cfg.Sweep.LeaseSeconds <= 0 {
		cfg.Sweep.LeaseSeconds = def.Sweep.LeaseSeconds
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Database.Mode == "" {
		cfg.Database.Mode = def.Database.Mode
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = def.Database.SQLitePath
	}
	if cfg.Collab.TimeoutMS <= 0 {
		cfg.Collab.TimeoutMS = def.Collab.TimeoutMS
	}
}

func validate(cfg *Config) error {
	switch cfg.Database.Mode {
	case "standalone", "managed":
	default:
		return fmt.Errorf("invalid database.mode %q (want standalone or managed)", cfg.Database.Mode)
	}
	if cfg.Database.Mode == "managed" && cfg.Database.PostgresDSN == "" {
		return fmt.Errorf("database.mode is managed but LEADFLOW_POSTGRES_DSN is not set")
	}
	if !gronx.IsValid(cfg.Insight.Cron) {
		return fmt.Errorf("invalid insight.cron expression: %s", cfg.Insight.Cron)
	}
	if !gronx.IsValid(cfg.Sweep.Cron) {
		return fmt.Errorf("invalid sweep.cron expression: %s", cfg.Sweep.Cron)
	}
	return nil
}
