package config

import (
	"time"
)

// Config is the root configuration for the LeadFlow messaging core.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Decision  DecisionConfig  `json:"decision"`
	Insight   InsightConfig   `json:"insight,omitempty"`
	Sweep     SweepConfig     `json:"sweep,omitempty"`
	Collab    CollabConfig    `json:"collaborators,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// ServerConfig configures the HTTP boundary API.
// APIToken is NEVER read from the config file — only from env LEADFLOW_API_TOKEN.
type ServerConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	APIToken string `json:"-"`
}

// DatabaseConfig selects the storage backend.
// PostgresDSN comes from env LEADFLOW_POSTGRES_DSN only (secret).
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"-"`
}

// DispatchConfig tunes the outbound dispatcher.
type DispatchConfig struct {
	Workers        int            `json:"workers,omitempty"`
	PollIntervalMS int            `json:"poll_interval_ms,omitempty"`
	BatchSize      int            `json:"batch_size,omitempty"`
	MaxRetries     int            `json:"max_retries,omitempty"`
	BackoffBaseMS  int            `json:"backoff_base_ms,omitempty"`
	SendTimeoutMS  int            `json:"send_timeout_ms,omitempty"`
	RatePerMinute  map[string]int `json:"rate_per_minute,omitempty"` // per channel, 0 = unlimited
}

func (d DispatchConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMS) * time.Millisecond
}

func (d DispatchConfig) BackoffBase() time.Duration {
	return time.Duration(d.BackoffBaseMS) * time.Millisecond
}

func (d DispatchConfig) SendTimeout() time.Duration {
	return time.Duration(d.SendTimeoutMS) * time.Millisecond
}

// DecisionConfig tunes the inbound decision worker.
type DecisionConfig struct {
	Workers           int `json:"workers,omitempty"`
	PollIntervalMS    int `json:"poll_interval_ms,omitempty"`
	MaxAttempts       int `json:"max_attempts,omitempty"`
	GenerateTimeoutMS int `json:"generate_timeout_ms,omitempty"`
	HistoryLimit      int `json:"history_limit,omitempty"`
}

func (d DecisionConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMS) * time.Millisecond
}

func (d DecisionConfig) GenerateTimeout() time.Duration {
	return time.Duration(d.GenerateTimeoutMS) * time.Millisecond
}

// InsightConfig schedules the periodic thread insight refresh.
type InsightConfig struct {
	Cron          string `json:"cron,omitempty"`           // default: every 5 minutes
	WindowMinutes int    `json:"window_minutes,omitempty"` // refresh threads active in this window
}

// SweepConfig schedules crash recovery for claimed-but-stalled items.
type SweepConfig struct {
	Cron         string `json:"cron,omitempty"` // default: every minute
	LeaseSeconds int    `json:"lease_seconds,omitempty"`
}

func (s SweepConfig) Lease() time.Duration { return time.Duration(s.LeaseSeconds) * time.Second }

// CollabConfig points at the external collaborator services. Unset URLs fall
// back to safe built-ins: lead resolution becomes deterministic and local,
// policy denies into human takeover, and dispatch stays idle with entries
// durably queued. Token is env-only (LEADFLOW_COLLAB_TOKEN).
type CollabConfig struct {
	LeadResolverURL string `json:"lead_resolver_url,omitempty"`
	PolicyURL       string `json:"policy_url,omitempty"`
	GeneratorURL    string `json:"generator_url,omitempty"`
	SenderURL       string `json:"sender_url,omitempty"`
	TimeoutMS       int    `json:"timeout_ms,omitempty"`
	Token           string `json:"-"`
}

func (c CollabConfig) Timeout() time.Duration { return time.Duration(c.TimeoutMS) * time.Millisecond }

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Endpoint string `json:"endpoint,omitempty"` // host:port of the OTLP/HTTP collector
	Insecure bool   `json:"insecure,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 18890,
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "leadflow.db",
		},
		Dispatch: DispatchConfig{
			Workers:        1,
			PollIntervalMS: 500,
			BatchSize:      10,
			MaxRetries:     3,
			BackoffBaseMS:  2000,
			SendTimeoutMS:  3000,
		},
		Decision: DecisionConfig{
			Workers:           1,
			PollIntervalMS:    500,
			MaxAttempts:       3,
			GenerateTimeoutMS: 60000,
			HistoryLimit:      50,
		},
		Insight: InsightConfig{
			Cron:          "*/5 * * * *",
			WindowMinutes: 30,
		},
		Sweep: SweepConfig{
			Cron:         "* * * * *",
			LeaseSeconds: 120,
		},
		Collab: CollabConfig{
			TimeoutMS: 10000,
		},
	}
}
