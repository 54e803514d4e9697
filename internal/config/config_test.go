package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("missing file must not error, got %v", err)
	}
	if cfg.Server.Port != 18890 {
		t.Fatalf("port = %d, want default 18890", cfg.Server.Port)
	}
	if cfg.Database.Mode != "standalone" {
		t.Fatalf("mode = %q, want standalone", cfg.Database.Mode)
	}
	if cfg.Dispatch.MaxRetries != 3 || cfg.Decision.MaxAttempts != 3 {
		t.Fatal("retry defaults missing")
	}
}

func TestLoadParsesJSON5(t *testing.T) {
	path := writeConfig(t, `{
		// comments and trailing commas are fine
		server: { port: 9000 },
		dispatch: { max_retries: 5, backoff_base_ms: 1000, },
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Dispatch.MaxRetries != 5 {
		t.Fatalf("max_retries = %d, want 5", cfg.Dispatch.MaxRetries)
	}
	if cfg.Dispatch.BackoffBase() != time.Second {
		t.Fatalf("backoff base = %v, want 1s", cfg.Dispatch.BackoffBase())
	}
}

func TestLoadBackfillsSparseConfig(t *testing.T) {
	// A config that sets one field must not zero out polling or retries.
	path := writeConfig(t, `{ dispatch: { batch_size: 25 } }`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dispatch.BatchSize != 25 {
		t.Fatalf("batch_size = %d, want 25", cfg.Dispatch.BatchSize)
	}
	if cfg.Dispatch.PollIntervalMS == 0 || cfg.Dispatch.MaxRetries == 0 {
		t.Fatal("sparse config disabled polling or retries")
	}
	if cfg.Insight.Cron == "" || cfg.Sweep.Cron == "" {
		t.Fatal("cron defaults not backfilled")
	}
}

func TestLoadSecretsFromEnvOnly(t *testing.T) {
	t.Setenv("LEADFLOW_POSTGRES_DSN", "postgres://env-only")
	t.Setenv("LEADFLOW_API_TOKEN", "sekrit")

	path := writeConfig(t, `{ database: { mode: "managed" } }`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.PostgresDSN != "postgres://env-only" {
		t.Fatal("DSN not taken from env")
	}
	if cfg.Server.APIToken != "sekrit" {
		t.Fatal("API token not taken from env")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad mode", `{ database: { mode: "clustered" } }`},
		{"managed without dsn", `{ database: { mode: "managed" } }`},
		{"bad insight cron", `{ insight: { cron: "not a cron" } }`},
		{"bad sweep cron", `{ sweep: { cron: "61 * * * *" } }`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LEADFLOW_POSTGRES_DSN", "")
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Fatal("want validation error")
			}
		})
	}
}
