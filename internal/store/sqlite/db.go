// Package sqlite implements the store interfaces on a local SQLite database
// (standalone mode). The schema is created on open; managed deployments use
// Postgres with external migrations instead.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// timeLayout is fixed-width UTC so lexical ordering of stored timestamps is
// chronological ordering.
const timeLayout = "2006-01-02 15:04:05.000000000"

const schema = `
CREATE TABLE IF NOT EXISTS channel_sessions (
    id              TEXT PRIMARY KEY,
    tenant_id       TEXT NOT NULL,
    channel         TEXT NOT NULL,
    identifier      TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'active',
    metadata        TEXT,
    connected_at    TEXT,
    disconnected_at TEXT,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL,
    UNIQUE (tenant_id, channel, identifier)
);

CREATE TABLE IF NOT EXISTS threads (
    id               TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL,
    lead_id          TEXT NOT NULL,
    channel          TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'active',
    takeover         INTEGER NOT NULL DEFAULT 0,
    attention_reason TEXT NOT NULL DEFAULT '',
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS threads_one_active
    ON threads (tenant_id, lead_id, channel)
    WHERE status = 'active';

CREATE TABLE IF NOT EXISTS messages (
    id            TEXT PRIMARY KEY,
    tenant_id     TEXT NOT NULL,
    lead_id       TEXT NOT NULL,
    thread_id     TEXT NOT NULL REFERENCES threads (id),
    channel       TEXT NOT NULL,
    session_id    TEXT,
    external_id   TEXT,
    direction     TEXT NOT NULL,
    msg_type      TEXT NOT NULL DEFAULT 'text',
    content       TEXT NOT NULL DEFAULT '',
    media_url     TEXT NOT NULL DEFAULT '',
    peer          TEXT NOT NULL DEFAULT '',
    raw           TEXT,
    status        TEXT NOT NULL,
    attempts      INTEGER NOT NULL DEFAULT 0,
    claimed_at    TEXT,
    external_ts   TEXT NOT NULL,
    policy_allow  INTEGER,
    policy_reason TEXT NOT NULL DEFAULT '',
    rule_trace    TEXT,
    gen_metadata  TEXT,
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS messages_external_idempotency
    ON messages (tenant_id, channel, external_id);

CREATE INDEX IF NOT EXISTS messages_thread_ts ON messages (thread_id, external_ts);

CREATE TABLE IF NOT EXISTS outbound_queue (
    id              TEXT PRIMARY KEY,
    message_id      TEXT NOT NULL UNIQUE REFERENCES messages (id),
    tenant_id       TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'queued',
    retry_count     INTEGER NOT NULL DEFAULT 0,
    next_attempt_at TEXT NOT NULL,
    last_error      TEXT NOT NULL DEFAULT '',
    claimed_at      TEXT,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS thread_insights (
    thread_id        TEXT PRIMARY KEY REFERENCES threads (id),
    tenant_id        TEXT NOT NULL,
    label            TEXT NOT NULL DEFAULT '',
    summary          TEXT NOT NULL DEFAULT '',
    next_step        TEXT NOT NULL DEFAULT '',
    next_followup_at TEXT,
    updated_at       TEXT NOT NULL
);
`

// OpenDB opens (and if needed creates) the standalone SQLite database.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer: SQLite serializes writes anyway, and one connection
	// avoids SQLITE_BUSY churn between worker goroutines.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// NewStores creates all stores backed by SQLite (standalone mode).
func NewStores(cfg store.Config) (*store.Stores, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "leadflow.db"
	}
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		Sessions: NewSessionStore(db),
		Threads:  NewThreadStore(db),
		Messages: NewMessageStore(db),
		Queue:    NewQueueStore(db),
		Insights: NewInsightStore(db),
		Close:    db.Close,
	}, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
