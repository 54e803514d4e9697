package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// PGSessionStore implements store.SessionStore backed by Postgres.
type PGSessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *PGSessionStore {
	return &PGSessionStore{db: db}
}

func (s *PGSessionStore) Upsert(ctx context.Context, cs *store.ChannelSession) error {
	if cs.ID == uuid.Nil {
		cs.ID = store.GenNewID()
	}
	now := time.Now().UTC()
	cs.UpdatedAt = now
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = now
	}
	return s.db.QueryRowContext(ctx,
		`INSERT INTO channel_sessions (id, tenant_id, channel, identifier, status, metadata, connected_at, disconnected_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (tenant_id, channel, identifier) DO UPDATE SET
		   status = EXCLUDED.status,
		   metadata = EXCLUDED.metadata,
		   connected_at = EXCLUDED.connected_at,
		   disconnected_at = EXCLUDED.disconnected_at,
		   updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at`,
		cs.ID, cs.TenantID, cs.Channel, cs.Identifier, cs.Status, nullJSON(cs.Metadata),
		cs.ConnectedAt, cs.DisconnectedAt, cs.CreatedAt, cs.UpdatedAt,
	).Scan(&cs.ID, &cs.CreatedAt)
}

func (s *PGSessionStore) Get(ctx context.Context, tenantID uuid.UUID, channel store.Channel, identifier string) (*store.ChannelSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, channel, identifier, status, metadata, connected_at, disconnected_at, created_at, updated_at
		 FROM channel_sessions
		 WHERE tenant_id = $1 AND channel = $2 AND identifier = $3`,
		tenantID, channel, identifier)
	return scanSession(row)
}

func (s *PGSessionStore) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*store.ChannelSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, channel, identifier, status, metadata, connected_at, disconnected_at, created_at, updated_at
		 FROM channel_sessions
		 WHERE tenant_id = $1 AND id = $2`,
		tenantID, id)
	return scanSession(row)
}

func (s *PGSessionStore) SetStatus(ctx context.Context, tenantID, id uuid.UUID, status store.SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channel_sessions SET status = $1, updated_at = $2
		 WHERE tenant_id = $3 AND id = $4`,
		status, time.Now().UTC(), tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanSession(row *sql.Row) (*store.ChannelSession, error) {
	var cs store.ChannelSession
	var meta []byte
	err := row.Scan(&cs.ID, &cs.TenantID, &cs.Channel, &cs.Identifier, &cs.Status,
		&meta, &cs.ConnectedAt, &cs.DisconnectedAt, &cs.CreatedAt, &cs.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cs.Metadata = meta
	return &cs, nil
}

// nullJSON maps empty raw JSON to NULL so jsonb columns stay clean.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
