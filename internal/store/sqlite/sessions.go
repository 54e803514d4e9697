package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// SQLiteSessionStore implements store.SessionStore on SQLite.
type SQLiteSessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SQLiteSessionStore {
	return &SQLiteSessionStore{db: db}
}

func (s *SQLiteSessionStore) Upsert(ctx context.Context, cs *store.ChannelSession) error {
	if cs.ID == uuid.Nil {
		cs.ID = store.GenNewID()
	}
	now := time.Now().UTC()
	cs.UpdatedAt = now
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_sessions (id, tenant_id, channel, identifier, status, metadata, connected_at, disconnected_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, channel, identifier) DO UPDATE SET
		   status = excluded.status,
		   metadata = excluded.metadata,
		   connected_at = excluded.connected_at,
		   disconnected_at = excluded.disconnected_at,
		   updated_at = excluded.updated_at`,
		cs.ID.String(), cs.TenantID.String(), cs.Channel, cs.Identifier, cs.Status,
		nullBytes(cs.Metadata), fmtTimePtr(cs.ConnectedAt), fmtTimePtr(cs.DisconnectedAt),
		fmtTime(cs.CreatedAt), fmtTime(cs.UpdatedAt))
	if err != nil {
		return err
	}
	// The upsert may have kept the pre-existing row id; reload it.
	existing, err := s.Get(ctx, cs.TenantID, cs.Channel, cs.Identifier)
	if err != nil {
		return err
	}
	cs.ID = existing.ID
	cs.CreatedAt = existing.CreatedAt
	return nil
}

const sessionCols = `id, tenant_id, channel, identifier, status, metadata, connected_at, disconnected_at, created_at, updated_at`

func (s *SQLiteSessionStore) Get(ctx context.Context, tenantID uuid.UUID, channel store.Channel, identifier string) (*store.ChannelSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM channel_sessions
		 WHERE tenant_id = ? AND channel = ? AND identifier = ?`,
		tenantID.String(), channel, identifier)
	return scanSession(row)
}

func (s *SQLiteSessionStore) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*store.ChannelSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM channel_sessions
		 WHERE tenant_id = ? AND id = ?`,
		tenantID.String(), id.String())
	return scanSession(row)
}

func (s *SQLiteSessionStore) SetStatus(ctx context.Context, tenantID, id uuid.UUID, status store.SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channel_sessions SET status = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		status, fmtTime(time.Now()), tenantID.String(), id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanSession(row *sql.Row) (*store.ChannelSession, error) {
	var (
		cs                   store.ChannelSession
		meta                 sql.NullString
		connAt, discAt       sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&cs.ID, &cs.TenantID, &cs.Channel, &cs.Identifier, &cs.Status,
		&meta, &connAt, &discAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if meta.Valid {
		cs.Metadata = []byte(meta.String)
	}
	if cs.ConnectedAt, err = parseTimePtr(connAt); err != nil {
		return nil, err
	}
	if cs.DisconnectedAt, err = parseTimePtr(discAt); err != nil {
		return nil, err
	}
	if cs.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if cs.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &cs, nil
}
