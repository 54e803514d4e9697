package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// PGThreadStore implements store.ThreadStore backed by Postgres.
type PGThreadStore struct {
	db *sql.DB
}

func NewThreadStore(db *sql.DB) *PGThreadStore {
	return &PGThreadStore{db: db}
}

const threadCols = `id, tenant_id, lead_id, channel, status, takeover, attention_reason, created_at, updated_at`

// querier is satisfied by both *sql.DB and *sql.Tx, so thread assignment can
// run inside the message-insert transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PGThreadStore) EnsureActive(ctx context.Context, tenantID, leadID uuid.UUID, channel store.Channel) (*store.Thread, error) {
	return ensureActiveThread(ctx, s.db, tenantID, leadID, channel)
}

// ensureActiveThread resolves the single active thread for
// (tenant, lead, channel). The insert is guarded by the partial unique index
// on active threads, so two racing callers converge on one row.
func ensureActiveThread(ctx context.Context, q querier, tenantID, leadID uuid.UUID, channel store.Channel) (*store.Thread, error) {
	now := time.Now().UTC()
	var t store.Thread
	row := q.QueryRowContext(ctx,
		`INSERT INTO threads (id, tenant_id, lead_id, channel, status, takeover, attention_reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, false, '', $6, $6)
		 ON CONFLICT (tenant_id, lead_id, channel) WHERE status = 'active' DO NOTHING
		 RETURNING `+threadCols,
		store.GenNewID(), tenantID, leadID, channel, store.ThreadActive, now)
	err := scanThreadRow(row, &t)
	if err == nil {
		return &t, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	// Lost the race or the thread already existed — fetch it.
	row = q.QueryRowContext(ctx,
		`SELECT `+threadCols+` FROM threads
		 WHERE tenant_id = $1 AND lead_id = $2 AND channel = $3 AND status = 'active'`,
		tenantID, leadID, channel)
	if err := scanThreadRow(row, &t); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// scanThreadRow scans a *sql.Row into t. Split out because EnsureActive scans
// the same column set from two different statements.
func scanThreadRow(row *sql.Row, t *store.Thread) error {
	return row.Scan(&t.ID, &t.TenantID, &t.LeadID, &t.Channel, &t.Status,
		&t.Takeover, &t.AttentionReason, &t.CreatedAt, &t.UpdatedAt)
}

func (s *PGThreadStore) Get(ctx context.Context, tenantID, threadID uuid.UUID) (*store.Thread, error) {
	var t store.Thread
	row := s.db.QueryRowContext(ctx,
		`SELECT `+threadCols+` FROM threads WHERE tenant_id = $1 AND id = $2`,
		tenantID, threadID)
	if err := scanThreadRow(row, &t); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *PGThreadStore) SetStatus(ctx context.Context, tenantID, threadID uuid.UUID, status store.ThreadStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET status = $1, updated_at = $2 WHERE tenant_id = $3 AND id = $4`,
		status, time.Now().UTC(), tenantID, threadID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PGThreadStore) SetTakeover(ctx context.Context, tenantID, threadID uuid.UUID, on bool, reason string) error {
	if !on {
		reason = ""
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET takeover = $1, attention_reason = $2, updated_at = $3
		 WHERE tenant_id = $4 AND id = $5`,
		on, reason, time.Now().UTC(), tenantID, threadID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PGThreadStore) SetAttention(ctx context.Context, tenantID, threadID uuid.UUID, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET attention_reason = $1, updated_at = $2
		 WHERE tenant_id = $3 AND id = $4`,
		reason, time.Now().UTC(), tenantID, threadID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PGThreadStore) NeedsAttention(ctx context.Context, tenantID uuid.UUID, limit int) ([]store.Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+threadCols+` FROM threads
		 WHERE tenant_id = $1 AND (takeover OR attention_reason <> '')
		 ORDER BY updated_at DESC LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanThreads(rows)
}

func (s *PGThreadStore) ActiveSince(ctx context.Context, cutoff time.Time, limit int) ([]store.Thread, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+threadCols+` FROM threads
		 WHERE status = 'active' AND updated_at >= $1
		 ORDER BY updated_at DESC LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanThreads(rows)
}

func scanThreads(rows *sql.Rows) ([]store.Thread, error) {
	var out []store.Thread
	for rows.Next() {
		var t store.Thread
		if err := rows.Scan(&t.ID, &t.TenantID, &t.LeadID, &t.Channel, &t.Status,
			&t.Takeover, &t.AttentionReason, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
