package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// SQLiteThreadStore implements store.ThreadStore on SQLite.
type SQLiteThreadStore struct {
	db *sql.DB
}

func NewThreadStore(db *sql.DB) *SQLiteThreadStore {
	return &SQLiteThreadStore{db: db}
}

const threadCols = `id, tenant_id, lead_id, channel, status, takeover, attention_reason, created_at, updated_at`

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteThreadStore) EnsureActive(ctx context.Context, tenantID, leadID uuid.UUID, channel store.Channel) (*store.Thread, error) {
	return ensureActiveThread(ctx, s.db, tenantID, leadID, channel)
}

// ensureActiveThread is the SQLite variant of the atomic thread upsert,
// guarded by the partial unique index on active threads.
func ensureActiveThread(ctx context.Context, q querier, tenantID, leadID uuid.UUID, channel store.Channel) (*store.Thread, error) {
	now := time.Now().UTC()
	_, err := q.ExecContext(ctx,
		`INSERT INTO threads (id, tenant_id, lead_id, channel, status, takeover, attention_reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, '', ?, ?)
		 ON CONFLICT (tenant_id, lead_id, channel) WHERE status = 'active' DO NOTHING`,
		store.GenNewID().String(), tenantID.String(), leadID.String(), channel,
		store.ThreadActive, fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, err
	}

	row := q.QueryRowContext(ctx,
		`SELECT `+threadCols+` FROM threads
		 WHERE tenant_id = ? AND lead_id = ? AND channel = ? AND status = 'active'`,
		tenantID.String(), leadID.String(), channel)
	t, err := scanThread(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return t, err
}

func (s *SQLiteThreadStore) Get(ctx context.Context, tenantID, threadID uuid.UUID) (*store.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+threadCols+` FROM threads WHERE tenant_id = ? AND id = ?`,
		tenantID.String(), threadID.String())
	t, err := scanThread(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return t, err
}

func (s *SQLiteThreadStore) SetStatus(ctx context.Context, tenantID, threadID uuid.UUID, status store.ThreadStatus) error {
	return s.update(ctx, tenantID, threadID,
		`UPDATE threads SET status = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		status)
}

func (s *SQLiteThreadStore) SetTakeover(ctx context.Context, tenantID, threadID uuid.UUID, on bool, reason string) error {
	if !on {
		reason = ""
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET takeover = ?, attention_reason = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		boolToInt(on), reason, fmtTime(time.Now()), tenantID.String(), threadID.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SQLiteThreadStore) SetAttention(ctx context.Context, tenantID, threadID uuid.UUID, reason string) error {
	return s.update(ctx, tenantID, threadID,
		`UPDATE threads SET attention_reason = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		reason)
}

func (s *SQLiteThreadStore) update(ctx context.Context, tenantID, threadID uuid.UUID, query string, value any) error {
	res, err := s.db.ExecContext(ctx, query, value, fmtTime(time.Now()), tenantID.String(), threadID.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SQLiteThreadStore) NeedsAttention(ctx context.Context, tenantID uuid.UUID, limit int) ([]store.Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+threadCols+` FROM threads
		 WHERE tenant_id = ? AND (takeover = 1 OR attention_reason <> '')
		 ORDER BY updated_at DESC LIMIT ?`,
		tenantID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanThreads(rows)
}

func (s *SQLiteThreadStore) ActiveSince(ctx context.Context, cutoff time.Time, limit int) ([]store.Thread, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+threadCols+` FROM threads
		 WHERE status = 'active' AND updated_at >= ?
		 ORDER BY updated_at DESC LIMIT ?`,
		fmtTime(cutoff), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanThreads(rows)
}

func scanThread(row *sql.Row) (*store.Thread, error) {
	var (
		t                    store.Thread
		takeover             int
		createdAt, updatedAt string
	)
	err := row.Scan(&t.ID, &t.TenantID, &t.LeadID, &t.Channel, &t.Status,
		&takeover, &t.AttentionReason, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Takeover = takeover != 0
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanThreads(rows *sql.Rows) ([]store.Thread, error) {
	var out []store.Thread
	for rows.Next() {
		var (
			t                    store.Thread
			takeover             int
			createdAt, updatedAt string
		)
		err := rows.Scan(&t.ID, &t.TenantID, &t.LeadID, &t.Channel, &t.Status,
			&takeover, &t.AttentionReason, &createdAt, &updatedAt)
		if err != nil {
			return nil, err
		}
		t.Takeover = takeover != 0
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
