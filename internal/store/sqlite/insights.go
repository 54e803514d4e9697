package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// SQLiteInsightStore implements store.InsightStore on SQLite.
type SQLiteInsightStore struct {
	db *sql.DB
}

func NewInsightStore(db *sql.DB) *SQLiteInsightStore {
	return &SQLiteInsightStore{db: db}
}

func (s *SQLiteInsightStore) Upsert(ctx context.Context, in *store.ThreadInsight) error {
	in.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_insights (thread_id, tenant_id, label, summary, next_step, next_followup_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (thread_id) DO UPDATE SET
		   label = excluded.label,
		   summary = excluded.summary,
		   next_step = excluded.next_step,
		   next_followup_at = excluded.next_followup_at,
		   updated_at = excluded.updated_at`,
		in.ThreadID.String(), in.TenantID.String(), in.Label, in.Summary, in.NextStep,
		fmtTimePtr(in.NextFollowupAt), fmtTime(in.UpdatedAt))
	return err
}

func (s *SQLiteInsightStore) Get(ctx context.Context, tenantID, threadID uuid.UUID) (*store.ThreadInsight, error) {
	var (
		in         store.ThreadInsight
		followupAt sql.NullString
		updatedAt  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, tenant_id, label, summary, next_step, next_followup_at, updated_at
		 FROM thread_insights WHERE tenant_id = ? AND thread_id = ?`,
		tenantID.String(), threadID.String()).
		Scan(&in.ThreadID, &in.TenantID, &in.Label, &in.Summary, &in.NextStep, &followupAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if in.NextFollowupAt, err = parseTimePtr(followupAt); err != nil {
		return nil, err
	}
	if in.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &in, nil
}

func (s *SQLiteInsightStore) SetFollowup(ctx context.Context, tenantID, threadID uuid.UUID, at time.Time, nextStep string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_insights (thread_id, tenant_id, label, summary, next_step, next_followup_at, updated_at)
		 VALUES (?, ?, '', '', ?, ?, ?)
		 ON CONFLICT (thread_id) DO UPDATE SET
		   next_step = excluded.next_step,
		   next_followup_at = excluded.next_followup_at,
		   updated_at = excluded.updated_at`,
		threadID.String(), tenantID.String(), nextStep, fmtTime(at), fmtTime(time.Now()))
	return err
}
