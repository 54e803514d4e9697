package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// PGInsightStore implements store.InsightStore backed by Postgres.
type PGInsightStore struct {
	db *sql.DB
}

func NewInsightStore(db *sql.DB) *PGInsightStore {
	return &PGInsightStore{db: db}
}

func (s *PGInsightStore) Upsert(ctx context.Context, in *store.ThreadInsight) error {
	in.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_insights (thread_id, tenant_id, label, summary, next_step, next_followup_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (thread_id) DO UPDATE SET
		   label = EXCLUDED.label,
		   summary = EXCLUDED.summary,
		   next_step = EXCLUDED.next_step,
		   next_followup_at = EXCLUDED.next_followup_at,
		   updated_at = EXCLUDED.updated_at`,
		in.ThreadID, in.TenantID, in.Label, in.Summary, in.NextStep, in.NextFollowupAt, in.UpdatedAt)
	return err
}

func (s *PGInsightStore) Get(ctx context.Context, tenantID, threadID uuid.UUID) (*store.ThreadInsight, error) {
	var in store.ThreadInsight
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, tenant_id, label, summary, next_step, next_followup_at, updated_at
		 FROM thread_insights WHERE tenant_id = $1 AND thread_id = $2`,
		tenantID, threadID).
		Scan(&in.ThreadID, &in.TenantID, &in.Label, &in.Summary, &in.NextStep, &in.NextFollowupAt, &in.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func (s *PGInsightStore) SetFollowup(ctx context.Context, tenantID, threadID uuid.UUID, at time.Time, nextStep string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_insights (thread_id, tenant_id, label, summary, next_step, next_followup_at, updated_at)
		 VALUES ($1, $2, '', '', $3, $4, $5)
		 ON CONFLICT (thread_id) DO UPDATE SET
		   next_step = EXCLUDED.next_step,
		   next_followup_at = EXCLUDED.next_followup_at,
		   updated_at = EXCLUDED.updated_at`,
		threadID, tenantID, nextStep, at.UTC(), time.Now().UTC())
	return err
}
