package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// PGQueueStore implements store.QueueStore backed by Postgres.
type PGQueueStore struct {
	db *sql.DB
}

func NewQueueStore(db *sql.DB) *PGQueueStore {
	return &PGQueueStore{db: db}
}

const entryCols = `id, message_id, tenant_id, status, retry_count, next_attempt_at, last_error, claimed_at, created_at, updated_at`

func (s *PGQueueStore) Enqueue(ctx context.Context, m *store.Message) (*store.QueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if m.ID == uuid.Nil {
		m.ID = store.GenNewID()
	}
	now := time.Now().UTC()
	m.Direction = store.DirectionOutbound
	m.Status = store.StatusQueued
	m.CreatedAt = now
	m.UpdatedAt = now
	if m.ExternalTS.IsZero() {
		m.ExternalTS = now
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (`+messageCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		m.ID, m.TenantID, m.LeadID, m.ThreadID, m.Channel, m.SessionID, nullStr(m.ExternalID),
		m.Direction, m.Type, m.Content, m.MediaURL, m.Peer, nullJSON(m.Raw),
		m.Status, 0, nil, m.ExternalTS.UTC(),
		m.PolicyAllow, m.PolicyReason, pq.Array(m.RuleTrace), nullJSON(m.GenMetadata), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert outbound message: %w", err)
	}

	entry := &store.QueueEntry{
		ID:            store.GenNewID(),
		MessageID:     m.ID,
		TenantID:      m.TenantID,
		Status:        store.QueueQueued,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO outbound_queue (`+entryCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (message_id) DO NOTHING`,
		entry.ID, entry.MessageID, entry.TenantID, entry.Status, 0,
		entry.NextAttemptAt, "", nil, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert queue entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.ErrAlreadyQueued
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return entry, nil
}

func (s *PGQueueStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]store.OutboundItem, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM outbound_queue
		 WHERE status = 'queued' AND next_attempt_at <= $1
		 ORDER BY next_attempt_at ASC LIMIT $2`,
		now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var items []store.OutboundItem
	for _, id := range ids {
		// Exclusive claim: the update only wins while the entry is still
		// queued, so scaled dispatchers never send the same message twice.
		res, err := s.db.ExecContext(ctx,
			`UPDATE outbound_queue SET status = 'sending', claimed_at = $1, updated_at = $1
			 WHERE id = $2 AND status = 'queued'`,
			now.UTC(), id)
		if err != nil {
			return items, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		item, err := s.getItem(ctx, id)
		if err != nil {
			return items, err
		}
		items = append(items, *item)
	}
	return items, nil
}

func (s *PGQueueStore) getItem(ctx context.Context, entryID uuid.UUID) (*store.OutboundItem, error) {
	var item store.OutboundItem
	e := &item.Entry
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryCols+` FROM outbound_queue WHERE id = $1`, entryID)
	err := row.Scan(&e.ID, &e.MessageID, &e.TenantID, &e.Status, &e.RetryCount,
		&e.NextAttemptAt, &e.LastError, &e.ClaimedAt, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	mrow := s.db.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE id = $1`, e.MessageID)
	m, err := scanMessage(mrow)
	if err != nil {
		return nil, err
	}
	item.Message = *m
	return &item, nil
}

func (s *PGQueueStore) MarkSent(ctx context.Context, entryID uuid.UUID, externalID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var messageID uuid.UUID
	err = tx.QueryRowContext(ctx,
		`UPDATE outbound_queue SET status = 'sent', claimed_at = NULL, updated_at = $1
		 WHERE id = $2 AND status = 'sending'
		 RETURNING message_id`,
		now, entryID).Scan(&messageID)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE messages SET status = 'sent', external_id = COALESCE(NULLIF($1, ''), external_id), updated_at = $2
		 WHERE id = $3`,
		externalID, now, messageID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PGQueueStore) Reschedule(ctx context.Context, entryID uuid.UUID, retryCount int, nextAttempt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbound_queue
		 SET status = 'queued', retry_count = $1, next_attempt_at = $2, last_error = $3, claimed_at = NULL, updated_at = $4
		 WHERE id = $5 AND status = 'sending'`,
		retryCount, nextAttempt.UTC(), lastErr, time.Now().UTC(), entryID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PGQueueStore) MarkDead(ctx context.Context, entryID uuid.UUID, lastErr string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var messageID uuid.UUID
	err = tx.QueryRowContext(ctx,
		`UPDATE outbound_queue SET status = 'dead', last_error = $1, claimed_at = NULL, updated_at = $2
		 WHERE id = $3 AND status = 'sending'
		 RETURNING message_id`,
		lastErr, now, entryID).Scan(&messageID)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE messages SET status = 'failed', updated_at = $1 WHERE id = $2`,
		now, messageID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PGQueueStore) RequeueStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbound_queue SET status = 'queued', claimed_at = NULL, updated_at = $1
		 WHERE status = 'sending' AND claimed_at < $2`,
		time.Now().UTC(), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PGQueueStore) DeadLetters(ctx context.Context, tenantID uuid.UUID, limit int) ([]store.OutboundItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM outbound_queue
		 WHERE tenant_id = $1 AND status = 'dead'
		 ORDER BY updated_at DESC LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var items []store.OutboundItem
	for _, id := range ids {
		item, err := s.getItem(ctx, id)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, nil
}
