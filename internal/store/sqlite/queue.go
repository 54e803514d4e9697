package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// SQLiteQueueStore implements store.QueueStore on SQLite.
type SQLiteQueueStore struct {
	db *sql.DB
}

func NewQueueStore(db *sql.DB) *SQLiteQueueStore {
	return &SQLiteQueueStore{db: db}
}

const entryCols = `id, message_id, tenant_id, status, retry_count, next_attempt_at, last_error, claimed_at, created_at, updated_at`

func (s *SQLiteQueueStore) Enqueue(ctx context.Context, m *store.Message) (*store.QueueEntry, error) {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.TenantID.String(), m.LeadID.String(), m.ThreadID.String(), m.Channel,
		uuidPtrStr(m.SessionID), nullStr(m.ExternalID), m.Direction, m.Type,
		m.Content, m.MediaURL, m.Peer, nullBytes(m.Raw),
		m.Status, 0, nil, fmtTime(m.ExternalTS),
		boolPtrInt(m.PolicyAllow), m.PolicyReason, encodeTrace(m.RuleTrace), nullBytes(m.GenMetadata),
		fmtTime(now), fmtTime(now))
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (message_id) DO NOTHING`,
		entry.ID.String(), entry.MessageID.String(), entry.TenantID.String(), entry.Status, 0,
		fmtTime(entry.NextAttemptAt), "", nil, fmtTime(now), fmtTime(now))
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

func (s *SQLiteQueueStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]store.OutboundItem, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM outbound_queue
		 WHERE status = 'queued' AND next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC LIMIT ?`,
		fmtTime(now), limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
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
		res, err := s.db.ExecContext(ctx,
			`UPDATE outbound_queue SET status = 'sending', claimed_at = ?, updated_at = ?
			 WHERE id = ? AND status = 'queued'`,
			fmtTime(now), fmtTime(now), id)
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

func (s *SQLiteQueueStore) getItem(ctx context.Context, entryID string) (*store.OutboundItem, error) {
	var item store.OutboundItem
	e := &item.Entry
	var (
		nextAt               string
		claimedAt            sql.NullString
		createdAt, updatedAt string
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryCols+` FROM outbound_queue WHERE id = ?`, entryID)
	err := row.Scan(&e.ID, &e.MessageID, &e.TenantID, &e.Status, &e.RetryCount,
		&nextAt, &e.LastError, &claimedAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if e.NextAttemptAt, err = parseTime(nextAt); err != nil {
		return nil, err
	}
	if e.ClaimedAt, err = parseTimePtr(claimedAt); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	mrow := s.db.QueryRowContext(ctx, `SELECT `+messageCols+` FROM messages WHERE id = ?`, e.MessageID.String())
	m, err := scanMessage(mrow)
	if err != nil {
		return nil, err
	}
	item.Message = *m
	return &item, nil
}

func (s *SQLiteQueueStore) MarkSent(ctx context.Context, entryID uuid.UUID, externalID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := fmtTime(time.Now())
	var messageID string
	err = tx.QueryRowContext(ctx,
		`UPDATE outbound_queue SET status = 'sent', claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'sending'
		 RETURNING message_id`,
		now, entryID.String()).Scan(&messageID)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE messages SET status = 'sent', external_id = COALESCE(NULLIF(?, ''), external_id), updated_at = ?
		 WHERE id = ?`,
		externalID, now, messageID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteQueueStore) Reschedule(ctx context.Context, entryID uuid.UUID, retryCount int, nextAttempt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbound_queue
		 SET status = 'queued', retry_count = ?, next_attempt_at = ?, last_error = ?, claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'sending'`,
		retryCount, fmtTime(nextAttempt), lastErr, fmtTime(time.Now()), entryID.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SQLiteQueueStore) MarkDead(ctx context.Context, entryID uuid.UUID, lastErr string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := fmtTime(time.Now())
	var messageID string
	err = tx.QueryRowContext(ctx,
		`UPDATE outbound_queue SET status = 'dead', last_error = ?, claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'sending'
		 RETURNING message_id`,
		lastErr, now, entryID.String()).Scan(&messageID)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE messages SET status = 'failed', updated_at = ? WHERE id = ?`,
		now, messageID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteQueueStore) RequeueStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbound_queue SET status = 'queued', claimed_at = NULL, updated_at = ?
		 WHERE status = 'sending' AND claimed_at < ?`,
		fmtTime(time.Now()), fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteQueueStore) DeadLetters(ctx context.Context, tenantID uuid.UUID, limit int) ([]store.OutboundItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM outbound_queue
		 WHERE tenant_id = ? AND status = 'dead'
		 ORDER BY updated_at DESC LIMIT ?`,
		tenantID.String(), limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
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
