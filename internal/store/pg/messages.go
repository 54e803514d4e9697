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

// PGMessageStore implements store.MessageStore backed by Postgres.
type PGMessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *PGMessageStore {
	return &PGMessageStore{db: db}
}

const messageCols = `id, tenant_id, lead_id, thread_id, channel, session_id, external_id, direction, msg_type,
	content, media_url, peer, raw, status, attempts, claimed_at, external_ts,
	policy_allow, policy_reason, rule_trace, gen_metadata, created_at, updated_at`

func (s *PGMessageStore) RecordInbound(ctx context.Context, m *store.Message) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Thread assignment happens inside the same transaction as the insert,
	// so a failed insert never leaves a half-assigned message.
	thread, err := ensureActiveThread(ctx, tx, m.TenantID, m.LeadID, m.Channel)
	if err != nil {
		return false, fmt.Errorf("assign thread: %w", err)
	}
	m.ThreadID = thread.ID

	if m.ID == uuid.Nil {
		m.ID = store.GenNewID()
	}
	now := time.Now().UTC()
	m.Status = store.StatusReceived
	m.Direction = store.DirectionInbound
	m.CreatedAt = now
	m.UpdatedAt = now

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (`+messageCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		 ON CONFLICT (tenant_id, channel, external_id) DO NOTHING`,
		m.ID, m.TenantID, m.LeadID, m.ThreadID, m.Channel, m.SessionID, nullStr(m.ExternalID),
		m.Direction, m.Type, m.Content, m.MediaURL, m.Peer, nullJSON(m.Raw),
		m.Status, 0, nil, m.ExternalTS.UTC(),
		nil, "", pq.Array([]string(nil)), nil, now, now)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return n > 0, nil
}

func (s *PGMessageStore) Get(ctx context.Context, tenantID, messageID uuid.UUID) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE tenant_id = $1 AND id = $2`,
		tenantID, messageID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return m, err
}

func (s *PGMessageStore) ThreadHistory(ctx context.Context, tenantID, threadID uuid.UUID, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	// Ordered by channel-native timestamp, not insertion order.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE tenant_id = $1 AND thread_id = $2
		 ORDER BY external_ts ASC, created_at ASC LIMIT $3`,
		tenantID, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *PGMessageStore) ClaimNextInbound(ctx context.Context, now time.Time) (*store.Message, error) {
	// Candidate set first, then a conditional update per candidate. The
	// update only wins if the row is still in received, so concurrent
	// workers never double-claim.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM messages
		 WHERE direction = 'inbound' AND status = 'received'
		 ORDER BY external_ts ASC LIMIT 5`)
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

	for _, id := range ids {
		row := s.db.QueryRowContext(ctx,
			`UPDATE messages
			 SET status = 'processing', attempts = attempts + 1, claimed_at = $1, updated_at = $1
			 WHERE id = $2 AND status = 'received'
			 RETURNING `+messageCols,
			now.UTC(), id)
		m, err := scanMessage(row)
		if err == sql.ErrNoRows {
			continue // another worker won this row
		}
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, store.ErrNotFound
}

func (s *PGMessageStore) FinishInbound(ctx context.Context, messageID uuid.UUID, status store.MessageStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = $1, claimed_at = NULL, updated_at = $2
		 WHERE id = $3 AND status = 'processing'`,
		status, time.Now().UTC(), messageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PGMessageStore) ReleaseInbound(ctx context.Context, messageID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'received', claimed_at = NULL, updated_at = $1
		 WHERE id = $2 AND status = 'processing'`,
		time.Now().UTC(), messageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PGMessageStore) RequeueStuckInbound(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'received', claimed_at = NULL, updated_at = $1
		 WHERE status = 'processing' AND claimed_at < $2`,
		time.Now().UTC(), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*store.Message, error) {
	var (
		m          store.Message
		externalID sql.NullString
		raw, gen   []byte
	)
	err := row.Scan(&m.ID, &m.TenantID, &m.LeadID, &m.ThreadID, &m.Channel, &m.SessionID,
		&externalID, &m.Direction, &m.Type, &m.Content, &m.MediaURL, &m.Peer, &raw,
		&m.Status, &m.Attempts, &m.ClaimedAt, &m.ExternalTS,
		&m.PolicyAllow, &m.PolicyReason, pq.Array(&m.RuleTrace), &gen,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.ExternalID = externalID.String
	m.Raw = raw
	m.GenMetadata = gen
	return &m, nil
}

// nullStr maps "" to NULL; outbound messages have no external id until sent.
func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
