package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// SQLiteMessageStore implements store.MessageStore on SQLite.
type SQLiteMessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *SQLiteMessageStore {
	return &SQLiteMessageStore{db: db}
}

const messageCols = `id, tenant_id, lead_id, thread_id, channel, session_id, external_id, direction, msg_type,
	content, media_url, peer, raw, status, attempts, claimed_at, external_ts,
	policy_allow, policy_reason, rule_trace, gen_metadata, created_at, updated_at`

func (s *SQLiteMessageStore) RecordInbound(ctx context.Context, m *store.Message) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, channel, external_id) DO NOTHING`,
		m.ID.String(), m.TenantID.String(), m.LeadID.String(), m.ThreadID.String(), m.Channel,
		uuidPtrStr(m.SessionID), nullStr(m.ExternalID), m.Direction, m.Type,
		m.Content, m.MediaURL, m.Peer, nullBytes(m.Raw),
		m.Status, 0, nil, fmtTime(m.ExternalTS),
		nil, "", nil, nil, fmtTime(now), fmtTime(now))
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteMessageStore) Get(ctx context.Context, tenantID, messageID uuid.UUID) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE tenant_id = ? AND id = ?`,
		tenantID.String(), messageID.String())
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return m, err
}

func (s *SQLiteMessageStore) ThreadHistory(ctx context.Context, tenantID, threadID uuid.UUID, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE tenant_id = ? AND thread_id = ?
		 ORDER BY external_ts ASC, created_at ASC LIMIT ?`,
		tenantID.String(), threadID.String(), limit)
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

func (s *SQLiteMessageStore) ClaimNextInbound(ctx context.Context, now time.Time) (*store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM messages
		 WHERE direction = 'inbound' AND status = 'received'
		 ORDER BY external_ts ASC LIMIT 5`)
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

	for _, id := range ids {
		res, err := s.db.ExecContext(ctx,
			`UPDATE messages
			 SET status = 'processing', attempts = attempts + 1, claimed_at = ?, updated_at = ?
			 WHERE id = ? AND status = 'received'`,
			fmtTime(now), fmtTime(now), id)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		row := s.db.QueryRowContext(ctx, `SELECT `+messageCols+` FROM messages WHERE id = ?`, id)
		return scanMessage(row)
	}
	return nil, store.ErrNotFound
}

func (s *SQLiteMessageStore) FinishInbound(ctx context.Context, messageID uuid.UUID, status store.MessageStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		status, fmtTime(time.Now()), messageID.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SQLiteMessageStore) ReleaseInbound(ctx context.Context, messageID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'received', claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		fmtTime(time.Now()), messageID.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SQLiteMessageStore) RequeueStuckInbound(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'received', claimed_at = NULL, updated_at = ?
		 WHERE status = 'processing' AND claimed_at < ?`,
		fmtTime(time.Now()), fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*store.Message, error) {
	var (
		m                       store.Message
		sessionID, externalID   sql.NullString
		raw, ruleTrace, genMeta sql.NullString
		claimedAt               sql.NullString
		policyAllow             sql.NullInt64
		externalTS              string
		createdAt, updatedAt    string
	)
	err := row.Scan(&m.ID, &m.TenantID, &m.LeadID, &m.ThreadID, &m.Channel, &sessionID,
		&externalID, &m.Direction, &m.Type, &m.Content, &m.MediaURL, &m.Peer, &raw,
		&m.Status, &m.Attempts, &claimedAt, &externalTS,
		&policyAllow, &m.PolicyReason, &ruleTrace, &genMeta,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if sessionID.Valid {
		id, err := uuid.Parse(sessionID.String)
		if err != nil {
			return nil, fmt.Errorf("bad session id %q: %w", sessionID.String, err)
		}
		m.SessionID = &id
	}
	m.ExternalID = externalID.String
	if raw.Valid {
		m.Raw = []byte(raw.String)
	}
	if genMeta.Valid {
		m.GenMetadata = []byte(genMeta.String)
	}
	if ruleTrace.Valid && ruleTrace.String != "" {
		if err := json.Unmarshal([]byte(ruleTrace.String), &m.RuleTrace); err != nil {
			return nil, fmt.Errorf("decode rule trace: %w", err)
		}
	}
	if policyAllow.Valid {
		b := policyAllow.Int64 != 0
		m.PolicyAllow = &b
	}
	if m.ClaimedAt, err = parseTimePtr(claimedAt); err != nil {
		return nil, err
	}
	if m.ExternalTS, err = parseTime(externalTS); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func uuidPtrStr(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func boolPtrInt(b *bool) any {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}

func encodeTrace(trace []string) any {
	if len(trace) == 0 {
		return nil
	}
	b, _ := json.Marshal(trace)
	return string(b)
}
