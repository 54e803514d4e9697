package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SessionStore is the channel session registry.
type SessionStore interface {
	// Upsert creates or refreshes the record for
	// (tenant_id, channel, identifier). Connector write path.
	Upsert(ctx context.Context, s *ChannelSession) error
	Get(ctx context.Context, tenantID uuid.UUID, channel Channel, identifier string) (*ChannelSession, error)
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*ChannelSession, error)
	SetStatus(ctx context.Context, tenantID, id uuid.UUID, status SessionStatus) error
}

// ThreadStore manages conversation threads.
type ThreadStore interface {
	// EnsureActive returns the active thread for (tenant, lead, channel),
	// creating one atomically if none exists. Concurrent callers for the
	// same tuple always resolve to the same thread.
	EnsureActive(ctx context.Context, tenantID, leadID uuid.UUID, channel Channel) (*Thread, error)
	Get(ctx context.Context, tenantID, threadID uuid.UUID) (*Thread, error)
	SetStatus(ctx context.Context, tenantID, threadID uuid.UUID, status ThreadStatus) error
	// SetTakeover suppresses (or restores) automated replies on a thread.
	// A non-empty reason also marks the thread as needing attention.
	SetTakeover(ctx context.Context, tenantID, threadID uuid.UUID, on bool, reason string) error
	SetAttention(ctx context.Context, tenantID, threadID uuid.UUID, reason string) error
	NeedsAttention(ctx context.Context, tenantID uuid.UUID, limit int) ([]Thread, error)
	// ActiveSince lists threads touched after the cutoff, for periodic
	// insight refresh.
	ActiveSince(ctx context.Context, cutoff time.Time, limit int) ([]Thread, error)
}

// MessageStore is the append-only message ledger.
type MessageStore interface {
	// RecordInbound assigns the active thread and inserts the message in a
	// single transaction. Returns created=false on an idempotency hit
	// (existing (tenant, channel, external_id) row); the duplicate is not
	// an error.
	RecordInbound(ctx context.Context, m *Message) (created bool, err error)
	Get(ctx context.Context, tenantID, messageID uuid.UUID) (*Message, error)
	// ThreadHistory returns up to limit messages ordered by channel-native
	// timestamp, oldest first.
	ThreadHistory(ctx context.Context, tenantID, threadID uuid.UUID, limit int) ([]Message, error)

	// ClaimNextInbound atomically moves the oldest unprocessed inbound
	// message from received to processing and increments its attempt count.
	// Returns ErrNotFound when nothing is claimable.
	ClaimNextInbound(ctx context.Context, now time.Time) (*Message, error)
	// FinishInbound records the decision outcome on a processing message.
	FinishInbound(ctx context.Context, messageID uuid.UUID, status MessageStatus) error
	// ReleaseInbound returns a processing message to received so it can be
	// retried after a transient collaborator failure.
	ReleaseInbound(ctx context.Context, messageID uuid.UUID) error
	// RequeueStuckInbound returns messages stuck in processing since before
	// the cutoff back to received. Crash recovery.
	RequeueStuckInbound(ctx context.Context, cutoff time.Time) (int64, error)
}

// QueueStore manages outbound dispatch lifecycles.
type QueueStore interface {
	// Enqueue inserts the outbound message and its queue entry in one
	// transaction; never one without the other.
	Enqueue(ctx context.Context, m *Message) (*QueueEntry, error)
	// ClaimDue exclusively claims up to limit due entries
	// (queued, next_attempt_at <= now) by moving them to sending.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]OutboundItem, error)
	// MarkSent finalizes a successful send: entry sent, message sent,
	// channel-native id recorded when the connector returned one.
	MarkSent(ctx context.Context, entryID uuid.UUID, externalID string) error
	// Reschedule returns a failed entry to queued with a later attempt time.
	Reschedule(ctx context.Context, entryID uuid.UUID, retryCount int, nextAttempt time.Time, lastErr string) error
	// MarkDead dead-letters an entry after retry exhaustion. Terminal.
	MarkDead(ctx context.Context, entryID uuid.UUID, lastErr string) error
	// RequeueStuck returns entries stuck in sending since before the cutoff
	// back to queued. Crash recovery.
	RequeueStuck(ctx context.Context, cutoff time.Time) (int64, error)
	DeadLetters(ctx context.Context, tenantID uuid.UUID, limit int) ([]OutboundItem, error)
}

// InsightStore holds derived per-thread summaries.
type InsightStore interface {
	Upsert(ctx context.Context, in *ThreadInsight) error
	Get(ctx context.Context, tenantID, threadID uuid.UUID) (*ThreadInsight, error)
	// SetFollowup updates only the follow-up schedule, creating the row if
	// the aggregator has not run yet.
	SetFollowup(ctx context.Context, tenantID, threadID uuid.UUID, at time.Time, nextStep string) error
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Sessions SessionStore
	Threads  ThreadStore
	Messages MessageStore
	Queue    QueueStore
	Insights InsightStore

	// Close releases the underlying database handle.
	Close func() error
}

// Config selects and configures a storage backend.
type Config struct {
	// Mode is "standalone" (SQLite, default) or "managed" (Postgres).
	Mode        string
	PostgresDSN string // from env LEADFLOW_POSTGRES_DSN only, never persisted
	SQLitePath  string
}

// IsManaged reports whether the Postgres backend should be used.
func (c Config) IsManaged() bool {
	return c.Mode == "managed" && c.PostgresDSN != ""
}
