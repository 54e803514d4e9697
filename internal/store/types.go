package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Channel identifies an external messaging transport.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelWebchat  Channel = "webchat"
	ChannelVoice    Channel = "voice"
)

// Direction of a message relative to the platform.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageType mirrors the channel-native content kind.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
)

// MessageStatus is the delivery/processing status of a message.
//
// Inbound lifecycle:  received → processing → {auto_replied | followed_up | takeover}
// Outbound lifecycle: queued → sent | failed
type MessageStatus string

const (
	StatusReceived   MessageStatus = "received"
	StatusProcessing MessageStatus = "processing"
	StatusAutoReply  MessageStatus = "auto_replied"
	StatusFollowUp   MessageStatus = "followed_up"
	StatusTakeover   MessageStatus = "takeover"
	StatusQueued     MessageStatus = "queued"
	StatusSent       MessageStatus = "sent"
	StatusFailed     MessageStatus = "failed"
)

// SessionStatus is the connector-reported state of a channel connection.
type SessionStatus string

const (
	SessionActive       SessionStatus = "active"
	SessionDisconnected SessionStatus = "disconnected"
	SessionSuspended    SessionStatus = "suspended"
)

// ThreadStatus is the lifecycle state of a conversation thread.
type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadArchived ThreadStatus = "archived"
	ThreadClosed   ThreadStatus = "closed"
)

// QueueStatus is the dispatch lifecycle state of an outbound queue entry.
// "sent" and "dead" are terminal.
type QueueStatus string

const (
	QueueQueued  QueueStatus = "queued"
	QueueSending QueueStatus = "sending"
	QueueSent    QueueStatus = "sent"
	QueueDead    QueueStatus = "dead"
)

// ChannelSession is one connection record per (tenant, channel, identifier).
// Written by the channel connector; the core only reads it and observes
// status transitions.
type ChannelSession struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	Channel        Channel
	Identifier     string // channel-native account id (phone number, mailbox, ...)
	Status         SessionStatus
	Metadata       json.RawMessage // connector-owned, includes default routing target
	ConnectedAt    *time.Time
	DisconnectedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Thread groups the conversation for one lead on one channel.
// At most one thread per (tenant, lead, channel) is active at a time.
type Thread struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	LeadID          uuid.UUID
	Channel         Channel
	Status          ThreadStatus
	Takeover        bool   // automated replies suppressed pending human action
	AttentionReason string // why the thread needs an operator ("" = it doesn't)
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Message is an immutable ledger entry. Content is append-only; only the
// status and enrichment fields (policy trace, generation metadata, external
// id recorded on send) are ever updated.
type Message struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	LeadID     uuid.UUID
	ThreadID   uuid.UUID
	Channel    Channel
	SessionID  *uuid.UUID // channel session the message arrived on / leaves through
	ExternalID string     // channel-native id; idempotency key for inbound, "" for outbound until sent
	Direction  Direction
	Type       MessageType
	Content    string // nullable for media-only messages
	MediaURL   string
	Peer       string          // sender identity for inbound, recipient for outbound
	Raw        json.RawMessage // full connector payload, kept for audit/replay
	Status     MessageStatus
	Attempts   int        // decision-worker processing attempts (inbound only)
	ClaimedAt  *time.Time // set while claimed by a worker; sweep key
	ExternalTS time.Time  // channel-native timestamp; the ordering key within a thread

	// Enrichment (outbound auto-replies).
	PolicyAllow  *bool
	PolicyReason string
	RuleTrace    []string
	GenMetadata  json.RawMessage

	CreatedAt time.Time
	UpdatedAt time.Time
}

// QueueEntry is the dispatch lifecycle record for one outbound message.
// Exactly one entry exists per message id.
type QueueEntry struct {
	ID            uuid.UUID
	MessageID     uuid.UUID
	TenantID      uuid.UUID
	Status        QueueStatus
	RetryCount    int
	NextAttemptAt time.Time
	LastError     string
	ClaimedAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OutboundItem is a claimed queue entry joined with the message fields the
// dispatcher needs to perform the send.
type OutboundItem struct {
	Entry   QueueEntry
	Message Message
}

// ThreadInsight is the derived per-thread summary consumed by CRM views.
// One row per thread, overwritten in place. Never authoritative.
type ThreadInsight struct {
	ThreadID       uuid.UUID
	TenantID       uuid.UUID
	Label          string
	Summary        string
	NextStep       string
	NextFollowupAt *time.Time
	UpdatedAt      time.Time
}

// GenNewID returns a time-ordered UUID for new rows.
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}
