// Package outbound owns queued delivery: enqueueing outbound messages with
// their dispatch lifecycle entries, and the dispatcher worker that drains the
// queue through channel connectors with bounded retry.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// ErrInvalid marks a malformed enqueue request.
var ErrInvalid = errors.New("invalid outbound request")

// EnqueueRequest describes one message to send.
type EnqueueRequest struct {
	TenantID  uuid.UUID
	LeadID    uuid.UUID
	ThreadID  uuid.UUID // optional; resolved to the active thread when zero
	Channel   store.Channel
	SessionID *uuid.UUID
	To        string // channel-native recipient identity
	Type      store.MessageType
	Content   string
	MediaURL  string

	// Audit enrichment, set for policy-gated auto-replies.
	PolicyAllow  *bool
	PolicyReason string
	RuleTrace    []string
	GenMetadata  json.RawMessage
}

// Service implements enqueue_outbound: the message row and its queue entry
// are created in one logical operation, never one without the other.
type Service struct {
	threads store.ThreadStore
	queue   store.QueueStore
}

func NewService(threads store.ThreadStore, queue store.QueueStore) *Service {
	return &Service{threads: threads, queue: queue}
}

func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*store.Message, *store.QueueEntry, error) {
	switch {
	case req.TenantID == uuid.Nil:
		return nil, nil, fmt.Errorf("%w: missing tenant_id", ErrInvalid)
	case req.LeadID == uuid.Nil:
		return nil, nil, fmt.Errorf("%w: missing lead_id", ErrInvalid)
	case req.Channel == "":
		return nil, nil, fmt.Errorf("%w: missing channel", ErrInvalid)
	case req.To == "":
		return nil, nil, fmt.Errorf("%w: missing recipient", ErrInvalid)
	case req.Content == "" && req.MediaURL == "":
		return nil, nil, fmt.Errorf("%w: message has neither content nor media", ErrInvalid)
	}
	if req.Type == "" {
		req.Type = store.TypeText
	}

	threadID := req.ThreadID
	if threadID == uuid.Nil {
		thread, err := s.threads.EnsureActive(ctx, req.TenantID, req.LeadID, req.Channel)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve thread: %w", err)
		}
		threadID = thread.ID
	} else {
		// A caller-supplied thread id is resolved within the requesting
		// tenant's scope; a thread belonging to another tenant is
		// indistinguishable from a missing one and is treated as a
		// cross-tenant attempt.
		thread, err := s.threads.Get(ctx, req.TenantID, threadID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				slog.Warn("security event: outbound references foreign or unknown thread",
					"tenant", req.TenantID, "thread", threadID, "channel", req.Channel)
				return nil, nil, store.ErrTenantMismatch
			}
			return nil, nil, fmt.Errorf("resolve thread: %w", err)
		}
		if thread.Channel != req.Channel {
			slog.Warn("security event: outbound thread channel mismatch",
				"tenant", req.TenantID, "thread", threadID,
				"thread_channel", thread.Channel, "channel", req.Channel)
			return nil, nil, store.ErrTenantMismatch
		}
	}

	msg := &store.Message{
		TenantID:     req.TenantID,
		LeadID:       req.LeadID,
		ThreadID:     threadID,
		Channel:      req.Channel,
		SessionID:    req.SessionID,
		Type:         req.Type,
		Content:      req.Content,
		MediaURL:     req.MediaURL,
		Peer:         req.To,
		PolicyAllow:  req.PolicyAllow,
		PolicyReason: req.PolicyReason,
		RuleTrace:    req.RuleTrace,
		GenMetadata:  req.GenMetadata,
	}
	entry, err := s.queue.Enqueue(ctx, msg)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("outbound enqueued",
		"tenant", req.TenantID, "channel", req.Channel,
		"thread", threadID, "message", msg.ID)
	return msg, entry, nil
}
