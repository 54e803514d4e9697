// Package intake is the boundary channel connectors call to hand off a
// received message. It owns dedupe, validation, lead resolution, and the
// atomic persist+thread-assignment step. Connectors get an ack as soon as the
// message is durable; AI processing happens asynchronously.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/leadflow/internal/store"
	"github.com/nextlevelbuilder/leadflow/internal/telemetry"
)

// ErrInvalid marks a malformed inbound descriptor. Wrapped with detail.
var ErrInvalid = errors.New("invalid inbound message")

// LeadResolver is the external CRM collaborator that maps a channel-native
// sender identity to a lead within the tenant scope.
type LeadResolver interface {
	ResolveOrCreate(ctx context.Context, tenantID uuid.UUID, channel store.Channel, externalID, displayName string) (uuid.UUID, error)
}

// Inbound is the normalized descriptor a connector submits.
type Inbound struct {
	TenantID   uuid.UUID
	Channel    store.Channel
	SessionID  *uuid.UUID // channel session the message arrived on
	ExternalID string     // channel-native message id
	Sender     string     // channel-native sender identity
	SenderName string
	Timestamp  time.Time // channel-native timestamp
	Type       store.MessageType
	Content    string
	MediaURL   string
	Raw        json.RawMessage
}

// Ack is returned to the connector. Duplicate submissions are acknowledged
// as success with Duplicate set — the connector must not retry.
type Ack struct {
	MessageID uuid.UUID
	ThreadID  uuid.UUID
	LeadID    uuid.UUID
	Duplicate bool
}

// Service implements submit_inbound.
type Service struct {
	messages store.MessageStore
	sessions store.SessionStore
	leads    LeadResolver
}

func NewService(messages store.MessageStore, sessions store.SessionStore, leads LeadResolver) *Service {
	return &Service{messages: messages, sessions: sessions, leads: leads}
}

// SubmitInbound validates, dedupes, and persists one inbound message.
// All-or-nothing: on any error no partial state is committed and the
// connector should retry the whole call.
func (s *Service) SubmitInbound(ctx context.Context, in Inbound) (*Ack, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "intake.submit_inbound",
		trace.WithAttributes(
			attribute.String("channel", string(in.Channel)),
			attribute.String("external_id", in.ExternalID),
		))
	defer span.End()

	if err := validateInbound(in); err != nil {
		return nil, err
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now().UTC()
	}

	// The session reference is resolved within the submitting tenant's
	// scope; a session id belonging to another tenant is indistinguishable
	// from a missing one and is treated as a cross-tenant attempt.
	if in.SessionID != nil {
		sess, err := s.sessions.GetByID(ctx, in.TenantID, *in.SessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				slog.Warn("security event: inbound references foreign or unknown session",
					"tenant", in.TenantID, "session", *in.SessionID, "channel", in.Channel)
				return nil, store.ErrTenantMismatch
			}
			return nil, fmt.Errorf("resolve session: %w", err)
		}
		if sess.Channel != in.Channel {
			slog.Warn("security event: inbound session channel mismatch",
				"tenant", in.TenantID, "session", *in.SessionID,
				"session_channel", sess.Channel, "channel", in.Channel)
			return nil, store.ErrTenantMismatch
		}
	}

	leadID, err := s.leads.ResolveOrCreate(ctx, in.TenantID, in.Channel, in.Sender, in.SenderName)
	if err != nil {
		return nil, fmt.Errorf("resolve lead: %w", err)
	}

	msg := &store.Message{
		TenantID:   in.TenantID,
		LeadID:     leadID,
		Channel:    in.Channel,
		SessionID:  in.SessionID,
		ExternalID: in.ExternalID,
		Type:       in.Type,
		Content:    in.Content,
		MediaURL:   in.MediaURL,
		Peer:       in.Sender,
		Raw:        in.Raw,
		ExternalTS: in.Timestamp,
	}
	created, err := s.messages.RecordInbound(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("record inbound: %w", err)
	}
	if !created {
		// Idempotency hit — the connector redelivered. Expected, silent.
		slog.Debug("duplicate inbound acknowledged",
			"tenant", in.TenantID, "channel", in.Channel, "external_id", in.ExternalID)
		span.SetAttributes(attribute.Bool("duplicate", true))
		return &Ack{Duplicate: true}, nil
	}

	slog.Info("inbound stored",
		"tenant", in.TenantID, "channel", in.Channel,
		"thread", msg.ThreadID, "lead", leadID, "type", in.Type)
	return &Ack{MessageID: msg.ID, ThreadID: msg.ThreadID, LeadID: leadID}, nil
}

func validateInbound(in Inbound) error {
	switch {
	case in.TenantID == uuid.Nil:
		return fmt.Errorf("%w: missing tenant_id", ErrInvalid)
	case in.Channel == "":
		return fmt.Errorf("%w: missing channel", ErrInvalid)
	case in.ExternalID == "":
		return fmt.Errorf("%w: missing external_message_id", ErrInvalid)
	case in.Sender == "":
		return fmt.Errorf("%w: missing sender", ErrInvalid)
	}
	if in.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalid)
	}
	if in.Content == "" && in.MediaURL == "" {
		return fmt.Errorf("%w: message has neither content nor media", ErrInvalid)
	}
	return nil
}
