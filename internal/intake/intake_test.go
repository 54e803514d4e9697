package intake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

type fakeMessages struct {
	store.MessageStore
	recorded []*store.Message
	existing map[string]bool // channel/external_id pairs already stored
	err      error
}

func (f *fakeMessages) RecordInbound(_ context.Context, m *store.Message) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	key := string(m.Channel) + "/" + m.ExternalID
	if f.existing[key] {
		return false, nil
	}
	m.ID = store.GenNewID()
	m.ThreadID = store.GenNewID()
	f.recorded = append(f.recorded, m)
	return true, nil
}

type fakeSessions struct {
	store.SessionStore
	byID map[uuid.UUID]*store.ChannelSession
}

func (f *fakeSessions) GetByID(_ context.Context, tenantID, id uuid.UUID) (*store.ChannelSession, error) {
	s, ok := f.byID[id]
	if !ok || s.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return s, nil
}

type fakeLeads struct {
	leadID uuid.UUID
	err    error
	calls  int
}

func (f *fakeLeads) ResolveOrCreate(context.Context, uuid.UUID, store.Channel, string, string) (uuid.UUID, error) {
	f.calls++
	if f.err != nil {
		return uuid.Nil, f.err
	}
	return f.leadID, nil
}

func validInbound(tenantID uuid.UUID) Inbound {
	return Inbound{
		TenantID:   tenantID,
		Channel:    store.ChannelWhatsApp,
		ExternalID: "wamid.123",
		Sender:     "+15550001111",
		SenderName: "Ada",
		Type:       store.TypeText,
		Content:    "hi, is the 2br still available?",
		Timestamp:  time.Now().UTC(),
	}
}

func TestSubmitInboundValidation(t *testing.T) {
	tenantID := uuid.New()
	tests := []struct {
		name   string
		mutate func(*Inbound)
	}{
		{"missing tenant", func(in *Inbound) { in.TenantID = uuid.Nil }},
		{"missing channel", func(in *Inbound) { in.Channel = "" }},
		{"missing external id", func(in *Inbound) { in.ExternalID = "" }},
		{"missing sender", func(in *Inbound) { in.Sender = "" }},
		{"missing type", func(in *Inbound) { in.Type = "" }},
		{"no content or media", func(in *Inbound) { in.Content = ""; in.MediaURL = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(&fakeMessages{}, &fakeSessions{}, &fakeLeads{leadID: uuid.New()})
			in := validInbound(tenantID)
			tt.mutate(&in)
			if _, err := svc.SubmitInbound(context.Background(), in); !errors.Is(err, ErrInvalid) {
				t.Fatalf("want ErrInvalid, got %v", err)
			}
		})
	}
}

func TestSubmitInboundStoresMessage(t *testing.T) {
	tenantID := uuid.New()
	leadID := uuid.New()
	msgs := &fakeMessages{}
	svc := NewService(msgs, &fakeSessions{}, &fakeLeads{leadID: leadID})

	ack, err := svc.SubmitInbound(context.Background(), validInbound(tenantID))
	if err != nil {
		t.Fatalf("SubmitInbound: %v", err)
	}
	if ack.Duplicate {
		t.Fatal("first submission flagged as duplicate")
	}
	if ack.LeadID != leadID {
		t.Fatalf("lead id = %s, want %s", ack.LeadID, leadID)
	}
	if ack.MessageID == uuid.Nil || ack.ThreadID == uuid.Nil {
		t.Fatal("ack missing message or thread id")
	}
	if len(msgs.recorded) != 1 {
		t.Fatalf("recorded %d messages, want 1", len(msgs.recorded))
	}
	m := msgs.recorded[0]
	if m.ExternalID != "wamid.123" || m.Peer != "+15550001111" {
		t.Fatalf("message fields not carried over: %+v", m)
	}
}

func TestSubmitInboundDuplicateIsSilentSuccess(t *testing.T) {
	tenantID := uuid.New()
	msgs := &fakeMessages{existing: map[string]bool{"whatsapp/wamid.123": true}}
	svc := NewService(msgs, &fakeSessions{}, &fakeLeads{leadID: uuid.New()})

	ack, err := svc.SubmitInbound(context.Background(), validInbound(tenantID))
	if err != nil {
		t.Fatalf("duplicate submission must not error, got %v", err)
	}
	if !ack.Duplicate {
		t.Fatal("redelivery not flagged as duplicate")
	}
	if len(msgs.recorded) != 0 {
		t.Fatal("duplicate created a second row")
	}
}

func TestSubmitInboundRejectsForeignSession(t *testing.T) {
	tenantA := uuid.New()
	tenantB := uuid.New()
	sessID := uuid.New()
	sessions := &fakeSessions{byID: map[uuid.UUID]*store.ChannelSession{
		sessID: {ID: sessID, TenantID: tenantB, Channel: store.ChannelWhatsApp},
	}}
	msgs := &fakeMessages{}
	svc := NewService(msgs, sessions, &fakeLeads{leadID: uuid.New()})

	in := validInbound(tenantA)
	in.SessionID = &sessID
	if _, err := svc.SubmitInbound(context.Background(), in); !errors.Is(err, store.ErrTenantMismatch) {
		t.Fatalf("want ErrTenantMismatch for foreign session, got %v", err)
	}
	if len(msgs.recorded) != 0 {
		t.Fatal("cross-tenant message was persisted")
	}
}

func TestSubmitInboundRejectsSessionChannelMismatch(t *testing.T) {
	tenantID := uuid.New()
	sessID := uuid.New()
	sessions := &fakeSessions{byID: map[uuid.UUID]*store.ChannelSession{
		sessID: {ID: sessID, TenantID: tenantID, Channel: store.ChannelEmail},
	}}
	svc := NewService(&fakeMessages{}, sessions, &fakeLeads{leadID: uuid.New()})

	in := validInbound(tenantID)
	in.SessionID = &sessID
	if _, err := svc.SubmitInbound(context.Background(), in); !errors.Is(err, store.ErrTenantMismatch) {
		t.Fatalf("want ErrTenantMismatch for channel mismatch, got %v", err)
	}
}

func TestSubmitInboundLeadResolutionFailureIsRetryable(t *testing.T) {
	tenantID := uuid.New()
	msgs := &fakeMessages{}
	leads := &fakeLeads{err: errors.New("crm unavailable")}
	svc := NewService(msgs, &fakeSessions{}, leads)

	if _, err := svc.SubmitInbound(context.Background(), validInbound(tenantID)); err == nil {
		t.Fatal("want error when lead resolution fails")
	}
	if len(msgs.recorded) != 0 {
		t.Fatal("message persisted despite failed lead resolution")
	}
}
