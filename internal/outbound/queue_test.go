package outbound

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

type enqueueFakeQueue struct {
	store.QueueStore
	enqueued []*store.Message
	err      error
}

func (f *enqueueFakeQueue) Enqueue(_ context.Context, m *store.Message) (*store.QueueEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	m.ID = store.GenNewID()
	f.enqueued = append(f.enqueued, m)
	return &store.QueueEntry{ID: store.GenNewID(), MessageID: m.ID, Status: store.QueueQueued}, nil
}

type ensureFakeThreads struct {
	store.ThreadStore
	thread *store.Thread
	calls  int
}

func (f *ensureFakeThreads) EnsureActive(_ context.Context, tenantID, leadID uuid.UUID, ch store.Channel) (*store.Thread, error) {
	f.calls++
	if f.thread == nil {
		f.thread = &store.Thread{
			ID: store.GenNewID(), TenantID: tenantID, LeadID: leadID,
			Channel: ch, Status: store.ThreadActive,
		}
	}
	return f.thread, nil
}

func (f *ensureFakeThreads) Get(_ context.Context, tenantID, threadID uuid.UUID) (*store.Thread, error) {
	if f.thread != nil && f.thread.ID == threadID && f.thread.TenantID == tenantID {
		return f.thread, nil
	}
	return nil, store.ErrNotFound
}

func validEnqueue() EnqueueRequest {
	return EnqueueRequest{
		TenantID: uuid.New(),
		LeadID:   uuid.New(),
		Channel:  store.ChannelWhatsApp,
		To:       "+15550003333",
		Content:  "thanks for reaching out",
	}
}

func TestEnqueueValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*EnqueueRequest)
	}{
		{"missing tenant", func(r *EnqueueRequest) { r.TenantID = uuid.Nil }},
		{"missing lead", func(r *EnqueueRequest) { r.LeadID = uuid.Nil }},
		{"missing channel", func(r *EnqueueRequest) { r.Channel = "" }},
		{"missing recipient", func(r *EnqueueRequest) { r.To = "" }},
		{"no content or media", func(r *EnqueueRequest) { r.Content = ""; r.MediaURL = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(&ensureFakeThreads{}, &enqueueFakeQueue{})
			req := validEnqueue()
			tt.mutate(&req)
			if _, _, err := svc.Enqueue(context.Background(), req); !errors.Is(err, ErrInvalid) {
				t.Fatalf("want ErrInvalid, got %v", err)
			}
		})
	}
}

func TestEnqueueResolvesActiveThread(t *testing.T) {
	threads := &ensureFakeThreads{}
	queue := &enqueueFakeQueue{}
	svc := NewService(threads, queue)

	msg, entry, err := svc.Enqueue(context.Background(), validEnqueue())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if threads.calls != 1 {
		t.Fatalf("EnsureActive called %d times, want 1", threads.calls)
	}
	if msg.ThreadID != threads.thread.ID {
		t.Fatal("message not assigned to the resolved thread")
	}
	if msg.Type != store.TypeText {
		t.Fatalf("type defaulted to %q, want text", msg.Type)
	}
	if entry.Status != store.QueueQueued {
		t.Fatalf("entry status = %q, want queued", entry.Status)
	}
}

func TestEnqueueKeepsExplicitThread(t *testing.T) {
	req := validEnqueue()
	threads := &ensureFakeThreads{thread: &store.Thread{
		ID: store.GenNewID(), TenantID: req.TenantID, LeadID: req.LeadID,
		Channel: req.Channel, Status: store.ThreadActive,
	}}
	queue := &enqueueFakeQueue{}
	svc := NewService(threads, queue)

	req.ThreadID = threads.thread.ID
	msg, _, err := svc.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if threads.calls != 0 {
		t.Fatal("thread resolved even though one was supplied")
	}
	if msg.ThreadID != req.ThreadID {
		t.Fatal("explicit thread id not honored")
	}
}

func TestEnqueueRejectsForeignThread(t *testing.T) {
	// The thread belongs to another tenant; enqueueing onto it must be
	// refused without touching the queue.
	req := validEnqueue()
	threads := &ensureFakeThreads{thread: &store.Thread{
		ID: store.GenNewID(), TenantID: uuid.New(), LeadID: uuid.New(),
		Channel: req.Channel, Status: store.ThreadActive,
	}}
	queue := &enqueueFakeQueue{}
	svc := NewService(threads, queue)

	req.ThreadID = threads.thread.ID
	if _, _, err := svc.Enqueue(context.Background(), req); !errors.Is(err, store.ErrTenantMismatch) {
		t.Fatalf("want ErrTenantMismatch, got %v", err)
	}
	if len(queue.enqueued) != 0 {
		t.Fatal("message enqueued onto a foreign thread")
	}
}

func TestEnqueueRejectsThreadChannelMismatch(t *testing.T) {
	req := validEnqueue()
	threads := &ensureFakeThreads{thread: &store.Thread{
		ID: store.GenNewID(), TenantID: req.TenantID, LeadID: req.LeadID,
		Channel: store.ChannelEmail, Status: store.ThreadActive,
	}}
	queue := &enqueueFakeQueue{}
	svc := NewService(threads, queue)

	req.ThreadID = threads.thread.ID // whatsapp request, email thread
	if _, _, err := svc.Enqueue(context.Background(), req); !errors.Is(err, store.ErrTenantMismatch) {
		t.Fatalf("want ErrTenantMismatch, got %v", err)
	}
	if len(queue.enqueued) != 0 {
		t.Fatal("message enqueued despite channel mismatch")
	}
}

func TestEnqueueCarriesPolicyEnrichment(t *testing.T) {
	queue := &enqueueFakeQueue{}
	svc := NewService(&ensureFakeThreads{}, queue)

	allow := true
	req := validEnqueue()
	req.PolicyAllow = &allow
	req.PolicyReason = "within_hours"
	req.RuleTrace = []string{"tenant_rules:ok", "quiet_hours:ok"}
	if _, _, err := svc.Enqueue(context.Background(), req); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	m := queue.enqueued[0]
	if m.PolicyAllow == nil || !*m.PolicyAllow || m.PolicyReason != "within_hours" {
		t.Fatalf("policy verdict not persisted: %+v", m)
	}
	if len(m.RuleTrace) != 2 {
		t.Fatalf("rule trace = %v, want 2 entries", m.RuleTrace)
	}
}
