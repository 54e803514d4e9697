package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "leadflow.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func inboundMsg(tenantID, leadID uuid.UUID, externalID string) *store.Message {
	return &store.Message{
		TenantID:   tenantID,
		LeadID:     leadID,
		Channel:    store.ChannelWhatsApp,
		ExternalID: externalID,
		Type:       store.TypeText,
		Content:    "hello there",
		Peer:       "+15550001111",
		ExternalTS: time.Now().UTC(),
	}
}

func TestRecordInboundIdempotent(t *testing.T) {
	db := openTestDB(t)
	messages := NewMessageStore(db)
	ctx := context.Background()
	tenantID, leadID := uuid.New(), uuid.New()

	first := inboundMsg(tenantID, leadID, "wamid.100")
	created, err := messages.RecordInbound(ctx, first)
	if err != nil {
		t.Fatalf("RecordInbound: %v", err)
	}
	if !created {
		t.Fatal("first submission reported as duplicate")
	}

	// Same (tenant, channel, external_id) redelivered: no second row, and
	// the duplicate still resolves to the same thread.
	dup := inboundMsg(tenantID, leadID, "wamid.100")
	created, err = messages.RecordInbound(ctx, dup)
	if err != nil {
		t.Fatalf("RecordInbound duplicate: %v", err)
	}
	if created {
		t.Fatal("duplicate submission reported as created")
	}
	if dup.ThreadID != first.ThreadID {
		t.Fatalf("duplicate assigned thread %s, want %s", dup.ThreadID, first.ThreadID)
	}

	history, err := messages.ThreadHistory(ctx, tenantID, first.ThreadID, 10)
	if err != nil {
		t.Fatalf("ThreadHistory: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history has %d rows, want 1", len(history))
	}
	if history[0].Status != store.StatusReceived || history[0].Direction != store.DirectionInbound {
		t.Fatalf("stored message = %+v", history[0])
	}

	// The key is per tenant: another tenant may reuse the external id.
	created, err = messages.RecordInbound(ctx, inboundMsg(uuid.New(), uuid.New(), "wamid.100"))
	if err != nil {
		t.Fatalf("RecordInbound other tenant: %v", err)
	}
	if !created {
		t.Fatal("external id deduplicated across tenants")
	}
}

func TestEnsureActiveConvergesUnderConcurrency(t *testing.T) {
	db := openTestDB(t)
	threads := NewThreadStore(db)
	tenantID, leadID := uuid.New(), uuid.New()

	const callers = 8
	ids := make([]uuid.UUID, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			th, err := threads.EnsureActive(context.Background(), tenantID, leadID, store.ChannelWhatsApp)
			if err != nil {
				t.Errorf("EnsureActive: %v", err)
				return
			}
			ids[i] = th.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent callers resolved to different threads: %v", ids)
		}
	}
}

func TestEnsureActiveAfterThreadClosed(t *testing.T) {
	db := openTestDB(t)
	threads := NewThreadStore(db)
	ctx := context.Background()
	tenantID, leadID := uuid.New(), uuid.New()

	first, err := threads.EnsureActive(ctx, tenantID, leadID, store.ChannelWhatsApp)
	if err != nil {
		t.Fatalf("EnsureActive: %v", err)
	}
	again, err := threads.EnsureActive(ctx, tenantID, leadID, store.ChannelWhatsApp)
	if err != nil {
		t.Fatalf("EnsureActive again: %v", err)
	}
	if again.ID != first.ID {
		t.Fatal("second call created a second active thread")
	}

	if err := threads.SetStatus(ctx, tenantID, first.ID, store.ThreadClosed); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	reopened, err := threads.EnsureActive(ctx, tenantID, leadID, store.ChannelWhatsApp)
	if err != nil {
		t.Fatalf("EnsureActive after close: %v", err)
	}
	if reopened.ID == first.ID {
		t.Fatal("closed thread reused instead of opening a new one")
	}
}

func TestClaimNextInboundExclusive(t *testing.T) {
	db := openTestDB(t)
	messages := NewMessageStore(db)
	ctx := context.Background()

	msg := inboundMsg(uuid.New(), uuid.New(), "wamid.200")
	if _, err := messages.RecordInbound(ctx, msg); err != nil {
		t.Fatalf("RecordInbound: %v", err)
	}

	now := time.Now().UTC()
	claimed, err := messages.ClaimNextInbound(ctx, now)
	if err != nil {
		t.Fatalf("ClaimNextInbound: %v", err)
	}
	if claimed.ID != msg.ID || claimed.Status != store.StatusProcessing || claimed.Attempts != 1 {
		t.Fatalf("claimed = %+v", claimed)
	}

	if _, err := messages.ClaimNextInbound(ctx, now); err != store.ErrNotFound {
		t.Fatalf("second claim: err = %v, want ErrNotFound", err)
	}

	// Released messages become claimable again with the attempt recorded.
	if err := messages.ReleaseInbound(ctx, msg.ID); err != nil {
		t.Fatalf("ReleaseInbound: %v", err)
	}
	reclaimed, err := messages.ClaimNextInbound(ctx, now)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", reclaimed.Attempts)
	}
}

func TestClaimDueExclusiveAndMarkSent(t *testing.T) {
	db := openTestDB(t)
	threads := NewThreadStore(db)
	messages := NewMessageStore(db)
	queue := NewQueueStore(db)
	ctx := context.Background()
	tenantID, leadID := uuid.New(), uuid.New()

	th, err := threads.EnsureActive(ctx, tenantID, leadID, store.ChannelWhatsApp)
	if err != nil {
		t.Fatalf("EnsureActive: %v", err)
	}
	msg := &store.Message{
		TenantID: tenantID, LeadID: leadID, ThreadID: th.ID,
		Channel: store.ChannelWhatsApp, Type: store.TypeText,
		Content: "your viewing is confirmed", Peer: "+15550002222",
	}
	entry, err := queue.Enqueue(ctx, msg)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if msg.Status != store.StatusQueued || entry.Status != store.QueueQueued {
		t.Fatalf("enqueued msg %q entry %q", msg.Status, entry.Status)
	}

	now := time.Now().UTC().Add(time.Second)
	items, err := queue.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(items) != 1 || items[0].Entry.ID != entry.ID || items[0].Message.ID != msg.ID {
		t.Fatalf("claimed items = %+v", items)
	}
	if items[0].Entry.Status != store.QueueSending {
		t.Fatalf("claimed entry status = %q, want sending", items[0].Entry.Status)
	}

	again, err := queue.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("second ClaimDue: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("entry claimed twice: %+v", again)
	}

	if err := queue.MarkSent(ctx, entry.ID, "wamid.out.1"); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	sent, err := messages.Get(ctx, tenantID, msg.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sent.Status != store.StatusSent || sent.ExternalID != "wamid.out.1" {
		t.Fatalf("sent message = status %q external %q", sent.Status, sent.ExternalID)
	}
}

func TestScanRejectsMalformedTimestamp(t *testing.T) {
	db := openTestDB(t)
	messages := NewMessageStore(db)
	ctx := context.Background()

	msg := inboundMsg(uuid.New(), uuid.New(), "wamid.300")
	if _, err := messages.RecordInbound(ctx, msg); err != nil {
		t.Fatalf("RecordInbound: %v", err)
	}
	if _, err := db.Exec(`UPDATE messages SET external_ts = 'garbage' WHERE id = ?`, msg.ID.String()); err != nil {
		t.Fatal(err)
	}

	// A corrupt timestamp must surface, not silently become the zero time
	// and reorder the thread history.
	_, err := messages.Get(ctx, msg.TenantID, msg.ID)
	if err == nil {
		t.Fatal("malformed timestamp read back without error")
	}
	if !strings.Contains(err.Error(), "malformed stored timestamp") {
		t.Fatalf("err = %v", err)
	}
}
