package insight

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

func testThread() *store.Thread {
	return &store.Thread{
		ID:       store.GenNewID(),
		TenantID: uuid.New(),
		LeadID:   uuid.New(),
		Channel:  store.ChannelWhatsApp,
		Status:   store.ThreadActive,
	}
}

func msg(dir store.Direction, content string) store.Message {
	return store.Message{
		ID:        store.GenNewID(),
		Direction: dir,
		Type:      store.TypeText,
		Content:   content,
	}
}

func newTestAggregator() *Aggregator {
	return NewAggregator(nil, nil, nil, "*/5 * * * *", 30*time.Minute)
}

func TestComputeLabels(t *testing.T) {
	a := newTestAggregator()
	tests := []struct {
		name    string
		thread  func(*store.Thread)
		history []store.Message
		want    string
	}{
		{
			name: "empty thread", want: LabelNew,
		},
		{
			name:    "last message from customer",
			history: []store.Message{msg(store.DirectionInbound, "hello?")},
			want:    LabelAwaitingReply,
		},
		{
			name: "last message from us",
			history: []store.Message{
				msg(store.DirectionInbound, "hello?"),
				msg(store.DirectionOutbound, "hi, how can we help?"),
			},
			want: LabelReplied,
		},
		{
			name:   "takeover wins over history",
			thread: func(th *store.Thread) { th.Takeover = true },
			history: []store.Message{
				msg(store.DirectionOutbound, "hi"),
			},
			want: LabelNeedsHuman,
		},
		{
			name:   "attention reason wins over history",
			thread: func(th *store.Thread) { th.AttentionReason = "delivery_failed" },
			want:   LabelNeedsHuman,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := testThread()
			if tt.thread != nil {
				tt.thread(th)
			}
			in := a.compute(th, tt.history, nil)
			if in.Label != tt.want {
				t.Fatalf("label = %q, want %q", in.Label, tt.want)
			}
			if in.ThreadID != th.ID || in.TenantID != th.TenantID {
				t.Fatal("insight not keyed to the thread")
			}
		})
	}
}

func TestComputePreservesFutureFollowup(t *testing.T) {
	a := newTestAggregator()
	th := testThread()
	future := time.Now().UTC().Add(2 * time.Hour)
	prev := &store.ThreadInsight{
		ThreadID:       th.ID,
		TenantID:       th.TenantID,
		NextStep:       "follow up (quiet_hours)",
		NextFollowupAt: &future,
	}

	in := a.compute(th, []store.Message{msg(store.DirectionInbound, "ping")}, prev)
	if in.NextFollowupAt == nil || !in.NextFollowupAt.Equal(future) {
		t.Fatal("future follow-up time lost on recompute")
	}
	if in.NextStep != prev.NextStep {
		t.Fatal("scheduled next step lost on recompute")
	}
	if in.Label != LabelFollowUpScheduled {
		t.Fatalf("label = %q, want %q", in.Label, LabelFollowUpScheduled)
	}
}

func TestComputeDropsExpiredFollowup(t *testing.T) {
	a := newTestAggregator()
	th := testThread()
	past := time.Now().UTC().Add(-time.Hour)
	prev := &store.ThreadInsight{NextFollowupAt: &past, NextStep: "stale"}

	in := a.compute(th, []store.Message{msg(store.DirectionInbound, "ping")}, prev)
	if in.NextFollowupAt != nil {
		t.Fatal("expired follow-up carried over")
	}
	if in.Label != LabelAwaitingReply {
		t.Fatalf("label = %q, want %q", in.Label, LabelAwaitingReply)
	}
}

func TestComputeSummary(t *testing.T) {
	a := newTestAggregator()
	th := testThread()
	history := []store.Message{
		msg(store.DirectionInbound, "is the 2br still available?"),
		msg(store.DirectionOutbound, "yes, want a viewing?"),
		msg(store.DirectionInbound, "yes please, tomorrow"),
	}

	in := a.compute(th, history, nil)
	if !strings.Contains(in.Summary, "2 inbound / 1 outbound") {
		t.Fatalf("summary missing counts: %q", in.Summary)
	}
	if !strings.Contains(in.Summary, "yes please, tomorrow") {
		t.Fatalf("summary missing latest customer message: %q", in.Summary)
	}
}

func TestSummarizeMediaOnlyMessage(t *testing.T) {
	m := store.Message{Direction: store.DirectionInbound, Type: store.TypeImage, MediaURL: "https://cdn/x.jpg"}
	got := summarize(1, 0, &m)
	if !strings.Contains(got, "image message") {
		t.Fatalf("media-only snippet = %q", got)
	}
}
