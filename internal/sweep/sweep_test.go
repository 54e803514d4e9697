package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

type fakeMessages struct {
	store.MessageStore
	cutoffs []time.Time
}

func (f *fakeMessages) RequeueStuckInbound(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return 2, nil
}

type fakeQueue struct {
	store.QueueStore
	cutoffs []time.Time
}

func (f *fakeQueue) RequeueStuck(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return 1, nil
}

func TestSweepUsesLeaseCutoff(t *testing.T) {
	messages := &fakeMessages{}
	queue := &fakeQueue{}
	lease := 2 * time.Minute
	s := New(messages, queue, "* * * * *", lease)

	before := time.Now().UTC()
	s.Sweep(context.Background())

	if len(messages.cutoffs) != 1 || len(queue.cutoffs) != 1 {
		t.Fatalf("sweep touched inbound %d / outbound %d times, want 1 each",
			len(messages.cutoffs), len(queue.cutoffs))
	}
	for _, cutoff := range []time.Time{messages.cutoffs[0], queue.cutoffs[0]} {
		age := before.Sub(cutoff)
		if age < lease-time.Second || age > lease+time.Second {
			t.Errorf("cutoff %v old, want ~%v (the lease window)", age, lease)
		}
	}
}

func TestNewDefaultsLease(t *testing.T) {
	s := New(&fakeMessages{}, &fakeQueue{}, "* * * * *", 0)
	if s.lease != 2*time.Minute {
		t.Fatalf("default lease = %v, want 2m", s.lease)
	}
}
