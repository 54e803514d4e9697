package outbound

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

type rescheduleCall struct {
	retryCount int
	nextAt     time.Time
	lastErr    string
}

type fakeQueue struct {
	store.QueueStore
	sent        []string // external ids passed to MarkSent
	rescheduled []rescheduleCall
	dead        []string // last errors passed to MarkDead
}

func (f *fakeQueue) MarkSent(_ context.Context, _ uuid.UUID, externalID string) error {
	f.sent = append(f.sent, externalID)
	return nil
}

func (f *fakeQueue) Reschedule(_ context.Context, _ uuid.UUID, retryCount int, nextAttempt time.Time, lastErr string) error {
	f.rescheduled = append(f.rescheduled, rescheduleCall{retryCount, nextAttempt, lastErr})
	return nil
}

func (f *fakeQueue) MarkDead(_ context.Context, _ uuid.UUID, lastErr string) error {
	f.dead = append(f.dead, lastErr)
	return nil
}

type fakeThreads struct {
	store.ThreadStore
	attention []string
}

func (f *fakeThreads) SetAttention(_ context.Context, _, _ uuid.UUID, reason string) error {
	f.attention = append(f.attention, reason)
	return nil
}

type scriptedSender struct {
	results []error // one per call, last repeats
	calls   int
}

func (s *scriptedSender) Send(context.Context, SendRequest) (string, error) {
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	if err := s.results[i]; err != nil {
		return "", err
	}
	return "ext-42", nil
}

func outboundItem(retryCount int) *store.OutboundItem {
	return &store.OutboundItem{
		Entry: store.QueueEntry{
			ID:         store.GenNewID(),
			MessageID:  store.GenNewID(),
			TenantID:   uuid.New(),
			Status:     store.QueueSending,
			RetryCount: retryCount,
		},
		Message: store.Message{
			ID:       store.GenNewID(),
			TenantID: uuid.New(),
			ThreadID: store.GenNewID(),
			Channel:  store.ChannelWhatsApp,
			Peer:     "+15550002222",
			Type:     store.TypeText,
			Content:  "your viewing is confirmed",
		},
	}
}

func TestDispatchFailTwiceThenSucceed(t *testing.T) {
	queue := &fakeQueue{}
	threads := &fakeThreads{}
	sender := &scriptedSender{results: []error{
		errors.New("connector timeout"),
		errors.New("connector timeout"),
		nil,
	}}
	d := NewDispatcher(queue, threads, sender, DispatcherOptions{
		MaxRetries:  3,
		BackoffBase: 2 * time.Second,
	})

	// Attempt 1 fails: back to queued with retry_count 1.
	d.dispatch(context.Background(), outboundItem(0))
	// Attempt 2 fails: retry_count 2.
	d.dispatch(context.Background(), outboundItem(1))
	// Attempt 3 succeeds.
	d.dispatch(context.Background(), outboundItem(2))

	if len(queue.rescheduled) != 2 {
		t.Fatalf("rescheduled %d times, want 2", len(queue.rescheduled))
	}
	if queue.rescheduled[0].retryCount != 1 || queue.rescheduled[1].retryCount != 2 {
		t.Fatalf("retry counts = %d, %d; want 1, 2",
			queue.rescheduled[0].retryCount, queue.rescheduled[1].retryCount)
	}
	if len(queue.sent) != 1 || queue.sent[0] != "ext-42" {
		t.Fatalf("sent = %v, want one send with ext-42", queue.sent)
	}
	if len(queue.dead) != 0 {
		t.Fatal("entry dead-lettered despite eventual success")
	}
}

func TestDispatchExponentialBackoffSchedule(t *testing.T) {
	queue := &fakeQueue{}
	sender := &scriptedSender{results: []error{errors.New("boom")}}
	base := 2 * time.Second
	d := NewDispatcher(queue, &fakeThreads{}, sender, DispatcherOptions{
		MaxRetries:  5,
		BackoffBase: base,
	})

	before := time.Now().UTC()
	d.dispatch(context.Background(), outboundItem(0))
	d.dispatch(context.Background(), outboundItem(1))

	wantDelays := []time.Duration{base * 2, base * 4}
	for i, call := range queue.rescheduled {
		delay := call.nextAt.Sub(before)
		if delay < wantDelays[i] || delay > wantDelays[i]+time.Second {
			t.Errorf("attempt %d scheduled %v out, want ~%v", i+1, delay, wantDelays[i])
		}
		if call.lastErr == "" {
			t.Errorf("attempt %d did not record last error", i+1)
		}
	}
}

func TestDispatchDeadLettersAfterMaxRetries(t *testing.T) {
	queue := &fakeQueue{}
	threads := &fakeThreads{}
	sender := &scriptedSender{results: []error{errors.New("permanent failure")}}
	d := NewDispatcher(queue, threads, sender, DispatcherOptions{
		MaxRetries:  3,
		BackoffBase: time.Second,
	})

	d.dispatch(context.Background(), outboundItem(0))
	d.dispatch(context.Background(), outboundItem(1))
	// Third attempt exhausts the budget.
	d.dispatch(context.Background(), outboundItem(2))

	if sender.calls != 3 {
		t.Fatalf("sender called %d times, want exactly 3", sender.calls)
	}
	if len(queue.dead) != 1 {
		t.Fatalf("dead-lettered %d entries, want 1", len(queue.dead))
	}
	if queue.dead[0] != "permanent failure" {
		t.Fatalf("last_error = %q, want the send error", queue.dead[0])
	}
	if len(threads.attention) != 1 || threads.attention[0] != "delivery_failed" {
		t.Fatalf("thread attention = %v, want [delivery_failed]", threads.attention)
	}
}

func TestUpdatePolicyAppliesToLaterAttempts(t *testing.T) {
	queue := &fakeQueue{}
	sender := &scriptedSender{results: []error{errors.New("down")}}
	d := NewDispatcher(queue, &fakeThreads{}, sender, DispatcherOptions{
		MaxRetries:  3,
		BackoffBase: time.Second,
	})

	d.UpdatePolicy(2, 4*time.Second)
	before := time.Now().UTC()
	d.dispatch(context.Background(), outboundItem(0))

	if len(queue.rescheduled) != 1 {
		t.Fatalf("want a reschedule under the new max of 2, got %v", queue.dead)
	}
	delay := queue.rescheduled[0].nextAt.Sub(before)
	if delay < 8*time.Second || delay > 9*time.Second {
		t.Fatalf("delay %v does not reflect reloaded backoff base", delay)
	}

	// retry_count 1 is the second and final attempt under max 2.
	d.dispatch(context.Background(), outboundItem(1))
	if len(queue.dead) != 1 {
		t.Fatal("entry not dead-lettered at the reloaded retry cap")
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 2 * time.Second
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(base, tt.retry); got != tt.want {
			t.Errorf("backoffDelay(%v, %d) = %v, want %v", base, tt.retry, got, tt.want)
		}
	}
}
