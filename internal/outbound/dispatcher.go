package outbound

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/leadflow/internal/store"
	"github.com/nextlevelbuilder/leadflow/internal/telemetry"
)

// SendRequest is passed to the channel-specific send capability.
type SendRequest struct {
	TenantID  uuid.UUID
	Channel   store.Channel
	SessionID *uuid.UUID
	To        string
	Type      store.MessageType
	Content   string
	MediaURL  string
}

// Sender is the external connector capability that performs the actual
// channel send. It returns the channel-native message id when available.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (string, error)
}

// DispatcherOptions tune one dispatcher worker. MaxRetries and BackoffBase
// may be updated at runtime via UpdatePolicy (config hot reload).
type DispatcherOptions struct {
	PollInterval  time.Duration
	BatchSize     int
	MaxRetries    int
	BackoffBase   time.Duration
	SendTimeout   time.Duration
	RatePerMinute map[string]int // per channel, 0 = unlimited
}

// Dispatcher drains the outbound queue. Several instances may run
// concurrently; the exclusive queued→sending claim in the store keeps each
// entry with exactly one worker.
type Dispatcher struct {
	queue   store.QueueStore
	threads store.ThreadStore
	sender  Sender

	pollInterval time.Duration
	batchSize    int
	sendTimeout  time.Duration

	mu          sync.RWMutex
	maxRetries  int
	backoffBase time.Duration

	limitersMu sync.Mutex
	limiters   map[store.Channel]*rate.Limiter
	rpm        map[string]int
}

func NewDispatcher(queue store.QueueStore, threads store.ThreadStore, sender Sender, opts DispatcherOptions) *Dispatcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 3 * time.Second
	}
	return &Dispatcher{
		queue:        queue,
		threads:      threads,
		sender:       sender,
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
		sendTimeout:  opts.SendTimeout,
		maxRetries:   opts.MaxRetries,
		backoffBase:  opts.BackoffBase,
		limiters:     make(map[store.Channel]*rate.Limiter),
		rpm:          opts.RatePerMinute,
	}
}

// UpdatePolicy applies reloaded retry tuning to subsequent attempts.
func (d *Dispatcher) UpdatePolicy(maxRetries int, backoffBase time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if maxRetries > 0 {
		d.maxRetries = maxRetries
	}
	if backoffBase > 0 {
		d.backoffBase = backoffBase
	}
}

func (d *Dispatcher) policy() (int, time.Duration) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.maxRetries, d.backoffBase
}

// Run polls for due queue entries until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("outbound dispatcher started", "poll", d.pollInterval, "batch", d.batchSize)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("outbound dispatcher stopped")
			return
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

// drain claims and dispatches due entries until the due set is empty.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		items, err := d.queue.ClaimDue(ctx, time.Now().UTC(), d.batchSize)
		if err != nil {
			slog.Error("claim due outbound failed", "error", err)
			return
		}
		for i := range items {
			d.dispatch(ctx, &items[i])
		}
		if len(items) < d.batchSize {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, item *store.OutboundItem) {
	m := &item.Message
	ctx, span := telemetry.Tracer().Start(ctx, "outbound.dispatch",
		trace.WithAttributes(
			attribute.String("channel", string(m.Channel)),
			attribute.String("message_id", m.ID.String()),
			attribute.Int("retry", item.Entry.RetryCount),
		))
	defer span.End()

	if lim := d.limiter(m.Channel); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			// Shutdown mid-wait: release the claim back to the queue so
			// another worker picks it up promptly after restart.
			d.release(item, "rate limit wait interrupted: "+err.Error())
			return
		}
	}

	sctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	externalID, err := d.sender.Send(sctx, SendRequest{
		TenantID:  m.TenantID,
		Channel:   m.Channel,
		SessionID: m.SessionID,
		To:        m.Peer,
		Type:      m.Type,
		Content:   m.Content,
		MediaURL:  m.MediaURL,
	})
	cancel()

	if err == nil {
		if err := d.queue.MarkSent(ctx, item.Entry.ID, externalID); err != nil {
			slog.Error("mark sent failed", "entry", item.Entry.ID, "error", err)
			return
		}
		slog.Info("outbound sent",
			"tenant", m.TenantID, "channel", m.Channel,
			"message", m.ID, "external_id", externalID,
			"retries", item.Entry.RetryCount)
		return
	}

	maxRetries, backoffBase := d.policy()
	retries := item.Entry.RetryCount + 1
	if retries < maxRetries {
		next := time.Now().UTC().Add(backoffDelay(backoffBase, retries))
		if rerr := d.queue.Reschedule(ctx, item.Entry.ID, retries, next, err.Error()); rerr != nil {
			slog.Error("reschedule failed", "entry", item.Entry.ID, "error", rerr)
			return
		}
		slog.Warn("outbound send failed, will retry",
			"tenant", m.TenantID, "channel", m.Channel, "message", m.ID,
			"retry", retries, "next_attempt", next, "error", err)
		return
	}

	// Retry budget exhausted: dead-letter, surface on the thread.
	if derr := d.queue.MarkDead(ctx, item.Entry.ID, err.Error()); derr != nil {
		slog.Error("mark dead failed", "entry", item.Entry.ID, "error", derr)
		return
	}
	if aerr := d.threads.SetAttention(ctx, m.TenantID, m.ThreadID, "delivery_failed"); aerr != nil && !errors.Is(aerr, store.ErrNotFound) {
		slog.Error("flag thread attention failed", "thread", m.ThreadID, "error", aerr)
	}
	slog.Error("outbound dead-lettered",
		"tenant", m.TenantID, "channel", m.Channel, "message", m.ID,
		"attempts", retries, "error", err)
}

// release puts a claimed entry back in the queue without burning a retry.
func (d *Dispatcher) release(item *store.OutboundItem, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.queue.Reschedule(ctx, item.Entry.ID, item.Entry.RetryCount, time.Now().UTC(), reason); err != nil {
		slog.Error("release claim failed", "entry", item.Entry.ID, "error", err)
	}
}

func (d *Dispatcher) limiter(ch store.Channel) *rate.Limiter {
	perMin := d.rpm[string(ch)]
	if perMin <= 0 {
		return nil
	}
	d.limitersMu.Lock()
	defer d.limitersMu.Unlock()
	lim, ok := d.limiters[ch]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
		d.limiters[ch] = lim
	}
	return lim
}

// backoffDelay is base × 2^retry.
func backoffDelay(base time.Duration, retry int) time.Duration {
	if retry > 16 {
		retry = 16
	}
	return base * time.Duration(1<<uint(retry))
}
