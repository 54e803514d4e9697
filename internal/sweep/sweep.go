// Package sweep recovers work orphaned by crashed workers. Anything claimed
// (inbound processing, outbound sending) past its lease window is returned to
// its pre-claim state so another worker can pick it up.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

type Sweeper struct {
	messages store.MessageStore
	queue    store.QueueStore

	cron  string
	lease time.Duration
}

func New(messages store.MessageStore, queue store.QueueStore, cron string, lease time.Duration) *Sweeper {
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	return &Sweeper{messages: messages, queue: queue, cron: cron, lease: lease}
}

// Run sweeps on the configured cron schedule until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("stale-claim sweeper started", "cron", s.cron, "lease", s.lease)
	for {
		next, err := gronx.NextTickAfter(s.cron, time.Now().UTC(), false)
		if err != nil {
			slog.Error("sweep cron schedule failed", "cron", s.cron, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(30 * time.Second):
			}
			continue
		}
		select {
		case <-ctx.Done():
			slog.Info("stale-claim sweeper stopped")
			return
		case <-time.After(time.Until(next)):
		}
		s.Sweep(ctx)
	}
}

// Sweep runs one recovery pass. Requeued items will be retried; their attempt
// counters are preserved so retry budgets still bound total work.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.lease)

	n, err := s.messages.RequeueStuckInbound(ctx, cutoff)
	if err != nil {
		slog.Error("requeue stuck inbound failed", "error", err)
	} else if n > 0 {
		slog.Warn("requeued stuck inbound messages", "count", n, "cutoff", cutoff)
	}

	n, err = s.queue.RequeueStuck(ctx, cutoff)
	if err != nil {
		slog.Error("requeue stuck outbound failed", "error", err)
	} else if n > 0 {
		slog.Warn("requeued stuck outbound entries", "count", n, "cutoff", cutoff)
	}
}
