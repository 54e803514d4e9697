// Package insight derives the per-thread summary row consumed by CRM views.
// Insights are recomputed after every decision and on a cron schedule; they
// are pure derived state with no write path into messages or threads.
package insight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// Thread labels, coarsest signal first.
const (
	LabelNeedsHuman        = "needs_human"
	LabelFollowUpScheduled = "follow_up_scheduled"
	LabelAwaitingReply     = "awaiting_reply"
	LabelReplied           = "replied"
	LabelNew               = "new"
)

const historyLimit = 200

// Aggregator computes ThreadInsight rows from message history and thread
// state. Safe for concurrent use.
type Aggregator struct {
	threads  store.ThreadStore
	messages store.MessageStore
	insights store.InsightStore

	cron   string
	window time.Duration
	batch  int
}

func NewAggregator(threads store.ThreadStore, messages store.MessageStore, insights store.InsightStore, cron string, window time.Duration) *Aggregator {
	if window <= 0 {
		window = 30 * time.Minute
	}
	return &Aggregator{
		threads:  threads,
		messages: messages,
		insights: insights,
		cron:     cron,
		window:   window,
		batch:    500,
	}
}

// Refresh recomputes and upserts the insight row for one thread. A follow-up
// time already scheduled in the future survives the recompute.
func (a *Aggregator) Refresh(ctx context.Context, tenantID, threadID uuid.UUID) error {
	thread, err := a.threads.Get(ctx, tenantID, threadID)
	if err != nil {
		return fmt.Errorf("load thread: %w", err)
	}
	history, err := a.messages.ThreadHistory(ctx, tenantID, threadID, historyLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	prev, err := a.insights.Get(ctx, tenantID, threadID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load insight: %w", err)
	}

	next := a.compute(thread, history, prev)
	if err := a.insights.Upsert(ctx, next); err != nil {
		return fmt.Errorf("upsert insight: %w", err)
	}
	return nil
}

// compute is the pure derivation step, kept separate for tests.
func (a *Aggregator) compute(thread *store.Thread, history []store.Message, prev *store.ThreadInsight) *store.ThreadInsight {
	in := &store.ThreadInsight{
		ThreadID: thread.ID,
		TenantID: thread.TenantID,
	}
	if prev != nil && prev.NextFollowupAt != nil && prev.NextFollowupAt.After(time.Now().UTC()) {
		in.NextFollowupAt = prev.NextFollowupAt
		in.NextStep = prev.NextStep
	}

	var inbound, outbound int
	var last *store.Message
	var lastInbound *store.Message
	for i := range history {
		m := &history[i]
		switch m.Direction {
		case store.DirectionInbound:
			inbound++
			lastInbound = m
		case store.DirectionOutbound:
			outbound++
		}
		last = m
	}

	switch {
	case thread.Takeover || thread.AttentionReason != "":
		in.Label = LabelNeedsHuman
		if in.NextStep == "" {
			reason := thread.AttentionReason
			if reason == "" {
				reason = "takeover requested"
			}
			in.NextStep = "operator action required: " + reason
		}
	case in.NextFollowupAt != nil:
		in.Label = LabelFollowUpScheduled
	case last == nil:
		in.Label = LabelNew
	case last.Direction == store.DirectionInbound:
		in.Label = LabelAwaitingReply
		if in.NextStep == "" {
			in.NextStep = "respond to the customer's latest message"
		}
	default:
		in.Label = LabelReplied
	}

	in.Summary = summarize(inbound, outbound, lastInbound)
	return in
}

// summarize builds a one-line digest: message counts plus a snippet of the
// customer's latest message.
func summarize(inbound, outbound int, lastInbound *store.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d inbound / %d outbound messages", inbound, outbound)
	if lastInbound != nil {
		snippet := lastInbound.Content
		if snippet == "" {
			snippet = string(lastInbound.Type) + " message"
		}
		if len(snippet) > 140 {
			snippet = snippet[:140] + "…"
		}
		fmt.Fprintf(&b, "; last from customer: %q", snippet)
	}
	return b.String()
}

// Run refreshes recently active threads on the configured cron schedule
// until the context is cancelled. Single-flight per instance.
func (a *Aggregator) Run(ctx context.Context) {
	slog.Info("insight aggregator started", "cron", a.cron, "window", a.window)
	for {
		next, err := gronx.NextTickAfter(a.cron, time.Now().UTC(), false)
		if err != nil {
			slog.Error("insight cron schedule failed", "cron", a.cron, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(30 * time.Second):
			}
			continue
		}
		select {
		case <-ctx.Done():
			slog.Info("insight aggregator stopped")
			return
		case <-time.After(time.Until(next)):
		}
		a.refreshRecent(ctx)
	}
}

func (a *Aggregator) refreshRecent(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-a.window)
	threads, err := a.threads.ActiveSince(ctx, cutoff, a.batch)
	if err != nil {
		slog.Error("list active threads failed", "error", err)
		return
	}
	var failed int
	for i := range threads {
		if ctx.Err() != nil {
			return
		}
		if err := a.Refresh(ctx, threads[i].TenantID, threads[i].ID); err != nil {
			failed++
			slog.Warn("insight refresh failed", "thread", threads[i].ID, "error", err)
		}
	}
	if len(threads) > 0 {
		slog.Debug("insight refresh pass done", "threads", len(threads), "failed", failed)
	}
}
