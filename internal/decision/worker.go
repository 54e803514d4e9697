// Package decision consumes newly stored inbound messages and routes each
// one to an automated reply, a scheduled follow-up, or human takeover. The
// policy and reply-generation collaborators are injected as opaque
// capabilities; this package owns only the claim/retry/escalation machinery
// around them.
package decision

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

	"github.com/nextlevelbuilder/leadflow/internal/outbound"
	"github.com/nextlevelbuilder/leadflow/internal/store"
	"github.com/nextlevelbuilder/leadflow/internal/telemetry"
)

// ActionAutoReply is the action proposed to the policy collaborator for
// every inbound message; the verdict decides what actually happens.
const ActionAutoReply = "auto_reply"

// Escalation reasons recorded on threads flagged for takeover.
const (
	reasonPolicyDeny       = "policy_handoff"
	reasonRetriesExhausted = "decision_retries_exhausted"
)

// ThreadContext is the conversation context handed to the collaborators.
type ThreadContext struct {
	Thread  store.Thread
	History []store.Message // ordered by channel-native timestamp
	Latest  store.Message   // the inbound message under decision
}

// Reply is generated content plus provider usage metadata kept for audit.
type Reply struct {
	Content string
	Usage   json.RawMessage
}

// Generator is the opaque AI reply-generation capability.
type Generator interface {
	GenerateReply(ctx context.Context, tc ThreadContext) (Reply, error)
}

// Verdict is the policy collaborator's ruling on a proposed action.
type Verdict struct {
	Allow         bool
	ReasonCode    string
	RuleTrace     []string
	NextAllowedAt *time.Time // deny + schedule = follow up then
}

// Policy is the opaque policy/safety-floor capability.
type Policy interface {
	Evaluate(ctx context.Context, tc ThreadContext, action string) (Verdict, error)
}

// Options tune one decision worker.
type Options struct {
	PollInterval    time.Duration
	MaxAttempts     int
	GenerateTimeout time.Duration
	HistoryLimit    int
}

// Refresher receives thread ids whose insight should be recomputed after a
// decision lands. Implemented by the insight aggregator.
type Refresher interface {
	Refresh(ctx context.Context, tenantID, threadID uuid.UUID) error
}

// Worker claims inbound messages and applies decisions. Multiple workers
// may run concurrently; the received→processing claim is exclusive.
type Worker struct {
	messages store.MessageStore
	threads  store.ThreadStore
	insights store.InsightStore
	out      *outbound.Service
	gen      Generator
	policy   Policy
	refresh  Refresher // optional

	opts Options
}

func NewWorker(messages store.MessageStore, threads store.ThreadStore, insights store.InsightStore,
	out *outbound.Service, gen Generator, policy Policy, refresh Refresher, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.GenerateTimeout <= 0 {
		opts.GenerateTimeout = time.Minute
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	return &Worker{
		messages: messages,
		threads:  threads,
		insights: insights,
		out:      out,
		gen:      gen,
		policy:   policy,
		refresh:  refresh,
		opts:     opts,
	}
}

// Run claims and processes inbound messages until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("decision worker started", "poll", w.opts.PollInterval, "max_attempts", w.opts.MaxAttempts)
	for {
		if ctx.Err() != nil {
			slog.Info("decision worker stopped")
			return
		}
		msg, err := w.messages.ClaimNextInbound(ctx, time.Now().UTC())
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				slog.Error("claim inbound failed", "error", err)
			}
			select {
			case <-ctx.Done():
			case <-time.After(w.opts.PollInterval):
			}
			continue
		}
		w.Process(ctx, msg)
	}
}

// Process runs the decision state machine for one claimed message:
// processing → {auto_replied | followed_up | takeover}, or back to received
// on transient collaborator failure.
func (w *Worker) Process(ctx context.Context, msg *store.Message) {
	ctx, span := telemetry.Tracer().Start(ctx, "decision.process",
		trace.WithAttributes(
			attribute.String("message_id", msg.ID.String()),
			attribute.String("channel", string(msg.Channel)),
			attribute.Int("attempt", msg.Attempts),
		))
	defer span.End()

	thread, err := w.threads.Get(ctx, msg.TenantID, msg.ThreadID)
	if err != nil {
		w.recover(ctx, msg, fmt.Errorf("load thread: %w", err))
		return
	}

	// Takeover suppresses automation entirely: the message is recorded for
	// the operator and no collaborator is consulted.
	if thread.Takeover {
		w.finish(ctx, msg, store.StatusTakeover)
		return
	}

	history, err := w.messages.ThreadHistory(ctx, msg.TenantID, msg.ThreadID, w.opts.HistoryLimit)
	if err != nil {
		w.recover(ctx, msg, fmt.Errorf("load history: %w", err))
		return
	}
	tc := ThreadContext{Thread: *thread, History: history, Latest: *msg}

	verdict, err := w.policy.Evaluate(ctx, tc, ActionAutoReply)
	if err != nil {
		w.recover(ctx, msg, fmt.Errorf("evaluate policy: %w", err))
		return
	}
	span.SetAttributes(attribute.Bool("policy_allow", verdict.Allow))

	switch {
	case verdict.Allow:
		w.autoReply(ctx, msg, tc, verdict)
	case verdict.NextAllowedAt != nil:
		w.followUp(ctx, msg, verdict)
	default:
		w.takeover(ctx, msg, verdict)
	}
}

func (w *Worker) autoReply(ctx context.Context, msg *store.Message, tc ThreadContext, verdict Verdict) {
	gctx, cancel := context.WithTimeout(ctx, w.opts.GenerateTimeout)
	reply, err := w.gen.GenerateReply(gctx, tc)
	cancel()
	if err != nil {
		w.recover(ctx, msg, fmt.Errorf("generate reply: %w", err))
		return
	}

	allow := true
	_, _, err = w.out.Enqueue(ctx, outbound.EnqueueRequest{
		TenantID:     msg.TenantID,
		LeadID:       msg.LeadID,
		ThreadID:     msg.ThreadID,
		Channel:      msg.Channel,
		SessionID:    msg.SessionID,
		To:           msg.Peer,
		Type:         store.TypeText,
		Content:      reply.Content,
		PolicyAllow:  &allow,
		PolicyReason: verdict.ReasonCode,
		RuleTrace:    verdict.RuleTrace,
		GenMetadata:  reply.Usage,
	})
	if err != nil {
		w.recover(ctx, msg, fmt.Errorf("enqueue reply: %w", err))
		return
	}
	slog.Info("auto-reply enqueued", "tenant", msg.TenantID, "thread", msg.ThreadID, "message", msg.ID)
	w.finish(ctx, msg, store.StatusAutoReply)
}

func (w *Worker) followUp(ctx context.Context, msg *store.Message, verdict Verdict) {
	nextStep := "follow up with the customer"
	if verdict.ReasonCode != "" {
		nextStep = fmt.Sprintf("follow up (%s)", verdict.ReasonCode)
	}
	if err := w.insights.SetFollowup(ctx, msg.TenantID, msg.ThreadID, *verdict.NextAllowedAt, nextStep); err != nil {
		w.recover(ctx, msg, fmt.Errorf("schedule follow-up: %w", err))
		return
	}
	slog.Info("follow-up scheduled",
		"tenant", msg.TenantID, "thread", msg.ThreadID,
		"at", verdict.NextAllowedAt, "reason", verdict.ReasonCode)
	w.finish(ctx, msg, store.StatusFollowUp)
}

func (w *Worker) takeover(ctx context.Context, msg *store.Message, verdict Verdict) {
	reason := reasonPolicyDeny
	if verdict.ReasonCode != "" {
		reason = verdict.ReasonCode
	}
	if err := w.threads.SetTakeover(ctx, msg.TenantID, msg.ThreadID, true, reason); err != nil {
		w.recover(ctx, msg, fmt.Errorf("flag takeover: %w", err))
		return
	}
	slog.Warn("thread escalated to human takeover",
		"tenant", msg.TenantID, "thread", msg.ThreadID, "reason", reason)
	w.finish(ctx, msg, store.StatusTakeover)
}

func (w *Worker) finish(ctx context.Context, msg *store.Message, status store.MessageStatus) {
	if err := w.messages.FinishInbound(ctx, msg.ID, status); err != nil {
		slog.Error("finish inbound failed", "message", msg.ID, "status", status, "error", err)
		return
	}
	if w.refresh != nil {
		if err := w.refresh.Refresh(ctx, msg.TenantID, msg.ThreadID); err != nil {
			slog.Warn("insight refresh failed", "thread", msg.ThreadID, "error", err)
		}
	}
}

// recover handles a transient collaborator/storage failure: release for
// retry while the attempt budget lasts, then escalate to takeover. Inbound
// messages are never dropped.
func (w *Worker) recover(ctx context.Context, msg *store.Message, cause error) {
	if msg.Attempts < w.opts.MaxAttempts {
		slog.Warn("decision attempt failed, releasing for retry",
			"message", msg.ID, "attempt", msg.Attempts, "error", cause)
		if err := w.messages.ReleaseInbound(ctx, msg.ID); err != nil {
			slog.Error("release inbound failed", "message", msg.ID, "error", err)
		}
		return
	}

	slog.Error("decision retries exhausted, escalating to takeover",
		"message", msg.ID, "attempts", msg.Attempts, "error", cause)
	if err := w.threads.SetTakeover(ctx, msg.TenantID, msg.ThreadID, true, reasonRetriesExhausted); err != nil {
		slog.Error("flag takeover failed", "thread", msg.ThreadID, "error", err)
	}
	if err := w.messages.FinishInbound(ctx, msg.ID, store.StatusTakeover); err != nil {
		slog.Error("finish inbound failed", "message", msg.ID, "error", err)
	}
	if w.refresh != nil {
		if err := w.refresh.Refresh(ctx, msg.TenantID, msg.ThreadID); err != nil {
			slog.Warn("insight refresh failed", "thread", msg.ThreadID, "error", err)
		}
	}
}
