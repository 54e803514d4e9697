package collab

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/leadflow/internal/decision"
	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// leadNamespace seeds deterministic lead ids in standalone mode.
var leadNamespace = uuid.MustParse("8f3c8f1a-5a92-4a8f-9c7e-2f4d1b6e0a11")

// LocalLeadResolver derives a stable lead id from the sender identity. Used
// when no CRM endpoint is configured: the same (tenant, channel, sender)
// always maps to the same lead, so threading still works.
type LocalLeadResolver struct{}

func (LocalLeadResolver) ResolveOrCreate(_ context.Context, tenantID uuid.UUID, channel store.Channel, externalID, _ string) (uuid.UUID, error) {
	name := fmt.Sprintf("%s/%s/%s", tenantID, channel, externalID)
	return uuid.NewSHA1(leadNamespace, []byte(name)), nil
}

// DenyPolicy routes every message to human takeover. The fallback when no
// policy endpoint is configured: nothing is auto-sent without a real policy.
type DenyPolicy struct {
	Reason string
}

func (p DenyPolicy) Evaluate(context.Context, decision.ThreadContext, string) (decision.Verdict, error) {
	reason := p.Reason
	if reason == "" {
		reason = "policy_not_configured"
	}
	return decision.Verdict{Allow: false, ReasonCode: reason}, nil
}

// NoGenerator rejects generation. Unreachable behind DenyPolicy, present so
// the worker always has a non-nil collaborator set.
type NoGenerator struct{}

func (NoGenerator) GenerateReply(context.Context, decision.ThreadContext) (decision.Reply, error) {
	return decision.Reply{}, fmt.Errorf("reply generator not configured")
}
