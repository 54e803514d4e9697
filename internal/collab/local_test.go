package collab

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/leadflow/internal/decision"
	"github.com/nextlevelbuilder/leadflow/internal/store"
)

func TestLocalLeadResolverIsDeterministic(t *testing.T) {
	r := LocalLeadResolver{}
	tenantID := uuid.New()

	a, err := r.ResolveOrCreate(context.Background(), tenantID, store.ChannelWhatsApp, "+15550008888", "Ada")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := r.ResolveOrCreate(context.Background(), tenantID, store.ChannelWhatsApp, "+15550008888", "different display name")
	if a != b {
		t.Fatal("same sender resolved to different leads")
	}

	other, _ := r.ResolveOrCreate(context.Background(), uuid.New(), store.ChannelWhatsApp, "+15550008888", "Ada")
	if a == other {
		t.Fatal("lead ids collide across tenants")
	}
	crossChannel, _ := r.ResolveOrCreate(context.Background(), tenantID, store.ChannelEmail, "+15550008888", "Ada")
	if a == crossChannel {
		t.Fatal("lead ids collide across channels")
	}
}

func TestDenyPolicyEscalates(t *testing.T) {
	v, err := DenyPolicy{}.Evaluate(context.Background(), decision.ThreadContext{}, "auto_reply")
	if err != nil {
		t.Fatal(err)
	}
	if v.Allow {
		t.Fatal("fallback policy allowed an action")
	}
	if v.NextAllowedAt != nil {
		t.Fatal("fallback policy scheduled a follow-up instead of takeover")
	}
	if v.ReasonCode != "policy_not_configured" {
		t.Fatalf("reason = %q", v.ReasonCode)
	}
}
