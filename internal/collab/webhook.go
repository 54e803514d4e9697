// Package collab implements the external collaborator interfaces (CRM lead
// resolution, policy evaluation, reply generation, channel send) over simple
// JSON webhooks, plus local fallbacks for standalone deployments.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/leadflow/internal/decision"
	"github.com/nextlevelbuilder/leadflow/internal/outbound"
	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// Client posts JSON to collaborator endpoints. One instance is shared across
// all collaborator roles.
type Client struct {
	http  *http.Client
	token string
}

func NewClient(timeout time.Duration, token string) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:  &http.Client{Timeout: timeout},
		token: token,
	}
}

// post sends the request body and decodes a 2xx JSON response into out.
// Non-2xx responses are errors; callers treat them as transient.
func (c *Client) post(ctx context.Context, url string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("collaborator %s returned %d: %s", url, resp.StatusCode, b)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// LeadResolver resolves channel-native sender identities through the CRM.
type LeadResolver struct {
	client *Client
	url    string
}

func NewLeadResolver(client *Client, url string) *LeadResolver {
	return &LeadResolver{client: client, url: url}
}

func (r *LeadResolver) ResolveOrCreate(ctx context.Context, tenantID uuid.UUID, channel store.Channel, externalID, displayName string) (uuid.UUID, error) {
	req := map[string]interface{}{
		"tenant_id":    tenantID,
		"channel":      channel,
		"external_id":  externalID,
		"display_name": displayName,
	}
	var resp struct {
		LeadID uuid.UUID `json:"lead_id"`
	}
	if err := r.client.post(ctx, r.url, req, &resp); err != nil {
		return uuid.Nil, fmt.Errorf("resolve lead: %w", err)
	}
	if resp.LeadID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("resolve lead: collaborator returned empty lead_id")
	}
	return resp.LeadID, nil
}

// Policy evaluates proposed actions against the tenant's rules.
type Policy struct {
	client *Client
	url    string
}

func NewPolicy(client *Client, url string) *Policy {
	return &Policy{client: client, url: url}
}

func (p *Policy) Evaluate(ctx context.Context, tc decision.ThreadContext, action string) (decision.Verdict, error) {
	req := map[string]interface{}{
		"action":    action,
		"tenant_id": tc.Thread.TenantID,
		"thread_id": tc.Thread.ID,
		"lead_id":   tc.Thread.LeadID,
		"channel":   tc.Thread.Channel,
		"message": map[string]interface{}{
			"type":      tc.Latest.Type,
			"content":   tc.Latest.Content,
			"media_url": tc.Latest.MediaURL,
			"timestamp": tc.Latest.ExternalTS,
		},
		"history_count": len(tc.History),
	}
	var resp struct {
		Allow         bool       `json:"allow"`
		ReasonCode    string     `json:"reason_code"`
		RuleTrace     []string   `json:"rule_trace"`
		NextAllowedAt *time.Time `json:"next_allowed_at"`
	}
	if err := p.client.post(ctx, p.url, req, &resp); err != nil {
		return decision.Verdict{}, fmt.Errorf("evaluate policy: %w", err)
	}
	return decision.Verdict{
		Allow:         resp.Allow,
		ReasonCode:    resp.ReasonCode,
		RuleTrace:     resp.RuleTrace,
		NextAllowedAt: resp.NextAllowedAt,
	}, nil
}

// Generator produces reply content from conversation context.
type Generator struct {
	client *Client
	url    string
}

func NewGenerator(client *Client, url string) *Generator {
	return &Generator{client: client, url: url}
}

func (g *Generator) GenerateReply(ctx context.Context, tc decision.ThreadContext) (decision.Reply, error) {
	type turn struct {
		Direction store.Direction   `json:"direction"`
		Type      store.MessageType `json:"type"`
		Content   string            `json:"content"`
	}
	turns := make([]turn, 0, len(tc.History))
	for i := range tc.History {
		m := &tc.History[i]
		turns = append(turns, turn{Direction: m.Direction, Type: m.Type, Content: m.Content})
	}
	req := map[string]interface{}{
		"tenant_id": tc.Thread.TenantID,
		"thread_id": tc.Thread.ID,
		"channel":   tc.Thread.Channel,
		"history":   turns,
		"latest":    tc.Latest.Content,
	}
	var resp struct {
		Content string          `json:"content"`
		Usage   json.RawMessage `json:"usage"`
	}
	if err := g.client.post(ctx, g.url, req, &resp); err != nil {
		return decision.Reply{}, fmt.Errorf("generate reply: %w", err)
	}
	if resp.Content == "" {
		return decision.Reply{}, fmt.Errorf("generate reply: collaborator returned empty content")
	}
	return decision.Reply{Content: resp.Content, Usage: resp.Usage}, nil
}

// Sender performs the channel-specific delivery through the connector.
type Sender struct {
	client *Client
	url    string
}

func NewSender(client *Client, url string) *Sender {
	return &Sender{client: client, url: url}
}

func (s *Sender) Send(ctx context.Context, req outbound.SendRequest) (string, error) {
	body := map[string]interface{}{
		"tenant_id":  req.TenantID,
		"channel":    req.Channel,
		"session_id": req.SessionID,
		"to":         req.To,
		"type":       req.Type,
		"content":    req.Content,
		"media_url":  req.MediaURL,
	}
	var resp struct {
		ExternalID string `json:"external_message_id"`
	}
	if err := s.client.post(ctx, s.url, body, &resp); err != nil {
		return "", fmt.Errorf("channel send: %w", err)
	}
	return resp.ExternalID, nil
}
