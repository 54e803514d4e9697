package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/leadflow/internal/intake"
	"github.com/nextlevelbuilder/leadflow/internal/outbound"
	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// Handler carries the API's dependencies.
type Handler struct {
	intake   *intake.Service
	outbound *outbound.Service
	stores   *store.Stores
	token    string
}

func NewHandler(in *intake.Service, out *outbound.Service, stores *store.Stores, token string) *Handler {
	return &Handler{intake: in, outbound: out, stores: stores, token: token}
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/inbound", h.auth(h.handleInbound))
	mux.HandleFunc("POST /v1/outbound", h.auth(h.handleOutbound))
	mux.HandleFunc("GET /v1/threads/{id}/messages", h.auth(h.handleThreadMessages))
	mux.HandleFunc("GET /v1/threads/{id}/insight", h.auth(h.handleThreadInsight))
	mux.HandleFunc("GET /v1/threads/attention", h.auth(h.handleThreadsAttention))
	mux.HandleFunc("PUT /v1/sessions", h.auth(h.handleSessionUpsert))
	mux.HandleFunc("GET /v1/queue/dead", h.auth(h.handleDeadLetters))
}

func (h *Handler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			if extractBearerToken(r) != h.token {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

// writeErr maps service errors onto HTTP statuses. Cross-tenant attempts are
// logged as security events and answered without detail.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, intake.ErrInvalid) || errors.Is(err, outbound.ErrInvalid):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, store.ErrTenantMismatch):
		slog.Warn("security event: cross-tenant request rejected",
			"path", r.URL.Path, "remote", r.RemoteAddr)
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, store.ErrAlreadyQueued):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "message already queued"})
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return false
	}
	return true
}

// tenantParam parses the mandatory tenant_id query parameter.
func tenantParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant_id required"})
		return uuid.Nil, false
	}
	return id, true
}

func limitParam(r *http.Request, def, max int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= max {
			return n
		}
	}
	return def
}

func (h *Handler) handleInbound(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID   uuid.UUID         `json:"tenant_id"`
		Channel    store.Channel     `json:"channel"`
		SessionID  *uuid.UUID        `json:"session_id"`
		ExternalID string            `json:"external_message_id"`
		Sender     string            `json:"sender"`
		SenderName string            `json:"sender_name"`
		Timestamp  time.Time         `json:"timestamp"`
		Type       store.MessageType `json:"type"`
		Content    string            `json:"content"`
		MediaURL   string            `json:"media_url"`
		Raw        json.RawMessage   `json:"raw"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	ack, err := h.intake.SubmitInbound(r.Context(), intake.Inbound{
		TenantID:   body.TenantID,
		Channel:    body.Channel,
		SessionID:  body.SessionID,
		ExternalID: body.ExternalID,
		Sender:     body.Sender,
		SenderName: body.SenderName,
		Timestamp:  body.Timestamp,
		Type:       body.Type,
		Content:    body.Content,
		MediaURL:   body.MediaURL,
		Raw:        body.Raw,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if ack.Duplicate {
		writeJSON(w, http.StatusOK, map[string]interface{}{"duplicate": true})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message_id": ack.MessageID,
		"thread_id":  ack.ThreadID,
		"lead_id":    ack.LeadID,
	})
}

func (h *Handler) handleOutbound(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID  uuid.UUID         `json:"tenant_id"`
		LeadID    uuid.UUID         `json:"lead_id"`
		ThreadID  uuid.UUID         `json:"thread_id"`
		Channel   store.Channel     `json:"channel"`
		SessionID *uuid.UUID        `json:"session_id"`
		To        string            `json:"to"`
		Type      store.MessageType `json:"type"`
		Content   string            `json:"content"`
		MediaURL  string            `json:"media_url"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	msg, entry, err := h.outbound.Enqueue(r.Context(), outbound.EnqueueRequest{
		TenantID:  body.TenantID,
		LeadID:    body.LeadID,
		ThreadID:  body.ThreadID,
		Channel:   body.Channel,
		SessionID: body.SessionID,
		To:        body.To,
		Type:      body.Type,
		Content:   body.Content,
		MediaURL:  body.MediaURL,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message_id":      msg.ID,
		"thread_id":       msg.ThreadID,
		"queue_entry_id":  entry.ID,
		"next_attempt_at": entry.NextAttemptAt,
	})
}

func (h *Handler) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}
	threadID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid thread id"})
		return
	}

	// 404 for an unknown thread rather than an empty list.
	if _, err := h.stores.Threads.Get(r.Context(), tenantID, threadID); err != nil {
		writeErr(w, r, err)
		return
	}
	msgs, err := h.stores.Messages.ThreadHistory(r.Context(), tenantID, threadID, limitParam(r, 100, 500))
	if err != nil {
		writeErr(w, r, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(msgs))
	for i := range msgs {
		out = append(out, messageView(&msgs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": out, "count": len(out)})
}

func (h *Handler) handleThreadInsight(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}
	threadID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid thread id"})
		return
	}

	in, err := h.stores.Insights.Get(r.Context(), tenantID, threadID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"thread_id":        in.ThreadID,
		"label":            in.Label,
		"summary":          in.Summary,
		"next_step":        in.NextStep,
		"next_followup_at": in.NextFollowupAt,
		"updated_at":       in.UpdatedAt,
	})
}

func (h *Handler) handleThreadsAttention(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}
	threads, err := h.stores.Threads.NeedsAttention(r.Context(), tenantID, limitParam(r, 50, 200))
	if err != nil {
		writeErr(w, r, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(threads))
	for _, t := range threads {
		out = append(out, map[string]interface{}{
			"thread_id":        t.ID,
			"lead_id":          t.LeadID,
			"channel":          t.Channel,
			"status":           t.Status,
			"takeover":         t.Takeover,
			"attention_reason": t.AttentionReason,
			"updated_at":       t.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"threads": out, "count": len(out)})
}

func (h *Handler) handleSessionUpsert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID       uuid.UUID           `json:"tenant_id"`
		Channel        store.Channel       `json:"channel"`
		Identifier     string              `json:"identifier"`
		Status         store.SessionStatus `json:"status"`
		Metadata       json.RawMessage     `json:"metadata"`
		ConnectedAt    *time.Time          `json:"connected_at"`
		DisconnectedAt *time.Time          `json:"disconnected_at"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.TenantID == uuid.Nil || body.Channel == "" || body.Identifier == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant_id, channel and identifier required"})
		return
	}
	if body.Status == "" {
		body.Status = store.SessionActive
	}

	sess := &store.ChannelSession{
		TenantID:       body.TenantID,
		Channel:        body.Channel,
		Identifier:     body.Identifier,
		Status:         body.Status,
		Metadata:       body.Metadata,
		ConnectedAt:    body.ConnectedAt,
		DisconnectedAt: body.DisconnectedAt,
	}
	if err := h.stores.Sessions.Upsert(r.Context(), sess); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sess.ID,
		"status":     sess.Status,
	})
}

func (h *Handler) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}
	items, err := h.stores.Queue.DeadLetters(r.Context(), tenantID, limitParam(r, 50, 200))
	if err != nil {
		writeErr(w, r, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(items))
	for i := range items {
		it := &items[i]
		out = append(out, map[string]interface{}{
			"queue_entry_id": it.Entry.ID,
			"retry_count":    it.Entry.RetryCount,
			"last_error":     it.Entry.LastError,
			"dead_at":        it.Entry.UpdatedAt,
			"message":        messageView(&it.Message),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"dead": out, "count": len(out)})
}

func messageView(m *store.Message) map[string]interface{} {
	v := map[string]interface{}{
		"id":         m.ID,
		"thread_id":  m.ThreadID,
		"lead_id":    m.LeadID,
		"channel":    m.Channel,
		"direction":  m.Direction,
		"type":       m.Type,
		"content":    m.Content,
		"media_url":  m.MediaURL,
		"peer":       m.Peer,
		"status":     m.Status,
		"timestamp":  m.ExternalTS,
		"created_at": m.CreatedAt,
	}
	if m.ExternalID != "" {
		v["external_message_id"] = m.ExternalID
	}
	if m.PolicyAllow != nil {
		v["policy_allow"] = *m.PolicyAllow
		v["policy_reason"] = m.PolicyReason
		v["rule_trace"] = m.RuleTrace
	}
	return v
}
