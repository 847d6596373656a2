// ABOUTME: HTTP API over the handover coordinator: ownership reads, claims, releases and SSE
// ABOUTME: Maps handover outcomes onto status codes and JSON bodies

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/handover-gateway/internal/auth"
	"github.com/2389/handover-gateway/internal/handover"
	"github.com/2389/handover-gateway/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500

	// sseKeepalive keeps idle streams open through proxies
	sseKeepalive = 25 * time.Second
)

// OwnerResponse is the JSON form of store.Owner.
type OwnerResponse struct {
	Kind       string `json:"kind"`
	OperatorID string `json:"operator_id,omitempty"`
}

// OwnershipResponse is the JSON form of an ownership snapshot.
type OwnershipResponse struct {
	ConversationKey    string        `json:"conversation_key"`
	Owner              OwnerResponse `json:"owner"`
	AgentStartedAt     *time.Time    `json:"agent_started_at,omitempty"`
	OperatorClaimedAt  *time.Time    `json:"operator_claimed_at,omitempty"`
	LastAgentMessageAt *time.Time    `json:"last_agent_message_at,omitempty"`
	LastHumanMessageAt *time.Time    `json:"last_human_message_at,omitempty"`
	Version            int64         `json:"version"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// AutoReplyResponse is returned by the auto-reply check.
type AutoReplyResponse struct {
	Allowed     bool          `json:"allowed"`
	Owner       OwnerResponse `json:"owner"`
	WithinHours bool          `json:"within_hours"`
	Version     int64         `json:"version"`
}

// TransitionResponse is one audit entry.
type TransitionResponse struct {
	ID      string        `json:"id"`
	Event   string        `json:"event"`
	From    OwnerResponse `json:"from"`
	To      OwnerResponse `json:"to"`
	Version int64         `json:"version"`
	At      time.Time     `json:"at"`
}

// ClaimRequest is the optional claim body. Version pins the claim to the
// snapshot the operator was looking at.
type ClaimRequest struct {
	Version *int64 `json:"version,omitempty"`
}

// ConflictResponse is the 409 body for lost races.
type ConflictResponse struct {
	Error   string             `json:"error"`
	Current *OwnershipResponse `json:"current,omitempty"`
}

func ownerResponse(o store.Owner) OwnerResponse {
	return OwnerResponse{Kind: string(o.Kind), OperatorID: o.OperatorID}
}

func ownershipResponse(o *store.Ownership) *OwnershipResponse {
	if o == nil {
		return nil
	}
	return &OwnershipResponse{
		ConversationKey:    o.ConversationKey,
		Owner:              ownerResponse(o.Owner),
		AgentStartedAt:     o.AgentStartedAt,
		OperatorClaimedAt:  o.OperatorClaimedAt,
		LastAgentMessageAt: o.LastAgentMessageAt,
		LastHumanMessageAt: o.LastHumanMessageAt,
		Version:            o.Version,
		UpdatedAt:          o.UpdatedAt,
	}
}

// registerAPIRoutes mounts the conversation and event endpoints. Every route
// needs a bearer token; writes are further restricted by role.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	authed := auth.HTTPAuthMiddleware(g.verifier)
	operator := func(h http.HandlerFunc) http.Handler {
		return authed(auth.RequireOperatorHTTP()(h))
	}
	service := func(h http.HandlerFunc) http.Handler {
		return authed(auth.RequireServiceHTTP()(h))
	}
	anyone := func(h http.HandlerFunc) http.Handler {
		return authed(h)
	}

	mux.Handle("GET /api/conversations/{key}/ownership", anyone(g.handleGetOwnership))
	mux.Handle("POST /api/conversations/{key}/claim", operator(g.handleClaim))
	mux.Handle("POST /api/conversations/{key}/release", operator(g.handleRelease))
	mux.Handle("GET /api/conversations/{key}/auto-reply", anyone(g.handleAutoReply))
	mux.Handle("POST /api/conversations/{key}/agent-message", service(g.handleAgentMessage))
	mux.Handle("GET /api/conversations/{key}/history", anyone(g.handleHistory))
	mux.Handle("GET /api/conversations/{key}/stream", anyone(g.handleStream))
	mux.Handle("POST /api/events", service(g.handleEvent))
}

func (g *Gateway) handleGetOwnership(w http.ResponseWriter, r *http.Request) {
	o, err := g.coordinator.GetOwnership(r.Context(), r.PathValue("key"))
	if err != nil {
		g.writeHandoverError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, ownershipResponse(o))
}

func (g *Gateway) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	key := r.PathValue("key")
	operatorID := auth.FromContext(r.Context()).OperatorID()

	var (
		o   *store.Ownership
		err error
	)
	if req.Version != nil {
		o, err = g.coordinator.ClaimIfVersion(r.Context(), key, operatorID, *req.Version)
	} else {
		o, err = g.coordinator.Claim(r.Context(), key, operatorID)
	}
	if err != nil {
		g.writeHandoverError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, ownershipResponse(o))
}

func (g *Gateway) handleRelease(w http.ResponseWriter, r *http.Request) {
	o, err := g.coordinator.Release(r.Context(), r.PathValue("key"))
	if err != nil {
		g.writeHandoverError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, ownershipResponse(o))
}

// handleAutoReply answers whether the agent may reply. An optional "at"
// query parameter (RFC 3339) evaluates business hours at that instant.
func (g *Gateway) handleAutoReply(w http.ResponseWriter, r *http.Request) {
	at := g.now()
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "at must be an RFC 3339 timestamp")
			return
		}
		at = parsed
	}

	d, err := g.coordinator.AutoReply(r.Context(), r.PathValue("key"), at)
	if err != nil {
		g.writeHandoverError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, autoReplyResponse(d))
}

func autoReplyResponse(d *handover.AutoReplyDecision) AutoReplyResponse {
	return AutoReplyResponse{
		Allowed:     d.Allowed,
		Owner:       ownerResponse(d.Owner),
		WithinHours: d.WithinHours,
		Version:     d.Version,
	}
}

func (g *Gateway) handleAgentMessage(w http.ResponseWriter, r *http.Request) {
	err := g.coordinator.RecordAgentMessage(r.Context(), r.PathValue("key"))
	if err != nil {
		g.writeHandoverError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]bool{"suppressed": false})
}

func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := g.coordinator.History(r.Context(), r.PathValue("key"), limit)
	if err != nil {
		g.writeHandoverError(w, err)
		return
	}

	out := make([]TransitionResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, TransitionResponse{
			ID:      rec.ID,
			Event:   rec.Event,
			From:    ownerResponse(rec.From),
			To:      ownerResponse(rec.To),
			Version: rec.Version,
			At:      rec.At,
		})
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"transitions": out})
}

// handleStream pushes an "ownership" SSE event for the current snapshot and
// for every newer version until the client goes away.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	key := r.PathValue("key")
	updates, err := g.coordinator.Watch(r.Context(), key)
	if err != nil {
		g.writeHandoverError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	g.logger.Debug("ownership stream opened", "conversation_key", key)
	defer g.logger.Debug("ownership stream closed", "conversation_key", key)

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case o, ok := <-updates:
			if !ok {
				return
			}
			g.writeSSEEvent(w, "ownership", ownershipResponse(o))
			flusher.Flush()
		}
	}
}

// writeHandoverError maps coordinator outcomes onto HTTP responses.
func (g *Gateway) writeHandoverError(w http.ResponseWriter, err error) {
	var conflict *handover.ConflictError
	switch {
	case errors.As(err, &conflict):
		g.writeJSON(w, http.StatusConflict, ConflictResponse{
			Error:   conflict.Error(),
			Current: ownershipResponse(conflict.Current),
		})
	case errors.Is(err, handover.ErrConflict):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, handover.ErrSuppressed):
		g.writeJSON(w, http.StatusConflict, map[string]bool{"suppressed": true})
	case errors.Is(err, handover.ErrInvalidTransition):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, handover.ErrStoreUnavailable):
		g.sendJSONError(w, http.StatusServiceUnavailable, "outcome unknown, re-read")
	default:
		g.logger.Error("unhandled handover error", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
