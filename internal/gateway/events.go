// ABOUTME: Inbound message-send events from the messaging webhook pipeline
// ABOUTME: Dedupes redeliveries by message id and turns each send into a coordinator call

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/2389/handover-gateway/internal/dedupe"
	"github.com/2389/handover-gateway/internal/handover"
)

// Sender roles accepted on /api/events.
const (
	SenderCustomer = "customer"
	SenderOperator = "operator"
	SenderAgent    = "agent"
)

// MessageEvent reports that someone sent a message in a conversation.
type MessageEvent struct {
	ConversationKey string     `json:"conversation_key"`
	SenderRole      string     `json:"sender_role"`
	OperatorID      string     `json:"operator_id,omitempty"`
	MessageID       string     `json:"message_id,omitempty"`
	Timestamp       *time.Time `json:"timestamp,omitempty"`
}

// EventResponse is the /api/events reply. AutoReply is set for customer
// messages so the pipeline knows whether to hand the message to the agent.
type EventResponse struct {
	Duplicate bool               `json:"duplicate"`
	Ownership *OwnershipResponse `json:"ownership,omitempty"`
	AutoReply *AutoReplyResponse `json:"auto_reply,omitempty"`
}

func (e *MessageEvent) validate() error {
	if e.ConversationKey == "" {
		return errors.New("conversation_key is required")
	}
	switch e.SenderRole {
	case SenderCustomer, SenderAgent:
	case SenderOperator:
		if e.OperatorID == "" {
			return errors.New("operator_id is required for operator messages")
		}
	default:
		return errors.New("sender_role must be customer, operator or agent")
	}
	return nil
}

func (g *Gateway) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev MessageEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := ev.validate(); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	var dedupeKey string
	if ev.MessageID != "" {
		dedupeKey = dedupe.Key(ev.ConversationKey, ev.MessageID)
		if g.dedupe.CheckAndMark(dedupeKey) {
			g.logger.Debug("duplicate message event",
				"conversation_key", ev.ConversationKey,
				"message_id", ev.MessageID)
			g.writeJSON(w, http.StatusOK, EventResponse{Duplicate: true})
			return
		}
	}

	resp, err := g.processEvent(r, &ev)
	if err != nil {
		// Suppression is final for this message; anything else may succeed on redelivery
		if dedupeKey != "" && !errors.Is(err, handover.ErrSuppressed) {
			g.dedupe.Forget(dedupeKey)
		}
		g.writeHandoverError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) processEvent(r *http.Request, ev *MessageEvent) (*EventResponse, error) {
	ctx := r.Context()
	switch ev.SenderRole {
	case SenderOperator:
		o, err := g.coordinator.RecordHumanMessage(ctx, ev.ConversationKey, ev.OperatorID)
		if err != nil {
			return nil, err
		}
		return &EventResponse{Ownership: ownershipResponse(o)}, nil

	case SenderAgent:
		if err := g.coordinator.RecordAgentMessage(ctx, ev.ConversationKey); err != nil {
			return nil, err
		}
		o, err := g.coordinator.GetOwnership(ctx, ev.ConversationKey)
		if err != nil {
			return nil, err
		}
		return &EventResponse{Ownership: ownershipResponse(o)}, nil

	default:
		at := g.now()
		if ev.Timestamp != nil {
			at = *ev.Timestamp
		}
		d, err := g.coordinator.AutoReply(ctx, ev.ConversationKey, at)
		if err != nil {
			return nil, err
		}
		reply := autoReplyResponse(d)
		return &EventResponse{AutoReply: &reply}, nil
	}
}
