// ABOUTME: Versioned message envelope for ownership snapshots on the broker
// ABOUTME: Decode failures are reported as poison messages

package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/handover-gateway/internal/store"
)

// EventOwnershipChanged is the event type and routing key for ownership snapshots.
const EventOwnershipChanged = "conversation.ownership.changed.v1"

// ErrPoison marks a delivery that can never be processed (bad JSON, invalid snapshot).
var ErrPoison = errors.New("poison message")

// Meta describes an envelope.
type Meta struct {
	// Trace / request correlation ID
	CorrelationID *string `json:"correlation_id,omitempty"`
	// Unique event ID
	ID string `json:"id"`
	// Emitting gateway instance
	Producer *string `json:"producer,omitempty"`
	// Timestamp when the event was emitted
	Time time.Time `json:"time"`
	// Event name and version
	Type string `json:"type"`
}

// Envelope is the wire format of every broker message.
type Envelope[T any] struct {
	Meta Meta `json:"meta"`
	Data T    `json:"data"`
}

// OwnerV1 is the wire form of store.Owner.
type OwnerV1 struct {
	Kind       string `json:"kind"`
	OperatorID string `json:"operator_id,omitempty"`
}

// OwnershipChangedV1 is a full ownership snapshot.
type OwnershipChangedV1 struct {
	ConversationKey    string     `json:"conversation_key"`
	Owner              OwnerV1    `json:"owner"`
	AgentStartedAt     *time.Time `json:"agent_started_at,omitempty"`
	OperatorClaimedAt  *time.Time `json:"operator_claimed_at,omitempty"`
	LastAgentMessageAt *time.Time `json:"last_agent_message_at,omitempty"`
	LastHumanMessageAt *time.Time `json:"last_human_message_at,omitempty"`
	Version            int64      `json:"version"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// NewOwnershipChanged wraps a committed snapshot for publishing.
func NewOwnershipChanged(o *store.Ownership, producer string) Envelope[OwnershipChangedV1] {
	id := uuid.NewString()
	meta := Meta{
		ID:   id,
		Time: time.Now().UTC(),
		Type: EventOwnershipChanged,
	}
	if producer != "" {
		meta.Producer = &producer
	}
	return Envelope[OwnershipChangedV1]{
		Meta: meta,
		Data: OwnershipChangedV1{
			ConversationKey:    o.ConversationKey,
			Owner:              OwnerV1{Kind: string(o.Owner.Kind), OperatorID: o.Owner.OperatorID},
			AgentStartedAt:     o.AgentStartedAt,
			OperatorClaimedAt:  o.OperatorClaimedAt,
			LastAgentMessageAt: o.LastAgentMessageAt,
			LastHumanMessageAt: o.LastHumanMessageAt,
			Version:            o.Version,
			UpdatedAt:          o.UpdatedAt,
		},
	}
}

// Ownership converts the payload back to a validated store row.
func (d OwnershipChangedV1) Ownership() (*store.Ownership, error) {
	o := &store.Ownership{
		ConversationKey:    d.ConversationKey,
		Owner:              store.Owner{Kind: store.OwnerKind(d.Owner.Kind), OperatorID: d.Owner.OperatorID},
		AgentStartedAt:     d.AgentStartedAt,
		OperatorClaimedAt:  d.OperatorClaimedAt,
		LastAgentMessageAt: d.LastAgentMessageAt,
		LastHumanMessageAt: d.LastHumanMessageAt,
		Version:            d.Version,
		UpdatedAt:          d.UpdatedAt,
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// DecodeOwnershipChanged parses a delivery body. Any failure wraps ErrPoison.
func DecodeOwnershipChanged(body []byte) (Meta, *store.Ownership, error) {
	var env Envelope[OwnershipChangedV1]
	if err := json.Unmarshal(body, &env); err != nil {
		return Meta{}, nil, fmt.Errorf("%w: %v", ErrPoison, err)
	}
	if env.Meta.Type != EventOwnershipChanged {
		return env.Meta, nil, fmt.Errorf("%w: unexpected event type %q", ErrPoison, env.Meta.Type)
	}
	o, err := env.Data.Ownership()
	if err != nil {
		return env.Meta, nil, fmt.Errorf("%w: %v", ErrPoison, err)
	}
	return env.Meta, o, nil
}
