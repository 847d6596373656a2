// ABOUTME: Ownership data model and store interface for handover-gateway persistence
// ABOUTME: Defines Ownership, Owner, TransitionRecord and the conditional-write OwnershipStore

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateOwnership is returned when inserting a row for a conversation key that already has one
var ErrDuplicateOwnership = errors.New("ownership already exists")

// ErrVersionMismatch is returned by a conditional write when the stored version moved on
var ErrVersionMismatch = errors.New("version mismatch")

// ErrInvalidOwnership is returned when a row violates the ownership invariants
var ErrInvalidOwnership = errors.New("invalid ownership")

// OwnerKind discriminates the owner variant
type OwnerKind string

const (
	OwnerAgent    OwnerKind = "agent"
	OwnerOperator OwnerKind = "operator"
)

// Owner is the party currently allowed to respond in a conversation.
// OperatorID is set only for OwnerOperator.
type Owner struct {
	Kind       OwnerKind
	OperatorID string
}

// AgentOwner returns the automated-agent owner.
func AgentOwner() Owner {
	return Owner{Kind: OwnerAgent}
}

// OperatorOwner returns the owner for a human operator.
func OperatorOwner(operatorID string) Owner {
	return Owner{Kind: OwnerOperator, OperatorID: operatorID}
}

// IsAgent reports whether the automated agent owns the conversation.
func (o Owner) IsAgent() bool { return o.Kind == OwnerAgent }

// IsOperator reports whether a human operator owns the conversation.
func (o Owner) IsOperator() bool { return o.Kind == OwnerOperator }

// String renders the owner as "agent" or "operator:<id>".
func (o Owner) String() string {
	if o.Kind == OwnerOperator {
		return "operator:" + o.OperatorID
	}
	return string(o.Kind)
}

// Ownership is the durable ownership row for one conversation key.
type Ownership struct {
	ConversationKey    string
	Owner              Owner
	AgentStartedAt     *time.Time
	OperatorClaimedAt  *time.Time
	LastAgentMessageAt *time.Time // advisory
	LastHumanMessageAt *time.Time // advisory
	Version            int64
	UpdatedAt          time.Time
}

// Clone returns a deep copy so callers and subscribers never share timestamp pointers.
func (o *Ownership) Clone() *Ownership {
	if o == nil {
		return nil
	}
	c := *o
	c.AgentStartedAt = cloneTime(o.AgentStartedAt)
	c.OperatorClaimedAt = cloneTime(o.OperatorClaimedAt)
	c.LastAgentMessageAt = cloneTime(o.LastAgentMessageAt)
	c.LastHumanMessageAt = cloneTime(o.LastHumanMessageAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Validate checks the exactly-one-owner rule and that the claim timestamps match the owner.
func (o *Ownership) Validate() error {
	if o.ConversationKey == "" {
		return fmt.Errorf("%w: conversation key is required", ErrInvalidOwnership)
	}
	switch o.Owner.Kind {
	case OwnerAgent:
		if o.Owner.OperatorID != "" {
			return fmt.Errorf("%w: agent owner carries operator id %q", ErrInvalidOwnership, o.Owner.OperatorID)
		}
		if o.AgentStartedAt == nil || o.OperatorClaimedAt != nil {
			return fmt.Errorf("%w: agent owner requires agent_started_at only", ErrInvalidOwnership)
		}
	case OwnerOperator:
		if o.Owner.OperatorID == "" {
			return fmt.Errorf("%w: operator owner requires an operator id", ErrInvalidOwnership)
		}
		if o.OperatorClaimedAt == nil || o.AgentStartedAt != nil {
			return fmt.Errorf("%w: operator owner requires operator_claimed_at only", ErrInvalidOwnership)
		}
	default:
		return fmt.Errorf("%w: unknown owner kind %q", ErrInvalidOwnership, o.Owner.Kind)
	}
	if o.Version < 1 {
		return fmt.Errorf("%w: version must be positive", ErrInvalidOwnership)
	}
	return nil
}

// NewAgentOwnership builds the initial row for a conversation seen for the first time.
func NewAgentOwnership(conversationKey string, now time.Time) *Ownership {
	started := now
	return &Ownership{
		ConversationKey: conversationKey,
		Owner:           AgentOwner(),
		AgentStartedAt:  &started,
		Version:         1,
		UpdatedAt:       now,
	}
}

// TransitionRecord is an append-only audit entry for one accepted ownership write.
type TransitionRecord struct {
	ID              string
	ConversationKey string
	Event           string
	From            Owner
	To              Owner
	Version         int64 // version produced by the write
	At              time.Time
}

// OwnershipStore is the conditional-write store the handover engine runs against.
type OwnershipStore interface {
	// GetOwnership returns ErrNotFound when no row exists for the key.
	GetOwnership(ctx context.Context, conversationKey string) (*Ownership, error)

	// InsertOwnershipIfAbsent returns ErrDuplicateOwnership if a row already exists.
	InsertOwnershipIfAbsent(ctx context.Context, o *Ownership) error

	// WriteOwnershipIfVersion replaces the row only if its stored version equals
	// expectedVersion, returning ErrVersionMismatch otherwise. A non-nil record is
	// appended to the transition log in the same write.
	WriteOwnershipIfVersion(ctx context.Context, o *Ownership, expectedVersion int64, record *TransitionRecord) error

	// ListTransitions returns the newest records first.
	ListTransitions(ctx context.Context, conversationKey string, limit int) ([]*TransitionRecord, error)

	// Close releases any resources held by the store
	Close() error
}
