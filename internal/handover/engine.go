// ABOUTME: Handover transition engine: legal ownership transitions and their compare-and-swap commit
// ABOUTME: Next is the pure state machine, Engine.Apply runs it against the store

package handover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/handover-gateway/internal/store"
)

// EventKind names an ownership event.
type EventKind string

const (
	EventOperatorClaims   EventKind = "operator_claims"
	EventReleaseToAgent   EventKind = "release_to_agent"
	EventHumanMessageSent EventKind = "human_message_sent"
	EventAgentMessageSent EventKind = "agent_message_sent"
)

// Event is one input to the state machine.
type Event struct {
	Kind       EventKind
	OperatorID string // required for OperatorClaims and HumanMessageSent
	At         time.Time
}

// OperatorClaims is an explicit take-over by an operator.
func OperatorClaims(operatorID string, at time.Time) Event {
	return Event{Kind: EventOperatorClaims, OperatorID: operatorID, At: at}
}

// ReleaseToAgent hands the conversation back to the agent.
func ReleaseToAgent(at time.Time) Event {
	return Event{Kind: EventReleaseToAgent, At: at}
}

// HumanMessageSent records an operator message; it implicitly claims.
func HumanMessageSent(operatorID string, at time.Time) Event {
	return Event{Kind: EventHumanMessageSent, OperatorID: operatorID, At: at}
}

// AgentMessageSent records an automated reply.
func AgentMessageSent(at time.Time) Event {
	return Event{Kind: EventAgentMessageSent, At: at}
}

// Next computes the state that follows cur after ev. It never mutates cur.
// The result carries cur.Version+1 and is ready for a conditional write.
func Next(cur *store.Ownership, ev Event) (*store.Ownership, error) {
	next := cur.Clone()
	next.Version = cur.Version + 1
	next.UpdatedAt = ev.At

	switch ev.Kind {
	case EventOperatorClaims:
		if ev.OperatorID == "" {
			return nil, fmt.Errorf("%w: claim requires an operator id", ErrInvalidTransition)
		}
		claim(next, ev.OperatorID, ev.At)

	case EventHumanMessageSent:
		if ev.OperatorID == "" {
			return nil, fmt.Errorf("%w: human message requires an operator id", ErrInvalidTransition)
		}
		if cur.Owner != store.OperatorOwner(ev.OperatorID) {
			claim(next, ev.OperatorID, ev.At)
		}
		next.LastHumanMessageAt = timePtr(ev.At)

	case EventReleaseToAgent:
		if !cur.Owner.IsOperator() {
			return nil, fmt.Errorf("%w: %s is already owned by the agent", ErrInvalidTransition, cur.ConversationKey)
		}
		next.Owner = store.AgentOwner()
		next.AgentStartedAt = timePtr(ev.At)
		next.OperatorClaimedAt = nil

	case EventAgentMessageSent:
		if cur.Owner.IsOperator() {
			return nil, fmt.Errorf("%w: %s is owned by %s", ErrSuppressed, cur.ConversationKey, cur.Owner.OperatorID)
		}
		next.LastAgentMessageAt = timePtr(ev.At)

	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev.Kind)
	}

	return next, nil
}

func claim(o *store.Ownership, operatorID string, at time.Time) {
	o.Owner = store.OperatorOwner(operatorID)
	o.OperatorClaimedAt = timePtr(at)
	o.AgentStartedAt = nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// Result is the outcome of an accepted event.
type Result struct {
	Ownership *store.Ownership
	// Committed is false when the event was accepted without a write
	// (a repeated claim by the operator who already owns the conversation).
	Committed bool
	Previous  store.Owner
}

// Engine applies events to stored ownership rows with compare-and-swap.
// It holds no locks: the store's conditional write is the only serialization point.
type Engine struct {
	store  store.OwnershipStore
	now    func() time.Time
	logger *slog.Logger
}

// NewEngine creates an Engine. Pass nil logger for default.
func NewEngine(s store.OwnershipStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  s,
		now:    time.Now,
		logger: logger.With("component", "engine"),
	}
}

// Load returns the row for key, creating it in agent ownership on first sight.
func (e *Engine) Load(ctx context.Context, key string) (*store.Ownership, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: conversation key is required", ErrInvalidTransition)
	}

	o, err := e.store.GetOwnership(ctx, key)
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, unavailable(err)
	}

	fresh := store.NewAgentOwnership(key, e.now())
	err = e.store.InsertOwnershipIfAbsent(ctx, fresh)
	if err == nil {
		e.logger.Debug("ownership created", "conversation_key", key)
		return fresh, nil
	}
	if !errors.Is(err, store.ErrDuplicateOwnership) {
		return nil, unavailable(err)
	}

	// Another caller created it between our read and insert
	o, err = e.store.GetOwnership(ctx, key)
	if err != nil {
		return nil, unavailable(err)
	}
	e.logger.Debug("found ownership after insert race", "conversation_key", key)
	return o, nil
}

// Apply validates ev against the caller's observed version and commits the
// next state. A repeated claim by the operator who already owns the
// conversation is accepted without a write, whatever version it observed,
// and an agent message against an operator-owned row is ErrSuppressed
// whatever version it observed. Otherwise a stale version yields
// *ConflictError.
func (e *Engine) Apply(ctx context.Context, key string, observedVersion int64, ev Event) (*Result, error) {
	if ev.At.IsZero() {
		ev.At = e.now()
	}

	cur, err := e.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	if sameOperatorClaim(cur, ev) {
		return &Result{Ownership: cur, Previous: cur.Owner}, nil
	}
	if err := suppressed(cur, ev); err != nil {
		return nil, err
	}
	if cur.Version != observedVersion {
		return nil, &ConflictError{ConversationKey: key, ObservedVersion: observedVersion, Current: cur}
	}

	next, err := Next(cur, ev)
	if err != nil {
		return nil, err
	}

	record := &store.TransitionRecord{
		ConversationKey: key,
		Event:           string(ev.Kind),
		From:            cur.Owner,
		To:              next.Owner,
		Version:         next.Version,
		At:              ev.At,
	}
	err = e.store.WriteOwnershipIfVersion(ctx, next, cur.Version, record)
	if errors.Is(err, store.ErrVersionMismatch) {
		latest, readErr := e.store.GetOwnership(ctx, key)
		if readErr != nil {
			e.logger.Debug("re-read after conflict failed", "conversation_key", key, "error", readErr)
			latest = nil
		}
		if latest != nil && sameOperatorClaim(latest, ev) {
			return &Result{Ownership: latest, Previous: latest.Owner}, nil
		}
		if latest != nil {
			if err := suppressed(latest, ev); err != nil {
				return nil, err
			}
		}
		return nil, &ConflictError{ConversationKey: key, ObservedVersion: observedVersion, Current: latest}
	}
	if err != nil {
		return nil, unavailable(err)
	}

	if cur.Owner.IsOperator() && next.Owner.IsOperator() && cur.Owner != next.Owner {
		e.logger.Info("operator displaced",
			"conversation_key", key,
			"from", cur.Owner.OperatorID,
			"to", next.Owner.OperatorID,
			"event", ev.Kind)
	}

	return &Result{Ownership: next, Committed: true, Previous: cur.Owner}, nil
}

func sameOperatorClaim(cur *store.Ownership, ev Event) bool {
	return ev.Kind == EventOperatorClaims && ev.OperatorID != "" && cur.Owner == store.OperatorOwner(ev.OperatorID)
}

// suppressed reports ErrSuppressed for an agent message while an operator owns cur.
func suppressed(cur *store.Ownership, ev Event) error {
	if ev.Kind == EventAgentMessageSent && cur.Owner.IsOperator() {
		return fmt.Errorf("%w: %s is owned by %s", ErrSuppressed, cur.ConversationKey, cur.Owner.OperatorID)
	}
	return nil
}
