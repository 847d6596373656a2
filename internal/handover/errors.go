// ABOUTME: Error taxonomy for ownership handover outcomes
// ABOUTME: Conflict and Suppressed are expected results, InvalidTransition and StoreUnavailable are failures

package handover

import (
	"errors"
	"fmt"

	"github.com/2389/handover-gateway/internal/store"
)

var (
	// ErrConflict means another writer committed first; re-read and decide again.
	ErrConflict = errors.New("conflict")

	// ErrInvalidTransition means the event is not legal from the current owner.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrSuppressed tells the agent pipeline to drop its generated reply.
	ErrSuppressed = errors.New("agent reply suppressed")

	// ErrStoreUnavailable means the store could not be reached. The outcome of
	// a write that fails this way is unknown: re-read before acting further.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ConflictError is returned when a transition lost an optimistic-concurrency
// race. Current holds the state that won, when it could be read.
type ConflictError struct {
	ConversationKey string
	ObservedVersion int64
	Current         *store.Ownership
}

func (e *ConflictError) Error() string {
	if e.Current != nil && e.Current.Owner.IsOperator() {
		return fmt.Sprintf("this conversation was just taken by %s", e.Current.Owner.OperatorID)
	}
	if e.Current != nil {
		return fmt.Sprintf("conversation %s changed (version %d, now %d)", e.ConversationKey, e.ObservedVersion, e.Current.Version)
	}
	return fmt.Sprintf("conversation %s changed since version %d", e.ConversationKey, e.ObservedVersion)
}

// Is makes errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// unavailable wraps a store failure so callers can match ErrStoreUnavailable
// while still seeing the cause.
func unavailable(err error) error {
	if errors.Is(err, store.ErrInvalidOwnership) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
