package conversation

import (
	"sync"

	"github.com/2389/handover-gateway/internal/store"
)

// View is the subscriber side of a conversation's ownership stream. Snapshots
// replace state wholesale and are ordered by version, never by arrival: a
// snapshot whose version is not newer than the applied one is discarded.
type View struct {
	mu      sync.Mutex
	current *store.Ownership
}

// NewView starts a view from a fresh read, or empty when initial is nil.
func NewView(initial *store.Ownership) *View {
	return &View{current: initial.Clone()}
}

// Apply installs o if it is newer than the current snapshot and reports
// whether it did.
func (v *View) Apply(o *store.Ownership) bool {
	if o == nil {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.current != nil {
		if o.ConversationKey != v.current.ConversationKey || o.Version <= v.current.Version {
			return false
		}
	}
	v.current = o.Clone()
	return true
}

// Current returns a copy of the latest applied snapshot, or nil.
func (v *View) Current() *store.Ownership {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current.Clone()
}

// Version returns the version of the latest applied snapshot (0 when empty).
func (v *View) Version() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current == nil {
		return 0
	}
	return v.current.Version
}
