// ABOUTME: Holder swaps the active business hours policy on config reload

package hours

import (
	"sync/atomic"
	"time"
)

// Holder is the process-wide business hours slot. Readers never block and
// always see a complete policy; updates swap the whole pointer.
type Holder struct {
	p atomic.Pointer[Policy]
}

// NewHolder returns a holder seeded with p (nil means unconfigured).
func NewHolder(p *Policy) *Holder {
	h := &Holder{}
	h.p.Store(p)
	return h
}

// Load returns the current policy, or nil when none is configured.
func (h *Holder) Load() *Policy {
	return h.p.Load()
}

// Replace installs p as the current policy and returns the previous one.
func (h *Holder) Replace(p *Policy) *Policy {
	return h.p.Swap(p)
}

// Evaluate checks instant against the current policy.
func (h *Holder) Evaluate(instant time.Time) bool {
	return IsWithinBusinessHours(h.Load(), instant)
}
