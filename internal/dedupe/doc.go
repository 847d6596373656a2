// Package dedupe remembers recently processed inbound message IDs so that
// webhook redeliveries do not replay ownership events.
package dedupe
