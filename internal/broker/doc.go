// Package broker shares committed ownership snapshots between gateway
// instances over AMQP.
//
// Every instance publishes each committed snapshot to a topic exchange under
// the routing key conversation.ownership.changed.v1, and consumes from its own
// exclusive auto-delete queue bound to that key. Remote snapshots are handed
// to the local broadcaster, whose version ordering makes late or duplicate
// deliveries harmless. Deliveries stamped with this instance's id are skipped.
//
// Messages are transient: the store is the source of truth, and a watcher
// that misses a snapshot catches up on its next read.
package broker
