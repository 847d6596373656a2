// Package conversation propagates conversation ownership changes to live viewers.
//
// # Broadcaster
//
// Broadcaster is an in-memory pub/sub keyed by conversation key. The handover
// coordinator publishes exactly one snapshot per committed write, after the
// store accepted it:
//
//	b := conversation.NewBroadcaster(logger)
//	ch, subID := b.Subscribe(ctx, "+5511999990000")
//
// Subscriptions end when ctx is cancelled or Unsubscribe is called.
//
// # Snapshots, not deltas
//
// Every message is a full store.Ownership. A later snapshot supersedes an
// earlier one, so a slow subscriber may have pending snapshots coalesced: the
// broadcaster drops the oldest pending snapshot to make room for the newest.
//
// # Ordering
//
// Delivery can reorder and duplicate (for example when snapshots also arrive
// from other gateway instances through the broker). View applies a snapshot
// only when its version is newer than the one it holds.
//
// # Reconnecting
//
// The stream does not fill gaps. A viewer that reconnects must start from a
// fresh read and then apply incremental snapshots; handover.Coordinator.Watch
// does this for callers.
package conversation
