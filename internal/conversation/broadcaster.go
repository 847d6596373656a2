// ABOUTME: In-memory fan-out of committed ownership snapshots for live conversation views
// ABOUTME: Publishes each committed Ownership to all subscribers of its conversation key

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/handover-gateway/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 16
)

// Broadcaster provides in-memory pub/sub for ownership snapshots.
// Subscribers register for a conversation key and receive every snapshot
// committed for it, so open views never poll.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *store.Ownership // conversationKey -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *store.Ownership),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for snapshots of the given conversation key.
// Returns a channel that receives snapshots and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationKey string) (<-chan *store.Ownership, string) {
	subID := uuid.New().String()
	ch := make(chan *store.Ownership, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[conversationKey]; !ok {
		b.subscribers[conversationKey] = make(map[string]chan *store.Ownership)
	}
	b.subscribers[conversationKey][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"conversation_key", conversationKey,
		"sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationKey, subID)
	}()

	return ch, subID
}

// Publish delivers a snapshot to all subscribers of its conversation key.
// It never blocks: when a subscriber's buffer is full the oldest pending
// snapshot is dropped, since the newer one supersedes it anyway.
func (b *Broadcaster) Publish(_ context.Context, o *store.Ownership) error {
	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs, ok := b.subscribers[o.ConversationKey]
	if !ok || len(subs) == 0 {
		return nil
	}

	for subID, ch := range subs {
		snapshot := o.Clone()
		select {
		case ch <- snapshot:
			continue
		default:
		}

		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
			b.logger.Debug("coalesced snapshot for slow subscriber",
				"conversation_key", o.ConversationKey,
				"sub_id", subID,
				"version", o.Version)
		default:
			b.logger.Warn("dropped snapshot for slow subscriber",
				"conversation_key", o.ConversationKey,
				"sub_id", subID,
				"version", o.Version)
		}
	}
	return nil
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(conversationKey, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationKey]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	// Clean up empty conversation key entries
	if len(subs) == 0 {
		delete(b.subscribers, conversationKey)
	}

	b.logger.Debug("subscriber removed",
		"conversation_key", conversationKey,
		"sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions for a key.
func (b *Broadcaster) SubscriberCount(conversationKey string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[conversationKey])
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convKey, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, convKey)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
