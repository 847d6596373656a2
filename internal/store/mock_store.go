// ABOUTME: Mock OwnershipStore implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the conditional-write contract

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory OwnershipStore implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	ownership   map[string]*Ownership          // keyed by conversation key
	transitions map[string][]*TransitionRecord // keyed by conversation key

	// Err, when set, is returned by every call to simulate an unreachable store.
	Err error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		ownership:   make(map[string]*Ownership),
		transitions: make(map[string][]*TransitionRecord),
	}
}

// SetErr makes every subsequent call fail with err (nil restores normal behavior).
func (m *MockStore) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

// GetOwnership returns a copy of the stored row.
func (m *MockStore) GetOwnership(ctx context.Context, conversationKey string) (*Ownership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}
	o, ok := m.ownership[conversationKey]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

// InsertOwnershipIfAbsent stores a new row unless one exists.
func (m *MockStore) InsertOwnershipIfAbsent(ctx context.Context, o *Ownership) error {
	if err := o.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.ownership[o.ConversationKey]; ok {
		return ErrDuplicateOwnership
	}
	m.ownership[o.ConversationKey] = o.Clone()
	return nil
}

// WriteOwnershipIfVersion replaces the row when the stored version matches.
func (m *MockStore) WriteOwnershipIfVersion(ctx context.Context, o *Ownership, expectedVersion int64, record *TransitionRecord) error {
	if err := o.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	current, ok := m.ownership[o.ConversationKey]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionMismatch
	}
	m.ownership[o.ConversationKey] = o.Clone()

	if record != nil {
		if record.ID == "" {
			record.ID = uuid.New().String()
		}
		if record.At.IsZero() {
			record.At = time.Now().UTC()
		}
		r := *record
		m.transitions[o.ConversationKey] = append(m.transitions[o.ConversationKey], &r)
	}
	return nil
}

// ListTransitions returns the newest records first.
func (m *MockStore) ListTransitions(ctx context.Context, conversationKey string, limit int) ([]*TransitionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}
	if limit <= 0 {
		limit = 50
	}

	records := make([]*TransitionRecord, 0, len(m.transitions[conversationKey]))
	for _, r := range m.transitions[conversationKey] {
		c := *r
		records = append(records, &c)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Version > records[j].Version
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}
