// ABOUTME: Tests for the coordinator's recovery when another writer commits between read and write
// ABOUTME: interleavingStore injects competing commits right before each conditional write

package handover

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/2389/handover-gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// interleavingStore commits the next queued event straight to the underlying
// store before each WriteOwnershipIfVersion, so the caller's write is stale.
type interleavingStore struct {
	*store.MockStore
	t *testing.T

	mu      sync.Mutex
	pending []Event
}

func newInterleavingStore(t *testing.T, competing ...Event) *interleavingStore {
	return &interleavingStore{MockStore: store.NewMockStore(), t: t, pending: competing}
}

func (s *interleavingStore) WriteOwnershipIfVersion(ctx context.Context, o *store.Ownership, expectedVersion int64, record *store.TransitionRecord) error {
	s.mu.Lock()
	var ev *Event
	if len(s.pending) > 0 {
		ev = &s.pending[0]
		s.pending = s.pending[1:]
	}
	s.mu.Unlock()

	if ev != nil {
		cur, err := s.MockStore.GetOwnership(ctx, o.ConversationKey)
		require.NoError(s.t, err)
		next, err := Next(cur, *ev)
		require.NoError(s.t, err)
		require.NoError(s.t, s.MockStore.WriteOwnershipIfVersion(ctx, next, cur.Version, nil))
	}
	return s.MockStore.WriteOwnershipIfVersion(ctx, o, expectedVersion, record)
}

func (s *interleavingStore) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

var interleaveAt = time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC)

func TestRecordHumanMessage_RetriesAfterLostRace(t *testing.T) {
	s := newInterleavingStore(t, OperatorClaims("op2", interleaveAt))
	c := NewCoordinator(s, nil, nil, nil)
	ctx := t.Context()

	o, err := c.RecordHumanMessage(ctx, "conv-r", "op1")
	require.NoError(t, err)
	assert.Equal(t, store.OperatorOwner("op1"), o.Owner)
	assert.Equal(t, int64(3), o.Version)
	assert.NotNil(t, o.LastHumanMessageAt)
	assert.Zero(t, s.remaining())

	stored, err := c.GetOwnership(ctx, "conv-r")
	require.NoError(t, err)
	assert.Equal(t, o.Version, stored.Version)
	assert.Equal(t, store.OperatorOwner("op1"), stored.Owner)
}

func TestRecordHumanMessage_LosesTwiceReturnsWinner(t *testing.T) {
	s := newInterleavingStore(t,
		OperatorClaims("op2", interleaveAt),
		HumanMessageSent("op3", interleaveAt.Add(time.Second)),
	)
	c := NewCoordinator(s, nil, nil, nil)

	o, err := c.RecordHumanMessage(t.Context(), "conv-r", "op1")
	require.NoError(t, err, "the message was delivered even though ownership went elsewhere")
	assert.Equal(t, store.OperatorOwner("op3"), o.Owner)
	assert.Equal(t, int64(3), o.Version)
	assert.Zero(t, s.remaining())

	records, err := s.ListTransitions(t.Context(), "conv-r", 10)
	require.NoError(t, err)
	assert.Empty(t, records, "neither of op1's attempts committed")
}

func TestRecordAgentMessage_RetriesAfterAgentWrite(t *testing.T) {
	s := newInterleavingStore(t, AgentMessageSent(interleaveAt))
	c := NewCoordinator(s, nil, nil, nil)

	require.NoError(t, c.RecordAgentMessage(t.Context(), "conv-r"))

	o, err := c.GetOwnership(t.Context(), "conv-r")
	require.NoError(t, err)
	assert.True(t, o.Owner.IsAgent())
	assert.Equal(t, int64(3), o.Version)
}

func TestRecordAgentMessage_ClaimDuringRetrySuppresses(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	m, err := NewMetrics(provider.Meter("handover-test"))
	require.NoError(t, err)

	s := newInterleavingStore(t,
		AgentMessageSent(interleaveAt),
		OperatorClaims("op1", interleaveAt.Add(time.Second)),
	)
	c := NewCoordinator(s, nil, nil, nil, WithMetrics(m))

	err = c.RecordAgentMessage(t.Context(), "conv-r")
	require.ErrorIs(t, err, ErrSuppressed)
	assert.False(t, errors.Is(err, ErrConflict))

	o, err := c.GetOwnership(t.Context(), "conv-r")
	require.NoError(t, err)
	assert.Equal(t, store.OperatorOwner("op1"), o.Owner)
	assert.Equal(t, int64(3), o.Version)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(t.Context(), &rm))
	assert.Equal(t, int64(1), counterTotal(rm, "handover.agent.suppressed"))
}

func TestEngineApply_AgentMessageSuppressedAtAnyVersion(t *testing.T) {
	s := store.NewMockStore()
	e := NewEngine(s, nil)
	ctx := t.Context()

	_, err := e.Apply(ctx, "conv-r", 1, OperatorClaims("op1", interleaveAt))
	require.NoError(t, err)

	for _, observed := range []int64{1, 2, 7} {
		_, err := e.Apply(ctx, "conv-r", observed, AgentMessageSent(interleaveAt))
		require.ErrorIs(t, err, ErrSuppressed, "observed version %d", observed)
		var conflict *ConflictError
		assert.False(t, errors.As(err, &conflict))
	}
}

func TestCoordinator_ReadFailuresCountAsStoreErrors(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	m, err := NewMetrics(provider.Meter("handover-test"))
	require.NoError(t, err)

	c, s, _ := newTestCoordinator(t, WithMetrics(m))
	ctx := t.Context()
	s.SetErr(errors.New("disk I/O error"))

	_, err = c.GetOwnership(ctx, "conv-r")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.ErrorIs(t, c.RecordAgentMessage(ctx, "conv-r"), ErrStoreUnavailable)
	_, err = c.AutoReply(ctx, "conv-r", interleaveAt)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = c.History(ctx, "conv-r", 10)
	require.ErrorIs(t, err, ErrStoreUnavailable)

	// Invalid input is not a store failure
	_, err = c.GetOwnership(ctx, "")
	require.ErrorIs(t, err, ErrInvalidTransition)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	assert.Equal(t, int64(4), counterTotal(rm, "handover.store.errors"))
}
