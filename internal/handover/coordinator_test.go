// ABOUTME: Scenario tests for the coordinator: claims, releases, suppression and watch
// ABOUTME: Uses the mock store; the claim race also runs on SQLite

package handover

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/2389/handover-gateway/internal/conversation"
	"github.com/2389/handover-gateway/internal/hours"
	"github.com/2389/handover-gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type recordingPublisher struct {
	mu        sync.Mutex
	snapshots []*store.Ownership
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, o *store.Ownership) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots = append(p.snapshots, o.Clone())
	return p.err
}

func (p *recordingPublisher) versions() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int64, 0, len(p.snapshots))
	for _, o := range p.snapshots {
		out = append(out, o.Version)
	}
	return out
}

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *store.MockStore, *conversation.Broadcaster) {
	t.Helper()
	s := store.NewMockStore()
	b := conversation.NewBroadcaster(nil)
	t.Cleanup(b.Close)
	return NewCoordinator(s, nil, b, nil, opts...), s, b
}

func saoPauloPolicy(t *testing.T) *hours.Policy {
	t.Helper()
	p, err := hours.ParsePolicy(hours.Window{
		Start:    "08:00",
		End:      "18:00",
		Weekdays: []string{"mon", "tue", "wed", "thu", "fri"},
		Timezone: "America/Sao_Paulo",
	})
	require.NoError(t, err)
	return p
}

// Scenario A: an unseen conversation starts with the agent; a human message hands it to the operator.
func TestCoordinator_HumanMessageClaimsNewConversation(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := t.Context()

	initial, err := c.GetOwnership(ctx, "conv-a")
	require.NoError(t, err)
	assert.True(t, initial.Owner.IsAgent())
	assert.Equal(t, int64(1), initial.Version)

	o, err := c.RecordHumanMessage(ctx, "conv-a", "op1")
	require.NoError(t, err)
	assert.Equal(t, store.OperatorOwner("op1"), o.Owner)
	assert.Equal(t, int64(2), o.Version)
	assert.NotNil(t, o.OperatorClaimedAt)
	assert.Nil(t, o.AgentStartedAt)

	allowed, err := c.IsAutoReplyAllowed(ctx, "conv-a", time.Now())
	require.NoError(t, err)
	assert.False(t, allowed)
}

// Scenario B: release returns control; releasing again is invalid.
func TestCoordinator_ReleaseTwice(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := t.Context()

	_, err := c.Claim(ctx, "conv-b", "op1")
	require.NoError(t, err)

	released, err := c.Release(ctx, "conv-b")
	require.NoError(t, err)
	assert.True(t, released.Owner.IsAgent())
	assert.Nil(t, released.OperatorClaimedAt)

	_, err = c.Release(ctx, "conv-b")
	require.ErrorIs(t, err, ErrInvalidTransition)

	current, err := c.GetOwnership(ctx, "conv-b")
	require.NoError(t, err)
	assert.Equal(t, released.Version, current.Version, "a rejected release must not write")
}

// Scenario C: the agent is suppressed while an operator owns the conversation.
func TestCoordinator_AgentMessageSuppressed(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := t.Context()

	require.NoError(t, c.RecordAgentMessage(ctx, "conv-c"))

	_, err := c.Claim(ctx, "conv-c", "op1")
	require.NoError(t, err)

	err = c.RecordAgentMessage(ctx, "conv-c")
	require.ErrorIs(t, err, ErrSuppressed)

	o, err := c.GetOwnership(ctx, "conv-c")
	require.NoError(t, err)
	assert.Equal(t, store.OperatorOwner("op1"), o.Owner)
}

// Scenario D: auto-reply needs both agent ownership and business hours.
func TestCoordinator_AutoReplyFollowsBusinessHours(t *testing.T) {
	policy := saoPauloPolicy(t)
	s := store.NewMockStore()
	c := NewCoordinator(s, hours.NewHolder(policy), nil, nil)
	ctx := t.Context()
	loc := policy.Location()

	saturday := time.Date(2026, 10, 17, 10, 0, 0, 0, loc)
	tuesday := time.Date(2026, 10, 20, 9, 0, 0, 0, loc)

	d, err := c.AutoReply(ctx, "conv-d", saturday)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.False(t, d.WithinHours)
	assert.True(t, d.Owner.IsAgent())

	allowed, err := c.IsAutoReplyAllowed(ctx, "conv-d", tuesday)
	require.NoError(t, err)
	assert.True(t, allowed)

	// Replacing the policy takes effect on the next evaluation
	c.Policy().Replace(nil)
	allowed, err = c.IsAutoReplyAllowed(ctx, "conv-d", saturday)
	require.NoError(t, err)
	assert.True(t, allowed, "no policy means always open")
}

// Scenario E: two claims from the same observed version yield one winner.
func TestCoordinator_ConcurrentClaimsOneWinner(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	assertOneClaimWins(t, c)
}

func TestCoordinator_ConcurrentClaimsOneWinnerSQLite(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "handover.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	assertOneClaimWins(t, NewCoordinator(s, nil, nil, nil))

	records, err := s.ListTransitions(t.Context(), "conv-e", 10)
	require.NoError(t, err)
	assert.Len(t, records, 1, "only the winning claim is logged")
}

// assertOneClaimWins races two operators claiming the same version.
func assertOneClaimWins(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx := t.Context()

	initial, err := c.GetOwnership(ctx, "conv-e")
	require.NoError(t, err)

	type outcome struct {
		operator string
		o        *store.Ownership
		err      error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for _, op := range []string{"op1", "op2"} {
		wg.Go(func() {
			o, err := c.ClaimIfVersion(ctx, "conv-e", op, initial.Version)
			results <- outcome{op, o, err}
		})
	}
	wg.Wait()
	close(results)

	var winners []outcome
	var losers []outcome
	for r := range results {
		if r.err == nil {
			winners = append(winners, r)
		} else {
			losers = append(losers, r)
		}
	}
	require.Len(t, winners, 1)
	require.Len(t, losers, 1)

	var conflict *ConflictError
	require.ErrorAs(t, losers[0].err, &conflict)
	require.NotNil(t, conflict.Current)
	assert.Equal(t, store.OperatorOwner(winners[0].operator), conflict.Current.Owner)
	assert.Contains(t, conflict.Error(), "this conversation was just taken by "+winners[0].operator)

	// The loser re-reads and sees the winner's state
	current, err := c.GetOwnership(ctx, "conv-e")
	require.NoError(t, err)
	assert.Equal(t, winners[0].o.Version, current.Version)
	assert.Equal(t, store.OperatorOwner(winners[0].operator), current.Owner)
}

func TestCoordinator_ClaimIdempotentForOwner(t *testing.T) {
	pub := &recordingPublisher{}
	c, _, _ := newTestCoordinator(t, WithPublisher(pub))
	ctx := t.Context()

	first, err := c.ClaimIfVersion(ctx, "conv-1", "op1", 1)
	require.NoError(t, err)

	second, err := c.ClaimIfVersion(ctx, "conv-1", "op1", 1)
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)

	third, err := c.Claim(ctx, "conv-1", "op1")
	require.NoError(t, err)
	assert.Equal(t, first.Version, third.Version)

	assert.Equal(t, []int64{2}, pub.versions(), "only the first claim writes and publishes")
}

func TestCoordinator_HumanMessageDisplacesOperator(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := t.Context()

	_, err := c.Claim(ctx, "conv-1", "op1")
	require.NoError(t, err)

	o, err := c.RecordHumanMessage(ctx, "conv-1", "op2")
	require.NoError(t, err)
	assert.Equal(t, store.OperatorOwner("op2"), o.Owner)
}

func TestCoordinator_StoreUnavailable(t *testing.T) {
	c, s, _ := newTestCoordinator(t)
	ctx := t.Context()

	_, err := c.GetOwnership(ctx, "conv-1")
	require.NoError(t, err)

	s.SetErr(errors.New("connection refused"))

	_, err = c.Claim(ctx, "conv-1", "op1")
	require.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = c.RecordHumanMessage(ctx, "conv-1", "op1")
	require.ErrorIs(t, err, ErrStoreUnavailable)

	err = c.RecordAgentMessage(ctx, "conv-1")
	require.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = c.IsAutoReplyAllowed(ctx, "conv-1", time.Now())
	require.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = c.History(ctx, "conv-1", 10)
	require.ErrorIs(t, err, ErrStoreUnavailable)

	s.SetErr(nil)
	o, err := c.GetOwnership(ctx, "conv-1")
	require.NoError(t, err)
	assert.True(t, o.Owner.IsAgent(), "failed writes leave state untouched")
}

func TestCoordinator_PublishesEachCommitOnce(t *testing.T) {
	pub := &recordingPublisher{}
	c, _, _ := newTestCoordinator(t, WithPublisher(pub))
	ctx := t.Context()

	_, err := c.Claim(ctx, "conv-1", "op1")
	require.NoError(t, err)
	_, err = c.RecordHumanMessage(ctx, "conv-1", "op1")
	require.NoError(t, err)
	_, err = c.Release(ctx, "conv-1")
	require.NoError(t, err)
	require.NoError(t, c.RecordAgentMessage(ctx, "conv-1"))

	// Rejected events publish nothing
	_, err = c.Release(ctx, "conv-1")
	require.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t, []int64{2, 3, 4, 5}, pub.versions())
}

func TestCoordinator_PublishFailureDoesNotFailWrite(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	c, _, _ := newTestCoordinator(t, WithPublisher(pub))

	o, err := c.Claim(t.Context(), "conv-1", "op1")
	require.NoError(t, err)
	assert.Equal(t, store.OperatorOwner("op1"), o.Owner)
}

func TestCoordinator_WatchStartsWithFreshRead(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	_, err := c.Claim(ctx, "conv-w", "op1")
	require.NoError(t, err)

	ch, err := c.Watch(ctx, "conv-w")
	require.NoError(t, err)

	first := receive(t, ch)
	assert.Equal(t, int64(2), first.Version)
	assert.Equal(t, store.OperatorOwner("op1"), first.Owner)

	_, err = c.Release(ctx, "conv-w")
	require.NoError(t, err)

	next := receive(t, ch)
	assert.Equal(t, int64(3), next.Version)
	assert.True(t, next.Owner.IsAgent())

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			// drain any in-flight snapshot, then expect close
			_, ok = <-ch
		}
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}

func TestCoordinator_WatchDropsStaleSnapshots(t *testing.T) {
	c, _, b := newTestCoordinator(t)
	ctx := t.Context()

	_, err := c.Claim(ctx, "conv-w", "op1")
	require.NoError(t, err)

	ch, err := c.Watch(ctx, "conv-w")
	require.NoError(t, err)
	assert.Equal(t, int64(2), receive(t, ch).Version)

	// A late duplicate from another instance must not reach the viewer
	stale := store.NewAgentOwnership("conv-w", time.Now())
	require.NoError(t, b.Publish(ctx, stale))

	_, err = c.Release(ctx, "conv-w")
	require.NoError(t, err)
	assert.Equal(t, int64(3), receive(t, ch).Version)
}

func TestCoordinator_WatchWithoutBroadcaster(t *testing.T) {
	c := NewCoordinator(store.NewMockStore(), nil, nil, nil)
	_, err := c.Watch(t.Context(), "conv-1")
	require.Error(t, err)
}

func TestCoordinator_History(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := t.Context()

	_, err := c.Claim(ctx, "conv-h", "op1")
	require.NoError(t, err)
	_, err = c.Release(ctx, "conv-h")
	require.NoError(t, err)

	records, err := c.History(ctx, "conv-h", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, string(EventReleaseToAgent), records[0].Event)
	assert.Equal(t, string(EventOperatorClaims), records[1].Event)

	_, err = c.History(ctx, "", 10)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCoordinator_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewMetrics(provider.Meter("handover-test"))
	require.NoError(t, err)

	c, _, _ := newTestCoordinator(t, WithMetrics(m))
	ctx := t.Context()

	_, err = c.ClaimIfVersion(ctx, "conv-m", "op1", 1)
	require.NoError(t, err)
	_, err = c.ClaimIfVersion(ctx, "conv-m", "op2", 1)
	require.ErrorIs(t, err, ErrConflict)
	require.ErrorIs(t, c.RecordAgentMessage(ctx, "conv-m"), ErrSuppressed)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	assert.Equal(t, int64(1), counterTotal(rm, "handover.transitions"))
	assert.Equal(t, int64(1), counterTotal(rm, "handover.conflicts"))
	assert.Equal(t, int64(1), counterTotal(rm, "handover.agent.suppressed"))
	assert.Equal(t, int64(0), counterTotal(rm, "handover.store.errors"))
}

func TestNewMetrics_NilMeter(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	require.NotNil(t, m.Transitions)
	m.observe(t.Context(), EventOperatorClaims, outcomeCommitted)

	var nilMetrics *Metrics
	nilMetrics.observe(t.Context(), EventOperatorClaims, outcomeCommitted)
}

func counterTotal(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != name {
				continue
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func receive(t *testing.T, ch <-chan *store.Ownership) *store.Ownership {
	t.Helper()
	select {
	case o, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return o
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}
