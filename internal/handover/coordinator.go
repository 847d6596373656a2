// ABOUTME: Coordinator is the single entry point callers use to read and change conversation ownership
// ABOUTME: It runs events through the Engine, publishes committed snapshots, and answers auto-reply questions

package handover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/handover-gateway/internal/conversation"
	"github.com/2389/handover-gateway/internal/hours"
	"github.com/2389/handover-gateway/internal/store"
)

// Publisher receives one snapshot per committed write.
type Publisher interface {
	Publish(ctx context.Context, o *store.Ownership) error
}

// publishTimeout bounds how long a committed snapshot may spend in publishers.
const publishTimeout = 5 * time.Second

// Coordinator composes the engine, the business-hours policy and propagation.
type Coordinator struct {
	engine       *Engine
	store        store.OwnershipStore
	policy       *hours.Holder
	broadcaster  *conversation.Broadcaster
	publishers   []Publisher
	metrics      *Metrics
	writeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPublisher adds a publisher that sees every committed snapshot, in
// addition to the local broadcaster.
func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.publishers = append(c.publishers, p)
		}
	}
}

// WithMetrics records transition outcomes on m.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithWriteTimeout bounds each store round trip. Zero means no extra bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.writeTimeout = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
		c.engine.now = now
	}
}

// NewCoordinator creates a Coordinator. policy and broadcaster may be nil:
// a nil policy means always within business hours, a nil broadcaster
// disables Watch.
func NewCoordinator(s store.OwnershipStore, policy *hours.Holder, broadcaster *conversation.Broadcaster, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == nil {
		policy = hours.NewHolder(nil)
	}
	c := &Coordinator{
		engine:      NewEngine(s, logger),
		store:       s,
		policy:      policy,
		broadcaster: broadcaster,
		now:         time.Now,
		logger:      logger.With("component", "coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the holder consulted by IsAutoReplyAllowed.
func (c *Coordinator) Policy() *hours.Holder {
	return c.policy
}

// GetOwnership returns the current ownership, creating an agent-owned row
// the first time a conversation is seen.
func (c *Coordinator) GetOwnership(ctx context.Context, key string) (*store.Ownership, error) {
	ctx, cancel := c.storeContext(ctx)
	defer cancel()

	o, err := c.engine.Load(ctx, key)
	if err != nil {
		c.readFailed(ctx, key, err)
		return nil, err
	}
	return o, nil
}

// Claim gives the conversation to operatorID. A concurrent write between the
// read and the commit yields *ConflictError.
func (c *Coordinator) Claim(ctx context.Context, key, operatorID string) (*store.Ownership, error) {
	cur, err := c.GetOwnership(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.apply(ctx, key, cur.Version, OperatorClaims(operatorID, c.now()))
}

// ClaimIfVersion claims only if the conversation is still at observedVersion,
// the version the operator's screen was showing.
func (c *Coordinator) ClaimIfVersion(ctx context.Context, key, operatorID string, observedVersion int64) (*store.Ownership, error) {
	return c.apply(ctx, key, observedVersion, OperatorClaims(operatorID, c.now()))
}

// Release hands the conversation back to the agent.
func (c *Coordinator) Release(ctx context.Context, key string) (*store.Ownership, error) {
	cur, err := c.GetOwnership(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.apply(ctx, key, cur.Version, ReleaseToAgent(c.now()))
}

// RecordHumanMessage marks that operatorID sent a message, claiming the
// conversation if needed. A lost race is retried once against the fresh
// state; if that also loses, the state that won is returned without error
// because the message itself was already delivered.
func (c *Coordinator) RecordHumanMessage(ctx context.Context, key, operatorID string) (*store.Ownership, error) {
	cur, err := c.GetOwnership(ctx, key)
	if err != nil {
		return nil, err
	}

	o, err := c.apply(ctx, key, cur.Version, HumanMessageSent(operatorID, c.now()))
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		return o, err
	}

	retryFrom := cur.Version
	if conflict.Current != nil {
		retryFrom = conflict.Current.Version
	} else if fresh, readErr := c.GetOwnership(ctx, key); readErr == nil {
		retryFrom = fresh.Version
	} else {
		return nil, readErr
	}

	o, err = c.apply(ctx, key, retryFrom, HumanMessageSent(operatorID, c.now()))
	if errors.As(err, &conflict) {
		c.logger.Warn("human message lost ownership race twice",
			"conversation_key", key,
			"operator_id", operatorID)
		if conflict.Current != nil {
			return conflict.Current, nil
		}
		return c.GetOwnership(ctx, key)
	}
	return o, err
}

// RecordAgentMessage marks that the agent replied. It returns ErrSuppressed
// when an operator owns the conversation; the caller must drop the reply.
func (c *Coordinator) RecordAgentMessage(ctx context.Context, key string) error {
	cur, err := c.GetOwnership(ctx, key)
	if err != nil {
		return err
	}
	if cur.Owner.IsOperator() {
		c.metrics.observe(ctx, EventAgentMessageSent, outcomeSuppressed)
		return fmt.Errorf("%w: %s is owned by %s", ErrSuppressed, key, cur.Owner.OperatorID)
	}

	_, err = c.apply(ctx, key, cur.Version, AgentMessageSent(c.now()))
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		return err
	}

	// Another agent message landed in between; an operator taking over
	// surfaces from Apply as ErrSuppressed on either attempt.
	retryFrom := cur.Version
	if conflict.Current != nil {
		retryFrom = conflict.Current.Version
	}
	_, err = c.apply(ctx, key, retryFrom, AgentMessageSent(c.now()))
	return err
}

// AutoReplyDecision explains IsAutoReplyAllowed.
type AutoReplyDecision struct {
	Allowed     bool
	Owner       store.Owner
	WithinHours bool
	Version     int64
}

// AutoReply reports whether the agent may reply at now, and why.
func (c *Coordinator) AutoReply(ctx context.Context, key string, now time.Time) (*AutoReplyDecision, error) {
	cur, err := c.GetOwnership(ctx, key)
	if err != nil {
		return nil, err
	}
	within := c.policy.Evaluate(now)
	return &AutoReplyDecision{
		Allowed:     cur.Owner.IsAgent() && within,
		Owner:       cur.Owner,
		WithinHours: within,
		Version:     cur.Version,
	}, nil
}

// IsAutoReplyAllowed is true when the agent owns the conversation and now
// falls inside business hours.
func (c *Coordinator) IsAutoReplyAllowed(ctx context.Context, key string, now time.Time) (bool, error) {
	d, err := c.AutoReply(ctx, key, now)
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

// Watch streams ownership snapshots for key. The first value is a fresh read;
// later values are strictly newer versions. The channel closes when ctx ends.
// A reconnecting viewer calls Watch again; missed intermediate versions are
// not replayed.
func (c *Coordinator) Watch(ctx context.Context, key string) (<-chan *store.Ownership, error) {
	if c.broadcaster == nil {
		return nil, errors.New("watch: no broadcaster configured")
	}

	// Subscribe before reading so no commit falls between the two
	subCtx, cancel := context.WithCancel(ctx)
	updates, _ := c.broadcaster.Subscribe(subCtx, key)

	initial, err := c.GetOwnership(ctx, key)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan *store.Ownership, 1)
	go func() {
		defer close(out)
		defer cancel()

		view := conversation.NewView(nil)
		view.Apply(initial)
		if !send(subCtx, out, view.Current()) {
			return
		}
		for {
			select {
			case <-subCtx.Done():
				return
			case o, ok := <-updates:
				if !ok {
					return
				}
				if view.Apply(o) && !send(subCtx, out, view.Current()) {
					return
				}
			}
		}
	}()
	return out, nil
}

func send(ctx context.Context, out chan<- *store.Ownership, o *store.Ownership) bool {
	select {
	case out <- o:
		return true
	case <-ctx.Done():
		return false
	}
}

// History returns the newest transition records for key.
func (c *Coordinator) History(ctx context.Context, key string, limit int) ([]*store.TransitionRecord, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: conversation key is required", ErrInvalidTransition)
	}
	ctx, cancel := c.storeContext(ctx)
	defer cancel()

	records, err := c.store.ListTransitions(ctx, key, limit)
	if err != nil {
		err = unavailable(err)
		c.readFailed(ctx, key, err)
		return nil, err
	}
	return records, nil
}

func (c *Coordinator) apply(ctx context.Context, key string, observedVersion int64, ev Event) (*store.Ownership, error) {
	storeCtx, cancel := c.storeContext(ctx)
	defer cancel()

	res, err := c.engine.Apply(storeCtx, key, observedVersion, ev)
	if err != nil {
		c.metrics.observe(ctx, ev.Kind, outcomeOf(err))
		c.logFailure(key, ev.Kind, err)
		return nil, err
	}

	if !res.Committed {
		c.metrics.observe(ctx, ev.Kind, outcomeNoop)
		return res.Ownership, nil
	}

	c.metrics.observe(ctx, ev.Kind, outcomeCommitted)
	if res.Previous != res.Ownership.Owner {
		c.logger.Info("ownership changed",
			"conversation_key", key,
			"from", res.Previous.String(),
			"to", res.Ownership.Owner.String(),
			"version", res.Ownership.Version)
	}
	c.publish(ctx, res.Ownership)
	return res.Ownership, nil
}

// publish fans a committed snapshot out. Failures are logged only: the store
// already holds the truth and viewers recover on their next read.
func (c *Coordinator) publish(ctx context.Context, o *store.Ownership) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if c.broadcaster != nil {
		if err := c.broadcaster.Publish(pubCtx, o); err != nil {
			c.publishFailed(pubCtx, o, err)
		}
	}
	for _, p := range c.publishers {
		if err := p.Publish(pubCtx, o); err != nil {
			c.publishFailed(pubCtx, o, err)
		}
	}
}

func (c *Coordinator) publishFailed(ctx context.Context, o *store.Ownership, err error) {
	if c.metrics != nil {
		c.metrics.PublishFailures.Add(ctx, 1)
	}
	c.logger.Warn("failed to publish ownership snapshot",
		"conversation_key", o.ConversationKey,
		"version", o.Version,
		"error", err)
}

func (c *Coordinator) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.writeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.writeTimeout)
}

// readFailed records a failed read. Store failures count toward
// handover.store.errors with event "read".
func (c *Coordinator) readFailed(ctx context.Context, key string, err error) {
	if errors.Is(err, ErrStoreUnavailable) {
		c.metrics.observe(ctx, eventRead, outcomeStoreError)
	}
	c.logFailure(key, eventRead, err)
}

func (c *Coordinator) logFailure(key string, kind EventKind, err error) {
	switch {
	case errors.Is(err, ErrConflict):
		c.logger.Debug("transition conflict", "conversation_key", key, "event", kind, "error", err)
	case errors.Is(err, ErrSuppressed):
		c.logger.Debug("agent reply suppressed", "conversation_key", key)
	case errors.Is(err, ErrInvalidTransition):
		c.logger.Warn("invalid transition", "conversation_key", key, "event", kind, "error", err)
	default:
		c.logger.Error("ownership store failure", "conversation_key", key, "event", kind, "error", err)
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrConflict):
		return outcomeConflict
	case errors.Is(err, ErrSuppressed):
		return outcomeSuppressed
	case errors.Is(err, ErrInvalidTransition):
		return outcomeInvalid
	default:
		return outcomeStoreError
	}
}
