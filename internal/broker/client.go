// ABOUTME: AMQP client that shares committed ownership snapshots between gateway instances
// ABOUTME: Publishes to a topic exchange and feeds remote snapshots into the local broadcaster

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/2389/handover-gateway/internal/store"
)

// Config holds the broker connection settings.
type Config struct {
	URL         string
	Exchange    string
	ConnTimeout time.Duration
	// InstanceID is stamped as producer on outgoing envelopes; deliveries
	// carrying it are skipped because the local broadcaster already saw them.
	InstanceID string

	ReconnectBase time.Duration
	ReconnectCap  time.Duration

	Dialer func(ctx context.Context, url string) (*amqp.Connection, error)
}

// Sink receives snapshots from other instances.
type Sink interface {
	Publish(ctx context.Context, o *store.Ownership) error
}

// connection is the part of *amqp.Connection the client uses.
type connection interface {
	Channel() (*amqp.Channel, error)
	IsClosed() bool
	Close() error
}

// errClientClosed is returned once Close has been called.
var errClientClosed = errors.New("broker client closed")

// Client publishes and consumes ownership envelopes.
type Client struct {
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	conn    connection
	pubCh   *amqp.Channel
	closed  bool
	backoff func(attempt int) time.Duration
}

// NewClient dials the broker and declares the exchange.
func NewClient(ctx context.Context, config Config, logger *slog.Logger) (*Client, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("broker URL is required")
	}
	if config.Exchange == "" {
		return nil, fmt.Errorf("broker exchange is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.ReconnectBase <= 0 {
		config.ReconnectBase = time.Second
	}
	if config.ReconnectCap <= 0 {
		config.ReconnectCap = 30 * time.Second
	}

	c := &Client{
		config: config,
		logger: logger.With("component", "broker"),
	}
	c.backoff = func(attempt int) time.Duration {
		return jitteredBackoff(c.config.ReconnectBase, c.config.ReconnectCap, attempt)
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	c.logger.Info("broker ready", "host", redactedHost(config.URL), "exchange", config.Exchange)
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	timeout := c.config.ConnTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial := c.config.Dialer
	if dial == nil {
		dial = func(ctx context.Context, u string) (*amqp.Connection, error) {
			return amqp.DialConfig(u, amqp.Config{Dial: amqp.DefaultDial(timeout)})
		}
	}
	conn, err := dial(dialCtx, c.config.URL)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(c.config.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declare exchange %q: %w", c.config.Exchange, err)
	}

	return c.adopt(conn, ch)
}

// adopt installs a freshly dialed connection. A reconnect that finishes after
// Close must not leave a live connection behind.
func (c *Client) adopt(conn connection, ch *amqp.Channel) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if err := conn.Close(); err != nil {
			c.logger.Debug("closing connection dialed after close", "error", err)
		}
		return errClientClosed
	}
	c.conn = conn
	c.pubCh = ch
	c.mu.Unlock()
	return nil
}

// Publish sends a committed snapshot to the exchange. It satisfies
// handover.Publisher.
func (c *Client) Publish(ctx context.Context, o *store.Ownership) error {
	env := NewOwnershipChanged(o, c.config.InstanceID)
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	if c.pubCh == nil || c.pubCh.IsClosed() {
		if c.conn == nil || c.conn.IsClosed() {
			return errors.New("broker connection closed")
		}
		ch, err := c.conn.Channel()
		if err != nil {
			return fmt.Errorf("reopen channel: %w", err)
		}
		c.pubCh = ch
	}

	return c.pubCh.PublishWithContext(ctx, c.config.Exchange, EventOwnershipChanged, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Transient,
		MessageId:    env.Meta.ID,
		Type:         env.Meta.Type,
		Timestamp:    env.Meta.Time,
		AppId:        c.config.InstanceID,
	})
}

// Consume binds a private queue and hands remote snapshots to sink until ctx
// ends, reconnecting with jittered backoff when the connection drops.
func (c *Client) Consume(ctx context.Context, sink Sink) error {
	attempt := 0
	for {
		err := c.consumeOnce(ctx, sink)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isClosed() {
			return nil
		}
		wait := c.backoff(attempt)
		attempt++
		c.logger.Error("broker consumer stopped, reconnecting", "error", err, "retry_in", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if c.isClosed() {
			return nil
		}

		c.mu.Lock()
		needDial := c.conn == nil || c.conn.IsClosed()
		c.mu.Unlock()
		if needDial {
			if err := c.connect(ctx); err != nil {
				c.logger.Error("broker reconnect failed", "error", err)
				continue
			}
		}
		attempt = 0
	}
}

func (c *Client) consumeOnce(ctx context.Context, sink Sink) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return errors.New("broker connection closed")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	// Each instance needs every snapshot: exclusive, auto-delete queue per process
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, EventOwnershipChanged, c.config.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))

	c.logger.Info("broker consumer started", "queue", q.Name)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closeCh:
			if amqpErr == nil {
				return errors.New("channel closed")
			}
			return amqpErr
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			err := c.deliver(ctx, sink, d.Body)
			switch {
			case err == nil, errors.Is(err, ErrPoison):
				_ = d.Ack(false)
			default:
				_ = d.Nack(false, false)
			}
		}
	}
}

// deliver decodes one delivery and forwards it unless this instance produced it.
func (c *Client) deliver(ctx context.Context, sink Sink, body []byte) error {
	meta, o, err := DecodeOwnershipChanged(body)
	if err != nil {
		c.logger.Warn("dropping undecodable broker message", "error", err)
		return err
	}
	if meta.Producer != nil && *meta.Producer == c.config.InstanceID && c.config.InstanceID != "" {
		return nil
	}
	if err := sink.Publish(ctx, o); err != nil {
		return fmt.Errorf("forward snapshot: %w", err)
	}
	c.logger.Debug("remote ownership snapshot",
		"conversation_key", o.ConversationKey,
		"version", o.Version)
	return nil
}

// Connected reports whether the broker connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.conn != nil && !c.conn.IsClosed()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close shuts the connection down. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}

func jitteredBackoff(base, maxWait time.Duration, attempt int) time.Duration {
	wait := base
	for range attempt {
		wait *= 2
		if wait >= maxWait {
			wait = maxWait
			break
		}
	}
	// +/- 25%
	delta := (rand.Float64()*2 - 1) * 0.25
	wait = time.Duration(float64(wait) * (1 + delta))
	if wait > maxWait {
		wait = maxWait
	}
	return wait
}

func redactedHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
