// Package amqp fans ledger change notifications out to every process that
// shares a store. Each process binds its own exclusive queue to a fanout
// exchange; publishes are guarded by a circuit breaker.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"squirrel/internal/log"
)

// Circuit breaker states
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures    = 5
	openTimeout    = 30 * time.Second
	publishTimeout = 5 * time.Second
	maxBackoff     = 30 * time.Second
)

var (
	ErrCircuitOpen   = errors.New("circuit breaker is open")
	ErrNotConnected  = errors.New("amqp not connected")
	ErrConsumerEnded = errors.New("amqp delivery channel closed")
)

type Client struct {
	url          string
	exchangeName string
	queueName    string
	origin       string
	logger       *log.Logger

	mu          sync.Mutex
	conn        *amqp091.Connection
	pubCh       *amqp091.Channel
	subCh       *amqp091.Channel
	lastFailure time.Time

	failureCount int64
	state        int32
}

// NewClient dials url and declares the fanout exchange plus this process's
// exclusive queue. origin identifies this process in published messages so
// its own notifications can be skipped on receipt.
func NewClient(url, exchangeName, origin string, logger *log.Logger) (*Client, error) {
	c := &Client{
		url:          url,
		exchangeName: exchangeName,
		origin:       origin,
		logger:       log.OrNop(logger).WithComponent(log.ComponentAMQP),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}
	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open publish channel: %w", err)
	}
	subCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open consume channel: %w", err)
	}
	queue, err := setup(subCh, c.exchangeName)
	if err != nil {
		conn.Close()
		return fmt.Errorf("setup exchange and queue: %w", err)
	}

	c.mu.Lock()
	c.conn, c.pubCh, c.subCh, c.queueName = conn, pubCh, subCh, queue
	c.mu.Unlock()
	return nil
}

func setup(ch *amqp091.Channel, exchange string) (string, error) {
	err := ch.ExchangeDeclare(
		exchange, // name
		"fanout", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return "", fmt.Errorf("declare exchange: %w", err)
	}

	// Server-named, exclusive and auto-deleted: one queue per process that
	// disappears with the connection.
	q, err := ch.QueueDeclare(
		"",    // name
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return "", fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		return "", fmt.Errorf("bind queue: %w", err)
	}
	return q.Name, nil
}

// PublishChange announces that userID's ledger reached version.
func (c *Client) PublishChange(ctx context.Context, userID string, version int64) error {
	if c.isCircuitOpen() {
		return fmt.Errorf("publish ledger change: %w", ErrCircuitOpen)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := NewLedgerChangedMessage(userID, version, c.origin).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	ch := c.pubCh
	c.mu.Unlock()
	if ch == nil || ch.IsClosed() {
		c.publishFailed(ctx, ch, ErrNotConnected)
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = ch.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		"",             // routing key, ignored by fanout
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        body,
		},
	)
	if err != nil {
		c.publishFailed(ctx, ch, err)
		return fmt.Errorf("publish message: %w", err)
	}
	c.recordSuccess()

	c.logger.DebugContext(ctx, "Published ledger change",
		log.FieldUserID, userID,
		log.FieldVersion, version,
		"exchange", c.exchangeName)
	return nil
}

// Consume delivers ledger changes from other processes to handler until ctx
// ends or the delivery channel closes. Messages published by this process
// are acknowledged and skipped.
func (c *Client) Consume(ctx context.Context, handler func(*LedgerChangedMessage) error) error {
	c.mu.Lock()
	ch, queue := c.subCh, c.queueName
	c.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}

	msgs, err := ch.Consume(
		queue, // queue
		"",    // consumer
		false, // auto-ack (we want manual ack)
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	c.logger.InfoContext(ctx, "Started consuming ledger changes", "queue", queue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return ErrConsumerEnded
			}

			msg, err := LedgerChangedMessageFromJSON(delivery.Body)
			if err != nil {
				c.logger.ErrorContext(ctx, "Failed to unmarshal ledger change", log.FieldError, err.Error())
				delivery.Nack(false, false) // reject and don't requeue
				continue
			}
			if msg.Origin == c.origin {
				delivery.Ack(false)
				continue
			}

			if err := handler(msg); err != nil {
				c.logger.ErrorContext(ctx, "Failed to handle ledger change",
					log.FieldError, err.Error(),
					log.FieldUserID, msg.UserID,
					log.FieldVersion, msg.Version)
				delivery.Nack(false, true) // reject and requeue
				continue
			}
			delivery.Ack(false)
		}
	}
}

// Listen runs Consume and reconnects with exponential backoff whenever the
// consumer ends. onLost is called each time the stream breaks, before the
// reconnect, because notifications may have been missed in the gap.
func (c *Client) Listen(ctx context.Context, handler func(*LedgerChangedMessage) error, onLost func(error)) error {
	attempt := 0
	for {
		started := time.Now()
		err := c.Consume(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if onLost != nil {
			onLost(err)
		}
		if time.Since(started) > maxBackoff {
			attempt = 0
		}

		for {
			delay := exponentialBackoff(attempt)
			c.logger.WarnContext(ctx, "Ledger change stream lost, reconnecting",
				log.FieldError, errString(err), log.FieldAttempt, attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			attempt++
			c.closeConn()
			if err = c.connect(); err == nil {
				break
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// exponentialBackoff returns 1s, 2s, 4s, ... capped at maxBackoff.
func exponentialBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 5 {
		return maxBackoff
	}
	d := time.Second << uint(attempt)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// publishFailed counts a failed publish on ch. A broken link is torn down
// so Healthy reports it at once and Listen reconnects. A link that was
// already replaced is left alone. Reports whether the link was dropped.
func (c *Client) publishFailed(ctx context.Context, ch *amqp091.Channel, err error) bool {
	c.recordFailure()
	if !isConnectionError(err) {
		return false
	}
	c.mu.Lock()
	current := c.pubCh == ch
	c.mu.Unlock()
	if !current {
		return false
	}
	c.logger.WarnContext(ctx, "AMQP link broken on publish, dropping connection", log.FieldError, err.Error())
	c.closeConn()
	return true
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) || errors.Is(err, ErrNotConnected) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection", "eof", "broken pipe", "closed network"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (c *Client) isCircuitOpen() bool {
	switch atomic.LoadInt32(&c.state) {
	case StateOpen:
		c.mu.Lock()
		last := c.lastFailure
		c.mu.Unlock()
		if time.Since(last) > openTimeout {
			atomic.CompareAndSwapInt32(&c.state, StateOpen, StateHalfOpen)
			return false
		}
		return true
	default:
		return false
	}
}

func (c *Client) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	c.lastFailure = time.Now()
	c.mu.Unlock()
	n := atomic.AddInt64(&c.failureCount, 1)
	if n >= maxFailures || atomic.LoadInt32(&c.state) == StateHalfOpen {
		if atomic.SwapInt32(&c.state, StateOpen) != StateOpen {
			c.logger.Warn("AMQP circuit breaker opened", "failures", n)
		}
	}
}

// Healthy reports whether the connection is up and the breaker closed.
func (c *Client) Healthy() bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	return conn != nil && !conn.IsClosed() && atomic.LoadInt32(&c.state) != StateOpen
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn, c.pubCh, c.subCh = nil, nil, nil
	c.mu.Unlock()
	if conn != nil && !conn.IsClosed() {
		conn.Close()
	}
}

func (c *Client) Close() error {
	c.closeConn()
	return nil
}
