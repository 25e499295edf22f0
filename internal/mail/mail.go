// Package mail hands outbound account mails to a transport. The service
// never renders or sends mail itself; a downstream worker consumes the queue.
package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type Kind string

const (
	KindVerifyEmail   Kind = "verify_email"
	KindPasswordReset Kind = "password_reset"
)

// Message is the queue payload. Link carries the raw one-time token, so it
// is never logged.
type Message struct {
	Kind     Kind      `json:"kind"`
	To       string    `json:"to"`
	Username string    `json:"username"`
	Link     string    `json:"link"`
	SentAt   time.Time `json:"sent_at"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

// DialTimeout bounds the TCP connect and AMQP handshake of one dial.
const DialTimeout = 2 * time.Second

// AMQPDispatcher publishes each message as a persistent JSON body to a
// durable queue on the default exchange. The broker is dialed lazily and
// again after a drop; mu is never held across a dial.
type AMQPDispatcher struct {
	url    string
	queue  string
	logger *zap.SugaredLogger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPDispatcher(url, queue string, logger *zap.SugaredLogger) *AMQPDispatcher {
	return &AMQPDispatcher{url: url, queue: queue, logger: logger}
}

func (d *AMQPDispatcher) cached() *amqp.Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch != nil && !d.ch.IsClosed() {
		return d.ch
	}
	return nil
}

// channel returns the cached channel or dials a new one. The dial gives up
// at DialTimeout or the ctx deadline, whichever comes first. Concurrent
// callers may dial at once; the later one keeps the channel already stored.
func (d *AMQPDispatcher) channel(ctx context.Context) (*amqp.Channel, error) {
	if ch := d.cached(); ch != nil {
		return ch, nil
	}
	timeout := DialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("rabbitmq dial: %w", context.DeadlineExceeded)
	}
	conn, err := amqp.DialConfig(d.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if _, err := ch.QueueDeclare(d.queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq queue declare: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch != nil && !d.ch.IsClosed() {
		_ = conn.Close()
		return d.ch, nil
	}
	if d.conn != nil {
		_ = d.conn.Close()
	}
	d.conn, d.ch = conn, ch
	return ch, nil
}

func (d *AMQPDispatcher) Dispatch(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal mail: %w", err)
	}
	ch, err := d.channel(ctx)
	if err != nil {
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    msg.SentAt,
		Type:         string(msg.Kind),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", d.queue, false, false, pub); err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	d.logger.Debugw("mail queued", "kind", msg.Kind, "queue", d.queue)
	return nil
}

// Close tears down the channel and connection.
func (d *AMQPDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch != nil {
		_ = d.ch.Close()
		d.ch = nil
	}
	if d.conn != nil {
		err := d.conn.Close()
		d.conn = nil
		return err
	}
	return nil
}

// LogDispatcher only records that a mail would have been sent. It is used
// when no broker is configured.
type LogDispatcher struct {
	logger *zap.SugaredLogger
}

func NewLogDispatcher(logger *zap.SugaredLogger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(_ context.Context, msg Message) error {
	d.logger.Infow("mail not sent, no transport configured", "kind", msg.Kind, "to", msg.To)
	return nil
}
