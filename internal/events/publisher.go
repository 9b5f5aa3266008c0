// Package events publishes onboarding milestones to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Event types.
const (
	TypeQuestionnaireSubmitted = "onboarding.questionnaire_submitted"
	TypeOnboardingCompleted    = "onboarding.completed"
)

// Event is the message body published for every milestone.
type Event struct {
	Type       string         `json:"type"`
	UserID     string         `json:"user_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// Publisher sends events to a broker.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// ErrBrokerUnavailable is returned while the publisher waits out the
// cooldown after a failed dial.
var ErrBrokerUnavailable = errors.New("rabbitmq unavailable")

// redialCooldown is how long a failed dial suppresses further attempts.
const redialCooldown = 30 * time.Second

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

type dialFunc func(url, queue string, timeout time.Duration) (io.Closer, amqpChannel, error)

// AMQPPublisher publishes persistent JSON messages to a durable queue on the
// default exchange. The connection is opened lazily and re-dialed after a
// failure.
type AMQPPublisher struct {
	url         string
	queue       string
	dialTimeout time.Duration
	dial        dialFunc
	now         func() time.Time

	mu       sync.Mutex
	conn     io.Closer
	ch       amqpChannel
	failedAt time.Time
}

// NewAMQPPublisher creates a publisher for queue on the broker at url.
// Connecting gives up after dialTimeout.
func NewAMQPPublisher(url, queue string, dialTimeout time.Duration) *AMQPPublisher {
	return &AMQPPublisher{
		url:         url,
		queue:       queue,
		dialTimeout: dialTimeout,
		dial:        dialAMQP,
		now:         time.Now,
	}
}

func dialAMQP(url, queue string, timeout time.Duration) (io.Closer, amqpChannel, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}

	// Idempotent; durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return conn, ch, nil
}

func (p *AMQPPublisher) channel(ctx context.Context) (amqpChannel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.resetLocked()

	now := p.now()
	if !p.failedAt.IsZero() && now.Sub(p.failedAt) < redialCooldown {
		return nil, ErrBrokerUnavailable
	}

	timeout := p.dialTimeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("dial rabbitmq: %w", context.DeadlineExceeded)
	}

	conn, ch, err := p.dial(p.url, p.queue, timeout)
	if err != nil {
		p.failedAt = now
		return nil, err
	}
	p.failedAt = time.Time{}
	p.conn = conn
	p.ch = ch
	return ch, nil
}

func (p *AMQPPublisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Publish sends event as a persistent message.
func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		Type:         event.Type,
		Body:         body,
	})
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}

	slog.Debug("Event published", "type", event.Type, "user_id", event.UserID)
	return nil
}

// Close releases the broker connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

// New returns an AMQP publisher when url is set and a NopPublisher otherwise.
func New(url, queue string, dialTimeout time.Duration) Publisher {
	if url == "" {
		return NopPublisher{}
	}
	return NewAMQPPublisher(url, queue, dialTimeout)
}
