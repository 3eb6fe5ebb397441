// Package rabbitmq publishes lifecycle and audit events to a topic exchange.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"pairchat/internal/observability"
	"pairchat/internal/telemetry"
)

const appID = "pairchat"

var ErrClosed = errors.New("publisher closed")

// Publisher publishes JSON events with string headers.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
	Close() error
}

var (
	_ Publisher               = (*amqpPublisher)(nil)
	_ telemetry.Publisher     = (*amqpPublisher)(nil)
	_ observability.Publisher = noopPublisher{}
)

// NewPublisher connects to amqpURL and declares exchange. When AMQP is not
// configured or the first dial fails, events are logged and dropped instead.
func NewPublisher(amqpURL, exchange string, logger logrus.FieldLogger) Publisher {
	if amqpURL == "" {
		return newNoop(logger, "empty amqp url")
	}

	p := &amqpPublisher{url: amqpURL, exchange: exchange, logger: logger.WithField("exchange", exchange)}
	if _, err := p.channel(); err != nil {
		return newNoop(logger, err.Error())
	}
	p.logger.Info("rabbitmq connected")
	return p
}

// amqpPublisher redials lazily: a failed publish drops the channel and the
// next publish opens a fresh one.
type amqpPublisher struct {
	url      string
	exchange string
	logger   logrus.FieldLogger

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed bool
}

func (p *amqpPublisher) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.resetLocked()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *amqpPublisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil && !p.conn.IsClosed() {
		_ = p.conn.Close()
	}
	p.conn = nil
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", routingKey, err)
	}

	ch, err := p.channel()
	if err != nil {
		return err
	}

	table := make(amqp.Table, len(headers))
	for key, value := range headers {
		table[key] = value
	}
	err = ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		AppId:        appID,
		Timestamp:    time.Now().UTC(),
		Headers:      table,
		Body:         body,
	})
	if err != nil {
		p.logger.WithError(err).WithField("routing_key", routingKey).Warn("rabbitmq publish failed")
		p.mu.Lock()
		if p.ch == ch {
			p.resetLocked()
		}
		p.mu.Unlock()
	}
	return err
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

// noopPublisher logs events at debug level so local runs still show them.
type noopPublisher struct {
	reason string
	logger logrus.FieldLogger
}

func newNoop(logger logrus.FieldLogger, reason string) noopPublisher {
	logger.WithField("reason", reason).Warn("rabbitmq disabled, using noop")
	return noopPublisher{reason: reason, logger: logger}
}

func (p noopPublisher) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	entry := p.logger.WithField("routing_key", routingKey)
	switch ev := event.(type) {
	case telemetry.AuditEnvelope:
		entry = entry.WithFields(logrus.Fields{"event_type": ev.EventType, "request_id": ev.RequestID})
	case observability.EventEnvelope:
		entry = entry.WithFields(logrus.Fields{"event_type": ev.EventType, "event_name": ev.EventName})
	}
	entry.Debug("rabbitmq noop publish")
	return nil
}

func (noopPublisher) Close() error {
	return nil
}

// PublisherMode reports "amqp" or "noop" for startup logs.
func PublisherMode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case noopPublisher:
		return "noop"
	}
	return "unknown"
}

func PublisherNoopReason(p Publisher) string {
	if publisher, ok := p.(noopPublisher); ok {
		return publisher.reason
	}
	return ""
}
