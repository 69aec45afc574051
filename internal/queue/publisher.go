package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/reseau-solidaire/backoffice-api/internal/model"
)

// AuditPublisher publishes audit entries as persistent messages on a durable
// queue. The connection is opened lazily and reopened after a failure.
type AuditPublisher struct {
	url   string
	queue string
	log   *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAuditPublisher(url, queue string, log *zap.Logger) *AuditPublisher {
	if queue == "" {
		queue = DefaultAuditQueue
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditPublisher{url: url, queue: queue, log: log}
}

// Write publishes e. It satisfies audit.Sink.
func (p *AuditPublisher) Write(ctx context.Context, e model.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	body, err := encodeAuditEvent(e)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			MessageId:    e.ID,
			Type:         e.Action,
			Body:         body,
		})
	if err != nil {
		p.reset()
		return fmt.Errorf("publish audit event: %w", err)
	}
	return nil
}

// channel returns the open channel, dialing when needed. Caller holds p.mu.
func (p *AuditPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.reset()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq queue declare: %w", err)
	}
	p.conn, p.ch = conn, ch
	p.log.Info("audit publisher connected", zap.String("queue", p.queue))
	return ch, nil
}

func (p *AuditPublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func (p *AuditPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}
