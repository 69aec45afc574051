package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/reseau-solidaire/backoffice-api/internal/model"
)

// AuditStore persists decoded entries. *repository.AuditRepo implements it.
type AuditStore interface {
	Insert(ctx context.Context, e model.AuditEntry) error
}

// AuditConsumer drains the audit queue into the store.
type AuditConsumer struct {
	url   string
	queue string
	store AuditStore
	log   *zap.Logger
}

func NewAuditConsumer(url, queue string, store AuditStore, log *zap.Logger) *AuditConsumer {
	if queue == "" {
		queue = DefaultAuditQueue
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditConsumer{url: url, queue: queue, store: store, log: log}
}

// Run consumes until ctx is cancelled, redialing with exponential backoff
// whenever the broker connection drops.
func (c *AuditConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.Warn("audit consumer dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("audit consumer loop ended, reconnecting", zap.Error(err))
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *AuditConsumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.log.Warn("audit consumer qos failed", zap.Error(err))
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for d := range msgs {
		if err := c.handle(ctx, d.Body); err != nil {
			c.log.Error("audit message rejected", zap.Error(err))
			requeue := errors.Is(err, errStoreUnavailable)
			if requeue {
				sleep(ctx, time.Second)
			}
			_ = d.Nack(false, requeue)
			continue
		}
		_ = d.Ack(false)
	}
	return errors.New("deliveries channel closed")
}

var errStoreUnavailable = errors.New("audit store unavailable")

// handle decodes one message and inserts it. Store failures are retryable;
// decode failures are not.
func (c *AuditConsumer) handle(ctx context.Context, body []byte) error {
	e, err := decodeAuditEvent(body)
	if err != nil {
		return err
	}
	if err := c.store.Insert(ctx, e); err != nil {
		return fmt.Errorf("%w: %v", errStoreUnavailable, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
