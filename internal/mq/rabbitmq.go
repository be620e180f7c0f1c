package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playlog/apiserver/config"
	amqp "github.com/rabbitmq/amqp091-go"
)

// rabbitBroker maps each channel onto a RabbitMQ queue of the same name,
// published through the default exchange.
type rabbitBroker struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	cfg  config.RabbitMQConfig

	mu       sync.Mutex
	declared map[string]bool
}

func newRabbitBroker(cfg config.RabbitMQConfig) (*rabbitBroker, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("rabbitmq url is required")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if cfg.PrefetchCount > 0 {
		if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set prefetch: %w", err)
		}
	}
	return &rabbitBroker{conn: conn, ch: ch, cfg: cfg, declared: make(map[string]bool)}, nil
}

// ensureQueue declares a queue once per broker. Callers hold b.mu.
func (b *rabbitBroker) ensureQueue(name string) error {
	if b.declared[name] {
		return nil
	}
	if _, err := b.ch.QueueDeclare(name, b.cfg.QueueDurable, b.cfg.QueueAutoDelete, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	b.declared[name] = true
	return nil
}

func (b *rabbitBroker) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("rabbitmq channel is required")
	}

	msg := amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Transient,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{},
		Body:         data,
	}
	if b.cfg.QueueDurable {
		msg.DeliveryMode = amqp.Persistent
	}
	for k, v := range attrs {
		if k == AttrContentType {
			msg.ContentType = v
			continue
		}
		msg.Headers[k] = v
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureQueue(channel); err != nil {
		return "", err
	}
	if err := b.ch.PublishWithContext(ctx, "", channel, false, false, msg); err != nil {
		return "", err
	}
	return msg.MessageId, nil
}

// Subscribe acks handled deliveries. A failed delivery is requeued once and
// dropped if it fails again.
func (b *rabbitBroker) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("rabbitmq channel is required")
	}

	tag := "archiver-" + uuid.NewString()
	b.mu.Lock()
	err := b.ensureQueue(channel)
	var deliveries <-chan amqp.Delivery
	if err == nil {
		deliveries, err = b.ch.Consume(channel, tag, false, false, false, false, nil)
	}
	b.mu.Unlock()
	if err != nil {
		return err
	}
	defer func() { _ = b.ch.Cancel(tag, false) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			if err := handler(ctx, toMessage(d)); err != nil {
				_ = d.Nack(false, !d.Redelivered)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (b *rabbitBroker) Close() error {
	_ = b.ch.Close()
	return b.conn.Close()
}

func toMessage(d amqp.Delivery) Message {
	attrs := make(map[string]string, len(d.Headers)+1)
	for k, v := range d.Headers {
		switch typed := v.(type) {
		case string:
			attrs[k] = typed
		case []byte:
			attrs[k] = string(typed)
		default:
			attrs[k] = fmt.Sprint(v)
		}
	}
	if d.ContentType != "" {
		attrs[AttrContentType] = d.ContentType
	}
	return Message{ID: d.MessageId, Data: d.Body, Attributes: attrs}
}
