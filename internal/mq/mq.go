// Package mq carries auth events over a message broker. RabbitMQ and Google
// Cloud Pub/Sub are supported, plus an in-process backend.
package mq

import (
	"context"
	"errors"
	"fmt"

	"github.com/playlog/apiserver/config"
)

// ErrDisabled is returned by Open when no broker backend is configured.
var ErrDisabled = errors.New("message broker disabled")

// AttrContentType is the message attribute naming the payload media type.
const AttrContentType = "content-type"

// Message is a broker-agnostic delivery.
type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string
}

// Handler processes a message. A non-nil error asks the broker to redeliver.
type Handler func(ctx context.Context, msg Message) error

// Backend is implemented by each broker client.
type Backend interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}

// MQ wraps a backend with a stable API.
type MQ struct {
	backend Backend
	name    string
}

func New(backend Backend) *MQ {
	return &MQ{backend: backend, name: fmt.Sprintf("%T", backend)}
}

// Open connects the backend selected by cfg.Events.Backend ("rabbitmq",
// "pubsub" or "memory"). An empty backend yields ErrDisabled.
func Open(ctx context.Context, cfg config.Config) (*MQ, error) {
	switch cfg.Events.Backend {
	case "":
		return nil, ErrDisabled
	case "rabbitmq":
		client, err := newRabbitBroker(cfg.RabbitMQ)
		if err != nil {
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		return &MQ{backend: client, name: "rabbitmq"}, nil
	case "pubsub":
		client, err := newPubSubBroker(ctx, cfg.PubSub)
		if err != nil {
			return nil, fmt.Errorf("connect pubsub: %w", err)
		}
		return &MQ{backend: client, name: "pubsub"}, nil
	case "memory":
		return &MQ{backend: NewMemory(), name: "memory"}, nil
	default:
		return nil, fmt.Errorf("unsupported mq backend %q", cfg.Events.Backend)
	}
}

// Name identifies the backend in logs.
func (m *MQ) Name() string {
	return m.name
}

func (m *MQ) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	return m.backend.Publish(ctx, channel, data, attrs)
}

// Subscribe blocks consuming channel until ctx is done or the backend fails.
func (m *MQ) Subscribe(ctx context.Context, channel string, handler Handler) error {
	return m.backend.Subscribe(ctx, channel, handler)
}

func (m *MQ) Close() error {
	return m.backend.Close()
}
