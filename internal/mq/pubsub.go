package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/playlog/apiserver/config"
	"google.golang.org/api/option"
)

const (
	defaultSubscriptionSuffix = "-archiver"
	maxDeliveryAttempts       = 5
	ackDeadline               = 30 * time.Second
)

// pubsubBroker maps each channel onto a Pub/Sub topic. Consumers of a
// channel share the subscription "<channel><suffix>".
type pubsubBroker struct {
	client *pubsub.Client
	suffix string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func newPubSubBroker(ctx context.Context, cfg config.PubSubConfig) (*pubsubBroker, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("pubsub project id is required")
	}

	var opts []option.ClientOption
	if file := strings.TrimSpace(cfg.CredentialsFile); file != "" {
		opts = append(opts, option.WithCredentialsFile(file))
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, err
	}

	suffix := cfg.SubscriptionSuffix
	if suffix == "" {
		suffix = defaultSubscriptionSuffix
	}
	return &pubsubBroker{client: client, suffix: suffix, topics: make(map[string]*pubsub.Topic)}, nil
}

// topic returns the cached handle for name, creating the topic on first use.
func (b *pubsubBroker) topic(ctx context.Context, name string) (*pubsub.Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return t, nil
	}

	t := b.client.Topic(name)
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %s: %w", name, err)
	}
	if !exists {
		if t, err = b.client.CreateTopic(ctx, name); err != nil {
			return nil, fmt.Errorf("create topic %s: %w", name, err)
		}
	}
	b.topics[name] = t
	return t, nil
}

func (b *pubsubBroker) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("pubsub channel is required")
	}
	t, err := b.topic(ctx, channel)
	if err != nil {
		return "", err
	}
	return t.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
}

// Subscribe nacks failed messages for redelivery until they have been
// attempted maxDeliveryAttempts times, then acks them.
func (b *pubsubBroker) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("pubsub channel is required")
	}
	t, err := b.topic(ctx, channel)
	if err != nil {
		return err
	}

	name := channel + b.suffix
	sub := b.client.Subscription(name)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("check subscription %s: %w", name, err)
	}
	if !exists {
		sub, err = b.client.CreateSubscription(ctx, name, pubsub.SubscriptionConfig{Topic: t, AckDeadline: ackDeadline})
		if err != nil {
			return fmt.Errorf("create subscription %s: %w", name, err)
		}
	}

	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		err := handler(ctx, Message{ID: msg.ID, Data: msg.Data, Attributes: msg.Attributes})
		if err != nil && (msg.DeliveryAttempt == nil || *msg.DeliveryAttempt < maxDeliveryAttempts) {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// Close flushes pending publishes and closes the client.
func (b *pubsubBroker) Close() error {
	b.mu.Lock()
	for _, t := range b.topics {
		t.Stop()
	}
	b.mu.Unlock()
	return b.client.Close()
}
