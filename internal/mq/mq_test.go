package mq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/playlog/apiserver/config"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_Disabled(t *testing.T) {
	_, err := Open(context.Background(), config.Config{})
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.Config{Events: config.EventsConfig{Backend: "kafka"}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDisabled)
}

func TestOpen_RabbitMQRequiresURL(t *testing.T) {
	_, err := Open(context.Background(), config.Config{Events: config.EventsConfig{Backend: "rabbitmq"}})
	assert.ErrorContains(t, err, "rabbitmq url is required")
}

func TestMemory_PublishSubscribe(t *testing.T) {
	bus, err := Open(context.Background(), config.Config{Events: config.EventsConfig{Backend: "memory"}})
	require.NoError(t, err)
	defer bus.Close()
	assert.Equal(t, "memory", bus.Name())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = bus.Publish(ctx, "auth-events", []byte(`{"a":1}`), map[string]string{AttrContentType: "application/json"})
	require.NoError(t, err)

	got := make(chan Message, 1)
	go func() {
		_ = bus.Subscribe(ctx, "auth-events", func(_ context.Context, msg Message) error {
			got <- msg
			return nil
		})
	}()

	select {
	case msg := <-got:
		assert.Equal(t, `{"a":1}`, string(msg.Data))
		assert.Equal(t, "application/json", msg.Attributes[AttrContentType])
		assert.NotEmpty(t, msg.ID)
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}
}

func TestMemory_RequeuesOnHandlerError(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := m.Publish(ctx, "c", []byte("x"), nil)
	require.NoError(t, err)

	var attempts int32
	done := make(chan struct{})
	go func() {
		_ = m.Subscribe(ctx, "c", func(context.Context, Message) error {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return errors.New("try again")
			}
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
		assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	case <-ctx.Done():
		t.Fatal("message not redelivered")
	}
}

func TestMemory_DropsAfterMaxAttempts(t *testing.T) {
	m := NewMemory()
	m.retryDelay = time.Millisecond
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := m.Publish(ctx, "c", []byte("poison"), nil)
	require.NoError(t, err)

	var attempts int32
	go func() {
		_ = m.Subscribe(ctx, "c", func(context.Context, Message) error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("always fails")
		})
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&attempts) == memoryMaxAttempts
	}, time.Second, time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(memoryMaxAttempts), atomic.LoadInt32(&attempts))
}

func TestMemory_RetryBacksOff(t *testing.T) {
	m := NewMemory()
	m.retryDelay = 20 * time.Millisecond
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := m.Publish(ctx, "c", []byte("x"), nil)
	require.NoError(t, err)

	calls := make(chan time.Time, memoryMaxAttempts)
	go func() {
		_ = m.Subscribe(ctx, "c", func(context.Context, Message) error {
			calls <- time.Now()
			return errors.New("busy")
		})
	}()

	first := <-calls
	second := <-calls
	third := <-calls
	assert.GreaterOrEqual(t, second.Sub(first), 20*time.Millisecond)
	assert.GreaterOrEqual(t, third.Sub(second), 40*time.Millisecond)
}

func TestMemory_SubscribeStopsOnClose(t *testing.T) {
	m := NewMemory()
	errc := make(chan error, 1)
	go func() {
		errc <- m.Subscribe(context.Background(), "c", func(context.Context, Message) error { return nil })
	}()

	require.NoError(t, m.Close())
	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return after close")
	}

	_, err := m.Publish(context.Background(), "c", []byte("x"), nil)
	assert.Error(t, err)
}

func TestMemory_PublishFailsWhenFull(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	for i := 0; i < memoryQueueSize; i++ {
		_, err := m.Publish(context.Background(), "c", []byte("x"), nil)
		require.NoError(t, err)
	}
	_, err := m.Publish(context.Background(), "c", []byte("x"), nil)
	assert.ErrorIs(t, err, errQueueFull)
}

func TestToMessage(t *testing.T) {
	msg := toMessage(amqp.Delivery{
		MessageId:   "m1",
		ContentType: "application/json",
		Headers:     amqp.Table{"event_type": "session.created", "raw": []byte("x"), "n": int32(3)},
		Body:        []byte(`{}`),
	})

	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, []byte(`{}`), msg.Data)
	assert.Equal(t, map[string]string{
		AttrContentType: "application/json",
		"event_type":    "session.created",
		"raw":           "x",
		"n":             "3",
	}, msg.Attributes)
}
