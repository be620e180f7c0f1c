package mq

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

const (
	memoryQueueSize   = 1024
	memoryMaxAttempts = 5
	memoryRetryDelay  = 100 * time.Millisecond
)

var (
	errMemoryClosed = errors.New("memory broker closed")
	errQueueFull    = errors.New("memory queue full")
)

// Memory is an in-process broker. Each channel is a buffered queue shared
// by its subscribers. A message whose handler fails is requeued after an
// exponential delay and dropped after memoryMaxAttempts deliveries.
// Publishing to a full queue fails instead of blocking.
type Memory struct {
	mu         sync.Mutex
	queues     map[string]chan delivery
	seq        int
	closed     chan struct{}
	once       sync.Once
	retryDelay time.Duration
}

type delivery struct {
	msg      Message
	attempts int
}

func NewMemory() *Memory {
	return &Memory{
		queues:     make(map[string]chan delivery),
		closed:     make(chan struct{}),
		retryDelay: memoryRetryDelay,
	}
}

func (m *Memory) queue(channel string) chan delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[channel]
	if !ok {
		q = make(chan delivery, memoryQueueSize)
		m.queues[channel] = q
	}
	return q
}

func (m *Memory) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if channel == "" {
		return "", errors.New("memory channel is required")
	}
	select {
	case <-m.closed:
		return "", errMemoryClosed
	default:
	}
	m.mu.Lock()
	m.seq++
	id := strconv.Itoa(m.seq)
	m.mu.Unlock()

	msg := Message{ID: id, Data: append([]byte(nil), data...), Attributes: attrs}
	select {
	case m.queue(channel) <- delivery{msg: msg}:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	default:
		return "", errQueueFull
	}
}

func (m *Memory) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if channel == "" {
		return errors.New("memory channel is required")
	}
	q := m.queue(channel)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.closed:
			return errMemoryClosed
		case d := <-q:
			if err := handler(ctx, d.msg); err != nil {
				m.retry(q, d)
			}
		}
	}
}

// retry schedules d for redelivery unless it has used up its attempts.
func (m *Memory) retry(q chan delivery, d delivery) {
	d.attempts++
	if d.attempts >= memoryMaxAttempts {
		return
	}
	time.AfterFunc(m.retryDelay<<(d.attempts-1), func() {
		select {
		case <-m.closed:
		case q <- d:
		default:
		}
	})
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}
