// Package events publishes auth lifecycle events to the message broker and
// archives them to object storage.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/playlog/apiserver/internal/mq"
	"go.uber.org/zap"
)

type Type string

const (
	UserRegistered Type = "user.registered"
	SessionCreated Type = "session.created"
	SessionRevoked Type = "session.revoked"
	LoginFailed    Type = "login.failed"
)

// Reasons attached to SessionRevoked and LoginFailed events.
const (
	ReasonLogout             = "logout"
	ReasonSuperseded         = "superseded"
	ReasonAdmin              = "admin"
	ReasonInvalidCredentials = "invalid_credentials"
	ReasonInactive           = "inactive"
	ReasonThrottled          = "throttled"
)

// Event is one auth lifecycle occurrence. Passwords and tokens are never
// part of an event.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	UserID     int       `json:"user_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Login      string    `json:"login,omitempty"`
	IP         string    `json:"ip,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// New returns an event of the given type with a fresh id.
func New(typ Type, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		OccurredAt: at.UTC(),
	}
}

// Bus is the broker surface used by the publisher and archiver. *mq.MQ
// satisfies it.
type Bus interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Subscribe(ctx context.Context, channel string, handler mq.Handler) error
}

// Publisher sends events to one broker channel.
type Publisher struct {
	bus     Bus
	channel string
	log     *zap.Logger
}

func NewPublisher(bus Bus, channel string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{bus: bus, channel: channel, log: log}
}

func (p *Publisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	attrs := map[string]string{
		mq.AttrContentType: "application/json",
		"event_type":       string(event.Type),
	}
	if _, err := p.bus.Publish(ctx, p.channel, data, attrs); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	p.log.Debug("event published", zap.String("type", string(event.Type)), zap.String("id", event.ID))
	return nil
}
