package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/playlog/apiserver/internal/mq"
	"go.uber.org/zap"
)

const archivePrefix = "auth-events"

// ObjectWriter is the storage surface used by the archiver. *storage.Storage
// satisfies it.
type ObjectWriter interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
}

// ArchiveKey is the object key an event is stored under:
// auth-events/YYYY/MM/DD/<id>.json, dated in UTC.
func ArchiveKey(event Event) string {
	at := event.OccurredAt.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s.json", archivePrefix, at.Year(), at.Month(), at.Day(), event.ID)
}

// Archiver consumes the event channel and writes each event to storage.
type Archiver struct {
	bus     Bus
	objects ObjectWriter
	channel string
	log     *zap.Logger
}

func NewArchiver(bus Bus, objects ObjectWriter, channel string, log *zap.Logger) *Archiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Archiver{bus: bus, objects: objects, channel: channel, log: log}
}

// Run blocks until ctx is done or the subscription fails.
func (a *Archiver) Run(ctx context.Context) error {
	a.log.Info("archiving auth events", zap.String("channel", a.channel))
	return a.bus.Subscribe(ctx, a.channel, a.Handle)
}

// Handle stores one delivered event. Undecodable payloads are dropped;
// storage failures are returned so the broker redelivers.
func (a *Archiver) Handle(ctx context.Context, msg mq.Message) error {
	var event Event
	if err := json.Unmarshal(msg.Data, &event); err != nil || event.ID == "" {
		a.log.Warn("dropping undecodable event", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}

	key := ArchiveKey(event)
	if err := a.objects.Put(ctx, key, bytes.NewReader(msg.Data), int64(len(msg.Data)), "application/json"); err != nil {
		a.log.Error("archive event failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("archive %s: %w", key, err)
	}
	a.log.Debug("event archived", zap.String("key", key))
	return nil
}
