package server

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const reapTimeout = 30 * time.Second

// SessionReaper deactivates sessions whose lifetime has passed.
type SessionReaper interface {
	ReapExpired(ctx context.Context) (int64, error)
}

// newReaperCron schedules reaper runs on a standard cron spec such as
// "@every 1h" or "0 * * * *". An empty spec returns nil.
func newReaperCron(spec string, reaper SessionReaper, log *zap.Logger) (*cron.Cron, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
		defer cancel()
		if _, err := reaper.ReapExpired(ctx); err != nil {
			log.Warn("session reap failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
