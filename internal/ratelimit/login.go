// Package ratelimit throttles repeated failed logins using Redis counters.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "playlog:login_failures:"

// Connect parses a redis:// URL and verifies connectivity.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// LoginLimiter counts failed logins per key within a fixed window. Redis
// errors are logged and treated as "not blocked". A nil *LoginLimiter never
// blocks.
type LoginLimiter struct {
	client redis.Cmdable
	max    int
	window time.Duration
	log    *zap.Logger
}

func NewLoginLimiter(client redis.Cmdable, max int, window time.Duration, log *zap.Logger) *LoginLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &LoginLimiter{client: client, max: max, window: window, log: log}
}

// Key builds the limiter key for a login attempt.
func Key(login, ip string) string {
	return strings.ToLower(strings.TrimSpace(login)) + "|" + ip
}

// Blocked reports whether key has reached the failure limit.
func (l *LoginLimiter) Blocked(ctx context.Context, key string) bool {
	if l == nil || l.client == nil || l.max <= 0 {
		return false
	}
	n, err := l.client.Get(ctx, keyPrefix+key).Int()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			l.log.Warn("login limiter unavailable", zap.Error(err))
		}
		return false
	}
	return n >= l.max
}

// RecordFailure adds one failure for key. The counter and its window TTL are
// written in one MULTI/EXEC, and EXPIRE NX starts the window only once, so a
// counter can never be left without a TTL.
func (l *LoginLimiter) RecordFailure(ctx context.Context, key string) {
	if l == nil || l.client == nil || l.max <= 0 {
		return
	}
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, keyPrefix+key)
		pipe.ExpireNX(ctx, keyPrefix+key, l.window)
		return nil
	})
	if err != nil {
		l.log.Warn("login limiter unavailable", zap.Error(err))
	}
}

// Reset clears the failures recorded for key.
func (l *LoginLimiter) Reset(ctx context.Context, key string) {
	if l == nil || l.client == nil {
		return
	}
	if err := l.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		l.log.Warn("login limiter reset failed", zap.Error(err))
	}
}
