package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements a fixed-window counter in Redis. The INCR runs in a
// pipeline with the key expiry, so concurrent attempts on the same key see a
// monotonically increasing count.
type RedisLimiter struct {
	client *redis.Client
	cfg    Config
	now    func() time.Time
}

// NewRedisLimiter constructs a Redis-backed limiter.
func NewRedisLimiter(client *redis.Client, cfg Config) *RedisLimiter {
	return &RedisLimiter{client: client, cfg: cfg, now: time.Now}
}

// Limit counts an attempt for key within the current window.
func (l *RedisLimiter) Limit(ctx context.Context, key string) (Result, error) {
	windowStart := l.cfg.windowStart(l.now().UTC())
	bucket := fmt.Sprintf("ratelimit:%s:%d", key, windowStart.Unix())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, bucket)
	// Expiry a little past the window end keeps the key readable until the
	// window is truly over, then lets Redis reclaim it.
	pipe.Expire(ctx, bucket, l.cfg.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis incr: %w", err)
	}

	return l.cfg.result(incr.Val(), windowStart), nil
}

var _ Limiter = (*RedisLimiter)(nil)
