package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGLimiter implements a fixed-window counter on a PostgreSQL table. The
// upsert increments and returns the count in one statement, so concurrent
// attempts for the same key never lose an increment.
type PGLimiter struct {
	pool *pgxpool.Pool
	cfg  Config
	now  func() time.Time
}

// NewPGLimiter constructs a PostgreSQL-backed limiter.
func NewPGLimiter(pool *pgxpool.Pool, cfg Config) *PGLimiter {
	return &PGLimiter{pool: pool, cfg: cfg, now: time.Now}
}

// Limit counts an attempt for key within the current window.
func (l *PGLimiter) Limit(ctx context.Context, key string) (Result, error) {
	windowStart := l.cfg.windowStart(l.now().UTC())

	var count int64
	err := l.pool.QueryRow(ctx, `
		INSERT INTO auth_rate_limits (key, window_start, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (key, window_start)
		DO UPDATE SET count = auth_rate_limits.count + 1
		RETURNING count`,
		key, windowStart).Scan(&count)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: pg upsert: %w", err)
	}

	return l.cfg.result(count, windowStart), nil
}

// PurgeStale removes windows that can no longer influence a decision.
func (l *PGLimiter) PurgeStale(ctx context.Context) (int64, error) {
	cutoff := l.now().UTC().Add(-2 * l.cfg.Window)
	tag, err := l.pool.Exec(ctx,
		`DELETE FROM auth_rate_limits WHERE window_start < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

var _ Limiter = (*PGLimiter)(nil)
