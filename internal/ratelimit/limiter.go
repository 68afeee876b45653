// Package ratelimit bounds authentication attempts per client key over fixed
// time windows.
package ratelimit

import (
	"context"
	"time"
)

// Result reports the outcome of a single attempt against the window.
type Result struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

// Limiter counts an attempt for key and reports whether it fits the window.
// Implementations must be safe for concurrent increments on the same key.
type Limiter interface {
	Limit(ctx context.Context, key string) (Result, error)
}

// Config holds the window policy shared by all backends.
type Config struct {
	// Max attempts allowed per window.
	Max int64
	// Window is the fixed window length.
	Window time.Duration
}

func (c Config) windowStart(now time.Time) time.Time {
	return now.Truncate(c.Window)
}

// result turns a window count into the decision both backends share.
func (c Config) result(count int64, windowStart time.Time) Result {
	remaining := c.Max - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= c.Max,
		Remaining: remaining,
		ResetAt:   windowStart.Add(c.Window),
	}
}
