package ports

import (
	"context"
	"time"
)

// RateLimiter admits at most limit hits per key per window.
type RateLimiter interface {
	// Allow records a hit and returns core.ErrRateLimited once the budget
	// for key is exhausted.
	Allow(ctx context.Context, key string, limit int, window time.Duration) error
}

// Counter is a windowed event counter.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	Count(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}
