package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/ports"
)

const cleanupInterval = 5 * time.Minute

type window struct {
	count int64
	until time.Time
}

// MemoryLimiter is a per-process fixed-window limiter. A key's window opens
// with its first hit and admits at most limit hits until it closes.
type MemoryLimiter struct {
	clock ports.Clock

	mu          sync.Mutex
	windows     map[string]window
	lastCleanup time.Time
}

var _ ports.RateLimiter = (*MemoryLimiter)(nil)

func NewMemoryLimiter(clock ports.Clock) *MemoryLimiter {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &MemoryLimiter{
		clock:       clock,
		windows:     make(map[string]window),
		lastCleanup: clock.Now(),
	}
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string, limit int, period time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := l.clock.Now()
	key = fmt.Sprintf("%s|%d|%s", key, limit, period)

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastCleanup) > cleanupInterval {
		for k, w := range l.windows {
			if !now.Before(w.until) {
				delete(l.windows, k)
			}
		}
		l.lastCleanup = now
	}

	w, ok := l.windows[key]
	if !ok || !now.Before(w.until) {
		w = window{until: now.Add(period)}
	}
	if w.count >= int64(limit) {
		return core.ErrRateLimited
	}
	w.count++
	l.windows[key] = w
	return nil
}

// MemoryCounter is a per-process fixed-window counter.
type MemoryCounter struct {
	clock ports.Clock

	mu      sync.Mutex
	windows map[string]window
}

var _ ports.Counter = (*MemoryCounter)(nil)

func NewMemoryCounter(clock ports.Clock) *MemoryCounter {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &MemoryCounter{clock: clock, windows: make(map[string]window)}
}

func (c *MemoryCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	w, ok := c.windows[key]
	if !ok || !now.Before(w.until) {
		w = window{until: now.Add(ttl)}
	}
	w.count++
	c.windows[key] = w
	return w.count, nil
}

func (c *MemoryCounter) Count(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[key]
	if !ok || !c.clock.Now().Before(w.until) {
		delete(c.windows, key)
		return 0, nil
	}
	return w.count, nil
}

func (c *MemoryCounter) Reset(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.windows, key)
	return nil
}
