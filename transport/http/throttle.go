package http

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/internal/logx"
	"golang.org/x/time/rate"
)

const cleanupInterval = 5 * time.Minute

// throttle caps raw request rate per client IP in front of the protocol's
// own issue limits.
type throttle struct {
	rate  rate.Limit
	burst int

	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	lastCleanup time.Time
}

// Throttle returns a per-client token bucket middleware admitting perMinute
// requests with the given burst. A non-positive perMinute disables it.
func Throttle(perMinute, burst int, logger *slog.Logger) gin.HandlerFunc {
	if perMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = perMinute
	}
	t := &throttle{
		rate:        rate.Limit(float64(perMinute) / time.Minute.Seconds()),
		burst:       burst,
		limiters:    make(map[string]*rate.Limiter),
		lastCleanup: time.Now(),
	}

	return func(c *gin.Context) {
		key := c.ClientIP()
		if !t.limiter(key).Allow() {
			logx.FromContext(c.Request.Context(), logger).Warn("request throttled", "ip", key, "path", c.FullPath())
			abortWithError(c, core.ErrRateLimited)
			return
		}
		c.Next()
	}
}

func (t *throttle) limiter(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Idle limiters have refilled completely and can be dropped.
	if time.Since(t.lastCleanup) > cleanupInterval {
		for k, l := range t.limiters {
			if l.Tokens() >= float64(t.burst) {
				delete(t.limiters, k)
			}
		}
		t.lastCleanup = time.Now()
	}

	l, ok := t.limiters[key]
	if !ok {
		l = rate.NewLimiter(t.rate, t.burst)
		t.limiters[key] = l
	}
	return l
}
