package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/ports"
)

// RevocationChecker answers "may this token still be used" on every
// authenticated request. Revocation is permanent, so revoked jtis are cached
// in process until the token they belong to expires; misses always go to
// the store.
type RevocationChecker struct {
	revocations ports.RevocationStore
	sessions    ports.SessionStore
	clock       ports.Clock
	timeout     time.Duration

	mu    sync.RWMutex
	cache map[string]time.Time
}

// NewRevocationChecker creates a revocation checker
func NewRevocationChecker(revocations ports.RevocationStore, sessions ports.SessionStore, clock ports.Clock, timeout time.Duration) *RevocationChecker {
	return &RevocationChecker{
		revocations: revocations,
		sessions:    sessions,
		clock:       clock,
		timeout:     timeout,
		cache:       make(map[string]time.Time),
	}
}

// Remember adds entries to the local cache. It is fed by this instance's
// own revocations and by revocation events from other instances.
func (r *RevocationChecker) Remember(entries ...core.RevocationEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range entries {
		if e.JTI != "" {
			r.cache[e.JTI] = e.ExpiresAt
		}
	}
}

// IsRevoked reports whether jti is in the revocation set.
func (r *RevocationChecker) IsRevoked(ctx context.Context, jti string) (bool, error) {
	r.mu.RLock()
	_, cached := r.cache[jti]
	r.mu.RUnlock()
	if cached {
		return true, nil
	}

	e, err := storeGet(ctx, r.timeout, func(ctx context.Context) (*core.RevocationEntry, error) {
		return r.revocations.GetRevocation(ctx, jti)
	})
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	r.Remember(*e)
	return true, nil
}

// Check fails with ErrTokenRevoked if jti is revoked or its session is no
// longer active, and returns the session otherwise.
func (r *RevocationChecker) Check(ctx context.Context, jti, sessionID string) (*core.Session, error) {
	revoked, err := r.IsRevoked(ctx, jti)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, core.ErrTokenRevoked
	}

	sess, err := storeGet(ctx, r.timeout, func(ctx context.Context) (*core.Session, error) {
		return r.sessions.GetSession(ctx, sessionID)
	})
	if errors.Is(err, core.ErrNotFound) {
		return nil, core.ErrTokenRevoked
	}
	if err != nil {
		return nil, err
	}
	if !sess.Active(r.clock.Now()) {
		return nil, core.ErrTokenRevoked
	}
	return sess, nil
}

// Prune drops cache entries for tokens that have expired by now.
func (r *RevocationChecker) Prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for jti, exp := range r.cache {
		if exp.Before(now) {
			delete(r.cache, jti)
			n++
		}
	}
	return n
}
