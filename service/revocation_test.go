package service

import (
	"context"
	"testing"
	"time"

	"github.com/layer-3/walletauth/core"
	"github.com/stretchr/testify/require"
)

func TestRevocationCheckerCachesRevokedJTIs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := h.clock.Now()

	revoked, err := h.revocations.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	require.False(t, revoked)

	require.NoError(t, h.store.Revoke(ctx, core.RevocationEntry{
		JTI: "jti-1", RevokedAt: now, Reason: core.ReasonLogout, ExpiresAt: now.Add(time.Hour),
	}))
	revoked, err = h.revocations.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	require.True(t, revoked)

	// Served from cache once the store has forgotten it.
	_, err = h.store.DeleteExpiredRevocations(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	revoked, err = h.revocations.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	require.True(t, revoked)

	require.Equal(t, 0, h.revocations.Prune(now))
	require.Equal(t, 1, h.revocations.Prune(now.Add(2*time.Hour)))
	revoked, err = h.revocations.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestRevocationCheckerRemember(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.revocations.Remember(core.RevocationEntry{JTI: "remote", ExpiresAt: h.clock.Now().Add(time.Minute)})
	revoked, err := h.revocations.IsRevoked(ctx, "remote")
	require.NoError(t, err)
	require.True(t, revoked)

	_, err = h.revocations.Check(ctx, "remote", "any")
	require.ErrorIs(t, err, core.ErrTokenRevoked)
}

func TestRevocationCheckerSessionState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pair := h.login(t, newWallet(t), nil)
	sess, err := h.store.GetSession(ctx, pair.SessionID)
	require.NoError(t, err)

	got, err := h.revocations.Check(ctx, sess.AccessJTI, sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess.ID, got.ID)

	_, err = h.revocations.Check(ctx, sess.AccessJTI, "missing")
	require.ErrorIs(t, err, core.ErrTokenRevoked)

	h.clock.Set(sess.RefreshExpiresAt)
	_, err = h.revocations.Check(ctx, sess.AccessJTI, sess.ID)
	require.ErrorIs(t, err, core.ErrTokenRevoked)
}

func TestRevocationCheckerStorageUnavailable(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.revocations.IsRevoked(ctx, "jti")
	require.ErrorIs(t, err, context.Canceled)
}
