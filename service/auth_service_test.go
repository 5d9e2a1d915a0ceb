package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/internal/config"
	"github.com/stretchr/testify/require"
)

func TestLoginSucceedsWithMatchingKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := newWallet(t)

	pair := h.login(t, w, nil)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.Equal(t, TokenTypeBearer, pair.TokenType)
	require.False(t, pair.RequiresStepUp)

	sess, err := h.store.GetSession(ctx, pair.SessionID)
	require.NoError(t, err)
	require.Equal(t, core.SessionActive, sess.Status)
	require.True(t, sess.Address.Equal(w.addr))

	p, err := h.sessions.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, pair.SessionID, p.SessionID)
	require.True(t, p.Address.Equal(w.addr))
}

func TestLoginRejectsDifferentKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner, other := newWallet(t), newWallet(t)

	ch, err := h.auth.Challenge(ctx, owner.addr.String(), testClient)
	require.NoError(t, err)

	_, err = h.auth.Login(ctx, ConsumeRequest{
		ChallengeID: ch.ID,
		Address:     owner.addr.String(),
		Signature:   other.sign(t, ch.Message),
		Client:      testClient,
	})
	require.ErrorIs(t, err, core.ErrSignatureMismatch)

	stored, err := h.store.GetChallenge(ctx, ch.ID)
	require.NoError(t, err)
	require.Equal(t, core.ChallengeIssued, stored.Status)

	n, err := h.failures.Count(ctx, failuresKey(owner.addr))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestLoginAfterTTLExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := newWallet(t)

	ch, err := h.auth.Challenge(ctx, w.addr.String(), testClient)
	require.NoError(t, err)
	h.clock.Advance(h.cfg.Challenge.TTL + time.Second)

	_, err = h.auth.Login(ctx, ConsumeRequest{
		ChallengeID: ch.ID,
		Address:     w.addr.String(),
		Signature:   w.sign(t, ch.Message),
	})
	require.ErrorIs(t, err, core.ErrChallengeExpired)
}

func TestLoginTwiceWithSameChallenge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := newWallet(t)

	ch, err := h.auth.Challenge(ctx, w.addr.String(), testClient)
	require.NoError(t, err)
	req := ConsumeRequest{
		ChallengeID: ch.ID,
		Address:     w.addr.String(),
		Signature:   w.sign(t, ch.Message),
	}

	_, err = h.auth.Login(ctx, req)
	require.NoError(t, err)
	_, err = h.auth.Login(ctx, req)
	require.ErrorIs(t, err, core.ErrChallengeAlreadyUsed)
}

func TestRefreshReplayRevokesLineage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := newWallet(t)

	first := h.login(t, w, nil)
	h.clock.Advance(time.Minute)

	second, err := h.auth.Refresh(ctx, first.RefreshToken, testClient)
	require.NoError(t, err)
	require.Equal(t, first.SessionID, second.SessionID)

	_, err = h.auth.Refresh(ctx, first.RefreshToken, testClient)
	require.ErrorIs(t, err, core.ErrRefreshReuseDetected)

	_, err = h.sessions.Authenticate(ctx, second.AccessToken)
	require.ErrorIs(t, err, core.ErrTokenRevoked)

	_, err = h.auth.Refresh(ctx, second.RefreshToken, testClient)
	require.ErrorIs(t, err, core.ErrRefreshReuseDetected)

	sess, err := h.store.GetSession(ctx, first.SessionID)
	require.NoError(t, err)
	require.Equal(t, core.SessionRevoked, sess.Status)
	require.Equal(t, core.ReasonAnomaly, sess.RevokedReason)
	require.GreaterOrEqual(t, h.publisher.reuseCount(), 1)

	events, err := h.store.ListRiskEvents(ctx, w.addr, time.Time{}, 0)
	require.NoError(t, err)
	found := false
	for _, ev := range events {
		if len(ev.Factors) == 1 && ev.Factors[0].Name == core.FactorRefreshReuse {
			found = true
			require.Equal(t, core.ActionBlock, ev.Action)
		}
	}
	require.True(t, found)
}

func TestChallengeExpiryBoundary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := newWallet(t)

	late, err := h.auth.Challenge(ctx, w.addr.String(), testClient)
	require.NoError(t, err)
	onTime, err := h.auth.Challenge(ctx, w.addr.String(), testClient)
	require.NoError(t, err)

	h.clock.Set(onTime.ExpiresAt.Add(-time.Millisecond))
	_, err = h.auth.Login(ctx, ConsumeRequest{
		ChallengeID: onTime.ID,
		Address:     w.addr.String(),
		Signature:   w.sign(t, onTime.Message),
	})
	require.NoError(t, err)

	h.clock.Set(late.ExpiresAt.Add(time.Millisecond))
	_, err = h.auth.Login(ctx, ConsumeRequest{
		ChallengeID: late.ID,
		Address:     w.addr.String(),
		Signature:   w.sign(t, late.Message),
	})
	require.ErrorIs(t, err, core.ErrChallengeExpired)
}

func TestConcurrentLoginSingleWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := newWallet(t)

	ch, err := h.auth.Challenge(ctx, w.addr.String(), testClient)
	require.NoError(t, err)
	req := ConsumeRequest{
		ChallengeID: ch.ID,
		Address:     w.addr.String(),
		Signature:   w.sign(t, ch.Message),
	}

	const n = 16
	var wg sync.WaitGroup
	results := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.auth.Login(ctx, req)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, core.ErrChallengeAlreadyUsed)
	}
	require.Equal(t, 1, wins)
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pair := h.login(t, newWallet(t), nil)

	const n = 8
	var wg sync.WaitGroup
	results := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.auth.Refresh(ctx, pair.RefreshToken, testClient)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, core.ErrRefreshReuseDetected)
	}
	require.Equal(t, 1, wins)
}

func TestLoginBlockedByRisk(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Risk.WeightFailedVerifications = 80
	})
	ctx := context.Background()
	owner, other := newWallet(t), newWallet(t)

	for range h.cfg.Risk.FailedAttempts {
		ch, err := h.auth.Challenge(ctx, owner.addr.String(), testClient)
		require.NoError(t, err)
		_, err = h.auth.Login(ctx, ConsumeRequest{
			ChallengeID: ch.ID,
			Address:     owner.addr.String(),
			Signature:   other.sign(t, ch.Message),
		})
		require.ErrorIs(t, err, core.ErrSignatureMismatch)
	}

	ch, err := h.auth.Challenge(ctx, owner.addr.String(), testClient)
	require.NoError(t, err)
	_, err = h.auth.Login(ctx, ConsumeRequest{
		ChallengeID: ch.ID,
		Address:     owner.addr.String(),
		Signature:   owner.sign(t, ch.Message),
	})
	require.ErrorIs(t, err, core.ErrAuthenticationBlocked)

	events, err := h.store.ListRiskEvents(ctx, owner.addr, time.Time{}, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, core.ActionBlock, events[0].Action)
	require.Equal(t, 80, events[0].Score)
}

func TestLoginFlagsSessionForStepUp(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Risk.WeightFailedVerifications = 60
	})
	ctx := context.Background()
	w := newWallet(t)

	for range h.cfg.Risk.FailedAttempts {
		_, err := h.failures.Incr(ctx, failuresKey(w.addr), h.cfg.Risk.FailedWindow)
		require.NoError(t, err)
	}

	pair := h.login(t, w, nil)
	require.True(t, pair.RequiresStepUp)

	// A successful login clears the failure signal.
	n, err := h.failures.Count(ctx, failuresKey(w.addr))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestLogoutAlwaysSucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pair := h.login(t, newWallet(t), nil)

	require.NoError(t, h.auth.Logout(ctx, "not-a-token"))

	h.clock.Advance(h.cfg.Session.AccessTTL + time.Minute)
	require.NoError(t, h.auth.Logout(ctx, pair.AccessToken))
	require.NoError(t, h.auth.Logout(ctx, pair.RefreshToken))

	sess, err := h.store.GetSession(ctx, pair.SessionID)
	require.NoError(t, err)
	require.Equal(t, core.SessionRevoked, sess.Status)
	require.Equal(t, core.ReasonLogout, sess.RevokedReason)
}

func TestAdminRevokeEndsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pair := h.login(t, newWallet(t), nil)

	_, err := h.auth.AuthenticateRequest(ctx, DPoPRequest{AccessToken: pair.AccessToken, Method: "GET", URL: "https://api.example.com/me"})
	require.NoError(t, err)

	require.NoError(t, h.auth.Revoke(ctx, pair.SessionID, core.ReasonAdminAction))

	_, err = h.auth.AuthenticateRequest(ctx, DPoPRequest{AccessToken: pair.AccessToken, Method: "GET", URL: "https://api.example.com/me"})
	require.ErrorIs(t, err, core.ErrTokenRevoked)

	_, err = h.auth.Refresh(ctx, pair.RefreshToken, testClient)
	require.Error(t, err)

	sess, err := h.store.GetSession(ctx, pair.SessionID)
	require.NoError(t, err)
	require.Equal(t, core.ReasonAdminAction, sess.RevokedReason)
}

func TestJWKSPublishesSigningKey(t *testing.T) {
	h := newHarness(t)

	set, err := h.auth.JWKS()
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)
	require.Equal(t, "test-kid", set.Keys[0].Kid)
	require.Equal(t, "ES256", set.Keys[0].Alg)
	require.Equal(t, "EC", set.Keys[0].Kty)
}

func TestLoginAbortsWhenRequestCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	w := newWallet(t)

	ch, err := h.auth.Challenge(ctx, w.addr.String(), testClient)
	require.NoError(t, err)
	cancel()

	_, err = h.auth.Login(ctx, ConsumeRequest{
		ChallengeID: ch.ID,
		Address:     w.addr.String(),
		Signature:   w.sign(t, ch.Message),
	})
	require.True(t, errors.Is(err, context.Canceled), "got %v", err)

	stored, err := h.store.GetChallenge(context.Background(), ch.ID)
	require.NoError(t, err)
	require.Equal(t, core.ChallengeIssued, stored.Status)
}
