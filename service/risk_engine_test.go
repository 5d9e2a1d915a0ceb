package service

import (
	"context"
	"testing"
	"time"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/internal/config"
	"github.com/layer-3/walletauth/internal/logx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func seedEvents(t *testing.T, h *harness, addr core.Address, events ...core.RiskEvent) {
	t.Helper()
	for i := range events {
		events[i].ID = newEventID(events[i].ObservedAt)
		events[i].Address = addr
		require.NoError(t, h.store.AppendRiskEvent(context.Background(), &events[i]))
	}
}

func countEvents(t *testing.T, h *harness, addr core.Address) int {
	t.Helper()
	events, err := h.store.ListRiskEvents(context.Background(), addr, time.Time{}, 0)
	require.NoError(t, err)
	return len(events)
}

func TestScoreCleanHistory(t *testing.T) {
	h := newHarness(t)
	w := newWallet(t)

	a := h.risk.Score(context.Background(), w.addr, testClient)
	require.Zero(t, a.Score)
	require.Empty(t, a.Factors)
	require.Equal(t, core.ActionAllow, a.Action)
	require.NotEmpty(t, a.EventID)
	require.Equal(t, 1, countEvents(t, h, w.addr))

	h.publisher.mu.Lock()
	require.Len(t, h.publisher.risk, 1)
	h.publisher.mu.Unlock()
}

func TestScoreIsTotalWhenSignalsUnavailable(t *testing.T) {
	cfg := config.Default()
	clock := newTestClock()
	engine := NewRiskEngine(cfg, failingRiskStore{}, failingCounter{}, nil, clock, logx.Discard(), nil)

	contexts := []core.RequestContext{
		{},
		testClient,
		{IP: "198.51.100.9", Geo: &core.GeoPoint{Lat: 51.5, Lon: -0.1}},
		{Amount: decimal.NewNullDecimal(decimal.NewFromInt(5_000_000))},
	}
	for _, rc := range contexts {
		var a core.Assessment
		require.NotPanics(t, func() {
			a = engine.Score(context.Background(), newWallet(t).addr, rc)
		})
		require.GreaterOrEqual(t, a.Score, 0)
		require.LessOrEqual(t, a.Score, 100)
		require.Empty(t, a.EventID)
	}

	// Only the ceiling check needs no history.
	a := engine.Score(context.Background(), newWallet(t).addr, contexts[3])
	require.True(t, a.Has(core.FactorLargeValue))
}

func TestScoreClampsAndBlocks(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Risk.WeightLargeValue = 90
		c.Risk.WeightFailedVerifications = 90
	})
	ctx := context.Background()
	w := newWallet(t)

	for range h.cfg.Risk.FailedAttempts {
		_, err := h.failures.Incr(ctx, failuresKey(w.addr), time.Minute)
		require.NoError(t, err)
	}
	rc := testClient
	rc.Amount = decimal.NewNullDecimal(h.cfg.Risk.LargeValueCeiling.Add(decimal.NewFromInt(1)))

	a := h.risk.Score(ctx, w.addr, rc)
	require.Equal(t, 100, a.Score)
	require.Equal(t, core.ActionBlock, a.Action)
	require.True(t, a.Has(core.FactorLargeValue))
	require.True(t, a.Has(core.FactorFailedVerifications))
}

func TestScoreThresholds(t *testing.T) {
	tests := []struct {
		score  int
		policy config.StepUpPolicy
		want   core.RiskAction
	}{
		{0, config.StepUpPolicyFlag, core.ActionAllow},
		{25, config.StepUpPolicyFlag, core.ActionAllow},
		{26, config.StepUpPolicyFlag, core.ActionMonitor},
		{50, config.StepUpPolicyFlag, core.ActionMonitor},
		{51, config.StepUpPolicyFlag, core.ActionStepUp},
		{51, config.StepUpPolicyBlock, core.ActionBlock},
		{70, config.StepUpPolicyFlag, core.ActionStepUp},
		{71, config.StepUpPolicyFlag, core.ActionBlock},
		{100, config.StepUpPolicyFlag, core.ActionBlock},
	}
	for _, tt := range tests {
		h := newHarness(t, func(c *config.Config) { c.Session.StepUpPolicy = tt.policy })
		require.Equal(t, tt.want, h.risk.action(tt.score), "score %d policy %s", tt.score, tt.policy)
	}
}

func TestScoreSignals(t *testing.T) {
	ctx := context.Background()

	t.Run("new ip", func(t *testing.T) {
		h := newHarness(t)
		w := newWallet(t)
		now := h.clock.Now()
		seedEvents(t, h, w.addr,
			core.RiskEvent{ObservedAt: now.Add(-3 * time.Hour), IP: "192.0.2.1"},
			core.RiskEvent{ObservedAt: now.Add(-2 * time.Hour), IP: "192.0.2.1"},
			core.RiskEvent{ObservedAt: now.Add(-time.Hour), IP: "192.0.2.1"},
		)

		require.False(t, h.risk.Score(ctx, w.addr, core.RequestContext{IP: "192.0.2.1"}).Has(core.FactorNewIP))
		a := h.risk.Score(ctx, w.addr, core.RequestContext{IP: "198.51.100.4"})
		require.True(t, a.Has(core.FactorNewIP))
		require.Equal(t, h.cfg.Risk.WeightLocation, a.Score)
	})

	t.Run("impossible travel", func(t *testing.T) {
		h := newHarness(t)
		w := newWallet(t)
		now := h.clock.Now()
		sydney := &core.GeoPoint{Lat: -33.87, Lon: 151.21}
		seedEvents(t, h, w.addr, core.RiskEvent{ObservedAt: now.Add(-time.Hour), Geo: sydney})

		london := &core.GeoPoint{Lat: 51.51, Lon: -0.13}
		a := h.risk.Score(ctx, w.addr, core.RequestContext{Geo: london})
		require.True(t, a.Has(core.FactorImpossibleTravel))

		h.clock.Advance(48 * time.Hour)
		a = h.risk.Score(ctx, w.addr, core.RequestContext{Geo: london})
		require.False(t, a.Has(core.FactorImpossibleTravel))
	})

	t.Run("odd hour", func(t *testing.T) {
		h := newHarness(t)
		w := newWallet(t)
		day := h.clock.Now().Truncate(24 * time.Hour)
		seedEvents(t, h, w.addr,
			core.RiskEvent{ObservedAt: day.Add(-48*time.Hour + 14*time.Hour)},
			core.RiskEvent{ObservedAt: day.Add(-24*time.Hour + 14*time.Hour)},
			core.RiskEvent{ObservedAt: day.Add(-24*time.Hour + 15*time.Hour)},
		)

		h.clock.Set(day.Add(15 * time.Hour))
		require.False(t, h.risk.Score(ctx, w.addr, core.RequestContext{}).Has(core.FactorOddHour))

		h.clock.Set(day.Add(27 * time.Hour)) // 03:00 next day
		require.True(t, h.risk.Score(ctx, w.addr, core.RequestContext{}).Has(core.FactorOddHour))
	})

	t.Run("velocity", func(t *testing.T) {
		h := newHarness(t)
		w := newWallet(t)
		now := h.clock.Now()
		var events []core.RiskEvent
		for i := range h.cfg.Risk.VelocityFloor {
			events = append(events, core.RiskEvent{ObservedAt: now.Add(-time.Duration(i+1) * time.Second)})
		}
		seedEvents(t, h, w.addr, events...)

		require.True(t, h.risk.Score(ctx, w.addr, core.RequestContext{}).Has(core.FactorVelocity))
	})

	t.Run("large value against history", func(t *testing.T) {
		h := newHarness(t)
		w := newWallet(t)
		now := h.clock.Now()
		amount := func(v int64) decimal.NullDecimal { return decimal.NewNullDecimal(decimal.NewFromInt(v)) }
		seedEvents(t, h, w.addr,
			core.RiskEvent{ObservedAt: now.Add(-72 * time.Hour), Amount: amount(100)},
			core.RiskEvent{ObservedAt: now.Add(-48 * time.Hour), Amount: amount(200)},
			core.RiskEvent{ObservedAt: now.Add(-24 * time.Hour), Amount: amount(300)},
		)

		require.True(t, h.risk.Score(ctx, w.addr, core.RequestContext{Amount: amount(1001)}).Has(core.FactorLargeValue))
		require.False(t, h.risk.Score(ctx, w.addr, core.RequestContext{Amount: amount(900)}).Has(core.FactorLargeValue))
	})
}

func TestRecordPolicyViolation(t *testing.T) {
	h := newHarness(t)
	w := newWallet(t)

	h.risk.RecordPolicyViolation(context.Background(), w.addr, core.FactorDPoPKeyMismatch, testClient)

	events, err := h.store.ListRiskEvents(context.Background(), w.addr, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, 100, events[0].Score)
	require.Equal(t, core.ActionBlock, events[0].Action)
	require.Equal(t, []string{core.FactorDPoPKeyMismatch}, events[0].FactorNames())
	require.Equal(t, testClient.IP, events[0].IP)
}
