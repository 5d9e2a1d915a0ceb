package service

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/internal/config"
	"github.com/layer-3/walletauth/internal/logx"
	"github.com/layer-3/walletauth/internal/metrics"
	"github.com/layer-3/walletauth/ports"
	"github.com/shopspring/decimal"
)

const earthRadiusKm = 6371.0

// RiskEngine scores requests from contextual signals and keeps the
// append-only RiskEvent trail.
type RiskEngine struct {
	events    ports.RiskEventStore
	failures  ports.Counter
	publisher ports.EventPublisher
	clock     ports.Clock

	cfg     config.RiskConfig
	policy  config.StepUpPolicy
	timeout time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRiskEngine creates a risk engine. publisher may be nil.
func NewRiskEngine(
	cfg config.Config,
	events ports.RiskEventStore,
	failures ports.Counter,
	publisher ports.EventPublisher,
	clock ports.Clock,
	logger *slog.Logger,
	m *metrics.Metrics,
) *RiskEngine {
	return &RiskEngine{
		events:    events,
		failures:  failures,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg.Risk,
		policy:    cfg.Session.StepUpPolicy,
		timeout:   cfg.Store.Timeout,
		logger:    logger,
		metrics:   m,
	}
}

// Score computes a clamped weighted sum of the signals that can be
// evaluated and appends exactly one RiskEvent. It never fails: a signal
// whose inputs are unavailable is omitted.
func (e *RiskEngine) Score(ctx context.Context, addr core.Address, rc core.RequestContext) core.Assessment {
	logger := logx.FromContext(ctx, e.logger)
	now := e.clock.Now()

	var factors []core.RiskFactor
	add := func(name string, points int) {
		if points > 0 {
			factors = append(factors, core.RiskFactor{Name: name, Points: points})
		}
	}

	history, err := storeGet(ctx, e.timeout, func(ctx context.Context) ([]core.RiskEvent, error) {
		return e.events.ListRiskEvents(ctx, addr, now.Add(-e.cfg.HistoryLookback), e.cfg.HistoryLimit)
	})
	if err != nil {
		logger.Error("risk_history_unavailable", "address", addr.String(), "error", err)
	} else {
		if e.oddHour(history, now) {
			add(core.FactorOddHour, e.cfg.WeightOddHour)
		}
		if name := e.location(history, rc, now); name != "" {
			add(name, e.cfg.WeightLocation)
		}
		if e.velocity(history, now) {
			add(core.FactorVelocity, e.cfg.WeightVelocity)
		}
	}
	// The absolute ceiling needs no history.
	if e.largeValue(history, rc.Amount) {
		add(core.FactorLargeValue, e.cfg.WeightLargeValue)
	}

	failed, err := storeGet(ctx, e.timeout, func(ctx context.Context) (int64, error) {
		return e.failures.Count(ctx, failuresKey(addr))
	})
	if err != nil {
		logger.Error("risk_failure_count_unavailable", "address", addr.String(), "error", err)
	} else if e.cfg.FailedAttempts > 0 && failed >= int64(e.cfg.FailedAttempts) {
		add(core.FactorFailedVerifications, e.cfg.WeightFailedVerifications)
	}

	score := 0
	for _, f := range factors {
		score += f.Points
	}
	score = clamp(score, 0, 100)

	a := core.Assessment{
		Score:   score,
		Factors: factors,
		Action:  e.action(score),
	}
	a.EventID = e.append(ctx, addr, now, a, rc)
	e.metrics.RiskScore(score)

	if a.Action != core.ActionAllow {
		logger.Info("risk_assessed",
			"address", addr.String(),
			"score", score,
			"action", a.Action,
			"factors", factorNames(factors),
		)
	}
	return a
}

// RecordPolicyViolation appends a blocking RiskEvent for a request rejected
// by a security policy, such as a DPoP key mismatch or refresh reuse.
func (e *RiskEngine) RecordPolicyViolation(ctx context.Context, addr core.Address, factor string, rc core.RequestContext) {
	a := core.Assessment{
		Score:   100,
		Factors: []core.RiskFactor{{Name: factor, Points: 100}},
		Action:  core.ActionBlock,
	}
	e.append(ctx, addr, e.clock.Now(), a, rc)
	logx.FromContext(ctx, e.logger).Warn("security_policy_violation", "address", addr.String(), "factor", factor)
}

// action maps a score to the strongest threshold it exceeds.
func (e *RiskEngine) action(score int) core.RiskAction {
	switch {
	case score > e.cfg.BlockThreshold:
		return core.ActionBlock
	case score > e.cfg.StepUpThreshold:
		if e.policy == config.StepUpPolicyBlock {
			return core.ActionBlock
		}
		return core.ActionStepUp
	case score > e.cfg.MonitorThreshold:
		return core.ActionMonitor
	}
	return core.ActionAllow
}

func (e *RiskEngine) append(ctx context.Context, addr core.Address, now time.Time, a core.Assessment, rc core.RequestContext) string {
	ev := &core.RiskEvent{
		ID:                newEventID(now),
		Address:           addr,
		ObservedAt:        now,
		Factors:           a.Factors,
		Score:             a.Score,
		Action:            a.Action,
		IP:                rc.IP,
		DeviceFingerprint: rc.DeviceFingerprint,
		Geo:               rc.Geo,
		Amount:            rc.Amount,
		Operation:         rc.Operation,
	}
	if ev.Factors == nil {
		ev.Factors = []core.RiskFactor{}
	}

	logger := logx.FromContext(ctx, e.logger)
	if err := storeCall(ctx, e.timeout, func(ctx context.Context) error {
		return e.events.AppendRiskEvent(ctx, ev)
	}); err != nil {
		logger.Error("risk_event_append_failed", "address", addr.String(), "error", err)
		return ""
	}

	if e.publisher != nil {
		if err := e.publisher.PublishRiskEvent(ctx, ev); err != nil {
			logger.Warn("risk_event_publish_failed", "event_id", ev.ID, "error", err)
		}
	}
	return ev.ID
}

// oddHour flags an hour of day with no prior activity within one hour either
// side.
func (e *RiskEngine) oddHour(history []core.RiskEvent, now time.Time) bool {
	if len(history) < e.cfg.MinHistory || e.cfg.MinHistory <= 0 {
		return false
	}

	var seen [24]bool
	for _, ev := range history {
		seen[ev.ObservedAt.UTC().Hour()] = true
	}
	h := now.UTC().Hour()
	return !seen[h] && !seen[(h+23)%24] && !seen[(h+1)%24]
}

// location returns impossible_travel when the client moved faster than
// MaxTravelSpeedKmh since the last located event, new_ip when the address
// has a baseline of IPs that does not include this one, or "".
func (e *RiskEngine) location(history []core.RiskEvent, rc core.RequestContext, now time.Time) string {
	if rc.Geo != nil && e.cfg.MaxTravelSpeedKmh > 0 {
		for _, ev := range history {
			if ev.Geo == nil {
				continue
			}
			elapsed := now.Sub(ev.ObservedAt).Hours()
			dist := haversineKm(*ev.Geo, *rc.Geo)
			if elapsed <= 0 {
				if dist > 1 {
					return core.FactorImpossibleTravel
				}
			} else if dist/elapsed > e.cfg.MaxTravelSpeedKmh {
				return core.FactorImpossibleTravel
			}
			break // history is newest first
		}
	}

	if rc.IP == "" {
		return ""
	}
	known := 0
	for _, ev := range history {
		if ev.IP == "" {
			continue
		}
		if ev.IP == rc.IP {
			return ""
		}
		known++
	}
	if known >= e.cfg.MinHistory && e.cfg.MinHistory > 0 {
		return core.FactorNewIP
	}
	return ""
}

// velocity flags more events in the last VelocityWindow than the address's
// usual rate allows. The threshold is three times the historical average
// per window, never below VelocityFloor.
func (e *RiskEngine) velocity(history []core.RiskEvent, now time.Time) bool {
	if e.cfg.VelocityWindow <= 0 {
		return false
	}

	recent := 1 // this request
	for _, ev := range history {
		if now.Sub(ev.ObservedAt) <= e.cfg.VelocityWindow {
			recent++
		}
	}

	threshold := e.cfg.VelocityFloor
	if n := len(history); n >= e.cfg.MinHistory && n > 0 {
		span := now.Sub(history[n-1].ObservedAt)
		if span > e.cfg.VelocityWindow {
			windows := float64(span) / float64(e.cfg.VelocityWindow)
			baseline := int(math.Ceil(3 * float64(n) / windows))
			if baseline > threshold {
				threshold = baseline
			}
		}
	}
	return threshold > 0 && recent > threshold
}

// largeValue flags an amount above LargeValueCeiling, or above
// LargeValueMultiplier times the address's historical average.
func (e *RiskEngine) largeValue(history []core.RiskEvent, amount decimal.NullDecimal) bool {
	if !amount.Valid {
		return false
	}
	if e.cfg.LargeValueCeiling.IsPositive() && amount.Decimal.GreaterThan(e.cfg.LargeValueCeiling) {
		return true
	}

	sum := decimal.Zero
	n := 0
	for _, ev := range history {
		if ev.Amount.Valid {
			sum = sum.Add(ev.Amount.Decimal)
			n++
		}
	}
	if n < e.cfg.MinHistory || n == 0 {
		return false
	}
	avg := sum.Div(decimal.NewFromInt(int64(n)))
	return avg.IsPositive() && amount.Decimal.GreaterThan(avg.Mul(e.cfg.LargeValueMultiplier))
}

func haversineKm(a, b core.GeoPoint) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(b.Lat - a.Lat)
	dLon := rad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func factorNames(fs []core.RiskFactor) []string {
	names := make([]string, len(fs))
	for i, f := range fs {
		names[i] = f.Name
	}
	return names
}
