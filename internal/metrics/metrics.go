// Package metrics provides Prometheus metrics for authentication operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	challengesIssued *prometheus.CounterVec
	logins           *prometheus.CounterVec
	refreshes        *prometheus.CounterVec
	revocations      *prometheus.CounterVec
	dpopFailures     *prometheus.CounterVec
	stepUps          *prometheus.CounterVec
	riskScores       prometheus.Histogram
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		challengesIssued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletauth",
			Name:      "challenges_issued_total",
			Help:      "Challenges issued, by purpose.",
		}, []string{"purpose"}),
		logins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletauth",
			Name:      "logins_total",
			Help:      "Challenge verifications, by outcome.",
		}, []string{"outcome"}),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletauth",
			Name:      "refreshes_total",
			Help:      "Refresh token rotations, by outcome.",
		}, []string{"outcome"}),
		revocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletauth",
			Name:      "session_revocations_total",
			Help:      "Sessions revoked, by reason.",
		}, []string{"reason"}),
		dpopFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletauth",
			Name:      "dpop_failures_total",
			Help:      "Rejected DPoP proofs, by reason.",
		}, []string{"reason"}),
		stepUps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletauth",
			Name:      "step_up_total",
			Help:      "Step-up checks, by result.",
		}, []string{"result"}),
		riskScores: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "walletauth",
			Name:      "risk_score",
			Help:      "Distribution of computed risk scores.",
			Buckets:   []float64{0, 10, 25, 50, 70, 85, 100},
		}),
	}
}

func (m *Metrics) ChallengeIssued(purpose string) {
	if m == nil {
		return
	}
	m.challengesIssued.WithLabelValues(purpose).Inc()
}

func (m *Metrics) Login(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Revoked(reason string) {
	if m == nil {
		return
	}
	m.revocations.WithLabelValues(reason).Inc()
}

func (m *Metrics) DPoPFailure(reason string) {
	if m == nil {
		return
	}
	m.dpopFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) StepUp(result string) {
	if m == nil {
		return
	}
	m.stepUps.WithLabelValues(result).Inc()
}

func (m *Metrics) RiskScore(score int) {
	if m == nil {
		return
	}
	m.riskScores.Observe(float64(score))
}
