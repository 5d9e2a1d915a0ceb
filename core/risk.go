package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskAction is the decision attached to a risk event.
type RiskAction string

const (
	ActionAllow   RiskAction = "allow"
	ActionMonitor RiskAction = "monitor"
	ActionStepUp  RiskAction = "step_up"
	ActionBlock   RiskAction = "block"
)

// Risk factor names.
const (
	FactorOddHour             = "odd_hour"
	FactorNewIP               = "new_ip"
	FactorImpossibleTravel    = "impossible_travel"
	FactorVelocity            = "velocity"
	FactorLargeValue          = "large_value"
	FactorFailedVerifications = "failed_verifications"
	FactorDPoPKeyMismatch     = "dpop_key_mismatch"
	FactorDPoPStale           = "dpop_stale"
	FactorRefreshReuse        = "refresh_reuse"
)

// RiskFactor is one named signal and the points it contributed.
type RiskFactor struct {
	Name   string `json:"name"`
	Points int    `json:"points"`
}

// RiskEvent is an append-only audit record. It is never mutated after creation.
type RiskEvent struct {
	ID                string              `json:"id"`
	Address           Address             `json:"-"`
	ObservedAt        time.Time           `json:"observed_at"`
	Factors           []RiskFactor        `json:"factors"`
	Score             int                 `json:"score"`
	Action            RiskAction          `json:"action_taken"`
	IP                string              `json:"ip,omitempty"`
	DeviceFingerprint string              `json:"device_fingerprint,omitempty"`
	Geo               *GeoPoint           `json:"geo,omitempty"`
	Amount            decimal.NullDecimal `json:"amount"`
	Operation         string              `json:"operation,omitempty"`
}

// FactorNames returns the ordered factor names.
func (e *RiskEvent) FactorNames() []string {
	names := make([]string, len(e.Factors))
	for i, f := range e.Factors {
		names[i] = f.Name
	}
	return names
}

// Assessment is the result of scoring one request.
type Assessment struct {
	Score   int
	Factors []RiskFactor
	Action  RiskAction
	EventID string // Empty if the audit append failed
}

// Has reports whether the named factor fired.
func (a Assessment) Has(name string) bool {
	for _, f := range a.Factors {
		if f.Name == name {
			return true
		}
	}
	return false
}
