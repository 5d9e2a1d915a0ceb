package core

import "time"

// RevocationReason explains why a token identifier was revoked.
type RevocationReason string

const (
	ReasonLogout      RevocationReason = "logout"
	ReasonAnomaly     RevocationReason = "anomaly"
	ReasonAdminAction RevocationReason = "admin_action"
	ReasonRotated     RevocationReason = "rotated"
)

// Valid reports whether r is one of the known reasons.
func (r RevocationReason) Valid() bool {
	switch r {
	case ReasonLogout, ReasonAnomaly, ReasonAdminAction, ReasonRotated:
		return true
	}
	return false
}

// RevocationEntry marks a jti as permanently invalid. ExpiresAt is the expiry
// of the token carrying the jti; the entry may be pruned after it.
type RevocationEntry struct {
	JTI       string           `json:"jti"`
	SessionID string           `json:"sid,omitempty"`
	RevokedAt time.Time        `json:"revoked_at"`
	Reason    RevocationReason `json:"reason"`
	ExpiresAt time.Time        `json:"expires_at"`
}
