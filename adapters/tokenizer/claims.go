package tokenizer

import "github.com/golang-jwt/jwt/v5"

// Confirmation binds a token to a proof-of-possession key (RFC 9449 cnf.jkt).
type Confirmation struct {
	JKT string `json:"jkt"`
}

// AccessClaims combines standard claims with access-specific ones
type AccessClaims struct {
	jwt.RegisteredClaims
	SessionID string        `json:"sid"`
	Cnf       *Confirmation `json:"cnf,omitempty"`
	StepUp    bool          `json:"stu,omitempty"` // Session must step up before sensitive operations
}

// RefreshClaims combines standard claims with the session lineage id
type RefreshClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}
