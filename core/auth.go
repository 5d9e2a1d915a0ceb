package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChallengeStatus is the lifecycle state of a challenge.
type ChallengeStatus string

const (
	ChallengeIssued   ChallengeStatus = "ISSUED"
	ChallengeConsumed ChallengeStatus = "CONSUMED"
	ChallengeExpired  ChallengeStatus = "EXPIRED"
)

// ChallengePurpose scopes what a consumed challenge may be used for.
type ChallengePurpose string

const (
	PurposeLogin  ChallengePurpose = "login"
	PurposeStepUp ChallengePurpose = "step_up"
)

// Challenge represents an authentication challenge
type Challenge struct {
	ID        string           // 128-bit random identifier, hex encoded
	Address   Address          // Claimed account address
	Nonce     string           // 256-bit random nonce embedded in Message
	Message   string           // Exact text the wallet signs
	Purpose   ChallengePurpose // login or step_up
	SessionID string           // Set for step-up challenges only
	IssuedAt  time.Time
	ExpiresAt time.Time
	Status    ChallengeStatus
	IP        string
}

// Expired reports whether the challenge is past its expiry at now.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "ACTIVE"
	SessionRevoked SessionStatus = "REVOKED"
	SessionExpired SessionStatus = "EXPIRED"
)

// Session represents an authenticated user session
type Session struct {
	ID                string
	Address           Address
	AccessJTI         string
	RefreshJTI        string
	IssuedAt          time.Time
	RotatedAt         time.Time
	AccessExpiresAt   time.Time
	RefreshExpiresAt  time.Time
	DeviceFingerprint string
	IP                string
	UserAgent         string
	DPoPJKT           string // Immutable once set
	RequiresStepUp    bool
	Status            SessionStatus
	RevokedReason     RevocationReason
}

// Active reports whether the session can still be used at now.
func (s *Session) Active(now time.Time) bool {
	return s.Status == SessionActive && now.Before(s.RefreshExpiresAt)
}

// Rotation is the next token generation written by a refresh.
type Rotation struct {
	AccessJTI        string
	RefreshJTI       string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	RotatedAt        time.Time
}

// GeoPoint is an approximate client location.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RequestContext is the client information captured with a request.
type RequestContext struct {
	IP                string
	UserAgent         string
	DeviceFingerprint string
	Geo               *GeoPoint
	Amount            decimal.NullDecimal // Monetary value of the operation, if any
	Operation         string
}

// VerifiedIdentity is the output of a successful challenge consumption.
type VerifiedIdentity struct {
	Address     Address
	ChallengeID string
	Purpose     ChallengePurpose
	SessionID   string // Step-up challenges only
	Client      RequestContext
	ClientJKT   string // Thumbprint of the client-held DPoP key, if supplied
}

// TokenPair is what a client stores after login or refresh.
type TokenPair struct {
	SessionID        string
	AccessToken      string
	RefreshToken     string
	TokenType        string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	RequiresStepUp   bool
}

// Principal is the authenticated caller derived from an access token.
type Principal struct {
	Address        Address
	SessionID      string
	JTI            string
	DPoPJKT        string
	RequiresStepUp bool
	ExpiresAt      time.Time
}
