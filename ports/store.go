package ports

import (
	"context"
	"time"

	"github.com/layer-3/walletauth/core"
)

// ChallengeStore persists issued challenges keyed by challenge id.
type ChallengeStore interface {
	CreateChallenge(ctx context.Context, c *core.Challenge) error
	// GetChallenge returns core.ErrNotFound when the id is unknown.
	GetChallenge(ctx context.Context, id string) (*core.Challenge, error)
	// MarkConsumed moves the challenge from ISSUED to CONSUMED if it is still
	// ISSUED and not expired at now. It returns core.ErrPreconditionFailed
	// when the challenge was already consumed and core.ErrChallengeExpired
	// when now is past its expiry.
	MarkConsumed(ctx context.Context, id string, now time.Time) error
	DeleteExpiredChallenges(ctx context.Context, before time.Time) (int, error)
}

// SessionStore persists sessions and their current token generation.
type SessionStore interface {
	CreateSession(ctx context.Context, s *core.Session) error
	// GetSession returns core.ErrNotFound when the id is unknown.
	GetSession(ctx context.Context, id string) (*core.Session, error)
	// RotateSession replaces the token generation if the session is ACTIVE
	// and its refresh jti still equals expectedRefreshJTI; the old refresh
	// jti is added to the revocation set in the same atomic step. It returns
	// core.ErrPreconditionFailed when the precondition no longer holds.
	RotateSession(ctx context.Context, id, expectedRefreshJTI string, next core.Rotation, revoked core.RevocationEntry) error
	// RevokeSession sets status REVOKED and revokes the given entries. It
	// reports whether the session was active before the call.
	RevokeSession(ctx context.Context, id string, reason core.RevocationReason, entries []core.RevocationEntry) (bool, error)
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int, error)
}

// RevocationStore is the set of revoked token identifiers.
type RevocationStore interface {
	Revoke(ctx context.Context, entries ...core.RevocationEntry) error
	// GetRevocation returns core.ErrNotFound when jti is not revoked.
	GetRevocation(ctx context.Context, jti string) (*core.RevocationEntry, error)
	DeleteExpiredRevocations(ctx context.Context, before time.Time) (int, error)
}

// RiskEventStore is the append-only risk audit trail.
type RiskEventStore interface {
	AppendRiskEvent(ctx context.Context, e *core.RiskEvent) error
	// ListRiskEvents returns events for address observed at or after since,
	// newest first, at most limit.
	ListRiskEvents(ctx context.Context, address core.Address, since time.Time, limit int) ([]core.RiskEvent, error)
	DeleteRiskEventsBefore(ctx context.Context, before time.Time) (int, error)
}

// StepUpStore keeps per-session step-up state.
type StepUpStore interface {
	GetStepUp(ctx context.Context, sessionID string) (*core.StepUpState, error)
	PutStepUp(ctx context.Context, s *core.StepUpState, ttl time.Duration) error
	DeleteStepUp(ctx context.Context, sessionID string) error
	DeleteExpiredStepUps(ctx context.Context, before time.Time) (int, error)
}

// NonceCache remembers single-use values for a bounded time.
type NonceCache interface {
	// Remember stores key and reports whether it was not already present.
	Remember(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
