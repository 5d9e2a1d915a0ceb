package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/internal/config"
	"github.com/layer-3/walletauth/internal/logx"
	"github.com/layer-3/walletauth/internal/metrics"
	"github.com/layer-3/walletauth/ports"
)

const TokenTypeBearer = "Bearer"
const TokenTypeDPoP = "DPoP"

// SessionManager mints, rotates and revokes sessions
type SessionManager struct {
	sessions    ports.SessionStore
	tokenizer   ports.Tokenizer
	revocations *RevocationChecker
	risk        *RiskEngine
	publisher   ports.EventPublisher
	clock       ports.Clock

	cfg     config.SessionConfig
	timeout time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewSessionManager creates a session manager. publisher may be nil.
func NewSessionManager(
	cfg config.Config,
	sessions ports.SessionStore,
	tokenizer ports.Tokenizer,
	revocations *RevocationChecker,
	risk *RiskEngine,
	publisher ports.EventPublisher,
	clock ports.Clock,
	logger *slog.Logger,
	m *metrics.Metrics,
) *SessionManager {
	return &SessionManager{
		sessions:    sessions,
		tokenizer:   tokenizer,
		revocations: revocations,
		risk:        risk,
		publisher:   publisher,
		clock:       clock,
		cfg:         cfg.Session,
		timeout:     cfg.Store.Timeout,
		logger:      logger,
		metrics:     m,
	}
}

// Mint creates a session for a verified identity. A blocking assessment
// fails with ErrAuthenticationBlocked; a step-up assessment mints a session
// flagged to step up before sensitive operations.
func (m *SessionManager) Mint(ctx context.Context, id *core.VerifiedIdentity, a core.Assessment) (*core.TokenPair, error) {
	logger := logx.FromContext(ctx, m.logger)

	if a.Action == core.ActionBlock {
		m.metrics.Login("blocked")
		logger.Warn("login_blocked", "address", id.Address.String(), "score", a.Score, "event_id", a.EventID)
		return nil, core.ErrAuthenticationBlocked
	}

	now := m.clock.Now()
	sess := &core.Session{
		ID:                uuid.NewString(),
		Address:           id.Address,
		AccessJTI:         uuid.NewString(),
		RefreshJTI:        uuid.NewString(),
		IssuedAt:          now,
		AccessExpiresAt:   now.Add(m.cfg.AccessTTL),
		RefreshExpiresAt:  now.Add(m.cfg.RefreshTTL),
		DeviceFingerprint: id.Client.DeviceFingerprint,
		IP:                id.Client.IP,
		UserAgent:         id.Client.UserAgent,
		DPoPJKT:           id.ClientJKT,
		RequiresStepUp:    a.Action == core.ActionStepUp,
		Status:            core.SessionActive,
	}

	pair, err := m.tokens(ctx, sess)
	if err != nil {
		return nil, err
	}

	if err := storeCall(ctx, m.timeout, func(ctx context.Context) error {
		return m.sessions.CreateSession(ctx, sess)
	}); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	m.metrics.Login("success")
	logger.Info("session_minted",
		"sid", sess.ID,
		"address", sess.Address.String(),
		"dpop_bound", sess.DPoPJKT != "",
		"requires_step_up", sess.RequiresStepUp,
	)
	return pair, nil
}

// Refresh rotates a session's token pair. Presenting a refresh token that
// was already rotated or revoked is treated as theft: the whole session is
// revoked and ErrRefreshReuseDetected returned.
func (m *SessionManager) Refresh(ctx context.Context, refreshToken string, client core.RequestContext) (*core.TokenPair, error) {
	logger := logx.FromContext(ctx, m.logger)

	claims, err := m.tokenizer.RefreshTokenToClaims(refreshToken)
	if err != nil {
		m.metrics.Refresh("invalid")
		return nil, err
	}

	revoked, err := m.revocations.IsRevoked(ctx, claims.JTI)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, m.reuseDetected(ctx, claims, client)
	}

	sess, err := storeGet(ctx, m.timeout, func(ctx context.Context) (*core.Session, error) {
		return m.sessions.GetSession(ctx, claims.SessionID)
	})
	if errors.Is(err, core.ErrNotFound) {
		m.metrics.Refresh("invalid")
		return nil, core.ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, err
	}
	if !sess.Address.Equal(claims.Address) {
		m.metrics.Refresh("invalid")
		return nil, core.ErrInvalidRefreshToken
	}
	if sess.RefreshJTI != claims.JTI {
		return nil, m.reuseDetected(ctx, claims, client)
	}

	now := m.clock.Now()
	switch {
	case sess.Status != core.SessionActive:
		m.metrics.Refresh("invalid")
		return nil, core.ErrInvalidRefreshToken
	case !now.Before(sess.RefreshExpiresAt):
		m.metrics.Refresh("expired")
		return nil, core.ErrRefreshExpired
	}

	next := core.Rotation{
		AccessJTI:        uuid.NewString(),
		RefreshJTI:       uuid.NewString(),
		AccessExpiresAt:  now.Add(m.cfg.AccessTTL),
		RefreshExpiresAt: now.Add(m.cfg.RefreshTTL),
		RotatedAt:        now,
	}
	old := core.RevocationEntry{
		JTI:       claims.JTI,
		SessionID: sess.ID,
		RevokedAt: now,
		Reason:    core.ReasonRotated,
		ExpiresAt: sess.RefreshExpiresAt,
	}

	rotated := *sess
	rotated.AccessJTI = next.AccessJTI
	rotated.RefreshJTI = next.RefreshJTI
	rotated.AccessExpiresAt = next.AccessExpiresAt
	rotated.RefreshExpiresAt = next.RefreshExpiresAt
	rotated.RotatedAt = next.RotatedAt

	pair, err := m.tokens(ctx, &rotated)
	if err != nil {
		return nil, err
	}

	err = storeCall(ctx, m.timeout, func(ctx context.Context) error {
		return m.sessions.RotateSession(ctx, sess.ID, claims.JTI, next, old)
	})
	switch {
	case err == nil:
	case errors.Is(err, core.ErrPreconditionFailed):
		// Lost the race to a concurrent refresh of the same token.
		return nil, m.reuseDetected(ctx, claims, client)
	case errors.Is(err, core.ErrNotFound):
		m.metrics.Refresh("invalid")
		return nil, core.ErrInvalidRefreshToken
	default:
		return nil, fmt.Errorf("failed to rotate session: %w", err)
	}

	m.revocations.Remember(old)
	m.metrics.Refresh("success")
	logger.Debug("session_rotated", "sid", sess.ID)
	return pair, nil
}

func (m *SessionManager) reuseDetected(ctx context.Context, claims *ports.RefreshClaims, client core.RequestContext) error {
	logger := logx.FromContext(ctx, m.logger)
	logger.Warn("refresh_reuse_detected", "sid", claims.SessionID, "jti", claims.JTI, "address", claims.Address.String())
	m.metrics.Refresh("reuse_detected")

	if err := m.Revoke(ctx, claims.SessionID, core.ReasonAnomaly); err != nil {
		logger.Error("lineage_revocation_failed", "sid", claims.SessionID, "error", err)
	}

	if m.publisher != nil {
		if err := m.publisher.PublishReuseDetected(ctx, claims.Address, claims.SessionID, claims.JTI); err != nil {
			logger.Warn("reuse_event_publish_failed", "sid", claims.SessionID, "error", err)
		}
	}
	if m.risk != nil {
		m.risk.RecordPolicyViolation(ctx, claims.Address, core.FactorRefreshReuse, client)
	}
	return core.ErrRefreshReuseDetected
}

// Revoke revokes the session's current access and refresh jtis and marks it
// REVOKED. Revoking an unknown or already revoked session is a no-op.
func (m *SessionManager) Revoke(ctx context.Context, sessionID string, reason core.RevocationReason) error {
	if !reason.Valid() {
		return fmt.Errorf("%w: unknown revocation reason %q", core.ErrInvalidRequest, reason)
	}
	logger := logx.FromContext(ctx, m.logger)

	sess, err := storeGet(ctx, m.timeout, func(ctx context.Context) (*core.Session, error) {
		return m.sessions.GetSession(ctx, sessionID)
	})
	if errors.Is(err, core.ErrNotFound) {
		logger.Debug("revoke_unknown_session", "sid", sessionID)
		return nil
	}
	if err != nil {
		return err
	}

	now := m.clock.Now()
	entries := []core.RevocationEntry{
		{JTI: sess.AccessJTI, SessionID: sess.ID, RevokedAt: now, Reason: reason, ExpiresAt: sess.AccessExpiresAt},
		{JTI: sess.RefreshJTI, SessionID: sess.ID, RevokedAt: now, Reason: reason, ExpiresAt: sess.RefreshExpiresAt},
	}

	wasActive, err := storeGet(ctx, m.timeout, func(ctx context.Context) (bool, error) {
		return m.sessions.RevokeSession(ctx, sess.ID, reason, entries)
	})
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	if !wasActive {
		return nil
	}

	m.revocations.Remember(entries...)
	m.metrics.Revoked(string(reason))
	logger.Info("session_revoked", "sid", sess.ID, "reason", reason)

	if m.publisher != nil {
		if err := m.publisher.PublishRevocation(ctx, sess.ID, entries); err != nil {
			logger.Warn("revocation_publish_failed", "sid", sess.ID, "error", err)
		}
	}
	return nil
}

// Logout revokes the session identified by an access or refresh token.
// Expired tokens are accepted as long as their signature verifies.
func (m *SessionManager) Logout(ctx context.Context, token string) error {
	sid, err := m.tokenizer.SessionIDFromToken(token)
	if err != nil {
		return err
	}
	return m.Revoke(ctx, sid, core.ReasonLogout)
}

// Authenticate verifies an access token and returns its principal. The
// session's stored DPoP binding is authoritative.
func (m *SessionManager) Authenticate(ctx context.Context, accessToken string) (*core.Principal, error) {
	p, err := m.tokenizer.AccessTokenToPrincipal(accessToken)
	if err != nil {
		return nil, err
	}

	sess, err := m.revocations.Check(ctx, p.JTI, p.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.DPoPJKT != p.DPoPJKT || !sess.Address.Equal(p.Address) {
		return nil, core.ErrInvalidToken
	}

	p.RequiresStepUp = sess.RequiresStepUp
	return p, nil
}

func (m *SessionManager) tokens(ctx context.Context, sess *core.Session) (*core.TokenPair, error) {
	access, err := m.tokenizer.SessionToAccessToken(ctx, sess)
	if err != nil {
		return nil, err
	}
	refresh, err := m.tokenizer.SessionToRefreshToken(ctx, sess)
	if err != nil {
		return nil, err
	}

	tokenType := TokenTypeBearer
	if sess.DPoPJKT != "" {
		tokenType = TokenTypeDPoP
	}
	return &core.TokenPair{
		SessionID:        sess.ID,
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        tokenType,
		AccessExpiresAt:  sess.AccessExpiresAt,
		RefreshExpiresAt: sess.RefreshExpiresAt,
		RequiresStepUp:   sess.RequiresStepUp,
	}, nil
}
