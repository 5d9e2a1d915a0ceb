package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/internal/jwk"
	"github.com/layer-3/walletauth/internal/logx"
	"github.com/layer-3/walletauth/ports"
)

// AuthService composes the protocol components into the operations exposed
// over the wire.
type AuthService struct {
	challenges *ChallengeManager
	sessions   *SessionManager
	risk       *RiskEngine
	dpop       *DPoPValidator
	stepUp     *StepUpController
	keys       ports.KeyProvider
	logger     *slog.Logger
}

// NewAuthService creates a new authentication service
func NewAuthService(
	challenges *ChallengeManager,
	sessions *SessionManager,
	risk *RiskEngine,
	dpop *DPoPValidator,
	stepUp *StepUpController,
	keys ports.KeyProvider,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		challenges: challenges,
		sessions:   sessions,
		risk:       risk,
		dpop:       dpop,
		stepUp:     stepUp,
		keys:       keys,
		logger:     logger,
	}
}

// Challenge issues a login challenge for address.
func (s *AuthService) Challenge(ctx context.Context, address string, client core.RequestContext) (*core.Challenge, error) {
	return s.challenges.Issue(ctx, address, client)
}

// Login consumes a signed login challenge, scores the attempt and mints a
// session. Any failure before the mint aborts the login.
func (s *AuthService) Login(ctx context.Context, req ConsumeRequest) (*core.TokenPair, error) {
	req.Purpose = core.PurposeLogin
	req.SessionID = ""

	id, err := s.challenges.Consume(ctx, req)
	if err != nil {
		return nil, err
	}

	client := id.Client
	client.Operation = string(core.PurposeLogin)
	a := s.risk.Score(ctx, id.Address, client)

	pair, err := s.sessions.Mint(ctx, id, a)
	if err != nil {
		return nil, err
	}
	s.challenges.ResetFailures(ctx, id.Address)

	logx.FromContext(ctx, s.logger).Info("login_succeeded",
		"address", id.Address.String(),
		"sid", pair.SessionID,
		"risk_score", a.Score,
	)
	return pair, nil
}

// Refresh rotates a session's tokens.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, client core.RequestContext) (*core.TokenPair, error) {
	return s.sessions.Refresh(ctx, refreshToken, client)
}

// Logout revokes the session behind an access or refresh token. It never
// fails the caller for an unknown, expired or already revoked session.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	err := s.sessions.Logout(ctx, token)
	if err != nil {
		logx.FromContext(ctx, s.logger).Info("logout_ignored", "error", err)
		if core.Retryable(err) {
			return err
		}
	}
	return nil
}

// Revoke revokes a session by id.
func (s *AuthService) Revoke(ctx context.Context, sessionID string, reason core.RevocationReason) error {
	return s.sessions.Revoke(ctx, sessionID, reason)
}

// AuthenticateRequest verifies the access token of an incoming request and,
// for DPoP-bound sessions, its proof.
func (s *AuthService) AuthenticateRequest(ctx context.Context, req DPoPRequest) (*core.Principal, error) {
	p, err := s.sessions.Authenticate(ctx, req.AccessToken)
	if err != nil {
		return nil, err
	}
	if err := s.dpop.Validate(ctx, p, req); err != nil {
		return nil, err
	}
	return p, nil
}

// Authorize runs the step-up gate for op.
func (s *AuthService) Authorize(ctx context.Context, p *core.Principal, op core.Operation, client core.RequestContext) (*core.StepUpResult, error) {
	return s.stepUp.Require(ctx, p, op, client)
}

// CompleteStepUp consumes a signed step-up challenge for p's session.
func (s *AuthService) CompleteStepUp(ctx context.Context, p *core.Principal, req ConsumeRequest) (*core.StepUpState, error) {
	return s.stepUp.Complete(ctx, p, req)
}

// JWKS returns the public key set verifying issued tokens.
func (s *AuthService) JWKS() (jwk.Set, error) {
	key, err := jwk.FromPublicKey(s.keys.PublicKey())
	if err != nil {
		return jwk.Set{}, fmt.Errorf("failed to encode signing key: %w", err)
	}
	key.Use = "sig"
	key.Alg = s.keys.Algorithm()
	key.Kid = s.keys.KeyID()
	return jwk.Set{Keys: []jwk.Key{key}}, nil
}
