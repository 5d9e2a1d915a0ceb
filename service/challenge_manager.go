package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/internal/config"
	"github.com/layer-3/walletauth/internal/eth"
	"github.com/layer-3/walletauth/internal/jwk"
	"github.com/layer-3/walletauth/internal/logx"
	"github.com/layer-3/walletauth/internal/metrics"
	"github.com/layer-3/walletauth/ports"
)

const (
	challengeIDBytes = 16 // 128 bits
	nonceBytes       = 32 // 256 bits
)

// ConsumeRequest is a signed answer to a challenge.
type ConsumeRequest struct {
	ChallengeID string
	Address     string
	Signature   string
	// ClientKey is an optional public JWK the client wants its session
	// bound to.
	ClientKey []byte
	Purpose   core.ChallengePurpose
	// SessionID must match the challenge for step-up purposes.
	SessionID string
	Client    core.RequestContext
}

// ChallengeManager issues and consumes sign-in challenges
type ChallengeManager struct {
	store    ports.ChallengeStore
	limiter  ports.RateLimiter
	failures ports.Counter
	clock    ports.Clock

	cfg           config.ChallengeConfig
	limits        config.RateLimitConfig
	failureWindow time.Duration
	timeout       time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewChallengeManager creates a challenge manager
func NewChallengeManager(
	cfg config.Config,
	store ports.ChallengeStore,
	limiter ports.RateLimiter,
	failures ports.Counter,
	clock ports.Clock,
	logger *slog.Logger,
	m *metrics.Metrics,
) *ChallengeManager {
	return &ChallengeManager{
		store:         store,
		limiter:       limiter,
		failures:      failures,
		clock:         clock,
		cfg:           cfg.Challenge,
		limits:        cfg.RateLimit,
		failureWindow: cfg.Risk.FailedWindow,
		timeout:       cfg.Store.Timeout,
		logger:        logger,
		metrics:       m,
	}
}

// Issue creates a login challenge for address
func (m *ChallengeManager) Issue(ctx context.Context, address string, client core.RequestContext) (*core.Challenge, error) {
	addr, err := core.ParseAddress(address)
	if err != nil {
		return nil, err
	}

	if err := m.allow(ctx, "issue:addr:"+addr.String(), m.limits.IssuePerAddress); err != nil {
		return nil, err
	}
	if client.IP != "" {
		if err := m.allow(ctx, "issue:ip:"+client.IP, m.limits.IssuePerIP); err != nil {
			return nil, err
		}
	}

	return m.create(ctx, addr, core.PurposeLogin, "", "", client)
}

// IssueStepUp creates a challenge that can only complete a pending step-up
// of sessionID.
func (m *ChallengeManager) IssueStepUp(ctx context.Context, addr core.Address, sessionID, operation string, client core.RequestContext) (*core.Challenge, error) {
	if err := m.allow(ctx, "stepup:sid:"+sessionID, m.limits.IssuePerAddress); err != nil {
		return nil, err
	}
	return m.create(ctx, addr, core.PurposeStepUp, sessionID, operation, client)
}

func (m *ChallengeManager) allow(ctx context.Context, key string, limit int) error {
	err := storeCall(ctx, m.timeout, func(ctx context.Context) error {
		return m.limiter.Allow(ctx, key, limit, m.limits.Window)
	})
	if errors.Is(err, core.ErrRateLimited) {
		logx.FromContext(ctx, m.logger).Info("challenge_rate_limited", "key", key)
	}
	return err
}

func (m *ChallengeManager) create(ctx context.Context, addr core.Address, purpose core.ChallengePurpose, sessionID, operation string, client core.RequestContext) (*core.Challenge, error) {
	id, err := randomHex(challengeIDBytes)
	if err != nil {
		return nil, err
	}
	nonce, err := randomHex(nonceBytes)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	c := &core.Challenge{
		ID:        id,
		Address:   addr,
		Nonce:     nonce,
		Purpose:   purpose,
		SessionID: sessionID,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.cfg.TTL),
		Status:    core.ChallengeIssued,
		IP:        client.IP,
	}
	c.Message = m.message(c, operation)

	if err := storeCall(ctx, m.timeout, func(ctx context.Context) error {
		return m.store.CreateChallenge(ctx, c)
	}); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}

	m.metrics.ChallengeIssued(string(purpose))
	logx.FromContext(ctx, m.logger).Debug("challenge_issued",
		"challenge_id", c.ID,
		"address", addr.String(),
		"purpose", purpose,
	)
	return c, nil
}

// message renders the EIP-4361 text the wallet signs.
func (m *ChallengeManager) message(c *core.Challenge, operation string) string {
	statement := m.cfg.Statement
	if c.Purpose == core.PurposeStepUp {
		statement = "Confirm it is you before continuing"
		if operation != "" {
			statement += ": " + operation
		}
		statement += "."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s wants you to sign in with your Ethereum account:\n", m.cfg.Domain)
	fmt.Fprintf(&b, "%s\n\n", c.Address.String())
	if statement != "" {
		fmt.Fprintf(&b, "%s\n\n", statement)
	}
	fmt.Fprintf(&b, "URI: %s\n", m.cfg.URI)
	b.WriteString("Version: 1\n")
	fmt.Fprintf(&b, "Chain ID: %d\n", m.cfg.ChainID)
	fmt.Fprintf(&b, "Nonce: %s\n", c.Nonce)
	fmt.Fprintf(&b, "Issued At: %s\n", c.IssuedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Expiration Time: %s\n", c.ExpiresAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Request ID: %s", c.ID)
	if c.SessionID != "" {
		fmt.Fprintf(&b, "\nResources:\n- urn:walletauth:session:%s", c.SessionID)
	}
	return b.String()
}

// Consume verifies a signed challenge and marks it used. A signature from
// the wrong key leaves the challenge ISSUED.
func (m *ChallengeManager) Consume(ctx context.Context, req ConsumeRequest) (*core.VerifiedIdentity, error) {
	logger := logx.FromContext(ctx, m.logger)

	addr, err := core.ParseAddress(req.Address)
	if err != nil {
		return nil, err
	}
	sig, err := core.ParseSignature(req.Signature)
	if err != nil {
		return nil, err
	}
	jkt, err := clientThumbprint(req.ClientKey)
	if err != nil {
		return nil, err
	}
	purpose := req.Purpose
	if purpose == "" {
		purpose = core.PurposeLogin
	}

	now := m.clock.Now()

	c, err := storeGet(ctx, m.timeout, func(ctx context.Context) (*core.Challenge, error) {
		return m.store.GetChallenge(ctx, req.ChallengeID)
	})
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.ErrChallengeNotFound
		}
		return nil, err
	}
	if c.Purpose != purpose || (purpose == core.PurposeStepUp && c.SessionID != req.SessionID) {
		return nil, core.ErrChallengeNotFound
	}
	if c.Expired(now) {
		return nil, core.ErrChallengeExpired
	}
	if c.Status != core.ChallengeIssued {
		return nil, core.ErrChallengeAlreadyUsed
	}

	if !addr.Equal(c.Address) {
		m.recordFailure(ctx, c.Address)
		return nil, core.ErrSignatureMismatch
	}
	if err := eth.VerifyAddress([]byte(c.Message), sig, c.Address); err != nil {
		if errors.Is(err, core.ErrSignatureMismatch) {
			m.recordFailure(ctx, c.Address)
			logger.Warn("challenge_signature_mismatch", "challenge_id", c.ID, "address", c.Address.String())
		}
		return nil, err
	}

	err = storeCall(ctx, m.timeout, func(ctx context.Context) error {
		return m.store.MarkConsumed(ctx, c.ID, now)
	})
	switch {
	case err == nil:
	case errors.Is(err, core.ErrPreconditionFailed):
		return nil, core.ErrChallengeAlreadyUsed
	case errors.Is(err, core.ErrChallengeExpired):
		return nil, core.ErrChallengeExpired
	case errors.Is(err, core.ErrNotFound):
		return nil, core.ErrChallengeNotFound
	default:
		return nil, fmt.Errorf("failed to consume challenge: %w", err)
	}

	logger.Debug("challenge_consumed", "challenge_id", c.ID, "address", c.Address.String())

	return &core.VerifiedIdentity{
		Address:     c.Address,
		ChallengeID: c.ID,
		Purpose:     c.Purpose,
		SessionID:   c.SessionID,
		Client:      req.Client,
		ClientJKT:   jkt,
	}, nil
}

// recordFailure feeds the failed_verifications risk signal. Errors are
// logged; the request already fails.
func (m *ChallengeManager) recordFailure(ctx context.Context, addr core.Address) {
	err := storeCall(ctx, m.timeout, func(ctx context.Context) error {
		_, err := m.failures.Incr(ctx, failuresKey(addr), m.failureWindow)
		return err
	})
	if err != nil {
		logx.FromContext(ctx, m.logger).Error("failed_verification_count_error", "error", err)
	}
}

func failuresKey(addr core.Address) string {
	return "failed:" + addr.String()
}

// clientThumbprint returns the RFC 7638 thumbprint of an optional client JWK.
func clientThumbprint(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	key, err := jwk.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: client key: %v", core.ErrInvalidRequest, err)
	}
	jkt, err := key.Thumbprint()
	if err != nil {
		return "", fmt.Errorf("%w: client key: %v", core.ErrInvalidRequest, err)
	}
	return jkt, nil
}

// ResetFailures clears the failed verification count after a successful
// login.
func (m *ChallengeManager) ResetFailures(ctx context.Context, addr core.Address) {
	err := storeCall(ctx, m.timeout, func(ctx context.Context) error {
		return m.failures.Reset(ctx, failuresKey(addr))
	})
	if err != nil {
		logx.FromContext(ctx, m.logger).Error("failed_verification_reset_error", "error", err)
	}
}
