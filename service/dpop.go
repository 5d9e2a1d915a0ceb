package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/internal/jwk"
	"github.com/layer-3/walletauth/internal/logx"
	"github.com/layer-3/walletauth/internal/metrics"
	"github.com/layer-3/walletauth/ports"
)

const dpopType = "dpop+jwt"

var dpopAlgorithms = []string{"ES256", "EdDSA"}

// DPoPClaims are the claims of a DPoP proof (RFC 9449).
type DPoPClaims struct {
	jwt.RegisteredClaims
	HTM string `json:"htm"`
	HTU string `json:"htu"`
	ATH string `json:"ath,omitempty"`
}

// DPoPRequest is the request a proof must be bound to.
type DPoPRequest struct {
	AccessToken string
	Proof       string
	Method      string
	URL         string
	Client      core.RequestContext
}

// DPoPValidator checks proof-of-possession headers against a session's key
// binding. The only write it performs is recording the proof's jti.
type DPoPValidator struct {
	nonces  ports.NonceCache
	risk    *RiskEngine
	clock   ports.Clock
	window  time.Duration
	timeout time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewDPoPValidator creates a validator. risk may be nil.
func NewDPoPValidator(nonces ports.NonceCache, risk *RiskEngine, clock ports.Clock, window, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *DPoPValidator {
	return &DPoPValidator{
		nonces:  nonces,
		risk:    risk,
		clock:   clock,
		window:  window,
		timeout: timeout,
		logger:  logger,
		metrics: m,
	}
}

// Validate checks req.Proof for principal p. Sessions without a binding
// need no proof.
func (v *DPoPValidator) Validate(ctx context.Context, p *core.Principal, req DPoPRequest) error {
	if p.DPoPJKT == "" {
		return nil
	}

	err := v.validate(ctx, p, req)
	if err == nil {
		return nil
	}

	reason := dpopReason(err)
	v.metrics.DPoPFailure(reason)
	logx.FromContext(ctx, v.logger).Warn("dpop_rejected", "sid", p.SessionID, "reason", reason, "error", err)

	if v.risk != nil {
		switch {
		case errors.Is(err, core.ErrDPoPKeyMismatch):
			v.risk.RecordPolicyViolation(ctx, p.Address, core.FactorDPoPKeyMismatch, req.Client)
		case errors.Is(err, core.ErrDPoPStale):
			v.risk.RecordPolicyViolation(ctx, p.Address, core.FactorDPoPStale, req.Client)
		}
	}
	return err
}

func (v *DPoPValidator) validate(ctx context.Context, p *core.Principal, req DPoPRequest) error {
	if req.Proof == "" {
		return core.ErrDPoPMissing
	}

	var thumbprint string
	claims := &DPoPClaims{}
	_, err := jwt.NewParser(
		jwt.WithValidMethods(dpopAlgorithms),
		jwt.WithoutClaimsValidation(),
	).ParseWithClaims(req.Proof, claims, func(t *jwt.Token) (interface{}, error) {
		if typ, _ := t.Header["typ"].(string); !strings.EqualFold(typ, dpopType) {
			return nil, fmt.Errorf("typ %q", typ)
		}
		raw, ok := t.Header["jwk"].(map[string]any)
		if !ok {
			return nil, errors.New("missing jwk header")
		}
		key, err := jwk.FromMap(raw)
		if err != nil {
			return nil, err
		}
		if thumbprint, err = key.Thumbprint(); err != nil {
			return nil, err
		}
		return key.PublicKey()
	})
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrDPoPInvalid, err)
	}
	if claims.ID == "" {
		return fmt.Errorf("%w: missing jti", core.ErrDPoPInvalid)
	}

	now := v.clock.Now()
	if claims.IssuedAt == nil {
		return fmt.Errorf("%w: missing iat", core.ErrDPoPStale)
	}
	if skew := now.Sub(claims.IssuedAt.Time); skew > v.window || skew < -v.window {
		return core.ErrDPoPStale
	}

	if thumbprint != p.DPoPJKT {
		return core.ErrDPoPKeyMismatch
	}

	if claims.HTM != req.Method || !sameTarget(claims.HTU, req.URL) {
		return core.ErrDPoPMethodMismatch
	}

	if claims.ATH != accessTokenHash(req.AccessToken) {
		return fmt.Errorf("%w: ath does not match access token", core.ErrDPoPInvalid)
	}

	fresh, err := storeGet(ctx, v.timeout, func(ctx context.Context) (bool, error) {
		return v.nonces.Remember(ctx, "dpop:"+thumbprint+":"+claims.ID, 2*v.window)
	})
	if err != nil {
		return err
	}
	if !fresh {
		return fmt.Errorf("%w: proof replayed", core.ErrDPoPStale)
	}
	return nil
}

// accessTokenHash is the ath claim value for token.
func accessTokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// sameTarget compares htu with the request URL ignoring query, fragment and
// the case of scheme and host.
func sameTarget(htu, requestURL string) bool {
	a, err := normalizeHTU(htu)
	if err != nil {
		return false
	}
	b, err := normalizeHTU(requestURL)
	if err != nil {
		return false
	}
	return a == b
}

func normalizeHTU(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.New("htu must be absolute")
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch scheme {
	case "http":
		host = strings.TrimSuffix(host, ":80")
	case "https":
		host = strings.TrimSuffix(host, ":443")
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path, nil
}

func dpopReason(err error) string {
	switch {
	case errors.Is(err, core.ErrDPoPMissing):
		return "missing"
	case errors.Is(err, core.ErrDPoPStale):
		return "stale"
	case errors.Is(err, core.ErrDPoPKeyMismatch):
		return "key_mismatch"
	case errors.Is(err, core.ErrDPoPMethodMismatch):
		return "method_mismatch"
	case errors.Is(err, core.ErrDPoPInvalid):
		return "invalid"
	}
	return "error"
}
