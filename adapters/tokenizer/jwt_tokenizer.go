package tokenizer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/ports"
)

const AudienceAccess = "session:access"
const AudienceRefresh = "session:refresh"

// JWTTokenizer implements the Tokenizer interface using JWT
type JWTTokenizer struct {
	keys   ports.KeyProvider
	issuer string
	clock  ports.Clock
}

// NewJWTTokenizer creates a new JWT tokenizer signing through keys
func NewJWTTokenizer(keys ports.KeyProvider, issuer string, clock ports.Clock) *JWTTokenizer {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &JWTTokenizer{keys: keys, issuer: issuer, clock: clock}
}

var _ ports.Tokenizer = (*JWTTokenizer)(nil)

// SessionToAccessToken converts a Session to an access JWT token
func (j *JWTTokenizer) SessionToAccessToken(ctx context.Context, session *core.Session) (string, error) {
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   session.Address.String(),
			ID:        session.AccessJTI,
			ExpiresAt: jwt.NewNumericDate(session.AccessExpiresAt),
			IssuedAt:  jwt.NewNumericDate(rotatedOrIssued(session)),
			Audience:  jwt.ClaimStrings{AudienceAccess},
		},
		SessionID: session.ID,
		StepUp:    session.RequiresStepUp,
	}
	if session.DPoPJKT != "" {
		claims.Cnf = &Confirmation{JKT: session.DPoPJKT}
	}

	signed, err := j.sign(ctx, claims)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// SessionToRefreshToken converts a Session to a refresh JWT token
func (j *JWTTokenizer) SessionToRefreshToken(ctx context.Context, session *core.Session) (string, error) {
	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   session.Address.String(),
			ID:        session.RefreshJTI,
			ExpiresAt: jwt.NewNumericDate(session.RefreshExpiresAt),
			IssuedAt:  jwt.NewNumericDate(rotatedOrIssued(session)),
			Audience:  jwt.ClaimStrings{AudienceRefresh},
		},
		SessionID: session.ID,
	}

	signed, err := j.sign(ctx, claims)
	if err != nil {
		return "", fmt.Errorf("failed to sign refresh token: %w", err)
	}
	return signed, nil
}

// AccessTokenToPrincipal parses an access token and returns the caller it identifies
func (j *JWTTokenizer) AccessTokenToPrincipal(tokenStr string) (*core.Principal, error) {
	claims := &AccessClaims{}
	if _, err := j.parse(tokenStr, claims, AudienceAccess); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, core.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidToken, err)
	}

	addr, err := core.ParseAddress(claims.Subject)
	if err != nil || claims.ID == "" || claims.SessionID == "" {
		return nil, core.ErrInvalidToken
	}

	p := &core.Principal{
		Address:        addr,
		SessionID:      claims.SessionID,
		JTI:            claims.ID,
		RequiresStepUp: claims.StepUp,
		ExpiresAt:      claims.ExpiresAt.Time,
	}
	if claims.Cnf != nil {
		p.DPoPJKT = claims.Cnf.JKT
	}
	return p, nil
}

// RefreshTokenToClaims parses a refresh token
func (j *JWTTokenizer) RefreshTokenToClaims(tokenStr string) (*ports.RefreshClaims, error) {
	claims := &RefreshClaims{}
	if _, err := j.parse(tokenStr, claims, AudienceRefresh); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, core.ErrRefreshExpired
		}
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidRefreshToken, err)
	}

	addr, err := core.ParseAddress(claims.Subject)
	if err != nil || claims.ID == "" || claims.SessionID == "" {
		return nil, core.ErrInvalidRefreshToken
	}

	return &ports.RefreshClaims{
		JTI:       claims.ID,
		SessionID: claims.SessionID,
		Address:   addr,
	}, nil
}

// SessionIDFromToken accepts either token type, checks its signature and
// issuer, and ignores expiry.
func (j *JWTTokenizer) SessionIDFromToken(tokenStr string) (string, error) {
	claims := &RefreshClaims{}
	_, err := jwt.NewParser(
		jwt.WithValidMethods([]string{j.keys.Algorithm()}),
		jwt.WithoutClaimsValidation(),
	).ParseWithClaims(tokenStr, claims, j.keyFunc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrInvalidToken, err)
	}

	if claims.Issuer != j.issuer || claims.SessionID == "" {
		return "", core.ErrInvalidToken
	}
	if !slices.Contains(claims.Audience, AudienceAccess) && !slices.Contains(claims.Audience, AudienceRefresh) {
		return "", core.ErrInvalidToken
	}
	return claims.SessionID, nil
}

// sign builds the JWS signing input and delegates the signature to the key
// provider, which may be remote.
func (j *JWTTokenizer) sign(ctx context.Context, claims jwt.Claims) (string, error) {
	method := jwt.GetSigningMethod(j.keys.Algorithm())
	if method == nil {
		return "", fmt.Errorf("unknown signing algorithm %q", j.keys.Algorithm())
	}

	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = j.keys.KeyID()

	signingString, err := token.SigningString()
	if err != nil {
		return "", err
	}

	sig, err := j.keys.Sign(ctx, []byte(signingString))
	if err != nil {
		return "", err
	}

	return signingString + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func (j *JWTTokenizer) parse(tokenStr string, claims jwt.Claims, audience string) (*jwt.Token, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{j.keys.Algorithm()}),
		jwt.WithAudience(audience),
		jwt.WithIssuer(j.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.clock.Now),
	)

	token, err := parser.ParseWithClaims(tokenStr, claims, j.keyFunc)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, core.ErrInvalidToken
	}
	return token, nil
}

func (j *JWTTokenizer) keyFunc(token *jwt.Token) (interface{}, error) {
	if kid, _ := token.Header["kid"].(string); kid != j.keys.KeyID() {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	return j.keys.PublicKey(), nil
}

func rotatedOrIssued(s *core.Session) time.Time {
	if !s.RotatedAt.IsZero() {
		return s.RotatedAt
	}
	return s.IssuedAt
}
