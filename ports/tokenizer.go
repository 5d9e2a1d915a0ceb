package ports

import (
	"context"

	"github.com/layer-3/walletauth/core"
)

// RefreshClaims is the decoded content of a refresh token.
type RefreshClaims struct {
	JTI       string
	SessionID string
	Address   core.Address
}

// Tokenizer converts between sessions and signed tokens
type Tokenizer interface {
	SessionToAccessToken(ctx context.Context, s *core.Session) (string, error)
	SessionToRefreshToken(ctx context.Context, s *core.Session) (string, error)

	// AccessTokenToPrincipal verifies signature and expiry.
	AccessTokenToPrincipal(token string) (*core.Principal, error)
	// RefreshTokenToClaims verifies signature and expiry, returning
	// core.ErrRefreshExpired or core.ErrInvalidRefreshToken.
	RefreshTokenToClaims(token string) (*RefreshClaims, error)
	// SessionIDFromToken verifies the signature of an access or refresh
	// token but ignores expiry. Used for logout.
	SessionIDFromToken(token string) (string, error)
}
