package ports

import (
	"context"
	"crypto"
)

// KeyProvider signs token payloads. Implementations may hold the key locally
// or delegate to a remote KMS/HSM; callers only see the capability.
type KeyProvider interface {
	KeyID() string
	// Algorithm is the JWS algorithm name, e.g. ES256 or EdDSA.
	Algorithm() string
	// PublicKey verifies signatures produced by Sign.
	PublicKey() crypto.PublicKey
	// Sign returns a JWS-encoded signature over payload.
	Sign(ctx context.Context, payload []byte) ([]byte, error)
}
