package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/walletauth/ports"
)

// LocalProvider implements the KeyProvider interface with an in-process key
type LocalProvider struct {
	kid    string
	method jwt.SigningMethod
	key    crypto.PrivateKey
	pub    crypto.PublicKey
}

var _ ports.KeyProvider = (*LocalProvider)(nil)

// NewLocalProvider wraps an ECDSA P-256 (ES256) or Ed25519 (EdDSA) private key.
func NewLocalProvider(kid string, key crypto.PrivateKey) (*LocalProvider, error) {
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("keys: expected P-256 curve, got %s", k.Curve.Params().Name)
		}
		return &LocalProvider{kid: kid, method: jwt.SigningMethodES256, key: k, pub: &k.PublicKey}, nil
	case ed25519.PrivateKey:
		return &LocalProvider{kid: kid, method: jwt.SigningMethodEdDSA, key: k, pub: k.Public()}, nil
	}
	return nil, fmt.Errorf("keys: unsupported private key %T", key)
}

// Generate creates an ephemeral key for alg. Tokens do not survive a restart.
func Generate(kid, alg string) (*LocalProvider, error) {
	switch alg {
	case "ES256":
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, err
		}
		return NewLocalProvider(kid, k)
	case "EdDSA":
		_, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return NewLocalProvider(kid, k)
	}
	return nil, fmt.Errorf("keys: unsupported algorithm %q", alg)
}

// LoadPEM reads a PKCS8 private key.
func LoadPEM(kid string, pemKey []byte) (*LocalProvider, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, errors.New("keys: invalid PEM")
	}
	if block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("keys: expected PRIVATE KEY, got %q (PKCS8 required)", block.Type)
	}
	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keys: parse PKCS8: %w", err)
	}
	return NewLocalProvider(kid, priv)
}

// LoadOrGenerate loads the PEM at path, or generates an ephemeral key when
// path is empty.
func LoadOrGenerate(kid, alg, path string) (*LocalProvider, error) {
	if path == "" {
		return Generate(kid, alg)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keys: read %s: %w", path, err)
	}
	p, err := LoadPEM(kid, raw)
	if err != nil {
		return nil, err
	}
	if p.Algorithm() != alg {
		return nil, fmt.Errorf("keys: %s holds an %s key, configured for %s", path, p.Algorithm(), alg)
	}
	return p, nil
}

func (p *LocalProvider) KeyID() string               { return p.kid }
func (p *LocalProvider) Algorithm() string           { return p.method.Alg() }
func (p *LocalProvider) PublicKey() crypto.PublicKey { return p.pub }

// Sign returns the JWS signature (R || S for ES256) over payload.
func (p *LocalProvider) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.method.Sign(string(payload), p.key)
}
