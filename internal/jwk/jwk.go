// Package jwk handles the public JSON Web Keys clients present for
// proof-of-possession binding, and publishes the service's own signing key.
package jwk

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

// ErrUnsupportedKey is returned for key types other than EC P-256 and Ed25519.
var ErrUnsupportedKey = errors.New("jwk: unsupported key")

// Key is a public JWK (RFC 7517).
type Key struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	Kid string `json:"kid,omitempty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// Set is a JSON Web Key Set.
type Set struct {
	Keys []Key `json:"keys"`
}

// FromPublicKey builds a JWK for an EC P-256 or Ed25519 public key.
func FromPublicKey(pub crypto.PublicKey) (Key, error) {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		if k.Curve != elliptic.P256() {
			return Key{}, fmt.Errorf("%w: curve %s", ErrUnsupportedKey, k.Curve.Params().Name)
		}
		// P-256 coordinates are fixed-width 32 bytes
		x := make([]byte, 32)
		y := make([]byte, 32)
		k.X.FillBytes(x)
		k.Y.FillBytes(y)
		return Key{
			Kty: "EC",
			Crv: "P-256",
			X:   base64.RawURLEncoding.EncodeToString(x),
			Y:   base64.RawURLEncoding.EncodeToString(y),
		}, nil
	case ed25519.PublicKey:
		return Key{
			Kty: "OKP",
			Crv: "Ed25519",
			X:   base64.RawURLEncoding.EncodeToString(k),
		}, nil
	}
	return Key{}, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
}

// FromMap decodes a JWK carried in a JOSE header.
func FromMap(m map[string]any) (Key, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return Key{}, err
	}
	return Parse(raw)
}

// Parse decodes a JSON-encoded JWK and rejects keys with private members.
func Parse(raw []byte) (Key, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Key{}, fmt.Errorf("jwk: decode: %w", err)
	}
	if _, ok := probe["d"]; ok {
		return Key{}, errors.New("jwk: private key material not allowed")
	}

	var k Key
	if err := json.Unmarshal(raw, &k); err != nil {
		return Key{}, fmt.Errorf("jwk: decode: %w", err)
	}
	if _, err := k.PublicKey(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// PublicKey converts the JWK to a crypto public key.
func (k Key) PublicKey() (crypto.PublicKey, error) {
	switch {
	case k.Kty == "EC" && k.Crv == "P-256":
		x, err := decodeFixed(k.X, 32)
		if err != nil {
			return nil, err
		}
		y, err := decodeFixed(k.Y, 32)
		if err != nil {
			return nil, err
		}
		pub := &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(x),
			Y:     new(big.Int).SetBytes(y),
		}
		if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
			return nil, errors.New("jwk: point not on curve")
		}
		return pub, nil
	case k.Kty == "OKP" && k.Crv == "Ed25519":
		x, err := decodeFixed(k.X, ed25519.PublicKeySize)
		if err != nil {
			return nil, err
		}
		return ed25519.PublicKey(x), nil
	}
	return nil, fmt.Errorf("%w: kty=%q crv=%q", ErrUnsupportedKey, k.Kty, k.Crv)
}

// Thumbprint returns the base64url SHA-256 JWK thumbprint (RFC 7638).
func (k Key) Thumbprint() (string, error) {
	var canonical string
	// Required members only, lexicographic order, no whitespace.
	switch k.Kty {
	case "EC":
		canonical = fmt.Sprintf(`{"crv":%q,"kty":"EC","x":%q,"y":%q}`, k.Crv, k.X, k.Y)
	case "OKP":
		canonical = fmt.Sprintf(`{"crv":%q,"kty":"OKP","x":%q}`, k.Crv, k.X)
	default:
		return "", fmt.Errorf("%w: kty=%q", ErrUnsupportedKey, k.Kty)
	}
	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

func decodeFixed(s string, size int) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("jwk: bad coordinate: %w", err)
	}
	if len(b) != size {
		return nil, fmt.Errorf("jwk: coordinate is %d bytes, want %d", len(b), size)
	}
	return b, nil
}
