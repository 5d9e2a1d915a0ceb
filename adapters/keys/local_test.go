package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndSign(t *testing.T) {
	for _, alg := range []string{"ES256", "EdDSA"} {
		t.Run(alg, func(t *testing.T) {
			p, err := Generate("kid-1", alg)
			require.NoError(t, err)
			require.Equal(t, alg, p.Algorithm())
			require.Equal(t, "kid-1", p.KeyID())

			payload := []byte("header.claims")
			sig, err := p.Sign(context.Background(), payload)
			require.NoError(t, err)

			method := jwt.GetSigningMethod(alg)
			require.NoError(t, method.Verify(string(payload), sig, p.PublicKey()))
			require.Error(t, method.Verify("header.other", sig, p.PublicKey()))
		})
	}

	_, err := Generate("kid", "HS256")
	require.Error(t, err)
}

func TestLoadOrGenerateFromPEM(t *testing.T) {
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(k)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600))

	p, err := LoadOrGenerate("kid", "ES256", path)
	require.NoError(t, err)
	require.True(t, k.PublicKey.Equal(p.PublicKey()))

	_, err = LoadOrGenerate("kid", "EdDSA", path)
	require.Error(t, err)

	_, err = LoadPEM("kid", []byte("garbage"))
	require.Error(t, err)
}

func TestSignHonoursCancellation(t *testing.T) {
	p, err := Generate("kid", "ES256")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Sign(ctx, []byte("x"))
	require.ErrorIs(t, err, context.Canceled)
}
