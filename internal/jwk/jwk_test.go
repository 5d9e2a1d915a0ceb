package jwk

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// RFC 8037 appendix A.3.
func TestThumbprintEd25519Vector(t *testing.T) {
	k := Key{Kty: "OKP", Crv: "Ed25519", X: "11qYAYKxCrfVS_7TyWQHOg7hcvPapiMlrwIaaPcHURo"}
	tp, err := k.Thumbprint()
	require.NoError(t, err)
	require.Equal(t, "kPrK_qmxVWaYVA9wwBF6Iuo3vVzz7TxHCTwXBygrS4k", tp)
}

func TestECRoundTrip(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	k, err := FromPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	raw, err := json.Marshal(k)
	require.NoError(t, err)
	parsed, err := Parse(raw)
	require.NoError(t, err)

	pub, err := parsed.PublicKey()
	require.NoError(t, err)
	require.True(t, priv.PublicKey.Equal(pub))

	a, err := k.Thumbprint()
	require.NoError(t, err)
	b, err := parsed.Thumbprint()
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestDistinctKeysHaveDistinctThumbprints(t *testing.T) {
	p1, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	p2, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	k1, err := FromPublicKey(&p1.PublicKey)
	require.NoError(t, err)
	k2, err := FromPublicKey(&p2.PublicKey)
	require.NoError(t, err)

	t1, _ := k1.Thumbprint()
	t2, _ := k2.Thumbprint()
	require.NotEqual(t, t1, t2)
}

func TestParseRejects(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	k, err := FromPublicKey(pub)
	require.NoError(t, err)

	withPrivate := map[string]any{"kty": k.Kty, "crv": k.Crv, "x": k.X, "d": "secret"}
	raw, _ := json.Marshal(withPrivate)
	_, err = Parse(raw)
	require.Error(t, err)

	_, err = Parse([]byte(`{"kty":"RSA","n":"abc","e":"AQAB"}`))
	require.ErrorIs(t, err, ErrUnsupportedKey)

	_, err = Parse([]byte(`{"kty":"EC","crv":"P-256","x":"AAAA","y":"AAAA"}`))
	require.Error(t, err)
}
