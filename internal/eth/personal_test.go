package eth

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/walletauth/core"
	"github.com/stretchr/testify/require"
)

func TestRecoverRoundTrip(t *testing.T) {
	for i := 0; i < 8; i++ {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)

		msg := []byte("example.org wants you to sign in")
		sig, err := SignPersonal(msg, key)
		require.NoError(t, err)

		got, err := Recover(msg, sig)
		require.NoError(t, err)
		require.True(t, got.Equal(AddressOf(key)))

		// Wallets return V as 27/28.
		got, err = RecoverHex(msg, sig.String())
		require.NoError(t, err)
		require.True(t, got.Equal(AddressOf(key)))
	}
}

func TestRecoverDetectsTampering(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := AddressOf(key)

	msg := []byte("Nonce: 8f2c")
	sig, err := SignPersonal(msg, key)
	require.NoError(t, err)

	t.Run("message byte flipped", func(t *testing.T) {
		for i := range msg {
			tampered := append([]byte(nil), msg...)
			tampered[i] ^= 0x01
			got, err := Recover(tampered, sig)
			if err == nil {
				require.False(t, got.Equal(want), "byte %d", i)
			}
		}
	})

	t.Run("signature byte flipped", func(t *testing.T) {
		for i := 0; i < 64; i++ {
			tampered := sig
			tampered[i] ^= 0x01
			got, err := Recover(msg, tampered)
			if err == nil {
				require.False(t, got.Equal(want), "byte %d", i)
			}
		}
		tampered := sig
		tampered[64] ^= 0x01
		got, err := Recover(msg, tampered)
		if err == nil {
			require.False(t, got.Equal(want))
		}
	})
}

func TestVerifyAddress(t *testing.T) {
	owner, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	msg := []byte("hello")
	sig, err := SignPersonal(msg, other)
	require.NoError(t, err)

	require.ErrorIs(t, VerifyAddress(msg, sig, AddressOf(owner)), core.ErrSignatureMismatch)
	require.NoError(t, VerifyAddress(msg, sig, AddressOf(other)))
}

func TestRecoverHexMalformed(t *testing.T) {
	cases := []string{"", "0x", "0x1234", "not-hex", "0x" + string(make([]byte, 0))}
	for _, c := range cases {
		_, err := RecoverHex([]byte("m"), c)
		require.ErrorIs(t, err, core.ErrMalformedSignature, c)
	}
}
