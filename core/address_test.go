package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const checksummed = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

func TestParseAddress(t *testing.T) {
	t.Run("canonicalises lower case", func(t *testing.T) {
		a, err := ParseAddress(strings.ToLower(checksummed))
		require.NoError(t, err)
		require.Equal(t, checksummed, a.String())
	})

	t.Run("accepts valid checksum", func(t *testing.T) {
		a, err := ParseAddress(checksummed)
		require.NoError(t, err)
		require.Equal(t, checksummed, a.String())
	})

	t.Run("equal across case", func(t *testing.T) {
		a := MustParseAddress(checksummed)
		b := MustParseAddress("0x" + strings.ToUpper(checksummed[2:]))
		require.True(t, a.Equal(b))
	})

	bad := map[string]string{
		"empty":          "",
		"no prefix":      checksummed[2:],
		"short":          "0x1234",
		"non hex":        "0xZZAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"zero":           "0x0000000000000000000000000000000000000000",
		"wrong checksum": "0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
	}
	for name, in := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAddress(in)
			require.ErrorIs(t, err, ErrInvalidAddress)
		})
	}
}

func TestParseSignature(t *testing.T) {
	raw := "0x" + strings.Repeat("11", 64)

	sig, err := ParseSignature(raw + "1b")
	require.NoError(t, err)
	require.Equal(t, byte(0), sig[64])
	require.Equal(t, raw+"1b", sig.String())

	sig, err = ParseSignature(raw + "01")
	require.NoError(t, err)
	require.Equal(t, byte(1), sig[64])

	for _, in := range []string{"", "0x", raw, raw + "05", raw + "1b00", "11" + raw[2:] + "1b"} {
		_, err := ParseSignature(in)
		require.ErrorIs(t, err, ErrMalformedSignature, in)
	}
}

func TestKindOf(t *testing.T) {
	require.Equal(t, KindClientInput, KindOf(ErrInvalidAddress))
	require.Equal(t, KindProtocolState, KindOf(ErrChallengeAlreadyUsed))
	require.Equal(t, KindSecurityPolicy, KindOf(ErrDPoPStale))
	require.Equal(t, KindTransient, KindOf(ErrStorageUnavailable))
	require.Equal(t, KindInternal, KindOf(ErrNotFound))
	require.True(t, Retryable(ErrRateLimited))
	require.False(t, Retryable(ErrRefreshReuseDetected))
}
