package core

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Address is a validated, EIP-55 checksummed account address.
// The zero value is not a valid address.
type Address struct {
	addr common.Address
}

// ParseAddress validates s and returns its canonical form. The input must be
// 0x-prefixed, 40 hex digits, non-zero, and if it is mixed case the EIP-55
// checksum must hold.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return Address{}, fmt.Errorf("%w: missing 0x prefix", ErrInvalidAddress)
	}
	if !common.IsHexAddress(s) {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}

	body := s[2:]
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		mixed, err := common.NewMixedcaseAddressFromString(s)
		if err != nil || !mixed.ValidChecksum() {
			return Address{}, fmt.Errorf("%w: bad checksum", ErrInvalidAddress)
		}
	}

	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return Address{}, fmt.Errorf("%w: zero address", ErrInvalidAddress)
	}
	return Address{addr: addr}, nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AddressFrom wraps an already-derived address, e.g. one recovered from a signature.
func AddressFrom(addr common.Address) Address {
	return Address{addr: addr}
}

// String returns the checksummed hex form.
func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return a.addr.Hex()
}

// Common exposes the underlying go-ethereum address.
func (a Address) Common() common.Address { return a.addr }

// IsZero reports whether a is the zero value.
func (a Address) IsZero() bool { return a.addr == (common.Address{}) }

// Equal compares two addresses byte-wise, which is case-insensitive on the hex form.
func (a Address) Equal(b Address) bool { return a.addr == b.addr }

const signatureLength = 65

// Signature is a 65-byte recoverable secp256k1 signature [R || S || V] with V
// normalised to 0 or 1.
type Signature [signatureLength]byte

// ParseSignature decodes a 0x-prefixed hex signature. V may be 0/1 or 27/28.
func ParseSignature(s string) (Signature, error) {
	var sig Signature

	raw, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return sig, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if len(raw) != signatureLength {
		return sig, fmt.Errorf("%w: want %d bytes, got %d", ErrMalformedSignature, signatureLength, len(raw))
	}

	switch v := raw[64]; v {
	case 0, 1:
	case 27, 28:
		raw[64] = v - 27
	default:
		return sig, fmt.Errorf("%w: invalid recovery id %d", ErrMalformedSignature, v)
	}

	copy(sig[:], raw)
	return sig, nil
}

// Bytes returns a copy of the raw signature.
func (s Signature) Bytes() []byte {
	out := make([]byte, signatureLength)
	copy(out, s[:])
	return out
}

// String returns the 0x-prefixed hex encoding with V in 27/28 form.
func (s Signature) String() string {
	b := s.Bytes()
	b[64] += 27
	return hexutil.Encode(b)
}
