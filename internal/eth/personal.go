// Package eth implements the wallet message-signing scheme used by the
// challenge flow: EIP-191 personal messages over secp256k1.
package eth

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/walletauth/core"
)

// HashPersonalMessage returns keccak256("\x19Ethereum Signed Message:\n" + len + message).
func HashPersonalMessage(message []byte) []byte {
	return accounts.TextHash(message)
}

// Recover returns the address that produced sig over the personal message.
// It is pure and safe for concurrent use.
func Recover(message []byte, sig core.Signature) (core.Address, error) {
	pub, err := crypto.SigToPub(HashPersonalMessage(message), sig.Bytes())
	if err != nil {
		return core.Address{}, fmt.Errorf("%w: %v", core.ErrMalformedSignature, err)
	}
	return core.AddressFrom(crypto.PubkeyToAddress(*pub)), nil
}

// RecoverHex parses a hex signature and recovers its signer.
func RecoverHex(message []byte, signature string) (core.Address, error) {
	sig, err := core.ParseSignature(signature)
	if err != nil {
		return core.Address{}, err
	}
	return Recover(message, sig)
}

// VerifyAddress recovers the signer and compares it with want.
func VerifyAddress(message []byte, sig core.Signature, want core.Address) error {
	got, err := Recover(message, sig)
	if err != nil {
		return err
	}
	if !got.Equal(want) {
		return core.ErrSignatureMismatch
	}
	return nil
}

// SignPersonal signs message the way a wallet's personal_sign does.
func SignPersonal(message []byte, key *ecdsa.PrivateKey) (core.Signature, error) {
	var sig core.Signature
	raw, err := crypto.Sign(HashPersonalMessage(message), key)
	if err != nil {
		return sig, err
	}
	copy(sig[:], raw)
	return sig, nil
}

// AddressOf derives the account address of key.
func AddressOf(key *ecdsa.PrivateKey) core.Address {
	return core.AddressFrom(crypto.PubkeyToAddress(key.PublicKey))
}
