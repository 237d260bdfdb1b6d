/*
Package sign implements the signature schemes used by the node:
recoverable secp256k1 signatures for blocks, votes, transactions and packets,
and a BLS based VRF used by the sortition.
*/
package sign

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

const (
	// SignatureLength is the size of a compact recoverable signature.
	SignatureLength = 65
	// AddressLength is the size of an address derived from a public key.
	AddressLength = 20
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidKey       = errors.New("invalid private key")
)

// Keccak256 returns the legacy keccak-256 digest of the concatenated data.
func Keccak256(data ...[]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// GenerateKey creates a new secp256k1 private key.
func GenerateKey() (*secp256k1.PrivateKey, error) {
	return secp256k1.GeneratePrivateKey()
}

// KeyFromHex decodes a hex encoded secp256k1 private key, with or without 0x prefix.
func KeyFromHex(s string) (*secp256k1.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, err
	}
	if len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, ErrInvalidKey
	}
	return secp256k1.PrivKeyFromBytes(raw), nil
}

// KeyToHex encodes the private key as hex.
func KeyToHex(priv *secp256k1.PrivateKey) string {
	return hex.EncodeToString(priv.Serialize())
}

// PubkeyToAddress derives the 20 byte address: the last 20 bytes of the
// keccak-256 of the uncompressed public key without its prefix byte.
func PubkeyToAddress(pub *secp256k1.PublicKey) [AddressLength]byte {
	digest := Keccak256(pub.SerializeUncompressed()[1:])
	var addr [AddressLength]byte
	copy(addr[:], digest[12:])
	return addr
}

// Address returns the address of the private key.
func Address(priv *secp256k1.PrivateKey) [AddressLength]byte {
	return PubkeyToAddress(priv.PubKey())
}

// Sign produces a compact recoverable signature over a 32 byte digest.
func Sign(priv *secp256k1.PrivateKey, hash [32]byte) []byte {
	return ecdsa.SignCompact(priv, hash[:], false)
}

// Recover returns the address that produced sig over hash.
func Recover(sig []byte, hash [32]byte) ([AddressLength]byte, error) {
	var addr [AddressLength]byte
	if len(sig) != SignatureLength {
		return addr, ErrInvalidSignature
	}
	pub, _, err := ecdsa.RecoverCompact(sig, hash[:])
	if err != nil {
		return addr, err
	}
	return PubkeyToAddress(pub), nil
}

// VerifySigner reports whether sig over hash was produced by addr.
func VerifySigner(addr [AddressLength]byte, sig []byte, hash [32]byte) bool {
	signer, err := Recover(sig, hash)
	if err != nil {
		return false
	}
	return signer == addr
}
