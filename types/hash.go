/*
Package types defines the data model shared by every subsystem of the node:
hashes, addresses, transactions, DAG blocks, PBFT blocks, votes and the
period data that binds them together.
*/
package types

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/gitzhang10/dagpbft/sign"
)

const (
	HashLength    = 32
	AddressLength = sign.AddressLength
)

// Hash is a keccak-256 digest.
type Hash [HashLength]byte

// Address identifies an account or a validator.
type Address [AddressLength]byte

// ZeroHash is used for the null block / null anchor.
var ZeroHash Hash

var ErrBadHexLength = errors.New("hex string has wrong length")

func (h Hash) IsZero() bool { return h == ZeroHash }

func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.Hex() }

// Abridged is the short form used in logs.
func (h Hash) Abridged() string { return h.Hex()[:8] }

func (h Hash) Bytes() []byte { return h[:] }

// Less orders hashes bytewise.
func (h Hash) Less(o Hash) bool {
	for i := range h {
		if h[i] != o[i] {
			return h[i] < o[i]
		}
	}
	return false
}

// HashFromHex parses a hex string with or without 0x prefix.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return h, err
	}
	if len(raw) != HashLength {
		return h, ErrBadHexLength
	}
	copy(h[:], raw)
	return h, nil
}

// BytesToHash copies the last 32 bytes of b.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
	return h
}

func (a Address) Hex() string { return hex.EncodeToString(a[:]) }

func (a Address) String() string { return a.Hex() }

func (a Address) IsZero() bool { return a == Address{} }

// AddressFromHex parses a hex string with or without 0x prefix.
func AddressFromHex(s string) (Address, error) {
	var a Address
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return a, err
	}
	if len(raw) != AddressLength {
		return a, ErrBadHexLength
	}
	copy(a[:], raw)
	return a, nil
}

// Keccak hashes the concatenated data.
func Keccak(data ...[]byte) Hash {
	return Hash(sign.Keccak256(data...))
}

// Uint64Bytes is the big endian encoding used in storage keys.
func Uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
