package sign

import (
	"encoding/hex"
	"errors"
	"strings"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"
)

var suite = bn256.NewSuite()

var ErrVrfProof = errors.New("vrf proof does not verify")

// VrfKey is a BLS key pair used as a verifiable random function.
// BLS signatures are unique per (key, msg), so the keccak of a signature is a
// deterministic, publicly verifiable output.
type VrfKey struct {
	Secret kyber.Scalar
	Public kyber.Point
}

// GenVrfKey creates a new VRF key pair.
func GenVrfKey() *VrfKey {
	sk, pk := bls.NewKeyPair(suite, suite.RandomStream())
	return &VrfKey{Secret: sk, Public: pk}
}

// PublicBytes returns the marshalled public key.
func (k *VrfKey) PublicBytes() ([]byte, error) {
	return k.Public.MarshalBinary()
}

// SecretHex returns the hex encoded secret scalar.
func (k *VrfKey) SecretHex() (string, error) {
	raw, err := k.Secret.MarshalBinary()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// VrfKeyFromHex rebuilds a key pair from its hex encoded secret scalar.
func VrfKeyFromHex(s string) (*VrfKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, err
	}
	sk := suite.G2().Scalar()
	if err := sk.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	pk := suite.G2().Point().Mul(sk, nil)
	return &VrfKey{Secret: sk, Public: pk}, nil
}

// VrfProve returns the proof for msg.
func VrfProve(k *VrfKey, msg []byte) ([]byte, error) {
	return bls.Sign(suite, k.Secret, msg)
}

// VrfOutput maps a proof to its output.
func VrfOutput(proof []byte) [32]byte {
	return Keccak256(proof)
}

// VrfVerify checks proof against the marshalled public key and returns the output.
func VrfVerify(publicKey []byte, msg, proof []byte) ([32]byte, error) {
	pk := suite.G2().Point()
	if err := pk.UnmarshalBinary(publicKey); err != nil {
		return [32]byte{}, err
	}
	if err := bls.Verify(suite, pk, msg, proof); err != nil {
		return [32]byte{}, ErrVrfProof
	}
	return VrfOutput(proof), nil
}
