package types

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/gitzhang10/dagpbft/sign"
)

type VoteType uint8

const (
	ProposeVote VoteType = iota
	SoftVote
	CertVote
	NextVote
)

const (
	ProposeStep uint64 = 1
	FilterStep  uint64 = 2
	CertifyStep uint64 = 3
	FinishStep  uint64 = 4
)

func (t VoteType) String() string {
	switch t {
	case ProposeVote:
		return "propose"
	case SoftVote:
		return "soft"
	case CertVote:
		return "cert"
	default:
		return "next"
	}
}

// Vote is a voter's signed statement for a block hash at (period, round, step).
// VrfProof is the voter's sortition credential for that context.
type Vote struct {
	BlockHash Hash
	Period    uint64
	Round     uint64
	Step      uint64
	VrfProof  []byte
	Sig       []byte
}

type voteBody struct {
	BlockHash Hash
	Period    uint64
	Round     uint64
	Step      uint64
	VrfProof  []byte
}

// StepToVoteType maps a step to the kind of vote cast in it.
func StepToVoteType(step uint64) VoteType {
	switch step {
	case ProposeStep:
		return ProposeVote
	case FilterStep:
		return SoftVote
	case CertifyStep:
		return CertVote
	default:
		return NextVote
	}
}

func (v *Vote) Type() VoteType { return StepToVoteType(v.Step) }

func (v *Vote) SigningHash() Hash {
	return Keccak(MustEncode(voteBody{
		BlockHash: v.BlockHash,
		Period:    v.Period,
		Round:     v.Round,
		Step:      v.Step,
		VrfProof:  v.VrfProof,
	}))
}

func (v *Vote) Hash() Hash {
	return Keccak(MustEncode(v))
}

func (v *Vote) Voter() (Address, error) {
	addr, err := sign.Recover(v.Sig, v.SigningHash())
	return Address(addr), err
}

func (v *Vote) Sign(priv *secp256k1.PrivateKey) {
	v.Sig = sign.Sign(priv, v.SigningHash())
}

// Credential is the VRF output used to rank proposers; lower wins.
func (v *Vote) Credential() Hash {
	return Hash(sign.VrfOutput(v.VrfProof))
}

// VrfMessage is the input the voter proves for a vote context.
func VrfMessage(period, round, step uint64) []byte {
	msg := make([]byte, 0, 24)
	msg = append(msg, Uint64Bytes(period)...)
	msg = append(msg, Uint64Bytes(round)...)
	return append(msg, Uint64Bytes(step)...)
}
