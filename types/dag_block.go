package types

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/gitzhang10/dagpbft/sign"
)

// VdfSortition is the admission proof carried by a DAG block: a VRF proof over
// the block's proposal context and a VDF solution at the difficulty the VRF
// output selects.
type VdfSortition struct {
	VrfProof    []byte
	VdfSolution []byte
	Difficulty  uint16
}

type DagBlock struct {
	Pivot        Hash
	Level        uint64
	Tips         []Hash
	Transactions []Hash
	Timestamp    int64
	Vdf          VdfSortition
	Sig          []byte
}

type dagBlockBody struct {
	Pivot        Hash
	Level        uint64
	Tips         []Hash
	Transactions []Hash
	Timestamp    int64
	Vdf          VdfSortition
}

func (b *DagBlock) body() dagBlockBody {
	return dagBlockBody{
		Pivot:        b.Pivot,
		Level:        b.Level,
		Tips:         b.Tips,
		Transactions: b.Transactions,
		Timestamp:    b.Timestamp,
		Vdf:          b.Vdf,
	}
}

// SigningHash is the digest the proposer signs.
func (b *DagBlock) SigningHash() Hash {
	return Keccak(MustEncode(b.body()))
}

// Hash is content addressed over every field including the signature.
func (b *DagBlock) Hash() Hash {
	return Keccak(MustEncode(b))
}

func (b *DagBlock) Sender() (Address, error) {
	addr, err := sign.Recover(b.Sig, b.SigningHash())
	return Address(addr), err
}

func (b *DagBlock) Sign(priv *secp256k1.PrivateKey) {
	b.Sig = sign.Sign(priv, b.SigningHash())
}

// Parents returns the pivot followed by the tips.
func (b *DagBlock) Parents() []Hash {
	parents := make([]Hash, 0, len(b.Tips)+1)
	parents = append(parents, b.Pivot)
	return append(parents, b.Tips...)
}

// GenesisDagBlock is the level 0 root of the DAG; it has no parents and no sender.
func GenesisDagBlock(timestamp int64) *DagBlock {
	return &DagBlock{Level: 0, Timestamp: timestamp}
}
