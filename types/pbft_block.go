package types

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/gitzhang10/dagpbft/sign"
)

// PbftBlock is the metadata of one finalized period.
type PbftBlock struct {
	PrevBlockHash  Hash
	DagBlockAnchor Hash // ZeroHash for an empty period
	OrderHash      Hash
	Period         uint64
	Timestamp      int64
	Beneficiary    Address
	RewardVotes    []Hash
	Sig            []byte
}

type pbftBlockBody struct {
	PrevBlockHash  Hash
	DagBlockAnchor Hash
	OrderHash      Hash
	Period         uint64
	Timestamp      int64
	Beneficiary    Address
	RewardVotes    []Hash
}

// BlockHash is computed over every field except the signature.
func (b *PbftBlock) BlockHash() Hash {
	return Keccak(MustEncode(pbftBlockBody{
		PrevBlockHash:  b.PrevBlockHash,
		DagBlockAnchor: b.DagBlockAnchor,
		OrderHash:      b.OrderHash,
		Period:         b.Period,
		Timestamp:      b.Timestamp,
		Beneficiary:    b.Beneficiary,
		RewardVotes:    b.RewardVotes,
	}))
}

// Sign sets the beneficiary to the signer and signs the block hash.
func (b *PbftBlock) Sign(priv *secp256k1.PrivateKey) {
	b.Beneficiary = Address(sign.Address(priv))
	b.Sig = sign.Sign(priv, b.BlockHash())
}

// VerifySignature checks that the beneficiary signed the block.
func (b *PbftBlock) VerifySignature() bool {
	return sign.VerifySigner(b.Beneficiary, b.Sig, b.BlockHash())
}

// OrderHash commits to the DAG block order and the transactions it finalizes.
// Empty and nil slices hash the same.
func CalculateOrderHash(dagOrder []Hash, txs []Hash) Hash {
	if len(dagOrder) == 0 {
		dagOrder = nil
	}
	if len(txs) == 0 {
		txs = nil
	}
	return Keccak(MustEncode(struct {
		Dag []Hash
		Txs []Hash
	}{Dag: dagOrder, Txs: txs}))
}

// SyncBlock is the period data: everything needed to replay one period.
type SyncBlock struct {
	PbftBlock    *PbftBlock
	CertVotes    []*Vote
	DagBlocks    []*DagBlock
	Transactions []*Transaction
}

// DagOrder returns the DAG block hashes in stored order.
func (s *SyncBlock) DagOrder() []Hash {
	order := make([]Hash, 0, len(s.DagBlocks))
	for _, b := range s.DagBlocks {
		order = append(order, b.Hash())
	}
	return order
}

// StateSnapshot binds a finalized block to the state root it produced.
type StateSnapshot struct {
	BlockNumber uint64
	BlockHash   Hash
	StateRoot   Hash
}

// SortitionParamsChange records an admission threshold adjustment.
type SortitionParamsChange struct {
	Period               uint64
	ThresholdUpper       uint16
	ThresholdRange       uint16
	IntervalEfficiency   uint16
	CorrectionPerPercent int64
}
