package consensus

import (
	"sort"

	"github.com/bits-and-blooms/bitset"

	"github.com/gitzhang10/dagpbft/types"
)

// WeightFunc resolves the vote weight of a validator for a period.
type WeightFunc func(period uint64, addr types.Address) (uint64, error)

// BlockStats is the rewards input of one finalized period. It is derived
// from the period data only.
type BlockStats struct {
	Period          uint64
	Validators      []types.Address
	CertVoters      *bitset.BitSet // indexed like Validators
	VoteWeights     map[types.Address]uint64
	TotalVoteWeight uint64
	UniqueTxBlocks  map[types.Address]uint64
	UniqueTxs       map[types.Address]uint64
}

// NewBlockStats credits each transaction to the author of the first block in
// DAG order that carries it, and each cert vote to its voter.
func NewBlockStats(sb *types.SyncBlock, validators []types.Address, weight WeightFunc) (*BlockStats, error) {
	sorted := append([]types.Address(nil), validators...)
	sort.Slice(sorted, func(i, j int) bool { return string(sorted[i][:]) < string(sorted[j][:]) })
	index := make(map[types.Address]uint, len(sorted))
	for i, a := range sorted {
		index[a] = uint(i)
	}
	s := &BlockStats{
		Period:         sb.PbftBlock.Period,
		Validators:     sorted,
		CertVoters:     bitset.New(uint(len(sorted))),
		VoteWeights:    make(map[types.Address]uint64),
		UniqueTxBlocks: make(map[types.Address]uint64),
		UniqueTxs:      make(map[types.Address]uint64),
	}

	finalized := make(map[types.Hash]struct{}, len(sb.Transactions))
	for _, tx := range sb.Transactions {
		finalized[tx.Hash()] = struct{}{}
	}
	counted := make(map[types.Hash]struct{}, len(finalized))
	for _, blk := range sb.DagBlocks {
		author, err := blk.Sender()
		if err != nil {
			return nil, err
		}
		var unique uint64
		for _, h := range blk.Transactions {
			if _, ok := finalized[h]; !ok {
				continue
			}
			if _, ok := counted[h]; ok {
				continue
			}
			counted[h] = struct{}{}
			unique++
		}
		if unique > 0 {
			s.UniqueTxBlocks[author]++
			s.UniqueTxs[author] += unique
		}
	}

	for _, v := range sb.CertVotes {
		voter, err := v.Voter()
		if err != nil {
			return nil, err
		}
		i, ok := index[voter]
		if !ok || s.CertVoters.Test(i) {
			continue
		}
		w, err := weight(v.Period, voter)
		if err != nil {
			return nil, err
		}
		s.CertVoters.Set(i)
		s.VoteWeights[voter] = w
		s.TotalVoteWeight += w
	}
	return s, nil
}

// Voted reports whether addr cert voted the period's block.
func (s *BlockStats) Voted(addr types.Address) bool {
	i := sort.Search(len(s.Validators), func(i int) bool {
		return string(s.Validators[i][:]) >= string(addr[:])
	})
	return i < len(s.Validators) && s.Validators[i] == addr && s.CertVoters.Test(uint(i))
}
