package vote

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/dagpbft/storage"
	"github.com/gitzhang10/dagpbft/types"
)

var (
	ErrAlreadyInserted = errors.New("proposed block already inserted")
	ErrDoubleProposal  = errors.New("proposer already staged another block in this round")
)

type proposal struct {
	VoteHash types.Hash
	Round    uint64
	Block    *types.PbftBlock
}

func proposalKey(period, round uint64, hash types.Hash) []byte {
	k := append(types.Uint64Bytes(period), types.Uint64Bytes(round)...)
	return append(k, hash[:]...)
}

// ProposedBlocks stages candidate PBFT blocks by (period, round, hash).
type ProposedBlocks struct {
	lock   sync.RWMutex
	blocks map[uint64]map[uint64]map[types.Hash]*proposal
	db     *storage.DB
	logger hclog.Logger
}

// NewProposedBlocks reloads staged blocks from db.
func NewProposedBlocks(db *storage.DB, logger hclog.Logger) (*ProposedBlocks, error) {
	pb := &ProposedBlocks{
		blocks: make(map[uint64]map[uint64]map[types.Hash]*proposal),
		db:     db,
		logger: logger.Named("proposed_blocks"),
	}
	var decodeErr error
	err := db.Iterate(storage.ColProposedBlocks, nil, func(_, v []byte) bool {
		var p proposal
		if decodeErr = types.Decode(v, &p); decodeErr != nil {
			return false
		}
		pb.insert(&p)
		return true
	})
	if err != nil {
		return nil, err
	}
	return pb, decodeErr
}

func (pb *ProposedBlocks) insert(p *proposal) bool {
	period := p.Block.Period
	rounds, ok := pb.blocks[period]
	if !ok {
		rounds = make(map[uint64]map[types.Hash]*proposal)
		pb.blocks[period] = rounds
	}
	hashes, ok := rounds[p.Round]
	if !ok {
		hashes = make(map[types.Hash]*proposal)
		rounds[p.Round] = hashes
	}
	hash := p.Block.BlockHash()
	if _, dup := hashes[hash]; dup {
		return false
	}
	hashes[hash] = p
	return true
}

// PushProposedBlock stages blk proposed in round by the propose vote voteHash.
func (pb *ProposedBlocks) PushProposedBlock(blk *types.PbftBlock, round uint64, voteHash types.Hash) error {
	p := &proposal{VoteHash: voteHash, Round: round, Block: blk}
	hash := blk.BlockHash()
	pb.lock.Lock()
	defer pb.lock.Unlock()
	for h, other := range pb.blocks[blk.Period][round] {
		if h != hash && other.Block.Beneficiary == blk.Beneficiary {
			return fmt.Errorf("%w: %s at (%d,%d)", ErrDoubleProposal, blk.Beneficiary, blk.Period, round)
		}
	}
	if !pb.insert(p) {
		return fmt.Errorf("%w: %s at (%d,%d)", ErrAlreadyInserted, hash.Abridged(), blk.Period, round)
	}
	batch := pb.db.NewBatch()
	if err := pb.db.PutValue(batch, storage.ColProposedBlocks, proposalKey(blk.Period, round, hash), p); err != nil {
		return err
	}
	return batch.Commit()
}

// GetPbftProposedBlock finds a staged block of period in any round.
func (pb *ProposedBlocks) GetPbftProposedBlock(period uint64, hash types.Hash) (*types.PbftBlock, bool) {
	pb.lock.RLock()
	defer pb.lock.RUnlock()
	for _, hashes := range pb.blocks[period] {
		if p, ok := hashes[hash]; ok {
			return p.Block, true
		}
	}
	return nil, false
}

// GetProposedBlockVote returns the propose vote hash a staged block came with.
func (pb *ProposedBlocks) GetProposedBlockVote(period, round uint64, hash types.Hash) (types.Hash, bool) {
	pb.lock.RLock()
	defer pb.lock.RUnlock()
	p, ok := pb.blocks[period][round][hash]
	if !ok {
		return types.ZeroHash, false
	}
	return p.VoteHash, true
}

func (pb *ProposedBlocks) IsInProposedBlocks(period uint64, hash types.Hash) bool {
	_, ok := pb.GetPbftProposedBlock(period, hash)
	return ok
}

func (pb *ProposedBlocks) Len() int {
	pb.lock.RLock()
	defer pb.lock.RUnlock()
	n := 0
	for _, rounds := range pb.blocks {
		for _, hashes := range rounds {
			n += len(hashes)
		}
	}
	return n
}

// CleanupProposedPbftBlocksByPeriod drops every period below period.
func (pb *ProposedBlocks) CleanupProposedPbftBlocksByPeriod(period uint64) error {
	pb.lock.Lock()
	defer pb.lock.Unlock()
	batch := pb.db.NewBatch()
	for p, rounds := range pb.blocks {
		if p >= period {
			continue
		}
		for r, hashes := range rounds {
			for h := range hashes {
				pb.db.Delete(batch, storage.ColProposedBlocks, proposalKey(p, r, h))
			}
		}
		delete(pb.blocks, p)
	}
	return batch.Commit()
}

// CleanupProposedPbftBlocksByRound drops rounds of period older than one
// round before round; late voters may still refer to round-1.
func (pb *ProposedBlocks) CleanupProposedPbftBlocksByRound(period, round uint64) error {
	if round < 2 {
		return nil
	}
	pb.lock.Lock()
	defer pb.lock.Unlock()
	batch := pb.db.NewBatch()
	for r, hashes := range pb.blocks[period] {
		if r >= round-1 {
			continue
		}
		for h := range hashes {
			pb.db.Delete(batch, storage.ColProposedBlocks, proposalKey(period, r, h))
		}
		delete(pb.blocks[period], r)
	}
	return batch.Commit()
}
