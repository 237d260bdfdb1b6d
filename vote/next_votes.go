package vote

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/dagpbft/types"
)

var (
	ErrRoundMismatch     = errors.New("next votes are for a different round")
	ErrConflictingValues = errors.New("two non-null values next voted")
)

// NextVotes is the bundle of next votes that reached the quorum in the
// previous round. At most two values are held: null and one block.
type NextVotes struct {
	lock          sync.RWMutex
	period, round uint64
	votes         map[types.Hash][]*Weighted
	voters        map[types.Hash]map[types.Address]struct{}
	weights       map[types.Hash]uint64
	enoughForNull bool
	votedValue    *types.Hash
	logger        hclog.Logger
}

func NewNextVotes(logger hclog.Logger) *NextVotes {
	nv := &NextVotes{logger: logger.Named("next_votes")}
	nv.clear()
	return nv
}

func (nv *NextVotes) clear() {
	nv.period, nv.round = 0, 0
	nv.votes = make(map[types.Hash][]*Weighted)
	nv.voters = make(map[types.Hash]map[types.Address]struct{})
	nv.weights = make(map[types.Hash]uint64)
	nv.enoughForNull = false
	nv.votedValue = nil
}

func (nv *NextVotes) Clear() {
	nv.lock.Lock()
	defer nv.lock.Unlock()
	nv.clear()
}

// add is called with the lock held.
func (nv *NextVotes) add(votes []*Weighted, twoTPlusOne uint64) error {
	for _, w := range votes {
		v := w.Vote
		if len(nv.votes) == 0 && nv.round == 0 {
			nv.period, nv.round = v.Period, v.Round
		}
		if v.Period != nv.period || v.Round != nv.round {
			return fmt.Errorf("%w: have (%d,%d), got (%d,%d)", ErrRoundMismatch, nv.period, nv.round, v.Period, v.Round)
		}
		if v.Type() != types.NextVote {
			return fmt.Errorf("%w: %s vote", ErrRoundMismatch, v.Type())
		}
		voters, ok := nv.voters[v.BlockHash]
		if !ok {
			voters = make(map[types.Address]struct{})
			nv.voters[v.BlockHash] = voters
		}
		if _, dup := voters[w.Voter]; dup {
			continue
		}
		voters[w.Voter] = struct{}{}
		nv.votes[v.BlockHash] = append(nv.votes[v.BlockHash], w)
		nv.weights[v.BlockHash] += w.Weight
	}

	for value, weight := range nv.weights {
		if weight < twoTPlusOne {
			continue
		}
		if value.IsZero() {
			nv.enoughForNull = true
			continue
		}
		if nv.votedValue != nil && *nv.votedValue != value {
			nv.logger.Error("conflicting next voted values", "first", nv.votedValue.Abridged(), "second", value.Abridged(),
				"period", nv.period, "round", nv.round)
			return ErrConflictingValues
		}
		v := value
		nv.votedValue = &v
	}
	// only values at quorum are kept
	for value, weight := range nv.weights {
		if weight < twoTPlusOne {
			delete(nv.votes, value)
			delete(nv.voters, value)
			delete(nv.weights, value)
		}
	}
	return nil
}

// AddNextVotes merges votes for the bundle's round.
func (nv *NextVotes) AddNextVotes(votes []*Weighted, twoTPlusOne uint64) error {
	nv.lock.Lock()
	defer nv.lock.Unlock()
	return nv.add(votes, twoTPlusOne)
}

// UpdateNextVotes replaces the bundle with the quorum of a newer round.
func (nv *NextVotes) UpdateNextVotes(votes []*Weighted, twoTPlusOne uint64) error {
	nv.lock.Lock()
	defer nv.lock.Unlock()
	nv.clear()
	return nv.add(votes, twoTPlusOne)
}

// UpdateWithSyncedVotes merges a bundle received from a peer. A bundle for a
// different round than the one held is rejected.
func (nv *NextVotes) UpdateWithSyncedVotes(votes []*Weighted, twoTPlusOne uint64) error {
	if len(votes) == 0 {
		return nil
	}
	nv.lock.Lock()
	defer nv.lock.Unlock()
	if nv.round != 0 {
		v := votes[0].Vote
		if v.Period != nv.period || v.Round != nv.round {
			return fmt.Errorf("%w: have (%d,%d), got (%d,%d)", ErrRoundMismatch, nv.period, nv.round, v.Period, v.Round)
		}
	}
	return nv.add(votes, twoTPlusOne)
}

// Round returns the period and round the bundle belongs to.
func (nv *NextVotes) Round() (uint64, uint64) {
	nv.lock.RLock()
	defer nv.lock.RUnlock()
	return nv.period, nv.round
}

func (nv *NextVotes) HaveEnoughVotesForNullBlockHash() bool {
	nv.lock.RLock()
	defer nv.lock.RUnlock()
	return nv.enoughForNull
}

// GetVotedValue returns the non-null value at quorum, if any.
func (nv *NextVotes) GetVotedValue() (types.Hash, bool) {
	nv.lock.RLock()
	defer nv.lock.RUnlock()
	if nv.votedValue == nil {
		return types.ZeroHash, false
	}
	return *nv.votedValue, true
}

// Enough reports whether some value reached the quorum.
func (nv *NextVotes) Enough() bool {
	nv.lock.RLock()
	defer nv.lock.RUnlock()
	return nv.enoughForNull || nv.votedValue != nil
}

func (nv *NextVotes) GetNextVotes() []*types.Vote {
	nv.lock.RLock()
	defer nv.lock.RUnlock()
	var out []*Weighted
	for _, ws := range nv.votes {
		out = append(out, ws...)
	}
	sortWeighted(out)
	return Votes(out)
}

func (nv *NextVotes) Size() int {
	nv.lock.RLock()
	defer nv.lock.RUnlock()
	n := 0
	for _, ws := range nv.votes {
		n += len(ws)
	}
	return n
}
