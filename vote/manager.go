/*
Package vote tracks PBFT votes per (period, round, step), the candidate
blocks proposed in each round and the next-vote bundle carried from one round
to the next.
*/
package vote

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/dagpbft/dpos"
	"github.com/gitzhang10/dagpbft/sign"
	"github.com/gitzhang10/dagpbft/types"
)

var (
	ErrInvalidSignature      = errors.New("vote signature does not recover")
	ErrZeroWeight            = errors.New("voter has no eligible weight")
	ErrInvalidCredential     = errors.New("vote vrf credential does not verify")
	ErrNullPeriod            = errors.New("vote for period 0")
	ErrEquivocation          = errors.New("voter voted twice for different values")
	ErrCertVoteMismatch      = errors.New("cert vote does not match the block it certifies")
	ErrInsufficientCertVotes = errors.New("not enough cert vote weight")
)

// Weighted is a vote whose voter and weight have been resolved.
type Weighted struct {
	Vote   *types.Vote
	Voter  types.Address
	Weight uint64
	Hash   types.Hash
}

type valueVotes struct {
	weight uint64
	votes  map[types.Hash]*Weighted
}

type stepVotes struct {
	voters  map[types.Address]types.Hash // voter -> voted block hash
	byValue map[types.Hash]*valueVotes
}

type roundVotes map[uint64]*stepVotes

type periodVotes map[uint64]roundVotes

// EquivocationFunc is told about a voter caught voting twice.
type EquivocationFunc func(first, second *Weighted)

// Manager holds verified votes. One mutex guards the top-level map.
type Manager struct {
	lock          sync.RWMutex
	votes         map[uint64]periodVotes
	committeeSize uint64
	dpos          *dpos.Dpos
	onEquivocate  EquivocationFunc
	equivocations atomic.Uint64
	logger        hclog.Logger
}

func NewManager(committeeSize uint64, dp *dpos.Dpos, logger hclog.Logger) *Manager {
	return &Manager{
		votes:         make(map[uint64]periodVotes),
		committeeSize: committeeSize,
		dpos:          dp,
		logger:        logger.Named("vote_mgr"),
	}
}

// OnEquivocation sets the equivocation callback.
func (m *Manager) OnEquivocation(fn EquivocationFunc) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.onEquivocate = fn
}

func (m *Manager) Equivocations() uint64 { return m.equivocations.Load() }

// effective scales a stake to the committee. With more stake than committee
// seats, weight is the expected seat count rounded up, so any validator with
// stake keeps at least one vote.
func (m *Manager) effective(stake, total uint64) uint64 {
	if total <= m.committeeSize || total == 0 || stake == 0 {
		return stake
	}
	hi, lo := bits.Mul64(stake, m.committeeSize)
	q, r := bits.Div64(hi, lo, total)
	if r > 0 {
		q++
	}
	return q
}

// TwoTPlusOne is the quorum for votes of period: two thirds of the summed
// effective weights plus one. Stake is taken at period-1.
func (m *Manager) TwoTPlusOne(period uint64) (uint64, error) {
	if period == 0 {
		return 0, ErrNullPeriod
	}
	total, err := m.dpos.TotalEligibleWeight(period - 1)
	if err != nil {
		return 0, err
	}
	stakes, err := m.dpos.Stakes(period - 1)
	if err != nil {
		return 0, err
	}
	var sum uint64
	for _, stake := range stakes {
		sum += m.effective(stake, total)
	}
	return sum*2/3 + 1, nil
}

// VoteWeight is the committee scaled weight addr carries in votes of period.
func (m *Manager) VoteWeight(period uint64, addr types.Address) (uint64, error) {
	if period == 0 {
		return 0, ErrNullPeriod
	}
	stake, err := m.dpos.VoterWeight(period-1, addr)
	if err != nil {
		return 0, err
	}
	total, err := m.dpos.TotalEligibleWeight(period - 1)
	if err != nil {
		return 0, err
	}
	return m.effective(stake, total), nil
}

// ValidateVote recovers the voter, resolves its weight at period-1 and
// checks the VRF credential for the vote's context.
func (m *Manager) ValidateVote(v *types.Vote) (*Weighted, error) {
	if v.Period == 0 {
		return nil, ErrNullPeriod
	}
	voter, err := v.Voter()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	weight, err := m.VoteWeight(v.Period, voter)
	if err != nil {
		return nil, err
	}
	if weight == 0 {
		return nil, fmt.Errorf("%w: %s at period %d", ErrZeroWeight, voter, v.Period-1)
	}
	vrfKey, err := m.dpos.VrfKey(voter)
	if err != nil {
		return nil, err
	}
	if _, err := sign.VrfVerify(vrfKey, types.VrfMessage(v.Period, v.Round, v.Step), v.VrfProof); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredential, voter)
	}
	return &Weighted{Vote: v, Voter: voter, Weight: weight, Hash: v.Hash()}, nil
}

func (m *Manager) step(period, round, step uint64, create bool) *stepVotes {
	pv, ok := m.votes[period]
	if !ok {
		if !create {
			return nil
		}
		pv = make(periodVotes)
		m.votes[period] = pv
	}
	rv, ok := pv[round]
	if !ok {
		if !create {
			return nil
		}
		rv = make(roundVotes)
		pv[round] = rv
	}
	sv, ok := rv[step]
	if !ok {
		if !create {
			return nil
		}
		sv = &stepVotes{voters: make(map[types.Address]types.Hash), byValue: make(map[types.Hash]*valueVotes)}
		rv[step] = sv
	}
	return sv
}

// AddVerifiedVote stores w. It returns false for a duplicate and
// ErrEquivocation when the voter already voted for another value.
func (m *Manager) AddVerifiedVote(w *Weighted) (bool, error) {
	v := w.Vote
	m.lock.Lock()
	sv := m.step(v.Period, v.Round, v.Step, true)
	if prev, ok := sv.voters[w.Voter]; ok {
		if prev == v.BlockHash {
			m.lock.Unlock()
			return false, nil
		}
		var first *Weighted
		for _, fw := range sv.byValue[prev].votes {
			if fw.Voter == w.Voter {
				first = fw
			}
		}
		cb := m.onEquivocate
		m.lock.Unlock()
		m.equivocations.Add(1)
		m.logger.Error("equivocating voter", "voter", w.Voter, "period", v.Period, "round", v.Round, "step", v.Step,
			"first", prev.Abridged(), "second", v.BlockHash.Abridged())
		if cb != nil {
			cb(first, w)
		}
		return false, fmt.Errorf("%w: %s at (%d,%d,%d)", ErrEquivocation, w.Voter, v.Period, v.Round, v.Step)
	}
	sv.voters[w.Voter] = v.BlockHash
	vv, ok := sv.byValue[v.BlockHash]
	if !ok {
		vv = &valueVotes{votes: make(map[types.Hash]*Weighted)}
		sv.byValue[v.BlockHash] = vv
	}
	vv.votes[w.Hash] = w
	vv.weight += w.Weight
	m.lock.Unlock()
	m.logger.Trace("vote added", "type", v.Type(), "voter", w.Voter, "period", v.Period, "round", v.Round,
		"step", v.Step, "block", v.BlockHash.Abridged())
	return true, nil
}

// GetVotes returns every vote of a step.
func (m *Manager) GetVotes(period, round, step uint64) []*Weighted {
	m.lock.RLock()
	defer m.lock.RUnlock()
	sv := m.step(period, round, step, false)
	if sv == nil {
		return nil
	}
	var out []*Weighted
	for _, vv := range sv.byValue {
		for _, w := range vv.votes {
			out = append(out, w)
		}
	}
	sortWeighted(out)
	return out
}

// GetTwoTPlusOneVotedBlock returns the value of a step that reached the
// quorum, with its votes.
func (m *Manager) GetTwoTPlusOneVotedBlock(period, round, step uint64) (types.Hash, []*Weighted, bool) {
	quorum, err := m.TwoTPlusOne(period)
	if err != nil {
		return types.ZeroHash, nil, false
	}
	m.lock.RLock()
	defer m.lock.RUnlock()
	sv := m.step(period, round, step, false)
	if sv == nil {
		return types.ZeroHash, nil, false
	}
	for hash, vv := range sv.byValue {
		if vv.weight >= quorum {
			out := make([]*Weighted, 0, len(vv.votes))
			for _, w := range vv.votes {
				out = append(out, w)
			}
			sortWeighted(out)
			return hash, out, true
		}
	}
	return types.ZeroHash, nil, false
}

// NextVotedValues returns, for the first next-vote step of round that has
// a quorum for some value, every value at quorum with its votes.
func (m *Manager) NextVotedValues(period, round uint64) (map[types.Hash][]*Weighted, bool) {
	quorum, err := m.TwoTPlusOne(period)
	if err != nil {
		return nil, false
	}
	m.lock.RLock()
	defer m.lock.RUnlock()
	pv := m.votes[period]
	if pv == nil {
		return nil, false
	}
	steps := make([]uint64, 0, len(pv[round]))
	for s := range pv[round] {
		if s >= types.FinishStep {
			steps = append(steps, s)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i] < steps[j] })
	for _, s := range steps {
		found := make(map[types.Hash][]*Weighted)
		for hash, vv := range pv[round][s].byValue {
			if vv.weight < quorum {
				continue
			}
			for _, w := range vv.votes {
				found[hash] = append(found[hash], w)
			}
			sortWeighted(found[hash])
		}
		if len(found) > 0 {
			return found, true
		}
	}
	return nil, false
}

// DetermineNewRound returns the highest round above round whose previous
// round has a next-vote quorum.
func (m *Manager) DetermineNewRound(period, round uint64) (uint64, bool) {
	m.lock.RLock()
	var rounds []uint64
	for r := range m.votes[period] {
		if r >= round {
			rounds = append(rounds, r)
		}
	}
	m.lock.RUnlock()
	sort.Slice(rounds, func(i, j int) bool { return rounds[i] > rounds[j] })
	for _, r := range rounds {
		if _, ok := m.NextVotedValues(period, r); ok {
			return r + 1, true
		}
	}
	return 0, false
}

// RoundVotes returns the votes this node holds for a round, any step.
func (m *Manager) RoundVotes(period, round uint64) []*Weighted {
	m.lock.RLock()
	defer m.lock.RUnlock()
	var out []*Weighted
	for _, sv := range m.votes[period][round] {
		for _, vv := range sv.byValue {
			for _, w := range vv.votes {
				out = append(out, w)
			}
		}
	}
	sortWeighted(out)
	return out
}

// CleanupVotesByPeriod drops every period below period.
func (m *Manager) CleanupVotesByPeriod(period uint64) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for p := range m.votes {
		if p < period {
			delete(m.votes, p)
		}
	}
}

// VerifyCertVotes checks that the cert votes of a sync block certify its
// PBFT block with at least 2t+1 weight.
func (m *Manager) VerifyCertVotes(sb *types.SyncBlock) error {
	blk := sb.PbftBlock
	hash := blk.BlockHash()
	if len(sb.CertVotes) == 0 {
		return fmt.Errorf("%w: no cert votes for %s", ErrInsufficientCertVotes, hash.Abridged())
	}
	for _, v := range sb.CertVotes {
		if v == nil {
			return fmt.Errorf("%w: nil cert vote for %s", ErrCertVoteMismatch, hash.Abridged())
		}
	}
	round := sb.CertVotes[0].Round
	seen := make(map[types.Address]struct{}, len(sb.CertVotes))
	var total uint64
	for _, v := range sb.CertVotes {
		if v.BlockHash != hash {
			return fmt.Errorf("%w: vote targets %s, block is %s", ErrCertVoteMismatch, v.BlockHash.Abridged(), hash.Abridged())
		}
		if v.Period != blk.Period {
			return fmt.Errorf("%w: vote period %d, block period %d", ErrCertVoteMismatch, v.Period, blk.Period)
		}
		if v.Round != round {
			return fmt.Errorf("%w: rounds %d and %d", ErrCertVoteMismatch, round, v.Round)
		}
		if v.Type() != types.CertVote || v.Step != types.CertifyStep {
			return fmt.Errorf("%w: %s vote at step %d", ErrCertVoteMismatch, v.Type(), v.Step)
		}
		w, err := m.ValidateVote(v)
		if err != nil {
			return err
		}
		if _, dup := seen[w.Voter]; dup {
			return fmt.Errorf("%w: %s in cert votes twice", ErrEquivocation, w.Voter)
		}
		seen[w.Voter] = struct{}{}
		total += w.Weight
	}
	quorum, err := m.TwoTPlusOne(blk.Period)
	if err != nil {
		return err
	}
	if total < quorum {
		return fmt.Errorf("%w: total %d, need %d", ErrInsufficientCertVotes, total, quorum)
	}
	return nil
}

func sortWeighted(ws []*Weighted) {
	sort.Slice(ws, func(i, j int) bool { return ws[i].Hash.Less(ws[j].Hash) })
}

// Votes unwraps weighted votes.
func Votes(ws []*Weighted) []*types.Vote {
	out := make([]*types.Vote, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Vote)
	}
	return out
}
