package vote

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/dagpbft/config"
	"github.com/gitzhang10/dagpbft/dpos"
	"github.com/gitzhang10/dagpbft/sign"
	"github.com/gitzhang10/dagpbft/storage"
	"github.com/gitzhang10/dagpbft/types"
)

type voter struct {
	key    *secp256k1.PrivateKey
	vrfKey *sign.VrfKey
	addr   types.Address
}

// newCommittee builds n validators with one unit of stake each.
func newCommittee(t *testing.T, n int) ([]voter, *dpos.Dpos) {
	voters := make([]voter, n)
	validators := make([]config.Validator, n)
	for i := range voters {
		key, err := sign.GenerateKey()
		require.NoError(t, err)
		vrfKey := sign.GenVrfKey()
		pub, err := vrfKey.PublicBytes()
		require.NoError(t, err)
		voters[i] = voter{key: key, vrfKey: vrfKey, addr: types.Address(sign.Address(key))}
		validators[i] = config.Validator{Address: voters[i].addr, Stake: 1, VrfKey: pub}
	}
	dp := dpos.New(validators)
	dp.SetFinalizedPeriod(100)
	return voters, dp
}

func (v voter) vote(t *testing.T, hash types.Hash, period, round, step uint64) *types.Vote {
	proof, err := sign.VrfProve(v.vrfKey, types.VrfMessage(period, round, step))
	require.NoError(t, err)
	vote := &types.Vote{BlockHash: hash, Period: period, Round: round, Step: step, VrfProof: proof}
	vote.Sign(v.key)
	return vote
}

func TestTwoTPlusOne(t *testing.T) {
	_, dp := newCommittee(t, 4)
	m := NewManager(100, dp, hclog.NewNullLogger())
	q, err := m.TwoTPlusOne(1)
	require.NoError(t, err)
	require.Equal(t, uint64(3), q)

	_, err = m.TwoTPlusOne(0)
	require.ErrorIs(t, err, ErrNullPeriod)

	// each of four validators keeps one seat in a committee of three
	small := NewManager(3, dp, hclog.NewNullLogger())
	q, err = small.TwoTPlusOne(1)
	require.NoError(t, err)
	require.Equal(t, uint64(3), q)
}

func TestCommitteeSmallerThanValidators(t *testing.T) {
	voters, dp := newCommittee(t, 4)
	m := NewManager(3, dp, hclog.NewNullLogger())
	hash := types.Keccak([]byte("block"))

	for _, v := range voters {
		w, err := m.VoteWeight(1, v.addr)
		require.NoError(t, err)
		require.Equal(t, uint64(1), w, "stake below one seat rounds up")
	}

	for _, v := range voters[:2] {
		w, err := m.ValidateVote(v.vote(t, hash, 1, 1, types.CertifyStep))
		require.NoError(t, err)
		_, err = m.AddVerifiedVote(w)
		require.NoError(t, err)
	}
	_, _, ok := m.GetTwoTPlusOneVotedBlock(1, 1, types.CertifyStep)
	require.False(t, ok)

	w, err := m.ValidateVote(voters[2].vote(t, hash, 1, 1, types.CertifyStep))
	require.NoError(t, err)
	_, err = m.AddVerifiedVote(w)
	require.NoError(t, err)
	got, votes, ok := m.GetTwoTPlusOneVotedBlock(1, 1, types.CertifyStep)
	require.True(t, ok, "three honest validators of four reach the quorum")
	require.Equal(t, hash, got)
	require.Len(t, votes, 3)

	require.NoError(t, m.VerifyCertVotes(certified(t, voters[:3])))
	require.ErrorIs(t, m.VerifyCertVotes(certified(t, voters[:2])), ErrInsufficientCertVotes)
}

func TestUnevenStakeQuorum(t *testing.T) {
	stakes := []uint64{1000, 10, 10, 1}
	validators := make([]config.Validator, len(stakes))
	for i, stake := range stakes {
		key, err := sign.GenerateKey()
		require.NoError(t, err)
		validators[i] = config.Validator{Address: types.Address(sign.Address(key)), Stake: stake}
	}
	dp := dpos.New(validators)
	dp.SetFinalizedPeriod(1)
	m := NewManager(100, dp, hclog.NewNullLogger())

	// 1021 stake over 100 seats: ceil(97.9), ceil(0.97) twice, ceil(0.09)
	want := []uint64{98, 1, 1, 1}
	for i, v := range validators {
		w, err := m.VoteWeight(1, v.Address)
		require.NoError(t, err)
		require.Equal(t, want[i], w)
	}
	q, err := m.TwoTPlusOne(1)
	require.NoError(t, err)
	require.Equal(t, uint64(101*2/3+1), q)
}

func TestValidateVote(t *testing.T) {
	voters, dp := newCommittee(t, 4)
	m := NewManager(100, dp, hclog.NewNullLogger())
	hash := types.Keccak([]byte("block"))

	w, err := m.ValidateVote(voters[0].vote(t, hash, 1, 1, types.FilterStep))
	require.NoError(t, err)
	require.Equal(t, voters[0].addr, w.Voter)
	require.Equal(t, uint64(1), w.Weight)

	outsiders, _ := newCommittee(t, 1)
	_, err = m.ValidateVote(outsiders[0].vote(t, hash, 1, 1, types.FilterStep))
	require.ErrorIs(t, err, ErrZeroWeight)

	// credential proven for another step
	bad := voters[1].vote(t, hash, 1, 1, types.FilterStep)
	bad.Step = types.CertifyStep
	bad.Sign(voters[1].key)
	_, err = m.ValidateVote(bad)
	require.ErrorIs(t, err, ErrInvalidCredential)

	_, err = m.ValidateVote(voters[0].vote(t, hash, 200, 1, types.FilterStep))
	require.ErrorIs(t, err, dpos.ErrFuturePeriod)
}

func TestQuorumAndEquivocation(t *testing.T) {
	voters, dp := newCommittee(t, 4)
	m := NewManager(100, dp, hclog.NewNullLogger())
	var caught []types.Address
	m.OnEquivocation(func(first, second *Weighted) { caught = append(caught, second.Voter) })
	a, b := types.Keccak([]byte("a")), types.Keccak([]byte("b"))

	add := func(v voter, hash types.Hash) (bool, error) {
		w, err := m.ValidateVote(v.vote(t, hash, 1, 1, types.CertifyStep))
		require.NoError(t, err)
		return m.AddVerifiedVote(w)
	}

	for _, v := range voters[:2] {
		added, err := add(v, a)
		require.NoError(t, err)
		require.True(t, added)
	}
	_, _, ok := m.GetTwoTPlusOneVotedBlock(1, 1, types.CertifyStep)
	require.False(t, ok, "two of four is below the quorum")

	added, err := add(voters[0], a)
	require.NoError(t, err)
	require.False(t, added)

	_, err = add(voters[1], b)
	require.ErrorIs(t, err, ErrEquivocation)
	require.Equal(t, []types.Address{voters[1].addr}, caught)
	require.Equal(t, uint64(1), m.Equivocations())

	_, err = add(voters[2], a)
	require.NoError(t, err)
	hash, votes, ok := m.GetTwoTPlusOneVotedBlock(1, 1, types.CertifyStep)
	require.True(t, ok)
	require.Equal(t, a, hash)
	require.Len(t, votes, 3)

	// the equivocating vote never counted
	_, err = add(voters[3], b)
	require.NoError(t, err)
	require.Len(t, m.GetVotes(1, 1, types.CertifyStep), 4)

	m.CleanupVotesByPeriod(2)
	require.Empty(t, m.GetVotes(1, 1, types.CertifyStep))
}

func TestDetermineNewRound(t *testing.T) {
	voters, dp := newCommittee(t, 4)
	m := NewManager(100, dp, hclog.NewNullLogger())
	for _, v := range voters[:3] {
		w, err := m.ValidateVote(v.vote(t, types.ZeroHash, 1, 2, types.FinishStep+1))
		require.NoError(t, err)
		_, err = m.AddVerifiedVote(w)
		require.NoError(t, err)
	}
	round, ok := m.DetermineNewRound(1, 1)
	require.True(t, ok)
	require.Equal(t, uint64(3), round)

	values, ok := m.NextVotedValues(1, 2)
	require.True(t, ok)
	require.Len(t, values[types.ZeroHash], 3)

	_, ok = m.DetermineNewRound(1, 3)
	require.False(t, ok)
}

func certified(t *testing.T, voters []voter) *types.SyncBlock {
	blk := &types.PbftBlock{Period: 1}
	blk.Sign(voters[0].key)
	sb := &types.SyncBlock{PbftBlock: blk}
	for _, v := range voters {
		sb.CertVotes = append(sb.CertVotes, v.vote(t, blk.BlockHash(), 1, 1, types.CertifyStep))
	}
	return sb
}

func TestVerifyCertVotes(t *testing.T) {
	voters, dp := newCommittee(t, 4)
	m := NewManager(100, dp, hclog.NewNullLogger())

	require.NoError(t, m.VerifyCertVotes(certified(t, voters[:3])), "exactly the quorum")

	err := m.VerifyCertVotes(certified(t, voters[:2]))
	require.ErrorIs(t, err, ErrInsufficientCertVotes)

	sb := certified(t, voters[:3])
	sb.CertVotes[2] = voters[2].vote(t, types.Keccak([]byte("other")), 1, 1, types.CertifyStep)
	require.ErrorIs(t, m.VerifyCertVotes(sb), ErrCertVoteMismatch)

	sb = certified(t, voters[:3])
	sb.CertVotes[1] = voters[1].vote(t, sb.PbftBlock.BlockHash(), 1, 2, types.CertifyStep)
	require.ErrorIs(t, m.VerifyCertVotes(sb), ErrCertVoteMismatch)

	sb = certified(t, voters[:3])
	sb.CertVotes[1] = voters[1].vote(t, sb.PbftBlock.BlockHash(), 1, 1, types.FilterStep)
	require.ErrorIs(t, m.VerifyCertVotes(sb), ErrCertVoteMismatch)

	sb = certified(t, voters[:3])
	sb.CertVotes[2] = sb.CertVotes[0]
	require.ErrorIs(t, m.VerifyCertVotes(sb), ErrEquivocation)

	for i := range sb.CertVotes {
		sb = certified(t, voters[:3])
		sb.CertVotes[i] = nil
		require.ErrorIs(t, m.VerifyCertVotes(sb), ErrCertVoteMismatch)
	}
}

func TestNextVotes(t *testing.T) {
	voters, dp := newCommittee(t, 4)
	m := NewManager(100, dp, hclog.NewNullLogger())
	nv := NewNextVotes(hclog.NewNullLogger())
	value := types.Keccak([]byte("value"))

	weighted := func(hash types.Hash, round uint64, vs []voter) []*Weighted {
		var out []*Weighted
		for _, v := range vs {
			w, err := m.ValidateVote(v.vote(t, hash, 1, round, types.FinishStep))
			require.NoError(t, err)
			out = append(out, w)
		}
		return out
	}

	require.NoError(t, nv.UpdateNextVotes(weighted(types.ZeroHash, 1, voters[:3]), 3))
	require.True(t, nv.HaveEnoughVotesForNullBlockHash())
	_, ok := nv.GetVotedValue()
	require.False(t, ok)
	require.Equal(t, 3, nv.Size())

	// below quorum is dropped
	require.NoError(t, nv.AddNextVotes(weighted(value, 1, voters[:2]), 3))
	require.Equal(t, 3, nv.Size())

	require.NoError(t, nv.AddNextVotes(weighted(value, 1, voters[1:]), 3))
	voted, ok := nv.GetVotedValue()
	require.True(t, ok)
	require.Equal(t, value, voted)
	require.Equal(t, 6, nv.Size())
	require.Len(t, nv.GetNextVotes(), 6)

	err := nv.UpdateWithSyncedVotes(weighted(value, 2, voters[:3]), 3)
	require.ErrorIs(t, err, ErrRoundMismatch)

	require.NoError(t, nv.UpdateNextVotes(weighted(value, 2, voters[:3]), 3))
	period, round := nv.Round()
	require.Equal(t, uint64(1), period)
	require.Equal(t, uint64(2), round)
	require.False(t, nv.HaveEnoughVotesForNullBlockHash())

	nv.Clear()
	require.False(t, nv.Enough())
	require.Zero(t, nv.Size())
}

func TestProposedBlocks(t *testing.T) {
	db, err := storage.NewDB(storage.NewMemory(), hclog.NewNullLogger())
	require.NoError(t, err)
	pb, err := NewProposedBlocks(db, hclog.NewNullLogger())
	require.NoError(t, err)
	key, err := sign.GenerateKey()
	require.NoError(t, err)

	blocks := make([]*types.PbftBlock, 4)
	for i := range blocks {
		blocks[i] = &types.PbftBlock{Period: 1, Timestamp: int64(i)}
		blocks[i].Sign(key)
		require.NoError(t, pb.PushProposedBlock(blocks[i], uint64(i+1), types.Keccak(blocks[i].BlockHash().Bytes())))
	}
	require.ErrorIs(t, pb.PushProposedBlock(blocks[0], 1, types.ZeroHash), ErrAlreadyInserted)
	second := &types.PbftBlock{Period: 1, Timestamp: 100}
	second.Sign(key)
	require.ErrorIs(t, pb.PushProposedBlock(second, 1, types.ZeroHash), ErrDoubleProposal)
	require.False(t, pb.IsInProposedBlocks(1, second.BlockHash()))
	require.True(t, pb.IsInProposedBlocks(1, blocks[2].BlockHash()))
	voteHash, ok := pb.GetProposedBlockVote(1, 3, blocks[2].BlockHash())
	require.True(t, ok)
	require.Equal(t, types.Keccak(blocks[2].BlockHash().Bytes()), voteHash)

	// keeps round 3 and 4
	require.NoError(t, pb.CleanupProposedPbftBlocksByRound(1, 4))
	require.False(t, pb.IsInProposedBlocks(1, blocks[1].BlockHash()))
	require.True(t, pb.IsInProposedBlocks(1, blocks[2].BlockHash()))

	reloaded, err := NewProposedBlocks(db, hclog.NewNullLogger())
	require.NoError(t, err)
	require.Equal(t, 2, reloaded.Len())

	require.NoError(t, pb.CleanupProposedPbftBlocksByPeriod(2))
	require.Zero(t, pb.Len())
}
