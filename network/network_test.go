package network

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/dagpbft/config"
	"github.com/gitzhang10/dagpbft/sign"
	"github.com/gitzhang10/dagpbft/types"
	"github.com/gitzhang10/dagpbft/vote"
)

func testConfig(t *testing.T) *config.Config {
	key, err := sign.GenerateKey()
	require.NoError(t, err)
	vrfKey := sign.GenVrfKey()
	pub, err := vrfKey.PublicBytes()
	require.NoError(t, err)
	validators := []config.Validator{{Address: types.Address(sign.Address(key)), Stake: 1, VrfKey: pub}}
	return config.New("test", key, vrfKey, "127.0.0.1:0", validators, 0)
}

func addr(b byte) types.Address {
	var a types.Address
	a[0] = b
	return a
}

func TestValidateInitialStatus(t *testing.T) {
	conf := testConfig(t)
	n := &Network{conf: conf, genesis: conf.GenesisHash()}
	good := Status{
		Initial:     true,
		NetworkID:   conf.NetworkID,
		GenesisHash: conf.GenesisHash(),
		Version:     ProtocolVersion,
		ListenAddr:  "127.0.0.1:9000",
	}
	peer := newPeer(addr(1), "")
	require.NoError(t, n.validateStatus(peer, &good))

	s := good
	s.NetworkID++
	require.ErrorIs(t, n.validateStatus(peer, &s), ErrNetworkMismatch)

	s = good
	s.GenesisHash = types.Keccak([]byte("other"))
	require.ErrorIs(t, n.validateStatus(peer, &s), ErrGenesisMismatch)

	s = good
	s.Version.Minor++
	require.ErrorIs(t, n.validateStatus(peer, &s), ErrIncompatibleVersion)

	s = good
	s.Version.Patch++
	require.NoError(t, n.validateStatus(peer, &s))

	s = good
	s.ListenAddr = ""
	require.ErrorIs(t, n.validateStatus(peer, &s), ErrMalformed)
}

func TestCompactStatusNeedsHandshake(t *testing.T) {
	conf := testConfig(t)
	n := &Network{conf: conf, genesis: conf.GenesisHash()}
	ps := NewPeersState()
	peer := ps.GetOrAdd(addr(1), "")
	require.ErrorIs(t, n.validateStatus(peer, &Status{ChainSize: 3}), ErrNoHandshake)

	require.False(t, ps.setReady(peer))
	require.True(t, ps.setReady(peer))
	require.NoError(t, n.validateStatus(peer, &Status{ChainSize: 3}))
}

func TestPeerStatusKeepsIdentity(t *testing.T) {
	p := newPeer(addr(1), "127.0.0.1:9000")
	now := time.Now()
	p.updateStatus(Status{Initial: true, NetworkID: 7, Version: ProtocolVersion, ChainSize: 2}, now)
	p.updateStatus(Status{ChainSize: 5, Syncing: true}, now)

	s := p.Status()
	require.False(t, s.Initial)
	require.Equal(t, uint64(7), s.NetworkID)
	require.Equal(t, ProtocolVersion, s.Version)
	require.Equal(t, uint64(5), s.ChainSize)
	require.False(t, p.Synced())

	p.setSynced()
	require.True(t, p.Synced())
	require.False(t, p.Status().Syncing)

	p.setChainSize(4)
	require.Equal(t, uint64(5), p.Status().ChainSize)
	p.setChainSize(9)
	require.Equal(t, uint64(9), p.Status().ChainSize)
}

func TestPeersState(t *testing.T) {
	ps := NewPeersState()
	a := ps.GetOrAdd(addr(2), "127.0.0.1:9002")
	b := ps.GetOrAdd(addr(1), "127.0.0.1:9001")
	ps.GetOrAdd(addr(3), "127.0.0.1:9003")
	require.Equal(t, 3, ps.Len())
	require.Empty(t, ps.Ready())

	ps.setReady(a)
	ps.setReady(b)
	ready := ps.Ready()
	require.Len(t, ready, 2)
	require.Equal(t, addr(1), ready[0].Address)

	a.updateStatus(Status{ChainSize: 10}, time.Now())
	b.updateStatus(Status{ChainSize: 4}, time.Now())
	best, ok := ps.MaxChainSizePeer(types.Address{})
	require.True(t, ok)
	require.Equal(t, addr(2), best.Address)
	best, ok = ps.MaxChainSizePeer(addr(2))
	require.True(t, ok)
	require.Equal(t, addr(1), best.Address)

	same := ps.GetOrAdd(addr(2), "127.0.0.1:9999")
	require.Same(t, a, same)
	require.Equal(t, "127.0.0.1:9999", a.ListenAddr())

	_, ok = ps.Remove(addr(2))
	require.True(t, ok)
	_, ok = ps.Get(addr(2))
	require.False(t, ok)

	ps.MarkMalicious(addr(9), errors.New("forged"))
	require.True(t, ps.IsMalicious(addr(9)))
	require.False(t, ps.IsMalicious(addr(1)))
	require.Equal(t, 1, ps.MaliciousCount())
}

func TestPeerKnownSets(t *testing.T) {
	p := newPeer(addr(1), "")
	h := types.Keccak([]byte("x"))
	require.False(t, p.KnowsBlock(h))
	p.MarkBlockKnown(h)
	require.True(t, p.KnowsBlock(h))
	require.False(t, p.KnowsVote(h))
	p.MarkVoteKnown(h)
	p.MarkTxKnown(h)
	p.MarkPbftKnown(h)
	require.True(t, p.KnowsVote(h))
	require.True(t, p.KnowsTx(h))
	require.True(t, p.KnowsPbft(h))
}

func TestSyncingState(t *testing.T) {
	var s SyncingState
	require.False(t, s.IsSyncing())
	require.False(t, s.Stop())

	start := time.Now()
	s.Start(addr(4), start)
	peer, ok := s.SyncPeer()
	require.True(t, ok)
	require.Equal(t, addr(4), peer)
	require.Equal(t, 1, s.Retry())
	require.Equal(t, 2, s.Retry())

	require.False(t, s.Stalled(start.Add(time.Second), 2*time.Second))
	require.True(t, s.Stalled(start.Add(3*time.Second), 2*time.Second))
	s.Progress(start.Add(3 * time.Second))
	require.False(t, s.Stalled(start.Add(4*time.Second), 2*time.Second))
	require.Equal(t, 1, s.Retry())

	require.True(t, s.Stop())
	require.False(t, s.IsSyncing())
	require.False(t, s.Stalled(start.Add(time.Hour), time.Second))
}

func TestHandlerRejectsWrongType(t *testing.T) {
	h := typedHandler[GetPbftBlock]{validateGetPbftBlock, nil}
	peer := newPeer(addr(1), "")
	require.ErrorIs(t, h.Validate(peer, &Status{}), ErrUnexpectedMsg)
	require.ErrorIs(t, h.Validate(peer, (*GetPbftBlock)(nil)), ErrUnexpectedMsg)
	require.ErrorIs(t, h.Validate(peer, &GetPbftBlock{}), ErrMalformed)
	require.NoError(t, h.Validate(peer, &GetPbftBlock{From: 1}))
}

func TestPacketValidation(t *testing.T) {
	peer := newPeer(addr(1), "")
	require.ErrorIs(t, validateNewBlock(peer, &NewBlock{}), ErrMalformed)
	require.ErrorIs(t, validateGetBlocks(peer, &GetBlocks{Mode: 7}), ErrMalformed)
	require.ErrorIs(t, validateGetBlocks(peer, &GetBlocks{Hashes: make([]types.Hash, maxHashesPerRequest+1)}), ErrMalformed)
	require.NoError(t, validateGetBlocks(peer, &GetBlocks{Mode: KnownHashes}))
	require.ErrorIs(t, validateBlocks(peer, &Blocks{Blocks: []*types.DagBlock{nil}}), ErrMalformed)
	require.ErrorIs(t, validateTransactions(peer, &Transactions{Transactions: []*types.Transaction{nil}}), ErrMalformed)
	require.ErrorIs(t, validateVote(peer, &PbftVote{}), ErrMalformed)
	require.ErrorIs(t, validateNewPbftBlock(peer, &NewPbftBlock{}), ErrMalformed)
	require.ErrorIs(t, validatePbftBlock(peer, &PbftBlock{Data: &types.SyncBlock{}}), ErrMalformed)
	require.NoError(t, validatePbftBlock(peer, &PbftBlock{Last: true}))
	pbft := &types.PbftBlock{Period: 1}
	require.NoError(t, validatePbftBlock(peer, &PbftBlock{Data: &types.SyncBlock{PbftBlock: pbft}}))
	require.ErrorIs(t, validatePbftBlock(peer, &PbftBlock{Data: &types.SyncBlock{
		PbftBlock: pbft, CertVotes: []*types.Vote{{Period: 1}, nil},
	}}), ErrMalformed)
	require.ErrorIs(t, validatePbftBlock(peer, &PbftBlock{Data: &types.SyncBlock{
		PbftBlock: pbft, DagBlocks: []*types.DagBlock{nil},
	}}), ErrMalformed)
	require.ErrorIs(t, validatePbftBlock(peer, &PbftBlock{Data: &types.SyncBlock{
		PbftBlock: pbft, Transactions: []*types.Transaction{nil},
	}}), ErrMalformed)

	soft := &types.Vote{Period: 1, Round: 1, Step: 2}
	next := &types.Vote{Period: 1, Round: 1, Step: 4}
	require.ErrorIs(t, validateNextVotes(peer, &PbftNextVotes{Votes: []*types.Vote{next, soft}}), ErrMalformed)
	require.NoError(t, validateNextVotes(peer, &PbftNextVotes{Votes: []*types.Vote{next}}))
}

func TestMaliciousPeerError(t *testing.T) {
	err := error(&MaliciousPeerError{Peer: addr(5), Err: vote.ErrInvalidSignature})
	require.ErrorIs(t, err, vote.ErrInvalidSignature)
	require.Contains(t, err.Error(), "malicious peer")

	require.True(t, voteFault(vote.ErrInvalidCredential))
	require.True(t, voteFault(vote.ErrInvalidSignature))
	require.False(t, voteFault(vote.ErrZeroWeight))
	require.False(t, voteFault(vote.ErrEquivocation))
}

func TestPacketNames(t *testing.T) {
	for typ := range reflectedTypesMap {
		require.NotEqual(t, "unknown", PacketName(typ))
	}
	require.Equal(t, "unknown", PacketName(200))
}
