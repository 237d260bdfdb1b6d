package dag

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/dagpbft/clock"
	"github.com/gitzhang10/dagpbft/config"
	"github.com/gitzhang10/dagpbft/dpos"
	"github.com/gitzhang10/dagpbft/replay"
	"github.com/gitzhang10/dagpbft/sign"
	"github.com/gitzhang10/dagpbft/sortition"
	"github.com/gitzhang10/dagpbft/storage"
	"github.com/gitzhang10/dagpbft/txpool"
	"github.com/gitzhang10/dagpbft/types"
)

type testEnv struct {
	db      *storage.DB
	pool    *txpool.Pool
	dm      *DagManager
	bm      *BlockManager
	spm     *sortition.ParamsManager
	dp      *dpos.Dpos
	key     *secp256k1.PrivateKey
	vrfKey  *sign.VrfKey
	genesis *types.DagBlock
}

func newEnv(t *testing.T) *testEnv {
	logger := hclog.NewNullLogger()
	db, err := storage.NewDB(storage.NewMemory(), logger)
	require.NoError(t, err)
	key, err := sign.GenerateKey()
	require.NoError(t, err)
	vrfKey := sign.GenVrfKey()
	vrfPub, err := vrfKey.PublicBytes()
	require.NoError(t, err)

	rp, err := replay.NewService(10, db, logger)
	require.NoError(t, err)
	pool := txpool.New(100, rp, db, logger)
	spm, err := sortition.NewParamsManager(config.DefaultSortition(), db, logger)
	require.NoError(t, err)
	dp := dpos.New([]config.Validator{{Address: types.Address(sign.Address(key)), Stake: 10, VrfKey: vrfPub}})
	genesis := types.GenesisDagBlock(0)
	dm, err := NewDagManager(genesis, types.ZeroHash, 0, 16, db, logger)
	require.NoError(t, err)
	bm, err := NewBlockManager(2, 100, 100, dm, pool, spm, dp, db, logger)
	require.NoError(t, err)
	return &testEnv{db: db, pool: pool, dm: dm, bm: bm, spm: spm, dp: dp, key: key, vrfKey: vrfKey, genesis: genesis}
}

func (e *testEnv) tx(t *testing.T, nonce uint64) *types.Transaction {
	tx := &types.Transaction{Nonce: nonce, Gas: 1}
	tx.Sign(e.key)
	return tx
}

// block builds a signed block with a valid vdf sortition.
func (e *testEnv) block(t *testing.T, key *secp256k1.PrivateKey, pivot types.Hash, tips []types.Hash, level uint64, txs []*types.Transaction) *types.DagBlock {
	period, ok := e.bm.GetProposalPeriod(level)
	require.True(t, ok)
	params, err := e.spm.GetSortitionParams(period)
	require.NoError(t, err)
	vdf, err := sortition.NewVdfSortition(params, e.vrfKey, level, period, pivot)
	require.NoError(t, err)
	blk := &types.DagBlock{Pivot: pivot, Level: level, Tips: tips, Transactions: types.TxHashes(txs), Vdf: vdf}
	blk.Sign(key)
	return blk
}

// plain builds a signed block without a sortition proof.
func (e *testEnv) plain(pivot types.Hash, tips []types.Hash, level uint64, ts int64) *types.DagBlock {
	blk := &types.DagBlock{Pivot: pivot, Level: level, Tips: tips, Timestamp: ts}
	blk.Sign(e.key)
	return blk
}

func TestPivotAndTipsValid(t *testing.T) {
	e := newEnv(t)
	g := e.genesis.Hash()
	a := e.plain(g, nil, 1, 1)
	_, err := e.dm.AddDagBlock(a, nil, false)
	require.NoError(t, err)

	wrongLevel := e.plain(a.Hash(), []types.Hash{g}, 3, 2)
	_, err = e.bm.InsertBroadcastedBlock(wrongLevel, nil)
	require.ErrorIs(t, err, ErrInvalidLevel)
	require.True(t, e.bm.IsInvalid(wrongLevel.Hash()))

	child := e.plain(wrongLevel.Hash(), nil, 4, 3)
	_, err = e.bm.InsertBroadcastedBlock(child, nil)
	require.ErrorIs(t, err, ErrInvalid)

	unknown := types.Keccak([]byte("unknown"))
	orphan := e.plain(a.Hash(), []types.Hash{unknown}, 2, 4)
	_, err = e.bm.InsertBroadcastedBlock(orphan, nil)
	var missing *MissingParentsError
	require.True(t, errors.As(err, &missing))
	require.Equal(t, []types.Hash{unknown}, missing.Hashes)
	require.False(t, e.bm.IsInvalid(orphan.Hash()))
	require.Equal(t, []types.Hash{unknown}, e.bm.TakeMissing())

	good := e.plain(a.Hash(), []types.Hash{g}, 2, 5)
	queued, err := e.bm.InsertBroadcastedBlock(good, nil)
	require.NoError(t, err)
	require.True(t, queued)
	queued, err = e.bm.InsertBroadcastedBlock(good, nil)
	require.NoError(t, err)
	require.False(t, queued, "second insert is a no-op")
}

func TestVerifierPipeline(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.bm.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	g := e.genesis.Hash()
	tx := e.tx(t, 1)
	good := e.block(t, e.key, g, nil, 1, []*types.Transaction{tx})
	_, err := e.bm.InsertBroadcastedBlock(good, []*types.Transaction{tx})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.dm.IsKnown(good.Hash()) }, 5*time.Second, 10*time.Millisecond)
	stored, err := e.db.GetTransaction(tx.Hash())
	require.NoError(t, err)
	require.Equal(t, tx.Hash(), stored.Hash())

	// signed by a node with no stake and no vrf key
	outsider, err := sign.GenerateKey()
	require.NoError(t, err)
	bad := e.block(t, outsider, g, nil, 1, nil)
	_, err = e.bm.InsertBroadcastedBlock(bad, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.bm.IsInvalid(bad.Hash()) }, 5*time.Second, 10*time.Millisecond)
	require.False(t, e.dm.IsKnown(bad.Hash()))
}

func TestDagOrderAndFinalization(t *testing.T) {
	e := newEnv(t)
	g := e.genesis.Hash()
	a := e.plain(g, nil, 1, 1)
	b := e.plain(g, nil, 1, 2)
	c := e.plain(a.Hash(), []types.Hash{b.Hash()}, 2, 3)
	d := e.plain(c.Hash(), nil, 3, 4)
	for _, blk := range []*types.DagBlock{a, b, c, d} {
		missing, err := e.dm.AddDagBlock(blk, nil, false)
		require.NoError(t, err)
		require.Empty(t, missing)
	}
	_, err := e.dm.AddDagBlock(e.plain(d.Hash(), nil, 9, 5), nil, false)
	require.ErrorIs(t, err, ErrInvalidLevel)

	require.Equal(t, []types.Hash{g, a.Hash(), c.Hash(), d.Hash()}, e.dm.GhostPath())
	f, err := e.dm.Frontier()
	require.NoError(t, err)
	require.Equal(t, d.Hash(), f.Pivot)
	require.Empty(t, f.Tips)
	require.Equal(t, uint64(4), f.Level)

	order, err := e.dm.GetDagBlockOrder(c.Hash(), 1)
	require.NoError(t, err)
	first, second := a.Hash(), b.Hash()
	if second.Less(first) {
		first, second = second, first
	}
	require.Equal(t, []types.Hash{first, second, c.Hash()}, order)

	_, err = e.dm.GetDagBlockOrder(c.Hash(), 2)
	require.ErrorIs(t, err, ErrPeriodMismatch)

	require.NoError(t, e.dm.SetDagBlockOrder(c.Hash(), 1, order))
	anchor, period := e.dm.Anchor()
	require.Equal(t, c.Hash(), anchor)
	require.Equal(t, uint64(1), period)
	require.Equal(t, 1, e.dm.NonFinalizedCount())

	candidate, err := e.dm.AnchorCandidate(100)
	require.NoError(t, err)
	require.Equal(t, d.Hash(), candidate)

	// empty period only advances the period
	require.NoError(t, e.dm.SetDagBlockOrder(types.ZeroHash, 2, nil))
	_, period = e.dm.Anchor()
	require.Equal(t, uint64(2), period)
}

func TestProposalPeriodLevels(t *testing.T) {
	e := newEnv(t)
	p, ok := e.bm.GetProposalPeriod(100)
	require.True(t, ok)
	require.Equal(t, uint64(0), p)
	_, ok = e.bm.GetProposalPeriod(101)
	require.False(t, ok)

	// a range whose batch never commits stays invisible and can be retried
	_, _, err := e.bm.AddProposalPeriodLevels(e.db.NewBatch(), 3, 20)
	require.NoError(t, err)
	_, ok = e.bm.GetProposalPeriod(110)
	require.False(t, ok)

	batch := e.db.NewBatch()
	levels, apply, err := e.bm.AddProposalPeriodLevels(batch, 3, 20)
	require.NoError(t, err)
	require.NoError(t, batch.Commit())
	apply()
	apply()
	require.Equal(t, ProposalPeriodLevels{Period: 3, Start: 101, End: 120, MaxLevelsPerPeriod: 100}, levels)
	p, ok = e.bm.GetProposalPeriod(110)
	require.True(t, ok)
	require.Equal(t, uint64(3), p)

	_, _, err = e.bm.AddProposalPeriodLevels(e.db.NewBatch(), 2, 30)
	require.Error(t, err)

	restarted, err := NewBlockManager(1, 10, 100, e.dm, e.pool, e.spm, e.dp, e.db, hclog.NewNullLogger())
	require.NoError(t, err)
	p, ok = restarted.GetProposalPeriod(120)
	require.True(t, ok)
	require.Equal(t, uint64(3), p)
}

func TestLevelQueueOrder(t *testing.T) {
	q := newLevelQueue()
	for _, level := range []uint64{3, 1, 2} {
		q.push(&types.DagBlock{Level: level})
	}
	ctx := context.Background()
	for _, want := range []uint64{1, 2} {
		blk, err := q.pop(ctx, true, 3)
		require.NoError(t, err)
		require.Equal(t, want, blk.Level)
	}
	timeout, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := q.pop(timeout, true, 3)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	blk, err := q.pop(ctx, false, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(3), blk.Level)
	q.close()
	_, err = q.pop(ctx, false, 0)
	require.ErrorIs(t, err, ErrQueueClosed)
}

func TestProposer(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.pool.Insert(e.tx(t, 1)))
	p := NewProposer(e.key, e.vrfKey, 10, time.Second, e.dm, e.bm, e.pool, e.spm, e.dp,
		clock.NewManual(time.Unix(100, 0)), hclog.NewNullLogger())

	var blk *types.DagBlock
	for i := 0; i <= maxStaleTries && blk == nil; i++ {
		var err error
		blk, err = p.ProposeOnce()
		require.NoError(t, err)
	}
	require.NotNil(t, blk)
	require.Equal(t, uint64(1), blk.Level)
	require.Equal(t, e.genesis.Hash(), blk.Pivot)
	require.True(t, e.dm.IsKnown(blk.Hash()))

	// pool drained
	again, err := p.ProposeOnce()
	require.NoError(t, err)
	require.Nil(t, again)
}
