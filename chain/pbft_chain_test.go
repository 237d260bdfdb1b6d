package chain

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/dagpbft/storage"
	"github.com/gitzhang10/dagpbft/types"
)

func TestPbftChainMonotonic(t *testing.T) {
	db, err := storage.NewDB(storage.NewMemory(), hclog.NewNullLogger())
	require.NoError(t, err)
	c, err := NewPbftChain(db, hclog.NewNullLogger())
	require.NoError(t, err)

	prev := types.ZeroHash
	for period := uint64(1); period <= 5; period++ {
		blk := &types.PbftBlock{PrevBlockHash: prev, Period: period}
		if period%2 == 1 {
			blk.DagBlockAnchor = types.Keccak(types.Uint64Bytes(period))
		}
		batch := db.NewBatch()
		require.NoError(t, c.UpdatePbftChain(batch, blk))
		require.NoError(t, batch.Commit())
		prev = blk.BlockHash()
	}
	require.Equal(t, uint64(5), c.GetPbftChainSize())
	require.Equal(t, uint64(3), c.GetPbftChainSizeExcludingEmptyPbftBlocks())
	require.Equal(t, prev, c.GetLastPbftBlockHash())
	anchor, period := c.GetLastNonNullPbftBlockAnchor()
	require.Equal(t, types.Keccak(types.Uint64Bytes(5)), anchor)
	require.Equal(t, uint64(5), period)

	fork := &types.PbftBlock{PrevBlockHash: types.Keccak([]byte("fork")), Period: 6}
	require.ErrorIs(t, c.CheckPbftBlockValidation(fork), ErrPrevHashMismatch)
	require.ErrorIs(t, c.UpdatePbftChain(db.NewBatch(), fork), ErrPrevHashMismatch)

	skip := &types.PbftBlock{PrevBlockHash: prev, Period: 8}
	require.ErrorIs(t, c.CheckPbftBlockValidation(skip), ErrPeriodGap)
	require.Equal(t, uint64(5), c.GetPbftChainSize())

	reloaded, err := NewPbftChain(db, hclog.NewNullLogger())
	require.NoError(t, err)
	require.Equal(t, c.Head(), reloaded.Head())
}

func TestUncommittedBatchIsNotPersisted(t *testing.T) {
	db, err := storage.NewDB(storage.NewMemory(), hclog.NewNullLogger())
	require.NoError(t, err)
	c, err := NewPbftChain(db, hclog.NewNullLogger())
	require.NoError(t, err)
	require.NoError(t, c.UpdatePbftChain(db.NewBatch(), &types.PbftBlock{Period: 1}))
	require.Equal(t, uint64(1), c.GetPbftChainSize())

	require.NoError(t, c.Reset())
	require.Zero(t, c.GetPbftChainSize())
}
