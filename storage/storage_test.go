package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/dagpbft/types"
)

func backends(t *testing.T) map[string]KV {
	lvl, err := OpenLevelDBInMemory()
	require.NoError(t, err)
	return map[string]KV{
		"memory":  NewMemory(),
		"leveldb": lvl,
	}
}

func TestKVBackends(t *testing.T) {
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer kv.Close()
			require.NoError(t, kv.Put([]byte("a1"), []byte("x")))
			require.NoError(t, kv.Put([]byte("a2"), []byte("y")))
			require.NoError(t, kv.Put([]byte("b1"), []byte("z")))

			v, err := kv.Get([]byte("a1"))
			require.NoError(t, err)
			require.Equal(t, []byte("x"), v)

			_, err = kv.Get([]byte("nope"))
			require.ErrorIs(t, err, ErrNotFound)

			batch := kv.NewBatch()
			batch.Put([]byte("a3"), []byte("w"))
			batch.Delete([]byte("a1"))
			require.Equal(t, 2, batch.Len())
			has, err := kv.Has([]byte("a3"))
			require.NoError(t, err)
			require.False(t, has)
			require.NoError(t, batch.Commit())

			var keys []string
			require.NoError(t, kv.Iterate([]byte("a"), func(k, _ []byte) bool {
				keys = append(keys, string(k))
				return true
			}))
			require.Equal(t, []string{"a2", "a3"}, keys)
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("rocks", "")
	require.ErrorIs(t, err, ErrUnknownBackend)
}

func newTestDB(t *testing.T) *DB {
	db, err := NewDB(NewMemory(), nil)
	require.NoError(t, err)
	return db
}

func TestPeriodDataIndexes(t *testing.T) {
	db := newTestDB(t)
	dagBlk := &types.DagBlock{Level: 1, Timestamp: 5}
	tx := &types.Transaction{Nonce: 3}
	sb := &types.SyncBlock{
		PbftBlock:    &types.PbftBlock{Period: 4, DagBlockAnchor: dagBlk.Hash()},
		DagBlocks:    []*types.DagBlock{dagBlk},
		Transactions: []*types.Transaction{tx},
	}
	batch := db.NewBatch()
	require.NoError(t, db.SavePeriodData(batch, sb))
	require.NoError(t, batch.Commit())

	got, err := db.GetPeriodData(4)
	require.NoError(t, err)
	require.Equal(t, sb.PbftBlock.BlockHash(), got.PbftBlock.BlockHash())

	period, ok, err := db.GetPeriodByPbftHash(sb.PbftBlock.BlockHash())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(4), period)

	period, ok, err = db.GetDagBlockPeriod(dagBlk.Hash())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(4), period)

	period, ok, err = db.GetTransactionPeriod(tx.Hash())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(4), period)

	_, err = db.GetPeriodData(5)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDagBlocksAtLevel(t *testing.T) {
	db := newTestDB(t)
	batch := db.NewBatch()
	a := &types.DagBlock{Level: 2, Timestamp: 1}
	b := &types.DagBlock{Level: 2, Timestamp: 2}
	c := &types.DagBlock{Level: 3, Timestamp: 3}
	for _, blk := range []*types.DagBlock{a, b, c} {
		require.NoError(t, db.SaveDagBlock(batch, blk))
	}
	require.NoError(t, batch.Commit())

	blocks, err := db.GetDagBlocksAtLevel(2)
	require.NoError(t, err)
	require.Len(t, blocks, 2)

	count := 0
	require.NoError(t, db.ForEachDagBlock(func(*types.DagBlock) bool {
		count++
		return true
	}))
	require.Equal(t, 3, count)
}

func TestSortitionChangesLookup(t *testing.T) {
	db := newTestDB(t)
	batch := db.NewBatch()
	for _, p := range []uint64{0, 10, 20, 30} {
		require.NoError(t, db.SaveSortitionParamsChange(batch, types.SortitionParamsChange{Period: p, ThresholdUpper: uint16(1000 + p)}))
	}
	require.NoError(t, batch.Commit())

	last, err := db.GetLastSortitionParams(2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	require.Equal(t, uint64(20), last[0].Period)
	require.Equal(t, uint64(30), last[1].Period)

	c, err := db.GetParamsChangeForPeriod(25)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, uint64(20), c.Period)
}

func TestGenesisCheck(t *testing.T) {
	db := newTestDB(t)
	g := types.Keccak([]byte("genesis"))
	require.NoError(t, db.CheckGenesis(g))
	require.NoError(t, db.CheckGenesis(g))
	require.ErrorIs(t, db.CheckGenesis(types.Keccak([]byte("other"))), ErrGenesisMismatch)
}

func TestCheckpointSurvivesLostShards(t *testing.T) {
	db := newTestDB(t)
	cp := &Checkpointer{Dir: t.TempDir(), DataShards: 4, ParityShards: 2}

	require.NoError(t, db.PutNow(ColStatus, []byte("k1"), []byte("v1")))
	require.NoError(t, db.CreateCheckpoint(cp, 10))

	require.NoError(t, db.PutNow(ColStatus, []byte("k2"), []byte("v2")))
	require.NoError(t, db.CreateCheckpoint(cp, 20))

	// lose two shards of the first checkpoint
	require.NoError(t, os.Remove(filepath.Join(cp.Dir, "10", "shard-00")))
	require.NoError(t, os.Remove(filepath.Join(cp.Dir, "10", "shard-03")))

	restored, err := db.RevertToPeriod(cp, 15)
	require.NoError(t, err)
	require.Equal(t, uint64(10), restored)

	v, err := db.Get(ColStatus, []byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
	_, err = db.Get(ColStatus, []byte("k2"))
	require.ErrorIs(t, err, ErrNotFound)

	_, err = db.RevertToPeriod(cp, 5)
	require.ErrorIs(t, err, ErrNoCheckpoint)
}
