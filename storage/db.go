package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/dagpbft/types"
)

// Column is the one byte prefix of a logical column family.
type Column byte

const (
	ColDefault Column = iota
	ColPeriodData
	ColDagBlocks
	ColDagLevels
	ColDagBlockPeriod
	ColTransactions
	ColTxPeriod
	ColSortitionChanges
	ColProposedBlocks
	ColOwnVotes
	ColNextVotes
	ColSoftVotedBlock
	ColStatus
	ColPbftHead
	ColPbftBlockPeriod
	ColSnapshots
	ColReplay
	ColProposalPeriodLevels
	ColPbftMgr
)

// Status counters kept in ColStatus.
const (
	StatusExecutedBlkCount = "executed_blk_count"
	StatusExecutedTrxCount = "executed_trx_count"
	StatusDagBlkCount      = "dag_blk_count"
)

var genesisKey = []byte("genesis")

var ErrGenesisMismatch = errors.New("stored genesis does not match configured genesis")

// DB is the typed façade over a KV backend. All in-memory structures of the
// node are indexes over what DB holds.
type DB struct {
	kv     KV
	comp   *compressor
	logger hclog.Logger
}

// NewDB wraps kv.
func NewDB(kv KV, logger hclog.Logger) (*DB, error) {
	comp, err := newCompressor()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &DB{kv: kv, comp: comp, logger: logger.Named("db")}, nil
}

func (d *DB) KV() KV { return d.kv }

func (d *DB) Close() error { return d.kv.Close() }

func (d *DB) NewBatch() Batch { return d.kv.NewBatch() }

// Key builds a column key from its parts.
func Key(col Column, parts ...[]byte) []byte {
	size := 1
	for _, p := range parts {
		size += len(p)
	}
	k := make([]byte, 0, size)
	k = append(k, byte(col))
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

func (d *DB) Get(col Column, key []byte) ([]byte, error) {
	return d.kv.Get(Key(col, key))
}

func (d *DB) Has(col Column, key []byte) (bool, error) {
	return d.kv.Has(Key(col, key))
}

func (d *DB) Put(b Batch, col Column, key, value []byte) {
	b.Put(Key(col, key), value)
}

func (d *DB) PutNow(col Column, key, value []byte) error {
	return d.kv.Put(Key(col, key), value)
}

func (d *DB) Delete(b Batch, col Column, key []byte) {
	b.Delete(Key(col, key))
}

func (d *DB) DeleteNow(col Column, key []byte) error {
	return d.kv.Delete(Key(col, key))
}

// Iterate walks a column; fn receives keys without the column byte.
func (d *DB) Iterate(col Column, prefix []byte, fn func(key, value []byte) bool) error {
	return d.kv.Iterate(Key(col, prefix), func(k, v []byte) bool {
		return fn(k[1:], v)
	})
}

// GetValue decodes a msgpack value. It reports false when the key is absent.
func (d *DB) GetValue(col Column, key []byte, out interface{}) (bool, error) {
	raw, err := d.Get(col, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := types.Decode(raw, out); err != nil {
		return false, fmt.Errorf("decode column %d: %w", col, err)
	}
	return true, nil
}

// PutValue encodes v with msgpack into the batch.
func (d *DB) PutValue(b Batch, col Column, key []byte, v interface{}) error {
	raw, err := types.Encode(v)
	if err != nil {
		return err
	}
	d.Put(b, col, key, raw)
	return nil
}

func (d *DB) getUint64(col Column, key []byte) (uint64, bool, error) {
	raw, err := d.Get(col, key)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(raw) != 8 {
		return 0, false, fmt.Errorf("column %d: bad uint64 value", col)
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

// GenesisHash returns the genesis hash the store was created with.
func (d *DB) GenesisHash() (types.Hash, bool, error) {
	raw, err := d.Get(ColDefault, genesisKey)
	if errors.Is(err, ErrNotFound) {
		return types.ZeroHash, false, nil
	}
	if err != nil {
		return types.ZeroHash, false, err
	}
	return types.BytesToHash(raw), true, nil
}

// CheckGenesis records genesis on a fresh store or verifies it on an existing one.
func (d *DB) CheckGenesis(genesis types.Hash) error {
	stored, ok, err := d.GenesisHash()
	if err != nil {
		return err
	}
	if !ok {
		return d.PutNow(ColDefault, genesisKey, genesis.Bytes())
	}
	if stored != genesis {
		return fmt.Errorf("%w: stored %s, configured %s", ErrGenesisMismatch, stored.Abridged(), genesis.Abridged())
	}
	return nil
}

// SavePeriodData stores the compressed period data and the indexes derived from it.
func (d *DB) SavePeriodData(b Batch, sb *types.SyncBlock) error {
	raw, err := types.Encode(sb)
	if err != nil {
		return err
	}
	period := sb.PbftBlock.Period
	periodKey := types.Uint64Bytes(period)
	d.Put(b, ColPeriodData, periodKey, d.comp.compress(raw))
	d.Put(b, ColPbftBlockPeriod, sb.PbftBlock.BlockHash().Bytes(), periodKey)
	for _, blk := range sb.DagBlocks {
		d.Put(b, ColDagBlockPeriod, blk.Hash().Bytes(), periodKey)
	}
	for _, tx := range sb.Transactions {
		d.Put(b, ColTxPeriod, tx.Hash().Bytes(), periodKey)
	}
	return nil
}

// GetPeriodData returns ErrNotFound when the period was never finalized here.
func (d *DB) GetPeriodData(period uint64) (*types.SyncBlock, error) {
	compressed, err := d.Get(ColPeriodData, types.Uint64Bytes(period))
	if err != nil {
		return nil, err
	}
	raw, err := d.comp.decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress period %d: %w", period, err)
	}
	var sb types.SyncBlock
	if err := types.Decode(raw, &sb); err != nil {
		return nil, fmt.Errorf("decode period %d: %w", period, err)
	}
	return &sb, nil
}

func (d *DB) HasPeriodData(period uint64) (bool, error) {
	return d.Has(ColPeriodData, types.Uint64Bytes(period))
}

// GetPeriodByPbftHash finds the period a PBFT block was finalized in.
func (d *DB) GetPeriodByPbftHash(hash types.Hash) (uint64, bool, error) {
	return d.getUint64(ColPbftBlockPeriod, hash.Bytes())
}

func (d *DB) GetPbftBlock(hash types.Hash) (*types.PbftBlock, error) {
	period, ok, err := d.GetPeriodByPbftHash(hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	sb, err := d.GetPeriodData(period)
	if err != nil {
		return nil, err
	}
	return sb.PbftBlock, nil
}

// SaveDagBlock stores the block and its level index entry.
func (d *DB) SaveDagBlock(b Batch, blk *types.DagBlock) error {
	hash := blk.Hash()
	if err := d.PutValue(b, ColDagBlocks, hash.Bytes(), blk); err != nil {
		return err
	}
	d.Put(b, ColDagLevels, append(types.Uint64Bytes(blk.Level), hash.Bytes()...), nil)
	return nil
}

func (d *DB) GetDagBlock(hash types.Hash) (*types.DagBlock, error) {
	var blk types.DagBlock
	ok, err := d.GetValue(ColDagBlocks, hash.Bytes(), &blk)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return &blk, nil
}

func (d *DB) HasDagBlock(hash types.Hash) (bool, error) {
	return d.Has(ColDagBlocks, hash.Bytes())
}

func (d *DB) GetDagBlocksAtLevel(level uint64) ([]*types.DagBlock, error) {
	var hashes []types.Hash
	err := d.Iterate(ColDagLevels, types.Uint64Bytes(level), func(k, _ []byte) bool {
		hashes = append(hashes, types.BytesToHash(k[8:]))
		return true
	})
	if err != nil {
		return nil, err
	}
	blocks := make([]*types.DagBlock, 0, len(hashes))
	for _, h := range hashes {
		blk, err := d.GetDagBlock(h)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, blk)
	}
	return blocks, nil
}

func (d *DB) GetDagBlockPeriod(hash types.Hash) (uint64, bool, error) {
	return d.getUint64(ColDagBlockPeriod, hash.Bytes())
}

// ForEachDagBlock walks every stored DAG block.
func (d *DB) ForEachDagBlock(fn func(*types.DagBlock) bool) error {
	var decodeErr error
	err := d.Iterate(ColDagBlocks, nil, func(_, v []byte) bool {
		var blk types.DagBlock
		if decodeErr = types.Decode(v, &blk); decodeErr != nil {
			return false
		}
		return fn(&blk)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

func (d *DB) SaveTransaction(b Batch, tx *types.Transaction) error {
	return d.PutValue(b, ColTransactions, tx.Hash().Bytes(), tx)
}

func (d *DB) GetTransaction(hash types.Hash) (*types.Transaction, error) {
	var tx types.Transaction
	ok, err := d.GetValue(ColTransactions, hash.Bytes(), &tx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return &tx, nil
}

func (d *DB) GetTransactionPeriod(hash types.Hash) (uint64, bool, error) {
	return d.getUint64(ColTxPeriod, hash.Bytes())
}

func (d *DB) GetStatus(field string) (uint64, error) {
	v, _, err := d.getUint64(ColStatus, []byte(field))
	return v, err
}

func (d *DB) SaveStatus(b Batch, field string, value uint64) {
	d.Put(b, ColStatus, []byte(field), types.Uint64Bytes(value))
}

// SaveSortitionParamsChange keys the change by its period.
func (d *DB) SaveSortitionParamsChange(b Batch, change types.SortitionParamsChange) error {
	return d.PutValue(b, ColSortitionChanges, types.Uint64Bytes(change.Period), change)
}

// GetLastSortitionParams returns up to limit most recent changes, oldest first.
func (d *DB) GetLastSortitionParams(limit int) ([]types.SortitionParamsChange, error) {
	var all []types.SortitionParamsChange
	var decodeErr error
	err := d.Iterate(ColSortitionChanges, nil, func(_, v []byte) bool {
		var c types.SortitionParamsChange
		if decodeErr = types.Decode(v, &c); decodeErr != nil {
			return false
		}
		all = append(all, c)
		if len(all) > limit {
			all = all[1:]
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return all, decodeErr
}

// GetParamsChangeForPeriod returns the latest change at or before period, or nil.
func (d *DB) GetParamsChangeForPeriod(period uint64) (*types.SortitionParamsChange, error) {
	var found *types.SortitionParamsChange
	var decodeErr error
	err := d.Iterate(ColSortitionChanges, nil, func(k, v []byte) bool {
		if binary.BigEndian.Uint64(k) > period {
			return false
		}
		var c types.SortitionParamsChange
		if decodeErr = types.Decode(v, &c); decodeErr != nil {
			return false
		}
		found = &c
		return true
	})
	if err != nil {
		return nil, err
	}
	return found, decodeErr
}
