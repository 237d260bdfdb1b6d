/*
Package snapshot keeps the StateSnapshot registry: the append-only binding of
every finalized block to the state root it produced.
*/
package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/dagpbft/storage"
	"github.com/gitzhang10/dagpbft/types"
)

var (
	ErrDuplicateCommit  = errors.New("block already committed to a snapshot")
	ErrOutOfOrder       = errors.New("snapshot appended out of order")
	ErrGenesisMismatch  = errors.New("stored genesis snapshot does not match recomputed genesis")
	ErrEmptyAppend      = errors.New("nothing to append")
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

var currentKey = []byte("current")

func numKey(num uint64) []byte {
	return append([]byte("num_"), types.Uint64Bytes(num)...)
}

func hashKey(hash types.Hash) []byte {
	return append([]byte("hash_"), hash[:]...)
}

// BlockRoot pairs a block with the state root after executing it.
type BlockRoot struct {
	BlockHash types.Hash
	StateRoot types.Hash
}

// Registry is single writer, many readers. current always reflects the last
// successfully appended snapshot and is only written by append.
type Registry struct {
	appendLock sync.Mutex
	db         *storage.DB
	current    atomic.Pointer[types.StateSnapshot]
	logger     hclog.Logger
}

// NewRegistry commits genesis on an empty store, otherwise checks the stored
// genesis snapshot against a freshly recomputed genesis root.
func NewRegistry(db *storage.DB, genesisHash types.Hash, transition StateTransition, logger hclog.Logger) (*Registry, error) {
	r := &Registry{db: db, logger: logger.Named("snapshot")}
	genesisRoot, err := transition.GenesisRoot()
	if err != nil {
		return nil, err
	}
	var currentNum uint64
	ok, err := db.GetValue(storage.ColSnapshots, currentKey, &currentNum)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := r.append([]BlockRoot{{BlockHash: genesisHash, StateRoot: genesisRoot}}, true); err != nil {
			return nil, err
		}
		return r, nil
	}

	genesis, found, err := r.getFromDB(0)
	if err != nil {
		return nil, err
	}
	if !found || genesis.StateRoot != genesisRoot || genesis.BlockHash != genesisHash {
		return nil, ErrGenesisMismatch
	}
	current, found, err := r.getFromDB(currentNum)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: current %d", ErrSnapshotNotFound, currentNum)
	}
	r.current.Store(current)
	return r, nil
}

// Current returns the last appended snapshot.
func (r *Registry) Current() types.StateSnapshot {
	return *r.current.Load()
}

// Append assigns consecutive block numbers after the current snapshot.
func (r *Registry) Append(roots []BlockRoot) error {
	r.appendLock.Lock()
	defer r.appendLock.Unlock()
	return r.append(roots, false)
}

// AppendAt appends the snapshot for period, which must follow the current one.
func (r *Registry) AppendAt(period uint64, root BlockRoot) error {
	r.appendLock.Lock()
	defer r.appendLock.Unlock()
	if dup, err := r.db.Has(storage.ColSnapshots, hashKey(root.BlockHash)); err != nil {
		return err
	} else if dup {
		return fmt.Errorf("%w: %s", ErrDuplicateCommit, root.BlockHash.Abridged())
	}
	if cur := r.Current(); cur.BlockNumber+1 != period {
		return fmt.Errorf("%w: current %d, got %d", ErrOutOfOrder, cur.BlockNumber, period)
	}
	return r.append([]BlockRoot{root}, false)
}

// append runs with appendLock held or before r is shared.
func (r *Registry) append(roots []BlockRoot, init bool) error {
	if len(roots) == 0 {
		return ErrEmptyAppend
	}

	var num uint64
	if !init {
		num = r.Current().BlockNumber + 1
	}
	batch := r.db.NewBatch()
	seen := make(map[types.Hash]struct{}, len(roots))
	var last types.StateSnapshot
	for _, root := range roots {
		if _, ok := seen[root.BlockHash]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateCommit, root.BlockHash.Abridged())
		}
		seen[root.BlockHash] = struct{}{}
		dup, err := r.db.Has(storage.ColSnapshots, hashKey(root.BlockHash))
		if err != nil {
			return err
		}
		if dup {
			return fmt.Errorf("%w: %s", ErrDuplicateCommit, root.BlockHash.Abridged())
		}
		last = types.StateSnapshot{BlockNumber: num, BlockHash: root.BlockHash, StateRoot: root.StateRoot}
		if err := r.db.PutValue(batch, storage.ColSnapshots, numKey(num), last); err != nil {
			return err
		}
		r.db.Put(batch, storage.ColSnapshots, hashKey(root.BlockHash), types.Uint64Bytes(num))
		num++
	}
	if err := r.db.PutValue(batch, storage.ColSnapshots, currentKey, last.BlockNumber); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return err
	}
	r.current.Store(&last)
	r.logger.Debug("snapshot appended", "number", last.BlockNumber, "block", last.BlockHash.Abridged(), "root", last.StateRoot.Abridged())
	return nil
}

// GetSnapshot returns the snapshot for a block number.
func (r *Registry) GetSnapshot(num uint64) (*types.StateSnapshot, bool, error) {
	if cur := r.current.Load(); cur != nil && cur.BlockNumber == num {
		s := *cur
		return &s, true, nil
	}
	return r.getFromDB(num)
}

// GetSnapshotByHash returns the snapshot a block hash was committed in.
func (r *Registry) GetSnapshotByHash(hash types.Hash) (*types.StateSnapshot, bool, error) {
	if cur := r.current.Load(); cur != nil && cur.BlockHash == hash {
		s := *cur
		return &s, true, nil
	}
	raw, err := r.db.Get(storage.ColSnapshots, hashKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return r.getFromDB(binary.BigEndian.Uint64(raw))
}

func (r *Registry) getFromDB(num uint64) (*types.StateSnapshot, bool, error) {
	var s types.StateSnapshot
	ok, err := r.db.GetValue(storage.ColSnapshots, numKey(num), &s)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &s, true, nil
}
