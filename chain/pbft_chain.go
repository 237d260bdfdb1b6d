// Package chain keeps the head of the finalized PBFT chain.
package chain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/dagpbft/storage"
	"github.com/gitzhang10/dagpbft/types"
)

var (
	ErrPrevHashMismatch = errors.New("prev block hash does not match chain head")
	ErrPeriodGap        = errors.New("pbft block period is not head + 1")
)

var headKey = []byte("head")

// Head is the persisted chain head.
type Head struct {
	Size              uint64
	NonEmptySize      uint64
	LastBlockHash     types.Hash
	LastNonNullAnchor types.Hash
	LastNonNullPeriod uint64
}

// PbftChain is append only. All access goes through one RWMutex.
type PbftChain struct {
	lock   sync.RWMutex
	head   Head
	db     *storage.DB
	logger hclog.Logger
}

func NewPbftChain(db *storage.DB, logger hclog.Logger) (*PbftChain, error) {
	c := &PbftChain{db: db, logger: logger.Named("pbft_chain")}
	if _, err := db.GetValue(storage.ColPbftHead, headKey, &c.head); err != nil {
		return nil, err
	}
	c.logger.Debug("pbft chain loaded", "size", c.head.Size, "last", c.head.LastBlockHash.Abridged())
	return c, nil
}

func (c *PbftChain) Head() Head {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.head
}

func (c *PbftChain) GetPbftChainSize() uint64 {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.head.Size
}

func (c *PbftChain) GetPbftChainSizeExcludingEmptyPbftBlocks() uint64 {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.head.NonEmptySize
}

func (c *PbftChain) GetLastPbftBlockHash() types.Hash {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.head.LastBlockHash
}

// GetLastNonNullPbftBlockAnchor returns the newest non-null anchor and the
// period it was finalized in.
func (c *PbftChain) GetLastNonNullPbftBlockAnchor() (types.Hash, uint64) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.head.LastNonNullAnchor, c.head.LastNonNullPeriod
}

// CheckPbftBlockValidation checks blk extends the head.
func (c *PbftChain) CheckPbftBlockValidation(blk *types.PbftBlock) error {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.check(blk)
}

func (c *PbftChain) check(blk *types.PbftBlock) error {
	if blk.PrevBlockHash != c.head.LastBlockHash {
		return fmt.Errorf("%w: block %s has prev %s, head %s", ErrPrevHashMismatch,
			blk.BlockHash().Abridged(), blk.PrevBlockHash.Abridged(), c.head.LastBlockHash.Abridged())
	}
	if blk.Period != c.head.Size+1 {
		return fmt.Errorf("%w: block period %d, size %d", ErrPeriodGap, blk.Period, c.head.Size)
	}
	return nil
}

// UpdatePbftChain appends blk. The new head is written to batch; the caller
// commits it together with the period data.
func (c *PbftChain) UpdatePbftChain(batch storage.Batch, blk *types.PbftBlock) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.check(blk); err != nil {
		return err
	}
	head := c.head
	head.Size++
	head.LastBlockHash = blk.BlockHash()
	if !blk.DagBlockAnchor.IsZero() {
		head.NonEmptySize++
		head.LastNonNullAnchor = blk.DagBlockAnchor
		head.LastNonNullPeriod = blk.Period
	}
	if err := c.db.PutValue(batch, storage.ColPbftHead, headKey, head); err != nil {
		return err
	}
	c.head = head
	c.logger.Debug("pbft chain updated", "size", head.Size, "hash", head.LastBlockHash.Abridged(),
		"anchor", blk.DagBlockAnchor.Abridged())
	return nil
}

// Reset reloads the head from storage, used after a checkpoint restore.
func (c *PbftChain) Reset() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	var head Head
	if _, err := c.db.GetValue(storage.ColPbftHead, headKey, &head); err != nil {
		return err
	}
	c.head = head
	return nil
}
