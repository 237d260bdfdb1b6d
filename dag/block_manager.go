package dag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/gitzhang10/dagpbft/dpos"
	"github.com/gitzhang10/dagpbft/sortition"
	"github.com/gitzhang10/dagpbft/storage"
	"github.com/gitzhang10/dagpbft/txpool"
	"github.com/gitzhang10/dagpbft/types"
)

const (
	seenCacheSize    = 10000
	seenCacheTTL     = 10 * time.Minute
	invalidCacheSize = 10000
	missingCacheSize = 1000
	requeueDelay     = 200 * time.Millisecond
)

var (
	ErrInvalid      = errors.New("invalid dag block")
	ErrInvalidLevel = fmt.Errorf("%w: level is not one above its highest parent", ErrInvalid)
)

// MissingParentsError lists the parents a block refers to that this node
// does not have yet.
type MissingParentsError struct {
	Block  types.Hash
	Hashes []types.Hash
}

func (e *MissingParentsError) Error() string {
	return fmt.Sprintf("dag block %s is missing %d parents", e.Block.Abridged(), len(e.Hashes))
}

// ProposalPeriodLevels maps a range of DAG levels to the period whose
// sortition parameters and stake govern them.
type ProposalPeriodLevels struct {
	Period             uint64
	Start              uint64
	End                uint64
	MaxLevelsPerPeriod uint64
}

// BlockManager gates incoming DAG blocks. It exclusively owns the
// unverified and verified queues.
type BlockManager struct {
	seenLock sync.Mutex
	seen     *expirable.LRU[types.Hash, *types.DagBlock]
	invalid  *lru.Cache[types.Hash, struct{}]
	missing  *lru.Cache[types.Hash, struct{}]

	unverified *levelQueue
	verified   *levelQueue
	queueLimit int
	workers    int

	levelsLock sync.RWMutex
	levels     []ProposalPeriodLevels // sorted by period and by level

	dag       *DagManager
	pool      *txpool.Pool
	sortition *sortition.ParamsManager
	dpos      *dpos.Dpos
	db        *storage.DB
	logger    hclog.Logger
}

func NewBlockManager(workers, queueLimit int, maxLevelsPerPeriod uint64, dm *DagManager, pool *txpool.Pool,
	spm *sortition.ParamsManager, dp *dpos.Dpos, db *storage.DB, logger hclog.Logger) (*BlockManager, error) {
	invalid, err := lru.New[types.Hash, struct{}](invalidCacheSize)
	if err != nil {
		return nil, err
	}
	missing, err := lru.New[types.Hash, struct{}](missingCacheSize)
	if err != nil {
		return nil, err
	}
	bm := &BlockManager{
		seen:       expirable.NewLRU[types.Hash, *types.DagBlock](seenCacheSize, nil, seenCacheTTL),
		invalid:    invalid,
		missing:    missing,
		unverified: newLevelQueue(),
		verified:   newLevelQueue(),
		queueLimit: queueLimit,
		workers:    workers,
		dag:        dm,
		pool:       pool,
		sortition:  spm,
		dpos:       dp,
		db:         db,
		logger:     logger.Named("dag_blk_mgr"),
	}
	var decodeErr error
	err = db.Iterate(storage.ColProposalPeriodLevels, nil, func(_, v []byte) bool {
		var l ProposalPeriodLevels
		if decodeErr = types.Decode(v, &l); decodeErr != nil {
			return false
		}
		bm.levels = append(bm.levels, l)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	if len(bm.levels) == 0 {
		first := ProposalPeriodLevels{Period: 0, Start: 0, End: maxLevelsPerPeriod, MaxLevelsPerPeriod: maxLevelsPerPeriod}
		batch := db.NewBatch()
		if err := db.PutValue(batch, storage.ColProposalPeriodLevels, types.Uint64Bytes(0), first); err != nil {
			return nil, err
		}
		if err := batch.Commit(); err != nil {
			return nil, err
		}
		bm.levels = append(bm.levels, first)
	}
	return bm, nil
}

// Run starts the verifier workers and the loop that moves verified blocks
// into the DAG. It returns when ctx is cancelled.
func (bm *BlockManager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	bm.logger.Info("starting dag block verifiers", "workers", bm.workers)
	for i := 0; i < bm.workers; i++ {
		g.Go(func() error { return bm.verifyLoop(ctx) })
	}
	g.Go(func() error { return bm.insertLoop(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrQueueClosed) {
		return nil
	}
	return err
}

// Stop wakes every blocked popper.
func (bm *BlockManager) Stop() {
	bm.unverified.close()
	bm.verified.close()
}

func (bm *BlockManager) markSeen(blk *types.DagBlock, hash types.Hash) bool {
	bm.seenLock.Lock()
	defer bm.seenLock.Unlock()
	if bm.seen.Contains(hash) {
		return false
	}
	bm.seen.Add(hash, blk)
	return true
}

// IsKnown reports whether the block is queued, in the DAG or invalid.
func (bm *BlockManager) IsKnown(hash types.Hash) bool {
	return bm.seen.Contains(hash) || bm.invalid.Contains(hash) || bm.dag.IsKnown(hash)
}

func (bm *BlockManager) IsInvalid(hash types.Hash) bool {
	return bm.invalid.Contains(hash)
}

func (bm *BlockManager) markInvalid(hash types.Hash) {
	bm.invalid.Add(hash, struct{}{})
	bm.seen.Remove(hash)
}

func (bm *BlockManager) getBlock(hash types.Hash) (*types.DagBlock, bool) {
	if blk, ok := bm.seen.Peek(hash); ok {
		return blk, true
	}
	blk, err := bm.dag.GetDagBlock(hash)
	return blk, err == nil
}

// PivotAndTipsValid checks that every parent is known and valid and that the
// declared level is one above the highest parent.
func (bm *BlockManager) PivotAndTipsValid(blk *types.DagBlock) error {
	hash := blk.Hash()
	var missing []types.Hash
	var expected uint64
	for _, parent := range blk.Parents() {
		if bm.invalid.Contains(parent) {
			bm.markInvalid(hash)
			return fmt.Errorf("%w: parent %s of %s is invalid", ErrInvalid, parent.Abridged(), hash.Abridged())
		}
		p, ok := bm.getBlock(parent)
		if !ok {
			missing = append(missing, parent)
			continue
		}
		if p.Level+1 > expected {
			expected = p.Level + 1
		}
	}
	if len(missing) > 0 {
		bm.seen.Remove(hash)
		for _, h := range missing {
			bm.missing.Add(h, struct{}{})
		}
		return &MissingParentsError{Block: hash, Hashes: missing}
	}
	if expected != blk.Level {
		bm.markInvalid(hash)
		return fmt.Errorf("%w: %s declared %d, expected %d", ErrInvalidLevel, hash.Abridged(), blk.Level, expected)
	}
	return nil
}

// InsertBroadcastedBlock admits a block received from a peer. It returns
// false without error when the block was already seen.
func (bm *BlockManager) InsertBroadcastedBlock(blk *types.DagBlock, txs []*types.Transaction) (bool, error) {
	hash := blk.Hash()
	if bm.invalid.Contains(hash) {
		return false, fmt.Errorf("%w: %s marked invalid before", ErrInvalid, hash.Abridged())
	}
	if bm.seen.Contains(hash) || bm.dag.IsKnown(hash) {
		return false, nil
	}
	bm.missing.Remove(hash)
	bm.pool.InsertBatch(txs)
	if err := bm.PivotAndTipsValid(blk); err != nil {
		return false, err
	}
	return bm.PushUnverifiedBlock(blk), nil
}

// PushUnverifiedBlock queues blk for verification unless it is known.
func (bm *BlockManager) PushUnverifiedBlock(blk *types.DagBlock) bool {
	hash := blk.Hash()
	if bm.dag.IsKnown(hash) || !bm.markSeen(blk, hash) {
		bm.logger.Trace("skip known dag block", "hash", hash.Abridged())
		return false
	}
	if bm.queueLimit > 0 {
		if u, v := bm.QueueSizes(); u+v > bm.queueLimit {
			bm.logger.Warn("dag block queue large", "unverified", u, "verified", v, "limit", bm.queueLimit)
		}
	}
	bm.unverified.push(blk)
	bm.logger.Debug("insert unverified dag block", "hash", hash.Abridged(), "level", blk.Level)
	return true
}

// PopVerifiedBlock waits for the lowest level verified block, below level
// when limit is set.
func (bm *BlockManager) PopVerifiedBlock(ctx context.Context, limit bool, level uint64) (*types.DagBlock, error) {
	return bm.verified.pop(ctx, limit, level)
}

func (bm *BlockManager) QueueSizes() (unverified, verified int) {
	return bm.unverified.len(), bm.verified.len()
}

// OverQueueLimit tells the sync layer to stop asking peers for blocks.
func (bm *BlockManager) OverQueueLimit() bool {
	if bm.queueLimit <= 0 {
		return false
	}
	u, v := bm.QueueSizes()
	return u+v > bm.queueLimit
}

func (bm *BlockManager) MaxLevelInQueue() uint64 {
	u, v := bm.unverified.maxLevel(), bm.verified.maxLevel()
	if u > v {
		return u
	}
	return v
}

// TakeMissing drains the hashes of parents referenced but not known.
func (bm *BlockManager) TakeMissing() []types.Hash {
	keys := bm.missing.Keys()
	var out []types.Hash
	for _, h := range keys {
		bm.missing.Remove(h)
		if !bm.IsKnown(h) {
			out = append(out, h)
		}
	}
	return out
}

func (bm *BlockManager) verifyLoop(ctx context.Context) error {
	for {
		blk, err := bm.unverified.pop(ctx, false, 0)
		if err != nil {
			return err
		}
		bm.verifyBlock(blk)
	}
}

func (bm *BlockManager) requeue(blk *types.DagBlock) {
	time.AfterFunc(requeueDelay, func() { bm.unverified.push(blk) })
}

func (bm *BlockManager) verifyBlock(blk *types.DagBlock) {
	hash := blk.Hash()
	if bm.invalid.Contains(hash) {
		bm.logger.Debug("skip invalid dag block", "hash", hash.Abridged())
		return
	}
	if missing := bm.pool.Missing(blk.Transactions); len(missing) > 0 {
		// may still be valid, let it be received again
		bm.logger.Warn("dag block has missing transactions", "hash", hash.Abridged(), "missing", len(missing))
		bm.seen.Remove(hash)
		return
	}
	period, ok := bm.GetProposalPeriod(blk.Level)
	if !ok {
		bm.logger.Info("proposal period not known yet", "hash", hash.Abridged(), "level", blk.Level)
		bm.seen.Remove(hash)
		return
	}
	sender, err := blk.Sender()
	if err != nil {
		bm.logger.Warn("dag block signature invalid", "hash", hash.Abridged(), "error", err)
		bm.markInvalid(hash)
		return
	}
	params, err := bm.sortition.GetSortitionParams(period)
	if err != nil {
		bm.logger.Error("failed to load sortition params", "period", period, "error", err)
		bm.requeue(blk)
		return
	}
	vrfKey, err := bm.dpos.VrfKey(sender)
	if err == nil {
		err = sortition.VerifyVdfSortition(params, vrfKey, blk.Vdf, blk.Level, period, blk.Pivot)
	}
	if err != nil {
		bm.logger.Warn("dag block failed vdf verification", "hash", hash.Abridged(), "level", blk.Level,
			"period", period, "error", err)
		bm.markInvalid(hash)
		return
	}
	eligible, err := bm.dpos.IsEligible(period, sender)
	if errors.Is(err, dpos.ErrFuturePeriod) {
		bm.logger.Debug("proposal period ahead of dpos", "hash", hash.Abridged(), "period", period)
		bm.requeue(blk)
		return
	}
	if err != nil || !eligible {
		bm.logger.Warn("dag block sender not eligible", "hash", hash.Abridged(), "sender", sender, "period", period)
		bm.markInvalid(hash)
		return
	}
	bm.verified.push(blk)
	bm.logger.Debug("verified dag block", "hash", hash.Abridged())
}

func (bm *BlockManager) insertLoop(ctx context.Context) error {
	for {
		blk, err := bm.verified.pop(ctx, false, 0)
		if err != nil {
			return err
		}
		hash := blk.Hash()
		txs := make([]*types.Transaction, 0, len(blk.Transactions))
		for _, h := range blk.Transactions {
			if tx, ok := bm.pool.Get(h); ok {
				txs = append(txs, tx)
			}
		}
		missing, err := bm.dag.AddDagBlock(blk, txs, false)
		if err != nil {
			if errors.Is(err, ErrInvalid) {
				bm.markInvalid(hash)
				continue
			}
			return err
		}
		if len(missing) > 0 {
			// a parent was dropped after this block was queued
			bm.logger.Warn("verified dag block lost a parent", "hash", hash.Abridged(), "missing", len(missing))
			bm.seen.Remove(hash)
			for _, h := range missing {
				bm.missing.Add(h, struct{}{})
			}
		}
	}
}

// InsertProposedBlock adds a locally proposed block straight into the DAG.
func (bm *BlockManager) InsertProposedBlock(blk *types.DagBlock, txs []*types.Transaction) error {
	hash := blk.Hash()
	bm.markSeen(blk, hash)
	missing, err := bm.dag.AddDagBlock(blk, txs, true)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return &MissingParentsError{Block: hash, Hashes: missing}
	}
	return nil
}

// GetProposalPeriod returns the period whose level range contains level.
func (bm *BlockManager) GetProposalPeriod(level uint64) (uint64, bool) {
	bm.levelsLock.RLock()
	defer bm.levelsLock.RUnlock()
	i := sort.Search(len(bm.levels), func(i int) bool { return bm.levels[i].End >= level })
	if i == len(bm.levels) || bm.levels[i].Start > level {
		return 0, false
	}
	return bm.levels[i].Period, true
}

// AddProposalPeriodLevels opens the level range for period after an anchor
// at anchorLevel was finalized. The entry is written into batch; the range
// becomes visible once apply is called after batch commits.
func (bm *BlockManager) AddProposalPeriodLevels(batch storage.Batch, period, anchorLevel uint64) (ProposalPeriodLevels, func(), error) {
	bm.levelsLock.RLock()
	last := bm.levels[len(bm.levels)-1]
	bm.levelsLock.RUnlock()
	if period <= last.Period {
		return last, nil, fmt.Errorf("proposal period %d not after %d", period, last.Period)
	}
	next := ProposalPeriodLevels{
		Period:             period,
		Start:              last.End + 1,
		End:                anchorLevel + last.MaxLevelsPerPeriod,
		MaxLevelsPerPeriod: last.MaxLevelsPerPeriod,
	}
	if next.End < next.Start {
		next.End = next.Start
	}
	if err := bm.db.PutValue(batch, storage.ColProposalPeriodLevels, types.Uint64Bytes(period), next); err != nil {
		return next, nil, err
	}
	apply := func() {
		bm.levelsLock.Lock()
		defer bm.levelsLock.Unlock()
		if bm.levels[len(bm.levels)-1].Period >= next.Period {
			return
		}
		bm.levels = append(bm.levels, next)
		bm.logger.Debug("new proposal period levels", "period", period, "start", next.Start, "end", next.End)
	}
	return next, apply, nil
}
