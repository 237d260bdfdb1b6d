/*
Package dag implements the block DAG: admission of broadcast blocks through a
verification pipeline, the in-memory view of the non-finalized DAG, the
deterministic order a PBFT anchor finalizes, and the local DAG block proposer.
*/
package dag

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/dagpbft/storage"
	"github.com/gitzhang10/dagpbft/types"
)

var (
	ErrPeriodMismatch = errors.New("dag order period does not follow the last finalized period")
	ErrUnknownAnchor  = errors.New("anchor is not a non-finalized dag block")
)

// Frontier is where the next DAG block attaches.
type Frontier struct {
	Pivot types.Hash
	Tips  []types.Hash
	Level uint64 // level of a block built on this frontier
}

// BlockAddedFunc is notified after a block entered the DAG.
type BlockAddedFunc func(blk *types.DagBlock, txs []*types.Transaction, proposed bool)

// DagManager owns the non-finalized part of the DAG. Finalized blocks live
// only in the store.
type DagManager struct {
	lock         sync.RWMutex
	genesis      types.Hash
	anchor       types.Hash
	period       uint64
	nonFinalized map[types.Hash]*types.DagBlock
	children     map[types.Hash][]types.Hash // pivot tree
	maxLevel     uint64
	maxTips      int

	subsLock sync.RWMutex
	subs     []BlockAddedFunc

	db     *storage.DB
	logger hclog.Logger
}

// NewDagManager stores the genesis block if needed and rebuilds the
// non-finalized DAG from every stored block without a period.
func NewDagManager(genesis *types.DagBlock, anchor types.Hash, period uint64, maxTips int, db *storage.DB, logger hclog.Logger) (*DagManager, error) {
	gh := genesis.Hash()
	if anchor.IsZero() {
		anchor = gh
	}
	d := &DagManager{
		genesis:      gh,
		anchor:       anchor,
		period:       period,
		nonFinalized: make(map[types.Hash]*types.DagBlock),
		children:     make(map[types.Hash][]types.Hash),
		maxTips:      maxTips,
		db:           db,
		logger:       logger.Named("dag"),
	}
	has, err := db.HasDagBlock(gh)
	if err != nil {
		return nil, err
	}
	if !has {
		batch := db.NewBatch()
		if err := db.SaveDagBlock(batch, genesis); err != nil {
			return nil, err
		}
		if err := batch.Commit(); err != nil {
			return nil, err
		}
	}
	if err := d.recover(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DagManager) recover() error {
	var blocks []*types.DagBlock
	err := d.db.ForEachDagBlock(func(blk *types.DagBlock) bool {
		blocks = append(blocks, blk)
		return true
	})
	if err != nil {
		return err
	}
	for _, blk := range blocks {
		if blk.Level > d.maxLevel {
			d.maxLevel = blk.Level
		}
		hash := blk.Hash()
		if hash == d.genesis {
			continue
		}
		_, finalized, err := d.db.GetDagBlockPeriod(hash)
		if err != nil {
			return err
		}
		if !finalized {
			d.insert(hash, blk)
		}
	}
	if len(d.nonFinalized) > 0 {
		d.logger.Info("recovered non-finalized dag", "blocks", len(d.nonFinalized), "anchor", d.anchor.Abridged())
	}
	return nil
}

// Subscribe registers fn for every block added after this call.
func (d *DagManager) Subscribe(fn BlockAddedFunc) {
	d.subsLock.Lock()
	defer d.subsLock.Unlock()
	d.subs = append(d.subs, fn)
}

func (d *DagManager) GenesisHash() types.Hash { return d.genesis }

// GetDagBlock finds a block in memory or in the store.
func (d *DagManager) GetDagBlock(hash types.Hash) (*types.DagBlock, error) {
	d.lock.RLock()
	blk, ok := d.nonFinalized[hash]
	d.lock.RUnlock()
	if ok {
		return blk, nil
	}
	return d.db.GetDagBlock(hash)
}

// IsKnown reports whether the block is already part of the DAG.
func (d *DagManager) IsKnown(hash types.Hash) bool {
	d.lock.RLock()
	_, ok := d.nonFinalized[hash]
	d.lock.RUnlock()
	if ok {
		return true
	}
	has, err := d.db.HasDagBlock(hash)
	return err == nil && has
}

func (d *DagManager) MaxLevel() uint64 {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.maxLevel
}

// Anchor returns the last finalized anchor and the DAG's period.
func (d *DagManager) Anchor() (types.Hash, uint64) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.anchor, d.period
}

func (d *DagManager) NonFinalizedCount() int {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return len(d.nonFinalized)
}

// NonFinalized returns the blocks not yet ordered by a period, by level and hash.
func (d *DagManager) NonFinalized() []*types.DagBlock {
	d.lock.RLock()
	defer d.lock.RUnlock()
	order := SortDagOrder(d.nonFinalized)
	out := make([]*types.DagBlock, len(order))
	for i, h := range order {
		out[i] = d.nonFinalized[h]
	}
	return out
}

// AddDagBlock persists a verified block with its transactions and links it
// into the DAG. It returns the missing parents if any are unknown.
func (d *DagManager) AddDagBlock(blk *types.DagBlock, txs []*types.Transaction, proposed bool) ([]types.Hash, error) {
	hash := blk.Hash()
	d.lock.Lock()
	if _, ok := d.nonFinalized[hash]; ok {
		d.lock.Unlock()
		return nil, nil
	}
	has, err := d.db.HasDagBlock(hash)
	if err != nil {
		d.lock.Unlock()
		return nil, err
	}
	if has {
		d.lock.Unlock()
		return nil, nil
	}
	if missing, err := d.checkParents(blk); err != nil || len(missing) > 0 {
		d.lock.Unlock()
		return missing, err
	}

	batch := d.db.NewBatch()
	for _, tx := range txs {
		if err := d.db.SaveTransaction(batch, tx); err != nil {
			d.lock.Unlock()
			return nil, err
		}
	}
	if err := d.db.SaveDagBlock(batch, blk); err != nil {
		d.lock.Unlock()
		return nil, err
	}
	count, err := d.db.GetStatus(storage.StatusDagBlkCount)
	if err != nil {
		d.lock.Unlock()
		return nil, err
	}
	d.db.SaveStatus(batch, storage.StatusDagBlkCount, count+1)
	if err := batch.Commit(); err != nil {
		d.lock.Unlock()
		return nil, fmt.Errorf("save dag block %s: %w", hash.Abridged(), err)
	}
	d.insert(hash, blk)
	d.lock.Unlock()

	d.logger.Debug("dag block added", "hash", hash.Abridged(), "level", blk.Level, "txs", len(blk.Transactions), "proposed", proposed)
	d.subsLock.RLock()
	subs := d.subs
	d.subsLock.RUnlock()
	for _, fn := range subs {
		fn(blk, txs, proposed)
	}
	return nil, nil
}

// checkParents is called with the lock held.
func (d *DagManager) checkParents(blk *types.DagBlock) ([]types.Hash, error) {
	var missing []types.Hash
	var expected uint64
	for _, parent := range blk.Parents() {
		p, ok := d.nonFinalized[parent]
		if !ok {
			stored, err := d.db.GetDagBlock(parent)
			if errors.Is(err, storage.ErrNotFound) {
				missing = append(missing, parent)
				continue
			}
			if err != nil {
				return nil, err
			}
			p = stored
		}
		if p.Level+1 > expected {
			expected = p.Level + 1
		}
	}
	if len(missing) > 0 {
		return missing, nil
	}
	if expected != blk.Level {
		return nil, fmt.Errorf("%w: declared %d, expected %d", ErrInvalidLevel, blk.Level, expected)
	}
	return nil, nil
}

func (d *DagManager) insert(hash types.Hash, blk *types.DagBlock) {
	d.nonFinalized[hash] = blk
	d.children[blk.Pivot] = append(d.children[blk.Pivot], hash)
	if blk.Level > d.maxLevel {
		d.maxLevel = blk.Level
	}
}

// GhostPath follows the heaviest pivot subtree from the anchor.
func (d *DagManager) GhostPath() []types.Hash {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.ghostPath()
}

func (d *DagManager) ghostPath() []types.Hash {
	weights := make(map[types.Hash]int)
	var weight func(h types.Hash) int
	weight = func(h types.Hash) int {
		if w, ok := weights[h]; ok {
			return w
		}
		w := 1
		for _, c := range d.children[h] {
			w += weight(c)
		}
		weights[h] = w
		return w
	}
	path := []types.Hash{d.anchor}
	cur := d.anchor
	for {
		var best types.Hash
		bestWeight := 0
		for _, c := range d.children[cur] {
			if _, ok := d.nonFinalized[c]; !ok {
				continue
			}
			w := weight(c)
			if w > bestWeight || (w == bestWeight && c.Less(best)) {
				best, bestWeight = c, w
			}
		}
		if bestWeight == 0 {
			return path
		}
		path = append(path, best)
		cur = best
	}
}

// Frontier returns the ghost pivot and the DAG leaves as tips.
func (d *DagManager) Frontier() (Frontier, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	path := d.ghostPath()
	pivot := path[len(path)-1]

	referenced := make(map[types.Hash]struct{})
	for _, blk := range d.nonFinalized {
		for _, p := range blk.Parents() {
			referenced[p] = struct{}{}
		}
	}
	var tips []types.Hash
	for h := range d.nonFinalized {
		if _, ok := referenced[h]; !ok && h != pivot {
			tips = append(tips, h)
		}
	}
	sort.Slice(tips, func(i, j int) bool { return tips[i].Less(tips[j]) })
	if d.maxTips > 0 && len(tips) > d.maxTips {
		tips = tips[:d.maxTips]
	}

	f := Frontier{Pivot: pivot, Tips: tips}
	for _, h := range append([]types.Hash{pivot}, tips...) {
		blk, ok := d.nonFinalized[h]
		if !ok {
			stored, err := d.db.GetDagBlock(h)
			if err != nil {
				return f, err
			}
			blk = stored
		}
		if blk.Level+1 > f.Level {
			f.Level = blk.Level + 1
		}
	}
	return f, nil
}

// AnchorCandidate is the deepest ghost path block within maxLevels of the
// last anchor, or ZeroHash when the DAG has not grown past the anchor.
func (d *DagManager) AnchorCandidate(maxLevels uint64) (types.Hash, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	path := d.ghostPath()
	if len(path) < 2 {
		return types.ZeroHash, nil
	}
	anchorBlk, err := d.db.GetDagBlock(d.anchor)
	if err != nil {
		return types.ZeroHash, err
	}
	limit := anchorBlk.Level + maxLevels
	candidate := types.ZeroHash
	for _, h := range path[1:] {
		if d.nonFinalized[h].Level > limit {
			break
		}
		candidate = h
	}
	return candidate, nil
}

// GetDagBlockOrder returns the non-finalized blocks reachable from anchor
// sorted by (level, hash). period must be the next period to finalize.
func (d *DagManager) GetDagBlockOrder(anchor types.Hash, period uint64) ([]types.Hash, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if period != d.period+1 {
		return nil, fmt.Errorf("%w: dag at %d, asked %d", ErrPeriodMismatch, d.period, period)
	}
	if anchor.IsZero() {
		return nil, nil
	}
	if _, ok := d.nonFinalized[anchor]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAnchor, anchor.Abridged())
	}
	reached := make(map[types.Hash]*types.DagBlock)
	stack := []types.Hash{anchor}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		blk, ok := d.nonFinalized[h]
		if !ok {
			continue
		}
		if _, seen := reached[h]; seen {
			continue
		}
		reached[h] = blk
		stack = append(stack, blk.Parents()...)
	}
	return SortDagOrder(reached), nil
}

// SortDagOrder orders blocks by level, then by hash.
func SortDagOrder(blocks map[types.Hash]*types.DagBlock) []types.Hash {
	order := make([]types.Hash, 0, len(blocks))
	for h := range blocks {
		order = append(order, h)
	}
	sort.Slice(order, func(i, j int) bool {
		li, lj := blocks[order[i]].Level, blocks[order[j]].Level
		if li != lj {
			return li < lj
		}
		return order[i].Less(order[j])
	})
	return order
}

// SetDagBlockOrder removes a finalized order from the non-finalized DAG and
// moves the anchor. A zero anchor only advances the period.
func (d *DagManager) SetDagBlockOrder(anchor types.Hash, period uint64, order []types.Hash) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if period != d.period+1 {
		return fmt.Errorf("%w: dag at %d, got %d", ErrPeriodMismatch, d.period, period)
	}
	d.period = period
	if anchor.IsZero() {
		return nil
	}
	for _, h := range order {
		blk, ok := d.nonFinalized[h]
		if !ok {
			continue
		}
		delete(d.nonFinalized, h)
		siblings := d.children[blk.Pivot]
		for i, s := range siblings {
			if s == h {
				d.children[blk.Pivot] = append(siblings[:i], siblings[i+1:]...)
				break
			}
		}
		if len(d.children[blk.Pivot]) == 0 {
			delete(d.children, blk.Pivot)
		}
	}
	d.anchor = anchor
	d.logger.Debug("dag order finalized", "period", period, "anchor", anchor.Abridged(), "blocks", len(order),
		"remaining", len(d.nonFinalized))
	return nil
}
