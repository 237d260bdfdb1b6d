package dag

import (
	"context"
	"errors"
	"sync"

	"github.com/google/btree"

	"github.com/gitzhang10/dagpbft/types"
)

var ErrQueueClosed = errors.New("queue closed")

type levelBucket struct {
	level  uint64
	blocks []*types.DagBlock
}

func bucketLess(a, b *levelBucket) bool { return a.level < b.level }

// levelQueue groups blocks by level and pops the lowest level first.
type levelQueue struct {
	lock   sync.Mutex
	cond   *sync.Cond
	tree   *btree.BTreeG[*levelBucket]
	size   int
	closed bool
}

func newLevelQueue() *levelQueue {
	q := &levelQueue{tree: btree.NewG[*levelBucket](8, bucketLess)}
	q.cond = sync.NewCond(&q.lock)
	return q
}

func (q *levelQueue) push(blk *types.DagBlock) {
	q.lock.Lock()
	b, ok := q.tree.Get(&levelBucket{level: blk.Level})
	if !ok {
		b = &levelBucket{level: blk.Level}
		q.tree.ReplaceOrInsert(b)
	}
	b.blocks = append(b.blocks, blk)
	q.size++
	q.lock.Unlock()
	q.cond.Broadcast()
}

// pop blocks until a block is available. With limit set only blocks below
// level qualify.
func (q *levelQueue) pop(ctx context.Context, limit bool, level uint64) (*types.DagBlock, error) {
	stop := context.AfterFunc(ctx, func() {
		q.lock.Lock()
		defer q.lock.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.lock.Lock()
	defer q.lock.Unlock()
	for {
		if q.closed {
			return nil, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if b, ok := q.tree.Min(); ok && (!limit || b.level < level) {
			blk := b.blocks[0]
			b.blocks = b.blocks[1:]
			if len(b.blocks) == 0 {
				q.tree.Delete(b)
			}
			q.size--
			return blk, nil
		}
		q.cond.Wait()
	}
}

func (q *levelQueue) len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.size
}

func (q *levelQueue) maxLevel() uint64 {
	q.lock.Lock()
	defer q.lock.Unlock()
	if b, ok := q.tree.Max(); ok {
		return b.level
	}
	return 0
}

func (q *levelQueue) close() {
	q.lock.Lock()
	q.closed = true
	q.lock.Unlock()
	q.cond.Broadcast()
}
