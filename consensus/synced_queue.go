package consensus

import (
	"container/list"
	"sync"

	"github.com/gitzhang10/dagpbft/types"
)

// SyncedBlock is period data received from a peer during bulk sync.
type SyncedBlock struct {
	Block *types.SyncBlock
	Peer  types.Address
}

// SyncedQueue holds synced period data until it can be pushed into the chain.
type SyncedQueue struct {
	lock   sync.Mutex
	blocks *list.List
	hashes map[types.Hash]struct{}
}

func NewSyncedQueue() *SyncedQueue {
	return &SyncedQueue{blocks: list.New(), hashes: make(map[types.Hash]struct{})}
}

// Push appends sb unless the same PBFT block is already queued.
func (q *SyncedQueue) Push(sb *types.SyncBlock, peer types.Address) bool {
	hash := sb.PbftBlock.BlockHash()
	q.lock.Lock()
	defer q.lock.Unlock()
	if _, ok := q.hashes[hash]; ok {
		return false
	}
	q.hashes[hash] = struct{}{}
	q.blocks.PushBack(SyncedBlock{Block: sb, Peer: peer})
	return true
}

func (q *SyncedQueue) Front() (SyncedBlock, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	e := q.blocks.Front()
	if e == nil {
		return SyncedBlock{}, false
	}
	return e.Value.(SyncedBlock), true
}

func (q *SyncedQueue) PopFront() {
	q.lock.Lock()
	defer q.lock.Unlock()
	e := q.blocks.Front()
	if e == nil {
		return
	}
	delete(q.hashes, e.Value.(SyncedBlock).Block.PbftBlock.BlockHash())
	q.blocks.Remove(e)
}

// Clear drops every queued block and returns how many there were.
func (q *SyncedQueue) Clear() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	n := q.blocks.Len()
	q.blocks.Init()
	q.hashes = make(map[types.Hash]struct{})
	return n
}

func (q *SyncedQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.blocks.Len()
}

// LastPeriod is the period of the newest queued block, 0 when empty.
func (q *SyncedQueue) LastPeriod() uint64 {
	q.lock.Lock()
	defer q.lock.Unlock()
	e := q.blocks.Back()
	if e == nil {
		return 0
	}
	return e.Value.(SyncedBlock).Block.PbftBlock.Period
}
