package storage

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

const memoryTreeDegree = 32

type memItem struct {
	key   []byte
	value []byte
}

func memItemLess(a, b memItem) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// memory is an ordered in-memory store on a btree.
type memory struct {
	lock   sync.RWMutex
	tree   *btree.BTreeG[memItem]
	closed bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() KV {
	return &memory{tree: btree.NewG(memoryTreeDegree, memItemLess)}
}

func (m *memory) Get(key []byte) ([]byte, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	item, ok := m.tree.Get(memItem{key: key})
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), item.value...), nil
}

func (m *memory) Has(key []byte) (bool, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	return m.tree.Has(memItem{key: key}), nil
}

func (m *memory) Put(key, value []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.put(key, value)
	return nil
}

func (m *memory) put(key, value []byte) {
	m.tree.ReplaceOrInsert(memItem{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
}

func (m *memory) Delete(key []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.tree.Delete(memItem{key: key})
	return nil
}

func (m *memory) NewBatch() Batch {
	return &memBatch{m: m}
}

func (m *memory) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	m.lock.RLock()
	if m.closed {
		m.lock.RUnlock()
		return ErrClosed
	}
	var items []memItem
	m.tree.AscendGreaterOrEqual(memItem{key: prefix}, func(item memItem) bool {
		if !bytes.HasPrefix(item.key, prefix) {
			return false
		}
		items = append(items, item)
		return true
	})
	m.lock.RUnlock()

	// fn runs without the lock so it may read the store
	for _, item := range items {
		if !fn(append([]byte(nil), item.key...), append([]byte(nil), item.value...)) {
			break
		}
	}
	return nil
}

func (m *memory) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.closed = true
	return nil
}

type memOp struct {
	key    []byte
	value  []byte
	delete bool
}

type memBatch struct {
	m   *memory
	ops []memOp
}

func (b *memBatch) Put(key, value []byte) {
	b.ops = append(b.ops, memOp{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
}

func (b *memBatch) Delete(key []byte) {
	b.ops = append(b.ops, memOp{key: append([]byte(nil), key...), delete: true})
}

func (b *memBatch) Len() int { return len(b.ops) }

func (b *memBatch) Commit() error {
	b.m.lock.Lock()
	defer b.m.lock.Unlock()
	if b.m.closed {
		return ErrClosed
	}
	for _, op := range b.ops {
		if op.delete {
			b.m.tree.Delete(memItem{key: op.key})
		} else {
			b.m.put(op.key, op.value)
		}
	}
	b.ops = nil
	return nil
}
