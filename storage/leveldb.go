package storage

import (
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type levelDB struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) a leveldb store at path.
func OpenLevelDB(path string) (KV, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, err
	}
	return &levelDB{db: db}, nil
}

// OpenLevelDBInMemory backs leveldb with memory storage; used by tests.
func OpenLevelDBInMemory() (KV, error) {
	db, err := leveldb.Open(lvlstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &levelDB{db: db}, nil
}

func (l *levelDB) Get(key []byte) ([]byte, error) {
	v, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

func (l *levelDB) Has(key []byte) (bool, error) {
	return l.db.Has(key, nil)
}

func (l *levelDB) Put(key, value []byte) error {
	return l.db.Put(key, value, nil)
}

func (l *levelDB) Delete(key []byte) error {
	return l.db.Delete(key, nil)
}

func (l *levelDB) NewBatch() Batch {
	return &levelBatch{db: l.db, b: new(leveldb.Batch)}
}

func (l *levelDB) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	it := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		// the iterator reuses its buffers
		k := append([]byte(nil), it.Key()...)
		v := append([]byte(nil), it.Value()...)
		if !fn(k, v) {
			break
		}
	}
	return it.Error()
}

func (l *levelDB) Close() error {
	return l.db.Close()
}

type levelBatch struct {
	db *leveldb.DB
	b  *leveldb.Batch
}

func (b *levelBatch) Put(key, value []byte) { b.b.Put(key, value) }

func (b *levelBatch) Delete(key []byte) { b.b.Delete(key) }

func (b *levelBatch) Len() int { return b.b.Len() }

func (b *levelBatch) Commit() error {
	return b.db.Write(b.b, nil)
}
