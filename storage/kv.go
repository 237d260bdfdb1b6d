/*
Package storage implements the persistence layer of the node: a small
key-value capability interface with one adapter per backend, and a typed
column façade (DB) on top of it.
*/
package storage

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrUnknownBackend = errors.New("unknown storage backend")
	ErrClosed         = errors.New("storage closed")
)

// KV is the capability set every backend provides.
type KV interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	// NewBatch starts an atomic update.
	NewBatch() Batch
	// Iterate calls fn for each key with the prefix in ascending order until fn returns false.
	Iterate(prefix []byte, fn func(key, value []byte) bool) error
	Close() error
}

// Batch collects writes that are committed atomically.
type Batch interface {
	Put(key, value []byte)
	Delete(key []byte)
	Len() int
	Commit() error
}

type Backend string

const (
	BackendLevelDB Backend = "leveldb"
	BackendMemory  Backend = "memory"
)

// Open returns the adapter for the backend.
func Open(backend Backend, path string) (KV, error) {
	switch backend {
	case BackendLevelDB:
		return OpenLevelDB(path)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}
