// Package txpool holds verified transactions until they are finalized.
package txpool

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/dagpbft/replay"
	"github.com/gitzhang10/dagpbft/storage"
	"github.com/gitzhang10/dagpbft/types"
)

var (
	ErrInvalidSignature = errors.New("transaction signature does not recover")
	ErrAlreadyExecuted  = errors.New("transaction already executed")
	ErrKnown            = errors.New("transaction already in pool")
	ErrPoolFull         = errors.New("transaction pool is full")
)

type entry struct {
	tx     *types.Transaction
	sender types.Address
	packed bool
}

type Pool struct {
	lock    sync.RWMutex
	txs     map[types.Hash]*entry
	maxSize int
	replay  *replay.Service
	db      *storage.DB
	logger  hclog.Logger
}

func New(maxSize int, rp *replay.Service, db *storage.DB, logger hclog.Logger) *Pool {
	return &Pool{
		txs:     make(map[types.Hash]*entry),
		maxSize: maxSize,
		replay:  rp,
		db:      db,
		logger:  logger.Named("txpool"),
	}
}

// Insert verifies tx and adds it. Transactions already in a finalized
// period are rejected by the replay service.
func (p *Pool) Insert(tx *types.Transaction) error {
	hash := tx.Hash()
	sender, err := tx.Sender()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, hash.Abridged())
	}
	executed, err := p.replay.HasBeenExecuted(tx)
	if err != nil {
		return err
	}
	if executed {
		return fmt.Errorf("%w: %s", ErrAlreadyExecuted, hash.Abridged())
	}

	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.txs[hash]; ok {
		return ErrKnown
	}
	if len(p.txs) >= p.maxSize {
		return ErrPoolFull
	}
	p.txs[hash] = &entry{tx: tx, sender: sender}
	p.logger.Trace("transaction inserted", "hash", hash.Abridged(), "sender", sender, "nonce", tx.Nonce)
	return nil
}

// InsertBatch inserts what it can and returns how many were new.
func (p *Pool) InsertBatch(txs []*types.Transaction) int {
	n := 0
	for _, tx := range txs {
		if err := p.Insert(tx); err == nil {
			n++
		} else if !errors.Is(err, ErrKnown) {
			p.logger.Debug("transaction rejected", "hash", tx.Hash().Abridged(), "error", err)
		}
	}
	return n
}

// Get looks in the pool and then in the finalized store.
func (p *Pool) Get(hash types.Hash) (*types.Transaction, bool) {
	p.lock.RLock()
	e, ok := p.txs[hash]
	p.lock.RUnlock()
	if ok {
		return e.tx, true
	}
	tx, err := p.db.GetTransaction(hash)
	if err != nil {
		return nil, false
	}
	return tx, true
}

// Missing returns the hashes neither pooled nor stored.
func (p *Pool) Missing(hashes []types.Hash) []types.Hash {
	var missing []types.Hash
	for _, h := range hashes {
		if _, ok := p.Get(h); !ok {
			missing = append(missing, h)
		}
	}
	return missing
}

// Pack returns up to max unpacked transactions, highest gas price first,
// and marks them packed.
func (p *Pool) Pack(max int) []*types.Transaction {
	p.lock.Lock()
	defer p.lock.Unlock()
	candidates := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		if !e.packed {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if c := a.tx.GasPrice.Cmp(&b.tx.GasPrice); c != 0 {
			return c > 0
		}
		if a.sender != b.sender {
			return a.sender.Hex() < b.sender.Hex()
		}
		return a.tx.Nonce < b.tx.Nonce
	})
	if len(candidates) > max {
		candidates = candidates[:max]
	}
	out := make([]*types.Transaction, 0, len(candidates))
	for _, e := range candidates {
		e.packed = true
		out = append(out, e.tx)
	}
	return out
}

// MarkFinalized drops finalized transactions from the pool.
func (p *Pool) MarkFinalized(hashes []types.Hash) {
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, h := range hashes {
		delete(p.txs, h)
	}
}

// Unpack makes transactions packable again, e.g. after a proposal failed.
func (p *Pool) Unpack(hashes []types.Hash) {
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, h := range hashes {
		if e, ok := p.txs[h]; ok {
			e.packed = false
		}
	}
}

func (p *Pool) Len() int {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return len(p.txs)
}
