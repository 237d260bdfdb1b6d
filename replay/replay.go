/*
Package replay implements the nonce watermark engine that tells whether a
transaction has already been executed.

For every committed period the service records the transaction hashes and
each sender's max nonce. Once a period falls `range` periods behind, its max
nonces are promoted to the senders' watermarks and its per-period keys are
pruned. A transaction is executed if its hash is still recorded or its nonce
is at or below the sender's watermark.
*/
package replay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/dagpbft/storage"
	"github.com/gitzhang10/dagpbft/types"
)

var (
	ErrPeriodOrder   = errors.New("replay protection periods must be committed in order")
	ErrAlreadyExists = errors.New("transaction already executed")
)

var currPeriodKey = []byte("curr_period")

func senderStateKey(sender types.Address) []byte {
	return append([]byte("sender_"), sender[:]...)
}

func periodDataKey(period uint64) []byte {
	return append([]byte("data_at_"), types.Uint64Bytes(period)...)
}

func trxHashKey(hash types.Hash) []byte {
	return append([]byte("trx_"), hash[:]...)
}

func maxNonceKey(period uint64, sender types.Address) []byte {
	k := append([]byte("max_nonce_at_"), types.Uint64Bytes(period)...)
	return append(k, sender[:]...)
}

type senderState struct {
	NonceMax       uint64
	HasWatermark   bool
	NonceWatermark uint64
}

// periodData lists what a period wrote so it can be pruned later.
type periodData struct {
	Senders []types.Address
	Txs     []types.Hash
}

type Service struct {
	lock       sync.RWMutex
	rangeSize  uint64
	db         *storage.DB
	lastPeriod *uint64
	logger     hclog.Logger
}

// NewService loads the last committed period from db.
func NewService(rangeSize uint64, db *storage.DB, logger hclog.Logger) (*Service, error) {
	if rangeSize == 0 {
		return nil, errors.New("replay protection range must be positive")
	}
	s := &Service{rangeSize: rangeSize, db: db, logger: logger.Named("replay")}
	raw, err := db.Get(storage.ColReplay, currPeriodKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if err == nil {
		p := binary.BigEndian.Uint64(raw)
		s.lastPeriod = &p
	}
	return s, nil
}

// HasBeenExecuted reports whether tx was already executed.
func (s *Service) HasBeenExecuted(tx *types.Transaction) (bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	sender, err := tx.Sender()
	if err != nil {
		return false, err
	}
	return s.hasBeenExecuted(tx.Hash(), sender, tx.Nonce)
}

func (s *Service) hasBeenExecuted(hash types.Hash, sender types.Address, nonce uint64) (bool, error) {
	has, err := s.db.Has(storage.ColReplay, trxHashKey(hash))
	if err != nil || has {
		return has, err
	}
	state, ok, err := s.loadSenderState(sender)
	if err != nil || !ok {
		return false, err
	}
	return state.HasWatermark && nonce <= state.NonceWatermark, nil
}

func (s *Service) loadSenderState(sender types.Address) (*senderState, bool, error) {
	var st senderState
	ok, err := s.db.GetValue(storage.ColReplay, senderStateKey(sender), &st)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &st, true, nil
}

// Commit records the transactions executed in period. Periods must be consecutive.
func (s *Service) Commit(period uint64, txs []*types.Transaction) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.lastPeriod != nil && *s.lastPeriod+1 != period {
		return fmt.Errorf("%w: last %d, got %d", ErrPeriodOrder, *s.lastPeriod, period)
	}

	batch := s.db.NewBatch()
	states := make(map[types.Address]*senderState)
	dirty := make(map[types.Address]bool)
	var data periodData
	for _, tx := range txs {
		sender, err := tx.Sender()
		if err != nil {
			return err
		}
		hash := tx.Hash()
		executed, err := s.hasBeenExecuted(hash, sender, tx.Nonce)
		if err != nil {
			return err
		}
		if executed {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, hash.Abridged())
		}
		state, ok := states[sender]
		if !ok {
			loaded, found, err := s.loadSenderState(sender)
			if err != nil {
				return err
			}
			if !found {
				loaded = &senderState{}
				dirty[sender] = true
			}
			state = loaded
			states[sender] = state
		}
		if tx.Nonce > state.NonceMax {
			state.NonceMax = tx.Nonce
			dirty[sender] = true
		}
		s.db.Put(batch, storage.ColReplay, trxHashKey(hash), []byte{1})
		data.Txs = append(data.Txs, hash)
	}
	for sender, state := range states {
		if !dirty[sender] {
			continue
		}
		s.db.Put(batch, storage.ColReplay, maxNonceKey(period, sender), types.Uint64Bytes(state.NonceMax))
		if err := s.db.PutValue(batch, storage.ColReplay, senderStateKey(sender), state); err != nil {
			return err
		}
		data.Senders = append(data.Senders, sender)
	}
	if len(data.Txs) > 0 || len(data.Senders) > 0 {
		if err := s.db.PutValue(batch, storage.ColReplay, periodDataKey(period), data); err != nil {
			return err
		}
	}
	if period >= s.rangeSize {
		if err := s.promote(batch, period-s.rangeSize, states); err != nil {
			return err
		}
	}
	s.db.Put(batch, storage.ColReplay, currPeriodKey, types.Uint64Bytes(period))
	if err := batch.Commit(); err != nil {
		return err
	}
	s.lastPeriod = &period
	return nil
}

// promote moves the max nonces of bottom into the watermarks and prunes its keys.
func (s *Service) promote(batch storage.Batch, bottom uint64, pending map[types.Address]*senderState) error {
	var data periodData
	ok, err := s.db.GetValue(storage.ColReplay, periodDataKey(bottom), &data)
	if err != nil || !ok {
		return err
	}
	for _, sender := range data.Senders {
		raw, err := s.db.Get(storage.ColReplay, maxNonceKey(bottom, sender))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		state, found := pending[sender]
		if !found {
			loaded, exists, err := s.loadSenderState(sender)
			if err != nil {
				return err
			}
			if !exists {
				continue
			}
			state = loaded
		}
		state.HasWatermark = true
		state.NonceWatermark = binary.BigEndian.Uint64(raw)
		if err := s.db.PutValue(batch, storage.ColReplay, senderStateKey(sender), state); err != nil {
			return err
		}
		s.db.Delete(batch, storage.ColReplay, maxNonceKey(bottom, sender))
	}
	for _, hash := range data.Txs {
		s.db.Delete(batch, storage.ColReplay, trxHashKey(hash))
	}
	s.db.Delete(batch, storage.ColReplay, periodDataKey(bottom))
	s.logger.Trace("replay period promoted", "period", bottom, "senders", len(data.Senders))
	return nil
}
