package network

import (
	"sync"
	"time"

	"github.com/gitzhang10/dagpbft/types"
)

// SyncingState tracks the PBFT bulk sync with a single peer.
type SyncingState struct {
	lock         sync.RWMutex
	syncing      bool
	peer         types.Address
	started      time.Time
	lastProgress time.Time
	retries      int
}

func (s *SyncingState) IsSyncing() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.syncing
}

// SyncPeer is the peer being synced from, if any.
func (s *SyncingState) SyncPeer() (types.Address, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.peer, s.syncing
}

func (s *SyncingState) Start(peer types.Address, now time.Time) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.syncing, s.peer = true, peer
	s.started, s.lastProgress = now, now
	s.retries = 0
}

// Stop reports whether a sync was running.
func (s *SyncingState) Stop() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	was := s.syncing
	s.syncing, s.peer = false, types.Address{}
	s.retries = 0
	return was
}

// Progress records that period data arrived from the sync peer.
func (s *SyncingState) Progress(now time.Time) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.lastProgress = now
	s.retries = 0
}

// Stalled reports whether no data arrived for longer than budget.
func (s *SyncingState) Stalled(now time.Time, budget time.Duration) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.syncing && now.Sub(s.lastProgress) > budget
}

// Retry counts one more delayed check and returns the total.
func (s *SyncingState) Retry() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.retries++
	return s.retries
}
