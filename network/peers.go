package network

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/gitzhang10/dagpbft/types"
)

const (
	knownBlocksSize = 10000
	knownVotesSize  = 10000
	knownTxsSize    = 100000
	maliciousSize   = 1000
	maliciousTTL    = 30 * time.Minute
)

type peerState int

const (
	pendingState peerState = iota
	readyState
)

// Peer is the view of one remote node. The sender address is recovered from
// packet signatures, the listen address is where replies are sent.
type Peer struct {
	Address types.Address

	lock         sync.RWMutex
	listenAddr   string
	state        peerState
	status       Status
	synced       bool
	lastSeen     time.Time
	syncRequests atomic.Int32

	knownBlocks *lru.Cache[types.Hash, struct{}]
	knownVotes  *lru.Cache[types.Hash, struct{}]
	knownTxs    *lru.Cache[types.Hash, struct{}]
	knownPbft   *lru.Cache[types.Hash, struct{}]
}

func newPeer(addr types.Address, listenAddr string) *Peer {
	blocks, _ := lru.New[types.Hash, struct{}](knownBlocksSize)
	votes, _ := lru.New[types.Hash, struct{}](knownVotesSize)
	txs, _ := lru.New[types.Hash, struct{}](knownTxsSize)
	pbft, _ := lru.New[types.Hash, struct{}](knownBlocksSize)
	return &Peer{
		Address:     addr,
		listenAddr:  listenAddr,
		knownBlocks: blocks,
		knownVotes:  votes,
		knownTxs:    txs,
		knownPbft:   pbft,
	}
}

func (p *Peer) ListenAddr() string {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.listenAddr
}

func (p *Peer) Ready() bool {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.state == readyState
}

func (p *Peer) Status() Status {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.status
}

// Synced reports whether the peer told us it finished syncing.
func (p *Peer) Synced() bool {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.synced
}

func (p *Peer) updateStatus(s Status, now time.Time) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if !s.Initial {
		s.NetworkID, s.GenesisHash, s.Version = p.status.NetworkID, p.status.GenesisHash, p.status.Version
	}
	s.Initial = false
	p.status = s
	p.lastSeen = now
	if s.Syncing {
		p.synced = false
	}
}

func (p *Peer) setSynced() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.synced = true
	p.status.Syncing = false
}

func (p *Peer) setChainSize(size uint64) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if size > p.status.ChainSize {
		p.status.ChainSize = size
	}
}

func (p *Peer) MarkBlockKnown(h types.Hash) { p.knownBlocks.Add(h, struct{}{}) }
func (p *Peer) MarkVoteKnown(h types.Hash) { p.knownVotes.Add(h, struct{}{}) }
func (p *Peer) MarkTxKnown(h types.Hash) { p.knownTxs.Add(h, struct{}{}) }
func (p *Peer) MarkPbftKnown(h types.Hash) { p.knownPbft.Add(h, struct{}{}) }

func (p *Peer) KnowsBlock(h types.Hash) bool { return p.knownBlocks.Contains(h) }
func (p *Peer) KnowsVote(h types.Hash) bool { return p.knownVotes.Contains(h) }
func (p *Peer) KnowsTx(h types.Hash) bool { return p.knownTxs.Contains(h) }
func (p *Peer) KnowsPbft(h types.Hash) bool { return p.knownPbft.Contains(h) }

// PeersState holds the connected peers and the malicious blacklist.
type PeersState struct {
	lock      sync.RWMutex
	peers     map[types.Address]*Peer
	malicious *expirable.LRU[types.Address, error]
}

func NewPeersState() *PeersState {
	return &PeersState{
		peers:     make(map[types.Address]*Peer),
		malicious: expirable.NewLRU[types.Address, error](maliciousSize, nil, maliciousTTL),
	}
}

func (ps *PeersState) Get(addr types.Address) (*Peer, bool) {
	ps.lock.RLock()
	defer ps.lock.RUnlock()
	p, ok := ps.peers[addr]
	return p, ok
}

// GetOrAdd returns the peer for addr, registering a pending one if needed.
func (ps *PeersState) GetOrAdd(addr types.Address, listenAddr string) *Peer {
	ps.lock.Lock()
	defer ps.lock.Unlock()
	if p, ok := ps.peers[addr]; ok {
		if listenAddr != "" {
			p.lock.Lock()
			p.listenAddr = listenAddr
			p.lock.Unlock()
		}
		return p
	}
	p := newPeer(addr, listenAddr)
	ps.peers[addr] = p
	return p
}

// setReady reports whether the peer was ready already.
func (ps *PeersState) setReady(p *Peer) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	was := p.state == readyState
	p.state = readyState
	return was
}

// Remove disconnects a peer and returns it.
func (ps *PeersState) Remove(addr types.Address) (*Peer, bool) {
	ps.lock.Lock()
	defer ps.lock.Unlock()
	p, ok := ps.peers[addr]
	delete(ps.peers, addr)
	return p, ok
}

// Ready returns the ready peers ordered by address.
func (ps *PeersState) Ready() []*Peer {
	ps.lock.RLock()
	out := make([]*Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		if p.Ready() {
			out = append(out, p)
		}
	}
	ps.lock.RUnlock()
	sort.Slice(out, func(i, j int) bool { return string(out[i].Address[:]) < string(out[j].Address[:]) })
	return out
}

func (ps *PeersState) Len() int {
	ps.lock.RLock()
	defer ps.lock.RUnlock()
	return len(ps.peers)
}

// MaxChainSizePeer is the ready peer with the longest chain, skipping addr.
func (ps *PeersState) MaxChainSizePeer(skip types.Address) (*Peer, bool) {
	var best *Peer
	for _, p := range ps.Ready() {
		if p.Address == skip {
			continue
		}
		if best == nil || p.Status().ChainSize > best.Status().ChainSize {
			best = p
		}
	}
	return best, best != nil
}

func (ps *PeersState) MarkMalicious(addr types.Address, err error) {
	ps.malicious.Add(addr, err)
}

func (ps *PeersState) IsMalicious(addr types.Address) bool {
	return ps.malicious.Contains(addr)
}

func (ps *PeersState) MaliciousCount() int {
	return ps.malicious.Len()
}
