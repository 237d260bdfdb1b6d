/*
Package network implements the peer protocol of the node: status exchange,
DAG block and transaction gossip, PBFT vote and proposal gossip, and the
bulk sync of finalized periods.
*/
package network

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/dagpbft/chain"
	"github.com/gitzhang10/dagpbft/clock"
	"github.com/gitzhang10/dagpbft/config"
	"github.com/gitzhang10/dagpbft/conn"
	"github.com/gitzhang10/dagpbft/consensus"
	"github.com/gitzhang10/dagpbft/dag"
	"github.com/gitzhang10/dagpbft/storage"
	"github.com/gitzhang10/dagpbft/txpool"
	"github.com/gitzhang10/dagpbft/types"
)

const (
	syncRetryDelay   = 100 * time.Millisecond
	maxSyncRetries   = 60
	stallIntervals   = 5
	maxMsgSize       = 64 << 20
	inboxSize        = 1024
	transportTimeout = 5 * time.Second
)

// PacketFunc observes every packet accepted from a peer.
type PacketFunc func(name string, size int)

// Components are the node parts the protocol reads from and feeds.
type Components struct {
	Manager      *consensus.Manager
	Chain        *chain.PbftChain
	Dag          *dag.DagManager
	BlockManager *dag.BlockManager
	Pool         *txpool.Pool
	DB           *storage.DB
	Clock        clock.Scheduler
}

// Network is the protocol endpoint of one node. It implements
// consensus.Network.
type Network struct {
	conf     *config.Config
	self     types.Address
	genesis  types.Hash
	trans    *conn.NetworkTransport
	peers    *PeersState
	syncing  *SyncingState
	handlers map[uint8]Handler

	mgr   *consensus.Manager
	chain *chain.PbftChain
	dag   *dag.DagManager
	bm    *dag.BlockManager
	pool  *txpool.Pool
	db    *storage.DB
	clock clock.Scheduler

	// syncLock serializes sync restarts coming from the consensus loop,
	// the packet loop and the sync timers.
	syncLock    sync.Mutex
	lastDagSync time.Time

	bootLock sync.Mutex
	bootSent map[string]bool

	closed   chan struct{}
	onPacket []PacketFunc

	logger hclog.Logger
}

// New binds the transport on conf.ListenAddr and wires the protocol into
// the consensus manager and the DAG.
func New(conf *config.Config, c Components, logger hclog.Logger) (*Network, error) {
	logger = logger.Named("network")
	trans, err := conn.NewTCPTransport(conf.ListenAddr, &conn.NetworkTransportConfig{
		MaxPool:           conf.MaxPool,
		ReflectedTypesMap: reflectedTypesMap,
		Key:               conf.NodeKey,
		MaxMsgSize:        maxMsgSize,
		InboxSize:         inboxSize,
		Logger:            logger.Named("transport"),
		Timeout:           transportTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", conf.ListenAddr, err)
	}
	n := &Network{
		conf:     conf,
		self:     conf.NodeAddress(),
		genesis:  conf.GenesisHash(),
		trans:    trans,
		peers:    NewPeersState(),
		syncing:  &SyncingState{},
		mgr:      c.Manager,
		chain:    c.Chain,
		dag:      c.Dag,
		bm:       c.BlockManager,
		pool:     c.Pool,
		db:       c.DB,
		clock:    c.Clock,
		bootSent: make(map[string]bool),
		closed:   make(chan struct{}),
		logger:   logger,
	}
	n.handlers = n.newHandlers()
	c.Manager.SetNetwork(n)
	c.Manager.OnMaliciousPeer(n.onMaliciousPeer)
	c.Dag.Subscribe(n.onDagBlock)
	return n, nil
}

// ListenAddr is the address the transport is bound to.
func (n *Network) ListenAddr() string { return n.trans.LocalAddr() }

func (n *Network) Peers() *PeersState { return n.peers }

func (n *Network) OnPacket(fn PacketFunc) { n.onPacket = append(n.onPacket, fn) }

// Close releases the transport of a network that never ran.
func (n *Network) Close() error { return n.trans.Close() }

// Run greets the boot nodes and handles packets until ctx is done.
func (n *Network) Run(ctx context.Context) error {
	n.logger.Info("network started", "listen", n.ListenAddr(), "address", n.self, "bootnodes", len(n.conf.BootNodes))
	n.dialBootNodes()
	n.scheduleStatus()
	defer func() {
		close(n.closed)
		n.trans.Close()
	}()
	return n.HandleMsgLoop(ctx)
}

// HandleMsgLoop dispatches incoming packets to their handlers.
func (n *Network) HandleMsgLoop(ctx context.Context) error {
	msgCh := n.trans.MsgChan()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-msgCh:
			n.handle(env)
		}
	}
}

func (n *Network) handle(env conn.Envelope) {
	name := PacketName(env.Type)
	if env.From == n.self {
		return
	}
	if n.peers.IsMalicious(env.From) {
		n.logger.Trace("drop packet from malicious peer", "peer", env.From, "packet", name)
		return
	}
	h, ok := n.handlers[env.Type]
	if !ok {
		n.logger.Warn("no handler for packet", "peer", env.From, "type", env.Type)
		return
	}
	var peer *Peer
	if env.Type == StatusPacket {
		peer = n.peers.GetOrAdd(env.From, "")
	} else {
		peer, ok = n.peers.Get(env.From)
		if !ok || !peer.Ready() {
			n.logger.Debug("drop packet from unknown peer", "peer", env.From, "packet", name)
			return
		}
	}
	for _, fn := range n.onPacket {
		fn(name, env.Size)
	}
	if err := h.Validate(peer, env.Msg); err != nil {
		n.peerError(peer, name, err)
		return
	}
	if err := h.Process(peer, env.Msg); err != nil {
		n.peerError(peer, name, err)
	}
}

func (n *Network) peerError(peer *Peer, packet string, err error) {
	var mErr *MaliciousPeerError
	if errors.As(err, &mErr) {
		n.logger.Warn("malicious peer", "peer", peer.Address, "packet", packet, "error", err)
		n.markMalicious(peer.Address, err)
		return
	}
	n.logger.Info("disconnect peer", "peer", peer.Address, "packet", packet, "error", err)
	n.disconnect(peer.Address)
}

func (n *Network) markMalicious(addr types.Address, err error) {
	n.peers.MarkMalicious(addr, err)
	n.disconnect(addr)
}

func (n *Network) disconnect(addr types.Address) {
	p, ok := n.peers.Remove(addr)
	if !ok {
		return
	}
	if la := p.ListenAddr(); la != "" {
		n.trans.DropConns(la)
	}
	if syncPeer, syncing := n.syncing.SyncPeer(); syncing && syncPeer == addr {
		n.logger.Info("lost sync peer", "peer", addr)
		go n.restartSyncingPbft(true)
	}
}

// onMaliciousPeer is called by consensus when synced data fails validation.
func (n *Network) onMaliciousPeer(peer types.Address, err error) {
	n.markMalicious(peer, &MaliciousPeerError{Peer: peer, Err: err})
}

func (n *Network) send(p *Peer, msgType uint8, msg interface{}) {
	target := p.ListenAddr()
	if target == "" {
		return
	}
	if err := n.trans.Send(target, msgType, msg); err != nil {
		n.logger.Debug("send failed", "peer", p.Address, "packet", PacketName(msgType), "error", err)
	}
}

func (n *Network) status(initial bool) Status {
	period, round, _ := n.mgr.Round()
	s := Status{
		DagLevel:      n.dag.MaxLevel(),
		ChainSize:     n.chain.GetPbftChainSize(),
		Syncing:       n.syncing.IsSyncing(),
		Period:        period,
		Round:         round,
		NextVotesSize: uint64(n.mgr.NextVotes().Size()),
	}
	if initial {
		s.Initial = true
		s.NetworkID = n.conf.NetworkID
		s.GenesisHash = n.genesis
		s.Version = ProtocolVersion
		s.ListenAddr = n.ListenAddr()
	}
	return s
}

func (n *Network) dialBootNodes() {
	initial := n.status(true)
	for _, bn := range n.conf.BootNodes {
		if bn == n.ListenAddr() {
			continue
		}
		if err := n.trans.Send(bn, StatusPacket, initial); err != nil {
			n.logger.Debug("boot node unreachable", "addr", bn, "error", err)
			continue
		}
		n.bootLock.Lock()
		n.bootSent[bn] = true
		n.bootLock.Unlock()
	}
}

// greeted reports whether our initial status already went to listenAddr.
func (n *Network) greeted(listenAddr string) bool {
	n.bootLock.Lock()
	defer n.bootLock.Unlock()
	return n.bootSent[listenAddr]
}

func (n *Network) scheduleStatus() {
	if n.conf.StatusInterval <= 0 {
		return
	}
	n.clock.AfterFunc(n.conf.StatusInterval, func() {
		select {
		case <-n.closed:
			return
		default:
		}
		n.statusTick()
		n.scheduleStatus()
	})
}

// statusTick sends the compact status to every ready peer, asks for missing
// DAG blocks and restarts a stalled sync.
func (n *Network) statusTick() {
	ready := n.peers.Ready()
	if len(ready) < len(n.conf.BootNodes) {
		n.dialBootNodes()
	}
	s := n.status(false)
	for _, p := range ready {
		n.send(p, StatusPacket, s)
	}
	if missing := n.bm.TakeMissing(); len(missing) > 0 && len(ready) > 0 {
		p := ready[rand.Intn(len(ready))]
		n.logger.Debug("request missing dag blocks", "peer", p.Address, "count", len(missing))
		n.send(p, GetBlocksPacket, GetBlocks{Mode: MissingHashes, Hashes: missing})
	}
	if n.syncing.Stalled(n.clock.Now(), stallIntervals*n.conf.StatusInterval) {
		peer, _ := n.syncing.SyncPeer()
		n.logger.Warn("pbft sync stalled", "peer", peer)
		n.restartSyncingPbft(true)
	}
}

// onPeerStatus decides whether a peer's status means we are behind.
func (n *Network) onPeerStatus(p *Peer) {
	s := p.Status()
	size := n.chain.GetPbftChainSize()
	if s.ChainSize > size {
		if !n.syncing.IsSyncing() {
			n.logger.Info("peer chain is ahead", "peer", p.Address, "ours", size, "theirs", s.ChainSize)
			n.restartSyncingPbft(false)
		}
		return
	}
	period, round, _ := n.mgr.Round()
	nvSize := uint64(n.mgr.NextVotes().Size())
	if s.Period == period && nextVotesAhead(s.Round, s.NextVotesSize, round, nvSize) {
		n.send(p, GetPbftNextVotesPacket, GetPbftNextVotes{Period: period, Round: round, NextVotesSize: nvSize})
	}
	if s.DagLevel > n.dag.MaxLevel()+n.conf.SyncLevelSize && !n.syncing.IsSyncing() {
		n.requestDagSync(p)
	}
}

// requestDagSync asks p for every non-finalized block we do not have.
func (n *Network) requestDagSync(p *Peer) {
	now := n.clock.Now()
	n.syncLock.Lock()
	if now.Sub(n.lastDagSync) < n.conf.StatusInterval || n.bm.OverQueueLimit() {
		n.syncLock.Unlock()
		return
	}
	n.lastDagSync = now
	n.syncLock.Unlock()
	known := make([]types.Hash, 0, n.dag.NonFinalizedCount())
	for _, blk := range n.dag.NonFinalized() {
		known = append(known, blk.Hash())
	}
	n.logger.Debug("request dag sync", "peer", p.Address, "known", len(known))
	n.send(p, GetBlocksPacket, GetBlocks{Mode: KnownHashes, Hashes: known})
}

// RestartSyncingPbft is called by consensus when it finds itself behind.
func (n *Network) RestartSyncingPbft(force bool) { go n.restartSyncingPbft(force) }

func (n *Network) restartSyncingPbft(force bool) {
	n.syncLock.Lock()
	defer n.syncLock.Unlock()
	if n.syncing.IsSyncing() && !force {
		return
	}
	size := n.chain.GetPbftChainSize()
	peer, ok := n.peers.MaxChainSizePeer(types.Address{})
	if !ok || peer.Status().ChainSize <= size {
		n.finishSync()
		return
	}
	from := size + 1
	if last := n.mgr.SyncedQueue().LastPeriod(); last >= from {
		from = last + 1
	}
	n.syncing.Start(peer.Address, n.clock.Now())
	n.logger.Info("sync pbft chain", "peer", peer.Address, "from", from, "ours", size, "theirs", peer.Status().ChainSize)
	n.send(peer, GetPbftBlockPacket, GetPbftBlock{From: from})
}

// finishSync runs with syncLock held.
func (n *Network) finishSync() {
	if !n.syncing.Stop() {
		return
	}
	n.logger.Info("pbft sync done", "chain_size", n.chain.GetPbftChainSize())
	ready := n.peers.Ready()
	for _, p := range ready {
		n.send(p, SyncedPacket, Synced{})
	}
	if len(ready) > 0 {
		go n.requestDagSync(ready[rand.Intn(len(ready))])
	}
	n.mgr.Wake()
}

func (n *Network) scheduleSyncCheck() {
	n.clock.AfterFunc(syncRetryDelay, n.delayedPbftSync)
}

// delayedPbftSync waits for the synced queue to drain before asking for the
// next batch or declaring the sync done.
func (n *Network) delayedPbftSync() {
	select {
	case <-n.closed:
		return
	default:
	}
	if !n.syncing.IsSyncing() {
		return
	}
	if n.mgr.SyncedQueue().Len() > 0 {
		if n.syncing.Retry() > maxSyncRetries {
			n.logger.Warn("synced queue not draining", "size", n.mgr.SyncedQueue().Len())
			n.restartSyncingPbft(true)
			return
		}
		n.scheduleSyncCheck()
		return
	}
	n.restartSyncingPbft(true)
}

func (n *Network) IsSyncing() bool { return n.syncing.IsSyncing() }

// SyncPbftNextVotes asks peers that are further in the period for their
// next votes.
func (n *Network) SyncPbftNextVotes(period, round uint64) {
	go func() {
		nvSize := uint64(n.mgr.NextVotes().Size())
		for _, p := range n.peers.Ready() {
			s := p.Status()
			if s.Period != period || !nextVotesAhead(s.Round, s.NextVotesSize, round, nvSize) {
				continue
			}
			n.send(p, GetPbftNextVotesPacket, GetPbftNextVotes{Period: period, Round: round, NextVotesSize: nvSize})
		}
	}()
}

func (n *Network) BroadcastVote(v *types.Vote) { go n.gossipVote(v, types.Address{}) }

func (n *Network) gossipVote(v *types.Vote, from types.Address) {
	h := v.Hash()
	msg := PbftVote{Vote: v}
	for _, p := range n.peers.Ready() {
		if p.Address == from || p.KnowsVote(h) {
			continue
		}
		p.MarkVoteKnown(h)
		n.send(p, PbftVotePacket, msg)
	}
}

func (n *Network) BroadcastPbftBlock(blk *types.PbftBlock, round uint64) {
	go n.gossipPbftBlock(blk, round, types.Address{})
}

func (n *Network) gossipPbftBlock(blk *types.PbftBlock, round uint64, from types.Address) {
	h := blk.BlockHash()
	msg := NewPbftBlock{Block: blk, Round: round}
	for _, p := range n.peers.Ready() {
		if p.Address == from || p.KnowsPbft(h) {
			continue
		}
		p.MarkPbftKnown(h)
		n.send(p, NewPbftBlockPacket, msg)
	}
}

// onDagBlock gossips a block that entered the DAG. A few random peers get
// the full block, the rest only the hash.
func (n *Network) onDagBlock(blk *types.DagBlock, txs []*types.Transaction, _ bool) {
	if n.syncing.IsSyncing() {
		return
	}
	go n.gossipDagBlock(blk, txs)
}

func (n *Network) gossipDagBlock(blk *types.DagBlock, txs []*types.Transaction) {
	h := blk.Hash()
	var targets []*Peer
	for _, p := range n.peers.Ready() {
		if !p.KnowsBlock(h) {
			targets = append(targets, p)
		}
	}
	rand.Shuffle(len(targets), func(i, j int) { targets[i], targets[j] = targets[j], targets[i] })
	for i, p := range targets {
		p.MarkBlockKnown(h)
		if i < n.conf.GossipDirectPeers {
			for _, tx := range txs {
				p.MarkTxKnown(tx.Hash())
			}
			n.send(p, NewBlockPacket, NewBlock{Block: blk, Transactions: txs})
			continue
		}
		n.send(p, NewBlockHashPacket, NewBlockHash{Hash: h})
	}
}

func (n *Network) gossipTransactions(txs []*types.Transaction, from types.Address) {
	for _, p := range n.peers.Ready() {
		if p.Address == from {
			continue
		}
		var fresh []*types.Transaction
		for _, tx := range txs {
			h := tx.Hash()
			if !p.KnowsTx(h) {
				p.MarkTxKnown(h)
				fresh = append(fresh, tx)
			}
		}
		if len(fresh) > 0 {
			n.send(p, TransactionsPacket, Transactions{Transactions: fresh})
		}
	}
}

// SubmitTransactions inserts local transactions into the pool and gossips
// the accepted ones.
func (n *Network) SubmitTransactions(txs []*types.Transaction) int {
	var accepted []*types.Transaction
	for _, tx := range txs {
		if err := n.pool.Insert(tx); err != nil {
			n.logger.Debug("transaction rejected", "hash", tx.Hash().Abridged(), "error", err)
			continue
		}
		accepted = append(accepted, tx)
	}
	if len(accepted) > 0 {
		go n.gossipTransactions(accepted, types.Address{})
	}
	return len(accepted)
}
