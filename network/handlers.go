package network

import (
	"errors"
	"fmt"

	"github.com/gitzhang10/dagpbft/dag"
	"github.com/gitzhang10/dagpbft/types"
	"github.com/gitzhang10/dagpbft/vote"
)

const (
	maxHashesPerRequest = 10000
	maxTxsPerPacket     = 10000
	maxVotesPerBundle   = 1000
)

var (
	ErrUnexpectedMsg       = errors.New("unexpected message type")
	ErrNetworkMismatch     = errors.New("network id mismatch")
	ErrGenesisMismatch     = errors.New("genesis mismatch")
	ErrIncompatibleVersion = errors.New("incompatible protocol version")
	ErrNoHandshake         = errors.New("status before handshake")
	ErrMalformed           = errors.New("malformed packet")
	ErrTooManyRequests     = errors.New("too many concurrent sync requests")
)

// MaliciousPeerError marks a peer that sent provably invalid data. Such a
// peer is blacklisted, not just disconnected.
type MaliciousPeerError struct {
	Peer types.Address
	Err  error
}

func (e *MaliciousPeerError) Error() string {
	return fmt.Sprintf("malicious peer %s: %v", e.Peer, e.Err)
}

func (e *MaliciousPeerError) Unwrap() error { return e.Err }

// Handler processes one packet type. Validate runs the stateless checks,
// Process acts on the packet. An error from either disconnects the peer.
type Handler interface {
	Validate(peer *Peer, msg interface{}) error
	Process(peer *Peer, msg interface{}) error
}

type typedHandler[T any] struct {
	validate func(*Peer, *T) error
	process  func(*Peer, *T) error
}

func (h typedHandler[T]) cast(msg interface{}) (*T, error) {
	m, ok := msg.(*T)
	if !ok || m == nil {
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedMsg, msg)
	}
	return m, nil
}

func (h typedHandler[T]) Validate(peer *Peer, msg interface{}) error {
	m, err := h.cast(msg)
	if err != nil || h.validate == nil {
		return err
	}
	return h.validate(peer, m)
}

func (h typedHandler[T]) Process(peer *Peer, msg interface{}) error {
	m, err := h.cast(msg)
	if err != nil {
		return err
	}
	return h.process(peer, m)
}

func (n *Network) newHandlers() map[uint8]Handler {
	return map[uint8]Handler{
		StatusPacket:           typedHandler[Status]{n.validateStatus, n.processStatus},
		NewBlockPacket:         typedHandler[NewBlock]{validateNewBlock, n.processNewBlock},
		NewBlockHashPacket:     typedHandler[NewBlockHash]{nil, n.processNewBlockHash},
		GetNewBlockPacket:      typedHandler[GetNewBlock]{nil, n.processGetNewBlock},
		GetBlocksPacket:        typedHandler[GetBlocks]{validateGetBlocks, n.processGetBlocks},
		BlocksPacket:           typedHandler[Blocks]{validateBlocks, n.processBlocks},
		TransactionsPacket:     typedHandler[Transactions]{validateTransactions, n.processTransactions},
		PbftVotePacket:         typedHandler[PbftVote]{validateVote, n.processVote},
		GetPbftNextVotesPacket: typedHandler[GetPbftNextVotes]{nil, n.processGetNextVotes},
		PbftNextVotesPacket:    typedHandler[PbftNextVotes]{validateNextVotes, n.processNextVotes},
		NewPbftBlockPacket:     typedHandler[NewPbftBlock]{validateNewPbftBlock, n.processNewPbftBlock},
		GetPbftBlockPacket:     typedHandler[GetPbftBlock]{validateGetPbftBlock, n.processGetPbftBlock},
		PbftBlockPacket:        typedHandler[PbftBlock]{validatePbftBlock, n.processPbftBlock},
		SyncedPacket:           typedHandler[Synced]{nil, n.processSynced},
	}
}

func (n *Network) validateStatus(peer *Peer, s *Status) error {
	if !s.Initial {
		if !peer.Ready() {
			return ErrNoHandshake
		}
		return nil
	}
	if s.NetworkID != n.conf.NetworkID {
		return fmt.Errorf("%w: ours %d, theirs %d", ErrNetworkMismatch, n.conf.NetworkID, s.NetworkID)
	}
	if s.GenesisHash != n.genesis {
		return fmt.Errorf("%w: ours %s, theirs %s", ErrGenesisMismatch, n.genesis.Abridged(), s.GenesisHash.Abridged())
	}
	if !ProtocolVersion.Compatible(s.Version) {
		return fmt.Errorf("%w: %d.%d", ErrIncompatibleVersion, s.Version.Major, s.Version.Minor)
	}
	if s.ListenAddr == "" {
		return fmt.Errorf("%w: empty listen address", ErrMalformed)
	}
	return nil
}

func (n *Network) processStatus(peer *Peer, s *Status) error {
	peer.updateStatus(*s, n.clock.Now())
	if s.Initial {
		n.peers.GetOrAdd(peer.Address, s.ListenAddr)
		wasReady := n.peers.setReady(peer)
		// a ready peer sending its initial status again has restarted
		if wasReady || !n.greeted(s.ListenAddr) {
			n.send(peer, StatusPacket, n.status(true))
		}
		if !wasReady {
			n.logger.Info("peer connected", "peer", peer.Address, "addr", s.ListenAddr,
				"chain_size", s.ChainSize, "dag_level", s.DagLevel)
		}
	}
	n.onPeerStatus(peer)
	return nil
}

func validateNewBlock(_ *Peer, m *NewBlock) error {
	if m.Block == nil {
		return fmt.Errorf("%w: nil dag block", ErrMalformed)
	}
	return nil
}

func (n *Network) processNewBlock(peer *Peer, m *NewBlock) error {
	peer.MarkBlockKnown(m.Block.Hash())
	for _, tx := range m.Transactions {
		peer.MarkTxKnown(tx.Hash())
	}
	if n.syncing.IsSyncing() {
		return nil
	}
	_, err := n.bm.InsertBroadcastedBlock(m.Block, m.Transactions)
	return n.dagInsertError(peer, err)
}

// dagInsertError requests missing parents and escalates invalid blocks.
func (n *Network) dagInsertError(peer *Peer, err error) error {
	if err == nil {
		return nil
	}
	var missing *dag.MissingParentsError
	if errors.As(err, &missing) {
		n.logger.Debug("request missing parents", "peer", peer.Address, "block", missing.Block.Abridged(),
			"count", len(missing.Hashes))
		n.send(peer, GetBlocksPacket, GetBlocks{Mode: MissingHashes, Hashes: missing.Hashes})
		return nil
	}
	if errors.Is(err, dag.ErrInvalid) {
		return &MaliciousPeerError{Peer: peer.Address, Err: err}
	}
	n.logger.Debug("dag block not inserted", "peer", peer.Address, "error", err)
	return nil
}

func (n *Network) processNewBlockHash(peer *Peer, m *NewBlockHash) error {
	peer.MarkBlockKnown(m.Hash)
	if n.dag.IsKnown(m.Hash) || n.bm.IsKnown(m.Hash) || n.bm.IsInvalid(m.Hash) {
		return nil
	}
	n.send(peer, GetNewBlockPacket, GetNewBlock{Hash: m.Hash})
	return nil
}

func (n *Network) processGetNewBlock(peer *Peer, m *GetNewBlock) error {
	blk, err := n.dag.GetDagBlock(m.Hash)
	if err != nil {
		n.logger.Debug("requested dag block not found", "peer", peer.Address, "hash", m.Hash.Abridged())
		return nil
	}
	peer.MarkBlockKnown(m.Hash)
	n.send(peer, NewBlockPacket, NewBlock{Block: blk, Transactions: n.blockTransactions(nil, blk)})
	return nil
}

// blockTransactions appends the transactions of blk that are not yet in txs.
func (n *Network) blockTransactions(txs []*types.Transaction, blk *types.DagBlock) []*types.Transaction {
	for _, h := range blk.Transactions {
		if tx, ok := n.pool.Get(h); ok {
			txs = append(txs, tx)
		}
	}
	return txs
}

func validateGetBlocks(_ *Peer, m *GetBlocks) error {
	if m.Mode != MissingHashes && m.Mode != KnownHashes {
		return fmt.Errorf("%w: get blocks mode %d", ErrMalformed, m.Mode)
	}
	if len(m.Hashes) > maxHashesPerRequest {
		return fmt.Errorf("%w: %d hashes requested", ErrMalformed, len(m.Hashes))
	}
	return nil
}

func (n *Network) processGetBlocks(peer *Peer, m *GetBlocks) error {
	var blocks []*types.DagBlock
	switch m.Mode {
	case MissingHashes:
		for _, h := range m.Hashes {
			if blk, err := n.dag.GetDagBlock(h); err == nil {
				blocks = append(blocks, blk)
			}
		}
	case KnownHashes:
		known := make(map[types.Hash]struct{}, len(m.Hashes))
		for _, h := range m.Hashes {
			known[h] = struct{}{}
		}
		for _, blk := range n.dag.NonFinalized() {
			if _, ok := known[blk.Hash()]; !ok {
				blocks = append(blocks, blk)
			}
		}
	}
	if len(blocks) == 0 {
		return nil
	}
	seen := make(map[types.Hash]struct{})
	var txs []*types.Transaction
	for _, blk := range blocks {
		peer.MarkBlockKnown(blk.Hash())
		for _, tx := range n.blockTransactions(nil, blk) {
			h := tx.Hash()
			if _, ok := seen[h]; !ok {
				seen[h] = struct{}{}
				txs = append(txs, tx)
			}
		}
	}
	n.logger.Debug("send dag blocks", "peer", peer.Address, "blocks", len(blocks), "txs", len(txs))
	n.send(peer, BlocksPacket, Blocks{Blocks: blocks, Transactions: txs})
	return nil
}

func validateBlocks(_ *Peer, m *Blocks) error {
	for _, blk := range m.Blocks {
		if blk == nil {
			return fmt.Errorf("%w: nil dag block", ErrMalformed)
		}
	}
	return nil
}

func (n *Network) processBlocks(peer *Peer, m *Blocks) error {
	n.pool.InsertBatch(m.Transactions)
	for _, blk := range m.Blocks {
		peer.MarkBlockKnown(blk.Hash())
		_, err := n.bm.InsertBroadcastedBlock(blk, nil)
		if err := n.dagInsertError(peer, err); err != nil {
			return err
		}
	}
	return nil
}

func validateTransactions(_ *Peer, m *Transactions) error {
	if len(m.Transactions) > maxTxsPerPacket {
		return fmt.Errorf("%w: %d transactions", ErrMalformed, len(m.Transactions))
	}
	for _, tx := range m.Transactions {
		if tx == nil {
			return fmt.Errorf("%w: nil transaction", ErrMalformed)
		}
	}
	return nil
}

func (n *Network) processTransactions(peer *Peer, m *Transactions) error {
	for _, tx := range m.Transactions {
		peer.MarkTxKnown(tx.Hash())
	}
	if accepted := n.pool.InsertBatch(m.Transactions); accepted > 0 {
		go n.gossipTransactions(m.Transactions, peer.Address)
	}
	return nil
}

// voteFault reports whether a vote error proves the sender forged data.
func voteFault(err error) bool {
	return errors.Is(err, vote.ErrInvalidSignature) || errors.Is(err, vote.ErrInvalidCredential) ||
		errors.Is(err, vote.ErrNullPeriod)
}

func validateVote(_ *Peer, m *PbftVote) error {
	if m.Vote == nil {
		return fmt.Errorf("%w: nil vote", ErrMalformed)
	}
	return nil
}

func (n *Network) processVote(peer *Peer, m *PbftVote) error {
	peer.MarkVoteKnown(m.Vote.Hash())
	added, err := n.mgr.AddVote(m.Vote)
	if err != nil {
		if voteFault(err) {
			return &MaliciousPeerError{Peer: peer.Address, Err: err}
		}
		n.logger.Debug("vote not added", "peer", peer.Address, "period", m.Vote.Period, "round", m.Vote.Round,
			"step", m.Vote.Step, "error", err)
		return nil
	}
	if added {
		go n.gossipVote(m.Vote, peer.Address)
	}
	return nil
}

// nextVotesAhead reports whether a node at (round, size) holds next votes
// that a node at (otherRound, otherSize) of the same period lacks.
func nextVotesAhead(round, size, otherRound, otherSize uint64) bool {
	return round > otherRound || (round == otherRound && size > otherSize)
}

func (n *Network) processGetNextVotes(peer *Peer, m *GetPbftNextVotes) error {
	period, round, _ := n.mgr.Round()
	votes := n.mgr.NextVotes().GetNextVotes()
	if m.Period != period || !nextVotesAhead(round, uint64(len(votes)), m.Round, m.NextVotesSize) {
		return nil
	}
	if len(votes) == 0 {
		return nil
	}
	for _, v := range votes {
		peer.MarkVoteKnown(v.Hash())
	}
	n.logger.Debug("send next votes", "peer", peer.Address, "period", period, "votes", len(votes))
	n.send(peer, PbftNextVotesPacket, PbftNextVotes{Votes: votes})
	return nil
}

func validateNextVotes(_ *Peer, m *PbftNextVotes) error {
	if len(m.Votes) > maxVotesPerBundle {
		return fmt.Errorf("%w: %d next votes", ErrMalformed, len(m.Votes))
	}
	for _, v := range m.Votes {
		if v == nil {
			return fmt.Errorf("%w: nil vote", ErrMalformed)
		}
		if v.Type() != types.NextVote {
			return fmt.Errorf("%w: step %d in next vote bundle", ErrMalformed, v.Step)
		}
	}
	return nil
}

func (n *Network) processNextVotes(peer *Peer, m *PbftNextVotes) error {
	for _, v := range m.Votes {
		peer.MarkVoteKnown(v.Hash())
	}
	if err := n.mgr.AddNextVotesBundle(m.Votes); err != nil {
		if voteFault(err) {
			return &MaliciousPeerError{Peer: peer.Address, Err: err}
		}
		n.logger.Debug("next votes not added", "peer", peer.Address, "error", err)
	}
	return nil
}

func validateNewPbftBlock(_ *Peer, m *NewPbftBlock) error {
	if m.Block == nil {
		return fmt.Errorf("%w: nil pbft block", ErrMalformed)
	}
	return nil
}

func (n *Network) processNewPbftBlock(peer *Peer, m *NewPbftBlock) error {
	peer.MarkPbftKnown(m.Block.BlockHash())
	if period, _, _ := n.mgr.Round(); m.Block.Period < period {
		return nil
	}
	err := n.mgr.AddProposedBlock(m.Block, m.Round)
	switch {
	case errors.Is(err, vote.ErrAlreadyInserted):
		return nil
	case errors.Is(err, vote.ErrInvalidSignature):
		return &MaliciousPeerError{Peer: peer.Address, Err: err}
	case err != nil:
		n.logger.Debug("proposed block not added", "peer", peer.Address, "error", err)
		return nil
	}
	go n.gossipPbftBlock(m.Block, m.Round, peer.Address)
	return nil
}

func validateGetPbftBlock(_ *Peer, m *GetPbftBlock) error {
	if m.From == 0 {
		return fmt.Errorf("%w: sync from period 0", ErrMalformed)
	}
	return nil
}

func (n *Network) processGetPbftBlock(peer *Peer, m *GetPbftBlock) error {
	if int(peer.syncRequests.Add(1)) > n.conf.MaxPeerSyncRequests {
		peer.syncRequests.Add(-1)
		return ErrTooManyRequests
	}
	go func() {
		defer peer.syncRequests.Add(-1)
		n.servePbftBlocks(peer, m.From)
	}()
	return nil
}

// servePbftBlocks streams at most MaxSyncQueue periods starting at from.
func (n *Network) servePbftBlocks(peer *Peer, from uint64) {
	size := n.chain.GetPbftChainSize()
	if from > size {
		n.send(peer, PbftBlockPacket, PbftBlock{Last: true})
		return
	}
	end := size
	if n.conf.MaxSyncQueue > 0 && from+n.conf.MaxSyncQueue-1 < end {
		end = from + n.conf.MaxSyncQueue - 1
	}
	n.logger.Debug("serve pbft blocks", "peer", peer.Address, "from", from, "to", end)
	for p := from; p <= end; p++ {
		sb, err := n.db.GetPeriodData(p)
		if err != nil {
			n.logger.Error("failed to load period data", "period", p, "error", err)
			n.send(peer, PbftBlockPacket, PbftBlock{Last: true})
			return
		}
		n.send(peer, PbftBlockPacket, PbftBlock{Data: sb, Last: p == end})
	}
}

func validatePbftBlock(_ *Peer, m *PbftBlock) error {
	if m.Data == nil {
		return nil
	}
	if m.Data.PbftBlock == nil {
		return fmt.Errorf("%w: period data without pbft block", ErrMalformed)
	}
	for _, v := range m.Data.CertVotes {
		if v == nil {
			return fmt.Errorf("%w: nil cert vote", ErrMalformed)
		}
	}
	for _, blk := range m.Data.DagBlocks {
		if blk == nil {
			return fmt.Errorf("%w: nil dag block", ErrMalformed)
		}
	}
	for _, tx := range m.Data.Transactions {
		if tx == nil {
			return fmt.Errorf("%w: nil transaction", ErrMalformed)
		}
	}
	return nil
}

func (n *Network) processPbftBlock(peer *Peer, m *PbftBlock) error {
	syncPeer, syncing := n.syncing.SyncPeer()
	if !syncing || syncPeer != peer.Address {
		n.logger.Debug("unrequested period data", "peer", peer.Address)
		return nil
	}
	if m.Data == nil {
		n.logger.Info("sync peer has no more period data", "peer", peer.Address)
		n.scheduleSyncCheck()
		return nil
	}
	period := m.Data.PbftBlock.Period
	peer.setChainSize(period)
	n.syncing.Progress(n.clock.Now())
	if n.mgr.PushSyncedBlock(m.Data, peer.Address) {
		n.logger.Trace("queued synced period", "peer", peer.Address, "period", period)
	}
	if m.Last {
		n.scheduleSyncCheck()
	}
	return nil
}

func (n *Network) processSynced(peer *Peer, _ *Synced) error {
	peer.setSynced()
	n.logger.Debug("peer synced", "peer", peer.Address)
	return nil
}
