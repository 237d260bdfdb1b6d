package consensus

import (
	"errors"
	"fmt"

	"github.com/gitzhang10/dagpbft/chain"
	"github.com/gitzhang10/dagpbft/dag"
	"github.com/gitzhang10/dagpbft/storage"
	"github.com/gitzhang10/dagpbft/types"
	"github.com/gitzhang10/dagpbft/vote"
)

var (
	ErrOrderHashMismatch = errors.New("order hash does not match dag order and transactions")
	ErrDagOrderMismatch  = errors.New("dag order does not match the anchor")
	ErrMissingTx         = errors.New("transaction of ordered dag block not found")
	ErrMalformedPeriod   = errors.New("period data has nil entries")
)

// collectTransactions walks the order and keeps the first occurrence of every
// transaction that no earlier period executed.
func (m *Manager) collectTransactions(order []types.Hash, blocks map[types.Hash]*types.DagBlock) ([]*types.Transaction, error) {
	seen := make(map[types.Hash]struct{})
	var txs []*types.Transaction
	for _, h := range order {
		blk, ok := blocks[h]
		if !ok {
			var err error
			if blk, err = m.dag.GetDagBlock(h); err != nil {
				return nil, err
			}
		}
		for _, th := range blk.Transactions {
			if _, dup := seen[th]; dup {
				continue
			}
			seen[th] = struct{}{}
			tx, ok := m.pool.Get(th)
			if !ok {
				return nil, fmt.Errorf("%w: %s in %s", ErrMissingTx, th.Abridged(), h.Abridged())
			}
			executed, err := m.executor.HasBeenExecuted(tx)
			if err != nil {
				return nil, err
			}
			if !executed {
				txs = append(txs, tx)
			}
		}
	}
	return txs, nil
}

// buildPeriodData checks blk against the chain head and the local DAG and
// returns its period data without cert votes.
func (m *Manager) buildPeriodData(blk *types.PbftBlock) (*types.SyncBlock, error) {
	if err := m.chain.CheckPbftBlockValidation(blk); err != nil {
		return nil, err
	}
	order, err := m.dag.GetDagBlockOrder(blk.DagBlockAnchor, blk.Period)
	if err != nil {
		return nil, err
	}
	if !blk.DagBlockAnchor.IsZero() && (len(order) == 0 || order[len(order)-1] != blk.DagBlockAnchor) {
		return nil, fmt.Errorf("%w: %s", ErrDagOrderMismatch, blk.DagBlockAnchor.Abridged())
	}
	sb := &types.SyncBlock{PbftBlock: blk}
	blocks := make(map[types.Hash]*types.DagBlock, len(order))
	for _, h := range order {
		dagBlk, err := m.dag.GetDagBlock(h)
		if err != nil {
			return nil, err
		}
		blocks[h] = dagBlk
		sb.DagBlocks = append(sb.DagBlocks, dagBlk)
	}
	if sb.Transactions, err = m.collectTransactions(order, blocks); err != nil {
		return nil, err
	}
	if got := types.CalculateOrderHash(order, types.TxHashes(sb.Transactions)); got != blk.OrderHash {
		return nil, fmt.Errorf("%w: block %s, local %s", ErrOrderHashMismatch, blk.OrderHash.Abridged(), got.Abridged())
	}
	return sb, nil
}

// proposeMyPbftBlock builds and signs this node's block for the current
// period.
func (m *Manager) proposeMyPbftBlock() (*types.PbftBlock, error) {
	period := m.status.Period
	anchor, err := m.dag.AnchorCandidate(m.maxLevelsPerPeriod)
	if err != nil {
		return nil, err
	}
	if !anchor.IsZero() {
		anchorBlk, err := m.dag.GetDagBlock(anchor)
		if err != nil {
			return nil, err
		}
		if pp, ok := m.bm.GetProposalPeriod(anchorBlk.Level); !ok || pp >= period {
			m.logger.Debug("anchor not admissible yet, proposing empty block", "anchor", anchor.Abridged(), "level", anchorBlk.Level)
			anchor = types.ZeroHash
		}
	}
	order, err := m.dag.GetDagBlockOrder(anchor, period)
	if err != nil {
		return nil, err
	}
	txs, err := m.collectTransactions(order, nil)
	if err != nil {
		return nil, err
	}
	var reward []types.Hash
	if period > 1 {
		prev, err := m.db.GetPeriodData(period - 1)
		if err != nil {
			return nil, fmt.Errorf("previous period data: %w", err)
		}
		for _, v := range prev.CertVotes {
			reward = append(reward, v.Hash())
		}
	}
	blk := &types.PbftBlock{
		PrevBlockHash:  m.chain.GetLastPbftBlockHash(),
		DagBlockAnchor: anchor,
		OrderHash:      types.CalculateOrderHash(order, types.TxHashes(txs)),
		Period:         period,
		Timestamp:      m.clock.Now().Unix(),
		RewardVotes:    reward,
	}
	blk.Sign(m.key)
	m.logger.Info("proposed pbft block", "hash", blk.BlockHash().Abridged(), "period", period,
		"anchor", anchor.Abridged(), "dag_blocks", len(order), "txs", len(txs))
	return blk, nil
}

// pushCertVotedPbftBlockIntoChain finalizes the block the cert votes agree on.
func (m *Manager) pushCertVotedPbftBlockIntoChain(hash types.Hash, votes []*vote.Weighted) bool {
	blk, ok := m.proposed.GetPbftProposedBlock(m.status.Period, hash)
	if !ok {
		m.logger.Debug("cert voted block not received yet", "hash", hash.Abridged())
		m.syncPbftChainFromPeers(false)
		return false
	}
	sb, err := m.buildPeriodData(blk)
	if err != nil {
		m.logger.Warn("cert voted block not pushable", "hash", hash.Abridged(), "error", err)
		m.syncPbftChainFromPeers(false)
		return false
	}
	sb.CertVotes = vote.Votes(votes)
	if err := m.finalize(sb); err != nil {
		m.logger.Error("failed to finalize cert voted block", "hash", hash.Abridged(), "error", err)
		return false
	}
	m.resetPeriod(blk.Period + 1)
	return true
}

// PushSyncedBlock queues period data received from peer.
func (m *Manager) PushSyncedBlock(sb *types.SyncBlock, peer types.Address) bool {
	if sb == nil || sb.PbftBlock == nil {
		return false
	}
	if !m.synced.Push(sb, peer) {
		return false
	}
	m.Wake()
	return true
}

func (m *Manager) malicious(peer types.Address, err error) {
	dropped := m.synced.Clear()
	m.logger.Warn("invalid synced period data", "peer", peer.Hex(), "dropped", dropped, "error", err)
	if m.onMalicious != nil {
		m.onMalicious(peer, err)
	}
}

// pushSyncedPbftBlocksIntoChain drains the synced queue in period order. It
// reports whether any block was finalized.
func (m *Manager) pushSyncedPbftBlocksIntoChain() bool {
	pushed := false
	for {
		item, ok := m.synced.Front()
		if !ok {
			break
		}
		sb := item.Block
		size := m.chain.GetPbftChainSize()
		if sb.PbftBlock.Period <= size {
			m.synced.PopFront()
			continue
		}
		if sb.PbftBlock.Period > size+1 {
			break
		}
		if err := m.validateSyncedBlock(sb); err != nil {
			m.malicious(item.Peer, err)
			break
		}
		if err := m.finalize(sb); err != nil {
			m.logger.Error("failed to finalize synced block", "period", sb.PbftBlock.Period, "error", err)
			m.synced.Clear()
			break
		}
		m.synced.PopFront()
		pushed = true
	}
	if pushed {
		m.resetPeriod(m.chain.GetPbftChainSize() + 1)
	}
	return pushed
}

func (m *Manager) validateSyncedBlock(sb *types.SyncBlock) error {
	blk := sb.PbftBlock
	for _, tx := range sb.Transactions {
		if tx == nil {
			return fmt.Errorf("%w: nil transaction in period %d", ErrMalformedPeriod, blk.Period)
		}
	}
	for _, dagBlk := range sb.DagBlocks {
		if dagBlk == nil {
			return fmt.Errorf("%w: nil dag block in period %d", ErrMalformedPeriod, blk.Period)
		}
	}
	if !blk.VerifySignature() {
		return vote.ErrInvalidSignature
	}
	if err := m.votes.VerifyCertVotes(sb); err != nil {
		return err
	}
	if err := m.chain.CheckPbftBlockValidation(blk); err != nil {
		return err
	}
	txs := make(map[types.Hash]*types.Transaction, len(sb.Transactions))
	for _, tx := range sb.Transactions {
		txs[tx.Hash()] = tx
	}
	for _, dagBlk := range sb.DagBlocks {
		var own []*types.Transaction
		for _, h := range dagBlk.Transactions {
			if tx, ok := txs[h]; ok {
				own = append(own, tx)
			}
		}
		missing, err := m.dag.AddDagBlock(dagBlk, own, false)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return &dag.MissingParentsError{Block: dagBlk.Hash(), Hashes: missing}
		}
	}
	if got := types.CalculateOrderHash(sb.DagOrder(), types.TxHashes(sb.Transactions)); got != blk.OrderHash {
		return fmt.Errorf("%w: period %d", ErrOrderHashMismatch, blk.Period)
	}
	local, err := m.buildPeriodData(blk)
	if err != nil {
		return err
	}
	sb.DagBlocks, sb.Transactions = local.DagBlocks, local.Transactions
	return nil
}

// finalize commits one period: chain head, period data, proposal levels,
// sortition params and counters in one batch, then the DAG order, execution
// and cleanup.
func (m *Manager) finalize(sb *types.SyncBlock) error {
	blk := sb.PbftBlock
	period := blk.Period
	batch := m.db.NewBatch()
	if err := m.chain.UpdatePbftChain(batch, blk); err != nil {
		return err
	}
	if err := m.db.SavePeriodData(batch, sb); err != nil {
		_ = m.chain.Reset()
		return err
	}
	var applyLevels func()
	if !blk.DagBlockAnchor.IsZero() {
		anchor := sb.DagBlocks[len(sb.DagBlocks)-1]
		_, apply, err := m.bm.AddProposalPeriodLevels(batch, period, anchor.Level)
		if err != nil {
			_ = m.chain.Reset()
			return err
		}
		applyLevels = apply
	}
	applySortition, err := m.sortition.PbftBlockPushed(sb, batch)
	if err != nil {
		_ = m.chain.Reset()
		return err
	}
	blkCount, err := m.db.GetStatus(storage.StatusExecutedBlkCount)
	if err != nil {
		_ = m.chain.Reset()
		return err
	}
	trxCount, err := m.db.GetStatus(storage.StatusExecutedTrxCount)
	if err != nil {
		_ = m.chain.Reset()
		return err
	}
	m.db.SaveStatus(batch, storage.StatusExecutedBlkCount, blkCount+uint64(len(sb.DagBlocks)))
	m.db.SaveStatus(batch, storage.StatusExecutedTrxCount, trxCount+uint64(len(sb.Transactions)))
	if err := batch.Commit(); err != nil {
		_ = m.chain.Reset()
		return fmt.Errorf("commit period %d: %w", period, err)
	}
	if applyLevels != nil {
		applyLevels()
	}
	applySortition()

	order := sb.DagOrder()
	if err := m.dag.SetDagBlockOrder(blk.DagBlockAnchor, period, order); err != nil {
		return err
	}
	snap, err := m.executor.Execute(sb)
	if err != nil {
		return err
	}
	m.dpos.SetFinalizedPeriod(period)
	m.pool.MarkFinalized(types.TxHashes(sb.Transactions))
	m.votes.CleanupVotesByPeriod(period + 1)
	if err := m.proposed.CleanupProposedPbftBlocksByPeriod(period + 1); err != nil {
		m.logger.Warn("proposed blocks cleanup failed", "error", err)
	}
	m.logger.Info("pbft block finalized", "period", period, "hash", blk.BlockHash().Abridged(),
		"anchor", blk.DagBlockAnchor.Abridged(), "dag_blocks", len(order), "txs", len(sb.Transactions),
		"state_root", snap.StateRoot.Abridged())

	if len(m.onFinalized) > 0 {
		validators := make([]types.Address, 0)
		for addr := range m.dpos.Balances() {
			validators = append(validators, addr)
		}
		stats, err := NewBlockStats(sb, validators, m.votes.VoteWeight)
		if err != nil {
			m.logger.Warn("block stats failed", "period", period, "error", err)
		} else {
			for _, fn := range m.onFinalized {
				fn(sb, stats)
			}
		}
	}

	if m.checkpointer != nil && m.checkpointInterval > 0 && period%m.checkpointInterval == 0 {
		if err := m.db.CreateCheckpoint(m.checkpointer, period); err != nil {
			m.logger.Error("checkpoint failed", "period", period, "error", err)
		}
	}
	return nil
}

// isChainError reports errors that mean this node is behind its peers.
func isChainError(err error) bool {
	return errors.Is(err, chain.ErrPrevHashMismatch) || errors.Is(err, chain.ErrPeriodGap) ||
		errors.Is(err, dag.ErrUnknownAnchor)
}
