package dag

import (
	"context"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/dagpbft/clock"
	"github.com/gitzhang10/dagpbft/dpos"
	"github.com/gitzhang10/dagpbft/sign"
	"github.com/gitzhang10/dagpbft/sortition"
	"github.com/gitzhang10/dagpbft/txpool"
	"github.com/gitzhang10/dagpbft/types"
)

// maxStaleTries is how many stale tickets the proposer skips before it pays
// the stale difficulty.
const maxStaleTries = 3

// Proposer builds DAG blocks from the transaction pool on top of the frontier.
type Proposer struct {
	key        *secp256k1.PrivateKey
	vrfKey     *sign.VrfKey
	addr       types.Address
	maxTxs     int
	interval   time.Duration
	staleTries int
	lastLevel  uint64

	dag       *DagManager
	bm        *BlockManager
	pool      *txpool.Pool
	sortition *sortition.ParamsManager
	dpos      *dpos.Dpos
	clock     clock.Clock
	logger    hclog.Logger
}

func NewProposer(key *secp256k1.PrivateKey, vrfKey *sign.VrfKey, maxTxs int, interval time.Duration, dm *DagManager,
	bm *BlockManager, pool *txpool.Pool, spm *sortition.ParamsManager, dp *dpos.Dpos, clk clock.Clock, logger hclog.Logger) *Proposer {
	return &Proposer{
		key:       key,
		vrfKey:    vrfKey,
		addr:      types.Address(sign.Address(key)),
		maxTxs:    maxTxs,
		interval:  interval,
		dag:       dm,
		bm:        bm,
		pool:      pool,
		sortition: spm,
		dpos:      dp,
		clock:     clk,
		logger:    logger.Named("dag_proposer"),
	}
}

// Run proposes every interval until ctx is done.
func (p *Proposer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.ProposeOnce(); err != nil {
				p.logger.Warn("dag block proposal failed", "error", err)
			}
		}
	}
}

// ProposeOnce returns the new block or nil when nothing was proposed.
func (p *Proposer) ProposeOnce() (*types.DagBlock, error) {
	eligible, err := p.dpos.IsEligible(p.dpos.FinalizedPeriod(), p.addr)
	if err != nil || !eligible {
		return nil, err
	}
	frontier, err := p.dag.Frontier()
	if err != nil {
		return nil, err
	}
	period, ok := p.bm.GetProposalPeriod(frontier.Level)
	if !ok {
		p.logger.Trace("frontier level ahead of proposal periods", "level", frontier.Level)
		return nil, nil
	}
	params, err := p.sortition.GetSortitionParams(period)
	if err != nil {
		return nil, err
	}
	txs := p.pool.Pack(p.maxTxs)
	if len(txs) == 0 {
		return nil, nil
	}
	hashes := types.TxHashes(txs)
	vdf, err := sortition.NewVdfSortition(params, p.vrfKey, frontier.Level, period, frontier.Pivot)
	if err != nil {
		p.pool.Unpack(hashes)
		return nil, err
	}
	if frontier.Level != p.lastLevel {
		p.staleTries = 0
	}
	p.lastLevel = frontier.Level
	if sortition.IsStale(params, vdf) && p.staleTries < maxStaleTries {
		p.staleTries++
		p.pool.Unpack(hashes)
		p.logger.Debug("stale vdf ticket, waiting", "level", frontier.Level, "tries", p.staleTries)
		return nil, nil
	}

	blk := &types.DagBlock{
		Pivot:        frontier.Pivot,
		Level:        frontier.Level,
		Tips:         frontier.Tips,
		Transactions: hashes,
		Timestamp:    p.clock.Now().Unix(),
		Vdf:          vdf,
	}
	blk.Sign(p.key)
	if err := p.bm.InsertProposedBlock(blk, txs); err != nil {
		p.pool.Unpack(hashes)
		return nil, err
	}
	p.staleTries = 0
	p.logger.Info("proposed dag block", "hash", blk.Hash().Abridged(), "level", blk.Level, "period", period,
		"txs", len(txs), "difficulty", vdf.Difficulty)
	return blk, nil
}
