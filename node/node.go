/*
Package node wires storage, the DAG, PBFT consensus and the peer protocol
into a full node.
*/
package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/gitzhang10/dagpbft/chain"
	"github.com/gitzhang10/dagpbft/clock"
	"github.com/gitzhang10/dagpbft/config"
	"github.com/gitzhang10/dagpbft/consensus"
	"github.com/gitzhang10/dagpbft/dag"
	"github.com/gitzhang10/dagpbft/dpos"
	"github.com/gitzhang10/dagpbft/metrics"
	"github.com/gitzhang10/dagpbft/network"
	"github.com/gitzhang10/dagpbft/replay"
	"github.com/gitzhang10/dagpbft/snapshot"
	"github.com/gitzhang10/dagpbft/sortition"
	"github.com/gitzhang10/dagpbft/storage"
	"github.com/gitzhang10/dagpbft/txpool"
	"github.com/gitzhang10/dagpbft/types"
	"github.com/gitzhang10/dagpbft/vote"
)

const (
	maxDagTips = 16
	txPoolSize = 1 << 16
)

var ErrRebuildFailed = errors.New("rebuild stopped")

type FullNode struct {
	conf   *config.Config
	clock  clock.Scheduler
	logger hclog.Logger

	db           *storage.DB
	checkpointer *storage.Checkpointer

	chain    *chain.PbftChain
	dpos     *dpos.Dpos
	votes    *vote.Manager
	pool     *txpool.Pool
	dag      *dag.DagManager
	bm       *dag.BlockManager
	proposer *dag.Proposer
	registry *snapshot.Registry
	mgr      *consensus.Manager
	net      *network.Network
	metrics  *metrics.Metrics
}

type Option func(*FullNode)

// WithClock replaces the wall clock, tests drive consensus by hand with it.
func WithClock(c clock.Scheduler) Option { return func(n *FullNode) { n.clock = c } }

func WithLogger(l hclog.Logger) Option { return func(n *FullNode) { n.logger = l } }

// WithDB uses an already opened store instead of opening conf's.
func WithDB(db *storage.DB) Option { return func(n *FullNode) { n.db = db } }

// New builds every component and binds the listen address. Nothing runs
// until Run.
func New(conf *config.Config, opts ...Option) (*FullNode, error) {
	n := &FullNode{conf: conf, clock: clock.Real{}}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		n.logger = hclog.New(&hclog.LoggerOptions{
			Name:   conf.Name,
			Output: hclog.DefaultOutput,
			Level:  hclog.Level(conf.LogLevel),
		})
	}
	logger := n.logger
	var err error
	if n.db == nil {
		if n.db, err = OpenDB(conf, logger); err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
	}
	if err := n.db.CheckGenesis(conf.GenesisHash()); err != nil {
		return nil, err
	}
	n.checkpointer = NewCheckpointer(conf)

	if n.chain, err = chain.NewPbftChain(n.db, logger); err != nil {
		return nil, err
	}
	n.dpos = dpos.New(conf.Validators)
	n.votes = vote.NewManager(conf.CommitteeSize, n.dpos, logger)
	proposed, err := vote.NewProposedBlocks(n.db, logger)
	if err != nil {
		return nil, err
	}
	rp, err := replay.NewService(conf.ReplayRange, n.db, logger)
	if err != nil {
		return nil, err
	}
	n.pool = txpool.New(txPoolSize, rp, n.db, logger)
	spm, err := sortition.NewParamsManager(conf.Sortition, n.db, logger)
	if err != nil {
		return nil, err
	}
	anchor, anchorPeriod := n.chain.GetLastNonNullPbftBlockAnchor()
	if n.dag, err = dag.NewDagManager(conf.GenesisDagBlock(), anchor, anchorPeriod, maxDagTips, n.db, logger); err != nil {
		return nil, err
	}
	n.bm, err = dag.NewBlockManager(conf.DagVerifierWorkers, conf.DagQueueLimit, conf.MaxLevelsPerPeriod,
		n.dag, n.pool, spm, n.dpos, n.db, logger)
	if err != nil {
		return nil, err
	}
	n.proposer = dag.NewProposer(conf.NodeKey, conf.VrfKey, conf.MaxTxsPerBlock, conf.ProposerInterval,
		n.dag, n.bm, n.pool, spm, n.dpos, n.clock, logger)
	transition := &snapshot.DigestTransition{GenesisBalances: n.dpos.Balances()}
	if n.registry, err = snapshot.NewRegistry(n.db, conf.GenesisHash(), transition, logger); err != nil {
		return nil, err
	}

	n.mgr = consensus.NewManager(conf, consensus.Components{
		Chain:          n.chain,
		Votes:          n.votes,
		ProposedBlocks: proposed,
		NextVotes:      vote.NewNextVotes(logger),
		Dag:            n.dag,
		BlockManager:   n.bm,
		Sortition:      spm,
		Dpos:           n.dpos,
		Pool:           n.pool,
		Executor:       consensus.NewExecutor(rp, transition, n.registry, logger),
		DB:             n.db,
		Checkpointer:   n.checkpointer,
		Clock:          n.clock,
	}, logger)

	n.net, err = network.New(conf, network.Components{
		Manager:      n.mgr,
		Chain:        n.chain,
		Dag:          n.dag,
		BlockManager: n.bm,
		Pool:         n.pool,
		DB:           n.db,
		Clock:        n.clock,
	}, logger)
	if err != nil {
		return nil, err
	}

	if n.metrics, err = metrics.New(n.Status, logger); err != nil {
		n.net.Close()
		return nil, err
	}
	n.net.OnPacket(n.metrics.ObservePacket)
	n.mgr.OnFinalized(n.metrics.ObserveFinalized)
	n.votes.OnEquivocation(func(_, _ *vote.Weighted) { n.metrics.ObserveEquivocation() })
	n.mgr.OnFinalized(func(sb *types.SyncBlock, stats *consensus.BlockStats) {
		n.logger.Debug("period finalized", "period", sb.PbftBlock.Period, "txs", len(sb.Transactions),
			"cert_voters", stats.CertVoters.Count())
	})

	n.logger.Info("node created", "address", conf.NodeAddress(), "listen", n.net.ListenAddr(),
		"chain_size", n.chain.GetPbftChainSize(), "validators", len(conf.Validators))
	return n, nil
}

// Run starts every loop and blocks until ctx is cancelled or one fails.
func (n *FullNode) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.bm.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		n.bm.Stop()
		return nil
	})
	g.Go(func() error { return n.mgr.Run(ctx) })
	g.Go(func() error { return n.net.Run(ctx) })
	if n.conf.ProposeDagBlocks {
		g.Go(func() error { return n.proposer.Run(ctx) })
	}
	if n.conf.MetricsAddr != "" {
		g.Go(func() error { return n.metrics.Serve(ctx, n.conf.MetricsAddr) })
	}
	err := g.Wait()
	n.logger.Info("node stopped", "chain_size", n.chain.GetPbftChainSize(), "error", err)
	return err
}

// Close releases the transport and the store. Call it after Run returned.
func (n *FullNode) Close() error {
	n.net.Close()
	return n.db.Close()
}

// Rebuild replays the period data of src through consensus validation,
// stopping after period upTo when it is not zero.
func (n *FullNode) Rebuild(src *storage.DB, upTo uint64) (uint64, error) {
	if err := n.mgr.Start(); err != nil {
		return 0, err
	}
	for p := n.chain.GetPbftChainSize() + 1; upTo == 0 || p <= upTo; p++ {
		sb, err := src.GetPeriodData(p)
		if errors.Is(err, storage.ErrNotFound) {
			break
		}
		if err != nil {
			return n.chain.GetPbftChainSize(), err
		}
		n.mgr.PushSyncedBlock(sb, types.Address{})
		n.mgr.Tick()
		if size := n.chain.GetPbftChainSize(); size != p {
			return size, fmt.Errorf("%w at period %d", ErrRebuildFailed, p)
		}
		if p%1000 == 0 {
			n.logger.Info("rebuilding", "period", p)
		}
	}
	return n.chain.GetPbftChainSize(), nil
}

// Status samples the node for the metrics endpoint.
func (n *FullNode) Status() metrics.Status {
	period, round, step := n.mgr.Round()
	return metrics.Status{
		Address:        n.conf.NodeAddress().Hex(),
		ChainSize:      n.chain.GetPbftChainSize(),
		NonEmptySize:   n.chain.GetPbftChainSizeExcludingEmptyPbftBlocks(),
		Period:         period,
		Round:          round,
		Step:           step,
		DagLevel:       n.dag.MaxLevel(),
		NonFinalized:   n.dag.NonFinalizedCount(),
		TxPool:         n.pool.Len(),
		SyncedQueue:    n.mgr.SyncedQueue().Len(),
		Peers:          len(n.net.Peers().Ready()),
		MaliciousPeers: n.net.Peers().MaliciousCount(),
		Syncing:        n.net.IsSyncing(),
	}
}

// SubmitTransactions adds local transactions and gossips them.
func (n *FullNode) SubmitTransactions(txs []*types.Transaction) int {
	return n.net.SubmitTransactions(txs)
}

func (n *FullNode) ListenAddr() string { return n.net.ListenAddr() }

func (n *FullNode) Address() types.Address { return n.conf.NodeAddress() }

func (n *FullNode) DB() *storage.DB { return n.db }

func (n *FullNode) Chain() *chain.PbftChain { return n.chain }

func (n *FullNode) Consensus() *consensus.Manager { return n.mgr }

func (n *FullNode) Network() *network.Network { return n.net }

func (n *FullNode) Registry() *snapshot.Registry { return n.registry }
