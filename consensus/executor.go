package consensus

import (
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/dagpbft/replay"
	"github.com/gitzhang10/dagpbft/snapshot"
	"github.com/gitzhang10/dagpbft/types"
)

// Executor applies finalized periods: replay protection, the state
// transition and the snapshot that binds the block to its state root.
type Executor struct {
	replay     *replay.Service
	transition snapshot.StateTransition
	registry   *snapshot.Registry
	logger     hclog.Logger
}

func NewExecutor(rp *replay.Service, transition snapshot.StateTransition, registry *snapshot.Registry, logger hclog.Logger) *Executor {
	return &Executor{replay: rp, transition: transition, registry: registry, logger: logger.Named("executor")}
}

// Execute runs the period's transactions on top of the current snapshot.
func (e *Executor) Execute(sb *types.SyncBlock) (types.StateSnapshot, error) {
	blk := sb.PbftBlock
	if err := e.replay.Commit(blk.Period, sb.Transactions); err != nil {
		return types.StateSnapshot{}, fmt.Errorf("replay protection for period %d: %w", blk.Period, err)
	}
	prev := e.registry.Current()
	root, err := e.transition.Apply(prev.StateRoot, blk.Period, sb.Transactions)
	if err != nil {
		return types.StateSnapshot{}, err
	}
	if err := e.registry.AppendAt(blk.Period, snapshot.BlockRoot{BlockHash: blk.BlockHash(), StateRoot: root}); err != nil {
		return types.StateSnapshot{}, err
	}
	e.logger.Debug("period executed", "period", blk.Period, "txs", len(sb.Transactions), "root", root.Abridged())
	return e.registry.Current(), nil
}

// HasBeenExecuted reports whether tx was executed in an earlier period.
func (e *Executor) HasBeenExecuted(tx *types.Transaction) (bool, error) {
	return e.replay.HasBeenExecuted(tx)
}

func (e *Executor) Current() types.StateSnapshot {
	return e.registry.Current()
}
