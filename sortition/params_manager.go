/*
Package sortition keeps the DAG block lottery calibrated. The VRF upper
threshold is tuned every computation interval so that the share of unique
transactions among all transaction slots of the DAG stays inside a target band.
*/
package sortition

import (
	"fmt"
	"math"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/dagpbft/config"
	"github.com/gitzhang10/dagpbft/storage"
	"github.com/gitzhang10/dagpbft/types"
)

// OnePercent is one percent of efficiency in basis points.
const OnePercent = 100

// MaxEfficiency is 100%.
const MaxEfficiency = 100 * OnePercent

type VrfParams struct {
	ThresholdUpper uint16
	ThresholdRange uint16
}

type VdfParams struct {
	DifficultyMin   uint16
	DifficultyMax   uint16
	DifficultyStale uint16
	LambdaBound     uint16
}

// Params are the sortition parameters in force at some period.
type Params struct {
	Vrf VrfParams
	Vdf VdfParams
}

// ParamsFromConfig returns the genesis parameters.
func ParamsFromConfig(c config.SortitionConfig) Params {
	return Params{
		Vrf: VrfParams{ThresholdUpper: c.VrfThresholdUpper, ThresholdRange: c.VrfThresholdRange},
		Vdf: VdfParams{
			DifficultyMin:   c.VdfDifficultyMin,
			DifficultyMax:   c.VdfDifficultyMax,
			DifficultyStale: c.VdfDifficultyStale,
			LambdaBound:     c.VdfLambdaBound,
		},
	}
}

// ParamsManager owns the history of threshold changes.
type ParamsManager struct {
	lock         sync.RWMutex
	conf         config.SortitionConfig
	params       Params
	changes      []types.SortitionParamsChange // oldest first, bounded
	efficiencies []uint16                      // current interval
	db           *storage.DB
	logger       hclog.Logger
}

func targetMid(c config.SortitionConfig) uint16 {
	return uint16((uint32(c.TargetLow) + uint32(c.TargetHigh)) / 2)
}

// NewParamsManager restores the history from db and replays the efficiencies
// of the periods finalized after the last change.
func NewParamsManager(conf config.SortitionConfig, db *storage.DB, logger hclog.Logger) (*ParamsManager, error) {
	pm := &ParamsManager{
		conf:   conf,
		params: ParamsFromConfig(conf),
		db:     db,
		logger: logger.Named("sortition"),
	}
	changes, err := db.GetLastSortitionParams(conf.ChangesCountForAverage)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		genesis := types.SortitionParamsChange{
			Period:               0,
			ThresholdUpper:       conf.VrfThresholdUpper,
			ThresholdRange:       conf.VrfThresholdRange,
			IntervalEfficiency:   targetMid(conf),
			CorrectionPerPercent: 1,
		}
		batch := db.NewBatch()
		if err := db.SaveSortitionParamsChange(batch, genesis); err != nil {
			return nil, err
		}
		if err := batch.Commit(); err != nil {
			return nil, err
		}
		changes = append(changes, genesis)
	}
	pm.changes = changes
	last := changes[len(changes)-1]
	pm.params.Vrf = VrfParams{ThresholdUpper: last.ThresholdUpper, ThresholdRange: last.ThresholdRange}

	for period := last.Period + 1; ; period++ {
		ok, err := db.HasPeriodData(period)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		sb, err := db.GetPeriodData(period)
		if err != nil {
			return nil, err
		}
		if !sb.PbftBlock.DagBlockAnchor.IsZero() {
			pm.efficiencies = append(pm.efficiencies, CalculateDagEfficiency(sb))
		}
	}
	return pm, nil
}

// CalculateDagEfficiency is unique finalized transactions over all transaction
// slots of the period's DAG blocks, in basis points.
func CalculateDagEfficiency(sb *types.SyncBlock) uint16 {
	total := 0
	for _, blk := range sb.DagBlocks {
		total += len(blk.Transactions)
	}
	if total == 0 {
		return MaxEfficiency
	}
	return uint16(len(sb.Transactions) * MaxEfficiency / total)
}

// CurrentParams returns the parameters for the next period to be proposed.
func (pm *ParamsManager) CurrentParams() Params {
	pm.lock.RLock()
	defer pm.lock.RUnlock()
	return pm.params
}

// GetSortitionParams returns the parameters in force at period: the latest
// change at or before it, from memory if still cached, else from the db.
func (pm *ParamsManager) GetSortitionParams(period uint64) (Params, error) {
	pm.lock.RLock()
	p := pm.params
	for i := len(pm.changes) - 1; i >= 0; i-- {
		c := pm.changes[i]
		if c.Period <= period {
			p.Vrf = VrfParams{ThresholdUpper: c.ThresholdUpper, ThresholdRange: c.ThresholdRange}
			pm.lock.RUnlock()
			return p, nil
		}
	}
	pm.lock.RUnlock()

	change, err := pm.db.GetParamsChangeForPeriod(period)
	if err != nil {
		return p, err
	}
	if change != nil {
		p.Vrf = VrfParams{ThresholdUpper: change.ThresholdUpper, ThresholdRange: change.ThresholdRange}
	}
	return p, nil
}

// History returns a copy of the cached changes, oldest first.
func (pm *ParamsManager) History() []types.SortitionParamsChange {
	pm.lock.RLock()
	defer pm.lock.RUnlock()
	return append([]types.SortitionParamsChange(nil), pm.changes...)
}

// PbftBlockPushed records the efficiency of a finalized period and, once the
// interval is full, writes a change into batch. Nothing in memory changes
// until the returned apply is called after batch commits.
func (pm *ParamsManager) PbftBlockPushed(sb *types.SyncBlock, batch storage.Batch) (func(), error) {
	if pm.conf.ComputationInterval == 0 || sb.PbftBlock.DagBlockAnchor.IsZero() {
		return func() {}, nil
	}
	pm.lock.RLock()
	efficiencies := append([]uint16(nil), pm.efficiencies...)
	changes := pm.changes
	vrf := pm.params.Vrf
	pm.lock.RUnlock()

	eff := CalculateDagEfficiency(sb)
	efficiencies = append(efficiencies, eff)
	period := sb.PbftBlock.Period
	pm.logger.Trace("pbft block pushed", "period", period, "efficiency", eff)
	if uint64(len(efficiencies)) < pm.conf.ComputationInterval {
		return pm.stage(efficiencies, changes, vrf.ThresholdUpper), nil
	}

	change := pm.calculateChange(period, efficiencies, changes, vrf)
	if err := pm.db.SaveSortitionParamsChange(batch, change); err != nil {
		return nil, fmt.Errorf("save sortition change: %w", err)
	}
	changes = append(append([]types.SortitionParamsChange(nil), changes...), change)
	for len(changes) > pm.conf.ChangesCountForAverage {
		changes = changes[1:]
	}
	return pm.stage(nil, changes, change.ThresholdUpper), nil
}

func (pm *ParamsManager) stage(efficiencies []uint16, changes []types.SortitionParamsChange, upper uint16) func() {
	return func() {
		pm.lock.Lock()
		defer pm.lock.Unlock()
		pm.efficiencies = efficiencies
		pm.changes = changes
		pm.params.Vrf.ThresholdUpper = upper
	}
}

func averageDagEfficiency(efficiencies []uint16) uint16 {
	var sum uint64
	for _, e := range efficiencies {
		sum += uint64(e)
	}
	return uint16(sum / uint64(len(efficiencies)))
}

// correctionPerPercent is the observed threshold change per basis point of
// efficiency change over the cached history, never less than one.
func correctionPerPercent(avg uint16, changes []types.SortitionParamsChange, upper uint16) int64 {
	type point struct{ threshold, efficiency int64 }
	// efficiency of change i was measured under the threshold of change i-1
	points := make([]point, 0, len(changes))
	for i := 1; i < len(changes); i++ {
		points = append(points, point{int64(changes[i-1].ThresholdUpper), int64(changes[i].IntervalEfficiency)})
	}
	points = append(points, point{int64(upper), int64(avg)})

	var dThreshold, dEfficiency int64
	for i := 1; i < len(points); i++ {
		dThreshold += abs(points[i].threshold - points[i-1].threshold)
		dEfficiency += abs(points[i].efficiency - points[i-1].efficiency)
	}
	if dEfficiency == 0 {
		return 1
	}
	if cpp := dThreshold / dEfficiency; cpp > 0 {
		return cpp
	}
	return 1
}

func (pm *ParamsManager) calculateChange(period uint64, efficiencies []uint16, changes []types.SortitionParamsChange,
	vrf VrfParams) types.SortitionParamsChange {
	avg := averageDagEfficiency(efficiencies)
	change := types.SortitionParamsChange{
		Period:               period,
		ThresholdUpper:       vrf.ThresholdUpper,
		ThresholdRange:       vrf.ThresholdRange,
		IntervalEfficiency:   avg,
		CorrectionPerPercent: 1,
	}
	if avg >= pm.conf.TargetLow && avg <= pm.conf.TargetHigh {
		pm.logger.Debug("interval efficiency on target", "period", period, "efficiency", avg)
		return change
	}

	correction := int64(avg) - int64(targetMid(pm.conf))
	maxCorrection := int64(pm.conf.MaxIntervalCorrection)
	if correction > maxCorrection {
		correction = maxCorrection
	} else if correction < -maxCorrection {
		correction = -maxCorrection
	}
	cpp := correctionPerPercent(avg, changes, vrf.ThresholdUpper)
	upper := int64(vrf.ThresholdUpper) + correction*cpp
	if lower := int64(vrf.ThresholdRange); upper < lower {
		upper = lower
	}
	if upper > math.MaxUint16 {
		upper = math.MaxUint16
	}
	change.ThresholdUpper = uint16(upper)
	change.CorrectionPerPercent = cpp
	pm.logger.Info("changing vrf threshold", "period", period, "efficiency", avg, "correction", correction,
		"per_percent", cpp, "upper", upper)
	return change
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
