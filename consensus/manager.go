/*
Package consensus runs the PBFT round and step machine that finalizes one
PBFT block per period on top of the DAG.

A round walks through propose, filter (soft vote), certify and then
alternating finish steps that cast next votes. A quorum of next votes in a
round moves every node to the next round carrying the next-voted value. A
quorum of cert votes finalizes the block and starts the next period at round
one. Time is taken from an injected clock.
*/
package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/dagpbft/chain"
	"github.com/gitzhang10/dagpbft/clock"
	"github.com/gitzhang10/dagpbft/config"
	"github.com/gitzhang10/dagpbft/dag"
	"github.com/gitzhang10/dagpbft/dpos"
	"github.com/gitzhang10/dagpbft/sign"
	"github.com/gitzhang10/dagpbft/sortition"
	"github.com/gitzhang10/dagpbft/storage"
	"github.com/gitzhang10/dagpbft/txpool"
	"github.com/gitzhang10/dagpbft/types"
	"github.com/gitzhang10/dagpbft/vote"
)

type state int

const (
	proposeState state = iota
	filterState
	certifyState
	finishState
	finishPollingState
)

func (s state) String() string {
	switch s {
	case proposeState:
		return "propose"
	case filterState:
		return "filter"
	case certifyState:
		return "certify"
	case finishState:
		return "finish"
	default:
		return "finish_polling"
	}
}

var statusKey = []byte("status")

var ErrProposalOutOfWindow = errors.New("proposed block is outside the current period and round window")

// Network is what the state machine needs from the sync protocol.
type Network interface {
	BroadcastVote(v *types.Vote)
	BroadcastPbftBlock(blk *types.PbftBlock, round uint64)
	RestartSyncingPbft(force bool)
	SyncPbftNextVotes(period, round uint64)
	IsSyncing() bool
}

type noNetwork struct{}

func (noNetwork) BroadcastVote(*types.Vote) {}
func (noNetwork) BroadcastPbftBlock(*types.PbftBlock, uint64) {}
func (noNetwork) RestartSyncingPbft(bool) {}
func (noNetwork) SyncPbftNextVotes(uint64, uint64) {}
func (noNetwork) IsSyncing() bool { return false }

// MaliciousFunc is told which peer sent period data that failed validation.
type MaliciousFunc func(peer types.Address, err error)

// FinalizedFunc is told about every finalized period.
type FinalizedFunc func(sb *types.SyncBlock, stats *BlockStats)

// roundStatus is persisted so a restarted node does not vote against itself.
type roundStatus struct {
	Period           uint64
	Round            uint64
	Step             uint64
	OwnStartingValue types.Hash
	SoftVoted        types.Hash
	HasSoftVoted     bool
	CertVoted        types.Hash
	HasCertVoted     bool
	NextVotedSoft    bool
	NextVotedNull    bool
}

// Components are the collaborators of the Manager.
type Components struct {
	Chain          *chain.PbftChain
	Votes          *vote.Manager
	ProposedBlocks *vote.ProposedBlocks
	NextVotes      *vote.NextVotes
	Dag            *dag.DagManager
	BlockManager   *dag.BlockManager
	Sortition      *sortition.ParamsManager
	Dpos           *dpos.Dpos
	Pool           *txpool.Pool
	Executor       *Executor
	DB             *storage.DB
	Checkpointer   *storage.Checkpointer
	Clock          clock.Scheduler
}

type Manager struct {
	key    *secp256k1.PrivateKey
	vrfKey *sign.VrfKey
	addr   types.Address

	lambda             time.Duration
	stepDelay          time.Duration
	polling            time.Duration
	maxSteps           uint64
	maxLevelsPerPeriod uint64
	checkpointInterval uint64

	chain        *chain.PbftChain
	votes        *vote.Manager
	proposed     *vote.ProposedBlocks
	nextVotes    *vote.NextVotes
	dag          *dag.DagManager
	bm           *dag.BlockManager
	sortition    *sortition.ParamsManager
	dpos         *dpos.Dpos
	pool         *txpool.Pool
	executor     *Executor
	db           *storage.DB
	checkpointer *storage.Checkpointer
	clock        clock.Scheduler
	synced       *SyncedQueue

	network     Network
	onMalicious MaliciousFunc
	onFinalized []FinalizedFunc

	// read by other goroutines
	period atomic.Uint64
	round  atomic.Uint64
	step   atomic.Uint64

	// owned by the state machine goroutine
	started         bool
	st              state
	status          roundStatus
	roundStart      time.Time
	nextStepTime    time.Duration
	goFinish        bool
	continuePolling bool
	loopBack        bool
	proposedBlock   *types.PbftBlock
	lastSyncRound   uint64
	lastSyncStep    uint64
	lastNVSyncRound uint64
	lastNVSyncStep  uint64

	wake   chan struct{}
	logger hclog.Logger
}

func NewManager(conf *config.Config, c Components, logger hclog.Logger) *Manager {
	m := &Manager{
		key:                conf.NodeKey,
		vrfKey:             conf.VrfKey,
		addr:               conf.NodeAddress(),
		lambda:             conf.Lambda,
		stepDelay:          2 * conf.Lambda,
		polling:            conf.PollingInterval,
		maxSteps:           conf.MaxSteps,
		maxLevelsPerPeriod: conf.MaxLevelsPerPeriod,
		checkpointInterval: conf.CheckpointInterval,
		chain:              c.Chain,
		votes:              c.Votes,
		proposed:           c.ProposedBlocks,
		nextVotes:          c.NextVotes,
		dag:                c.Dag,
		bm:                 c.BlockManager,
		sortition:          c.Sortition,
		dpos:               c.Dpos,
		pool:               c.Pool,
		executor:           c.Executor,
		db:                 c.DB,
		checkpointer:       c.Checkpointer,
		clock:              c.Clock,
		synced:             NewSyncedQueue(),
		network:            noNetwork{},
		wake:               make(chan struct{}, 1),
		logger:             logger.Named("pbft_mgr"),
	}
	if m.clock == nil {
		m.clock = clock.Real{}
	}
	m.period.Store(m.chain.GetPbftChainSize() + 1)
	m.round.Store(1)
	m.step.Store(types.ProposeStep)
	return m
}

// SetNetwork must be called before Run.
func (m *Manager) SetNetwork(n Network) { m.network = n }

func (m *Manager) OnMaliciousPeer(fn MaliciousFunc) { m.onMalicious = fn }

func (m *Manager) OnFinalized(fn FinalizedFunc) { m.onFinalized = append(m.onFinalized, fn) }

// Round returns the period, round and step the machine is in.
func (m *Manager) Round() (period, round, step uint64) {
	return m.period.Load(), m.round.Load(), m.step.Load()
}

func (m *Manager) SyncedQueue() *SyncedQueue { return m.synced }

func (m *Manager) NextVotes() *vote.NextVotes { return m.nextVotes }

// Wake makes a sleeping Run loop tick now.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Start restores the round state once. It is called by Run, tests call it
// before driving Tick by hand.
func (m *Manager) Start() error {
	if m.started {
		return nil
	}
	if err := m.initialState(); err != nil {
		return err
	}
	m.started = true
	return nil
}

// Run drives the state machine until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(); err != nil {
		return err
	}
	m.logger.Info("pbft running", "period", m.period.Load(), "round", m.round.Load())
	for {
		if ctx.Err() != nil {
			return nil
		}
		wait := m.Tick()
		if wait <= 0 {
			continue
		}
		fired := make(chan struct{})
		cancel := m.clock.AfterFunc(wait, func() { close(fired) })
		select {
		case <-ctx.Done():
			cancel()
			return nil
		case <-fired:
		case <-m.wake:
			cancel()
		}
	}
}

// Tick runs one iteration and returns how long to sleep before the next.
// A tick before the current step is due only checks for quorums.
func (m *Manager) Tick() time.Duration {
	m.continuePolling = false
	if m.stateOperations() {
		return 0
	}
	if wait := m.nextStepTime - m.elapsed(); wait > 0 {
		return wait
	}
	switch m.st {
	case proposeState:
		m.proposeBlock()
	case filterState:
		m.identifyBlock()
	case certifyState:
		m.certifyBlock()
	case finishState:
		m.firstFinish()
	case finishPollingState:
		m.secondFinish()
	}
	m.setNextState()
	if m.continuePolling {
		return 0
	}
	if wait := m.nextStepTime - m.elapsed(); wait > 0 {
		return wait
	}
	return 0
}

func (m *Manager) elapsed() time.Duration {
	return m.clock.Now().Sub(m.roundStart)
}

func (m *Manager) setStep(step uint64) {
	m.status.Step = step
	m.step.Store(step)
	m.saveStatus()
}

func (m *Manager) saveStatus() {
	if err := m.db.PutNow(storage.ColPbftMgr, statusKey, types.MustEncode(m.status)); err != nil {
		m.logger.Error("failed to save pbft status", "error", err)
	}
}

func (m *Manager) initialState() error {
	period := m.chain.GetPbftChainSize() + 1
	m.dpos.SetFinalizedPeriod(period - 1)
	var saved roundStatus
	ok, err := m.db.GetValue(storage.ColPbftMgr, statusKey, &saved)
	if err != nil {
		return err
	}
	m.roundStart = m.clock.Now()
	m.nextStepTime = 0
	if ok && saved.Period == period && saved.Round > 0 {
		m.status = saved
		m.period.Store(period)
		m.round.Store(saved.Round)
		if saved.Round == 1 && saved.Step <= types.ProposeStep {
			m.st = proposeState
			m.setStep(types.ProposeStep)
		} else {
			m.st = finishState
			m.setStep(types.FinishStep)
		}
	} else {
		m.resetPeriod(period)
	}
	if err := m.loadOwnVotes(); err != nil {
		return err
	}
	if err := m.loadNextVotes(); err != nil {
		return err
	}
	m.logger.Debug("pbft state initialized", "period", period, "round", m.status.Round, "state", m.st)
	return nil
}

// resetPeriod starts round one of period.
func (m *Manager) resetPeriod(period uint64) {
	m.status = roundStatus{Period: period, Round: 1}
	m.period.Store(period)
	m.round.Store(1)
	m.proposedBlock = nil
	m.nextVotes.Clear()
	m.startRound()
}

func (m *Manager) startRound() {
	m.st = proposeState
	m.roundStart = m.clock.Now()
	m.nextStepTime = 0
	m.goFinish, m.loopBack = false, false
	m.setStep(types.ProposeStep)
}

// stateOperations pushes synced and cert-voted blocks and moves rounds. It
// reports true when the machine restarted.
func (m *Manager) stateOperations() bool {
	if m.pushSyncedPbftBlocksIntoChain() {
		return true
	}
	period, round := m.status.Period, m.status.Round
	if hash, votes, ok := m.votes.GetTwoTPlusOneVotedBlock(period, round, types.CertifyStep); ok {
		m.logger.Debug("pbft block has enough cert votes", "hash", hash.Abridged(), "period", period, "round", round)
		if m.pushCertVotedPbftBlockIntoChain(hash, votes) {
			return true
		}
	}
	return m.resetRound()
}

// resetRound moves to the round after the newest round with a next vote quorum.
func (m *Manager) resetRound() bool {
	period, round := m.status.Period, m.status.Round
	newRound, ok := m.votes.DetermineNewRound(period, round)
	if !ok || newRound <= round {
		return false
	}
	values, _ := m.votes.NextVotedValues(period, newRound-1)
	var bundle []*vote.Weighted
	for _, ws := range values {
		bundle = append(bundle, ws...)
	}
	quorum, err := m.votes.TwoTPlusOne(period)
	if err != nil {
		m.logger.Error("cannot compute quorum", "period", period, "error", err)
		return false
	}
	if err := m.nextVotes.UpdateNextVotes(bundle, quorum); err != nil {
		m.logger.Error("next votes update failed", "period", period, "round", newRound-1, "error", err)
	}
	m.saveNextVotes()
	m.logger.Info("advancing round from votes", "period", period, "from", round, "to", newRound)

	m.status = roundStatus{Period: period, Round: newRound}
	m.round.Store(newRound)
	m.startRound()
	if err := m.proposed.CleanupProposedPbftBlocksByRound(period, newRound); err != nil {
		m.logger.Error("proposed blocks cleanup failed", "error", err)
	}
	if newRound > round+1 && !m.network.IsSyncing() {
		m.syncPbftChainFromPeers(false)
	}
	return true
}

func (m *Manager) setNextState() {
	switch m.st {
	case proposeState:
		m.st = filterState
		m.setStep(types.FilterStep)
		m.nextStepTime = 2 * m.lambda
	case filterState:
		m.st = certifyState
		m.setStep(types.CertifyStep)
		m.nextStepTime = 2 * m.lambda
	case certifyState:
		if m.goFinish {
			m.st = finishState
			m.setStep(types.FinishStep)
			m.nextStepTime = 4*m.lambda + m.stepDelay
		} else {
			m.nextStepTime += m.polling
		}
	case finishState:
		m.st = finishPollingState
		m.status.NextVotedSoft, m.status.NextVotedNull = false, false
		m.setStep(m.status.Step + 1)
	case finishPollingState:
		switch {
		case m.continuePolling:
			m.status.NextVotedSoft, m.status.NextVotedNull = false, false
			m.setStep(m.status.Step + 2)
		case m.loopBack:
			m.st = finishState
			m.status.NextVotedSoft, m.status.NextVotedNull = false, false
			m.setStep(m.status.Step + 1)
			m.nextStepTime = time.Duration(m.status.Step)*m.lambda + m.stepDelay
		default:
			m.nextStepTime += m.polling
		}
	}
}

func (m *Manager) shouldSpeak() bool {
	w, err := m.votes.VoteWeight(m.status.Period, m.addr)
	return err == nil && w > 0
}

// placeVote signs, stores and broadcasts one of our votes.
func (m *Manager) placeVote(hash types.Hash, step uint64) *types.Vote {
	period, round := m.status.Period, m.status.Round
	proof, err := sign.VrfProve(m.vrfKey, types.VrfMessage(period, round, step))
	if err != nil {
		m.logger.Error("vrf prove failed", "error", err)
		return nil
	}
	v := &types.Vote{BlockHash: hash, Period: period, Round: round, Step: step, VrfProof: proof}
	v.Sign(m.key)
	w, err := m.votes.ValidateVote(v)
	if err != nil {
		m.logger.Error("own vote rejected", "type", v.Type(), "error", err)
		return nil
	}
	if _, err := m.votes.AddVerifiedVote(w); err != nil {
		m.logger.Error("own vote not added", "type", v.Type(), "error", err)
		return nil
	}
	if err := m.db.PutNow(storage.ColOwnVotes, w.Hash.Bytes(), types.MustEncode(v)); err != nil {
		m.logger.Error("failed to save own vote", "error", err)
	}
	m.network.BroadcastVote(v)
	m.logger.Debug("placed vote", "type", v.Type(), "block", hash.Abridged(), "period", period, "round", round, "step", step)
	return v
}

// previousRoundValue is the non-null value next voted in the previous
// round, if any.
func (m *Manager) previousRoundValue() (types.Hash, bool) {
	if m.status.Round < 2 {
		return types.ZeroHash, false
	}
	return m.nextVotes.GetVotedValue()
}

// freshProposalAllowed is true in round one and after a null next vote quorum.
func (m *Manager) freshProposalAllowed() bool {
	if _, ok := m.previousRoundValue(); ok {
		return false
	}
	return m.status.Round == 1 || m.nextVotes.HaveEnoughVotesForNullBlockHash()
}

func (m *Manager) proposeBlock() {
	if !m.shouldSpeak() {
		return
	}
	if value, ok := m.previousRoundValue(); ok {
		m.status.OwnStartingValue = value
		m.saveStatus()
		m.logger.Info("proposing next voted value from previous round", "block", value.Abridged(), "round", m.status.Round)
		m.placeVote(value, types.ProposeStep)
		return
	}
	if !m.freshProposalAllowed() {
		return
	}
	if m.proposedBlock == nil {
		blk, err := m.proposeMyPbftBlock()
		if err != nil {
			m.logger.Warn("pbft block proposal failed", "period", m.status.Period, "error", err)
			return
		}
		m.proposedBlock = blk
	}
	blk := m.proposedBlock
	v := m.placeVote(blk.BlockHash(), types.ProposeStep)
	if v == nil {
		return
	}
	if err := m.proposed.PushProposedBlock(blk, m.status.Round, v.Hash()); err != nil && !errors.Is(err, vote.ErrAlreadyInserted) {
		m.logger.Error("cannot stage own pbft block", "error", err)
	}
	m.status.OwnStartingValue = blk.BlockHash()
	m.saveStatus()
	m.network.BroadcastPbftBlock(blk, m.status.Round)
}

// identifyLeaderBlock is the proposal with the smallest credential.
func (m *Manager) identifyLeaderBlock() (types.Hash, bool) {
	var (
		leader types.Hash
		best   types.Hash
		found  bool
	)
	for _, w := range m.votes.GetVotes(m.status.Period, m.status.Round, types.ProposeStep) {
		if w.Vote.BlockHash.IsZero() {
			continue
		}
		cred := w.Vote.Credential()
		if !found || cred.Less(best) {
			leader, best, found = w.Vote.BlockHash, cred, true
		}
	}
	return leader, found
}

func (m *Manager) identifyBlock() {
	if value, ok := m.previousRoundValue(); ok {
		if m.shouldSpeak() {
			m.placeVote(value, types.FilterStep)
		}
		return
	}
	if !m.freshProposalAllowed() {
		return
	}
	leader, ok := m.identifyLeaderBlock()
	if !ok {
		m.logger.Debug("no leader block", "period", m.status.Period, "round", m.status.Round)
		return
	}
	m.status.OwnStartingValue = leader
	m.saveStatus()
	if m.shouldSpeak() {
		m.placeVote(leader, types.FilterStep)
	}
}

func (m *Manager) updateSoftVoted() {
	if m.status.HasSoftVoted {
		return
	}
	hash, _, ok := m.votes.GetTwoTPlusOneVotedBlock(m.status.Period, m.status.Round, types.FilterStep)
	if !ok {
		return
	}
	m.status.SoftVoted, m.status.HasSoftVoted = hash, true
	m.saveStatus()
	if blk, found := m.proposed.GetPbftProposedBlock(m.status.Period, hash); found {
		if err := m.db.PutNow(storage.ColSoftVotedBlock, types.Uint64Bytes(m.status.Period), types.MustEncode(blk)); err != nil {
			m.logger.Error("failed to save soft voted block", "error", err)
		}
	}
}

func (m *Manager) certifyBlock() {
	elapsed := m.elapsed()
	if elapsed < 2*m.lambda {
		m.logger.Error("reached certify step too early", "elapsed", elapsed, "round", m.status.Round)
	}
	m.goFinish = elapsed > 4*m.lambda+m.stepDelay-m.polling
	if m.goFinish {
		m.logger.Debug("certify step expired", "period", m.status.Period, "round", m.status.Round)
		return
	}
	if m.status.HasCertVoted {
		return
	}
	m.updateSoftVoted()
	if !m.status.HasSoftVoted || m.status.SoftVoted.IsZero() {
		return
	}
	blk, ok := m.proposed.GetPbftProposedBlock(m.status.Period, m.status.SoftVoted)
	if !ok {
		m.logger.Debug("soft voted block not received yet", "block", m.status.SoftVoted.Abridged())
		return
	}
	if _, err := m.buildPeriodData(blk); err != nil {
		m.logger.Warn("soft voted block cannot be certified", "block", m.status.SoftVoted.Abridged(), "error", err)
		if isChainError(err) {
			m.syncPbftChainFromPeers(false)
		}
		return
	}
	m.status.CertVoted, m.status.HasCertVoted = m.status.SoftVoted, true
	m.saveStatus()
	if m.shouldSpeak() {
		m.placeVote(m.status.CertVoted, types.CertifyStep)
	}
}

// firstFinish runs the even steps from four.
func (m *Manager) firstFinish() {
	if !m.shouldSpeak() {
		return
	}
	switch {
	case m.status.HasCertVoted:
		m.placeVote(m.status.CertVoted, m.status.Step)
	case m.status.Round >= 2 && m.nextVotes.HaveEnoughVotesForNullBlockHash():
		m.placeVote(types.ZeroHash, m.status.Step)
	default:
		m.placeVote(m.status.OwnStartingValue, m.status.Step)
	}
}

// secondFinish runs the odd steps from five.
func (m *Manager) secondFinish() {
	step := m.status.Step
	endOfStep := time.Duration(step+1)*m.lambda + m.stepDelay + 2*m.polling
	elapsed := m.elapsed()
	if elapsed > endOfStep {
		m.logger.Debug("reached step late", "round", m.status.Round, "step", step)
		m.continuePolling = true
		return
	}
	if m.shouldSpeak() {
		m.updateSoftVoted()
		switch {
		case !m.status.NextVotedSoft && m.status.HasSoftVoted && !m.status.SoftVoted.IsZero():
			m.placeVote(m.status.SoftVoted, step)
			m.status.NextVotedSoft = true
			m.saveStatus()
		case !m.status.NextVotedNull && !m.status.NextVotedSoft && !m.status.HasCertVoted &&
			(m.status.Round == 1 || m.nextVotes.HaveEnoughVotesForNullBlockHash()):
			m.placeVote(types.ZeroHash, step)
			m.status.NextVotedNull = true
			m.saveStatus()
		}
	}
	if step > m.maxSteps {
		if !m.network.IsSyncing() && !m.syncRequestedThisStep() {
			m.logger.Warn("pbft looks stuck, requesting missing blocks", "round", m.status.Round, "step", step)
			m.syncPbftChainFromPeers(true)
		}
		m.syncNextVotes()
	}
	m.loopBack = elapsed > time.Duration(step+1)*m.lambda+m.stepDelay-m.polling
}

func (m *Manager) syncRequestedThisStep() bool {
	return m.lastSyncRound == m.status.Round && m.lastSyncStep == m.status.Step
}

func (m *Manager) syncPbftChainFromPeers(force bool) {
	if m.synced.Len() > 0 {
		m.logger.Debug("synced queue not drained, skipping pbft sync")
		return
	}
	if m.network.IsSyncing() || m.syncRequestedThisStep() {
		return
	}
	m.logger.Info("restarting pbft sync", "round", m.status.Round, "step", m.status.Step, "force", force)
	m.network.RestartSyncingPbft(force)
	m.lastSyncRound, m.lastSyncStep = m.status.Round, m.status.Step
}

func (m *Manager) syncNextVotes() {
	if m.lastNVSyncRound == m.status.Round && m.lastNVSyncStep == m.status.Step {
		return
	}
	m.logger.Warn("syncing next votes", "period", m.status.Period, "round", m.status.Round, "step", m.status.Step)
	m.network.SyncPbftNextVotes(m.status.Period, m.status.Round)
	m.lastNVSyncRound, m.lastNVSyncStep = m.status.Round, m.status.Step
}

// AddVote validates and stores a vote received from the network. It reports
// whether the vote was new.
func (m *Manager) AddVote(v *types.Vote) (bool, error) {
	w, err := m.votes.ValidateVote(v)
	if err != nil {
		return false, err
	}
	added, err := m.votes.AddVerifiedVote(w)
	if added {
		m.Wake()
	}
	return added, err
}

// proposalInWindow accepts proposals from the round before ours up to the
// next one, and round one of the next period.
func proposalInWindow(period, round, blkPeriod, blkRound uint64) bool {
	switch blkPeriod {
	case period:
		return blkRound >= 1 && blkRound+1 >= round && blkRound <= round+1
	case period + 1:
		return blkRound == 1
	}
	return false
}

// AddProposedBlock stages a proposed PBFT block received from the network.
// The proposer must be a validator with vote weight.
func (m *Manager) AddProposedBlock(blk *types.PbftBlock, round uint64) error {
	period, current, _ := m.Round()
	if !proposalInWindow(period, current, blk.Period, round) {
		return fmt.Errorf("%w: block at (%d,%d), node at (%d,%d)", ErrProposalOutOfWindow, blk.Period, round, period, current)
	}
	if !blk.VerifySignature() {
		return vote.ErrInvalidSignature
	}
	w, err := m.votes.VoteWeight(period, blk.Beneficiary)
	if err != nil {
		return err
	}
	if w == 0 {
		return fmt.Errorf("%w: proposer %s", vote.ErrZeroWeight, blk.Beneficiary)
	}
	if err := m.proposed.PushProposedBlock(blk, round, types.ZeroHash); err != nil {
		return err
	}
	m.Wake()
	return nil
}

// AddNextVotesBundle merges a next vote bundle from a peer for the round
// before ours.
func (m *Manager) AddNextVotesBundle(votes []*types.Vote) error {
	if len(votes) == 0 {
		return nil
	}
	var bundle []*vote.Weighted
	for _, v := range votes {
		w, err := m.votes.ValidateVote(v)
		if err != nil {
			return err
		}
		if _, err := m.votes.AddVerifiedVote(w); err != nil && !errors.Is(err, vote.ErrEquivocation) {
			return err
		}
		bundle = append(bundle, w)
	}
	period, round, _ := m.Round()
	if bundle[0].Vote.Period != period || bundle[0].Vote.Round+1 != round {
		// votes are stored; a later round change picks them up
		m.Wake()
		return nil
	}
	quorum, err := m.votes.TwoTPlusOne(period)
	if err != nil {
		return err
	}
	return m.nextVotes.UpdateWithSyncedVotes(bundle, quorum)
}

func (m *Manager) saveNextVotes() {
	raw := types.MustEncode(m.nextVotes.GetNextVotes())
	if err := m.db.PutNow(storage.ColNextVotes, statusKey, raw); err != nil {
		m.logger.Error("failed to save next votes", "error", err)
	}
}

func (m *Manager) loadNextVotes() error {
	var votes []*types.Vote
	ok, err := m.db.GetValue(storage.ColNextVotes, statusKey, &votes)
	if err != nil || !ok || len(votes) == 0 {
		return err
	}
	if votes[0].Period != m.status.Period || votes[0].Round+1 != m.status.Round {
		return nil
	}
	var bundle []*vote.Weighted
	for _, v := range votes {
		w, err := m.votes.ValidateVote(v)
		if err != nil {
			m.logger.Warn("dropping stored next vote", "error", err)
			continue
		}
		bundle = append(bundle, w)
	}
	quorum, err := m.votes.TwoTPlusOne(m.status.Period)
	if err != nil {
		return err
	}
	return m.nextVotes.UpdateNextVotes(bundle, quorum)
}

func (m *Manager) loadOwnVotes() error {
	var stale [][]byte
	err := m.db.Iterate(storage.ColOwnVotes, nil, func(k, raw []byte) bool {
		var v types.Vote
		if err := types.Decode(raw, &v); err != nil {
			stale = append(stale, append([]byte(nil), k...))
			return true
		}
		if v.Period != m.status.Period {
			stale = append(stale, append([]byte(nil), k...))
			return true
		}
		w, err := m.votes.ValidateVote(&v)
		if err != nil {
			stale = append(stale, append([]byte(nil), k...))
			return true
		}
		if _, err := m.votes.AddVerifiedVote(w); err != nil {
			m.logger.Warn("stored own vote not added", "error", err)
		}
		return true
	})
	if err != nil {
		return err
	}
	batch := m.db.NewBatch()
	for _, k := range stale {
		m.db.Delete(batch, storage.ColOwnVotes, k)
	}
	return batch.Commit()
}
