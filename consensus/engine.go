package consensus

import (
	"context"
	"math/big"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/veilmesh/veilmesh/auditlog"
	"github.com/veilmesh/veilmesh/common"
	"github.com/veilmesh/veilmesh/common/math"
	"github.com/veilmesh/veilmesh/core"
	"github.com/veilmesh/veilmesh/crypto"
	"github.com/veilmesh/veilmesh/crypto/bls"
	"github.com/veilmesh/veilmesh/p2p"
)

// EngineState enumerates the phases of the per-height state machine.
type EngineState int

const (
	StateNewHeight EngineState = iota
	StatePropose
	StatePrepare
	StateCommit
	StateFinalized
)

func (s EngineState) String() string {
	switch s {
	case StateNewHeight:
		return "NewHeight"
	case StatePropose:
		return "Propose"
	case StatePrepare:
		return "Prepare"
	case StateCommit:
		return "Commit"
	case StateFinalized:
		return "Finalized"
	default:
		return "Unknown"
	}
}

// TxProvider supplies the ordered, revealed transactions for a proposal.
// The mempool implements it.
type TxProvider interface {
	RevealBatch(epoch uint64) ([]core.RevealedTx, error)
}

// AnchorSource supplies the most recent frozen audit-log rollup root to be
// anchored into the next proposal. The audit log implements it.
type AnchorSource interface {
	LatestAnchor() common.Hash
}

// timeoutEvent is posted by phase timers onto the engine's message queue, so
// that timeouts and votes serialize through one authoritative order. Stale
// events (older height/round/state) are ignored on arrival.
type timeoutEvent struct {
	height uint64
	round  uint32
	state  EngineState
}

// verifiedVote is a vote whose BLS signature has passed the verifier pool.
type verifiedVote struct {
	vote core.Vote
}

// Engine drives the propose/prepare/commit state machine for one node.
type Engine struct {
	chainID string
	privKey *crypto.PrivateKey // proposer signature
	blsKey  *bls.SecretKey     // vote signature
	address common.Address

	network          p2p.Network
	validatorManager ValidatorManager
	txProvider       TxProvider
	anchorSource     AnchorSource
	state            *State

	incoming        chan interface{}
	verifyQueue     chan core.Vote
	finalizedBlocks chan *core.FinalizedBlock

	// Life cycle
	wg      *sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	halted  bool // liveness fault: quorum unreachable

	// Per-height state, touched only by the main loop.
	height          uint64
	round           uint32
	engineState     EngineState
	leader          core.Validator
	pendingProposal *core.Proposal
	pendingHash     common.Hash
	prepareVotes    *core.VoteSet
	commitVotes     *core.VoteSet
	lockedProposal  *core.Proposal
	prepareCert     *core.Certificate // justification for re-proposing a locked value
	lastCommitCert  *core.Certificate // election seed for the next height

	epochLength uint64
	maxTxs      int

	logger *log.Entry
}

// NewEngine creates an instance of Engine.
func NewEngine(chainID string, privKey *crypto.PrivateKey, blsKey *bls.SecretKey,
	network p2p.Network, validatorManager ValidatorManager,
	txProvider TxProvider, anchorSource AnchorSource, state *State) *Engine {

	e := &Engine{
		chainID: chainID,
		privKey: privKey,
		blsKey:  blsKey,
		address: privKey.PublicKey().Address(),

		network:          network,
		validatorManager: validatorManager,
		txProvider:       txProvider,
		anchorSource:     anchorSource,
		state:            state,

		incoming:        make(chan interface{}, viper.GetInt(common.CfgConsensusMessageQueueSize)),
		verifyQueue:     make(chan core.Vote, viper.GetInt(common.CfgConsensusMessageQueueSize)),
		finalizedBlocks: make(chan *core.FinalizedBlock, viper.GetInt(common.CfgConsensusMessageQueueSize)),

		wg: &sync.WaitGroup{},

		prepareVotes: core.NewVoteSet(),
		commitVotes:  core.NewVoteSet(),

		epochLength: uint64(viper.GetInt(common.CfgEpochLength)),
		maxTxs:      viper.GetInt(common.CfgConsensusMaxTxsPerBlock),
	}
	e.logger = log.WithFields(log.Fields{"prefix": "consensus", "id": e.ID()})
	network.AddMessageHandler(e)
	return e
}

// ID returns the identifier of the current node.
func (e *Engine) ID() string {
	return e.network.ID()
}

// Address returns the validator address of the current node.
func (e *Engine) Address() common.Address {
	return e.address
}

// FinalizedBlocks returns the channel the engine publishes finalized blocks
// on.
func (e *Engine) FinalizedBlocks() chan *core.FinalizedBlock {
	return e.finalizedBlocks
}

// Height returns the height the engine is currently deciding.
func (e *Engine) Height() uint64 {
	return e.height
}

// Halted indicates whether the engine stopped on a liveness fault.
func (e *Engine) Halted() bool {
	return e.halted
}

// AddMessage adds a raw message to the engine's queue.
func (e *Engine) AddMessage(msg interface{}) {
	e.incoming <- msg
}

// HandleMessage implements the p2p.MessageHandler interface. Other message
// kinds on the shared network (e.g. transaction gossip) belong to other
// handlers.
func (e *Engine) HandleMessage(peerID string, msg p2p.Message) {
	switch msg.Content.(type) {
	case core.Proposal, core.Vote:
		e.AddMessage(msg.Content)
	}
}

// Start launches the engine's main loop and the verifier workers.
func (e *Engine) Start(ctx context.Context) {
	c, cancel := context.WithCancel(ctx)
	e.ctx = c
	e.cancel = cancel

	workers := viper.GetInt(common.CfgConsensusVerifierWorkers)
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.verifyLoop()
	}

	e.wg.Add(1)
	go e.mainLoop()
}

// Stop notifies all goroutines to stop without blocking.
func (e *Engine) Stop() {
	e.cancel()
}

// Wait blocks until all goroutines stop.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) mainLoop() {
	defer e.wg.Done()

	lastHeight, _, _ := e.state.LastFinalized()
	if lastHeight > 0 {
		// Resume the election seed chain from the last persisted certificate.
		if fb, err := e.state.GetFinalizedBlock(lastHeight); err == nil {
			e.lastCommitCert = fb.Certificate
		}
	}
	e.enterNewHeight(lastHeight + 1)

	for {
		select {
		case <-e.ctx.Done():
			e.stopped = true
			return
		case msg, ok := <-e.incoming:
			if !ok {
				continue
			}
			switch m := msg.(type) {
			case core.Proposal:
				e.handleProposal(m)
			case core.Vote:
				// Signature verification is CPU bound; farm it out before
				// tallying.
				select {
				case e.verifyQueue <- m:
				default:
					e.logger.Warn("Verifier queue full, dropping vote")
				}
			case verifiedVote:
				e.handleVerifiedVote(m.vote)
			case timeoutEvent:
				e.handleTimeout(m)
			default:
				e.logger.Errorf("Unknown message type: %v", m)
			}
		}
	}
}

// verifyLoop checks vote signatures in parallel and feeds the survivors back
// into the main loop. Verification failures drop the message, never crash.
func (e *Engine) verifyLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case vote := <-e.verifyQueue:
			vset := e.validatorManager.GetValidatorSet(vote.Height)
			if res := vote.Validate(vset); res.IsError() {
				e.logger.WithFields(log.Fields{"vote": vote, "reason": res.Message}).
					Debug("Dropping invalid vote")
				continue
			}
			select {
			case e.incoming <- verifiedVote{vote: vote}:
			case <-e.ctx.Done():
				return
			}
		}
	}
}

// -------------------------- State transitions -------------------------- //

func (e *Engine) enterNewHeight(height uint64) {
	e.height = height
	e.engineState = StateNewHeight
	e.lockedProposal = nil
	e.prepareCert = nil
	e.state.ClearLock()

	vset := e.validatorManager.GetValidatorSet(height)
	if vset != nil {
		e.state.SaveValidatorSet(vset)
	}

	e.enterRound(0)
}

func (e *Engine) enterRound(round uint32) {
	e.round = round
	e.pendingProposal = nil
	e.pendingHash = common.Hash{}
	e.prepareVotes = core.NewVoteSet()
	e.commitVotes = core.NewVoteSet()

	vset := e.validatorManager.GetValidatorSet(e.height)
	leader, err := ElectLeader(vset, e.lastCommitCert, e.height, round)
	if err != nil {
		e.logger.WithFields(log.Fields{"height": e.height, "round": round, "err": err}).
			Error("Liveness fault, halting consensus")
		e.halted = true
		return
	}
	e.halted = false
	e.leader = leader

	e.engineState = StatePropose
	e.scheduleTimeout(StatePropose)

	e.logger.WithFields(log.Fields{
		"height": e.height,
		"round":  round,
		"leader": leader.Address().Hex(),
	}).Debug("Entering round")

	if leader.Address() == e.address {
		e.propose()
	}
}

// propose builds and broadcasts this round's proposal. A locked value from an
// earlier round is re-proposed together with the prepare certificate that
// justifies it; otherwise a fresh block is assembled from the revealed
// mempool batch.
func (e *Engine) propose() {
	var proposal *core.Proposal

	if e.lockedProposal != nil {
		block := *e.lockedProposal.Block
		block.Round = e.round
		proposal = &core.Proposal{
			Block:         &block,
			Justification: e.prepareCert,
		}
	} else {
		block, err := e.assembleBlock()
		if err != nil {
			e.logger.WithFields(log.Fields{"err": err}).Error("Failed to assemble block")
			return
		}
		proposal = &core.Proposal{Block: block}
	}

	if err := proposal.Sign(e.privKey); err != nil {
		e.logger.WithFields(log.Fields{"err": err}).Error("Failed to sign proposal")
		return
	}

	e.logger.WithFields(log.Fields{"proposal": proposal}).Debug("Broadcasting proposal")
	e.network.Broadcast(p2p.Message{Content: *proposal})
}

func (e *Engine) assembleBlock() (*core.Block, error) {
	epoch := e.height / e.epochLength
	revealed, err := e.txProvider.RevealBatch(epoch)
	if err != nil {
		return nil, err
	}
	revealed = revealed[:math.MinInt(len(revealed), e.maxTxs)]

	txs := make([]common.Bytes, 0, len(revealed))
	leaves := make([]common.Hash, 0, len(revealed))
	for _, r := range revealed {
		txs = append(txs, r.Plaintext)
		leaves = append(leaves, auditlog.LeafHash(r.Plaintext))
	}

	_, _, parent := e.state.LastFinalized()
	block := &core.Block{
		BlockHeader: core.BlockHeader{
			ChainID:     e.chainID,
			Height:      e.height,
			Round:       e.round,
			Epoch:       epoch,
			Parent:      parent,
			TxRoot:      auditlog.ComputeRoot(leaves),
			AuditAnchor: e.anchorSource.LatestAnchor(),
			Proposer:    e.address,
			Timestamp:   bigNow(),
		},
		Txs: txs,
	}
	return block, nil
}

func bigNow() *big.Int {
	return big.NewInt(time.Now().Unix())
}

func (e *Engine) handleProposal(proposal core.Proposal) {
	if e.halted {
		return
	}
	switch e.engineState {
	case StatePropose, StatePrepare, StateCommit:
	default:
		return
	}
	if proposal.Block == nil || proposal.Block.Height != e.height || proposal.Block.Round != e.round {
		return
	}
	if res := proposal.Validate(e.chainID); res.IsError() {
		e.logger.WithFields(log.Fields{"reason": res.Message}).Debug("Dropping invalid proposal")
		return
	}
	if proposal.Block.Proposer != e.leader.Address() {
		e.logger.WithFields(log.Fields{"proposer": proposal.Block.Proposer.Hex()}).
			Debug("Dropping proposal from non-leader")
		return
	}

	hash := proposal.Block.Hash()

	// A second, conflicting signed proposal from the leader is equivocation
	// whenever it arrives in the round. The accepted value stands (prepare
	// votes may already be out), and the conflicting pair is recorded as
	// evidence.
	if e.pendingProposal != nil {
		if hash == e.pendingHash {
			return
		}
		ev := core.NewProposalEvidence(*e.pendingProposal, proposal)
		e.state.AddEvidence(ev)
		e.logger.WithFields(log.Fields{"evidence": ev}).Warn("Leader equivocation detected")
		return
	}
	if e.engineState != StatePropose {
		return
	}

	// A locked validator only accepts a conflicting value when the proposal
	// carries a prepare certificate from a later round than the lock. The
	// same value re-proposed at a later round passes the ValueHash check.
	if lockedRound, lockedValue, locked := e.state.Lock(); locked && proposal.Block.ValueHash() != lockedValue {
		just := proposal.Justification
		if just == nil || just.Kind != core.VoteKindPrepare || just.Height != e.height ||
			just.Round <= lockedRound {
			e.logger.WithFields(log.Fields{"locked": lockedValue.Hex(), "proposal": hash.Hex()}).
				Debug("Rejecting proposal conflicting with lock")
			return
		}
		vset := e.validatorManager.GetValidatorSet(e.height)
		if res := just.Validate(vset); res.IsError() {
			e.logger.WithFields(log.Fields{"reason": res.Message}).
				Debug("Rejecting proposal with invalid justification")
			return
		}
		e.state.ClearLock()
		e.lockedProposal = nil
	}

	e.pendingProposal = &proposal
	e.pendingHash = hash

	e.engineState = StatePrepare
	e.scheduleTimeout(StatePrepare)
	e.castVote(core.VoteKindPrepare)
}

func (e *Engine) handleVerifiedVote(vote core.Vote) {
	if e.halted {
		return
	}
	if vote.Height != e.height || vote.Round != e.round {
		return
	}

	switch vote.Kind {
	case core.VoteKindPrepare:
		e.tallyPrepare(vote)
	case core.VoteKindCommit:
		e.tallyCommit(vote)
	}
}

func (e *Engine) tallyPrepare(vote core.Vote) {
	if e.engineState != StatePrepare {
		return
	}
	if e.pendingProposal == nil || vote.Block != e.pendingHash {
		e.recordIfEquivocation(e.prepareVotes, vote)
		return
	}
	added, ev := e.prepareVotes.AddVote(vote)
	if ev != nil {
		e.state.AddEvidence(*ev)
		e.logger.WithFields(log.Fields{"evidence": ev}).Warn("Equivocating prepare vote")
		return
	}
	if !added {
		return
	}

	vset := e.validatorManager.GetValidatorSet(e.height)
	if !vset.HasMajorityVotes(e.prepareVotes) {
		return
	}

	// Prepare quorum: lock on the value, keep the certificate as a possible
	// justification, and move to commit.
	aggregator := NewAggregator(vset)
	cert, _, err := aggregator.Aggregate(e.prepareVotes.Votes())
	if err != nil {
		e.logger.WithFields(log.Fields{"err": err}).Warn("Prepare aggregation failed")
		return
	}
	e.prepareCert = cert
	e.lockedProposal = e.pendingProposal
	e.state.SetLock(e.round, e.pendingProposal.Block.ValueHash())

	e.engineState = StateCommit
	e.scheduleTimeout(StateCommit)
	e.castVote(core.VoteKindCommit)
}

func (e *Engine) tallyCommit(vote core.Vote) {
	if e.engineState != StateCommit {
		return
	}
	if e.pendingProposal == nil || vote.Block != e.pendingHash {
		e.recordIfEquivocation(e.commitVotes, vote)
		return
	}
	added, ev := e.commitVotes.AddVote(vote)
	if ev != nil {
		e.state.AddEvidence(*ev)
		e.logger.WithFields(log.Fields{"evidence": ev}).Warn("Equivocating commit vote")
		return
	}
	if !added {
		return
	}

	vset := e.validatorManager.GetValidatorSet(e.height)
	if !vset.HasMajorityVotes(e.commitVotes) {
		return
	}

	aggregator := NewAggregator(vset)
	cert, invalid, err := aggregator.Aggregate(e.commitVotes.Votes())
	if err != nil {
		e.logger.WithFields(log.Fields{"err": err, "invalid": invalid}).
			Warn("Commit aggregation failed")
		return
	}
	e.finalize(cert)
}

// recordIfEquivocation catches a conflicting vote from a voter that already
// voted for the pending value.
func (e *Engine) recordIfEquivocation(votes *core.VoteSet, vote core.Vote) {
	_, ev := votes.AddVote(vote)
	if ev != nil {
		e.state.AddEvidence(*ev)
		e.logger.WithFields(log.Fields{"evidence": ev}).Warn("Equivocating vote")
	}
}

func (e *Engine) finalize(cert *core.Certificate) {
	block := e.pendingProposal.Block
	e.engineState = StateFinalized

	fb := &core.FinalizedBlock{Block: block, Certificate: cert}
	if err := e.state.SaveFinalizedBlock(fb); err != nil {
		e.logger.WithFields(log.Fields{"err": err}).Error("Failed to persist finalized block")
	}
	e.state.SetLastFinalized(block.Height, block.Round, e.pendingHash)
	e.lastCommitCert = cert

	e.logger.WithFields(log.Fields{
		"height": block.Height,
		"round":  block.Round,
		"block":  e.pendingHash.Hex(),
		"txs":    len(block.Txs),
	}).Info("Finalized block")

	select {
	case e.finalizedBlocks <- fb:
	default:
		e.logger.Warn("Finalized block feed is full, dropping")
	}

	e.enterNewHeight(block.Height + 1)
}

// -------------------------- Timeouts -------------------------- //

// scheduleTimeout arms the timer for the given phase. The event is posted to
// the main queue; by the time it arrives the engine may have moved on, in
// which case it is discarded. This makes "vote arrives the instant before
// timeout" a non-race: whichever enters the queue first wins.
func (e *Engine) scheduleTimeout(state EngineState) {
	ev := timeoutEvent{height: e.height, round: e.round, state: state}
	duration := e.timeoutDuration(state)
	time.AfterFunc(duration, func() {
		select {
		case e.incoming <- ev:
		case <-e.ctx.Done():
		}
	})
}

// timeoutDuration grows linearly with the round so that slow networks
// eventually catch up (eventual synchrony assumption).
func (e *Engine) timeoutDuration(state EngineState) time.Duration {
	var baseMs int
	switch state {
	case StatePropose:
		baseMs = viper.GetInt(common.CfgConsensusProposeTimeout)
	case StatePrepare:
		baseMs = viper.GetInt(common.CfgConsensusPrepareTimeout)
	default:
		baseMs = viper.GetInt(common.CfgConsensusCommitTimeout)
	}
	deltaMs := viper.GetInt(common.CfgConsensusRoundTimeoutDelta)
	return time.Duration(baseMs+int(e.round)*deltaMs) * time.Millisecond
}

func (e *Engine) handleTimeout(ev timeoutEvent) {
	if ev.height != e.height || ev.round != e.round || ev.state != e.engineState {
		return // stale timer
	}
	if e.engineState == StateFinalized || e.engineState == StateNewHeight {
		return
	}
	e.logger.WithFields(log.Fields{
		"height": e.height,
		"round":  e.round,
		"state":  e.engineState,
	}).Debug("Phase timed out, changing round")
	e.enterRound(e.round + 1)
}

// -------------------------- Voting -------------------------- //

func (e *Engine) castVote(kind core.VoteKind) {
	vset := e.validatorManager.GetValidatorSet(e.height)
	if vset.IndexOf(e.address) < 0 {
		return // observer node, not a validator
	}
	vote := core.Vote{
		Height: e.height,
		Round:  e.round,
		Block:  e.pendingHash,
		Kind:   kind,
		Voter:  e.address,
	}
	vote.Sign(e.blsKey)

	e.logger.WithFields(log.Fields{"vote": vote}).Debug("Broadcasting vote")
	// Broadcast reaches this node as well, so the vote is tallied through the
	// same verification path as everyone else's.
	e.network.Broadcast(p2p.Message{Content: vote})
}
