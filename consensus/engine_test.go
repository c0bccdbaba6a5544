package consensus

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmesh/veilmesh/common"
	"github.com/veilmesh/veilmesh/core"
	"github.com/veilmesh/veilmesh/p2p/simulation"
	"github.com/veilmesh/veilmesh/store/database/backend"
	"github.com/veilmesh/veilmesh/store/kvstore"
)

const testChainID = "testchain"

type testCluster struct {
	validators []testValidator
	vset       *core.ValidatorSet
	engines    []*Engine
	states     []*State
	cancel     context.CancelFunc
}

// newTestCluster spins up one engine per validator over a simulated network,
// each with its own in-memory store.
func newTestCluster(t *testing.T, stakes []int64) *testCluster {
	tvs, vset := newTestValidators(t, stakes)
	simnet := simulation.NewSimnet()

	cluster := &testCluster{validators: tvs, vset: vset}
	for _, tv := range tvs {
		endpoint := simnet.AddEndpoint(tv.address().Hex())
		state := NewState(kvstore.NewKVStore(backend.NewMemDatabase()))
		engine := NewEngine(testChainID, tv.privKey, tv.blsKey, endpoint,
			NewFixedValidatorManager(vset), emptyTxProvider{}, zeroAnchorSource{}, state)
		cluster.engines = append(cluster.engines, engine)
		cluster.states = append(cluster.states, state)
	}
	simnet.Start()

	ctx, cancel := context.WithCancel(context.Background())
	cluster.cancel = cancel
	for _, engine := range cluster.engines {
		engine.Start(ctx)
	}
	return cluster
}

func (c *testCluster) stop() {
	c.cancel()
	for _, engine := range c.engines {
		engine.Wait()
	}
}

// minFinalizedHeight returns the lowest finalized height across the cluster.
func (c *testCluster) minFinalizedHeight() uint64 {
	min := ^uint64(0)
	for _, state := range c.states {
		h, _, _ := state.LastFinalized()
		if h < min {
			min = h
		}
	}
	return min
}

func TestEngineFinalizesBlocks(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	cluster := newTestCluster(t, []int64{1, 1, 1, 1})
	defer cluster.stop()

	require.Eventually(func() bool {
		return cluster.minFinalizedHeight() >= 5
	}, 30*time.Second, 50*time.Millisecond, "cluster should finalize height 5")

	// All nodes agree on every finalized block, and the commit certificates
	// verify against the validator set.
	for height := uint64(1); height <= 5; height++ {
		var reference *core.Block
		for i, state := range cluster.states {
			fb, err := state.GetFinalizedBlock(height)
			require.Nil(err, "node %d is missing finalized height %d", i, height)
			require.NotNil(fb.Certificate)
			assert.Equal(core.VoteKindCommit, fb.Certificate.Kind)
			assert.True(fb.Certificate.Validate(cluster.vset).IsOK())
			assert.Equal(testChainID, fb.Block.ChainID)
			assert.Equal(height, fb.Block.Height)
			if reference == nil {
				reference = fb.Block
			} else {
				assert.Equal(reference.Hash(), fb.Block.Hash(), "nodes disagree at height %d", height)
			}
		}
	}

	// Parent linkage across consecutive heights.
	state := cluster.states[0]
	for height := uint64(2); height <= 5; height++ {
		fb, err := state.GetFinalizedBlock(height)
		require.Nil(err)
		prev, err := state.GetFinalizedBlock(height - 1)
		require.Nil(err)
		assert.Equal(prev.Block.Hash(), fb.Block.Parent)
	}
}

func TestEngineRejectsForeignChainProposal(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	tvs, _ := newTestValidators(t, []int64{1})
	proposer := tvs[0]

	block := core.NewBlock()
	block.ChainID = "other-chain"
	block.Height = 1
	block.Proposer = proposer.address()
	proposal := &core.Proposal{Block: block}
	require.Nil(proposal.Sign(proposer.privKey))

	assert.True(proposal.Validate(testChainID).IsError())
	assert.True(proposal.Validate("other-chain").IsOK())
}

func TestEngineHaltsOnLivenessFault(t *testing.T) {
	assert := assert.New(t)

	// A single-validator set that is inactive can never reach quorum: the
	// engine must halt instead of spinning through rounds.
	tvs, _ := newTestValidators(t, []int64{10})
	vset := core.NewValidatorSet(1)
	vset.AddValidator(tvs[0].val.WithActive(false))

	simnet := simulation.NewSimnet()
	endpoint := simnet.AddEndpoint(tvs[0].address().Hex())
	state := NewState(kvstore.NewKVStore(backend.NewMemDatabase()))
	engine := NewEngine(testChainID, tvs[0].privKey, tvs[0].blsKey, endpoint,
		NewFixedValidatorManager(vset), emptyTxProvider{}, zeroAnchorSource{}, state)
	simnet.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)

	assert.Eventually(func() bool { return engine.Halted() },
		5*time.Second, 20*time.Millisecond)
	h, _, _ := state.LastFinalized()
	assert.Equal(uint64(0), h, "a halted engine must not finalize")

	cancel()
	engine.Wait()
}

// A conflicting second proposal from the leader typically arrives after the
// first one was already accepted and voted on. It must still be detected and
// recorded as equivocation evidence instead of being dropped silently.
func TestEngineRecordsLeaderEquivocation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	tvs, _ := newTestValidators(t, []int64{10, 10})
	leader, observer := tvs[0], tvs[1]

	// Only the leader is active, so the node under test never proposes.
	vset := core.NewValidatorSet(1)
	vset.AddValidator(leader.val)
	vset.AddValidator(observer.val.WithActive(false))

	simnet := simulation.NewSimnet()
	endpoint := simnet.AddEndpoint(observer.address().Hex())
	state := NewState(kvstore.NewKVStore(backend.NewMemDatabase()))
	engine := NewEngine(testChainID, observer.privKey, observer.blsKey, endpoint,
		NewFixedValidatorManager(vset), emptyTxProvider{}, zeroAnchorSource{}, state)
	simnet.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)

	proposalAt := func(stamp int64) core.Proposal {
		block := core.NewBlock()
		block.ChainID = testChainID
		block.Height = 1
		block.Round = 0
		block.Proposer = leader.address()
		block.Timestamp = big.NewInt(stamp)
		proposal := core.Proposal{Block: block}
		require.Nil(proposal.Sign(leader.privKey))
		return proposal
	}

	first := proposalAt(1)
	second := proposalAt(2)
	require.NotEqual(first.Block.Hash(), second.Block.Hash())

	// The first proposal is accepted and moves the engine into the prepare
	// phase; the conflicting one lands afterwards.
	engine.AddMessage(first)
	engine.AddMessage(second)

	ev := core.NewProposalEvidence(first, second)
	require.Eventually(func() bool {
		_, err := state.GetEvidence(ev.Hash())
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "equivocation should be recorded as evidence")

	stored, err := state.GetEvidence(ev.Hash())
	require.Nil(err)
	assert.Equal(core.EvidenceDuplicateProposal, stored.Kind)
	assert.Equal(leader.address(), stored.Offender)
	require.NotNil(stored.BlockA)
	require.NotNil(stored.BlockB)
	assert.NotEqual(stored.BlockA.Block.Hash(), stored.BlockB.Block.Hash())

	cancel()
	engine.Wait()
}

func TestValueHashStableAcrossRounds(t *testing.T) {
	assert := assert.New(t)

	header := core.BlockHeader{
		ChainID:   testChainID,
		Height:    7,
		Round:     0,
		Proposer:  common.Address{0x01},
		Timestamp: big.NewInt(1700000000),
	}
	reproposed := header
	reproposed.Round = 3

	assert.NotEqual(header.Hash(), reproposed.Hash())
	assert.Equal(header.ValueHash(), reproposed.ValueHash(),
		"the same value re-proposed at a later round must keep its identity")
}
