package node

import (
	"context"
	"crypto/rand"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmesh/veilmesh/auditlog"
	"github.com/veilmesh/veilmesh/core"
	"github.com/veilmesh/veilmesh/crypto"
	"github.com/veilmesh/veilmesh/crypto/bls"
	"github.com/veilmesh/veilmesh/mempool"
	"github.com/veilmesh/veilmesh/p2p/simulation"
	"github.com/veilmesh/veilmesh/store/database/backend"
)

// newTestNodes boots a cluster of wired-up nodes over a simulated network,
// all validators with equal stake.
func newTestNodes(t *testing.T, n int) ([]*Node, context.CancelFunc) {
	type identity struct {
		privKey *crypto.PrivateKey
		blsKey  *bls.SecretKey
	}

	vset := core.NewValidatorSet(0)
	identities := make([]identity, n)
	for i := range identities {
		privKey, _, err := crypto.GenerateKeyPair()
		require.Nil(t, err)
		blsKey, err := bls.RandKey(rand.Reader)
		require.Nil(t, err)
		identities[i] = identity{privKey: privKey, blsKey: blsKey}
		vset.AddValidator(core.NewValidator(
			privKey.PublicKey().Address(), blsKey.PublicKey(), big.NewInt(1)))
	}

	simnet := simulation.NewSimnet()
	authority := mempool.NewMemoryRecoveryAuthority()
	nodes := make([]*Node, 0, n)
	for _, id := range identities {
		endpoint := simnet.AddEndpoint(id.privKey.PublicKey().Address().Hex())
		node, err := NewNode(&Params{
			ChainID:    "testchain",
			PrivateKey: id.privKey,
			BLSKey:     id.blsKey,
			Validators: vset,
			Network:    endpoint,
			DB:         backend.NewMemDatabase(),
			Authority:  authority,
		})
		require.Nil(t, err)
		nodes = append(nodes, node)
	}
	simnet.Start()

	ctx, cancel := context.WithCancel(context.Background())
	for _, node := range nodes {
		node.Start(ctx)
	}
	return nodes, cancel
}

func stopTestNodes(nodes []*Node, cancel context.CancelFunc) {
	cancel()
	for _, node := range nodes {
		node.Stop()
		node.Wait()
	}
}

func TestNodeEndToEnd(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	nodes, cancel := newTestNodes(t, 4)
	defer stopTestNodes(nodes, cancel)

	// Every node must end up with the envelope in its pool, whichever leader
	// reveals it.
	submitterKey, _, err := crypto.GenerateKeyPair()
	require.Nil(err)
	key := nodes[0].KeyManager.CurrentKey()
	tx, err := mempool.SealTx([]byte("pay carol 5"), big.NewInt(100), key.Epoch, key.Public, submitterKey)
	require.Nil(err)
	require.Nil(nodes[0].Dispatcher.SubmitTx(tx))

	// The cluster finalizes blocks and the transaction gets included.
	require.Eventually(func() bool {
		for _, node := range nodes {
			if node.Consensus.Height() < 3 {
				return false
			}
		}
		return true
	}, 60*time.Second, 100*time.Millisecond, "cluster should make progress")

	require.Eventually(func() bool {
		for _, node := range nodes {
			if node.Mempool.Size() != 0 {
				return false
			}
		}
		return true
	}, 60*time.Second, 100*time.Millisecond, "included envelope should leave every pool")

	// Finalized work lands in the audit log and freezes into provable
	// buckets on the rollup cadence.
	node := nodes[0]
	require.Eventually(func() bool {
		return node.AuditLog.Stats().NextSeq > 0 && !node.AuditLog.LatestAnchor().IsEmpty()
	}, 60*time.Second, 100*time.Millisecond, "audit log should freeze a bucket")

	stats := node.AuditLog.Stats()
	assert.True(stats.FrozenBuckets[auditlog.GranularitySecond] > 0)
}
