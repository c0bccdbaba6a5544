package dispatcher

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmesh/veilmesh/crypto"
	"github.com/veilmesh/veilmesh/mempool"
	"github.com/veilmesh/veilmesh/p2p/simulation"
)

// Two dispatchers on a simulated network: an envelope submitted to one must
// land in the other's pool, so the next leader can reveal it regardless of
// where it entered.
func TestDispatcherGossip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	authority := mempool.NewMemoryRecoveryAuthority()
	kmA, err := mempool.NewKeyManager(authority)
	require.Nil(err)
	poolA := mempool.CreateMempool(kmA)
	poolB := mempool.CreateMempool(kmA) // same epoch keys, separate pools

	simnet := simulation.NewSimnet()
	dpA := NewDispatcher(simnet.AddEndpoint("node-a"), poolA)
	NewDispatcher(simnet.AddEndpoint("node-b"), poolB)
	simnet.Start()

	submitterKey, _, err := crypto.GenerateKeyPair()
	require.Nil(err)
	key := kmA.CurrentKey()
	tx, err := mempool.SealTx([]byte("gossiped payload"), big.NewInt(3), key.Epoch, key.Public, submitterKey)
	require.Nil(err)

	require.Nil(dpA.SubmitTx(tx))
	assert.Equal(1, poolA.Size())

	assert.Eventually(func() bool { return poolB.Size() == 1 },
		5*time.Second, 10*time.Millisecond, "envelope should reach the peer's pool")
}

// A rejected envelope must not be gossiped.
func TestDispatcherRejectsBeforeBroadcast(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	km, err := mempool.NewKeyManager(mempool.NewMemoryRecoveryAuthority())
	require.Nil(err)
	poolA := mempool.CreateMempool(km)
	poolB := mempool.CreateMempool(km)

	simnet := simulation.NewSimnet()
	dpA := NewDispatcher(simnet.AddEndpoint("node-a"), poolA)
	NewDispatcher(simnet.AddEndpoint("node-b"), poolB)
	simnet.Start()

	submitterKey, _, err := crypto.GenerateKeyPair()
	require.Nil(err)
	key := km.CurrentKey()
	tx, err := mempool.SealTx([]byte("broken envelope"), big.NewInt(3), key.Epoch, key.Public, submitterKey)
	require.Nil(err)
	tx.Nonce = tx.Nonce[:4] // structurally invalid

	assert.NotNil(dpA.SubmitTx(tx))
	assert.Equal(0, poolA.Size())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(0, poolB.Size())
}
