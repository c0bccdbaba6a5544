package mempool

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmesh/veilmesh/common"
)

func newTestKeyManager(t *testing.T, retention int) (*KeyManager, *MemoryRecoveryAuthority) {
	viper.Set(common.CfgEpochRetention, retention)
	t.Cleanup(func() { viper.Set(common.CfgEpochRetention, 1) })

	authority := NewMemoryRecoveryAuthority()
	km, err := NewKeyManager(authority)
	require.Nil(t, err)
	return km, authority
}

func TestKeyManagerRotationIdempotent(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	km, _ := newTestKeyManager(t, 1)
	assert.Equal(uint64(0), km.CurrentKey().Epoch)

	key1, err := km.Rotate(1)
	require.Nil(err)
	assert.Equal(uint64(1), key1.Epoch)

	// Same boundary again: no new material.
	again, err := km.Rotate(1)
	require.Nil(err)
	assert.Equal(key1.Public, again.Public)

	// An older epoch never rolls the manager back.
	stale, err := km.Rotate(0)
	require.Nil(err)
	assert.Equal(uint64(1), stale.Epoch)
}

func TestKeyManagerRetention(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	km, _ := newTestKeyManager(t, 1)
	epoch0Pub := km.CurrentKey().Public

	for e := uint64(1); e <= 3; e++ {
		_, err := km.Rotate(e)
		require.Nil(err)
	}

	// Epoch 2 is within the retention window of current epoch 3.
	key, err := km.KeyFor(2)
	require.Nil(err)
	assert.NotNil(key.Private())

	// Epoch 0's private scalar has been discarded.
	_, err = km.KeyFor(0)
	assert.Equal(ErrKeyExpired, err)

	// The recovery authority can still reproduce it, public half matching.
	recovered, err := km.RecoverKey(0)
	require.Nil(err)
	assert.Equal(epoch0Pub, recovered.Public)
	assert.NotNil(recovered.Private())
}

func TestKeyManagerUnrecoverable(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	km, err := NewKeyManager(nil)
	require.Nil(err)
	_, err = km.Rotate(5)
	require.Nil(err)

	_, err = km.RecoverKey(0)
	assert.Equal(ErrKeyUnrecoverable, err)
}

func TestKeyManagerEpochOf(t *testing.T) {
	assert := assert.New(t)

	viper.Set(common.CfgEpochLength, 100)
	t.Cleanup(func() { viper.Set(common.CfgEpochLength, 100) })

	km, err := NewKeyManager(NewMemoryRecoveryAuthority())
	require.Nil(t, err)

	assert.Equal(uint64(0), km.EpochOf(0))
	assert.Equal(uint64(0), km.EpochOf(99))
	assert.Equal(uint64(1), km.EpochOf(100))
	assert.Equal(uint64(2), km.EpochOf(250))

	// OnHeight rotates on boundary crossings and is a no-op within an epoch.
	require.Nil(t, km.OnHeight(50))
	assert.Equal(uint64(0), km.CurrentKey().Epoch)
	require.Nil(t, km.OnHeight(100))
	assert.Equal(uint64(1), km.CurrentKey().Epoch)
	require.Nil(t, km.OnHeight(101))
	assert.Equal(uint64(1), km.CurrentKey().Epoch)
}
