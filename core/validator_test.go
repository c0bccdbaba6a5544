package core

import (
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmesh/veilmesh/common"
	"github.com/veilmesh/veilmesh/crypto"
	"github.com/veilmesh/veilmesh/crypto/bls"
)

func newTestValidator(t *testing.T, stake int64) (Validator, *crypto.PrivateKey, *bls.SecretKey) {
	privKey, _, err := crypto.GenerateKeyPair()
	require.Nil(t, err)
	blsKey, err := bls.RandKey(rand.Reader)
	require.Nil(t, err)
	v := NewValidator(privKey.PublicKey().Address(), blsKey.PublicKey(), big.NewInt(stake))
	return v, privKey, blsKey
}

func TestValidatorSetQuorum(t *testing.T) {
	assert := assert.New(t)

	vset := NewValidatorSet(1)
	for _, stake := range []int64{10, 20, 30, 40} {
		v, _, _ := newTestValidator(t, stake)
		vset.AddValidator(v)
	}
	assert.Equal(4, vset.Size())
	assert.Equal(big.NewInt(100), vset.TotalStake())

	// 3*voted > 2*total, strictly: 66 of 100 is not enough, 67 is.
	assert.False(vset.HasQuorum(big.NewInt(66)))
	assert.True(vset.HasQuorum(big.NewInt(67)))
	assert.True(vset.HasQuorum(big.NewInt(100)))
	assert.False(vset.HasQuorum(big.NewInt(0)))
}

func TestValidatorSetOrdering(t *testing.T) {
	assert := assert.New(t)

	vset := NewValidatorSet(1)
	for i := 0; i < 5; i++ {
		v, _, _ := newTestValidator(t, 10)
		vset.AddValidator(v)
	}

	validators := vset.Validators()
	for i := 1; i < len(validators); i++ {
		assert.True(validators[i-1].Address().Big().Cmp(validators[i].Address().Big()) < 0,
			"validators must be ordered by address")
	}
	for i, v := range validators {
		assert.Equal(i, vset.IndexOf(v.Address()))
		got, err := vset.ByIndex(i)
		assert.Nil(err)
		assert.Equal(v.Address(), got.Address())
	}
	assert.Equal(-1, vset.IndexOf(common.Address{}))
}

func TestQuorumReachable(t *testing.T) {
	assert := assert.New(t)

	vset := NewValidatorSet(1)
	var validators []Validator
	for i := 0; i < 3; i++ {
		v, _, _ := newTestValidator(t, 10)
		validators = append(validators, v)
		vset.AddValidator(v)
	}
	assert.True(vset.QuorumReachable())

	// Deactivating one of three equal-weight validators leaves exactly 2/3
	// active, below the strict threshold.
	vset.AddValidator(validators[0].WithActive(false))
	assert.False(vset.QuorumReachable())

	empty := NewValidatorSet(1)
	assert.False(empty.QuorumReachable())
}
