package bls

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	key, err := RandKey(rand.Reader)
	require.Nil(err)
	msg := []byte("message to sign")

	sig := key.Sign(msg)
	assert.True(sig.Verify(msg, key.PublicKey()))
	assert.False(sig.Verify([]byte("different message"), key.PublicKey()))

	other, err := RandKey(rand.Reader)
	require.Nil(err)
	assert.False(sig.Verify(msg, other.PublicKey()))
}

func TestAggregateSameMessage(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	msg := []byte("shared vote message")
	var sigs []*Signature
	var pubs []*PublicKey
	for i := 0; i < 4; i++ {
		key, err := RandKey(rand.Reader)
		require.Nil(err)
		sigs = append(sigs, key.Sign(msg))
		pubs = append(pubs, key.PublicKey())
	}

	aggSig := AggregateSignatures(sigs)
	aggPub := AggregatePublicKeys(pubs)
	assert.True(aggSig.Verify(msg, aggPub))

	// Missing one signer's key breaks verification.
	partial := AggregatePublicKeys(pubs[:3])
	assert.False(aggSig.Verify(msg, partial))
}

func TestMarshalRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	key, err := RandKey(rand.Reader)
	require.Nil(err)
	msg := []byte("round trip")
	sig := key.Sign(msg)

	sig2, err := SignatureFromBytes(sig.Marshal())
	require.Nil(err)
	assert.True(sig2.Verify(msg, key.PublicKey()))

	pub2, err := PublicKeyFromBytes(key.PublicKey().Marshal())
	require.Nil(err)
	assert.True(sig.Verify(msg, pub2))

	_, err = SignatureFromBytes([]byte("garbage"))
	assert.NotNil(err)
}
