package consensus

import (
	"crypto/rand"
	"math/big"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veilmesh/veilmesh/common"
	"github.com/veilmesh/veilmesh/core"
	"github.com/veilmesh/veilmesh/crypto"
	"github.com/veilmesh/veilmesh/crypto/bls"
)

// testValidator bundles a validator with its signing keys.
type testValidator struct {
	privKey *crypto.PrivateKey
	blsKey  *bls.SecretKey
	val     core.Validator
}

func (tv testValidator) address() common.Address {
	return tv.val.Address()
}

// newTestValidators creates one validator per stake and the set over them,
// ordered by address like the set itself.
func newTestValidators(t *testing.T, stakes []int64) ([]testValidator, *core.ValidatorSet) {
	vset := core.NewValidatorSet(1)
	tvs := make([]testValidator, 0, len(stakes))
	for _, stake := range stakes {
		privKey, _, err := crypto.GenerateKeyPair()
		require.Nil(t, err)
		blsKey, err := bls.RandKey(rand.Reader)
		require.Nil(t, err)
		val := core.NewValidator(privKey.PublicKey().Address(), blsKey.PublicKey(), big.NewInt(stake))
		tvs = append(tvs, testValidator{privKey: privKey, blsKey: blsKey, val: val})
		vset.AddValidator(val)
	}
	sort.Slice(tvs, func(i, j int) bool {
		return tvs[i].address().Big().Cmp(tvs[j].address().Big()) < 0
	})
	return tvs, vset
}

// voteFor produces a signed vote by the given validator.
func voteFor(tv testValidator, height uint64, round uint32, block common.Hash, kind core.VoteKind) core.Vote {
	vote := core.Vote{
		Height: height,
		Round:  round,
		Block:  block,
		Kind:   kind,
		Voter:  tv.address(),
	}
	vote.Sign(tv.blsKey)
	return vote
}

// emptyTxProvider satisfies TxProvider with empty batches.
type emptyTxProvider struct{}

func (emptyTxProvider) RevealBatch(epoch uint64) ([]core.RevealedTx, error) {
	return nil, nil
}

// zeroAnchorSource satisfies AnchorSource with the zero anchor.
type zeroAnchorSource struct{}

func (zeroAnchorSource) LatestAnchor() common.Hash {
	return common.Hash{}
}
