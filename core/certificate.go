package core

import (
	"fmt"
	"math/big"

	"github.com/veilmesh/veilmesh/common"
	"github.com/veilmesh/veilmesh/common/result"
	"github.com/veilmesh/veilmesh/crypto/bls"
)

// Bitmap identifies, by canonical validator index, which validators
// contributed signatures to an aggregate.
type Bitmap struct {
	Bits  common.Bytes
	Count uint32 // number of validators the bitmap covers
}

// NewBitmap creates a zeroed bitmap covering the given number of validators.
func NewBitmap(validatorCount int) Bitmap {
	return Bitmap{
		Bits:  make(common.Bytes, (validatorCount+7)/8),
		Count: uint32(validatorCount),
	}
}

// Set marks the validator at the given index as a signer.
func (b *Bitmap) Set(index int) error {
	if index < 0 || index >= int(b.Count) {
		return fmt.Errorf("bitmap index out of range: %d", index)
	}
	b.Bits[index/8] |= 1 << uint(index%8)
	return nil
}

// IsSet reports whether the validator at the given index signed.
func (b Bitmap) IsSet(index int) bool {
	if index < 0 || index >= int(b.Count) {
		return false
	}
	return b.Bits[index/8]&(1<<uint(index%8)) != 0
}

// NumSet returns the number of signers.
func (b Bitmap) NumSet() int {
	n := 0
	for i := 0; i < int(b.Count); i++ {
		if b.IsSet(i) {
			n++
		}
	}
	return n
}

// SetIndices returns the signer indices in ascending order.
func (b Bitmap) SetIndices() []int {
	var ret []int
	for i := 0; i < int(b.Count); i++ {
		if b.IsSet(i) {
			ret = append(ret, i)
		}
	}
	return ret
}

func (b Bitmap) String() string {
	return fmt.Sprintf("Bitmap{%d/%d}", b.NumSet(), b.Count)
}

// Certificate is an aggregate of votes of one kind on one block. A commit
// certificate finalizes a block; a prepare certificate justifies releasing a
// prepare lock across rounds.
type Certificate struct {
	Kind         VoteKind
	Block        common.Hash
	Height       uint64
	Round        uint32
	AggSignature common.Bytes // compressed aggregate BLS signature
	Signers      Bitmap
}

func (cc *Certificate) String() string {
	return fmt.Sprintf("Certificate{%v, height: %v, round: %v, block: %v, signers: %v}",
		cc.Kind, cc.Height, cc.Round, cc.Block.Hex(), cc.Signers)
}

// Copy clones the certificate.
func (cc *Certificate) Copy() *Certificate {
	clone := &Certificate{
		Kind:   cc.Kind,
		Block:  cc.Block,
		Height: cc.Height,
		Round:  cc.Round,
		Signers: Bitmap{
			Bits:  common.CopyBytes(cc.Signers.Bits),
			Count: cc.Signers.Count,
		},
		AggSignature: common.CopyBytes(cc.AggSignature),
	}
	return clone
}

// Validate verifies the certificate against the validator set of its height:
// the bitmap must match the set, the combined signer stake must meet the
// quorum threshold, and the aggregate signature must verify against the
// aggregate of the signers' public keys. Verification failures fail closed.
func (cc *Certificate) Validate(vset *ValidatorSet) result.Result {
	if cc == nil {
		return result.Error("certificate is nil")
	}
	if int(cc.Signers.Count) != vset.Size() {
		return result.Error("bitmap covers %d validators, set has %d",
			cc.Signers.Count, vset.Size()).WithErrorCode(result.CodeMismatchedContext)
	}
	if len(cc.Signers.Bits) != (vset.Size()+7)/8 {
		return result.Error("malformed bitmap")
	}

	signedStake := new(big.Int)
	aggPub := bls.NewAggregatePubkey()
	for _, idx := range cc.Signers.SetIndices() {
		v, err := vset.ByIndex(idx)
		if err != nil {
			return result.Error("bitmap index %d outside validator set", idx)
		}
		pub, err := v.SignKey()
		if err != nil {
			return result.Error("invalid signing key at index %d", idx)
		}
		aggPub.Aggregate(pub)
		signedStake.Add(signedStake, v.Stake())
	}
	if !vset.HasQuorum(signedStake) {
		return result.Error("signer stake %v below quorum of total %v",
			signedStake, vset.TotalStake())
	}

	aggSig, err := bls.SignatureFromBytes(cc.AggSignature)
	if err != nil {
		return result.Error("malformed aggregate signature").
			WithErrorCode(result.CodeInvalidSignature)
	}
	msg := VoteSignBytes(cc.Height, cc.Round, cc.Block, cc.Kind)
	if !aggSig.Verify(msg, aggPub) {
		return result.Error("aggregate signature verification failed").
			WithErrorCode(result.CodeInvalidSignature)
	}
	return result.OK
}
