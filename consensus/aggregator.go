package consensus

import (
	"fmt"
	"math/big"

	"github.com/pkg/errors"

	"github.com/veilmesh/veilmesh/common"
	"github.com/veilmesh/veilmesh/core"
	"github.com/veilmesh/veilmesh/crypto/bls"
)

var (
	// ErrInsufficientWeight indicates the combined stake of the valid votes is
	// below the quorum threshold.
	ErrInsufficientWeight = errors.New("InsufficientWeight")
	// ErrMismatchedContext indicates the input votes reference different
	// (height, round, block, kind) contexts.
	ErrMismatchedContext = errors.New("MismatchedContext")
	// ErrNoVotes indicates an empty input.
	ErrNoVotes = errors.New("NoVotes")
)

// InvalidSignatureError identifies a vote whose signature failed individual
// verification, by the voter's canonical index in the validator set.
type InvalidSignatureError struct {
	Index int
	Voter common.Address
}

func (e InvalidSignatureError) Error() string {
	return fmt.Sprintf("invalid signature from validator %d (%v)", e.Index, e.Voter.Hex())
}

// Aggregator combines individual votes on one (height, round, block, kind)
// context into a certificate carrying a single aggregate signature and a
// signer bitmap.
type Aggregator struct {
	validators *core.ValidatorSet
}

// NewAggregator creates an Aggregator over the validator set of the votes'
// height.
func NewAggregator(validators *core.ValidatorSet) *Aggregator {
	return &Aggregator{validators: validators}
}

// Aggregate verifies each vote individually, drops duplicates from the same
// voter, excludes votes with invalid signatures, and assembles a certificate
// if the remaining stake meets quorum. One bad signature never discards the
// whole batch; the offenders are identified in the returned slice. Returns
// ErrMismatchedContext if the votes disagree on context, ErrInsufficientWeight
// if the surviving stake is below threshold.
func (a *Aggregator) Aggregate(votes []core.Vote) (*core.Certificate, []InvalidSignatureError, error) {
	if len(votes) == 0 {
		return nil, nil, ErrNoVotes
	}

	ref := votes[0]
	for _, v := range votes[1:] {
		if v.Height != ref.Height || v.Round != ref.Round || v.Block != ref.Block || v.Kind != ref.Kind {
			return nil, nil, ErrMismatchedContext
		}
	}

	msg := core.VoteSignBytes(ref.Height, ref.Round, ref.Block, ref.Kind)

	var invalid []InvalidSignatureError
	seen := make(map[common.Address]bool)
	bitmap := core.NewBitmap(a.validators.Size())
	aggSig := bls.NewAggregateSignature()
	signedStake := new(big.Int)

	for _, v := range votes {
		if seen[v.Voter] {
			continue // idempotent on duplicates
		}
		seen[v.Voter] = true

		idx := a.validators.IndexOf(v.Voter)
		if idx < 0 {
			continue // not a member, carries no weight
		}
		validator, _ := a.validators.ByIndex(idx)
		pub, err := validator.SignKey()
		if err != nil {
			invalid = append(invalid, InvalidSignatureError{Index: idx, Voter: v.Voter})
			continue
		}
		sig, err := bls.SignatureFromBytes(v.Signature)
		if err != nil || !sig.Verify(msg, pub) {
			invalid = append(invalid, InvalidSignatureError{Index: idx, Voter: v.Voter})
			continue
		}

		aggSig.Aggregate(sig)
		bitmap.Set(idx)
		signedStake.Add(signedStake, validator.Stake())
	}

	if !a.validators.HasQuorum(signedStake) {
		return nil, invalid, ErrInsufficientWeight
	}

	cert := &core.Certificate{
		Kind:         ref.Kind,
		Block:        ref.Block,
		Height:       ref.Height,
		Round:        ref.Round,
		AggSignature: aggSig.Marshal(),
		Signers:      bitmap,
	}
	return cert, invalid, nil
}
