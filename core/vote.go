package core

import (
	"fmt"
	"sort"

	"github.com/veilmesh/veilmesh/common"
	"github.com/veilmesh/veilmesh/common/result"
	"github.com/veilmesh/veilmesh/crypto"
	"github.com/veilmesh/veilmesh/crypto/bls"
)

// VoteKind distinguishes the two voting phases.
type VoteKind uint8

const (
	// VoteKindPrepare is a vote cast after receiving a valid proposal.
	VoteKindPrepare VoteKind = 1
	// VoteKindCommit is a vote cast after observing a prepare quorum.
	VoteKindCommit VoteKind = 2
)

func (k VoteKind) String() string {
	switch k {
	case VoteKindPrepare:
		return "prepare"
	case VoteKindCommit:
		return "commit"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Vote represents a vote on a block by a validator. A correct validator
// casts at most one vote of each kind per (height, round).
type Vote struct {
	Height    uint64
	Round     uint32
	Block     common.Hash
	Kind      VoteKind
	Voter     common.Address
	Signature common.Bytes // compressed BLS signature
}

func (v Vote) String() string {
	return fmt.Sprintf("Vote{%v, height: %v, round: %v, block: %v, voter: %v}",
		v.Kind, v.Height, v.Round, v.Block.Hex(), v.Voter.Hex())
}

// VoteSignBytes returns the canonical message signed by a vote with the given
// context. All commit votes for the same (height, round, block) sign the same
// message, which enables same-message BLS aggregation.
func VoteSignBytes(height uint64, round uint32, block common.Hash, kind VoteKind) []byte {
	digest := crypto.DomainHashUint64(crypto.DomainVote,
		[]uint64{height, uint64(round), uint64(kind)}, block.Bytes())
	return digest.Bytes()
}

// SignBytes returns the message this vote signs.
func (v Vote) SignBytes() []byte {
	return VoteSignBytes(v.Height, v.Round, v.Block, v.Kind)
}

// Sign signs the vote with the given BLS secret key.
func (v *Vote) Sign(key *bls.SecretKey) {
	v.Signature = key.Sign(v.SignBytes()).Marshal()
}

// Validate verifies the vote signature against the voter's key in the given
// validator set.
func (v Vote) Validate(vset *ValidatorSet) result.Result {
	validator, err := vset.GetValidator(v.Voter)
	if err != nil {
		return result.Error("voter %v not in validator set", v.Voter).
			WithErrorCode(result.CodeInvalidSignature)
	}
	pub, err := validator.SignKey()
	if err != nil {
		return result.Error("invalid signing key for voter %v", v.Voter).
			WithErrorCode(result.CodeInvalidSignature)
	}
	sig, err := bls.SignatureFromBytes(v.Signature)
	if err != nil {
		return result.Error("malformed vote signature from %v", v.Voter).
			WithErrorCode(result.CodeInvalidSignature)
	}
	if !sig.Verify(v.SignBytes(), pub) {
		return result.Error("vote signature verification failed for %v", v.Voter).
			WithErrorCode(result.CodeInvalidSignature)
	}
	return result.OK
}

// VoteSet collects votes of one kind for one (height, round, block) context.
// Duplicate votes from the same voter are collapsed; a conflicting vote for a
// different block is rejected as equivocation evidence.
type VoteSet struct {
	votes map[common.Address]Vote
}

// NewVoteSet creates an instance of VoteSet.
func NewVoteSet() *VoteSet {
	return &VoteSet{
		votes: make(map[common.Address]Vote),
	}
}

// Copy creates a copy of this vote set.
func (s *VoteSet) Copy() *VoteSet {
	ret := NewVoteSet()
	for _, vote := range s.votes {
		ret.votes[vote.Voter] = vote
	}
	return ret
}

// AddVote adds a vote to the set. Re-adding an identical vote is a no-op.
// A conflicting vote from the same voter is rejected and returned as
// evidence.
func (s *VoteSet) AddVote(vote Vote) (added bool, evidence *Evidence) {
	prev, seen := s.votes[vote.Voter]
	if seen {
		if prev.Block == vote.Block {
			return false, nil
		}
		ev := NewVoteEvidence(prev, vote)
		return false, &ev
	}
	s.votes[vote.Voter] = vote
	return true, nil
}

// Size returns the number of votes in the vote set.
func (s *VoteSet) Size() int {
	return len(s.votes)
}

// Votes returns the votes ordered by voter address.
func (s *VoteSet) Votes() []Vote {
	ret := make([]Vote, 0, len(s.votes))
	for _, v := range s.votes {
		ret = append(ret, v)
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Voter.Big().Cmp(ret[j].Voter.Big()) < 0
	})
	return ret
}

func (s *VoteSet) String() string {
	return fmt.Sprintf("%v", s.Votes())
}
