package core

import (
	"fmt"

	"github.com/veilmesh/veilmesh/common"
	"github.com/veilmesh/veilmesh/crypto"
)

// EvidenceKind identifies the category of misbehavior.
type EvidenceKind uint8

const (
	// EvidenceDuplicateVote records two conflicting votes of the same kind
	// from the same voter for the same (height, round).
	EvidenceDuplicateVote EvidenceKind = 1
	// EvidenceDuplicateProposal records two conflicting signed proposals from
	// the same leader for the same (height, round).
	EvidenceDuplicateProposal EvidenceKind = 2
)

// Evidence records a detected protocol fault attributable to a validator.
// Punishment is out of scope; detection and durable recording are not.
type Evidence struct {
	Kind     EvidenceKind
	Height   uint64
	Round    uint32
	Offender common.Address
	VoteA    *Vote     `rlp:"nil"`
	VoteB    *Vote     `rlp:"nil"`
	BlockA   *Proposal `rlp:"nil"`
	BlockB   *Proposal `rlp:"nil"`
}

// NewVoteEvidence builds equivocation evidence from two conflicting votes.
func NewVoteEvidence(a, b Vote) Evidence {
	return Evidence{
		Kind:     EvidenceDuplicateVote,
		Height:   a.Height,
		Round:    a.Round,
		Offender: a.Voter,
		VoteA:    &a,
		VoteB:    &b,
	}
}

// NewProposalEvidence builds equivocation evidence from two conflicting
// proposals signed by the same leader.
func NewProposalEvidence(a, b Proposal) Evidence {
	return Evidence{
		Kind:     EvidenceDuplicateProposal,
		Height:   a.Block.Height,
		Round:    a.Block.Round,
		Offender: a.Block.Proposer,
		BlockA:   &a,
		BlockB:   &b,
	}
}

// Hash returns a stable identifier for the evidence record.
func (ev Evidence) Hash() common.Hash {
	return crypto.DomainHashUint64(crypto.DomainEvidence,
		[]uint64{uint64(ev.Kind), ev.Height, uint64(ev.Round)}, ev.Offender.Bytes())
}

func (ev Evidence) String() string {
	return fmt.Sprintf("Evidence{kind: %v, height: %v, round: %v, offender: %v}",
		ev.Kind, ev.Height, ev.Round, ev.Offender.Hex())
}
