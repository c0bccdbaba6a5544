package auditlog

import (
	"github.com/pkg/errors"

	"github.com/veilmesh/veilmesh/common"
	"github.com/veilmesh/veilmesh/crypto"
)

// ErrLeafNotFound is returned when a proof is requested for an unknown leaf.
var ErrLeafNotFound = errors.New("LeafNotFound")

// LeafHash hashes raw data under the leaf domain prefix. Branch nodes hash
// under a distinct prefix, so a leaf over some bytes can never collide with a
// branch over the same bytes.
func LeafHash(data []byte) common.Hash {
	return crypto.DomainHash(crypto.DomainMerkleLeaf, data)
}

func branchHash(left, right common.Hash) common.Hash {
	return crypto.DomainHash(crypto.DomainMerkleBranch, left.Bytes(), right.Bytes())
}

// ComputeRoot computes the Merkle root over the given leaf hashes. An odd
// node at the end of a level is paired with itself. An empty input yields the
// zero hash.
func ComputeRoot(leaves []common.Hash) common.Hash {
	if len(leaves) == 0 {
		return common.Hash{}
	}
	level := make([]common.Hash, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, branchHash(level[i], level[i+1]))
			} else {
				next = append(next, branchHash(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}

// ProofStep is one level of an inclusion proof: the sibling hash and whether
// the sibling sits to the left of the running hash.
type ProofStep struct {
	Sibling common.Hash
	Left    bool
}

// Proof is the sibling path from a leaf hash to a bucket root.
type Proof struct {
	Leaf  common.Hash
	Steps []ProofStep
}

// BuildProof constructs the inclusion proof for the leaf at the given index.
func BuildProof(leaves []common.Hash, index int) (*Proof, error) {
	if index < 0 || index >= len(leaves) {
		return nil, ErrLeafNotFound
	}
	proof := &Proof{Leaf: leaves[index]}
	level := make([]common.Hash, len(leaves))
	copy(level, leaves)
	pos := index
	for len(level) > 1 {
		var sibling common.Hash
		if pos%2 == 0 {
			if pos+1 < len(level) {
				sibling = level[pos+1]
			} else {
				sibling = level[pos] // odd node pairs with itself
			}
			proof.Steps = append(proof.Steps, ProofStep{Sibling: sibling, Left: false})
		} else {
			sibling = level[pos-1]
			proof.Steps = append(proof.Steps, ProofStep{Sibling: sibling, Left: true})
		}

		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, branchHash(level[i], level[i+1]))
			} else {
				next = append(next, branchHash(level[i], level[i]))
			}
		}
		level = next
		pos = pos / 2
	}
	return proof, nil
}

// VerifyProof recomputes the path from the proof's leaf hash with the correct
// domain prefix at each step and compares the result to the expected root.
func VerifyProof(proof *Proof, expectedRoot common.Hash) bool {
	if proof == nil {
		return false
	}
	running := proof.Leaf
	for _, step := range proof.Steps {
		if step.Left {
			running = branchHash(step.Sibling, running)
		} else {
			running = branchHash(running, step.Sibling)
		}
	}
	return running == expectedRoot
}
