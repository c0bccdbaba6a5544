package auditlog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmesh/veilmesh/common"
	"github.com/veilmesh/veilmesh/crypto"
)

func testLeaves(n int) []common.Hash {
	leaves := make([]common.Hash, n)
	for i := range leaves {
		leaves[i] = LeafHash([]byte(fmt.Sprintf("leaf-%d", i)))
	}
	return leaves
}

func TestComputeRoot(t *testing.T) {
	assert := assert.New(t)

	assert.True(ComputeRoot(nil).IsEmpty(), "empty tree has the zero root")

	single := testLeaves(1)
	assert.Equal(single[0], ComputeRoot(single))

	// Deterministic and order sensitive.
	leaves := testLeaves(5)
	assert.Equal(ComputeRoot(leaves), ComputeRoot(leaves))
	swapped := testLeaves(5)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	assert.NotEqual(ComputeRoot(leaves), ComputeRoot(swapped))
}

func TestProofRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	// Odd and even tree sizes, including the self-paired tail.
	for _, n := range []int{1, 2, 3, 4, 5, 8, 9} {
		leaves := testLeaves(n)
		root := ComputeRoot(leaves)
		for i := 0; i < n; i++ {
			proof, err := BuildProof(leaves, i)
			require.Nil(err, "n=%d i=%d", n, i)
			assert.True(VerifyProof(proof, root), "n=%d i=%d", n, i)
		}
	}

	_, err := BuildProof(testLeaves(3), 3)
	assert.Equal(ErrLeafNotFound, err)
	_, err = BuildProof(testLeaves(3), -1)
	assert.Equal(ErrLeafNotFound, err)
}

func TestProofRejectsCorruption(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	leaves := testLeaves(8)
	root := ComputeRoot(leaves)
	proof, err := BuildProof(leaves, 3)
	require.Nil(err)

	// Single flipped bit anywhere breaks verification.
	corrupted := *proof
	corrupted.Leaf[0] ^= 0x01
	assert.False(VerifyProof(&corrupted, root))

	corrupted = *proof
	corrupted.Steps = append([]ProofStep{}, proof.Steps...)
	corrupted.Steps[1].Sibling[31] ^= 0x80
	assert.False(VerifyProof(&corrupted, root))

	wrongRoot := root
	wrongRoot[16] ^= 0x01
	assert.False(VerifyProof(proof, wrongRoot))

	assert.False(VerifyProof(nil, root))
}

// Leaf and branch hashes are domain separated: hashing the same 64 bytes as
// a leaf versus as a branch must never collide, or an inner node could be
// re-presented as audited data.
func TestDomainSeparation(t *testing.T) {
	assert := assert.New(t)

	left := LeafHash([]byte("left"))
	right := LeafHash([]byte("right"))
	branch := branchHash(left, right)

	concatenated := append(left.Bytes(), right.Bytes()...)
	asLeaf := LeafHash(concatenated)
	assert.NotEqual(branch, asLeaf)

	assert.NotEqual(LeafHash([]byte("x")),
		crypto.DomainHash(crypto.DomainMerkleBranch, []byte("x")))
}
