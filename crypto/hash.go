package crypto

import (
	"encoding/binary"

	"github.com/zeebo/blake3"

	"github.com/veilmesh/veilmesh/common"
)

// Hash domains. Every structural role hashes under a distinct prefix so that
// values of one kind can never be confused for values of another (e.g. a
// Merkle leaf colliding with a branch over the same bytes).
const (
	DomainMerkleLeaf   byte = 0x00
	DomainMerkleBranch byte = 0x01

	DomainBlockHeader  byte = 0x10
	DomainVote         byte = 0x11
	DomainProposal     byte = 0x12
	DomainElectionSeed byte = 0x13
	DomainEvidence     byte = 0x14

	DomainTxID        byte = 0x20
	DomainTxEncrypt   byte = 0x21
	DomainRevealProof byte = 0x22
	DomainEpochKey    byte = 0x23
)

// DomainHash computes the blake3 hash of the concatenated inputs under the
// given domain prefix.
func DomainHash(domain byte, data ...[]byte) common.Hash {
	h := blake3.New()
	h.Write([]byte{domain})
	for _, d := range data {
		h.Write(d)
	}
	return common.BytesToHash(h.Sum(nil))
}

// DomainHashUint64 mixes unsigned integers into a domain hash alongside the
// byte inputs. Integers are encoded big-endian so the digest is platform
// independent.
func DomainHashUint64(domain byte, nums []uint64, data ...[]byte) common.Hash {
	h := blake3.New()
	h.Write([]byte{domain})
	var buf [8]byte
	for _, n := range nums {
		binary.BigEndian.PutUint64(buf[:], n)
		h.Write(buf[:])
	}
	for _, d := range data {
		h.Write(d)
	}
	return common.BytesToHash(h.Sum(nil))
}
