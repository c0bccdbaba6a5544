package core

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/veilmesh/veilmesh/common"
	"github.com/veilmesh/veilmesh/common/result"
	"github.com/veilmesh/veilmesh/crypto"
)

// BlockHeader is the header of a proposed block.
type BlockHeader struct {
	ChainID string
	Height  uint64
	Round   uint32
	Epoch   uint64 // mempool key epoch the transactions were revealed from

	Parent common.Hash
	TxRoot common.Hash
	// AuditAnchor carries the most recent frozen audit-log rollup root,
	// anchoring the audit history into the chain.
	AuditAnchor common.Hash

	Proposer  common.Address
	Timestamp *big.Int
}

// Hash returns the domain-tagged hash of the header.
func (h *BlockHeader) Hash() common.Hash {
	raw, err := rlp.EncodeToBytes(h)
	if err != nil {
		return common.Hash{}
	}
	return crypto.DomainHash(crypto.DomainBlockHeader, raw)
}

// ValueHash identifies the proposed value independently of the round it is
// proposed in. A validator locked on a value accepts the same value
// re-proposed at a later round, so lock comparisons use this hash rather
// than the full header hash.
func (h *BlockHeader) ValueHash() common.Hash {
	clone := *h
	clone.Round = 0
	raw, err := rlp.EncodeToBytes(&clone)
	if err != nil {
		return common.Hash{}
	}
	return crypto.DomainHash(crypto.DomainBlockHeader, raw)
}

// SignBytes returns the message the proposer signs.
func (h *BlockHeader) SignBytes() []byte {
	digest := crypto.DomainHash(crypto.DomainProposal, h.Hash().Bytes())
	return digest.Bytes()
}

func (h *BlockHeader) String() string {
	return fmt.Sprintf("Header{height: %v, round: %v, epoch: %v, parent: %v, proposer: %v}",
		h.Height, h.Round, h.Epoch, h.Parent.Hex(), h.Proposer.Hex())
}

// Block is a header plus the ordered list of revealed raw transactions.
type Block struct {
	BlockHeader
	Txs []common.Bytes
}

// NewBlock creates an empty block.
func NewBlock() *Block {
	return &Block{}
}

func (b *Block) String() string {
	return fmt.Sprintf("Block{header: %v, txs: %d}", &b.BlockHeader, len(b.Txs))
}

// Proposal represents a leader's proposal of a new block. Justification, when
// present, is a prepare certificate from an earlier round that releases
// validators from a conflicting lock.
type Proposal struct {
	Block         *Block
	Signature     *crypto.Signature `rlp:"nil"`
	Justification *Certificate      `rlp:"nil"`
}

// Sign signs the proposal header with the proposer's ECDSA key.
func (p *Proposal) Sign(sk *crypto.PrivateKey) error {
	sig, err := sk.Sign(p.Block.SignBytes())
	if err != nil {
		return err
	}
	p.Signature = sig
	return nil
}

// Validate checks the structural integrity and proposer signature of the
// proposal. Leader eligibility is checked by the consensus engine.
func (p *Proposal) Validate(chainID string) result.Result {
	if p.Block == nil {
		return result.Error("proposal has no block")
	}
	if p.Block.ChainID != chainID {
		return result.Error("proposal for foreign chain %v", p.Block.ChainID).
			WithErrorCode(result.CodeMismatchedContext)
	}
	if p.Signature.IsEmpty() {
		return result.Error("proposal is unsigned").
			WithErrorCode(result.CodeInvalidSignature)
	}
	signer, err := p.Signature.RecoverSignerAddress(p.Block.SignBytes())
	if err != nil {
		return result.Error("cannot recover proposal signer: %v", err).
			WithErrorCode(result.CodeInvalidSignature)
	}
	if signer != p.Block.Proposer {
		return result.Error("proposal signer %v does not match proposer %v",
			signer, p.Block.Proposer).WithErrorCode(result.CodeInvalidSignature)
	}
	return result.OK
}

func (p Proposal) String() string {
	return fmt.Sprintf("Proposal{block: %v}", p.Block)
}

// FinalizedBlock is published on the finalized block feed once a commit
// certificate has been assembled.
type FinalizedBlock struct {
	Block       *Block
	Certificate *Certificate
}
