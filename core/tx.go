package core

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/veilmesh/veilmesh/common"
	"github.com/veilmesh/veilmesh/common/result"
	"github.com/veilmesh/veilmesh/crypto"
)

// EncryptedTx is the encrypted transaction envelope submitted by clients. An
// observer learns existence, size, submission time and the declared priority
// bid, but not content or recipient, until the leader reveals the batch.
type EncryptedTx struct {
	// TxID is the domain-tagged hash of the plaintext transaction. After
	// decryption the id is recomputed and must match, binding plaintext to
	// envelope.
	TxID common.Hash
	// Epoch is the key epoch whose public material the envelope was sealed to.
	Epoch uint64
	// TargetKey is the epoch public key the envelope was sealed against. A
	// node whose epoch key differs must not attempt (or fail) the reveal;
	// the envelope belongs to another leader.
	TargetKey common.Bytes
	// EphemeralKey is the submitter's one-time X25519 public key.
	EphemeralKey common.Bytes
	// Nonce is the AEAD nonce.
	Nonce common.Bytes
	// Ciphertext carries the sealed transaction including its authentication tag.
	Ciphertext common.Bytes
	// Priority is the admission priority bid, declared in the clear.
	Priority *big.Int
	// Signature is the submitter's ECDSA signature over the envelope.
	Signature *crypto.Signature `rlp:"nil"`
}

// SignBytes returns the canonical message the submitter signs: every field
// except the signature itself.
func (tx *EncryptedTx) SignBytes() []byte {
	clone := &EncryptedTx{
		TxID:         tx.TxID,
		Epoch:        tx.Epoch,
		TargetKey:    tx.TargetKey,
		EphemeralKey: tx.EphemeralKey,
		Nonce:        tx.Nonce,
		Ciphertext:   tx.Ciphertext,
		Priority:     tx.Priority,
	}
	raw, _ := rlp.EncodeToBytes(clone)
	return raw
}

// Sign signs the envelope with the submitter's key.
func (tx *EncryptedTx) Sign(sk *crypto.PrivateKey) error {
	sig, err := sk.Sign(tx.SignBytes())
	if err != nil {
		return err
	}
	tx.Signature = sig
	return nil
}

// Submitter recovers the address that signed the envelope.
func (tx *EncryptedTx) Submitter() (common.Address, error) {
	if tx.Signature.IsEmpty() {
		return common.Address{}, fmt.Errorf("envelope is unsigned")
	}
	return tx.Signature.RecoverSignerAddress(tx.SignBytes())
}

// Validate performs the structural checks done at admission time.
func (tx *EncryptedTx) Validate() result.Result {
	if len(tx.TargetKey) != 32 {
		return result.Error("target key must be 32 bytes, got %d", len(tx.TargetKey)).
			WithErrorCode(result.CodeBadEnvelope)
	}
	if len(tx.EphemeralKey) != 32 {
		return result.Error("ephemeral key must be 32 bytes, got %d", len(tx.EphemeralKey)).
			WithErrorCode(result.CodeBadEnvelope)
	}
	if len(tx.Nonce) != 12 {
		return result.Error("nonce must be 12 bytes, got %d", len(tx.Nonce)).
			WithErrorCode(result.CodeBadEnvelope)
	}
	if len(tx.Ciphertext) == 0 {
		return result.Error("empty ciphertext").WithErrorCode(result.CodeBadEnvelope)
	}
	if tx.Priority == nil || tx.Priority.Sign() < 0 {
		return result.Error("missing or negative priority").
			WithErrorCode(result.CodeBadEnvelope)
	}
	if _, err := tx.Submitter(); err != nil {
		return result.Error("invalid submitter signature: %v", err).
			WithErrorCode(result.CodeInvalidSignature)
	}
	return result.OK
}

// Hash returns a stable identifier of the envelope, used for deduplication.
func (tx *EncryptedTx) Hash() common.Hash {
	raw, _ := rlp.EncodeToBytes(tx)
	return crypto.DomainHash(crypto.DomainTxID, raw)
}

func (tx *EncryptedTx) String() string {
	return fmt.Sprintf("EncryptedTx{id: %v, epoch: %v, size: %d, priority: %v}",
		tx.TxID.Hex(), tx.Epoch, len(tx.Ciphertext), tx.Priority)
}

// RevealedTx is a decrypted transaction together with the proof material
// binding it to the envelope it came from.
type RevealedTx struct {
	TxID      common.Hash
	Plaintext common.Bytes
	// RevealProof is a domain-tagged hash binding the plaintext to the
	// envelope it was revealed from.
	RevealProof common.Hash
	Priority    *big.Int
}

// TxIDOf computes the domain-tagged transaction id of a plaintext.
func TxIDOf(plaintext []byte) common.Hash {
	return crypto.DomainHash(crypto.DomainTxID, plaintext)
}
