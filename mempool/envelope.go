package mempool

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math/big"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/veilmesh/veilmesh/common"
	"github.com/veilmesh/veilmesh/core"
	"github.com/veilmesh/veilmesh/crypto"
)

// Envelope scheme: X25519 key agreement against the epoch public key,
// HKDF-SHA256 key derivation, ChaCha20-Poly1305 AEAD. The AEAD additional
// data binds the epoch number and the declared transaction id, and after
// decryption the id is recomputed from the plaintext and must match, so a
// plaintext can never be attributed to an envelope it did not come from.

var (
	// ErrDecryptionFailed indicates the AEAD rejected the ciphertext.
	ErrDecryptionFailed = errors.New("DecryptionFailed")
	// ErrTxIDMismatch indicates the decrypted plaintext does not hash to the
	// transaction id declared in the envelope.
	ErrTxIDMismatch = errors.New("TxIDMismatch")
)

const hkdfInfo = "veilmesh/mempool/envelope/v1"

func deriveEnvelopeKey(shared []byte, epoch uint64) ([]byte, error) {
	var salt [8]byte
	binary.BigEndian.PutUint64(salt[:], epoch)
	r := hkdf.New(sha256.New, shared, salt[:], []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func additionalData(epoch uint64, txID common.Hash) []byte {
	ad := make([]byte, 8, 8+common.HashLength)
	binary.BigEndian.PutUint64(ad, epoch)
	return append(ad, txID.Bytes()...)
}

// SealTx encrypts a plaintext transaction into an envelope for the given
// epoch, signed by the submitter. Used by clients and tests; the pool itself
// only opens envelopes.
func SealTx(plaintext []byte, priority *big.Int, epoch uint64, epochPublic []byte,
	submitterKey *crypto.PrivateKey) (*core.EncryptedTx, error) {

	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ephPriv); err != nil {
		return nil, errors.Wrap(err, "failed to generate ephemeral key")
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephPriv, epochPublic)
	if err != nil {
		return nil, err
	}
	key, err := deriveEnvelopeKey(shared, epoch)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	txID := core.TxIDOf(plaintext)
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, additionalData(epoch, txID))

	tx := &core.EncryptedTx{
		TxID:         txID,
		Epoch:        epoch,
		TargetKey:    epochPublic,
		EphemeralKey: ephPub,
		Nonce:        nonce,
		Ciphertext:   ciphertext,
		Priority:     priority,
	}
	if err := tx.Sign(submitterKey); err != nil {
		return nil, err
	}
	return tx, nil
}

// OpenTx decrypts an envelope with the epoch's private scalar. It returns
// the plaintext and a reveal proof binding the plaintext to the envelope.
// Tampered ciphertext, a wrong key, or a plaintext whose id does not match
// the envelope all fail closed.
func OpenTx(tx *core.EncryptedTx, epochPriv []byte) (common.Bytes, common.Hash, error) {
	shared, err := curve25519.X25519(epochPriv, tx.EphemeralKey)
	if err != nil {
		return nil, common.Hash{}, ErrDecryptionFailed
	}
	key, err := deriveEnvelopeKey(shared, tx.Epoch)
	if err != nil {
		return nil, common.Hash{}, ErrDecryptionFailed
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, common.Hash{}, ErrDecryptionFailed
	}
	plaintext, err := aead.Open(nil, tx.Nonce, tx.Ciphertext, additionalData(tx.Epoch, tx.TxID))
	if err != nil {
		return nil, common.Hash{}, ErrDecryptionFailed
	}
	if core.TxIDOf(plaintext) != tx.TxID {
		return nil, common.Hash{}, ErrTxIDMismatch
	}
	proof := crypto.DomainHash(crypto.DomainRevealProof,
		tx.TxID.Bytes(), tx.EphemeralKey, plaintext)
	return plaintext, proof, nil
}
