package crypto

import (
	"crypto/ecdsa"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/veilmesh/veilmesh/common"
)

// SignatureLength is the length of an ECDSA signature: 64 bytes [R || S]
// plus 1 byte recovery id.
const SignatureLength = 65

// PrivateKey wraps a secp256k1 private key.
type PrivateKey struct {
	sk *ecdsa.PrivateKey
}

// GenerateKeyPair generates a random private/public key pair.
func GenerateKeyPair() (*PrivateKey, *PublicKey, error) {
	sk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	return &PrivateKey{sk: sk}, &PublicKey{pk: &sk.PublicKey}, nil
}

// PrivateKeyFromBytes parses a 32-byte scalar into a private key.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	sk, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse private key")
	}
	return &PrivateKey{sk: sk}, nil
}

// ToBytes returns the byte representation of the private key.
func (sk *PrivateKey) ToBytes() common.Bytes {
	return ethcrypto.FromECDSA(sk.sk)
}

// PublicKey returns the public key corresponding to the private key.
func (sk *PrivateKey) PublicKey() *PublicKey {
	return &PublicKey{pk: &sk.sk.PublicKey}
}

// Sign signs the given message. The message is hashed prior to signing.
func (sk *PrivateKey) Sign(msg []byte) (*Signature, error) {
	digest := ethcrypto.Keccak256(msg)
	data, err := ethcrypto.Sign(digest, sk.sk)
	if err != nil {
		return nil, err
	}
	return &Signature{Data: data}, nil
}

// PublicKey wraps a secp256k1 public key.
type PublicKey struct {
	pk *ecdsa.PublicKey
}

// PublicKeyFromBytes parses an uncompressed public key.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	pk, err := ethcrypto.UnmarshalPubkey(b)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse public key")
	}
	return &PublicKey{pk: pk}, nil
}

// ToBytes returns the uncompressed byte representation of the public key.
func (pk *PublicKey) ToBytes() common.Bytes {
	return ethcrypto.FromECDSAPub(pk.pk)
}

// Address returns the address corresponding to the public key.
func (pk *PublicKey) Address() common.Address {
	ethAddr := ethcrypto.PubkeyToAddress(*pk.pk)
	return common.BytesToAddress(ethAddr.Bytes())
}

// IsEmpty indicates whether the public key is empty.
func (pk *PublicKey) IsEmpty() bool {
	return pk == nil || pk.pk == nil || pk.pk.X == nil || pk.pk.Y == nil
}

// VerifySignature verifies the signature against the message.
func (pk *PublicKey) VerifySignature(msg []byte, sig *Signature) bool {
	if sig == nil || len(sig.Data) != SignatureLength {
		return false
	}
	signer, err := sig.RecoverSignerAddress(msg)
	if err != nil {
		return false
	}
	return signer == pk.Address()
}

// Signature is an ECDSA signature in [R || S || V] form.
type Signature struct {
	Data common.Bytes
}

// SignatureFromBytes wraps raw signature bytes.
func SignatureFromBytes(b []byte) *Signature {
	return &Signature{Data: common.CopyBytes(b)}
}

// ToBytes returns the byte representation of the signature.
func (sig *Signature) ToBytes() common.Bytes {
	return sig.Data
}

// IsEmpty indicates whether the signature is empty.
func (sig *Signature) IsEmpty() bool {
	return sig == nil || len(sig.Data) == 0
}

// RecoverSignerAddress recovers the address of the party that signed the
// given message.
func (sig *Signature) RecoverSignerAddress(msg []byte) (common.Address, error) {
	if len(sig.Data) != SignatureLength {
		return common.Address{}, errors.Errorf("invalid signature length: %d", len(sig.Data))
	}
	digest := ethcrypto.Keccak256(msg)
	pk, err := ethcrypto.SigToPub(digest, sig.Data)
	if err != nil {
		return common.Address{}, err
	}
	ethAddr := ethcrypto.PubkeyToAddress(*pk)
	return common.BytesToAddress(ethAddr.Bytes()), nil
}

// Keccak256Hash computes the Keccak256 hash of the concatenation of the
// inputs.
func Keccak256Hash(data ...[]byte) common.Hash {
	return common.BytesToHash(ethcrypto.Keccak256(data...))
}
