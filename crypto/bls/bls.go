// Package bls wraps a library implementing the BLS12-381 curve and signature
// scheme, exposing the verification and aggregation operations used for
// consensus votes and commit certificates.
package bls

import (
	"fmt"
	"io"

	phorebls "github.com/phoreproject/bls"
	"github.com/pkg/errors"
)

// Signature is a message signature.
type Signature struct {
	s *phorebls.G2Projective
}

// Marshal serializes a signature in compressed form.
func (s *Signature) Marshal() []byte {
	ret := phorebls.CompressG2(s.s.ToAffine())
	return ret[:]
}

// SignatureFromBytes creates a BLS signature from a byte slice.
func SignatureFromBytes(sig []byte) (*Signature, error) {
	b := toBytes96(sig)
	a, err := phorebls.DecompressG2(b)
	if err != nil {
		return nil, err
	}
	return &Signature{s: a.ToProjective()}, nil
}

func (s *Signature) String() string {
	return s.s.String()
}

// Aggregate adds another signature to this one.
func (s *Signature) Aggregate(other *Signature) {
	s.s = s.s.Add(other.s)
}

// Copy returns a copy of the signature.
func (s *Signature) Copy() *Signature {
	return &Signature{s.s.Copy()}
}

// Verify verifies the signature against a message and a public key.
func (s *Signature) Verify(m []byte, p *PublicKey) bool {
	h := phorebls.HashG2(m)
	lhs := phorebls.Pairing(phorebls.G1ProjectiveOne, s.s)
	rhs := phorebls.Pairing(p.p, h.ToProjective())
	return lhs.Equals(rhs)
}

// PublicKey is a public key.
type PublicKey struct {
	p *phorebls.G1Projective
}

func (p *PublicKey) String() string {
	return p.p.String()
}

// Marshal serializes a public key in compressed form.
func (p *PublicKey) Marshal() []byte {
	ret := phorebls.CompressG1(p.p.ToAffine())
	return ret[:]
}

// PublicKeyFromBytes creates a BLS public key from a byte slice.
func PublicKeyFromBytes(pub []byte) (*PublicKey, error) {
	b := toBytes48(pub)
	a, err := phorebls.DecompressG1(b)
	if err != nil {
		return nil, err
	}
	return &PublicKey{p: a.ToProjective()}, nil
}

// Equals checks whether two public keys are equal.
func (p *PublicKey) Equals(other *PublicKey) bool {
	return p.p.Equal(other.p)
}

// Aggregate adds another public key to this one.
func (p *PublicKey) Aggregate(other *PublicKey) {
	p.p = p.p.Add(other.p)
}

// Copy returns a copy of the public key.
func (p *PublicKey) Copy() *PublicKey {
	return &PublicKey{p: p.p.Copy()}
}

// SecretKey represents a BLS private key.
type SecretKey struct {
	f *phorebls.FR
}

func (s *SecretKey) String() string {
	return s.f.String()
}

// Marshal serializes a secret key to bytes.
func (s *SecretKey) Marshal() []byte {
	ret := s.f.Bytes()
	return ret[:]
}

// SecretKeyFromBytes creates a BLS private key from a byte slice.
func SecretKeyFromBytes(priv []byte) (*SecretKey, error) {
	if len(priv) != 32 {
		return nil, fmt.Errorf("expected byte slice of length 32, received: %d", len(priv))
	}
	k := toBytes32(priv)
	val := &SecretKey{phorebls.FRReprToFR(phorebls.FRReprFromBytes(k))}
	if val.f == nil {
		return nil, errors.New("invalid private key")
	}
	return val, nil
}

// Sign signs a message with the secret key.
func (s *SecretKey) Sign(message []byte) *Signature {
	h := phorebls.HashG2(message).MulFR(s.f.ToRepr())
	return &Signature{s: h}
}

// PublicKey converts the private key into a public key.
func (s *SecretKey) PublicKey() *PublicKey {
	return &PublicKey{p: phorebls.G1AffineOne.MulFR(s.f.ToRepr())}
}

// RandKey generates a random secret key.
func RandKey(r io.Reader) (*SecretKey, error) {
	k, err := phorebls.RandFR(r)
	if err != nil {
		return nil, err
	}
	return &SecretKey{f: k}, nil
}

// NewAggregateSignature creates a blank aggregate signature.
func NewAggregateSignature() *Signature {
	return &Signature{s: phorebls.G2ProjectiveZero.Copy()}
}

// NewAggregatePubkey creates a blank aggregate public key.
func NewAggregatePubkey() *PublicKey {
	return &PublicKey{p: phorebls.G1ProjectiveZero.Copy()}
}

// AggregateSignatures adds up all of the signatures.
func AggregateSignatures(sigs []*Signature) *Signature {
	newSig := NewAggregateSignature()
	for _, sig := range sigs {
		newSig.Aggregate(sig)
	}
	return newSig
}

// AggregatePublicKeys adds up all of the public keys.
func AggregatePublicKeys(pubs []*PublicKey) *PublicKey {
	newPub := NewAggregatePubkey()
	for _, pub := range pubs {
		newPub.Aggregate(pub)
	}
	return newPub
}

//
// -------------- utils -----------------
//

func toBytes32(x []byte) [32]byte {
	var y [32]byte
	copy(y[:], x)
	return y
}

func toBytes48(x []byte) [48]byte {
	var y [48]byte
	copy(y[:], x)
	return y
}

func toBytes96(x []byte) [96]byte {
	var y [96]byte
	copy(y[:], x)
	return y
}
