package core

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/veilmesh/veilmesh/common"
	"github.com/veilmesh/veilmesh/crypto/bls"
)

var (
	// ErrValidatorNotFound for ID is not found in the validator set.
	ErrValidatorNotFound = errors.New("ValidatorNotFound")
	// ErrEmptyValidatorSet indicates an operation on a validator set with no members.
	ErrEmptyValidatorSet = errors.New("EmptyValidatorSet")
)

// Validator contains the public information of a validator.
type Validator struct {
	address common.Address
	signKey common.Bytes // compressed BLS public key
	stake   *big.Int
	active  bool
}

// NewValidator creates a new validator instance.
func NewValidator(address common.Address, signKey *bls.PublicKey, stake *big.Int) Validator {
	return Validator{
		address: address,
		signKey: signKey.Marshal(),
		stake:   stake,
		active:  true,
	}
}

// Address returns the address of the validator.
func (v Validator) Address() common.Address {
	return v.address
}

// ID returns the ID of the validator, which is its address.
func (v Validator) ID() common.Address {
	return v.address
}

// Stake returns the stake of the validator.
func (v Validator) Stake() *big.Int {
	return v.stake
}

// IsActive indicates whether the validator currently participates in consensus.
func (v Validator) IsActive() bool {
	return v.active
}

// WithActive returns a copy of the validator with the active flag set.
func (v Validator) WithActive(active bool) Validator {
	v.active = active
	return v
}

// SignKey returns the BLS public key of the validator.
func (v Validator) SignKey() (*bls.PublicKey, error) {
	return bls.PublicKeyFromBytes(v.signKey)
}

func (v Validator) String() string {
	return fmt.Sprintf("Validator{addr: %v, stake: %v, active: %v}", v.address, v.stake, v.active)
}

// ValidatorSet represents the set of validators for a given height. The set
// is ordered by address and deduplicated; the ordering fixes the canonical
// signer bitmap layout of commit certificates.
type ValidatorSet struct {
	height     uint64
	validators []Validator
}

// NewValidatorSet returns a new instance of ValidatorSet.
func NewValidatorSet(height uint64) *ValidatorSet {
	return &ValidatorSet{
		height:     height,
		validators: []Validator{},
	}
}

// Height returns the height this validator set snapshot applies to.
func (s *ValidatorSet) Height() uint64 {
	return s.height
}

// Copy creates a copy of this validator set.
func (s *ValidatorSet) Copy() *ValidatorSet {
	ret := NewValidatorSet(s.height)
	for _, v := range s.validators {
		ret.AddValidator(v)
	}
	return ret
}

// Size returns the number of the validators in the validator set.
func (s *ValidatorSet) Size() int {
	return len(s.validators)
}

// byAddress implements sort.Interface for []Validator based on address.
type byAddress []Validator

func (b byAddress) Len() int      { return len(b) }
func (b byAddress) Swap(i, j int) { b[i], b[j] = b[j], b[i] }
func (b byAddress) Less(i, j int) bool {
	return bytes.Compare(b[i].Address().Bytes(), b[j].Address().Bytes()) < 0
}

// AddValidator adds a validator to the validator set. An existing validator
// with the same address is replaced.
func (s *ValidatorSet) AddValidator(validator Validator) {
	for i, v := range s.validators {
		if v.Address() == validator.Address() {
			s.validators[i] = validator
			return
		}
	}
	s.validators = append(s.validators, validator)
	sort.Sort(byAddress(s.validators))
}

// GetValidator returns a validator if a matching address is found.
func (s *ValidatorSet) GetValidator(addr common.Address) (Validator, error) {
	for _, v := range s.validators {
		if v.Address() == addr {
			return v, nil
		}
	}
	return Validator{}, ErrValidatorNotFound
}

// IndexOf returns the canonical index of the validator with the given
// address, or -1 if not a member.
func (s *ValidatorSet) IndexOf(addr common.Address) int {
	for i, v := range s.validators {
		if v.Address() == addr {
			return i
		}
	}
	return -1
}

// ByIndex returns the validator at the given canonical index.
func (s *ValidatorSet) ByIndex(idx int) (Validator, error) {
	if idx < 0 || idx >= len(s.validators) {
		return Validator{}, ErrValidatorNotFound
	}
	return s.validators[idx], nil
}

// Validators returns a slice of validators ordered by address.
func (s *ValidatorSet) Validators() []Validator {
	return s.validators
}

// TotalStake returns the total stake of the validators in the set.
func (s *ValidatorSet) TotalStake() *big.Int {
	ret := new(big.Int)
	for _, v := range s.validators {
		ret.Add(ret, v.Stake())
	}
	return ret
}

// ActiveStake returns the total stake of the active validators.
func (s *ValidatorSet) ActiveStake() *big.Int {
	ret := new(big.Int)
	for _, v := range s.validators {
		if v.IsActive() {
			ret.Add(ret, v.Stake())
		}
	}
	return ret
}

// HasQuorum checks whether the given stake strictly exceeds 2/3 of the total
// stake. The unweighted 2f+1 rule is the special case of equal stakes.
func (s *ValidatorSet) HasQuorum(stake *big.Int) bool {
	// stake*3 > total*2
	lhs := new(big.Int).Mul(stake, big.NewInt(3))
	rhs := new(big.Int).Mul(s.TotalStake(), big.NewInt(2))
	return lhs.Cmp(rhs) > 0
}

// HasMajorityVotes checks whether a vote set has reached quorum stake.
func (s *ValidatorSet) HasMajorityVotes(votes *VoteSet) bool {
	votedStake := new(big.Int)
	for _, vote := range votes.Votes() {
		validator, err := s.GetValidator(vote.Voter)
		if err == nil {
			votedStake.Add(votedStake, validator.Stake())
		}
	}
	return s.HasQuorum(votedStake)
}

// QuorumReachable reports whether the active validators can still reach
// quorum. When more than 1/3 of the total weight is inactive, consensus
// must halt with a liveness fault rather than finalize an unsafe block.
func (s *ValidatorSet) QuorumReachable() bool {
	if s.Size() == 0 {
		return false
	}
	return s.HasQuorum(s.ActiveStake())
}

func (s *ValidatorSet) String() string {
	return fmt.Sprintf("ValidatorSet{height: %v, validators: %v}", s.height, s.validators)
}

// validatorStub is the wire/storage form of a Validator.
type validatorStub struct {
	Address common.Address
	SignKey common.Bytes
	Stake   *big.Int
	Active  bool
}

type validatorSetStub struct {
	Height     uint64
	Validators []validatorStub
}

var _ rlp.Encoder = (*ValidatorSet)(nil)

// EncodeRLP implements the rlp.Encoder interface.
func (s *ValidatorSet) EncodeRLP(w io.Writer) error {
	stub := validatorSetStub{Height: s.height}
	for _, v := range s.validators {
		stub.Validators = append(stub.Validators, validatorStub{
			Address: v.address,
			SignKey: v.signKey,
			Stake:   v.stake,
			Active:  v.active,
		})
	}
	return rlp.Encode(w, stub)
}

var _ rlp.Decoder = (*ValidatorSet)(nil)

// DecodeRLP implements the rlp.Decoder interface.
func (s *ValidatorSet) DecodeRLP(stream *rlp.Stream) error {
	stub := validatorSetStub{}
	if err := stream.Decode(&stub); err != nil {
		return err
	}
	s.height = stub.Height
	s.validators = nil
	for _, v := range stub.Validators {
		s.validators = append(s.validators, Validator{
			address: v.Address,
			signKey: v.SignKey,
			stake:   v.Stake,
			active:  v.Active,
		})
	}
	sort.Sort(byAddress(s.validators))
	return nil
}
