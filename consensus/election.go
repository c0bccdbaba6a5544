package consensus

import (
	"math/big"

	"github.com/pkg/errors"

	"github.com/veilmesh/veilmesh/common"
	"github.com/veilmesh/veilmesh/core"
	"github.com/veilmesh/veilmesh/crypto"
)

// ErrLivenessFault is returned when the validator set is empty or more than
// 1/3 of the total weight is inactive, which makes quorum unreachable. The
// engine halts rather than finalize an unsafe block.
var ErrLivenessFault = errors.New("LivenessFault")

// ValidatorManager provides the validator set snapshot for each height.
type ValidatorManager interface {
	GetValidatorSet(height uint64) *core.ValidatorSet
}

// FixedValidatorManager is a validator manager that always returns the same
// validator set.
type FixedValidatorManager struct {
	validators *core.ValidatorSet
}

var _ ValidatorManager = (*FixedValidatorManager)(nil)

// NewFixedValidatorManager creates an instance of FixedValidatorManager.
func NewFixedValidatorManager(validators *core.ValidatorSet) *FixedValidatorManager {
	return &FixedValidatorManager{validators: validators}
}

// GetValidatorSet implements the ValidatorManager interface.
func (m *FixedValidatorManager) GetValidatorSet(height uint64) *core.ValidatorSet {
	return m.validators
}

// ElectionSeed derives the pseudo-random seed for leader election at
// (height, round) from the aggregate signature of the previous commit
// certificate. The seed cannot be predicted before that signature exists,
// yet every honest party computes the same value once it does.
func ElectionSeed(prevCert *core.Certificate, height uint64, round uint32) common.Hash {
	var sig []byte
	if prevCert != nil {
		sig = prevCert.AggSignature
	}
	return crypto.DomainHashUint64(crypto.DomainElectionSeed,
		[]uint64{height, uint64(round)}, sig)
}

// ElectLeader deterministically selects the leader for (height, round),
// weighting each active validator by its stake. The draw walks the
// address-ordered set by cumulative stake, so all honest parties agree on the
// result.
func ElectLeader(vset *core.ValidatorSet, prevCert *core.Certificate, height uint64, round uint32) (core.Validator, error) {
	if vset == nil || vset.Size() == 0 {
		return core.Validator{}, ErrLivenessFault
	}
	if !vset.QuorumReachable() {
		return core.Validator{}, ErrLivenessFault
	}

	activeStake := vset.ActiveStake()
	seed := ElectionSeed(prevCert, height, round)
	draw := new(big.Int).Mod(new(big.Int).SetBytes(seed.Bytes()), activeStake)

	cumulative := new(big.Int)
	for _, v := range vset.Validators() {
		if !v.IsActive() {
			continue
		}
		cumulative.Add(cumulative, v.Stake())
		if draw.Cmp(cumulative) < 0 {
			return v, nil
		}
	}
	// Unreachable: draw < activeStake and the cumulative walk covers it.
	return core.Validator{}, errors.New("leader election walked past total stake")
}
