package consensus

import (
	"fmt"

	"github.com/veilmesh/veilmesh/common"
	"github.com/veilmesh/veilmesh/core"
	"github.com/veilmesh/veilmesh/store"
)

// StateStub is the persisted form of the engine's consensus state. Only the
// fields needed to resume safely after a restart are durable; everything else
// is rebuilt from messages.
type StateStub struct {
	LastFinalizedHeight uint64
	LastFinalizedRound  uint32
	LastFinalizedHash   common.Hash
	LockedRound         uint32
	LockedHash          common.Hash
	HasLock             bool
}

const (
	// DBStateStubKey is the key of the engine state stub.
	DBStateStubKey = "cs/ss"
	// DBValidatorSetPrefix prefixes per-height validator set snapshots.
	DBValidatorSetPrefix = "cs/vs/"
	// DBEvidencePrefix prefixes persisted equivocation evidence.
	DBEvidencePrefix = "cs/ev/"
	// DBFinalizedBlockPrefix prefixes finalized blocks by height.
	DBFinalizedBlockPrefix = "cs/fb/"
	// DBCertificatePrefix prefixes commit certificates by height.
	DBCertificatePrefix = "cs/cc/"
)

// State holds the engine's consensus state and persists the durable subset
// through the given store.
type State struct {
	db store.Store

	lastFinalizedHeight uint64
	lastFinalizedRound  uint32
	lastFinalizedHash   common.Hash

	lockedRound uint32
	lockedHash  common.Hash
	hasLock     bool
}

// NewState creates a State backed by the given store, loading any previously
// persisted stub.
func NewState(db store.Store) *State {
	s := &State{db: db}
	s.load()
	return s
}

func (s *State) String() string {
	return fmt.Sprintf("State{finalized: %d/%d/%v, locked: %v@%d}",
		s.lastFinalizedHeight, s.lastFinalizedRound, s.lastFinalizedHash.Hex(),
		s.lockedHash.Hex(), s.lockedRound)
}

func (s *State) commit() error {
	stub := &StateStub{
		LastFinalizedHeight: s.lastFinalizedHeight,
		LastFinalizedRound:  s.lastFinalizedRound,
		LastFinalizedHash:   s.lastFinalizedHash,
		LockedRound:         s.lockedRound,
		LockedHash:          s.lockedHash,
		HasLock:             s.hasLock,
	}
	return s.db.Put([]byte(DBStateStubKey), stub)
}

func (s *State) load() {
	stub := &StateStub{}
	err := s.db.Get([]byte(DBStateStubKey), stub)
	if err != nil {
		return
	}
	s.lastFinalizedHeight = stub.LastFinalizedHeight
	s.lastFinalizedRound = stub.LastFinalizedRound
	s.lastFinalizedHash = stub.LastFinalizedHash
	s.lockedRound = stub.LockedRound
	s.lockedHash = stub.LockedHash
	s.hasLock = stub.HasLock
}

// LastFinalized returns the height, round and hash of the last finalized
// block.
func (s *State) LastFinalized() (uint64, uint32, common.Hash) {
	return s.lastFinalizedHeight, s.lastFinalizedRound, s.lastFinalizedHash
}

// SetLastFinalized records the latest finalized block.
func (s *State) SetLastFinalized(height uint64, round uint32, hash common.Hash) error {
	s.lastFinalizedHeight = height
	s.lastFinalizedRound = round
	s.lastFinalizedHash = hash
	return s.commit()
}

// Lock returns the prepare lock, if any.
func (s *State) Lock() (round uint32, hash common.Hash, ok bool) {
	return s.lockedRound, s.lockedHash, s.hasLock
}

// SetLock records a prepare lock on the given block at the given round.
func (s *State) SetLock(round uint32, hash common.Hash) error {
	s.lockedRound = round
	s.lockedHash = hash
	s.hasLock = true
	return s.commit()
}

// ClearLock releases the prepare lock.
func (s *State) ClearLock() error {
	s.lockedRound = 0
	s.lockedHash = common.Hash{}
	s.hasLock = false
	return s.commit()
}

// SaveValidatorSet persists the validator set snapshot for its height.
func (s *State) SaveValidatorSet(vset *core.ValidatorSet) error {
	key := []byte(fmt.Sprintf("%s%d", DBValidatorSetPrefix, vset.Height()))
	return s.db.Put(key, vset)
}

// GetValidatorSet loads the validator set snapshot for the given height.
func (s *State) GetValidatorSet(height uint64) (*core.ValidatorSet, error) {
	key := []byte(fmt.Sprintf("%s%d", DBValidatorSetPrefix, height))
	ret := core.NewValidatorSet(height)
	err := s.db.Get(key, ret)
	return ret, err
}

// AddEvidence persists an equivocation record for out-of-band handling.
func (s *State) AddEvidence(ev core.Evidence) error {
	key := append([]byte(DBEvidencePrefix), ev.Hash().Bytes()...)
	return s.db.Put(key, ev)
}

// GetEvidence loads the evidence record with the given hash.
func (s *State) GetEvidence(hash common.Hash) (core.Evidence, error) {
	key := append([]byte(DBEvidencePrefix), hash.Bytes()...)
	ret := core.Evidence{}
	err := s.db.Get(key, &ret)
	return ret, err
}

// SaveFinalizedBlock persists a finalized block and its commit certificate.
func (s *State) SaveFinalizedBlock(fb *core.FinalizedBlock) error {
	blockKey := []byte(fmt.Sprintf("%s%d", DBFinalizedBlockPrefix, fb.Block.Height))
	if err := s.db.Put(blockKey, fb.Block); err != nil {
		return err
	}
	certKey := []byte(fmt.Sprintf("%s%d", DBCertificatePrefix, fb.Block.Height))
	return s.db.Put(certKey, fb.Certificate)
}

// GetFinalizedBlock loads the finalized block at the given height.
func (s *State) GetFinalizedBlock(height uint64) (*core.FinalizedBlock, error) {
	block := core.NewBlock()
	blockKey := []byte(fmt.Sprintf("%s%d", DBFinalizedBlockPrefix, height))
	if err := s.db.Get(blockKey, block); err != nil {
		return nil, err
	}
	cert := &core.Certificate{}
	certKey := []byte(fmt.Sprintf("%s%d", DBCertificatePrefix, height))
	if err := s.db.Get(certKey, cert); err != nil {
		return nil, err
	}
	return &core.FinalizedBlock{Block: block, Certificate: cert}, nil
}
