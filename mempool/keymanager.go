package mempool

import (
	"crypto/rand"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/crypto/curve25519"

	"github.com/veilmesh/veilmesh/common"
)

var (
	// ErrKeyExpired indicates the requested epoch is beyond the retention
	// window and its key material has been discarded.
	ErrKeyExpired = errors.New("KeyExpired")
	// ErrKeyUnrecoverable indicates the epoch's private material is lost and
	// the recovery authority cannot reproduce it. Entries sealed to that
	// epoch are permanently unrevealable.
	ErrKeyUnrecoverable = errors.New("KeyUnrecoverable")
)

// EpochKey is the key-agreement material for one mempool epoch. Clients seal
// envelopes against Public; the elected leader opens them with the private
// scalar.
type EpochKey struct {
	Epoch  uint64
	Public common.Bytes

	priv []byte
}

// Private returns the private scalar, or nil if it was discarded.
func (k *EpochKey) Private() []byte {
	return k.priv
}

// discard zeroes the private scalar. The public half stays available as
// metadata.
func (k *EpochKey) discard() {
	for i := range k.priv {
		k.priv[i] = 0
	}
	k.priv = nil
}

// RecoveryAuthority escrows epoch private material at rotation time and can
// reproduce it if the local copy is lost before reveal. A production
// deployment would back this with threshold re-derivation; the in-memory
// implementation below serves tests and single-node setups.
type RecoveryAuthority interface {
	Escrow(epoch uint64, priv []byte) error
	Recover(epoch uint64) ([]byte, error)
}

// MemoryRecoveryAuthority keeps escrowed scalars in memory.
type MemoryRecoveryAuthority struct {
	mu     sync.Mutex
	escrow map[uint64][]byte
}

var _ RecoveryAuthority = (*MemoryRecoveryAuthority)(nil)

// NewMemoryRecoveryAuthority creates an instance of MemoryRecoveryAuthority.
func NewMemoryRecoveryAuthority() *MemoryRecoveryAuthority {
	return &MemoryRecoveryAuthority{escrow: make(map[uint64][]byte)}
}

// Escrow implements the RecoveryAuthority interface.
func (a *MemoryRecoveryAuthority) Escrow(epoch uint64, priv []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.escrow[epoch] = common.CopyBytes(priv)
	return nil
}

// Recover implements the RecoveryAuthority interface.
func (a *MemoryRecoveryAuthority) Recover(epoch uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	priv, ok := a.escrow[epoch]
	if !ok {
		return nil, ErrKeyUnrecoverable
	}
	return common.CopyBytes(priv), nil
}

// KeyManager rotates the mempool's per-epoch X25519 key pairs. Epoch numbers
// derive from block height, not wall clock, so rotation stays synchronized
// across nodes with clock drift.
type KeyManager struct {
	mu sync.Mutex

	current   *EpochKey
	retired   map[uint64]*EpochKey
	retention int
	authority RecoveryAuthority

	epochLength uint64

	logger *log.Entry
}

// NewKeyManager creates a KeyManager with a fresh key for epoch 0.
func NewKeyManager(authority RecoveryAuthority) (*KeyManager, error) {
	km := &KeyManager{
		retired:     make(map[uint64]*EpochKey),
		retention:   viper.GetInt(common.CfgEpochRetention),
		authority:   authority,
		epochLength: uint64(viper.GetInt(common.CfgEpochLength)),
		logger:      log.WithFields(log.Fields{"prefix": "keymanager"}),
	}
	key, err := km.generate(0)
	if err != nil {
		return nil, err
	}
	km.current = key
	return km, nil
}

// EpochOf maps a block height to its key epoch.
func (km *KeyManager) EpochOf(height uint64) uint64 {
	return height / km.epochLength
}

func (km *KeyManager) generate(epoch uint64) (*EpochKey, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, errors.Wrap(err, "failed to generate epoch key")
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	key := &EpochKey{
		Epoch:  epoch,
		Public: pub,
		priv:   priv,
	}
	if km.authority != nil {
		if err := km.authority.Escrow(epoch, priv); err != nil {
			km.logger.WithFields(log.Fields{"epoch": epoch, "err": err}).
				Warn("Failed to escrow epoch key")
		}
	}
	return key, nil
}

// Rotate advances the manager to the given epoch, generating fresh material
// and retiring the previous key. Rotation is idempotent: a second call for
// the same boundary is a no-op, and an older epoch never rolls the manager
// back. Keys beyond the retention window are securely discarded.
func (km *KeyManager) Rotate(epoch uint64) (*EpochKey, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	if epoch <= km.current.Epoch {
		return km.current, nil
	}

	key, err := km.generate(epoch)
	if err != nil {
		return nil, err
	}

	km.retired[km.current.Epoch] = km.current
	km.current = key

	for e, k := range km.retired {
		if e+uint64(km.retention) < epoch {
			k.discard()
			delete(km.retired, e)
			km.logger.WithFields(log.Fields{"epoch": e}).Debug("Discarded retired epoch key")
		}
	}

	km.logger.WithFields(log.Fields{"epoch": epoch}).Debug("Rotated epoch key")
	return key, nil
}

// OnHeight rotates the key if the given height crosses an epoch boundary.
// Safe to call for every finalized block.
func (km *KeyManager) OnHeight(height uint64) error {
	_, err := km.Rotate(km.EpochOf(height))
	return err
}

// CurrentKey returns the active epoch key.
func (km *KeyManager) CurrentKey() *EpochKey {
	km.mu.Lock()
	defer km.mu.Unlock()
	return km.current
}

// KeyFor returns the key for the given epoch, if it is the current one or
// still within the retention window.
func (km *KeyManager) KeyFor(epoch uint64) (*EpochKey, error) {
	km.mu.Lock()
	defer km.mu.Unlock()
	if epoch == km.current.Epoch {
		return km.current, nil
	}
	if key, ok := km.retired[epoch]; ok && key.priv != nil {
		return key, nil
	}
	return nil, ErrKeyExpired
}

// RecoverKey re-derives a lost epoch key through the recovery authority.
func (km *KeyManager) RecoverKey(epoch uint64) (*EpochKey, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	if km.authority == nil {
		return nil, ErrKeyUnrecoverable
	}
	priv, err := km.authority.Recover(epoch)
	if err != nil {
		return nil, ErrKeyUnrecoverable
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	km.logger.WithFields(log.Fields{"epoch": epoch}).Warn("Recovered epoch key from authority")
	return &EpochKey{Epoch: epoch, Public: pub, priv: priv}, nil
}
