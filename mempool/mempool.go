package mempool

import (
	"bytes"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/veilmesh/veilmesh/common"
	"github.com/veilmesh/veilmesh/common/math"
	"github.com/veilmesh/veilmesh/common/pqueue"
	"github.com/veilmesh/veilmesh/core"
)

// nowFunc is a test hook.
var nowFunc = time.Now

// Admission errors, returned synchronously to the submitter.
var (
	// ErrBadEnvelope indicates a structurally invalid or unsigned envelope.
	ErrBadEnvelope = errors.New("BadEnvelope")
	// ErrDuplicateTx indicates the transaction was already admitted.
	ErrDuplicateTx = errors.New("DuplicateTx")
	// ErrRateLimited indicates the submitter exceeded its token bucket.
	ErrRateLimited = errors.New("RateLimited")
	// ErrPoolFull indicates the pool is at capacity and the entry's priority
	// did not beat the lowest pending entry.
	ErrPoolFull = errors.New("PoolFull")
	// ErrEpochExpired indicates the envelope targets an epoch whose key is no
	// longer (or not yet) available.
	ErrEpochExpired = errors.New("EpochExpired")
)

// entryStatus tracks the lifecycle of a mempool entry.
type entryStatus int

const (
	statusPending entryStatus = iota
	statusRevealed
	statusIncluded
	statusDropped
)

// mempoolEntry wraps an encrypted transaction with admission metadata. It
// sits in the eviction heap keyed by priority, lowest on top.
type mempoolEntry struct {
	tx        *core.EncryptedTx
	submitter common.Address
	arrival   time.Time
	status    entryStatus
	retries   int
	index     int
}

var _ pqueue.Element = (*mempoolEntry)(nil)

func (e *mempoolEntry) Priority() *big.Int { return e.tx.Priority }
func (e *mempoolEntry) GetIndex() int      { return e.index }
func (e *mempoolEntry) SetIndex(index int) { e.index = index }

// Mempool buffers encrypted transaction envelopes submitted by clients and
// reveals them to the elected leader in canonical per-round batches. An
// observer of the pool learns existence, size and priority of entries, never
// content.
type Mempool struct {
	mutex *sync.Mutex

	keyManager *KeyManager
	bookkeeper txBookkeeper

	entries map[common.Hash]*mempoolEntry // tx id -> entry
	evictpq *pqueue.PriorityQueue

	capacity    int
	revealCap   int
	stuckEpochs uint64

	logger *log.Entry
}

// CreateMempool creates an instance of Mempool.
func CreateMempool(keyManager *KeyManager) *Mempool {
	return &Mempool{
		mutex:       &sync.Mutex{},
		keyManager:  keyManager,
		bookkeeper:  createTxBookkeeper(),
		entries:     make(map[common.Hash]*mempoolEntry),
		evictpq:     pqueue.CreatePriorityQueue(),
		capacity:    viper.GetInt(common.CfgMempoolMaxPendingTxs),
		revealCap:   viper.GetInt(common.CfgMempoolRevealBatchSize),
		stuckEpochs: uint64(viper.GetInt(common.CfgMempoolStuckEpochs)),
		logger:      log.WithFields(log.Fields{"prefix": "mempool"}),
	}
}

// Size returns the number of pending entries.
func (mp *Mempool) Size() int {
	mp.mutex.Lock()
	defer mp.mutex.Unlock()
	return len(mp.entries)
}

// Submit admits an encrypted envelope into the pool. Rejections are typed:
// bad signature or malformed envelope, duplicate, rate limit, expired epoch,
// or pool capacity. On capacity, the entry replaces the lowest-priority
// pending entry only if its own priority is strictly higher.
func (mp *Mempool) Submit(tx *core.EncryptedTx) error {
	if res := tx.Validate(); res.IsError() {
		mp.logger.WithFields(log.Fields{"reason": res.Message}).Debug("Rejecting envelope")
		return errors.Wrap(ErrBadEnvelope, res.Message)
	}
	submitter, err := tx.Submitter()
	if err != nil {
		return ErrBadEnvelope
	}

	if mp.bookkeeper.hasSeen(tx.TxID) {
		return ErrDuplicateTx
	}
	if !mp.bookkeeper.allow(submitter) {
		return ErrRateLimited
	}
	if tx.Epoch+mp.stuckEpochs < mp.keyManager.CurrentKey().Epoch {
		return ErrEpochExpired
	}

	mp.mutex.Lock()
	defer mp.mutex.Unlock()

	if _, exists := mp.entries[tx.TxID]; exists {
		return ErrDuplicateTx
	}

	if len(mp.entries) >= mp.capacity {
		lowest := mp.evictpq.Peek().(*mempoolEntry)
		if tx.Priority.Cmp(lowest.tx.Priority) <= 0 {
			return ErrPoolFull
		}
		mp.evictpq.Pop()
		delete(mp.entries, lowest.tx.TxID)
		mp.bookkeeper.forget(lowest.tx.TxID)
		mp.logger.WithFields(log.Fields{
			"evicted": lowest.tx.TxID.Hex(),
			"for":     tx.TxID.Hex(),
		}).Debug("Evicted lowest-priority entry")
	}

	entry := &mempoolEntry{
		tx:        tx,
		submitter: submitter,
		arrival:   nowFunc(),
		status:    statusPending,
	}
	mp.entries[tx.TxID] = entry
	mp.evictpq.Push(entry)
	mp.bookkeeper.record(tx.TxID)

	return nil
}

// RevealBatch decrypts the pending entries sealed to the given epoch and
// returns them ordered by descending priority, capped at the configured batch
// size. The pool lock is held for the whole operation: the snapshot is
// exclusive, so no entry can be revealed twice or mutate mid-reveal.
// Entries that fail authentication are dropped, flagged, and their submitters
// penalized. Entries sealed to a different validator's epoch key are skipped,
// not dropped: they stay pending for the leader that holds the matching key,
// and the stuck-entry purge reclaims them if no such leader ever comes. Key
// lookup falls back from the retention window to the recovery authority; with
// no key at all the entries for the epoch are expired.
func (mp *Mempool) RevealBatch(epoch uint64) ([]core.RevealedTx, error) {
	mp.mutex.Lock()
	defer mp.mutex.Unlock()

	key, err := mp.keyManager.KeyFor(epoch)
	if err != nil {
		key, err = mp.keyManager.RecoverKey(epoch)
	}
	if err != nil {
		mp.expireEpochLocked(epoch)
		return nil, err
	}

	candidates := make([]*mempoolEntry, 0)
	for _, entry := range mp.entries {
		if entry.status != statusPending || entry.tx.Epoch != epoch {
			continue
		}
		if !bytes.Equal(entry.tx.TargetKey, key.Public) {
			continue // sealed to another validator's key, leave it pending
		}
		candidates = append(candidates, entry)
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if c := ci.tx.Priority.Cmp(cj.tx.Priority); c != 0 {
			return c > 0
		}
		return ci.arrival.Before(cj.arrival) // deterministic tie-break
	})
	candidates = candidates[:math.MinInt(len(candidates), mp.revealCap)]

	// Decryption is CPU bound and order independent; fan out, then collect in
	// the canonical order.
	type outcome struct {
		plaintext common.Bytes
		proof     common.Hash
		err       error
	}
	outcomes := make([]outcome, len(candidates))
	wg := &sync.WaitGroup{}
	for i, entry := range candidates {
		wg.Add(1)
		go func(i int, entry *mempoolEntry) {
			defer wg.Done()
			plaintext, proof, err := OpenTx(entry.tx, key.Private())
			outcomes[i] = outcome{plaintext: plaintext, proof: proof, err: err}
		}(i, entry)
	}
	wg.Wait()

	revealed := make([]core.RevealedTx, 0, len(candidates))
	for i, entry := range candidates {
		out := outcomes[i]
		if out.err != nil {
			entry.status = statusDropped
			mp.removeLocked(entry)
			mp.bookkeeper.penalize(entry.submitter)
			mp.logger.WithFields(log.Fields{
				"txID":      entry.tx.TxID.Hex(),
				"submitter": entry.submitter.Hex(),
				"err":       out.err,
			}).Warn("Envelope failed authentication at reveal")
			continue
		}
		entry.status = statusRevealed
		revealed = append(revealed, core.RevealedTx{
			TxID:        entry.tx.TxID,
			Plaintext:   out.plaintext,
			RevealProof: out.proof,
			Priority:    entry.tx.Priority,
		})
	}
	return revealed, nil
}

// Update removes committed transactions from the pool. Revealed entries that
// were not committed return to pending for a later batch.
func (mp *Mempool) Update(committed []common.Hash) {
	mp.mutex.Lock()
	defer mp.mutex.Unlock()

	for _, txID := range committed {
		if entry, ok := mp.entries[txID]; ok {
			entry.status = statusIncluded
			mp.removeLocked(entry)
		}
	}
	for _, entry := range mp.entries {
		if entry.status == statusRevealed {
			entry.status = statusPending
			entry.retries++
		}
	}
}

// PurgeStuck expires entries that were never revealed within the configured
// number of epochs and penalizes their submitters.
func (mp *Mempool) PurgeStuck(currentEpoch uint64) int {
	mp.mutex.Lock()
	defer mp.mutex.Unlock()

	purged := 0
	for _, entry := range mp.entries {
		if entry.tx.Epoch+mp.stuckEpochs <= currentEpoch {
			entry.status = statusDropped
			mp.removeLocked(entry)
			mp.bookkeeper.penalize(entry.submitter)
			purged++
		}
	}
	if purged > 0 {
		mp.logger.WithFields(log.Fields{"purged": purged, "epoch": currentEpoch}).
			Info("Purged stuck entries")
	}
	return purged
}

func (mp *Mempool) expireEpochLocked(epoch uint64) {
	expired := 0
	for _, entry := range mp.entries {
		if entry.tx.Epoch == epoch {
			entry.status = statusDropped
			mp.removeLocked(entry)
			expired++
		}
	}
	if expired > 0 {
		mp.logger.WithFields(log.Fields{"epoch": epoch, "expired": expired}).
			Error("Epoch key unavailable, expired its entries")
	}
}

func (mp *Mempool) removeLocked(entry *mempoolEntry) {
	delete(mp.entries, entry.tx.TxID)
	if entry.index >= 0 {
		mp.evictpq.Remove(entry.index)
		entry.index = -1
	}
}
