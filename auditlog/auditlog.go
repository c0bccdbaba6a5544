package auditlog

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/veilmesh/veilmesh/common"
	"github.com/veilmesh/veilmesh/store"
)

var (
	// ErrBucketClosed is returned on an append to a frozen or closing bucket.
	ErrBucketClosed = errors.New("BucketClosed")
	// ErrBucketOpen is returned when an inclusion proof is requested against
	// a bucket that has not been frozen yet.
	ErrBucketOpen = errors.New("BucketOpen")
	// ErrBucketNotFound is returned for an unknown bucket id.
	ErrBucketNotFound = errors.New("BucketNotFound")
)

// Granularity identifies a level of the rollup hierarchy. Roots of a frozen
// bucket become leaves of the next coarser level.
type Granularity int

const (
	GranularitySecond Granularity = iota
	GranularityMinute
	GranularityHour
	GranularityDay

	numGranularities
)

func (g Granularity) String() string {
	switch g {
	case GranularitySecond:
		return "second"
	case GranularityMinute:
		return "minute"
	case GranularityHour:
		return "hour"
	case GranularityDay:
		return "day"
	default:
		return "unknown"
	}
}

// BucketState tracks the lifecycle of a bucket.
type BucketState int

const (
	BucketOpen BucketState = iota
	BucketClosing
	BucketFrozen
)

// Leaf is one audited unit: a domain-tagged hash plus its sequence number.
// Immutable once appended.
type Leaf struct {
	Seq  uint64
	Hash common.Hash
}

// Bucket collects the leaves of one time window at one granularity.
type Bucket struct {
	ID          uint64
	Granularity Granularity
	State       BucketState
	Leaves      []Leaf
	Root        common.Hash // set once frozen
}

// frozenCacheSize bounds the in-memory frozen buckets per level. Older
// buckets are reloaded from the store on demand; the second level freezes a
// bucket per rollup tick, so the working set stays small.
const frozenCacheSize = 4096

// level is one granularity of the hierarchy. Appends are serialized per
// level, so closing a second-bucket never blocks appends to the minute level.
type level struct {
	mu          sync.Mutex
	open        *Bucket
	frozen      *lru.Cache // bucket id -> *Bucket, recently frozen
	frozenCount int
}

// Stats reports the state of the rollup hierarchy.
type Stats struct {
	NextSeq       uint64
	OpenLeaves    map[Granularity]int
	FrozenBuckets map[Granularity]int
}

// Persisted record of one level: the open bucket and the frozen roots live
// under separate keys so a frozen root is never rewritten.
type openBucketStub struct {
	ID     uint64
	Leaves []Leaf
}

const (
	dbSeqKey        = "al/seq"
	dbAnchorKey     = "al/anchor"
	dbOpenPrefix    = "al/open/"
	dbRootPrefix    = "al/root/"
	dbLeavesPrefix  = "al/leaves/"
	dbLeafLocPrefix = "al/loc/"
	dbCountPrefix   = "al/count/"
)

// AuditLog is the hierarchical, domain-separated Merkle log of finalized
// work. One leaf is appended per finalized unit; buckets roll up
// second -> minute -> hour -> day, and the latest frozen root is anchored
// into the next block proposal.
type AuditLog struct {
	db store.Store

	seqMu   sync.Mutex
	nextSeq uint64

	levels [numGranularities]*level

	anchorMu sync.Mutex
	anchor   common.Hash

	logger *log.Entry
}

// NewAuditLog creates an AuditLog backed by the given store, restoring any
// persisted open buckets and the anchor.
func NewAuditLog(db store.Store) *AuditLog {
	al := &AuditLog{
		db:     db,
		logger: log.WithFields(log.Fields{"prefix": "auditlog"}),
	}
	for g := GranularitySecond; g < numGranularities; g++ {
		frozen, _ := lru.New(frozenCacheSize)
		al.levels[g] = &level{
			open:   &Bucket{ID: 0, Granularity: g, State: BucketOpen},
			frozen: frozen,
		}
	}
	al.restore()
	return al
}

func (al *AuditLog) restore() {
	var seq uint64
	if err := al.db.Get([]byte(dbSeqKey), &seq); err == nil {
		al.nextSeq = seq
	}
	var anchor common.Hash
	if err := al.db.Get([]byte(dbAnchorKey), &anchor); err == nil {
		al.anchor = anchor
	}
	for g := GranularitySecond; g < numGranularities; g++ {
		stub := &openBucketStub{}
		key := []byte(fmt.Sprintf("%s%d", dbOpenPrefix, g))
		if err := al.db.Get(key, stub); err == nil {
			al.levels[g].open = &Bucket{
				ID:          stub.ID,
				Granularity: g,
				State:       BucketOpen,
				Leaves:      stub.Leaves,
			}
		}
		var count uint64
		countKey := []byte(fmt.Sprintf("%s%d", dbCountPrefix, g))
		if err := al.db.Get(countKey, &count); err == nil {
			al.levels[g].frozenCount = int(count)
		}
	}
}

func (al *AuditLog) persistOpen(g Granularity, b *Bucket) {
	stub := &openBucketStub{ID: b.ID, Leaves: b.Leaves}
	key := []byte(fmt.Sprintf("%s%d", dbOpenPrefix, g))
	if err := al.db.Put(key, stub); err != nil {
		al.logger.WithFields(log.Fields{"granularity": g, "err": err}).
			Error("Failed to persist open bucket")
	}
}

func (al *AuditLog) nextSequence() uint64 {
	al.seqMu.Lock()
	defer al.seqMu.Unlock()
	seq := al.nextSeq
	al.nextSeq++
	al.db.Put([]byte(dbSeqKey), al.nextSeq)
	return seq
}

// Append hashes data under the leaf domain, assigns the next sequence number
// and stores the leaf in the currently-open finest-granularity bucket.
func (al *AuditLog) Append(data []byte) (Leaf, error) {
	lv := al.levels[GranularitySecond]
	lv.mu.Lock()
	defer lv.mu.Unlock()
	return al.appendLocked(lv, GranularitySecond, LeafHash(data))
}

// AppendToBucket appends to an explicit bucket. An append addressed to a
// frozen bucket fails with ErrBucketClosed; it is never silently redirected
// to the open bucket.
func (al *AuditLog) AppendToBucket(g Granularity, bucketID uint64, data []byte) (Leaf, error) {
	lv := al.levels[g]
	lv.mu.Lock()
	defer lv.mu.Unlock()

	if lv.open.ID != bucketID {
		if al.isFrozenLocked(lv, g, bucketID) {
			return Leaf{}, ErrBucketClosed
		}
		return Leaf{}, ErrBucketNotFound
	}
	return al.appendLocked(lv, g, LeafHash(data))
}

// isFrozenLocked reports whether the bucket was ever frozen, consulting the
// store for buckets that aged out of the cache or predate a restart.
func (al *AuditLog) isFrozenLocked(lv *level, g Granularity, bucketID uint64) bool {
	if lv.frozen.Contains(bucketID) {
		return true
	}
	var root common.Hash
	rootKey := []byte(fmt.Sprintf("%s%d/%d", dbRootPrefix, g, bucketID))
	return al.db.Get(rootKey, &root) == nil
}

// frozenBucketLocked returns a frozen bucket, reloading its root and leaves
// from the store when the in-memory copy is gone.
func (al *AuditLog) frozenBucketLocked(lv *level, g Granularity, bucketID uint64) (*Bucket, bool) {
	if cached, ok := lv.frozen.Get(bucketID); ok {
		return cached.(*Bucket), true
	}
	var root common.Hash
	rootKey := []byte(fmt.Sprintf("%s%d/%d", dbRootPrefix, g, bucketID))
	if err := al.db.Get(rootKey, &root); err != nil {
		return nil, false
	}
	var leaves []Leaf
	leavesKey := []byte(fmt.Sprintf("%s%d/%d", dbLeavesPrefix, g, bucketID))
	if err := al.db.Get(leavesKey, &leaves); err != nil {
		return nil, false
	}
	bucket := &Bucket{
		ID:          bucketID,
		Granularity: g,
		State:       BucketFrozen,
		Leaves:      leaves,
		Root:        root,
	}
	lv.frozen.Add(bucketID, bucket)
	return bucket, true
}

func (al *AuditLog) appendLocked(lv *level, g Granularity, hash common.Hash) (Leaf, error) {
	if lv.open.State != BucketOpen {
		return Leaf{}, ErrBucketClosed
	}
	leaf := Leaf{Seq: al.nextSequence(), Hash: hash}
	lv.open.Leaves = append(lv.open.Leaves, leaf)
	al.persistOpen(g, lv.open)

	if g == GranularitySecond {
		// Durable seq -> bucket index, so proofs survive a restart.
		locKey := []byte(fmt.Sprintf("%s%d", dbLeafLocPrefix, leaf.Seq))
		al.db.Put(locKey, lv.open.ID)
	}
	return leaf, nil
}

// CurrentBucket returns the id of the open bucket at the given granularity.
func (al *AuditLog) CurrentBucket(g Granularity) uint64 {
	lv := al.levels[g]
	lv.mu.Lock()
	defer lv.mu.Unlock()
	return lv.open.ID
}

// CloseBucket freezes the open bucket at the given granularity: it computes
// the Merkle root over the bucket's leaves, marks the bucket frozen, inserts
// the root as a leaf of the next coarser bucket, opens the successor bucket,
// and publishes the root as the latest anchor. The root of a frozen bucket
// is never recomputed.
func (al *AuditLog) CloseBucket(g Granularity, bucketID uint64) (common.Hash, error) {
	lv := al.levels[g]
	lv.mu.Lock()

	if lv.open.ID != bucketID {
		wasFrozen := al.isFrozenLocked(lv, g, bucketID)
		lv.mu.Unlock()
		if wasFrozen {
			return common.Hash{}, ErrBucketClosed
		}
		return common.Hash{}, ErrBucketNotFound
	}

	bucket := lv.open
	bucket.State = BucketClosing

	hashes := make([]common.Hash, len(bucket.Leaves))
	for i, leaf := range bucket.Leaves {
		hashes[i] = leaf.Hash
	}
	bucket.Root = ComputeRoot(hashes)
	bucket.State = BucketFrozen
	lv.frozen.Add(bucket.ID, bucket)
	lv.frozenCount++

	rootKey := []byte(fmt.Sprintf("%s%d/%d", dbRootPrefix, g, bucket.ID))
	al.db.Put(rootKey, bucket.Root)
	leavesKey := []byte(fmt.Sprintf("%s%d/%d", dbLeavesPrefix, g, bucket.ID))
	al.db.Put(leavesKey, bucket.Leaves)
	countKey := []byte(fmt.Sprintf("%s%d", dbCountPrefix, g))
	al.db.Put(countKey, uint64(lv.frozenCount))

	lv.open = &Bucket{ID: bucket.ID + 1, Granularity: g, State: BucketOpen}
	al.persistOpen(g, lv.open)
	lv.mu.Unlock()

	al.logger.WithFields(log.Fields{
		"granularity": g,
		"bucket":      bucket.ID,
		"leaves":      len(bucket.Leaves),
		"root":        bucket.Root.Hex(),
	}).Debug("Froze bucket")

	// Roll the root up into the next coarser level. Day roots are terminal.
	if g < GranularityDay && len(bucket.Leaves) > 0 {
		up := al.levels[g+1]
		up.mu.Lock()
		al.appendLocked(up, g+1, bucket.Root)
		up.mu.Unlock()
	}

	if !bucket.Root.IsEmpty() {
		al.setAnchor(bucket.Root)
	}
	return bucket.Root, nil
}

func (al *AuditLog) setAnchor(root common.Hash) {
	al.anchorMu.Lock()
	defer al.anchorMu.Unlock()
	al.anchor = root
	al.db.Put([]byte(dbAnchorKey), root)
}

// LatestAnchor returns the most recently frozen rollup root. The zero hash
// means nothing has been frozen yet.
func (al *AuditLog) LatestAnchor() common.Hash {
	al.anchorMu.Lock()
	defer al.anchorMu.Unlock()
	return al.anchor
}

// BucketRoot returns the frozen root of the given bucket.
func (al *AuditLog) BucketRoot(g Granularity, bucketID uint64) (common.Hash, error) {
	lv := al.levels[g]
	lv.mu.Lock()
	defer lv.mu.Unlock()

	if lv.open.ID == bucketID {
		return common.Hash{}, ErrBucketOpen
	}
	if bucket, ok := al.frozenBucketLocked(lv, g, bucketID); ok {
		return bucket.Root, nil
	}
	return common.Hash{}, ErrBucketNotFound
}

// ProveInclusion builds the sibling path from the leaf with the given
// sequence number to its bucket root. Proofs against a still-open bucket are
// rejected; the root does not exist until the bucket freezes.
func (al *AuditLog) ProveInclusion(seq uint64) (*Proof, common.Hash, error) {
	var bucketID uint64
	locKey := []byte(fmt.Sprintf("%s%d", dbLeafLocPrefix, seq))
	if err := al.db.Get(locKey, &bucketID); err != nil {
		return nil, common.Hash{}, ErrLeafNotFound
	}

	lv := al.levels[GranularitySecond]
	lv.mu.Lock()
	defer lv.mu.Unlock()

	if lv.open.ID == bucketID {
		return nil, common.Hash{}, ErrBucketOpen
	}
	bucket, frozen := al.frozenBucketLocked(lv, GranularitySecond, bucketID)
	if !frozen {
		return nil, common.Hash{}, ErrBucketNotFound
	}

	hashes := make([]common.Hash, len(bucket.Leaves))
	index := -1
	for i, leaf := range bucket.Leaves {
		hashes[i] = leaf.Hash
		if leaf.Seq == seq {
			index = i
		}
	}
	if index < 0 {
		return nil, common.Hash{}, ErrLeafNotFound
	}
	proof, err := BuildProof(hashes, index)
	if err != nil {
		return nil, common.Hash{}, err
	}
	return proof, bucket.Root, nil
}

// Stats reports pending leaves and frozen buckets per granularity.
func (al *AuditLog) Stats() Stats {
	stats := Stats{
		OpenLeaves:    make(map[Granularity]int),
		FrozenBuckets: make(map[Granularity]int),
	}
	al.seqMu.Lock()
	stats.NextSeq = al.nextSeq
	al.seqMu.Unlock()
	for g := GranularitySecond; g < numGranularities; g++ {
		lv := al.levels[g]
		lv.mu.Lock()
		stats.OpenLeaves[g] = len(lv.open.Leaves)
		stats.FrozenBuckets[g] = lv.frozenCount
		lv.mu.Unlock()
	}
	return stats
}
