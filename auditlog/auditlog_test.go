package auditlog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmesh/veilmesh/store"
	"github.com/veilmesh/veilmesh/store/database/backend"
	"github.com/veilmesh/veilmesh/store/kvstore"
)

func newTestAuditLog() (*AuditLog, store.Store) {
	db := kvstore.NewKVStore(backend.NewMemDatabase())
	return NewAuditLog(db), db
}

func TestAppendAndSequence(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	al, _ := newTestAuditLog()
	for i := 0; i < 5; i++ {
		leaf, err := al.Append([]byte(fmt.Sprintf("event-%d", i)))
		require.Nil(err)
		assert.Equal(uint64(i), leaf.Seq, "sequence numbers are dense and ordered")
		assert.False(leaf.Hash.IsEmpty())
	}
	stats := al.Stats()
	assert.Equal(uint64(5), stats.NextSeq)
	assert.Equal(5, stats.OpenLeaves[GranularitySecond])
}

func TestBucketLifecycle(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	al, _ := newTestAuditLog()
	leaf, err := al.Append([]byte("audited event"))
	require.Nil(err)

	// No proof against an open bucket; its root does not exist yet.
	_, _, err = al.ProveInclusion(leaf.Seq)
	assert.Equal(ErrBucketOpen, err)
	_, err = al.BucketRoot(GranularitySecond, 0)
	assert.Equal(ErrBucketOpen, err)

	root, err := al.CloseBucket(GranularitySecond, 0)
	require.Nil(err)
	assert.False(root.IsEmpty())

	proof, provenRoot, err := al.ProveInclusion(leaf.Seq)
	require.Nil(err)
	assert.Equal(root, provenRoot)
	assert.True(VerifyProof(proof, root))

	// The frozen bucket rejects appends and re-closing; it is never reopened.
	_, err = al.AppendToBucket(GranularitySecond, 0, []byte("late event"))
	assert.Equal(ErrBucketClosed, err)
	_, err = al.CloseBucket(GranularitySecond, 0)
	assert.Equal(ErrBucketClosed, err)
	frozen, err := al.BucketRoot(GranularitySecond, 0)
	require.Nil(err)
	assert.Equal(root, frozen)

	// The successor bucket is open for business.
	assert.Equal(uint64(1), al.CurrentBucket(GranularitySecond))
	_, err = al.AppendToBucket(GranularitySecond, 1, []byte("next event"))
	assert.Nil(err)

	_, err = al.AppendToBucket(GranularitySecond, 42, []byte("nowhere"))
	assert.Equal(ErrBucketNotFound, err)
}

func TestRollupHierarchy(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	al, _ := newTestAuditLog()

	// Two frozen second-buckets roll up into the open minute-bucket.
	var secondRoots []string
	for b := uint64(0); b < 2; b++ {
		_, err := al.Append([]byte(fmt.Sprintf("event-in-bucket-%d", b)))
		require.Nil(err)
		root, err := al.CloseBucket(GranularitySecond, b)
		require.Nil(err)
		secondRoots = append(secondRoots, root.Hex())
	}
	stats := al.Stats()
	assert.Equal(2, stats.FrozenBuckets[GranularitySecond])
	assert.Equal(2, stats.OpenLeaves[GranularityMinute])

	minuteRoot, err := al.CloseBucket(GranularityMinute, 0)
	require.Nil(err)
	assert.False(minuteRoot.IsEmpty())
	assert.NotContains(secondRoots, minuteRoot.Hex())

	// The latest frozen root is the anchor.
	assert.Equal(minuteRoot, al.LatestAnchor())

	// An empty bucket freezes to the zero root and does not pollute the
	// coarser level or the anchor.
	emptyRoot, err := al.CloseBucket(GranularitySecond, 2)
	require.Nil(err)
	assert.True(emptyRoot.IsEmpty())
	assert.Equal(minuteRoot, al.LatestAnchor())
	assert.Equal(0, al.Stats().OpenLeaves[GranularityMinute])
}

func TestAuditLogRestore(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	al, db := newTestAuditLog()
	frozenLeaf, err := al.Append([]byte("before restart"))
	require.Nil(err)
	root, err := al.CloseBucket(GranularitySecond, 0)
	require.Nil(err)
	_, err = al.Append([]byte("still open"))
	require.Nil(err)

	// A new log over the same store resumes where the old one stopped.
	restored := NewAuditLog(db)
	assert.Equal(uint64(2), restored.Stats().NextSeq)
	assert.Equal(root, restored.LatestAnchor())
	assert.Equal(1, restored.Stats().OpenLeaves[GranularitySecond])
	assert.Equal(1, restored.Stats().FrozenBuckets[GranularitySecond])

	got, err := restored.BucketRoot(GranularitySecond, 0)
	require.Nil(err)
	assert.Equal(root, got)

	// Leaves frozen before the restart stay provable: the bucket is reloaded
	// from the store.
	proof, provedRoot, err := restored.ProveInclusion(frozenLeaf.Seq)
	require.Nil(err)
	assert.Equal(root, provedRoot)
	assert.True(VerifyProof(proof, provedRoot))
	assert.Equal(frozenLeaf.Hash, proof.Leaf)

	// A proof against the still-open bucket is rejected, restart or not.
	_, _, err = restored.ProveInclusion(1)
	assert.Equal(ErrBucketOpen, err)

	leaf, err := restored.Append([]byte("after restart"))
	require.Nil(err)
	assert.Equal(uint64(2), leaf.Seq)

	// Re-closing the pre-restart bucket is still detected as frozen.
	_, err = restored.CloseBucket(GranularitySecond, 0)
	assert.Equal(ErrBucketClosed, err)
}
