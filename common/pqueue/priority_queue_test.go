package pqueue

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

type testElement struct {
	priority *big.Int
	index    int
}

func (e *testElement) Priority() *big.Int { return e.priority }
func (e *testElement) GetIndex() int      { return e.index }
func (e *testElement) SetIndex(index int) { e.index = index }

func el(p int64) *testElement {
	return &testElement{priority: big.NewInt(p)}
}

func TestPriorityQueueOrdering(t *testing.T) {
	assert := assert.New(t)

	pq := CreatePriorityQueue()
	assert.True(pq.IsEmpty())

	for _, p := range []int64{5, 1, 9, 3, 7} {
		pq.Push(el(p))
	}
	assert.Equal(5, pq.NumElements())
	assert.Equal(big.NewInt(1), pq.Peek().Priority())

	// Min-heap: pops come out in ascending priority.
	var popped []int64
	for !pq.IsEmpty() {
		popped = append(popped, pq.Pop().Priority().Int64())
	}
	assert.Equal([]int64{1, 3, 5, 7, 9}, popped)
}

func TestPriorityQueueRemove(t *testing.T) {
	assert := assert.New(t)

	pq := CreatePriorityQueue()
	elems := []*testElement{el(4), el(2), el(6)}
	for _, e := range elems {
		pq.Push(e)
	}

	// Remove the element with priority 4 wherever the heap put it.
	for _, e := range elems {
		if e.priority.Int64() == 4 {
			assert.Nil(pq.Remove(e.GetIndex()))
		}
	}
	assert.Equal(2, pq.NumElements())
	assert.Equal(int64(2), pq.Pop().Priority().Int64())
	assert.Equal(int64(6), pq.Pop().Priority().Int64())

	assert.NotNil(pq.Remove(10), "out-of-range removal is an error")
}
