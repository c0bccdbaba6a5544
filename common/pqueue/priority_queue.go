package pqueue

import (
	"container/heap"
	"fmt"
	"math/big"
)

// Element represents an element in the priority queue
type Element interface {
	Priority() *big.Int
	GetIndex() int
	SetIndex(index int)
}

// elementList implements heap.Interface. It is ordered so that the element
// with the LOWEST priority sits at the top, which makes eviction of the
// least valuable entry an O(log n) pop.
type elementList []Element

func (el elementList) Len() int { return len(el) }

func (el elementList) Less(i, j int) bool {
	return el[i].Priority().Cmp(el[j].Priority()) < 0
}

func (el elementList) Swap(i, j int) {
	el[i], el[j] = el[j], el[i]
	el[i].SetIndex(i)
	el[j].SetIndex(j)
}

func (el *elementList) Push(x interface{}) {
	n := len(*el)
	elem := x.(Element)
	elem.SetIndex(n)
	*el = append(*el, elem)
}

func (el *elementList) Pop() interface{} {
	old := *el
	n := len(old)
	elem := old[n-1]
	elem.SetIndex(-1) // for safety
	*el = old[0 : n-1]
	return elem
}

// PriorityQueue models a min priority queue. Pop() returns the element with
// the LOWEST priority value.
type PriorityQueue struct {
	elemList *elementList
}

// CreatePriorityQueue creates an empty priority queue.
func CreatePriorityQueue() *PriorityQueue {
	pq := &PriorityQueue{
		elemList: &elementList{},
	}
	heap.Init(pq.elemList)
	return pq
}

// NumElements returns the number of elements in the queue.
func (pq *PriorityQueue) NumElements() int {
	return pq.elemList.Len()
}

// IsEmpty indicates whether the queue is empty.
func (pq *PriorityQueue) IsEmpty() bool {
	return pq.elemList.Len() == 0
}

// Push adds an element to the queue.
func (pq *PriorityQueue) Push(elem Element) {
	heap.Push(pq.elemList, elem)
}

// Pop removes and returns the element with the lowest priority.
func (pq *PriorityQueue) Pop() Element {
	return heap.Pop(pq.elemList).(Element)
}

// Peek returns the element with the lowest priority without removing it.
func (pq *PriorityQueue) Peek() Element {
	return (*pq.elemList)[0]
}

// Remove removes the element at the given heap index.
func (pq *PriorityQueue) Remove(index int) error {
	numElems := pq.elemList.Len()
	if index < 0 || index >= numElems {
		return fmt.Errorf("index out of bound -- index: %v, number of elements: %v", index, numElems)
	}
	heap.Remove(pq.elemList, index)
	return nil
}
