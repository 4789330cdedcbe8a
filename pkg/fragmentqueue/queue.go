// Package fragmentqueue implements the Fragment Queue (spec §4.8): a
// sequence-ordered in-order delivery buffer that emits FragmentResults
// in strict sequence-number order regardless of completion order.
package fragmentqueue

import (
	"container/heap"
	"sync"

	"github.com/realtime-ai/dubbingworker/pkg/dubmodel"
)

type resultHeap []dubmodel.FragmentResult

func (h resultHeap) Len() int { return len(h) }
func (h resultHeap) Less(i, j int) bool {
	return h[i].SequenceNumber < h[j].SequenceNumber
}
func (h resultHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *resultHeap) Push(x interface{}) {
	*h = append(*h, x.(dubmodel.FragmentResult))
}

func (h *resultHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// GapInfo is a diagnostic snapshot of the queue's current ordering state.
type GapInfo struct {
	Expected  int64
	Available []int64
	Missing   []int64
}

// Queue is the min-heap-by-sequence-number in-order delivery buffer.
// The queue alone enforces in-order delivery; no other component may
// reorder results.
type Queue struct {
	mu           sync.Mutex
	cond         *sync.Cond
	heap         resultHeap
	seen         map[int64]bool
	expectedNext int64
	closed       bool
}

// New creates a Queue expecting sequence numbers starting at
// startSequence (normally 0).
func New(startSequence int64) *Queue {
	q := &Queue{
		heap:         resultHeap{},
		seen:         make(map[int64]bool),
		expectedNext: startSequence,
	}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.heap)
	return q
}

// AddResult pushes r onto the heap. If r.SequenceNumber was already
// seen, it is discarded and AddResult returns false.
func (q *Queue) AddResult(r dubmodel.FragmentResult) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.seen[r.SequenceNumber] {
		return false
	}
	q.seen[r.SequenceNumber] = true
	heap.Push(&q.heap, r)
	q.cond.Broadcast()
	return true
}

// TryGetNext returns and pops the root iff its sequence equals
// expectedNext, advancing expectedNext by one.
func (q *Queue) TryGetNext() (dubmodel.FragmentResult, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tryGetNextLocked()
}

func (q *Queue) tryGetNextLocked() (dubmodel.FragmentResult, bool) {
	if len(q.heap) == 0 || q.heap[0].SequenceNumber != q.expectedNext {
		return dubmodel.FragmentResult{}, false
	}
	r := heap.Pop(&q.heap).(dubmodel.FragmentResult)
	q.expectedNext++
	return r, true
}

// AwaitNext blocks cooperatively until TryGetNext succeeds, or the
// queue is closed (in which case ok is false).
func (q *Queue) AwaitNext() (dubmodel.FragmentResult, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if r, ok := q.tryGetNextLocked(); ok {
			return r, true
		}
		if q.closed {
			return dubmodel.FragmentResult{}, false
		}
		q.cond.Wait()
	}
}

// Close wakes any waiter in AwaitNext so it can observe closure.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// GapInfo returns a diagnostic snapshot of what is buffered vs missing
// ahead of expectedNext.
func (q *Queue) GapInfo() GapInfo {
	q.mu.Lock()
	defer q.mu.Unlock()

	available := make([]int64, len(q.heap))
	present := make(map[int64]bool, len(q.heap))
	for i, r := range q.heap {
		available[i] = r.SequenceNumber
		present[r.SequenceNumber] = true
	}

	var missing []int64
	if len(available) > 0 {
		maxSeq := available[0]
		for _, s := range available {
			if s > maxSeq {
				maxSeq = s
			}
		}
		for s := q.expectedNext; s < maxSeq; s++ {
			if !present[s] {
				missing = append(missing, s)
			}
		}
	}

	return GapInfo{
		Expected:  q.expectedNext,
		Available: available,
		Missing:   missing,
	}
}
