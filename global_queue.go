package swarm

import (
	"runtime"
	"sync/atomic"
)

// cacheLinePad prevents false sharing between hot fields
type cacheLinePad struct {
	_ [64]byte
}

const segmentSize = 256

// globalQueue is an unbounded, lock-free MPMC FIFO queue built from a
// singly linked list of fixed-size segments.
//
// Producers append to the tail segment and link a new one when it fills.
// Consumers take from the head segment and move to the next one once the
// head segment is both full and drained. Segments are never reused, so
// there is no ABA hazard on the packed cursors.
type globalQueue struct {
	_ cacheLinePad

	head atomic.Pointer[segment]

	_ cacheLinePad

	tail atomic.Pointer[segment]

	_ cacheLinePad

	// count is the number of queued items, it may briefly run ahead of the
	// visible items while an enqueue is in progress
	count atomic.Int64
}

// segment holds up to segmentSize slots and a packed cursor pair:
// low (next slot to dequeue) in the upper 32 bits and high (next slot to
// reserve) in the lower 32 bits.
type segment struct {
	state atomic.Uint64
	next  atomic.Pointer[segment]
	slots [segmentSize]atomic.Pointer[workEntry]
}

func newGlobalQueue() *globalQueue {
	q := &globalQueue{}
	s := &segment{}
	q.head.Store(s)
	q.tail.Store(s)
	return q
}

func unpackCursor(state uint64) (low, high uint32) {
	return uint32(state >> 32), uint32(state)
}

// enqueue appends an item. It never blocks and never fails.
func (q *globalQueue) enqueue(e *workEntry) {
	q.count.Add(1)

	for {
		tail := q.tail.Load()
		if tail.tryAppend(e) {
			return
		}

		// The tail segment is full: link a successor if nobody has yet,
		// then help move the tail forward.
		next := tail.next.Load()
		if next == nil {
			fresh := &segment{}
			if tail.next.CompareAndSwap(nil, fresh) {
				next = fresh
			} else {
				next = tail.next.Load()
			}
		}
		q.tail.CompareAndSwap(tail, next)
	}
}

// dequeue removes the oldest item, or returns nil if the queue is empty.
func (q *globalQueue) dequeue() *workEntry {
	for {
		head := q.head.Load()

		e, exhausted := head.tryRemove()
		if e != nil {
			q.count.Add(-1)
			return e
		}
		if !exhausted {
			return nil
		}

		next := head.next.Load()
		if next == nil {
			// A producer filled the segment but has not linked the next one.
			return nil
		}
		q.head.CompareAndSwap(head, next)
	}
}

// len returns the number of queued items.
func (q *globalQueue) len() int {
	n := q.count.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// tryAppend reserves the next slot and publishes e into it. It returns
// false if the segment is full.
func (s *segment) tryAppend(e *workEntry) bool {
	for {
		state := s.state.Load()
		_, high := unpackCursor(state)
		if high >= segmentSize {
			return false
		}
		if s.state.CompareAndSwap(state, state+1) {
			s.slots[high].Store(e)
			return true
		}
	}
}

// tryRemove claims the oldest reserved slot. It returns nil with exhausted
// set when every slot of the segment has been consumed, and nil without it
// when the segment is merely empty.
func (s *segment) tryRemove() (e *workEntry, exhausted bool) {
	for {
		state := s.state.Load()
		low, high := unpackCursor(state)
		if low >= high {
			return nil, low >= segmentSize
		}
		if !s.state.CompareAndSwap(state, state+1<<32) {
			continue
		}

		// The slot is reserved but its producer may not have written it yet.
		slot := &s.slots[low]
		for {
			if e = slot.Swap(nil); e != nil {
				return e, false
			}
			runtime.Gosched()
		}
	}
}
