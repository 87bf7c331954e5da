package swarm

import (
	"math"
	"sync/atomic"
)

const initialStealQueueSize = 32

// workStealingQueue is a per-worker double-ended queue.
//
// Properties:
//   - Owner pushes and pops at the tail (LIFO, newest work first)
//   - Thieves steal from the head (FIFO, oldest work first)
//   - Owner operations are lock-free except when the queue grows or a
//     thief races for the last element
//   - Thieves are serialized by a spin lock and never wait for it
//
// Slots are cleared when an element is taken, so an element is visible in
// exactly one place at a time. TryRemove can leave a nil hole in the middle
// of the queue; pops and steals skip holes.
type workStealingQueue struct {
	_ cacheLinePad

	// head is the steal end, advanced by thieves under the lock
	head atomic.Int64

	_ cacheLinePad

	// tail is the owner end
	tail atomic.Int64

	_ cacheLinePad

	// array and mask are replaced only by the owner, under the lock
	array []atomic.Pointer[workEntry]
	mask  int64

	// foreignLock serializes thieves, growth and the last-element race
	foreignLock spinLock
}

func newWorkStealingQueue() *workStealingQueue {
	return &workStealingQueue{
		array: make([]atomic.Pointer[workEntry], initialStealQueueSize),
		mask:  initialStealQueueSize - 1,
	}
}

// canSteal reports whether the queue appears non-empty.
// This is a snapshot and may be stale immediately.
func (q *workStealingQueue) canSteal() bool {
	return q.head.Load() < q.tail.Load()
}

// count returns an estimate of the number of queued items, holes included.
func (q *workStealingQueue) count() int {
	n := q.tail.Load() - q.head.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// localPush adds an item at the tail. Owner only.
//
// Algorithm:
//  1. Renormalize the indices if the tail is about to overflow
//  2. Fast path: a free slot exists, store it and publish the new tail
//  3. Slow path: take the lock, double the array if full, then store
func (q *workStealingQueue) localPush(e *workEntry) {
	tail := q.tail.Load()

	if tail == math.MaxInt64 {
		q.foreignLock.lock()
		// Both indices keep their position within the array.
		q.head.Store(q.head.Load() & q.mask)
		tail &= q.mask
		q.tail.Store(tail)
		q.foreignLock.unlock()
	}

	if tail < q.head.Load()+q.mask {
		q.array[tail&q.mask].Store(e)
		q.tail.Store(tail + 1)
		return
	}

	q.foreignLock.lock()
	defer q.foreignLock.unlock()

	head := q.head.Load()
	count := tail - head

	if count >= q.mask {
		grown := make([]atomic.Pointer[workEntry], len(q.array)<<1)
		for i := int64(0); i < count; i++ {
			grown[i].Store(q.array[(i+head)&q.mask].Load())
		}

		q.array = grown
		q.head.Store(0)
		tail = count
		q.mask = int64(len(grown) - 1)
	}

	q.array[tail&q.mask].Store(e)
	q.tail.Store(tail + 1)
}

// localPop removes and returns the newest item, or nil if the queue is
// empty. Owner only.
//
// The tail is decremented before the head is read. A thief that already
// advanced past the new tail means both sides may be claiming the same
// element, and the lock decides who gets it.
func (q *workStealingQueue) localPop() *workEntry {
	for {
		if q.head.Load() >= q.tail.Load() {
			return nil
		}

		tail := q.tail.Load() - 1
		q.tail.Store(tail)

		if q.head.Load() <= tail {
			if e := q.array[tail&q.mask].Swap(nil); e != nil {
				return e
			}
			continue // hole left by localFindAndPop
		}

		e, retry := q.localPopLocked(tail)
		if !retry {
			return e
		}
	}
}

// localPopLocked resolves the last-element race under the lock.
func (q *workStealingQueue) localPopLocked(tail int64) (*workEntry, bool) {
	q.foreignLock.lock()
	defer q.foreignLock.unlock()

	if q.head.Load() <= tail {
		e := q.array[tail&q.mask].Swap(nil)
		return e, e == nil
	}

	// A thief won, restore the tail.
	q.tail.Store(tail + 1)
	return nil, false
}

// trySteal removes and returns the oldest item. It never waits for the
// lock: if a thief or the owner holds it, missedSteal is set and nil is
// returned so the caller can request another worker instead of retrying.
func (q *workStealingQueue) trySteal(missedSteal *bool) *workEntry {
	for q.canSteal() {
		if !q.foreignLock.tryLock() {
			*missedSteal = true
			return nil
		}

		e, retry := q.stealLocked()
		if !retry {
			return e
		}
	}
	return nil
}

// stealLocked takes the head element. The caller holds the lock.
func (q *workStealingQueue) stealLocked() (*workEntry, bool) {
	defer q.foreignLock.unlock()

	head := q.head.Load()
	q.head.Store(head + 1)

	if head < q.tail.Load() {
		e := q.array[head&q.mask].Swap(nil)
		return e, e == nil
	}

	// The owner popped it first.
	q.head.Store(head)
	return nil, false
}

// localFindAndPop removes the entry holding item if it is still queued.
// Owner only. The newest slot is popped on the fast path; otherwise the
// queue is scanned from the tail and the match is cleared under the lock,
// leaving a hole unless it sat at either end.
func (q *workStealingQueue) localFindAndPop(item WorkItem) bool {
	tail := q.tail.Load()
	if q.head.Load() >= tail {
		return false
	}

	if e := q.array[(tail-1)&q.mask].Load(); e != nil && e.item == item {
		return q.localPop() == e
	}

	for i := tail - 2; i >= q.head.Load(); i-- {
		e := q.array[i&q.mask].Load()
		if e == nil || e.item != item {
			continue
		}
		return q.clearSlot(i, e)
	}
	return false
}

// clearSlot takes entry e at index i under the lock.
func (q *workStealingQueue) clearSlot(i int64, e *workEntry) bool {
	q.foreignLock.lock()
	defer q.foreignLock.unlock()

	if !q.array[i&q.mask].CompareAndSwap(e, nil) {
		return false // stolen
	}

	switch i {
	case q.tail.Load() - 1:
		q.tail.Add(-1)
	case q.head.Load():
		q.head.Add(1)
	}
	return true
}

// drainTo moves every queued item to dst, oldest first. Owner only, used
// when the owner retires.
func (q *workStealingQueue) drainTo(dst func(*workEntry)) int {
	var missed bool
	n := 0
	for {
		e := q.trySteal(&missed)
		if e != nil {
			dst(e)
			n++
			continue
		}
		if !missed && !q.canSteal() {
			return n
		}
		missed = false
	}
}
