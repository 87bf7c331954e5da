package swarm

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// workQueue is the queue set of a pool: one global FIFO queue for work
// queued from outside the workers, plus one workStealingQueue per live
// worker.
//
// Dequeue order:
//  1. The caller's own local queue (LIFO, newest work first)
//  2. The global queue (FIFO, fairness for externally queued work)
//  3. A steal from another worker's local queue, starting at a random victim
type workQueue struct {
	global *globalQueue

	// locals is replaced copy-on-write, so dequeue never takes localsMu
	localsMu sync.Mutex
	locals   atomic.Pointer[[]*workStealingQueue]

	// outstanding counts worker requests not yet picked up by a worker.
	// It is capped so a burst of enqueues does not flood the pool.
	_              cacheLinePad
	outstanding    atomic.Int32
	_              cacheLinePad
	maxOutstanding int32

	requestWorker func()
}

func newWorkQueue(requestWorker func()) *workQueue {
	q := &workQueue{
		global:         newGlobalQueue(),
		maxOutstanding: int32(runtime.GOMAXPROCS(0)),
		requestWorker:  requestWorker,
	}
	q.locals.Store(&[]*workStealingQueue{})
	return q
}

// register adds a worker's local queue to the steal set.
func (q *workQueue) register(local *workStealingQueue) {
	q.localsMu.Lock()
	defer q.localsMu.Unlock()

	old := *q.locals.Load()
	next := make([]*workStealingQueue, len(old), len(old)+1)
	copy(next, old)
	next = append(next, local)
	q.locals.Store(&next)
}

// unregister removes a worker's local queue from the steal set.
func (q *workQueue) unregister(local *workStealingQueue) {
	q.localsMu.Lock()
	defer q.localsMu.Unlock()

	old := *q.locals.Load()
	next := make([]*workStealingQueue, 0, len(old))
	for _, l := range old {
		if l != local {
			next = append(next, l)
		}
	}
	q.locals.Store(&next)
}

// push queues e on local unless local is nil or forceGlobal is set. The
// caller makes sure a worker will come for it.
func (q *workQueue) push(local *workStealingQueue, e *workEntry, forceGlobal bool) {
	if local != nil && !forceGlobal {
		local.localPush(e)
	} else {
		q.global.enqueue(e)
	}
}

// dequeue takes the next entry for the worker owning local, which may be
// nil. missedSteal is set when a victim was busy and may still hold work.
func (q *workQueue) dequeue(local *workStealingQueue, rnd *xorShift, missedSteal *bool) *workEntry {
	if local != nil {
		if e := local.localPop(); e != nil {
			return e
		}
	}

	if e := q.global.dequeue(); e != nil {
		return e
	}

	queues := *q.locals.Load()
	n := len(queues)
	if n == 0 {
		return nil
	}

	i := rnd.next(n)
	for c := n; c > 0; c-- {
		victim := queues[i]
		if victim != local && victim.canSteal() {
			if e := victim.trySteal(missedSteal); e != nil {
				return e
			}
		}
		if i++; i == n {
			i = 0
		}
	}
	return nil
}

// ensureThreadRequested asks the pool for one more worker unless the cap
// of outstanding requests is reached.
func (q *workQueue) ensureThreadRequested() {
	for count := q.outstanding.Load(); count < q.maxOutstanding; count = q.outstanding.Load() {
		if q.outstanding.CompareAndSwap(count, count+1) {
			q.requestWorker()
			return
		}
	}
}

// markThreadRequestSatisfied is called by a worker as it starts
// dispatching, making room for a new request.
func (q *workQueue) markThreadRequestSatisfied() {
	for count := q.outstanding.Load(); count > 0; count = q.outstanding.Load() {
		if q.outstanding.CompareAndSwap(count, count-1) {
			return
		}
	}
}

// pending returns the number of queued entries across all queues.
func (q *workQueue) pending() int {
	n := q.global.len()
	for _, l := range *q.locals.Load() {
		n += l.count()
	}
	return n
}

// drainGlobal removes every entry of the global queue.
func (q *workQueue) drainGlobal(fn func(*workEntry)) int {
	n := 0
	for e := q.global.dequeue(); e != nil; e = q.global.dequeue() {
		fn(e)
		n++
	}
	return n
}

// xorShift is the per-worker victim selector.
type xorShift uint32

func newXorShift(seed uint32) xorShift {
	if seed == 0 {
		seed = 0x9E3779B9
	}
	return xorShift(seed)
}

// next returns a pseudo-random index in [0, n).
func (x *xorShift) next(n int) int {
	s := uint32(*x)
	s ^= s << 13
	s ^= s >> 17
	s ^= s << 5
	*x = xorShift(s)
	return int(s % uint32(n))
}
