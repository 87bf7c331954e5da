package swarm

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// semCounts packs the semaphore state into one word.
//
// Layout (low to high):
//
//	signalCount (32) | waiterCount (16) | spinnerCount (8) | waitersSignaledToWake (8)
type semCounts uint64

const (
	semWaiterShift   = 32
	semSpinnerShift  = 48
	semSignaledShift = 56

	semWaiterUnit  = 1 << semWaiterShift
	semSpinnerUnit = 1 << semSpinnerShift
	semByteMax     = 0xFF
)

func (c semCounts) signalCount() int  { return int(uint32(c)) }
func (c semCounts) waiterCount() int  { return int(uint16(c >> semWaiterShift)) }
func (c semCounts) spinnerCount() int { return int(uint8(c >> semSpinnerShift)) }
func (c semCounts) signaledToWake() int {
	return int(uint8(c >> semSignaledShift))
}

func (c semCounts) withSignalCount(n int) semCounts {
	return c&^0xFFFFFFFF | semCounts(uint32(n))
}

func (c semCounts) withSignaledToWake(n int) semCounts {
	return c&^(semByteMax<<semSignaledShift) | semCounts(uint8(n))<<semSignaledShift
}

// lifoSemaphore is a counting semaphore that wakes the most recently blocked
// waiter first, so the hottest thread (and its caches) gets the next work.
//
// A waiter first spins for a short while, then registers as a waiter and
// blocks on a LIFO wait list. Release computes how many blocked waiters need
// waking, accounting for spinners that will grab signals themselves and
// waiters that were already signaled but have not yet woken.
type lifoSemaphore struct {
	_      cacheLinePad
	counts atomic.Uint64
	_      cacheLinePad

	spinCount int
	waitList  waitList
}

func newLifoSemaphore(initial, spinCount int, clk clock.Clock) *lifoSemaphore {
	s := &lifoSemaphore{spinCount: spinCount}
	s.counts.Store(uint64(semCounts(0).withSignalCount(initial)))
	s.waitList.clock = clk
	return s
}

func (s *lifoSemaphore) load() semCounts {
	return semCounts(s.counts.Load())
}

func (s *lifoSemaphore) cas(old, n semCounts) bool {
	return s.counts.CompareAndSwap(uint64(old), uint64(n))
}

// Wait acquires one count. A negative timeout waits forever, a zero timeout
// only tries. It returns false if the timeout elapsed first.
func (s *lifoSemaphore) Wait(timeout time.Duration) bool {
	// Take a signal, or register as a spinner, or as a waiter when spinning
	// is disabled or the spinner count is saturated.
	counts := s.load()
	for {
		n := counts
		switch {
		case counts.signalCount() != 0:
			n = counts.withSignalCount(counts.signalCount() - 1)
		case timeout != 0:
			if s.spinCount > 0 && counts.spinnerCount() < semByteMax {
				n += semSpinnerUnit
			} else {
				n += semWaiterUnit
			}
		}

		if s.cas(counts, n) {
			if counts.signalCount() != 0 {
				return true
			}
			if n.waiterCount() != counts.waiterCount() {
				return s.waitForSignal(timeout)
			}
			if timeout == 0 {
				return false
			}
			break
		}
		counts = s.load()
	}

	for i := 0; i < s.spinCount; i++ {
		spinWait(i)

		counts = s.load()
		for counts.signalCount() > 0 {
			n := counts.withSignalCount(counts.signalCount()-1) - semSpinnerUnit
			if s.cas(counts, n) {
				return true
			}
			counts = s.load()
		}
	}

	// Unregister as a spinner, then take a signal or register as a waiter.
	counts = s.load()
	for {
		n := counts - semSpinnerUnit
		if counts.signalCount() != 0 {
			n = n.withSignalCount(counts.signalCount() - 1)
		} else {
			n += semWaiterUnit
		}
		if s.cas(counts, n) {
			return counts.signalCount() != 0 || s.waitForSignal(timeout)
		}
		counts = s.load()
	}
}

// Release adds n counts and wakes as many blocked waiters as needed.
func (s *lifoSemaphore) Release(n int) {
	if n <= 0 {
		return
	}

	counts := s.load()
	for {
		next := counts.withSignalCount(counts.signalCount() + n)

		toWake := min(next.signalCount(), next.waiterCount()+next.spinnerCount()) -
			next.spinnerCount() - next.signaledToWake()
		if toWake > 0 {
			toWake = min(toWake, n)
			signaled := min(counts.signaledToWake()+toWake, semByteMax)
			next = next.withSignaledToWake(signaled)
		}

		if s.cas(counts, next) {
			if toWake > 0 {
				s.waitList.wake(toWake)
			}
			return
		}
		counts = s.load()
	}
}

// waitForSignal blocks on the wait list until a signal can be taken or the
// timeout elapses. The caller is registered as a waiter.
func (s *lifoSemaphore) waitForSignal(timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = s.waitList.clock.Now().Add(timeout)
	}

	for {
		remaining := timeout
		if timeout > 0 {
			remaining = deadline.Sub(s.waitList.clock.Now())
		}

		if (timeout > 0 && remaining <= 0) || !s.waitList.wait(remaining) {
			// A waiter that timed out never consumed a wake, so only the
			// waiter registration needs undoing.
			s.counts.Add(^uint64(semWaiterUnit - 1))
			return false
		}

		counts := s.load()
		for {
			n := counts
			if counts.signalCount() != 0 {
				n = n.withSignalCount(counts.signalCount()-1) - semWaiterUnit
			}
			if counts.signaledToWake() != 0 {
				n = n.withSignaledToWake(counts.signaledToWake() - 1)
			}
			if s.cas(counts, n) {
				if counts.signalCount() != 0 {
					return true
				}
				break
			}
			counts = s.load()
		}
	}
}

// waiters reports the number of registered waiters.
func (s *lifoSemaphore) waiters() int {
	return s.load().waiterCount()
}

// spinWait yields the processor once per spin iteration.
func spinWait(int) {
	runtime.Gosched()
}

// waitList is the blocking primitive under the semaphore: parked goroutines
// in a stack, woken newest first.
type waitList struct {
	clock clock.Clock

	mu      sync.Mutex
	stack   []chan struct{}
	pending int // wakes issued while fewer waiters were parked
}

// wait parks the caller until woken or until timeout elapses. A negative
// timeout waits forever. A waiter that reports a timeout was never woken.
func (l *waitList) wait(timeout time.Duration) bool {
	// The timer is armed before the waiter is visible on the stack.
	var timeoutC <-chan time.Time
	if timeout >= 0 {
		timer := l.clock.Timer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	l.mu.Lock()
	if l.pending > 0 {
		l.pending--
		l.mu.Unlock()
		return true
	}
	ch := make(chan struct{}, 1)
	l.stack = append(l.stack, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-timeoutC:
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.stack) - 1; i >= 0; i-- {
		if l.stack[i] == ch {
			l.stack = append(l.stack[:i], l.stack[i+1:]...)
			return false
		}
	}
	// Woken concurrently with the timeout, the wake wins.
	<-ch
	return true
}

// parked returns the number of goroutines blocked on the list.
func (l *waitList) parked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.stack)
}

// wake releases up to n parked waiters, newest first. Wakes that find no
// parked waiter are kept for the next arrivals.
func (l *waitList) wake(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ; n > 0 && len(l.stack) > 0; n-- {
		last := len(l.stack) - 1
		ch := l.stack[last]
		l.stack[last] = nil
		l.stack = l.stack[:last]
		ch <- struct{}{}
	}
	l.pending += n
}
