package swarm

import (
	"runtime"
	"sync/atomic"
)

// spinLock is a non-reentrant lock for very short critical sections.
// The zero value is unlocked.
type spinLock struct {
	state atomic.Uint32
}

// tryLock acquires the lock if it is free, without waiting.
func (l *spinLock) tryLock() bool {
	return l.state.Load() == 0 && l.state.CompareAndSwap(0, 1)
}

// lock spins until the lock is acquired, yielding the processor between
// attempts with exponential backoff.
func (l *spinLock) lock() {
	backoff := 1
	for !l.tryLock() {
		for i := 0; i < backoff; i++ {
			runtime.Gosched()
		}
		if backoff < 32 {
			backoff <<= 1
		}
	}
}

func (l *spinLock) unlock() {
	l.state.Store(0)
}
