package swarm

import (
	"fmt"
	"sync/atomic"
)

// threadCounts packs the three worker counts into one word so that compound
// transitions are a single compare-and-swap.
//
// Layout (16 bits each, low to high):
//
//	processing | existing | goal | unused
//
// Invariants maintained by every transition:
//   - processing <= existing
//   - minThreads <= goal <= maxThreads
type threadCounts uint64

const (
	countBits       = 16
	countMask       = 1<<countBits - 1
	processingShift = 0
	existingShift   = countBits
	goalShift       = 2 * countBits
)

func makeCounts(processing, existing, goal int) threadCounts {
	return threadCounts(0).
		withProcessing(processing).
		withExisting(existing).
		withGoal(goal)
}

// processing is the number of workers not idle waiting for work.
func (c threadCounts) processing() int {
	return int(uint64(c) >> processingShift & countMask)
}

// existing is the number of live worker threads.
func (c threadCounts) existing() int {
	return int(uint64(c) >> existingShift & countMask)
}

// goal is the target number of concurrently processing workers.
func (c threadCounts) goal() int {
	return int(uint64(c) >> goalShift & countMask)
}

func (c threadCounts) with(shift uint, n int) threadCounts {
	if n < 0 || n > countMask {
		panic(fmt.Sprintf("swarm: thread count %d out of range", n))
	}
	cleared := uint64(c) &^ (countMask << shift)
	return threadCounts(cleared | uint64(n)<<shift)
}

func (c threadCounts) withProcessing(n int) threadCounts { return c.with(processingShift, n) }
func (c threadCounts) withExisting(n int) threadCounts { return c.with(existingShift, n) }
func (c threadCounts) withGoal(n int) threadCounts { return c.with(goalShift, n) }

func (c threadCounts) String() string {
	return fmt.Sprintf("{processing:%d existing:%d goal:%d}", c.processing(), c.existing(), c.goal())
}

// countsCell is the shared, atomically updated threadCounts.
type countsCell struct {
	_ cacheLinePad
	v atomic.Uint64
	_ cacheLinePad
}

func (c *countsCell) load() threadCounts {
	return threadCounts(c.v.Load())
}

func (c *countsCell) store(n threadCounts) {
	c.v.Store(uint64(n))
}

// cas replaces old with n. Callers retry with a fresh load on failure.
func (c *countsCell) cas(old, n threadCounts) bool {
	return c.v.CompareAndSwap(uint64(old), uint64(n))
}
