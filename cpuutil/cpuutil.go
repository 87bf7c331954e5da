// Package cpuutil provides CPU utilization readers for the scheduler's
// starvation gate and throughput controller.
//
// Every reader reports a percentage in [0, 100]. Rate based readers report
// the utilization between two consecutive calls; the first call establishes
// a baseline and reports 0.
package cpuutil

import (
	"errors"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

var errUnsupported = errors.New("cpuutil: process CPU time is not available on this platform")

// ProcessReader reports the CPU time consumed by the current process as a
// share of the wall time available to all CPUs.
type ProcessReader struct {
	mu       sync.Mutex
	numCPU   int
	prevCPU  time.Duration
	prevWall time.Time
	last     int
}

// Process returns a reader of the current process's CPU utilization.
func Process() *ProcessReader {
	return &ProcessReader{numCPU: runtime.NumCPU()}
}

// Utilization returns the utilization since the previous call. On platforms
// without process CPU accounting it always reports 0.
func (r *ProcessReader) Utilization() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	used, err := processCPUTime()
	if err != nil {
		return r.last
	}
	now := time.Now()

	if r.prevWall.IsZero() {
		r.prevCPU, r.prevWall = used, now
		return 0
	}

	wall := now.Sub(r.prevWall)
	if wall <= 0 {
		return r.last
	}

	r.last = percent(float64(used-r.prevCPU) / (float64(wall) * float64(r.numCPU)))
	r.prevCPU, r.prevWall = used, now
	return r.last
}

// SystemReader reports machine-wide CPU utilization.
type SystemReader struct {
	mu   sync.Mutex
	last int
}

// System returns a reader of machine-wide CPU utilization, backed by gopsutil.
func System() *SystemReader {
	return &SystemReader{}
}

// Utilization returns the machine-wide utilization since the previous call.
func (r *SystemReader) Utilization() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	values, err := cpu.Percent(0, false)
	if err != nil || len(values) == 0 {
		return r.last
	}
	r.last = percent(values[0] / 100)
	return r.last
}

// Fixed always reports the same utilization.
type Fixed int

// Utilization returns f.
func (f Fixed) Utilization() int {
	return int(f)
}

// Manual reports a utilization set by the caller. The zero value reports 0.
type Manual struct {
	v atomic.Int32
}

// Set changes the reported utilization.
func (m *Manual) Set(percent int) {
	m.v.Store(int32(percent))
}

// Utilization returns the last value passed to Set.
func (m *Manual) Utilization() int {
	return int(m.v.Load())
}

func percent(ratio float64) int {
	if math.IsNaN(ratio) || ratio < 0 {
		return 0
	}
	return int(math.Min(100, math.Round(ratio*100)))
}
