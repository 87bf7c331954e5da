package swarm

import (
	"runtime"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joeycumines/logiface"

	"github.com/tahsin716/swarm/cpuutil"
	"github.com/tahsin716/swarm/hillclimb"
)

// MaxThreadsLimit is the largest thread bound representable in the packed
// thread counts.
const MaxThreadsLimit = 1<<15 - 1

// DefaultMaxThreads is the default upper bound on worker threads. The Go
// runtime aborts the process when it exceeds its own thread limit (10000 by
// default), so the default stays well below it.
const DefaultMaxThreads = 1024

// Config contains all configuration options for the scheduler.
type Config struct {
	// MinThreads is the lower bound of the thread count goal.
	// Zero means GOMAXPROCS, capped at MaxThreads.
	MinThreads int

	// MaxThreads is the upper bound on worker threads.
	// Defaults to DefaultMaxThreads.
	MaxThreads int

	// IdleTimeout is how long an idle worker waits for work before it
	// considers retiring. Defaults to 20s.
	IdleTimeout time.Duration

	// DispatchQuantum bounds how long a worker stays in one dispatch loop
	// before it returns to the scheduler. Defaults to 30ms.
	DispatchQuantum time.Duration

	// GateInterval is the polling period of the starvation gate.
	// Defaults to 500ms.
	GateInterval time.Duration

	// DequeueDelayThreshold is the per-thread starvation threshold used when
	// the CPU is busy: work is considered starved once nothing was dequeued
	// for goal*DequeueDelayThreshold. Below CPUUtilizationLow the threshold
	// is one GateInterval. Defaults to 2*GateInterval.
	DequeueDelayThreshold time.Duration

	// CPUUtilizationLow is the utilization percentage under which idle cores
	// suggest blocked threads. Defaults to 80.
	CPUUtilizationLow int

	// GateIdlePolls is the number of consecutive polls without pending
	// requests after which the gate goroutine exits. It restarts on the
	// next request. Defaults to 4.
	GateIdlePolls int

	// DisableStarvationDetection turns off the gate's starvation escape.
	DisableStarvationDetection bool

	// DisableHillClimbing keeps the goal fixed apart from starvation
	// handling and bound changes.
	DisableHillClimbing bool

	// HillClimbing tunes the throughput controller.
	HillClimbing hillclimb.Config

	// SemaphoreSpinCount is the number of spin iterations a waking worker
	// performs before blocking. Defaults to 70.
	SemaphoreSpinCount int

	// Clock provides time. Defaults to the wall clock.
	Clock clock.Clock

	// CPUReader samples CPU utilization for the gate and the controller.
	// Defaults to cpuutil.Process().
	CPUReader CPUReader

	// Spawner starts worker threads. Defaults to GoSpawner.
	Spawner Spawner

	// Logger receives structured diagnostics. A nil logger disables logging.
	Logger *logiface.Logger[logiface.Event]

	// FailFast is called with a panic that escaped a work item, after it
	// has been logged. The default terminates the process by re-panicking
	// outside of any recover. A handler that returns lets the worker carry on.
	FailFast func(*PanicError)

	// OnWorkerStart is called when a worker starts
	// Useful for initialization, logging, or tracing
	OnWorkerStart func(workerID int)

	// OnWorkerStop is called when a worker stops
	// Useful for cleanup, logging, or tracing
	OnWorkerStop func(workerID int)
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	gateInterval := 500 * time.Millisecond
	return Config{
		MaxThreads:            DefaultMaxThreads,
		IdleTimeout:           20 * time.Second,
		DispatchQuantum:       30 * time.Millisecond,
		GateInterval:          gateInterval,
		DequeueDelayThreshold: 2 * gateInterval,
		CPUUtilizationLow:     80,
		GateIdlePolls:         4,
		HillClimbing:          hillclimb.DefaultConfig(),
		SemaphoreSpinCount:    70,
	}
}

// Validate checks the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.MinThreads < 0 {
		return errInvalidConfig("MinThreads must be >= 0")
	}

	if c.MaxThreads < 1 {
		return errInvalidConfig("MaxThreads must be >= 1")
	}

	if c.MaxThreads < c.MinThreads {
		return errInvalidConfig("MaxThreads must be >= MinThreads")
	}

	if c.MaxThreads > MaxThreadsLimit {
		return errInvalidConfig("MaxThreads exceeds MaxThreadsLimit")
	}

	if c.IdleTimeout <= 0 {
		return errInvalidConfig("IdleTimeout must be > 0")
	}

	if c.DispatchQuantum <= 0 {
		return errInvalidConfig("DispatchQuantum must be > 0")
	}

	if c.GateInterval <= 0 || c.DequeueDelayThreshold <= 0 {
		return errInvalidConfig("GateInterval and DequeueDelayThreshold must be > 0")
	}

	if c.CPUUtilizationLow < 0 || c.CPUUtilizationLow > 100 {
		return errInvalidConfig("CPUUtilizationLow must be in [0, 100]")
	}

	if c.GateIdlePolls < 1 {
		return errInvalidConfig("GateIdlePolls must be >= 1")
	}

	if c.SemaphoreSpinCount < 0 {
		return errInvalidConfig("SemaphoreSpinCount must be >= 0")
	}

	if err := c.HillClimbing.Validate(); err != nil {
		return &PoolError{msg: err.Error(), err: ErrInvalidConfig}
	}

	return nil
}

// withDefaults resolves MinThreads and fills in the collaborators left nil.
func (c *Config) withDefaults() {
	if c.MinThreads == 0 {
		c.MinThreads = min(runtime.GOMAXPROCS(0), c.MaxThreads)
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.CPUReader == nil {
		c.CPUReader = cpuutil.Process()
	}
	if c.Spawner == nil {
		c.Spawner = GoSpawner{}
	}
	if c.FailFast == nil {
		c.FailFast = func(pe *PanicError) { panic(pe) }
	}
}
