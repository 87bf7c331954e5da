package swarm

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joeycumines/logiface"

	"github.com/tahsin716/swarm/hillclimb"
)

// Option configures a Pool.
type Option func(*Config)

// WithMinThreads sets the lower bound of the thread count goal.
func WithMinThreads(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MinThreads = n
		}
	}
}

// WithMaxThreads sets the upper bound on worker threads.
func WithMaxThreads(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxThreads = n
		}
	}
}

// WithIdleTimeout sets how long an idle worker waits before it may retire.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.IdleTimeout = d
		}
	}
}

// WithDispatchQuantum sets the maximum length of one dispatch loop.
func WithDispatchQuantum(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.DispatchQuantum = d
		}
	}
}

// WithGateInterval sets the starvation gate's polling period. The dequeue
// delay threshold is reset to twice the interval; apply
// WithDequeueDelayThreshold afterwards to override it.
func WithGateInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.GateInterval = d
			c.DequeueDelayThreshold = 2 * d
		}
	}
}

// WithDequeueDelayThreshold sets the per-thread starvation threshold used
// when the CPU is busy.
func WithDequeueDelayThreshold(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.DequeueDelayThreshold = d
		}
	}
}

// WithCPUUtilizationLow sets the utilization under which the short
// starvation threshold applies.
func WithCPUUtilizationLow(percent int) Option {
	return func(c *Config) {
		if percent >= 0 && percent <= 100 {
			c.CPUUtilizationLow = percent
		}
	}
}

// WithGateIdlePolls sets how many idle polls the gate performs before exiting.
func WithGateIdlePolls(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.GateIdlePolls = n
		}
	}
}

// WithStarvationDetection enables or disables the gate's starvation escape.
func WithStarvationDetection(enabled bool) Option {
	return func(c *Config) {
		c.DisableStarvationDetection = !enabled
	}
}

// WithHillClimbing replaces the throughput controller tuning.
func WithHillClimbing(cfg hillclimb.Config) Option {
	return func(c *Config) {
		c.HillClimbing = cfg
	}
}

// WithoutHillClimbing keeps the goal fixed apart from starvation handling
// and bound changes.
func WithoutHillClimbing() Option {
	return func(c *Config) {
		c.DisableHillClimbing = true
	}
}

// WithSemaphoreSpinCount sets how long a waking worker spins before blocking.
func WithSemaphoreSpinCount(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.SemaphoreSpinCount = n
		}
	}
}

// WithClock sets the time source.
func WithClock(clk clock.Clock) Option {
	return func(c *Config) {
		c.Clock = clk
	}
}

// WithCPUReader sets the CPU utilization source.
func WithCPUReader(r CPUReader) Option {
	return func(c *Config) {
		c.CPUReader = r
	}
}

// WithSpawner sets the worker thread factory.
func WithSpawner(s Spawner) Option {
	return func(c *Config) {
		c.Spawner = s
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *logiface.Logger[logiface.Event]) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithFailFast sets the handler for panics escaping work items.
func WithFailFast(fn func(*PanicError)) Option {
	return func(c *Config) {
		c.FailFast = fn
	}
}

// WithWorkerHooks sets callbacks invoked when a worker starts and stops.
func WithWorkerHooks(onStart, onStop func(workerID int)) Option {
	return func(c *Config) {
		c.OnWorkerStart = onStart
		c.OnWorkerStop = onStop
	}
}
