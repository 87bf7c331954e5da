package swarm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tahsin716/swarm/hillclimb"
)

// gate is the starvation detector: one background thread that samples CPU
// utilization and raises the goal when queued work is not being dequeued.
// It starts on the first worker request and exits after GateIdlePolls
// polls without one.
type gate struct {
	// runs is the number of polls left before the gate may exit, zero
	// when it is not running
	runs atomic.Int32

	stop chan struct{}
	wg   sync.WaitGroup
}

func (g *gate) init() {
	g.stop = make(chan struct{})
}

// ensureGateRunning starts the gate thread if needed and resets its
// idle poll budget.
func (p *Pool) ensureGateRunning() {
	polls := int32(p.config.GateIdlePolls)
	if p.gate.runs.Load() == polls {
		return
	}
	if p.gate.runs.Swap(polls) != 0 {
		return
	}

	p.lifecycleMu.RLock()
	defer p.lifecycleMu.RUnlock()
	if p.loadState() == poolStateStopped {
		p.gate.runs.Store(0)
		return
	}

	p.gate.wg.Add(1)
	err := p.config.Spawner.Spawn(p.gateLoop, SpawnHints{
		Name:       "swarm-gate",
		Background: true,
		StackSize:  256 << 10,
	})
	if err != nil {
		p.gate.wg.Done()
		p.gate.runs.Store(0)
		p.warning("gate").Err(errSpawn(err)).Log("could not create gate thread")
	}
}

// stopGate stops the gate thread and waits for it to exit.
func (p *Pool) stopGate() {
	close(p.gate.stop)
	p.gate.wg.Wait()
}

func (p *Pool) gateLoop() {
	defer p.gate.wg.Done()
	p.logger.Debug().Log("gate started")

	ticker := p.clock.Ticker(p.config.GateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.gate.stop:
			return
		case <-ticker.C:
		}

		p.cpuUtilization.Store(int32(p.config.CPUReader.Utilization()))

		if !p.config.DisableStarvationDetection &&
			p.numRequestedWorkers.Load() > 0 &&
			p.sufficientDelaySinceLastDequeue() {
			p.handleStarvation()
		}

		p.retryWorkerRequests()

		if !p.gateShouldKeepRunning() {
			p.logger.Debug().Log("gate idle, exiting")
			return
		}
	}
}

// sufficientDelaySinceLastDequeue reports whether queued work has waited
// long enough to suspect starvation. With idle cores a single gate interval
// is enough, otherwise the threshold grows with the goal.
func (p *Pool) sufficientDelaySinceLastDequeue() bool {
	delay := p.now() - time.Duration(p.lastDequeueTime.Load())

	var minimumDelay time.Duration
	if int(p.cpuUtilization.Load()) < p.config.CPUUtilizationLow {
		minimumDelay = p.config.GateInterval
	} else {
		minimumDelay = time.Duration(p.counts.load().goal()) * p.config.DequeueDelayThreshold
	}

	return delay > minimumDelay
}

// handleStarvation raises the goal by one above the live workers,
// bypassing the controller, and adds a worker.
func (p *Pool) handleStarvation() {
	raised := 0
	func() {
		p.adjustLock.Lock()
		defer p.adjustLock.Unlock()

		maxThreads := int(p.maxThreads.Load())
		counts := p.counts.load()
		for counts.existing() < maxThreads && counts.existing() >= counts.goal() {
			newGoal := counts.existing() + 1
			if p.counts.cas(counts, counts.withGoal(newGoal)) {
				if p.hc != nil {
					p.hc.ForceChange(newGoal, hillclimb.Starvation)
				}
				raised = newGoal
				break
			}
			counts = p.counts.load()
		}
	}()

	if raised == 0 {
		return
	}

	p.metrics.starvationEvents.Add(1)
	p.warning("starvation").
		Int("goal", raised).
		Int("pending", p.queue.pending()).
		Int("cpu", int(p.cpuUtilization.Load())).
		Log("work starved, raising thread goal")
	p.maybeAddWorkingWorker()
}

// retryWorkerRequests adds workers for requests a failed spawn left
// unserved. The queues stop requesting once their outstanding cap is
// reached, so nothing else would retry.
func (p *Pool) retryWorkerRequests() {
	if p.numRequestedWorkers.Load() <= 0 {
		return
	}
	counts := p.counts.load()
	if counts.processing() < counts.goal() {
		p.maybeAddWorkingWorker()
	}
}

// gateShouldKeepRunning spends one idle poll. When the budget is exhausted
// the gate exits, unless a request is pending and the gate can claim a new
// budget before a concurrent ensureGateRunning starts a new gate.
func (p *Pool) gateShouldKeepRunning() bool {
	if p.numRequestedWorkers.Load() > 0 {
		p.gate.runs.Store(int32(p.config.GateIdlePolls))
		return true
	}
	if p.gate.runs.Add(-1) > 0 {
		return true
	}
	return p.numRequestedWorkers.Load() > 0 &&
		p.gate.runs.CompareAndSwap(0, int32(p.config.GateIdlePolls))
}
