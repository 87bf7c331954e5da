package swarm

import (
	"sort"
	"time"

	"github.com/tahsin716/swarm/hillclimb"
)

// Stats contains statistics about pool operation and performance.
// All counters are snapshots taken at the time Stats() is called and may be
// slightly inconsistent during concurrent operations due to lock-free reads.
//
// Example:
//
//	stats := pool.Stats()
//	fmt.Printf("threads=%d goal=%d pending=%d\n",
//	    stats.Threads, stats.Goal, stats.Pending)
type Stats struct {
	// Threads is the number of live worker threads.
	Threads int

	// Goal is the target number of workers processing concurrently.
	Goal int

	// Processing is the number of workers not idle waiting for work.
	Processing int

	// Idle is the number of workers blocked on the semaphore.
	Idle int

	// MinThreads and MaxThreads are the current bounds of the goal.
	MinThreads int
	MaxThreads int

	// Requested is the number of worker requests not yet served.
	Requested int

	// Outstanding is the number of worker requests issued by the queues
	// that no worker has picked up yet. It never exceeds GOMAXPROCS.
	Outstanding int

	// Pending is the number of queued work items that have not started.
	Pending int

	// Enqueued is the total number of work items accepted since creation.
	Enqueued uint64

	// Completed is the total number of work items executed, including
	// items that panicked.
	Completed uint64

	// BlockingCompleted is the number of completed items that reported
	// themselves as blocking through BlockingHint.
	BlockingCompleted uint64

	// Failed is the number of work items that panicked.
	Failed uint64

	// Removed is the number of work items taken back with TryRemove.
	Removed uint64

	// Dropped is the number of queued items discarded by Shutdown(false).
	Dropped uint64

	// Spawned, Retired and SpawnFailures count worker thread lifecycle
	// events since creation.
	Spawned       uint64
	Retired       uint64
	SpawnFailures uint64

	// StarvationEvents is the number of times the gate raised the goal.
	StarvationEvents uint64

	// CPUUtilization is the last CPU sample taken by the gate, in percent.
	CPUUtilization int

	// LatencyAvg is the average execution time of completed work items.
	// Zero if no items have completed.
	LatencyAvg time.Duration

	// LatencyMax is the maximum execution time observed for any single item.
	// Zero if no items have completed.
	LatencyMax time.Duration

	// Transitions is the recent history of hill-climbing goal changes,
	// oldest first. Nil when hill climbing is disabled.
	Transitions []hillclimb.Transition

	// WorkerStats contains statistics for each live worker, by ID.
	WorkerStats []WorkerStats
}

// WorkerStats contains statistics for an individual worker thread.
type WorkerStats struct {
	// WorkerID is the unique identifier for this worker.
	// IDs are never reused within a pool.
	WorkerID int

	// TasksExecuted is the total number of work items this worker has
	// executed, including items that panicked.
	TasksExecuted uint64

	// TasksFailed is the number of work items that panicked on this worker.
	TasksFailed uint64

	// QueueDepth is the number of items in the worker's local queue.
	QueueDepth int

	// State is the current operational state of the worker:
	// IDLE, DISPATCHING, EXECUTING or RETIRING.
	State string
}

// Stats returns a snapshot of pool statistics.
func (p *Pool) Stats() Stats {
	counts := p.counts.load()

	s := Stats{
		Threads:           counts.existing(),
		Goal:              counts.goal(),
		Processing:        counts.processing(),
		Idle:              p.sem.waiters(),
		MinThreads:        int(p.minThreads.Load()),
		MaxThreads:        int(p.maxThreads.Load()),
		Requested:         int(p.numRequestedWorkers.Load()),
		Outstanding:       int(p.queue.outstanding.Load()),
		Pending:           p.queue.pending(),
		Enqueued:          p.metrics.enqueued.Load(),
		Completed:         p.metrics.completed.Load(),
		BlockingCompleted: p.metrics.blockingCompleted.Load(),
		Failed:            p.metrics.failed.Load(),
		Removed:           p.metrics.removed.Load(),
		Dropped:           p.metrics.dropped.Load(),
		Spawned:           p.metrics.spawned.Load(),
		Retired:           p.metrics.retired.Load(),
		SpawnFailures:     p.metrics.spawnFailures.Load(),
		StarvationEvents:  p.metrics.starvationEvents.Load(),
		CPUUtilization:    int(p.cpuUtilization.Load()),
	}

	if count := p.latencyCount.Load(); count > 0 {
		s.LatencyAvg = time.Duration(p.latencySum.Load()/count) * time.Microsecond
		s.LatencyMax = time.Duration(p.latencyMax.Load()) * time.Microsecond
	}

	if p.hc != nil {
		s.Transitions = p.hc.History()
	}

	p.workersMu.Lock()
	s.WorkerStats = make([]WorkerStats, 0, len(p.workers))
	for _, w := range p.workers {
		s.WorkerStats = append(s.WorkerStats, WorkerStats{
			WorkerID:      w.id,
			TasksExecuted: w.tasksExecuted.Load(),
			TasksFailed:   w.tasksFailed.Load(),
			QueueDepth:    w.queue.count(),
			State:         w.getState().String(),
		})
	}
	p.workersMu.Unlock()

	sort.Slice(s.WorkerStats, func(i, j int) bool {
		return s.WorkerStats[i].WorkerID < s.WorkerStats[j].WorkerID
	})

	return s
}
