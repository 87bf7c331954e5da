package swarm

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/tahsin716/swarm/hillclimb"
)

// WorkerState represents the current state of a worker
type WorkerState int32

const (
	StateIdle WorkerState = iota
	StateDispatching
	StateExecuting
	StateRetiring
)

func (s WorkerState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateDispatching:
		return "DISPATCHING"
	case StateExecuting:
		return "EXECUTING"
	case StateRetiring:
		return "RETIRING"
	default:
		return "UNKNOWN"
	}
}

// worker represents one worker thread
type worker struct {
	id   int
	pool *Pool

	// queue is this worker's local work-stealing queue
	queue *workStealingQueue

	// ctx is handed to every work item this worker executes
	ctx context.Context

	state atomic.Int32 // WorkerState

	// Metrics
	tasksExecuted atomic.Uint64
	tasksFailed   atomic.Uint64

	// Stealing metadata
	rnd xorShift
}

func newWorker(id int, pool *Pool) *worker {
	w := &worker{
		id:    id,
		pool:  pool,
		queue: newWorkStealingQueue(),
		rnd:   newXorShift(uint32(pool.clock.Now().UnixNano()) + uint32(id)*1000),
	}
	w.state.Store(int32(StateIdle))
	return w
}

// run is the worker thread entry point.
//
// Lifecycle: Idle -> Dispatching -> Executing -> (Idle | Retiring).
// The worker waits on the pool semaphore; every wake either serves pending
// worker requests, retires a worker above the maximum, or, once the pool
// has stopped, makes the worker exit. A wait that times out lets the
// worker retire if it is not needed.
func (w *worker) run() {
	p := w.pool
	defer p.wg.Done()

	// Never unlocked: the thread ends with the worker.
	runtime.LockOSThread()

	w.ctx = withScope(p.ctx, &workerScope{
		pool:   p,
		worker: w,
		tid:    currentThreadID(),
	})

	p.queue.register(w.queue)
	p.addWorker(w)
	if p.config.OnWorkerStart != nil {
		p.config.OnWorkerStart(w.id)
	}
	p.logger.Debug().Int("worker", w.id).Log("worker started")

	for {
		for p.sem.Wait(p.config.IdleTimeout) {
			if p.loadState() == poolStateStopped {
				w.exitStopped()
				return
			}
			if !p.takeTrimRequest() {
				w.doWork()
			}
			if w.retireSurplus() {
				return
			}
		}

		if p.loadState() == poolStateStopped {
			// A stop raced with the timeout; the count released for this
			// worker is left behind harmlessly.
			w.exitStopped()
			return
		}

		if w.tryRetire() {
			return
		}
	}
}

// doWork serves worker requests until none are left or the worker was
// asked to stop processing.
func (w *worker) doWork() {
	p := w.pool
	removed := false

	for p.takeActiveRequest() {
		p.lastDequeueTime.Store(int64(p.now()))
		if !w.dispatch() {
			removed = true
			break
		}
		if p.numRequestedWorkers.Load() <= 0 {
			break
		}
		runtime.Gosched()
	}

	if !removed {
		p.removeWorkingWorker()
	}
	w.setState(StateIdle)
}

// dispatch drains work for one dispatch quantum. It returns false when the
// pool took the worker out of processing.
func (w *worker) dispatch() (keepProcessing bool) {
	p := w.pool
	q := p.queue

	w.setState(StateDispatching)
	q.markThreadRequestSatisfied()

	needAnotherThread := true
	defer func() {
		if needAnotherThread {
			q.ensureThreadRequested()
		}
	}()

	quantumStart := p.now()
	for {
		missedSteal := false
		e := q.dequeue(w.queue, &w.rnd, &missedSteal)
		if e == nil {
			// A busy victim may still hold work.
			needAnotherThread = missedSteal
			return true
		}

		// There may be more work, ask for a worker to process it in parallel.
		if needAnotherThread {
			needAnotherThread = false
			q.ensureThreadRequested()
		}

		elapsed := w.execute(e)
		if !p.notifyWorkItemComplete(elapsed, e.blocking()) {
			return false
		}

		if p.now()-quantumStart >= p.config.DispatchQuantum {
			return true
		}
	}
}

// execute runs one work item and reports its run time. A panic is logged
// and handed to the FailFast hook.
func (w *worker) execute(e *workEntry) (elapsed time.Duration) {
	p := w.pool
	w.setState(StateExecuting)

	var catcher panics.Catcher
	start := p.clock.Now()
	catcher.Try(func() {
		e.item.Execute(w.ctx)
	})
	elapsed = p.clock.Since(start)

	w.tasksExecuted.Add(1)
	p.pending.done()

	if r := catcher.Recovered(); r != nil {
		w.tasksFailed.Add(1)
		p.metrics.failed.Add(1)
		p.logger.Emerg().
			Int("worker", w.id).
			Str("panic", fmt.Sprint(r.Value)).
			Str("stack", string(r.Stack)).
			Log("work item panicked")
		p.config.FailFast(&PanicError{Value: r.Value, Stack: r.Stack})
	}

	w.setState(StateDispatching)
	return elapsed
}

// tryRetire exits the worker after an idle timeout unless every live
// worker is processing. The decision is committed by compare-and-swap
// right before exiting; losing the race means the worker is still wanted.
func (w *worker) tryRetire() bool {
	p := w.pool

	counts := p.counts.load()
	for {
		if counts.existing() <= counts.processing() {
			return false
		}

		newExisting := counts.existing() - 1
		newGoal := max(int(p.minThreads.Load()), min(newExisting, counts.goal()))
		next := counts.withExisting(newExisting).withGoal(newGoal)
		if p.counts.cas(counts, next) {
			if p.hc != nil {
				p.hc.ForceChange(newGoal, hillclimb.ThreadTimedOut)
			}
			p.metrics.retired.Add(1)
			w.exit("worker retired")
			return true
		}
		counts = p.counts.load()
	}
}

// retireSurplus exits an idle worker while more threads exist than the
// maximum allows.
func (w *worker) retireSurplus() bool {
	p := w.pool

	counts := p.counts.load()
	for {
		maxThreads := int(p.maxThreads.Load())
		if counts.existing() <= maxThreads || counts.existing() <= counts.processing() {
			return false
		}

		newExisting := counts.existing() - 1
		newGoal := max(int(p.minThreads.Load()), min(newExisting, counts.goal()))
		next := counts.withExisting(newExisting).withGoal(newGoal)
		if p.counts.cas(counts, next) {
			p.metrics.retired.Add(1)
			w.exit("worker retired")
			return true
		}
		counts = p.counts.load()
	}
}

// exitStopped accounts for a worker leaving a stopped pool.
func (w *worker) exitStopped() {
	p := w.pool

	counts := p.counts.load()
	for {
		newExisting := max(counts.existing()-1, 0)
		next := counts.
			withExisting(newExisting).
			withProcessing(min(counts.processing(), newExisting))
		if p.counts.cas(counts, next) {
			break
		}
		counts = p.counts.load()
	}
	w.exit("worker stopped")
}

// exit hands leftover local work to the global queue and unregisters.
func (w *worker) exit(msg string) {
	p := w.pool
	w.setState(StateRetiring)

	p.queue.unregister(w.queue)
	moved := w.queue.drainTo(p.queue.global.enqueue)
	if moved > 0 && p.loadState() != poolStateStopped {
		p.queue.ensureThreadRequested()
	}

	p.removeWorker(w)
	if p.config.OnWorkerStop != nil {
		p.config.OnWorkerStop(w.id)
	}
	p.logger.Debug().
		Int("worker", w.id).
		Int("moved", moved).
		Uint64("executed", w.tasksExecuted.Load()).
		Log(msg)
}

func (w *worker) setState(s WorkerState) {
	w.state.Store(int32(s))
}

func (w *worker) getState() WorkerState {
	return WorkerState(w.state.Load())
}

func (p *Pool) addWorker(w *worker) {
	p.workersMu.Lock()
	p.workers[w.id] = w
	p.workersMu.Unlock()
}

func (p *Pool) removeWorker(w *worker) {
	p.workersMu.Lock()
	delete(p.workers, w.id)
	p.workersMu.Unlock()
}
