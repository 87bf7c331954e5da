package swarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	catrate "github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"

	"github.com/tahsin716/swarm/hillclimb"
)

// PoolState represents pool lifecycle states
type PoolState int32

const (
	poolStateRunning PoolState = iota
	poolStateDraining
	poolStateStopped
)

// Pool is an adaptive work-stealing scheduler.
//
// Work items are queued on a global FIFO queue, or on the local queue of
// the worker that queued them, and executed by a dynamically sized set of
// workers. Each worker owns one OS thread for its whole life. The number of
// workers concurrently processing work follows a goal that the hill-climbing
// controller retunes from observed throughput, and that the starvation gate
// raises when queued work stops being picked up.
type Pool struct {
	config Config
	logger *logiface.Logger[logiface.Event]
	clock  clock.Clock
	epoch  time.Time

	counts              countsCell
	minThreads          atomic.Int32
	maxThreads          atomic.Int32
	numRequestedWorkers atomic.Int32

	// trimRequests counts semaphore releases that ask an idle worker to
	// retire because the maximum was lowered below the live threads.
	trimRequests atomic.Int32

	sem   *lifoSemaphore
	queue *workQueue
	hc    *hillclimb.HillClimbing
	gate  gate

	// adjustLock serializes goal adjustments by the controller, the gate
	// and the bound setters. Completion handlers only try it.
	adjustLock           sync.Mutex
	priorCompletionCount int64         // guarded by adjustLock
	sampleStart          time.Duration // guarded by adjustLock

	completionCount atomic.Int64

	// Times are offsets from epoch on the pool's clock
	priorAdjustTime atomic.Int64
	nextAdjustTime  atomic.Int64
	lastDequeueTime atomic.Int64
	cpuUtilization  atomic.Int32

	// Lifecycle management
	state       atomic.Int32 // PoolState
	lifecycleMu sync.RWMutex
	stopOnce    sync.Once
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	pending     pendingTracker

	workersMu    sync.Mutex
	workers      map[int]*worker
	nextWorkerID atomic.Int64

	limiter *catrate.Limiter

	// Metrics
	metrics poolMetrics

	// Latency tracking
	latencySum   atomic.Uint64
	latencyCount atomic.Uint64
	latencyMax   atomic.Uint64
}

// poolMetrics tracks pool-wide statistics
type poolMetrics struct {
	enqueued          atomic.Uint64
	completed         atomic.Uint64
	blockingCompleted atomic.Uint64
	failed            atomic.Uint64
	removed           atomic.Uint64
	dropped           atomic.Uint64
	spawned           atomic.Uint64
	retired           atomic.Uint64
	spawnFailures     atomic.Uint64
	starvationEvents  atomic.Uint64
}

// NewPool creates a new scheduler with the given options.
// It returns an error if the configuration is invalid.
//
// No worker exists until work arrives; workers are created on demand up to
// the goal and retire after IdleTimeout without work.
//
// Example:
//
//	pool, err := swarm.NewPool(
//	    swarm.WithMinThreads(2),
//	    swarm.WithMaxThreads(64),
//	)
func NewPool(opts ...Option) (*Pool, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.withDefaults()

	p := &Pool{
		config:  cfg,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		workers: make(map[int]*worker),
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 1,
			time.Minute: 10,
		}),
	}
	p.epoch = p.clock.Now()
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.pending.init()
	p.state.Store(int32(poolStateRunning))

	p.minThreads.Store(int32(cfg.MinThreads))
	p.maxThreads.Store(int32(cfg.MaxThreads))
	p.counts.store(makeCounts(0, 0, cfg.MinThreads))

	p.sem = newLifoSemaphore(0, cfg.SemaphoreSpinCount, p.clock)
	p.queue = newWorkQueue(p.RequestWorker)
	p.gate.init()

	if !cfg.DisableHillClimbing {
		hc, err := hillclimb.New(cfg.HillClimbing, climbEnv{p},
			hillclimb.WithClock(p.clock),
			hillclimb.WithLogger(p.logger),
		)
		if err != nil {
			return nil, &PoolError{msg: err.Error(), err: ErrInvalidConfig}
		}
		p.hc = hc
		p.nextAdjustTime.Store(int64(hc.SampleInterval()))
	}

	p.lastDequeueTime.Store(int64(p.now()))

	p.logger.Info().
		Int("min_threads", cfg.MinThreads).
		Int("max_threads", cfg.MaxThreads).
		Bool("hill_climbing", p.hc != nil).
		Bool("starvation_detection", !cfg.DisableStarvationDetection).
		Log("pool started")

	return p, nil
}

// Enqueue submits one work item. It never blocks and never fails for
// capacity reasons.
//
// The item goes to the calling worker's local queue when ctx is the
// context a work item of this pool received, the call is made from that
// work item's goroutine, and forceGlobal is false. Otherwise it goes to the
// global queue. The goroutine check relies on OS thread ids, available on
// Linux and Windows; elsewhere a work item context handed to another
// goroutine must not be passed to Enqueue.
//
// Returns ErrNilWorkItem if item is nil.
// Returns ErrPoolClosed once Shutdown has been called, except for work
// items queued by running work items during a graceful shutdown.
//
// Example:
//
//	err := pool.Enqueue(ctx, swarm.Func(func(ctx context.Context) {
//	    // Follow-up work lands on this worker's local queue.
//	    pool.Enqueue(ctx, next, false)
//	}), false)
func (p *Pool) Enqueue(ctx context.Context, item WorkItem, forceGlobal bool) error {
	if item == nil {
		return ErrNilWorkItem
	}

	scope := p.scopeOf(ctx)
	local := scope.ownedQueue()

	// Count the item before reading the state, so a graceful shutdown
	// either waits for it or rejects it. The read lock keeps stop from
	// draining the queues between the state check and the push.
	p.pending.add()
	p.lifecycleMu.RLock()
	state := p.loadState()
	if state == poolStateStopped || (state == poolStateDraining && scope == nil) {
		p.lifecycleMu.RUnlock()
		p.pending.done()
		return ErrPoolClosed
	}

	p.metrics.enqueued.Add(1)
	p.queue.push(local, &workEntry{item: item}, forceGlobal)
	p.lifecycleMu.RUnlock()

	// Requesting a worker may spawn one, which takes the lock again.
	p.queue.ensureThreadRequested()
	return nil
}

// Submit queues a plain function on the global queue.
//
// Example:
//
//	err := pool.Submit(func() {
//	    fmt.Println("Task executed")
//	})
func (p *Pool) Submit(task func()) error {
	if task == nil {
		return ErrNilWorkItem
	}
	return p.Enqueue(context.Background(), Func(func(context.Context) { task() }), true)
}

// TryRemove removes item from the calling worker's local queue if it has
// not started yet. It only finds items queued from the same work item
// context and only items whose type is comparable.
func (p *Pool) TryRemove(ctx context.Context, item WorkItem) bool {
	if !isComparable(item) {
		return false
	}

	local := p.localQueue(ctx)
	if local == nil || !local.localFindAndPop(item) {
		return false
	}

	p.metrics.removed.Add(1)
	p.pending.done()
	return true
}

// RequestWorker hints that at least one more dispatch attempt should occur.
// Enqueue calls it on its own; it is exported for callers that make work
// available through other means.
func (p *Pool) RequestWorker() {
	if p.loadState() == poolStateStopped {
		return
	}
	p.numRequestedWorkers.Add(1)
	p.maybeAddWorkingWorker()
	p.ensureGateRunning()
}

// takeActiveRequest claims one pending worker request.
func (p *Pool) takeActiveRequest() bool {
	for count := p.numRequestedWorkers.Load(); count > 0; count = p.numRequestedWorkers.Load() {
		if p.numRequestedWorkers.CompareAndSwap(count, count-1) {
			return true
		}
	}
	return false
}

// maybeAddWorkingWorker moves one more worker into processing if the goal
// allows it, creating a thread when no idle one exists, and wakes it.
func (p *Pool) maybeAddWorkingWorker() {
	counts := p.counts.load()
	var toCreate, toRelease int
	for {
		processing := counts.processing()
		newProcessing := max(processing, min(processing+1, counts.goal()))
		if newProcessing == processing {
			return
		}

		newExisting := max(counts.existing(), newProcessing)
		next := counts.withProcessing(newProcessing).withExisting(newExisting)
		if p.counts.cas(counts, next) {
			toCreate = newExisting - counts.existing()
			toRelease = newProcessing - processing
			break
		}
		counts = p.counts.load()
	}

	failed := 0
	for i := 0; i < toCreate; i++ {
		if err := p.spawnWorker(); err != nil {
			failed = toCreate - i
			if !errors.Is(err, ErrPoolClosed) {
				p.warning("spawn").
					Err(err).
					Int("failed", failed).
					Log("could not create worker thread")
			}
			break
		}
	}

	if failed > 0 {
		// Give back what was reserved for the threads that never started.
		// The goal is left alone so the next request retries.
		counts = p.counts.load()
		for {
			next := counts.
				withExisting(counts.existing() - failed).
				withProcessing(counts.processing() - failed)
			if p.counts.cas(counts, next) {
				break
			}
			counts = p.counts.load()
		}
		toRelease -= failed
	}

	p.sem.Release(toRelease)
}

// spawnWorker starts one worker thread through the configured Spawner.
func (p *Pool) spawnWorker() error {
	p.lifecycleMu.RLock()
	defer p.lifecycleMu.RUnlock()

	if p.loadState() == poolStateStopped {
		return ErrPoolClosed
	}

	w := newWorker(int(p.nextWorkerID.Add(1)), p)

	p.wg.Add(1)
	err := p.config.Spawner.Spawn(w.run, SpawnHints{
		Name:       fmt.Sprintf("swarm-worker-%d", w.id),
		Background: true,
	})
	if err != nil {
		p.wg.Done()
		p.metrics.spawnFailures.Add(1)
		return errSpawn(err)
	}

	p.metrics.spawned.Add(1)
	return nil
}

// removeWorkingWorker moves the calling worker out of processing.
func (p *Pool) removeWorkingWorker() {
	counts := p.counts.load()
	for counts.processing() > 0 {
		if p.counts.cas(counts, counts.withProcessing(counts.processing()-1)) {
			break
		}
		counts = p.counts.load()
	}

	// A request may have arrived after this worker decided to stop.
	if p.numRequestedWorkers.Load() > 0 {
		p.maybeAddWorkingWorker()
	}
}

// shouldStopProcessingWorkNow takes the calling worker out of processing
// when more workers are processing than the goal allows.
func (p *Pool) shouldStopProcessingWorkNow() bool {
	counts := p.counts.load()
	for counts.processing() > counts.goal() {
		if p.counts.cas(counts, counts.withProcessing(counts.processing()-1)) {
			return true
		}
		counts = p.counts.load()
	}
	return false
}

// notifyWorkItemComplete is called by a worker after every work item. It
// reports whether the worker should keep processing; on false the worker
// has already been taken out of processing.
func (p *Pool) notifyWorkItemComplete(elapsed time.Duration, wasBlocking bool) bool {
	p.recordLatency(elapsed)
	p.metrics.completed.Add(1)
	if wasBlocking {
		p.metrics.blockingCompleted.Add(1)
	}
	p.completionCount.Add(1)

	now := p.now()
	p.lastDequeueTime.Store(int64(now))

	if p.shouldAdjustMaxWorkersActive(now) && p.adjustLock.TryLock() {
		p.adjustMaxWorkersActive()
	}

	if p.loadState() == poolStateStopped {
		p.removeWorkingWorker()
		return false
	}

	return !p.shouldStopProcessingWorkNow()
}

// shouldAdjustMaxWorkersActive reports whether the current sample window
// has elapsed. After the controller lowered the goal it waits until the
// extra workers have stopped processing.
func (p *Pool) shouldAdjustMaxWorkersActive(now time.Duration) bool {
	if p.hc == nil {
		return false
	}

	prior := p.priorAdjustTime.Load()
	required := p.nextAdjustTime.Load() - prior
	if int64(now)-prior < required {
		return false
	}

	counts := p.counts.load()
	return counts.processing() <= counts.goal()
}

// adjustMaxWorkersActive runs one hill-climbing step. The caller holds
// adjustLock, which is released before any worker is added.
func (p *Pool) adjustMaxWorkersActive() {
	addWorker := false
	func() {
		defer p.adjustLock.Unlock()

		now := p.now()
		elapsed := now - p.sampleStart
		interval := time.Duration(p.nextAdjustTime.Load() - p.priorAdjustTime.Load())
		if elapsed < interval/2 {
			return
		}

		total := p.completionCount.Load()
		completions := int(total - p.priorCompletionCount)

		counts := p.counts.load()
		oldGoal := counts.goal()
		newGoal, interval := p.hc.Update(oldGoal, elapsed, completions)

		for newGoal != oldGoal {
			if p.counts.cas(counts, counts.withGoal(newGoal)) {
				addWorker = newGoal > oldGoal
				break
			}
			counts = p.counts.load()
			if counts.goal() != oldGoal {
				// The gate or a bound change moved the goal, leave it.
				break
			}
		}

		p.priorCompletionCount = total
		p.nextAdjustTime.Store(int64(now + interval))
		p.priorAdjustTime.Store(int64(now))
		p.sampleStart = now
	}()

	if addWorker {
		p.maybeAddWorkingWorker()
	}
}

// SetMinThreads sets the lower bound of the goal. It fails if n is
// negative or greater than the current maximum. Zero is treated as one.
// Raising the minimum above the goal raises the goal with it.
func (p *Pool) SetMinThreads(n int) error {
	addWorker := false
	err := func() error {
		p.adjustLock.Lock()
		defer p.adjustLock.Unlock()

		maxThreads := int(p.maxThreads.Load())
		if n < 0 || n > maxThreads {
			return errThreadBounds("min threads %d outside [0, %d]", n, maxThreads)
		}

		n = max(n, 1)
		p.minThreads.Store(int32(n))

		counts := p.counts.load()
		for counts.goal() < n {
			if p.counts.cas(counts, counts.withGoal(n)) {
				if p.hc != nil {
					p.hc.ForceChange(n, hillclimb.Initializing)
				}
				addWorker = p.numRequestedWorkers.Load() > 0
				break
			}
			counts = p.counts.load()
		}
		return nil
	}()

	if addWorker {
		p.maybeAddWorkingWorker()
	}
	return err
}

// SetMaxThreads sets the upper bound on worker threads. It fails if n is
// zero or less than the current minimum; values above MaxThreadsLimit are
// clamped. Lowering the maximum below the goal lowers the goal with it.
// Surplus idle workers are woken to retire, busy ones retire as they
// finish their current work.
func (p *Pool) SetMaxThreads(n int) error {
	p.adjustLock.Lock()
	defer p.adjustLock.Unlock()

	minThreads := int(p.minThreads.Load())
	if n <= 0 || n < minThreads {
		return errThreadBounds("max threads %d below min threads %d", n, minThreads)
	}

	n = min(n, MaxThreadsLimit)
	p.maxThreads.Store(int32(n))

	counts := p.counts.load()
	for counts.goal() > n {
		if p.counts.cas(counts, counts.withGoal(n)) {
			if p.hc != nil {
				p.hc.ForceChange(n, hillclimb.Initializing)
			}
			break
		}
		counts = p.counts.load()
	}

	p.trimIdleWorkers()
	return nil
}

// trimIdleWorkers wakes as many idle workers as there are threads above
// the maximum. A worker that takes a trim wake retires if it is still
// surplus and goes back to waiting otherwise.
func (p *Pool) trimIdleWorkers() {
	counts := p.counts.load()
	surplus := counts.existing() - int(p.maxThreads.Load())
	idle := counts.existing() - counts.processing()
	n := min(surplus, idle, p.sem.waiters()) - int(p.trimRequests.Load())
	if n <= 0 {
		return
	}
	p.trimRequests.Add(int32(n))
	p.sem.Release(n)
}

// takeTrimRequest claims one pending trim wake.
func (p *Pool) takeTrimRequest() bool {
	for count := p.trimRequests.Load(); count > 0; count = p.trimRequests.Load() {
		if p.trimRequests.CompareAndSwap(count, count-1) {
			return true
		}
	}
	return false
}

// GetMinThreads returns the lower bound of the goal.
func (p *Pool) GetMinThreads() int {
	return int(p.minThreads.Load())
}

// GetMaxThreads returns the upper bound on worker threads.
func (p *Pool) GetMaxThreads() int {
	return int(p.maxThreads.Load())
}

// GetAvailableThreads returns the maximum minus the workers currently
// processing. It is an estimate, not a reservation.
func (p *Pool) GetAvailableThreads() int {
	return max(0, int(p.maxThreads.Load())-p.counts.load().processing())
}

// ThreadCount returns the number of live worker threads.
func (p *Pool) ThreadCount() int {
	return p.counts.load().existing()
}

// PendingWorkItemCount returns the number of queued work items that have
// not started.
func (p *Pool) PendingWorkItemCount() int {
	return p.queue.pending()
}

// CompletedWorkItemCount returns the number of work items executed.
func (p *Pool) CompletedWorkItemCount() uint64 {
	return p.metrics.completed.Load()
}

// Wait blocks until all queued work items have completed.
// It does not shut down the pool - the pool remains available for new work.
//
// Example:
//
//	pool.Submit(task1)
//	pool.Submit(task2)
//	pool.Wait() // Blocks until task1 and task2 complete
func (p *Pool) Wait() {
	p.pending.wait()
}

// Shutdown stops the pool. If graceful is true, it waits for all queued
// work, including work queued by running items, to complete. If false, it
// stops after the items currently executing finish, and queued items are
// dropped.
//
// Multiple calls to Shutdown are safe; a non-graceful call may cut short a
// graceful one in progress.
//
// Example:
//
//	pool.Shutdown(true)  // Wait for all work
//	pool.Shutdown(false) // Stop after in-flight work
func (p *Pool) Shutdown(graceful bool) {
	if graceful {
		if !p.state.CompareAndSwap(int32(poolStateRunning), int32(poolStateDraining)) {
			return
		}
		p.logger.Info().Log("pool draining")
		p.pending.wait()
	}
	p.stop()
}

// stop releases every worker and waits for them to exit.
func (p *Pool) stop() {
	p.stopOnce.Do(func() {
		p.lifecycleMu.Lock()
		p.state.Store(int32(poolStateStopped))
		p.lifecycleMu.Unlock()

		p.cancel()
		p.stopGate()

		// Every worker takes one count and exits.
		p.sem.Release(p.counts.load().existing())
		p.wg.Wait()

		dropped := p.queue.drainGlobal(func(*workEntry) {
			p.pending.done()
		})
		p.metrics.dropped.Add(uint64(dropped))

		p.logger.Info().
			Int("dropped", dropped).
			Uint64("completed", p.metrics.completed.Load()).
			Log("pool stopped")
	})
}

// IsShutdown returns true once Shutdown has been called.
//
// Example:
//
//	if pool.IsShutdown() {
//	    fmt.Println("Pool is no longer accepting work")
//	}
func (p *Pool) IsShutdown() bool {
	return p.loadState() != poolStateRunning
}

func (p *Pool) loadState() PoolState {
	return PoolState(p.state.Load())
}

// now returns the time elapsed since the pool was created.
func (p *Pool) now() time.Duration {
	return p.clock.Since(p.epoch)
}

// scopeOf returns the worker scope carried by ctx if it belongs to p.
func (p *Pool) scopeOf(ctx context.Context) *workerScope {
	if ctx == nil {
		return nil
	}
	s, ok := ctx.Value(scopeKey{}).(*workerScope)
	if !ok || s.pool != p {
		return nil
	}
	return s
}

// warning returns a warning builder, or nil while category is rate limited.
func (p *Pool) warning(category string) *logiface.Builder[logiface.Event] {
	if _, ok := p.limiter.Allow(category); !ok {
		return nil
	}
	return p.logger.Warning()
}

// recordLatency records work item execution latency
func (p *Pool) recordLatency(duration time.Duration) {
	micros := uint64(max(duration.Microseconds(), 0))

	p.latencySum.Add(micros)
	p.latencyCount.Add(1)

	for {
		current := p.latencyMax.Load()
		if micros <= current {
			break
		}
		if p.latencyMax.CompareAndSwap(current, micros) {
			break
		}
	}
}

// climbEnv exposes the pool's bounds and CPU samples to the controller.
type climbEnv struct {
	p *Pool
}

func (e climbEnv) ThreadLimits() (int, int) {
	return int(e.p.minThreads.Load()), int(e.p.maxThreads.Load())
}

func (e climbEnv) CPUUtilization() int {
	return int(e.p.cpuUtilization.Load())
}

// pendingTracker counts queued and running work items. Unlike a WaitGroup
// it allows the count to rise from zero while a waiter is blocked.
type pendingTracker struct {
	n    atomic.Int64
	mu   sync.Mutex
	cond *sync.Cond
}

func (t *pendingTracker) init() {
	t.cond = sync.NewCond(&t.mu)
}

func (t *pendingTracker) add() {
	t.n.Add(1)
}

func (t *pendingTracker) done() {
	if t.n.Add(-1) == 0 {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	}
}

func (t *pendingTracker) wait() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.n.Load() != 0 {
		t.cond.Wait()
	}
}
