// Package swarm provides an adaptive work-stealing scheduler for Go.
//
// Swarm runs short work items on a dynamically sized set of worker threads.
// It is designed for workloads that mix computation with blocking calls, where a
// fixed number of workers either wastes cores or starves queued work. The pool
// grows and shrinks its thread count from observed throughput, rescues queued
// work that nobody picks up, and hands idle threads back after a timeout.
//
// # Key Features
//
//   - Global FIFO queue for work queued from outside the pool
//   - Per-worker LIFO local queues with FIFO stealing between workers
//   - Thread counts packed into one word and updated by compare-and-swap
//   - LIFO semaphore that wakes the most recently idled worker first
//   - Hill-climbing controller that tunes the thread goal for throughput
//   - Starvation gate that raises the goal when queued work stops moving
//   - Idle workers retire after a timeout; new ones are created on demand
//   - Structured logging through logiface and rate-limited warnings
//   - Graceful and immediate shutdown modes
//
// # Quick Start
//
// Basic usage with default configuration:
//
//	pool, err := swarm.NewPool()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer pool.Shutdown(true)
//
//	for i := 0; i < 100; i++ {
//	    err := pool.Submit(func() {
//	        fmt.Printf("Task %d executed\n", i)
//	    })
//	    if err != nil {
//	        log.Printf("Failed to submit task: %v", err)
//	    }
//	}
//
//	// Wait for all tasks to complete
//	pool.Wait()
//
// # Work Items and Local Queues
//
// A WorkItem receives a context that identifies the worker running it. Work
// queued with that context lands on the worker's own local queue, where it is
// executed newest first and can be stolen, oldest first, by idle workers:
//
//	pool.Enqueue(ctx, swarm.Func(func(ctx context.Context) {
//	    left, right := split(data)
//	    pool.Enqueue(ctx, sortItem(left), false)  // local queue
//	    pool.Enqueue(ctx, sortItem(right), false) // local queue
//	}), false)
//
// Passing forceGlobal=true, or a context that does not belong to a worker of the
// pool, queues on the global queue instead. A work item that has not started can
// be taken back from the local queue with TryRemove, provided its type is
// comparable.
//
// # Configuration
//
// Customize the pool using functional options:
//
//	pool, err := swarm.NewPool(
//	    swarm.WithMinThreads(4),
//	    swarm.WithMaxThreads(256),
//	    swarm.WithIdleTimeout(10*time.Second),
//	    swarm.WithGateInterval(250*time.Millisecond),
//	    swarm.WithLogger(logger),
//	)
//
// The thread bounds can also be changed while the pool runs with SetMinThreads
// and SetMaxThreads. Raising the minimum raises the goal immediately; lowering
// the maximum lowers the goal and surplus workers stop after their current item.
//
// # Thread Management
//
// The pool tracks three counts: existing threads, threads processing work, and
// the goal. Queuing work requests a worker; a request is served by waking an idle
// worker or creating a thread while the processing count is below the goal.
//
// The goal is moved by three parties:
//
// The hill climber samples completions per interval and superimposes a square
// wave on the goal. A Goertzel filter at the wave frequency measures how strongly
// throughput follows the wave, and the goal moves toward higher throughput. It is
// disabled with WithoutHillClimbing.
//
// The starvation gate polls every GateInterval while requests are pending. If no
// work was dequeued for long enough, it raises the goal to one above the live
// threads. With idle cores the threshold is one interval; on a busy machine it
// grows with the goal.
//
// Retiring workers lower the goal with them, never below the minimum.
//
// # Error Handling
//
// Enqueue fails only for a nil item or a closed pool. A work item that panics is
// logged at the emergency level and passed to the FailFast hook, whose default
// re-panics and terminates the process:
//
//	pool, _ := swarm.NewPool(
//	    swarm.WithFailFast(func(pe *swarm.PanicError) {
//	        log.Printf("work item panicked: %v\n%s", pe.Value, pe.Stack)
//	    }),
//	)
//
// # Monitoring and Statistics
//
// Get runtime statistics:
//
//	stats := pool.Stats()
//	fmt.Printf("Threads: %d (goal %d)\n", stats.Threads, stats.Goal)
//	fmt.Printf("Completed: %d\n", stats.Completed)
//	fmt.Printf("Starvation events: %d\n", stats.StarvationEvents)
//
// Package metrics exports the same statistics to Prometheus.
//
// # Shutdown
//
// Graceful shutdown waits for all queued work, including work queued by running
// items, to complete:
//
//	pool.Shutdown(true)
//
// Immediate shutdown cancels the context passed to running items, waits for them
// to return, and drops queued work:
//
//	pool.Shutdown(false)
//
// After Shutdown, Enqueue and Submit return ErrPoolClosed.
//
// # Thread Safety
//
// All Pool methods are safe for concurrent use.
package swarm
