package swarm

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tahsin716/swarm/cpuutil"
	"github.com/tahsin716/swarm/hillclimb"
)

const testTimeout = 10 * time.Second

func newTestPool(t *testing.T, opts ...Option) *Pool {
	t.Helper()
	p, err := NewPool(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { p.Shutdown(false) })
	return p
}

// singleThreadPool has exactly one worker, so execution order is observable.
func singleThreadPool(t *testing.T, opts ...Option) *Pool {
	return newTestPool(t, append([]Option{
		WithMinThreads(1),
		WithMaxThreads(1),
		WithoutHillClimbing(),
		WithStarvationDetection(false),
	}, opts...)...)
}

// recorder collects the order in which work items ran.
type recorder struct {
	mu  sync.Mutex
	ids []int
}

func (r *recorder) add(id int) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

func (r *recorder) get() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.ids...)
}

// recordItem is a comparable work item that records its id.
type recordItem struct {
	id  int
	rec *recorder
}

func (i recordItem) Execute(context.Context) { i.rec.add(i.id) }

// blockingItem reports itself as blocking.
type blockingItem struct{ done *atomic.Int32 }

func (i blockingItem) Execute(context.Context) {
	time.Sleep(time.Millisecond)
	i.done.Add(1)
}

func (blockingItem) IsBlocking() bool { return true }

func waitPool(t *testing.T, p *Pool) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatalf("pool did not finish its work: %+v", p.Stats())
	}
}

// ============================================================================
// Pool Creation Tests
// ============================================================================

func TestNewPool_DefaultConfig(t *testing.T) {
	p := newTestPool(t)

	assert.Equal(t, min(runtime.GOMAXPROCS(0), DefaultMaxThreads), p.GetMinThreads())
	assert.Equal(t, DefaultMaxThreads, p.GetMaxThreads())
	assert.Equal(t, 0, p.ThreadCount(), "workers are created on demand")
	assert.False(t, p.IsShutdown())
}

func TestNewPool_MinThreadsCappedByMax(t *testing.T) {
	p := newTestPool(t, WithMaxThreads(1))

	assert.Equal(t, 1, p.GetMinThreads())
	assert.Equal(t, 1, p.Stats().Goal)
}

func TestNewPool_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{
			name: "min above max",
			opts: []Option{WithMinThreads(8), WithMaxThreads(4)},
		},
		{
			name: "max above limit",
			opts: []Option{WithMaxThreads(MaxThreadsLimit + 1)},
		},
		{
			name: "bad hill climbing config",
			opts: []Option{WithHillClimbing(hillclimb.Config{})},
		},
		{
			name: "zero gate polls",
			opts: []Option{func(c *Config) { c.GateIdlePolls = 0 }},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPool(tt.opts...)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

// ============================================================================
// Execution Tests
// ============================================================================

func TestPool_ExecutesEveryItemOnce(t *testing.T) {
	p := newTestPool(t, WithMaxThreads(8))

	const (
		producers   = 4
		perProducer = 2500
		total       = producers * perProducer
	)
	seen := make([]atomic.Int32, total)

	var g errgroup.Group
	for w := 0; w < producers; w++ {
		g.Go(func() error {
			for i := 0; i < perProducer; i++ {
				id := w*perProducer + i
				if err := p.Submit(func() { seen[id].Add(1) }); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	waitPool(t, p)

	for id := range seen {
		if n := seen[id].Load(); n != 1 {
			t.Errorf("Item %d executed %d times (expected 1)", id, n)
		}
	}

	stats := p.Stats()
	assert.EqualValues(t, total, stats.Enqueued)
	assert.EqualValues(t, total, stats.Completed)
	assert.EqualValues(t, total, p.CompletedWorkItemCount())
	assert.Equal(t, 0, p.PendingWorkItemCount())
}

func TestPool_LocalQueueIsLIFO(t *testing.T) {
	p := singleThreadPool(t)
	rec := &recorder{}

	err := p.Enqueue(context.Background(), Func(func(ctx context.Context) {
		// A, B, C
		for id := 1; id <= 3; id++ {
			assert.NoError(t, p.Enqueue(ctx, recordItem{id: id, rec: rec}, false))
		}
	}), false)
	require.NoError(t, err)
	waitPool(t, p)

	assert.Equal(t, []int{3, 2, 1}, rec.get())
}

func TestPool_ContextOnAnotherGoroutineUsesGlobalQueue(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "windows" {
		t.Skip("OS thread ids are not available on " + runtime.GOOS)
	}
	p := singleThreadPool(t)
	rec := &recorder{}

	err := p.Enqueue(context.Background(), Func(func(ctx context.Context) {
		done := make(chan struct{})
		go func() {
			defer close(done)
			for id := 1; id <= 3; id++ {
				assert.NoError(t, p.Enqueue(ctx, recordItem{id: id, rec: rec}, false))
			}
		}()
		<-done
	}), false)
	require.NoError(t, err)
	waitPool(t, p)

	assert.Equal(t, []int{1, 2, 3}, rec.get(), "a foreign goroutine must not push to the local queue")
}

func TestPool_ForceGlobalIsFIFO(t *testing.T) {
	p := singleThreadPool(t)
	rec := &recorder{}

	err := p.Enqueue(context.Background(), Func(func(ctx context.Context) {
		for id := 1; id <= 3; id++ {
			assert.NoError(t, p.Enqueue(ctx, recordItem{id: id, rec: rec}, true))
		}
	}), false)
	require.NoError(t, err)
	waitPool(t, p)

	assert.Equal(t, []int{1, 2, 3}, rec.get())
}

func TestPool_TryRemove(t *testing.T) {
	p := singleThreadPool(t)
	rec := &recorder{}
	results := make(chan []bool, 1)

	err := p.Enqueue(context.Background(), Func(func(ctx context.Context) {
		items := []recordItem{{1, rec}, {2, rec}, {3, rec}}
		for _, item := range items {
			assert.NoError(t, p.Enqueue(ctx, item, false))
		}
		results <- []bool{
			p.TryRemove(ctx, items[1]),
			p.TryRemove(ctx, items[1]),
			p.TryRemove(context.Background(), items[0]),
			p.TryRemove(ctx, Func(func(context.Context) {})),
		}
	}), false)
	require.NoError(t, err)
	waitPool(t, p)

	assert.Equal(t, []bool{true, false, false, false}, <-results)
	assert.Equal(t, []int{3, 1}, rec.get())
	assert.EqualValues(t, 1, p.Stats().Removed)
}

func TestPool_BlockingHintIsCounted(t *testing.T) {
	p := newTestPool(t, WithMaxThreads(2))
	var done atomic.Int32

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Enqueue(context.Background(), blockingItem{&done}, false))
	}
	require.NoError(t, p.Submit(func() {}))
	waitPool(t, p)

	stats := p.Stats()
	assert.EqualValues(t, 5, done.Load())
	assert.EqualValues(t, 5, stats.BlockingCompleted)
	assert.EqualValues(t, 6, stats.Completed)
}

// ============================================================================
// Thread Management Tests
// ============================================================================

func TestPool_GrowsToMinAndRetiresWhenIdle(t *testing.T) {
	p := newTestPool(t,
		WithMinThreads(1),
		WithMaxThreads(4),
		WithIdleTimeout(20*time.Millisecond),
		WithoutHillClimbing(),
		WithStarvationDetection(false),
	)
	require.NoError(t, p.SetMinThreads(4))

	var running atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Submit(func() {
			running.Add(1)
			<-release
		}))
	}

	require.Eventually(t, func() bool { return running.Load() == 4 },
		testTimeout, time.Millisecond, "four items should run concurrently")
	assert.Equal(t, 4, p.ThreadCount())

	// Lowering the minimum keeps the goal until workers retire.
	require.NoError(t, p.SetMinThreads(1))
	assert.Equal(t, 4, p.Stats().Goal)

	close(release)
	waitPool(t, p)
	require.Eventually(t, func() bool { return p.ThreadCount() == 0 },
		testTimeout, 5*time.Millisecond, "idle workers should retire")

	stats := p.Stats()
	assert.GreaterOrEqual(t, stats.Spawned, uint64(4))
	assert.Equal(t, stats.Spawned, stats.Retired)
	assert.Equal(t, 1, stats.Goal, "retirement lowers the goal to the minimum")
}

func TestPool_StarvationRaisesGoal(t *testing.T) {
	p := newTestPool(t,
		WithMinThreads(1),
		WithMaxThreads(4),
		WithoutHillClimbing(),
		WithCPUReader(cpuutil.Fixed(0)),
		WithGateInterval(10*time.Millisecond),
	)

	var running atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Submit(func() {
			running.Add(1)
			<-release
		}))
	}

	require.Eventually(t, func() bool { return running.Load() == 4 },
		testTimeout, time.Millisecond, "the gate should add workers for blocked work")
	close(release)
	waitPool(t, p)

	stats := p.Stats()
	assert.Equal(t, 4, stats.Goal)
	assert.GreaterOrEqual(t, stats.StarvationEvents, uint64(3))
	assert.LessOrEqual(t, stats.Threads, 4)
}

func TestPool_SufficientDelaySinceLastDequeue(t *testing.T) {
	mock := clock.NewMock()
	p := newTestPool(t,
		WithClock(mock),
		WithMinThreads(2),
		WithMaxThreads(4),
		WithGateInterval(100*time.Millisecond),
		WithDequeueDelayThreshold(time.Second),
	)

	// Idle cores: one gate interval is enough.
	p.cpuUtilization.Store(0)
	mock.Add(50 * time.Millisecond)
	assert.False(t, p.sufficientDelaySinceLastDequeue())
	mock.Add(60 * time.Millisecond)
	assert.True(t, p.sufficientDelaySinceLastDequeue())

	// Busy cores: goal times the per-thread threshold.
	p.cpuUtilization.Store(95)
	assert.False(t, p.sufficientDelaySinceLastDequeue())
	mock.Add(2 * time.Second)
	assert.True(t, p.sufficientDelaySinceLastDequeue())
}

func TestPool_SetThreadBounds(t *testing.T) {
	p := newTestPool(t, WithMinThreads(2), WithMaxThreads(8))

	assert.ErrorIs(t, p.SetMinThreads(-1), ErrInvalidThreadBounds)
	assert.ErrorIs(t, p.SetMinThreads(9), ErrInvalidThreadBounds)

	require.NoError(t, p.SetMinThreads(0))
	assert.Equal(t, 1, p.GetMinThreads(), "zero is treated as one")

	require.NoError(t, p.SetMinThreads(4))
	assert.Equal(t, 4, p.Stats().Goal, "raising the minimum raises the goal")

	assert.ErrorIs(t, p.SetMaxThreads(3), ErrInvalidThreadBounds)
	assert.ErrorIs(t, p.SetMaxThreads(0), ErrInvalidThreadBounds)

	require.NoError(t, p.SetMinThreads(2))
	assert.Equal(t, 4, p.Stats().Goal, "lowering the minimum keeps the goal")

	require.NoError(t, p.SetMaxThreads(3))
	assert.Equal(t, 3, p.Stats().Goal, "lowering the maximum lowers the goal")

	require.NoError(t, p.SetMaxThreads(MaxThreadsLimit+5))
	assert.Equal(t, MaxThreadsLimit, p.GetMaxThreads())
	assert.Equal(t, MaxThreadsLimit, p.GetAvailableThreads())
}

func TestPool_SpawnFailureKeepsCountsConsistent(t *testing.T) {
	var failures atomic.Int32
	spawner := SpawnerFunc(func(entry func(), hints SpawnHints) error {
		if hints.Name != "swarm-gate" && failures.Add(1) <= 3 {
			return errors.New("out of threads")
		}
		go entry()
		return nil
	})

	p := newTestPool(t,
		WithMaxThreads(2),
		WithSpawner(spawner),
		WithGateInterval(5*time.Millisecond),
	)

	var done atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(func() { done.Add(1) }))
	}
	waitPool(t, p)
	assert.EqualValues(t, 10, done.Load())

	assert.GreaterOrEqual(t, p.Stats().SpawnFailures, uint64(1))

	// Failed spawns must not leave phantom workers.
	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.Processing <= s.Threads && uint64(s.Threads) == s.Spawned-s.Retired
	}, testTimeout, time.Millisecond)
}

func TestPool_LoweringMaxRetiresSurplusWorkers(t *testing.T) {
	p := newTestPool(t,
		WithMinThreads(1),
		WithMaxThreads(6),
		WithIdleTimeout(time.Hour),
		WithoutHillClimbing(),
		WithStarvationDetection(false),
	)

	grow := func() chan struct{} {
		t.Helper()
		require.NoError(t, p.SetMaxThreads(6))
		require.NoError(t, p.SetMinThreads(6))

		var running atomic.Int32
		release := make(chan struct{})
		for i := 0; i < 6; i++ {
			require.NoError(t, p.Submit(func() {
				running.Add(1)
				<-release
			}))
		}
		require.Eventually(t, func() bool { return running.Load() == 6 },
			testTimeout, time.Millisecond, "six items should run concurrently")
		require.Equal(t, 6, p.ThreadCount())
		return release
	}

	// Idle workers are woken to retire; the idle timeout is far away.
	release := grow()
	close(release)
	waitPool(t, p)
	require.Eventually(t, func() bool { return p.Stats().Idle == 6 },
		testTimeout, time.Millisecond, "all workers should park")

	require.NoError(t, p.SetMinThreads(1))
	require.NoError(t, p.SetMaxThreads(2))
	require.Eventually(t, func() bool { return p.ThreadCount() == 2 },
		testTimeout, time.Millisecond, "idle surplus workers should retire")

	// Busy workers retire as they finish.
	release = grow()
	require.NoError(t, p.SetMinThreads(1))
	require.NoError(t, p.SetMaxThreads(2))
	close(release)
	waitPool(t, p)
	require.Eventually(t, func() bool { return p.ThreadCount() <= 2 },
		testTimeout, time.Millisecond, "busy surplus workers should retire")

	stats := p.Stats()
	assert.Equal(t, 2, stats.Goal)
	assert.Equal(t, uint64(stats.Threads), stats.Spawned-stats.Retired)
}

// workerIDOf returns the id of the worker a work item context belongs to.
func workerIDOf(ctx context.Context) int {
	return ctx.Value(scopeKey{}).(*workerScope).worker.id
}

func TestPool_IdleWorkersStealFromBlockedWorker(t *testing.T) {
	const items = 1000
	p := newTestPool(t,
		WithMinThreads(5),
		WithMaxThreads(5),
		WithoutHillClimbing(),
		WithStarvationDetection(false),
	)

	var executed atomic.Int32
	allDone := make(chan struct{})
	var mu sync.Mutex
	ranOn := make(map[int]int)

	child := Func(func(ctx context.Context) {
		mu.Lock()
		ranOn[workerIDOf(ctx)]++
		mu.Unlock()
		if executed.Add(1) == items {
			close(allDone)
		}
	})

	var owner int
	require.NoError(t, p.Enqueue(context.Background(), Func(func(ctx context.Context) {
		owner = workerIDOf(ctx)
		for i := 0; i < items; i++ {
			assert.NoError(t, p.Enqueue(ctx, child, false))
		}
		// The owner never returns to its queue; only thieves can drain it.
		select {
		case <-allDone:
		case <-time.After(testTimeout):
			t.Error("blocked worker's local queue was not drained")
		}
	}), true))

	waitPool(t, p)
	assert.EqualValues(t, items, executed.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, ranOn, owner)
	assert.NotEmpty(t, ranOn)
}

func TestPool_HillClimbingWaitsForSampleInterval(t *testing.T) {
	mock := clock.NewMock()
	p := newTestPool(t,
		WithClock(mock),
		WithMinThreads(1),
		WithMaxThreads(1),
		WithStarvationDetection(false),
	)
	require.NotNil(t, p.hc)

	interval := time.Duration(p.nextAdjustTime.Load() - p.priorAdjustTime.Load())
	assert.Equal(t, p.hc.SampleInterval(), interval)
	assert.GreaterOrEqual(t, interval, p.config.HillClimbing.SampleIntervalLow)

	require.NoError(t, p.Submit(func() {}))
	waitPool(t, p)
	assert.Zero(t, p.priorAdjustTime.Load(), "no adjustment inside the first window")

	mock.Add(interval)
	require.Eventually(t, func() bool {
		assert.NoError(t, p.Submit(func() {}))
		return p.priorAdjustTime.Load() == int64(interval)
	}, testTimeout, time.Millisecond, "a completion after the window should adjust")
}

// ============================================================================
// Invariant Tests
// ============================================================================

func TestPool_CountInvariantsUnderLoad(t *testing.T) {
	p := newTestPool(t,
		WithMinThreads(2),
		WithMaxThreads(6),
		WithIdleTimeout(10*time.Millisecond),
		WithGateInterval(5*time.Millisecond),
	)

	stop := make(chan struct{})
	violations := make(chan string, 1)
	var sampler sync.WaitGroup
	sampler.Add(1)
	go func() {
		defer sampler.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			c := p.counts.load()
			switch {
			case c.processing() > c.existing():
				violations <- "processing > existing: " + c.String()
				return
			case c.goal() < p.GetMinThreads() || c.goal() > p.GetMaxThreads():
				violations <- "goal out of bounds: " + c.String()
				return
			case c.existing() > p.GetMaxThreads():
				violations <- "existing > max: " + c.String()
				return
			}
			runtime.Gosched()
		}
	}()

	for round := 0; round < 5; round++ {
		for i := 0; i < 200; i++ {
			d := time.Duration(i%3) * 100 * time.Microsecond
			require.NoError(t, p.Submit(func() { time.Sleep(d) }))
		}
		waitPool(t, p)
		time.Sleep(15 * time.Millisecond)
	}

	close(stop)
	sampler.Wait()
	select {
	case v := <-violations:
		t.Fatal(v)
	default:
	}
	assert.EqualValues(t, 1000, p.CompletedWorkItemCount())
}

// ============================================================================
// Panic Handling Tests
// ============================================================================

func TestPool_FailFastReceivesPanic(t *testing.T) {
	panics := make(chan *PanicError, 1)
	p := newTestPool(t, WithFailFast(func(pe *PanicError) { panics <- pe }))

	require.NoError(t, p.Submit(func() { panic("boom") }))

	select {
	case pe := <-panics:
		assert.Equal(t, "boom", pe.Value)
		assert.NotEmpty(t, pe.Stack)
		assert.Contains(t, pe.Error(), "boom")
	case <-time.After(testTimeout):
		t.Fatal("FailFast was not called")
	}

	// The handler returned, so the pool carries on.
	var ran atomic.Bool
	require.NoError(t, p.Submit(func() { ran.Store(true) }))
	waitPool(t, p)
	assert.True(t, ran.Load())

	stats := p.Stats()
	assert.EqualValues(t, 1, stats.Failed)
	assert.EqualValues(t, 2, stats.Completed)
}

func TestPanicError_UnwrapsErrorValue(t *testing.T) {
	cause := errors.New("cause")
	pe := &PanicError{Value: cause}
	assert.ErrorIs(t, pe, cause)

	assert.NoError(t, (&PanicError{Value: "text"}).Unwrap())
}

// ============================================================================
// Shutdown Tests
// ============================================================================

func TestPool_ShutdownGraceful(t *testing.T) {
	p := newTestPool(t, WithMaxThreads(4))

	var parents, children atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Enqueue(context.Background(), Func(func(ctx context.Context) {
			<-release
			parents.Add(1)
			// Running items may still queue follow-up work while draining.
			err := p.Enqueue(ctx, Func(func(context.Context) { children.Add(1) }), false)
			assert.NoError(t, err)
		}), false))
	}

	shutdown := make(chan struct{})
	go func() {
		p.Shutdown(true)
		close(shutdown)
	}()

	require.Eventually(t, p.IsShutdown, testTimeout, time.Millisecond)
	assert.ErrorIs(t, p.Submit(func() {}), ErrPoolClosed)

	close(release)
	select {
	case <-shutdown:
	case <-time.After(testTimeout):
		t.Fatal("graceful shutdown did not complete")
	}

	assert.EqualValues(t, 4, parents.Load())
	assert.EqualValues(t, 4, children.Load())
	assert.EqualValues(t, 0, p.Stats().Dropped)
	assert.Equal(t, 0, p.ThreadCount())
}

func TestPool_ShutdownImmediateDropsQueued(t *testing.T) {
	p := singleThreadPool(t)

	started := make(chan struct{})
	require.NoError(t, p.Enqueue(context.Background(), Func(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}), true))

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(func() { ran.Add(1) }))
	}
	<-started

	p.Shutdown(false)
	waitPool(t, p)

	stats := p.Stats()
	assert.EqualValues(t, 0, ran.Load())
	assert.EqualValues(t, 10, stats.Dropped)
	assert.EqualValues(t, 1, stats.Completed)
	assert.Equal(t, 0, p.ThreadCount())
}

func TestPool_ShutdownIsIdempotent(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, p.Submit(func() {}))

	p.Shutdown(true)
	p.Shutdown(true)
	p.Shutdown(false)

	assert.True(t, p.IsShutdown())
	assert.ErrorIs(t, p.Submit(func() {}), ErrPoolClosed)
}

func TestPool_EnqueueErrors(t *testing.T) {
	p := newTestPool(t)

	assert.ErrorIs(t, p.Enqueue(context.Background(), nil, false), ErrNilWorkItem)
	assert.ErrorIs(t, p.Submit(nil), ErrNilWorkItem)
	assert.EqualValues(t, 0, p.Stats().Enqueued)
}

// pausingContext blocks its first Value lookup until released, holding an
// Enqueue call in flight.
type pausingContext struct {
	context.Context
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *pausingContext) Value(key any) any {
	c.once.Do(func() {
		close(c.entered)
		<-c.release
	})
	return c.Context.Value(key)
}

func TestPool_EnqueueInFlightDuringShutdownIsRejected(t *testing.T) {
	p := singleThreadPool(t)

	ctx := &pausingContext{
		Context: context.Background(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	var ran atomic.Bool
	errc := make(chan error, 1)
	go func() {
		errc <- p.Enqueue(ctx, Func(func(context.Context) { ran.Store(true) }), false)
	}()

	<-ctx.entered
	p.Shutdown(false)
	close(ctx.release)

	assert.ErrorIs(t, <-errc, ErrPoolClosed)
	waitPool(t, p)

	stats := p.Stats()
	assert.False(t, ran.Load())
	assert.Zero(t, stats.Enqueued)
	assert.Zero(t, stats.Dropped)
}

func TestPool_EnqueueRacingShutdownLosesNothing(t *testing.T) {
	for round := 0; round < 20; round++ {
		p, err := NewPool(
			WithMinThreads(2),
			WithMaxThreads(4),
			WithoutHillClimbing(),
			WithStarvationDetection(false),
		)
		require.NoError(t, err)

		var accepted, ran atomic.Int64
		var g errgroup.Group
		for s := 0; s < 4; s++ {
			g.Go(func() error {
				for i := 0; i < 500; i++ {
					if err := p.Submit(func() { ran.Add(1) }); err != nil {
						if errors.Is(err, ErrPoolClosed) {
							return nil
						}
						return err
					}
					accepted.Add(1)
				}
				return nil
			})
		}

		p.Shutdown(false)
		require.NoError(t, g.Wait())
		waitPool(t, p)

		// Every accepted item either ran or was counted as dropped.
		stats := p.Stats()
		assert.Equal(t, accepted.Load(), ran.Load()+int64(stats.Dropped), "round %d", round)
		assert.Equal(t, uint64(accepted.Load()), stats.Enqueued, "round %d", round)
	}
}

// ============================================================================
// Logging Tests
// ============================================================================

// syncBuffer is a log sink shared by concurrently logging workers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPool_LogsLifecycle(t *testing.T) {
	var out syncBuffer
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&out)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()

	p := newTestPool(t, WithLogger(logger), WithMaxThreads(1))
	require.NoError(t, p.Submit(func() {}))
	p.Shutdown(true)

	logs := out.String()
	assert.Contains(t, logs, `"msg":"pool started"`)
	assert.Contains(t, logs, `"msg":"worker started"`)
	assert.Contains(t, logs, `"msg":"worker stopped"`)
	assert.Contains(t, logs, `"msg":"pool stopped"`)
	assert.Contains(t, logs, `"lvl":"debug"`)
}

func TestPool_PanicIsLoggedAsEmergency(t *testing.T) {
	var out syncBuffer
	logger := stumpy.L.New(stumpy.L.WithStumpy(stumpy.WithWriter(&out))).Logger()

	p := newTestPool(t, WithLogger(logger), WithFailFast(func(*PanicError) {}))
	require.NoError(t, p.Submit(func() { panic("kaboom") }))
	waitPool(t, p)

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte(`"msg":"work item panicked"`))
	}, testTimeout, time.Millisecond)
	assert.Contains(t, out.String(), `"lvl":"emerg"`)
	assert.Contains(t, out.String(), `kaboom`)
}

// ============================================================================
// Stats Tests
// ============================================================================

func TestPool_Stats(t *testing.T) {
	p := newTestPool(t, WithMaxThreads(3))

	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(func() { time.Sleep(100 * time.Microsecond) }))
	}
	waitPool(t, p)

	stats := p.Stats()
	assert.EqualValues(t, 50, stats.Completed)
	assert.LessOrEqual(t, len(stats.WorkerStats), 3)
	assert.Positive(t, stats.LatencyAvg)
	assert.GreaterOrEqual(t, stats.LatencyMax, stats.LatencyAvg)

	var executed uint64
	for i, ws := range stats.WorkerStats {
		if i > 0 {
			assert.Greater(t, ws.WorkerID, stats.WorkerStats[i-1].WorkerID)
		}
		executed += ws.TasksExecuted
	}
	assert.EqualValues(t, 50, executed, "no worker retired with the default idle timeout")
}

func TestWorkerState_String(t *testing.T) {
	assert.Equal(t, "IDLE", StateIdle.String())
	assert.Equal(t, "DISPATCHING", StateDispatching.String())
	assert.Equal(t, "EXECUTING", StateExecuting.String())
	assert.Equal(t, "RETIRING", StateRetiring.String())
	assert.Equal(t, "UNKNOWN", WorkerState(42).String())
}
