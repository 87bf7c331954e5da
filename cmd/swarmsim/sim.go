package main

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"

	"github.com/tahsin716/swarm"
	"github.com/tahsin716/swarm/internal/config"
)

// computeItem burns CPU and optionally queues children on its worker's
// local queue.
type computeItem struct {
	sim        *simulator
	iterations int
	fanOut     int
}

func (c computeItem) Execute(ctx context.Context) {
	x := uint64(1)
	for i := 0; i < c.iterations; i++ {
		x = x*6364136223846793005 + 1442695040888963407
	}
	sink.Add(x & 1)

	for i := 0; i < c.fanOut; i++ {
		child := computeItem{sim: c.sim, iterations: c.iterations}
		if err := c.sim.pool.Enqueue(ctx, child, false); err != nil {
			// Only a stopped pool rejects children.
			c.sim.rejected.Add(1)
			c.sim.logger.Debug().Err(err).Log("child rejected")
		}
	}
}

// sink keeps the compute loop from being optimized away.
var sink atomic.Uint64

// blockingItem sleeps, standing in for I/O.
type blockingItem struct {
	d time.Duration
}

func (b blockingItem) Execute(context.Context) { time.Sleep(b.d) }

func (blockingItem) IsBlocking() bool { return true }

type simulator struct {
	pool   *swarm.Pool
	cfg    config.WorkloadConfig
	clock  clock.Clock
	logger *logiface.Logger[logiface.Event]

	submitted atomic.Uint64
	rejected  atomic.Uint64
}

// run submits work for the configured duration, or until ctx is done, then
// drains the pool.
func (s *simulator) run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Duration)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Producers; i++ {
		g.Go(func() error {
			return s.produce(ctx, uint64(i))
		})
	}
	g.Go(func() error {
		s.report(ctx)
		return nil
	})

	err := g.Wait()
	s.pool.Shutdown(true)
	return err
}

func (s *simulator) produce(ctx context.Context, seed uint64) error {
	rng := rand.New(rand.NewPCG(seed, uint64(s.clock.Now().UnixNano())))

	var tick <-chan time.Time
	if s.cfg.Rate > 0 {
		ticker := s.clock.Ticker(time.Second / time.Duration(s.cfg.Rate))
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		var item swarm.WorkItem
		if rng.Float64() < s.cfg.BlockingRatio {
			item = blockingItem{d: s.cfg.BlockFor}
		} else {
			item = computeItem{sim: s, iterations: s.cfg.ComputeIterations, fanOut: s.cfg.FanOut}
		}

		if err := s.pool.Enqueue(context.Background(), item, false); err != nil {
			if errors.Is(err, swarm.ErrPoolClosed) {
				s.rejected.Add(1)
				return nil
			}
			return err
		}
		s.submitted.Add(1)
	}
}

// report logs pool progress every ReportInterval.
func (s *simulator) report(ctx context.Context) {
	ticker := s.clock.Ticker(s.cfg.ReportInterval)
	defer ticker.Stop()

	last := s.pool.CompletedWorkItemCount()
	lastAt := s.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := s.clock.Now()
		stats := s.pool.Stats()
		elapsed := now.Sub(lastAt).Seconds()
		if elapsed <= 0 {
			continue
		}

		s.logger.Info().
			Int("threads", stats.Threads).
			Int("goal", stats.Goal).
			Int("processing", stats.Processing).
			Int("pending", stats.Pending).
			Int("cpu", stats.CPUUtilization).
			Float64("throughput", float64(stats.Completed-last)/elapsed).
			Uint64("starvation_events", stats.StarvationEvents).
			Log("progress")

		last, lastAt = stats.Completed, now
	}
}
