package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/tahsin716/swarm"
	"github.com/tahsin716/swarm/internal/config"
	"github.com/tahsin716/swarm/metrics"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "swarmsim",
		Short: "Load simulator for the swarm scheduler",
		Long: `swarmsim submits a configurable mix of CPU-bound and blocking work items
to a swarm pool and logs how threads, goal and throughput evolve.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return config.Init(v, cfgFile)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	defaults := config.Default()
	flags := cmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default is ./swarmsim.yaml)")

	bind := func(key, flag string) {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	flags.Int("min-threads", defaults.Pool.MinThreads, "lower bound of the thread goal (0 = GOMAXPROCS)")
	bind("pool.min_threads", "min-threads")
	flags.Int("max-threads", defaults.Pool.MaxThreads, "upper bound on worker threads")
	bind("pool.max_threads", "max-threads")
	flags.Duration("idle-timeout", defaults.Pool.IdleTimeout, "idle time before a worker retires")
	bind("pool.idle_timeout", "idle-timeout")
	flags.Duration("gate-interval", defaults.Pool.GateInterval, "starvation gate polling period")
	bind("pool.gate_interval", "gate-interval")
	flags.Bool("hill-climbing", defaults.Pool.HillClimbing, "enable the throughput controller")
	bind("pool.hill_climbing", "hill-climbing")
	flags.Bool("starvation-detection", defaults.Pool.StarvationDetection, "enable the starvation escape")
	bind("pool.starvation_detection", "starvation-detection")
	flags.String("cpu-source", defaults.Pool.CPUSource, "CPU utilization source: process or system")
	bind("pool.cpu_source", "cpu-source")

	flags.Duration("duration", defaults.Workload.Duration, "how long to submit work")
	bind("workload.duration", "duration")
	flags.Int("producers", defaults.Workload.Producers, "number of submitting goroutines")
	bind("workload.producers", "producers")
	flags.Int("rate", defaults.Workload.Rate, "items per second per producer (0 = unthrottled)")
	bind("workload.rate", "rate")
	flags.Float64("blocking-ratio", defaults.Workload.BlockingRatio, "share of items that block")
	bind("workload.blocking_ratio", "blocking-ratio")
	flags.Duration("block-for", defaults.Workload.BlockFor, "how long a blocking item sleeps")
	bind("workload.block_for", "block-for")
	flags.Int("compute-iterations", defaults.Workload.ComputeIterations, "loop length of a CPU-bound item")
	bind("workload.compute_iterations", "compute-iterations")
	flags.Int("fan-out", defaults.Workload.FanOut, "children each CPU-bound item queues locally")
	bind("workload.fan_out", "fan-out")
	flags.Duration("report-interval", defaults.Workload.ReportInterval, "progress logging period")
	bind("workload.report_interval", "report-interval")

	flags.String("log-level", defaults.Logging.Level, "log level: debug, info, warning or err")
	bind("logging.level", "log-level")
	flags.String("metrics-addr", defaults.Metrics.Addr, "listen address for /metrics (empty = disabled)")
	bind("metrics.addr", "metrics-addr")

	return cmd
}

// run executes one simulation and prints the summary to out. Logs go to
// logOut as JSON lines.
func run(ctx context.Context, cfg *config.Config, out, logOut io.Writer) error {
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(logOut)),
		stumpy.L.WithLevel(cfg.Logging.LogLevel()),
	).Logger()

	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Info().Log(fmt.Sprintf(format, args...))
	}))
	if err != nil {
		logger.Warning().Err(err).Log("could not adjust GOMAXPROCS")
	}
	defer undo()

	pool, err := swarm.NewPool(append(cfg.Pool.Options(), swarm.WithLogger(logger))...)
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		stopServer := serveMetrics(cfg.Metrics.Addr, pool, logger)
		defer stopServer()
	}

	sim := &simulator{
		pool:   pool,
		cfg:    cfg.Workload,
		clock:  clock.New(),
		logger: logger,
	}
	if err := sim.run(ctx); err != nil {
		return err
	}

	printSummary(out, sim.submitted.Load(), sim.rejected.Load(), pool.Stats())
	return nil
}

// serveMetrics exposes the pool on addr until the returned function is called.
func serveMetrics(addr string, pool *swarm.Pool, logger *logiface.Logger[logiface.Event]) func() {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCollector(pool),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Log("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Err().Err(err).Log("metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func printSummary(out io.Writer, submitted, rejected uint64, s swarm.Stats) {
	fmt.Fprintf(out, "submitted:          %d (rejected %d)\n", submitted, rejected)
	fmt.Fprintf(out, "completed:          %d (blocking %d, failed %d)\n", s.Completed, s.BlockingCompleted, s.Failed)
	fmt.Fprintf(out, "threads spawned:    %d (retired %d, spawn failures %d)\n", s.Spawned, s.Retired, s.SpawnFailures)
	fmt.Fprintf(out, "final goal:         %d [%d, %d]\n", s.Goal, s.MinThreads, s.MaxThreads)
	fmt.Fprintf(out, "starvation events:  %d\n", s.StarvationEvents)
	fmt.Fprintf(out, "latency avg/max:    %v / %v\n", s.LatencyAvg, s.LatencyMax)
	fmt.Fprintf(out, "goal transitions:   %d\n", len(s.Transitions))
}
