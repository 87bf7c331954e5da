// Package config loads the swarmsim configuration. Values are layered with
// viper: built-in defaults, then an optional YAML file, then SWARM_*
// environment variables, then command line flags.
package config

import (
	"strings"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/spf13/viper"

	"github.com/tahsin716/swarm"
	"github.com/tahsin716/swarm/cpuutil"
)

// EnvPrefix prefixes every environment variable override, e.g.
// SWARM_POOL_MAX_THREADS for pool.max_threads.
const EnvPrefix = "SWARM"

// Config represents the complete simulator configuration
type Config struct {
	Pool     PoolConfig     `mapstructure:"pool"`
	Workload WorkloadConfig `mapstructure:"workload"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// PoolConfig controls the scheduler under test
type PoolConfig struct {
	// MinThreads is the lower bound of the goal (0 = GOMAXPROCS)
	MinThreads int `mapstructure:"min_threads"`
	// MaxThreads is the upper bound on worker threads
	MaxThreads int `mapstructure:"max_threads"`
	// IdleTimeout is how long an idle worker waits before retiring
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// GateInterval is the starvation gate's polling period
	GateInterval time.Duration `mapstructure:"gate_interval"`
	// HillClimbing enables the throughput controller
	HillClimbing bool `mapstructure:"hill_climbing"`
	// StarvationDetection enables the gate's starvation escape
	StarvationDetection bool `mapstructure:"starvation_detection"`
	// CPUSource selects the utilization reader: "process" or "system"
	CPUSource string `mapstructure:"cpu_source"`
}

// WorkloadConfig describes the generated load
type WorkloadConfig struct {
	// Duration is how long producers keep submitting
	Duration time.Duration `mapstructure:"duration"`
	// Producers is the number of concurrent submitting goroutines
	Producers int `mapstructure:"producers"`
	// Rate is the number of items each producer submits per second (0 = unthrottled)
	Rate int `mapstructure:"rate"`
	// BlockingRatio is the share of items that sleep instead of computing, in [0, 1]
	BlockingRatio float64 `mapstructure:"blocking_ratio"`
	// BlockFor is how long a blocking item sleeps
	BlockFor time.Duration `mapstructure:"block_for"`
	// ComputeIterations is the loop length of a CPU-bound item
	ComputeIterations int `mapstructure:"compute_iterations"`
	// FanOut is the number of children each CPU-bound item queues locally
	FanOut int `mapstructure:"fan_out"`
	// ReportInterval is how often progress is logged
	ReportInterval time.Duration `mapstructure:"report_interval"`
}

// LoggingConfig controls the JSON logger
type LoggingConfig struct {
	// Level is one of debug, info, warning, err
	Level string `mapstructure:"level"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint ("" = disabled)
	Addr string `mapstructure:"addr"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxThreads:          swarm.DefaultMaxThreads,
			IdleTimeout:         20 * time.Second,
			GateInterval:        500 * time.Millisecond,
			HillClimbing:        true,
			StarvationDetection: true,
			CPUSource:           "process",
		},
		Workload: WorkloadConfig{
			Duration:          10 * time.Second,
			Producers:         4,
			Rate:              2000,
			BlockingRatio:     0.2,
			BlockFor:          5 * time.Millisecond,
			ComputeIterations: 20000,
			FanOut:            0,
			ReportInterval:    time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers the default values with v, so they apply even
// without a config file and every key can be overridden from the environment.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("pool.min_threads", defaults.Pool.MinThreads)
	v.SetDefault("pool.max_threads", defaults.Pool.MaxThreads)
	v.SetDefault("pool.idle_timeout", defaults.Pool.IdleTimeout)
	v.SetDefault("pool.gate_interval", defaults.Pool.GateInterval)
	v.SetDefault("pool.hill_climbing", defaults.Pool.HillClimbing)
	v.SetDefault("pool.starvation_detection", defaults.Pool.StarvationDetection)
	v.SetDefault("pool.cpu_source", defaults.Pool.CPUSource)

	v.SetDefault("workload.duration", defaults.Workload.Duration)
	v.SetDefault("workload.producers", defaults.Workload.Producers)
	v.SetDefault("workload.rate", defaults.Workload.Rate)
	v.SetDefault("workload.blocking_ratio", defaults.Workload.BlockingRatio)
	v.SetDefault("workload.block_for", defaults.Workload.BlockFor)
	v.SetDefault("workload.compute_iterations", defaults.Workload.ComputeIterations)
	v.SetDefault("workload.fan_out", defaults.Workload.FanOut)
	v.SetDefault("workload.report_interval", defaults.Workload.ReportInterval)

	v.SetDefault("logging.level", defaults.Logging.Level)

	v.SetDefault("metrics.addr", defaults.Metrics.Addr)
}

// Init prepares v: defaults, environment overrides and, when file is set
// or a swarmsim.yaml exists in the working directory, the config file.
func Init(v *viper.Viper, file string) error {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	// e.g. SWARM_WORKLOAD_BLOCKING_RATIO for workload.blocking_ratio
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		return v.ReadInConfig()
	}

	v.SetConfigName("swarmsim")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}
	return nil
}

// Load decodes and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Options translates the pool section into scheduler options.
func (c *PoolConfig) Options() []swarm.Option {
	opts := []swarm.Option{
		swarm.WithMaxThreads(c.MaxThreads),
		swarm.WithIdleTimeout(c.IdleTimeout),
		swarm.WithGateInterval(c.GateInterval),
		swarm.WithStarvationDetection(c.StarvationDetection),
		swarm.WithCPUReader(c.CPUReader()),
	}
	if c.MinThreads > 0 {
		opts = append(opts, swarm.WithMinThreads(c.MinThreads))
	}
	if !c.HillClimbing {
		opts = append(opts, swarm.WithoutHillClimbing())
	}
	return opts
}

// CPUReader returns the utilization reader named by CPUSource.
func (c *PoolConfig) CPUReader() swarm.CPUReader {
	if c.CPUSource == "system" {
		return cpuutil.System()
	}
	return cpuutil.Process()
}

// LogLevel returns the logiface level named by Level.
func (c *LoggingConfig) LogLevel() logiface.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return logiface.LevelDebug
	case "warning", "warn":
		return logiface.LevelWarning
	case "err", "error":
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}
