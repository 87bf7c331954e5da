package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tahsin716/swarm"
	"github.com/tahsin716/swarm/cpuutil"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()

	assert.Empty(t, cfg.Validate())
	assert.Equal(t, swarm.DefaultMaxThreads, cfg.Pool.MaxThreads)
	assert.True(t, cfg.Pool.HillClimbing)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	require.NoError(t, Init(v, ""))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarmsim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pool:
  max_threads: 32
  gate_interval: 250ms
  cpu_source: system
workload:
  blocking_ratio: 0.5
  block_for: 20ms
logging:
  level: debug
`), 0o600))

	// Environment overrides the file.
	t.Setenv("SWARM_POOL_MAX_THREADS", "16")

	v := viper.New()
	require.NoError(t, Init(v, path))

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Pool.MaxThreads)
	assert.Equal(t, 250*time.Millisecond, cfg.Pool.GateInterval)
	assert.Equal(t, "system", cfg.Pool.CPUSource)
	assert.Equal(t, 0.5, cfg.Workload.BlockingRatio)
	assert.Equal(t, 20*time.Millisecond, cfg.Workload.BlockFor)
	assert.Equal(t, logiface.LevelDebug, cfg.Logging.LogLevel())
	assert.Equal(t, Default().Workload.Producers, cfg.Workload.Producers, "unset keys keep defaults")
}

func TestInit_MissingExplicitFile(t *testing.T) {
	v := viper.New()
	assert.Error(t, Init(v, filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestLoad_ValidationErrors(t *testing.T) {
	v := viper.New()
	require.NoError(t, Init(v, ""))
	v.Set("pool.min_threads", 8)
	v.Set("pool.max_threads", 4)
	v.Set("workload.blocking_ratio", 1.5)
	v.Set("logging.level", "loud")

	_, err := Load(v)
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))

	fields := make([]string, 0, len(verrs))
	for _, e := range verrs {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{"pool.min_threads", "workload.blocking_ratio", "logging.level"}, fields)
	assert.Contains(t, err.Error(), "3 validation errors")
}

func TestValidationErrors_Error(t *testing.T) {
	assert.Equal(t, "", ValidationErrors(nil).Error())

	single := ValidationErrors{{Field: "pool.max_threads", Value: 0, Message: "must be in [1, 10]"}}
	assert.Equal(t, "pool.max_threads: must be in [1, 10] (got: 0)", single.Error())
}

func TestPoolConfig_Options(t *testing.T) {
	cfg := Default().Pool
	cfg.MinThreads = 2
	cfg.MaxThreads = 6
	cfg.HillClimbing = false
	cfg.StarvationDetection = false

	var c swarm.Config
	for _, opt := range cfg.Options() {
		opt(&c)
	}

	assert.Equal(t, 2, c.MinThreads)
	assert.Equal(t, 6, c.MaxThreads)
	assert.Equal(t, cfg.GateInterval, c.GateInterval)
	assert.True(t, c.DisableHillClimbing)
	assert.True(t, c.DisableStarvationDetection)
	assert.IsType(t, &cpuutil.ProcessReader{}, c.CPUReader)
}

func TestPoolConfig_CPUReader(t *testing.T) {
	cfg := PoolConfig{CPUSource: "system"}
	assert.IsType(t, &cpuutil.SystemReader{}, cfg.CPUReader())
}

func TestLoggingConfig_LogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  logiface.Level
	}{
		{"debug", logiface.LevelDebug},
		{"info", logiface.LevelInformational},
		{"WARN", logiface.LevelWarning},
		{"error", logiface.LevelError},
		{"", logiface.LevelInformational},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := LoggingConfig{Level: tt.level}
			assert.Equal(t, tt.want, cfg.LogLevel())
		})
	}
}
