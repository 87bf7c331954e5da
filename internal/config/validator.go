package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/tahsin716/swarm"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "pool.max_threads")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// MaxRate is the highest per-producer submission rate, in items per second.
const MaxRate = 1_000_000

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warning", "warn", "err", "error"}
}

// ValidCPUSources returns the list of valid CPU utilization sources
func ValidCPUSources() []string {
	return []string{"process", "system"}
}

// Validate checks every section and returns all failures
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	p := c.Pool
	if p.MinThreads < 0 {
		add("pool.min_threads", p.MinThreads, "must be >= 0")
	}
	if p.MaxThreads < 1 || p.MaxThreads > swarm.MaxThreadsLimit {
		add("pool.max_threads", p.MaxThreads, fmt.Sprintf("must be in [1, %d]", swarm.MaxThreadsLimit))
	}
	if p.MinThreads > p.MaxThreads {
		add("pool.min_threads", p.MinThreads, "must not exceed pool.max_threads")
	}
	if p.IdleTimeout <= 0 {
		add("pool.idle_timeout", p.IdleTimeout, "must be positive")
	}
	if p.GateInterval <= 0 {
		add("pool.gate_interval", p.GateInterval, "must be positive")
	}
	if !slices.Contains(ValidCPUSources(), p.CPUSource) {
		add("pool.cpu_source", p.CPUSource, "must be one of "+strings.Join(ValidCPUSources(), ", "))
	}

	w := c.Workload
	if w.Duration <= 0 {
		add("workload.duration", w.Duration, "must be positive")
	}
	if w.Producers < 1 {
		add("workload.producers", w.Producers, "must be >= 1")
	}
	if w.Rate < 0 || w.Rate > MaxRate {
		add("workload.rate", w.Rate, fmt.Sprintf("must be in [0, %d]", MaxRate))
	}
	if w.BlockingRatio < 0 || w.BlockingRatio > 1 {
		add("workload.blocking_ratio", w.BlockingRatio, "must be in [0, 1]")
	}
	if w.BlockFor < 0 {
		add("workload.block_for", w.BlockFor, "must be >= 0")
	}
	if w.ComputeIterations < 0 {
		add("workload.compute_iterations", w.ComputeIterations, "must be >= 0")
	}
	if w.FanOut < 0 {
		add("workload.fan_out", w.FanOut, "must be >= 0")
	}
	if w.ReportInterval <= 0 {
		add("workload.report_interval", w.ReportInterval, "must be positive")
	}

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		add("logging.level", c.Logging.Level, "must be one of "+strings.Join(ValidLogLevels(), ", "))
	}

	return errs
}
