package hillclimb

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is wrapped by every error returned from Config.Validate.
var ErrInvalidConfig = errors.New("hillclimb: invalid config")

// Config holds the tunables of the controller.
type Config struct {
	// WavePeriod is the period, in samples, of the square wave injected into
	// the thread count. Must be even and >= 2.
	WavePeriod int

	// MaxWaveMagnitude caps the amplitude of the injected wave.
	MaxWaveMagnitude int

	// WaveMagnitudeMultiplier scales the wave amplitude derived from noise.
	WaveMagnitudeMultiplier float64

	// WaveHistorySize is the number of wave periods kept in the sample ring.
	WaveHistorySize int

	// TargetThroughputRatio is the relative throughput gain per relative
	// thread count gain that still justifies adding threads.
	TargetThroughputRatio float64

	// TargetSignalToNoiseRatio is the signal to noise ratio at which a
	// measurement is fully trusted.
	TargetSignalToNoiseRatio float64

	// MaxChangePerSecond bounds the control setting movement per second of samples.
	MaxChangePerSecond float64

	// MaxChangePerSample bounds the control setting movement per sample.
	MaxChangePerSample float64

	// SampleIntervalLow and SampleIntervalHigh bound the randomized interval
	// between two samples.
	SampleIntervalLow  time.Duration
	SampleIntervalHigh time.Duration

	// ErrorSmoothingFactor is the weight of a new noise estimate in the
	// moving average.
	ErrorSmoothingFactor float64

	// GainExponent shapes the non-linear gain applied to a move.
	GainExponent float64

	// MaxSampleError is the relative counting error above which samples are
	// accumulated instead of measured.
	MaxSampleError float64

	// CPUUtilizationHigh is the utilization percentage above which upward
	// moves are refused.
	CPUUtilizationHigh int

	// HistorySize is the number of transitions retained by History.
	HistorySize int
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		WavePeriod:               4,
		MaxWaveMagnitude:         20,
		WaveMagnitudeMultiplier:  1.0,
		WaveHistorySize:          8,
		TargetThroughputRatio:    0.15,
		TargetSignalToNoiseRatio: 3.0,
		MaxChangePerSecond:       4,
		MaxChangePerSample:       20,
		SampleIntervalLow:        10 * time.Millisecond,
		SampleIntervalHigh:       200 * time.Millisecond,
		ErrorSmoothingFactor:     0.01,
		GainExponent:             2.0,
		MaxSampleError:           0.15,
		CPUUtilizationHigh:       95,
		HistorySize:              64,
	}
}

// Validate checks the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	switch {
	case c.WavePeriod < 2 || c.WavePeriod%2 != 0:
		return invalid("WavePeriod must be an even number >= 2")
	case c.MaxWaveMagnitude < 1:
		return invalid("MaxWaveMagnitude must be >= 1")
	case c.WaveMagnitudeMultiplier <= 0:
		return invalid("WaveMagnitudeMultiplier must be > 0")
	case c.WaveHistorySize < 2:
		return invalid("WaveHistorySize must be >= 2")
	case c.TargetSignalToNoiseRatio <= 0:
		return invalid("TargetSignalToNoiseRatio must be > 0")
	case c.MaxChangePerSecond <= 0 || c.MaxChangePerSample <= 0:
		return invalid("MaxChangePerSecond and MaxChangePerSample must be > 0")
	case c.SampleIntervalLow <= 0 || c.SampleIntervalHigh < c.SampleIntervalLow:
		return invalid("sample interval bounds must satisfy 0 < low <= high")
	case c.ErrorSmoothingFactor <= 0 || c.ErrorSmoothingFactor > 1:
		return invalid("ErrorSmoothingFactor must be in (0, 1]")
	case c.GainExponent <= 0:
		return invalid("GainExponent must be > 0")
	case c.MaxSampleError <= 0:
		return invalid("MaxSampleError must be > 0")
	case c.CPUUtilizationHigh < 0 || c.CPUUtilizationHigh > 100:
		return invalid("CPUUtilizationHigh must be in [0, 100]")
	case c.HistorySize < 0:
		return invalid("HistorySize must be >= 0")
	}
	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
