package hillclimb

import (
	"math"
	"math/cmplx"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joeycumines/logiface"
)

// Environment supplies the pool-wide values the controller reads on every
// update. Implementations must be safe for concurrent use.
type Environment interface {
	// ThreadLimits returns the current clamp bounds of the thread count.
	ThreadLimits() (minThreads, maxThreads int)

	// CPUUtilization returns the last sampled CPU utilization in percent.
	CPUUtilization() int
}

// Option configures a HillClimbing.
type Option func(*HillClimbing)

// WithClock sets the clock used to timestamp transitions.
func WithClock(c clock.Clock) Option {
	return func(h *HillClimbing) {
		if c != nil {
			h.clock = c
		}
	}
}

// WithLogger sets the logger that receives transition events.
func WithLogger(l *logiface.Logger[logiface.Event]) Option {
	return func(h *HillClimbing) {
		h.logger = l
	}
}

// WithRand sets the random source used to pick sample intervals.
func WithRand(r *rand.Rand) Option {
	return func(h *HillClimbing) {
		if r != nil {
			h.rng = r
		}
	}
}

// HillClimbing steers a thread count toward maximum throughput.
//
// Every Update records one throughput sample. The controller superimposes a
// square wave on the thread count and measures, with a Goertzel filter at the
// wave frequency, how strongly throughput follows it. The real part of the
// throughput/thread-count ratio moves a real-valued control setting, and the
// integer thread count is that setting plus the wave.
//
// All methods are safe for concurrent use.
type HillClimbing struct {
	cfg    Config
	env    Environment
	clock  clock.Clock
	logger *logiface.Logger[logiface.Event]
	rng    *rand.Rand

	mu sync.Mutex

	samplesToMeasure       int
	currentControlSetting  float64
	totalSamples           int
	lastThreadCount        int
	averageThroughputNoise float64

	secondsElapsedSinceLastChange float64
	completionsSinceLastChange    float64
	accumulatedCompletionCount    int
	accumulatedSampleDuration     float64

	samples      []float64
	threadCounts []float64

	currentSampleInterval time.Duration

	history *history
}

// New creates a controller. It returns an error if cfg is invalid.
func New(cfg Config, env Environment, opts ...Option) (*HillClimbing, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h := &HillClimbing{
		cfg:              cfg,
		env:              env,
		clock:            clock.New(),
		rng:              rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		samplesToMeasure: cfg.WavePeriod * cfg.WaveHistorySize,
		history:          newHistory(cfg.HistorySize),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.samples = make([]float64, h.samplesToMeasure)
	h.threadCounts = make([]float64, h.samplesToMeasure)
	h.currentSampleInterval = h.randomInterval()

	return h, nil
}

// Update feeds one sample to the controller: currentThreadCount threads
// completed numCompletions work items over sampleDuration. It returns the
// thread count goal to apply and the time to wait before the next sample.
func (h *HillClimbing) Update(currentThreadCount int, sampleDuration time.Duration, numCompletions int) (int, time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sampleDuration <= 0 {
		return currentThreadCount, h.currentSampleInterval
	}

	// Someone else changed the thread count, resynchronise.
	if currentThreadCount != h.lastThreadCount {
		h.forceChange(currentThreadCount, Initializing)
	}

	duration := sampleDuration.Seconds()
	h.secondsElapsedSinceLastChange += duration
	h.completionsSinceLastChange += float64(numCompletions)

	duration += h.accumulatedSampleDuration
	numCompletions += h.accumulatedCompletionCount

	// Each thread may be mid-item at either end of the window, so the count is
	// off by up to threadCount-1 items. Keep accumulating until that error is
	// small relative to the number of completions.
	if h.totalSamples > 0 && (float64(currentThreadCount)-1.0)/float64(numCompletions) >= h.cfg.MaxSampleError {
		h.accumulatedSampleDuration = duration
		h.accumulatedCompletionCount = numCompletions
		return currentThreadCount, h.cfg.SampleIntervalLow
	}

	h.accumulatedSampleDuration = 0
	h.accumulatedCompletionCount = 0

	throughput := float64(numCompletions) / duration

	sampleIndex := h.totalSamples % h.samplesToMeasure
	h.samples[sampleIndex] = throughput
	h.threadCounts[sampleIndex] = float64(currentThreadCount)
	h.totalSamples++

	var (
		ratio      complex128
		confidence float64
		state      = Warmup
	)

	// The window must be a whole number of wave periods, otherwise the wave
	// frequency falls between two bands.
	wavePeriod := h.cfg.WavePeriod
	sampleCount := min(h.totalSamples-1, h.samplesToMeasure) / wavePeriod * wavePeriod

	if sampleCount > wavePeriod {
		var sampleSum, threadSum float64
		for i := 0; i < sampleCount; i++ {
			idx := (h.totalSamples - sampleCount + i) % h.samplesToMeasure
			sampleSum += h.samples[idx]
			threadSum += h.threadCounts[idx]
		}
		averageThroughput := sampleSum / float64(sampleCount)
		averageThreadCount := threadSum / float64(sampleCount)

		if averageThroughput > 0 && averageThreadCount > 0 {
			// Noise is estimated from the two neighbouring frequency bands.
			bands := float64(sampleCount) / float64(wavePeriod)
			adjacentPeriod1 := float64(sampleCount) / (bands + 1)
			adjacentPeriod2 := float64(sampleCount) / (bands - 1)

			throughputWave := h.waveComponent(h.samples, sampleCount, float64(wavePeriod)) / complex(averageThroughput, 0)
			throughputError := cmplx.Abs(h.waveComponent(h.samples, sampleCount, adjacentPeriod1) / complex(averageThroughput, 0))
			if adjacentPeriod2 <= float64(sampleCount) {
				throughputError = math.Max(throughputError,
					cmplx.Abs(h.waveComponent(h.samples, sampleCount, adjacentPeriod2)/complex(averageThroughput, 0)))
			}

			// Thread counts are exact, no noise estimate needed.
			threadWave := h.waveComponent(h.threadCounts, sampleCount, float64(wavePeriod)) / complex(averageThreadCount, 0)

			if h.averageThroughputNoise == 0 {
				h.averageThroughputNoise = throughputError
			} else {
				h.averageThroughputNoise = h.cfg.ErrorSmoothingFactor*throughputError +
					(1.0-h.cfg.ErrorSmoothingFactor)*h.averageThroughputNoise
			}

			if cmplx.Abs(threadWave) > 0 {
				ratio = (throughputWave - complex(h.cfg.TargetThroughputRatio, 0)*threadWave) / threadWave
				state = ClimbingMove
			} else {
				state = Stabilizing
			}

			noiseForConfidence := math.Max(h.averageThroughputNoise, throughputError)
			if noiseForConfidence > 0 {
				confidence = (cmplx.Abs(threadWave) / noiseForConfidence) / h.cfg.TargetSignalToNoiseRatio
			} else {
				confidence = 1.0
			}
		}
	}

	// Only the in-phase part of the ratio is used: out of phase throughput
	// means the last change hurt, a quarter turn means no information.
	move := math.Min(1.0, math.Max(-1.0, real(ratio)))
	move *= math.Min(1.0, math.Max(0.0, confidence))

	gain := h.cfg.MaxChangePerSecond * duration
	sign := 1.0
	if move < 0 {
		sign = -1.0
	}
	move = math.Pow(math.Abs(move), h.cfg.GainExponent) * sign * gain
	move = math.Min(move, h.cfg.MaxChangePerSample)

	if move > 0 && h.env.CPUUtilization() > h.cfg.CPUUtilizationHigh {
		move = 0
	}

	h.currentControlSetting += move

	waveMagnitude := int(0.5 + h.currentControlSetting*h.averageThroughputNoise*
		h.cfg.TargetSignalToNoiseRatio*h.cfg.WaveMagnitudeMultiplier*2.0)
	waveMagnitude = max(1, min(waveMagnitude, h.cfg.MaxWaveMagnitude))

	minThreads, maxThreads := h.env.ThreadLimits()

	h.currentControlSetting = math.Min(float64(maxThreads-waveMagnitude), h.currentControlSetting)
	h.currentControlSetting = math.Max(float64(minThreads), h.currentControlSetting)

	newThreadCount := int(h.currentControlSetting + float64(waveMagnitude*((h.totalSamples/(wavePeriod/2))%2)))
	newThreadCount = max(minThreads, min(maxThreads, newThreadCount))

	if newThreadCount != currentThreadCount {
		h.changeThreadCount(newThreadCount, state)
	}

	// At the floor with more threads hurting, try a higher count much less often.
	newSampleInterval := h.currentSampleInterval
	if real(ratio) < 0 && newThreadCount == minThreads {
		newSampleInterval = time.Duration(0.5 + float64(h.currentSampleInterval)*(10.0*math.Max(-real(ratio), 1.0)))
	}

	return newThreadCount, newSampleInterval
}

// ForceChange informs the controller that the thread count was changed
// outside of Update, for example by starvation handling or a thread timing
// out.
func (h *HillClimbing) ForceChange(newThreadCount int, state State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forceChange(newThreadCount, state)
}

// SampleInterval returns the length of the current sample window.
func (h *HillClimbing) SampleInterval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentSampleInterval
}

// History returns the retained transitions, oldest first.
func (h *HillClimbing) History() []Transition {
	return h.history.snapshot()
}

// ControlSetting returns the current un-rounded thread count target.
func (h *HillClimbing) ControlSetting() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentControlSetting
}

func (h *HillClimbing) forceChange(newThreadCount int, state State) {
	if h.lastThreadCount != newThreadCount {
		h.currentControlSetting += float64(newThreadCount - h.lastThreadCount)
		h.changeThreadCount(newThreadCount, state)
	}
}

func (h *HillClimbing) changeThreadCount(newThreadCount int, state State) {
	h.lastThreadCount = newThreadCount
	h.currentSampleInterval = h.randomInterval()

	var throughput float64
	if h.secondsElapsedSinceLastChange > 0 {
		throughput = h.completionsSinceLastChange / h.secondsElapsedSinceLastChange
	}

	h.history.add(Transition{
		Time:        h.clock.Now(),
		ThreadCount: newThreadCount,
		Throughput:  throughput,
		State:       state,
	})
	h.logger.Debug().
		Int("thread_count", newThreadCount).
		Float64("throughput", throughput).
		Stringer("state", state).
		Log("hill climbing transition")

	h.secondsElapsedSinceLastChange = 0
	h.completionsSinceLastChange = 0
}

func (h *HillClimbing) randomInterval() time.Duration {
	low, high := h.cfg.SampleIntervalLow, h.cfg.SampleIntervalHigh
	if high <= low {
		return low
	}
	return low + time.Duration(h.rng.Int64N(int64(high-low)))
}

// waveComponent returns the complex amplitude of the given period over the
// newest numSamples entries of the ring, using the Goertzel algorithm.
func (h *HillClimbing) waveComponent(samples []float64, numSamples int, period float64) complex128 {
	w := 2.0 * math.Pi / period
	cosine := math.Cos(w)
	coeff := 2.0 * cosine

	var q0, q1, q2 float64
	for i := 0; i < numSamples; i++ {
		sample := samples[(h.totalSamples-numSamples+i)%h.samplesToMeasure]
		q0 = coeff*q1 - q2 + sample
		q2 = q1
		q1 = q0
	}

	n := float64(numSamples)
	return complex((q1-q2*cosine)/n, (q2*math.Sin(w))/n)
}
