package hillclimb

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

// State labels the reason for a thread count transition.
type State int

const (
	Warmup State = iota
	Initializing
	RandomMove
	ClimbingMove
	ChangePoint
	Stabilizing
	Starvation
	ThreadTimedOut
)

func (s State) String() string {
	switch s {
	case Warmup:
		return "warmup"
	case Initializing:
		return "initializing"
	case RandomMove:
		return "random_move"
	case ClimbingMove:
		return "climbing_move"
	case ChangePoint:
		return "change_point"
	case Stabilizing:
		return "stabilizing"
	case Starvation:
		return "starvation"
	case ThreadTimedOut:
		return "thread_timed_out"
	default:
		return "unknown"
	}
}

// Transition records one change of the thread count goal.
type Transition struct {
	Time        time.Time
	ThreadCount int
	// Throughput is the average completions per second observed since the
	// previous transition.
	Throughput float64
	State      State
}

// history is a bounded FIFO of transitions. Oldest entries are evicted first.
type history struct {
	mu    sync.Mutex
	limit int
	q     *queue.Queue
}

func newHistory(limit int) *history {
	return &history{limit: limit, q: queue.New()}
}

func (h *history) add(t Transition) {
	if h.limit == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.q.Length() >= h.limit {
		h.q.Remove()
	}
	h.q.Add(t)
}

func (h *history) snapshot() []Transition {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Transition, h.q.Length())
	for i := range out {
		out[i] = h.q.Get(i).(Transition)
	}
	return out
}
