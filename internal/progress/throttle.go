package progress

import (
	"sync"
	"time"

	"github.com/goodtune/kfetch/internal/clock"
	"github.com/goodtune/kfetch/internal/metrics"
	"golang.org/x/time/rate"
)

// DefaultInterval is the minimum spacing between forwarded events of one task.
const DefaultInterval = 2 * time.Second

// Throttle forwards at most one event per task per interval. The first
// event of a task and its terminal event always pass; anything after the
// terminal event is suppressed. Gated events are dropped, never queued.
type Throttle struct {
	interval time.Duration
	clock    clock.Clock
	sink     func(Event)

	mu    sync.Mutex
	gates map[string]*gate
}

type gate struct {
	limiter *rate.Limiter
	done    bool
}

// NewThrottle creates a throttle forwarding to sink. sink is called with
// the throttle's lock held, so it must not block or call back into the
// throttle.
func NewThrottle(interval time.Duration, clk clock.Clock, sink func(Event)) *Throttle {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Throttle{
		interval: interval,
		clock:    clk,
		sink:     sink,
		gates:    make(map[string]*gate),
	}
}

// Emit offers an event and reports whether it was forwarded. It never blocks.
func (t *Throttle) Emit(taskID string, phase Phase, percent float64, message string) bool {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	g, seen := t.gates[taskID]
	if !seen {
		g = &gate{limiter: rate.NewLimiter(rate.Every(t.interval), 1)}
		t.gates[taskID] = g
	}

	switch {
	case g.done:
		metrics.ProgressEvents.WithLabelValues("suppressed").Inc()
		return false
	case phase.Terminal():
		g.done = true
	case !seen:
		// First event always passes and starts the interval.
		g.limiter.AllowN(now, 1)
	case !g.limiter.AllowN(now, 1):
		metrics.ProgressEvents.WithLabelValues("dropped").Inc()
		return false
	}

	metrics.ProgressEvents.WithLabelValues("forwarded").Inc()
	t.sink(Event{TaskID: taskID, Phase: phase, Percent: percent, Message: message, At: now})
	return true
}

// Forget drops the state kept for a task.
func (t *Throttle) Forget(taskID string) {
	t.mu.Lock()
	delete(t.gates, taskID)
	t.mu.Unlock()
}
