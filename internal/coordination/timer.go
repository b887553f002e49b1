// Package coordination implements the per-tick bulk-synchronous loop every
// worker runs: halo sync, transporter sync, inbox drain, the scheduler
// step, and the global time-reduce that produces the shared tick clock.
//
// Grounded on the teacher's internal/coordinator.HealthMonitor: a
// background timer with an explicit Start/Stop lifecycle, generalized here
// from a ticker-driven liveness poll into a rolling-window wall-clock
// sampler bracketing the non-communication portion of each tick.
package coordination

import (
	"sync"
	"time"
)

// RebalanceTimer tracks the wall-clock cost of the local-compute portion
// of a tick (the interval from Start(), once communication is done, to
// the Stop() at the top of the next tick, per §4.7 steps 5 and 1)
// over a rolling window, default size 20 per spec §6. A future rebalance
// heuristic reads Mean() to decide whether this worker is falling behind;
// this package only maintains the window.
type RebalanceTimer struct {
	mu         sync.Mutex
	window     []time.Duration
	windowSize int
	runningAt  time.Time
	running    bool
}

// NewRebalanceTimer builds a RebalanceTimer with the given rolling-window
// size. A windowSize <= 0 is corrected to the spec default of 20.
func NewRebalanceTimer(windowSize int) *RebalanceTimer {
	if windowSize <= 0 {
		windowSize = 20
	}
	return &RebalanceTimer{windowSize: windowSize}
}

// Start marks the beginning of the portion of the tick the timer samples.
func (t *RebalanceTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runningAt = time.Now()
	t.running = true
}

// Stop ends the sample started by the previous Start, folding its
// duration into the rolling window. The first Stop of a run (no prior
// Start) is a no-op, matching §4.7's tick 1 where the timer has not yet
// been started.
func (t *RebalanceTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	elapsed := time.Since(t.runningAt)
	t.window = append(t.window, elapsed)
	if len(t.window) > t.windowSize {
		t.window = t.window[len(t.window)-t.windowSize:]
	}
}

// Mean returns the rolling window's average sample duration, zero if the
// window is empty.
func (t *RebalanceTimer) Mean() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.window) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range t.window {
		sum += d
	}
	return sum / time.Duration(len(t.window))
}

// Len reports how many samples are currently in the window.
func (t *RebalanceTimer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.window)
}
