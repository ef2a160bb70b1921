// Package navigator – watchdog.go implements the activity watchdog: a
// periodic check that fires when the model keeps generating without calling
// a tool for too long. Only delegated agents run the check loop; the
// top-level agent has a human watching it.
package navigator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Watchdog tracks tool-call activity for one agent and raises a continuable
// interruption through the Interrupter when the activity window expires.
type Watchdog struct {
	mu            sync.Mutex
	lastActivity  time.Time
	continuations int

	timeout          time.Duration
	maxContinuations int

	interrupter *Interrupter
	logger      *slog.Logger
}

// NewWatchdog creates a watchdog bound to an interrupter.
func NewWatchdog(timeout time.Duration, maxContinuations int, interrupter *Interrupter, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		lastActivity:     time.Now(),
		timeout:          timeout,
		maxContinuations: maxContinuations,
		interrupter:      interrupter,
		logger:           logger.With("component", "watchdog"),
	}
}

// Reset starts a fresh turn: activity now, continuation counter zeroed.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastActivity = time.Now()
	w.continuations = 0
}

// Touch records tool activity, restarting the timeout window.
func (w *Watchdog) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastActivity = time.Now()
}

// Continuations returns how many stall continuations this turn has used.
func (w *Watchdog) Continuations() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.continuations
}

// IncrementContinuation consumes one unit of the continuation budget and
// restarts the activity window. Called by the turn loop when it resumes
// after a continuable timeout.
func (w *Watchdog) IncrementContinuation() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.continuations++
	w.lastActivity = time.Now()
	return w.continuations
}

// checkOnce evaluates the activity window at the given instant and raises
// an interruption when it has expired. Split from the loop so tests can
// drive it with synthetic clocks. Returns true when it fired.
func (w *Watchdog) checkOnce(now time.Time) bool {
	if w.interrupter.State() != StateLive {
		return false
	}

	w.mu.Lock()
	elapsed := now.Sub(w.lastActivity)
	continuations := w.continuations
	timeout := w.timeout
	w.mu.Unlock()

	if elapsed < timeout {
		return false
	}

	canContinue := continuations < w.maxContinuations
	reason := fmt.Sprintf("no tool activity for %s", elapsed.Round(time.Second))
	if !w.interrupter.RequestCancel(reason, true, canContinue) {
		return false
	}
	w.logger.Warn("activity timeout",
		"elapsed", elapsed.Round(time.Second),
		"continuations", continuations,
		"continuable", canContinue,
	)
	return true
}

// Start launches the periodic check loop and returns its stop function.
// The stop function is idempotent and must be called on every turn exit
// path; a leaked timer would fire into a dead turn.
func (w *Watchdog) Start() (stop func()) {
	interval := w.timeout / 4
	if interval < 250*time.Millisecond {
		interval = 250 * time.Millisecond
	}
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}

	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				w.checkOnce(time.Now())
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
	}
}
