// Package navigator – turnclock.go implements the wall-clock budget for
// time-boxed delegated agents. The top-level agent never expires on wall
// clock; delegates get a budget so an unattended run cannot spin forever.
package navigator

import (
	"sync"
	"time"
)

// TurnClock tracks a turn's start time against an optional duration budget.
// A zero budget means unlimited.
type TurnClock struct {
	mu     sync.Mutex
	start  time.Time
	budget time.Duration
}

// NewTurnClock creates a clock with the given budget; 0 disables expiry.
func NewTurnClock(budget time.Duration) *TurnClock {
	return &TurnClock{budget: budget}
}

// StartTurn resets the clock. Called once at the start of each call.
func (t *TurnClock) StartTurn() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start = time.Now()
}

// Elapsed returns time since the turn started.
func (t *TurnClock) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.start.IsZero() {
		return 0
	}
	return time.Since(t.start)
}

// Remaining returns the budget left. ok is false for unlimited clocks.
func (t *TurnClock) Remaining() (remaining time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.budget <= 0 || t.start.IsZero() {
		return 0, false
	}
	r := t.budget - time.Since(t.start)
	if r < 0 {
		r = 0
	}
	return r, true
}

// Expired reports whether the budget is spent. Always false for unlimited
// clocks.
func (t *TurnClock) Expired() bool {
	r, ok := t.Remaining()
	return ok && r == 0
}

// RunningOut reports whether less than a fifth of the budget remains, the
// point where the agent injects wrap-up guidance.
func (t *TurnClock) RunningOut() bool {
	t.mu.Lock()
	budget := t.budget
	t.mu.Unlock()
	r, ok := t.Remaining()
	return ok && r <= budget/5
}
