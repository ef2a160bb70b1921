// Package navigator – interrupt.go implements the interruption manager: a
// small state machine tracking turn liveness, arbitrating cancel versus
// interjection requests, and minting the cancellation tokens that in-flight
// work polls.
package navigator

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// TurnState is the interruption manager's view of the turn lifecycle.
type TurnState int

const (
	// StateIdle means no turn is running.
	StateIdle TurnState = iota
	// StateLive means a turn is running and interruptible.
	StateLive
	// StateInterrupted means an interruption was requested and awaits
	// resolution by the turn loop.
	StateInterrupted
)

// String returns a human-readable state name.
func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLive:
		return "live"
	case StateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// InterruptKind distinguishes a hard stop from a mid-turn user message.
type InterruptKind int

const (
	// InterruptCancel stops the turn: explicit user stop or a fatal
	// watchdog.
	InterruptCancel InterruptKind = iota
	// InterruptInterjection redirects the turn with a new user message.
	InterruptInterjection
)

// String returns a human-readable kind name.
func (k InterruptKind) String() string {
	switch k {
	case InterruptCancel:
		return "cancel"
	case InterruptInterjection:
		return "interjection"
	default:
		return "unknown"
	}
}

// InterruptionContext records one pending interruption. Exactly one exists
// per turn; it is cleared when the turn loop consumes it.
type InterruptionContext struct {
	Kind    InterruptKind
	Reason  string
	Message string // interjection text, empty for cancels

	// IsTimeout marks interruptions raised by the activity watchdog.
	IsTimeout bool
	// CanContinueAfterTimeout is set by the watchdog while the continuation
	// budget is not exhausted; the turn loop retries silently instead of
	// surfacing the stop.
	CanContinueAfterTimeout bool
}

// CancelToken is the sole channel through which in-flight tool work and the
// model client observe cancellation. Polled, never forced.
type CancelToken struct {
	cancelled atomic.Bool
}

// Cancelled reports whether cancellation was requested. Safe on a nil
// token, which reads as not cancelled.
func (t *CancelToken) Cancelled() bool {
	if t == nil {
		return false
	}
	return t.cancelled.Load()
}

func (t *CancelToken) cancel() {
	if t != nil {
		t.cancelled.Store(true)
	}
}

// ─── Interrupter ───

// Interrupter arbitrates interruption requests against the turn lifecycle.
// All methods are safe for concurrent use; requests typically arrive from
// watchdog timers or a UI goroutine while the turn loop runs.
type Interrupter struct {
	mu      sync.Mutex
	state   TurnState
	pending *InterruptionContext
	token   *CancelToken

	// wasInterrupted survives EndTurn so the next call can inject a
	// recovery reminder.
	wasInterrupted bool

	logger *slog.Logger
}

// NewInterrupter creates an idle interruption manager.
func NewInterrupter(logger *slog.Logger) *Interrupter {
	return &Interrupter{
		state:  StateIdle,
		logger: logger.With("component", "interrupt"),
	}
}

// State returns the current lifecycle state.
func (i *Interrupter) State() TurnState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Live reports whether a turn is currently running (live or interrupted,
// awaiting resolution).
func (i *Interrupter) Live() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state != StateIdle
}

// BeginTurn transitions idle → live. Returns false when a turn is already
// running, in which case the caller must treat its input as an interjection
// rather than a fresh turn.
func (i *Interrupter) BeginTurn() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateIdle {
		return false
	}
	i.state = StateLive
	i.pending = nil
	i.token = nil
	return true
}

// MintToken creates the cancellation token for the next stretch of
// interruptible work. A token minted while an interruption is already
// pending is born cancelled, so late-starting work observes the stop
// immediately.
func (i *Interrupter) MintToken() *CancelToken {
	i.mu.Lock()
	defer i.mu.Unlock()
	t := &CancelToken{}
	if i.state == StateInterrupted {
		t.cancel()
	}
	i.token = t
	return t
}

// RequestCancel asks the live turn to stop. Returns false when idle (a
// no-op per contract) or when a cancel is already pending (first reason
// wins). A cancel arriving over a pending interjection upgrades it: stop
// beats redirect.
func (i *Interrupter) RequestCancel(reason string, isTimeout, canContinue bool) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch i.state {
	case StateIdle:
		return false
	case StateInterrupted:
		if i.pending != nil && i.pending.Kind == InterruptCancel {
			return false
		}
	}

	i.pending = &InterruptionContext{
		Kind:                    InterruptCancel,
		Reason:                  reason,
		IsTimeout:               isTimeout,
		CanContinueAfterTimeout: canContinue,
	}
	i.state = StateInterrupted
	i.token.cancel()
	i.logger.Info("cancel requested",
		"reason", reason,
		"timeout", isTimeout,
		"continuable", canContinue,
	)
	return true
}

// RequestInterjection records a mid-turn user message. Returns false when
// idle or when a cancel is pending (the message should become the next
// turn's input instead). A newer interjection replaces a pending one.
func (i *Interrupter) RequestInterjection(text string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch i.state {
	case StateIdle:
		return false
	case StateInterrupted:
		if i.pending != nil && i.pending.Kind == InterruptCancel {
			return false
		}
	}

	i.pending = &InterruptionContext{
		Kind:    InterruptInterjection,
		Reason:  "user interjection",
		Message: text,
	}
	i.state = StateInterrupted
	i.token.cancel()
	i.logger.Info("interjection requested", "chars", len(text))
	return true
}

// Pending returns a copy of the pending interruption, or nil.
func (i *Interrupter) Pending() *InterruptionContext {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.pending == nil {
		return nil
	}
	c := *i.pending
	return &c
}

// Consume takes the pending interruption and returns the turn to live so
// the loop can resume (interjection re-invoke, continuable-timeout retry).
// Returns nil when nothing is pending.
func (i *Interrupter) Consume() *InterruptionContext {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.pending == nil {
		return nil
	}
	c := i.pending
	i.pending = nil
	i.state = StateLive
	return c
}

// EndTurn returns to idle, dropping any pending interruption and token.
// When interrupted is true the flag survives for the next call's recovery
// reminder.
func (i *Interrupter) EndTurn(interrupted bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = StateIdle
	i.pending = nil
	i.token = nil
	if interrupted {
		i.wasInterrupted = true
	}
}

// ConsumeInterruptedFlag reports whether the previous turn ended
// interrupted, clearing the flag.
func (i *Interrupter) ConsumeInterruptedFlag() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	was := i.wasInterrupted
	i.wasInterrupted = false
	return was
}
