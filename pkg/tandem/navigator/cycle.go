// Package navigator – cycle.go detects tool-call cycles: the model
// repeating the same call with the same arguments, a sign it is stuck. The
// detector keeps a bounded FIFO window of recent call fingerprints; the
// window is cleared whenever the streak breaks or new user input arrives,
// so the window length is always the current streak.
package navigator

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// CycleSeverity is the level of a detected cycle.
type CycleSeverity int

const (
	CycleNone     CycleSeverity = iota
	CycleWarning                // nudge the model toward a different approach
	CycleCritical               // skip execution and demand a strategy change
)

// String returns a human-readable severity name.
func (s CycleSeverity) String() string {
	switch s {
	case CycleNone:
		return "none"
	case CycleWarning:
		return "warning"
	case CycleCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// CycleInfo is the outcome of a cycle check for one tool-call batch. It is
// also handed to the tool scheduler so it can factor repetition into
// permission decisions.
type CycleInfo struct {
	Severity CycleSeverity
	Streak   int
	ToolName string
	Message  string // guidance injected into the conversation
}

type cycleEntry struct {
	hash string
	name string
}

// CycleDetector tracks recent tool calls and flags repeats.
type CycleDetector struct {
	mu     sync.Mutex
	cfg    CycleConfig
	window []cycleEntry
	logger *slog.Logger
}

// NewCycleDetector creates a detector, normalizing inverted or zero
// thresholds.
func NewCycleDetector(cfg CycleConfig, logger *slog.Logger) *CycleDetector {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.WarnThreshold <= 0 {
		cfg.WarnThreshold = 3
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = 5
	}
	// Ensure thresholds are ordered.
	if cfg.CriticalThreshold <= cfg.WarnThreshold {
		cfg.CriticalThreshold = cfg.WarnThreshold + 1
	}
	if cfg.WindowSize < cfg.CriticalThreshold {
		cfg.WindowSize = cfg.CriticalThreshold
	}

	return &CycleDetector{
		cfg:    cfg,
		window: make([]cycleEntry, 0, cfg.WindowSize),
		logger: logger.With("component", "cycle"),
	}
}

// Observe records a tool-call batch and reports the worst cycle found.
func (d *CycleDetector) Observe(calls []ToolCall) CycleInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	worst := CycleInfo{Severity: CycleNone}
	for _, call := range calls {
		info := d.observe(call.Function.Name, call.Function.Arguments)
		if info.Severity > worst.Severity {
			worst = info
		}
	}
	return worst
}

func (d *CycleDetector) observe(name, args string) CycleInfo {
	hash := fingerprintCall(name, args)

	// A differing call breaks the streak and empties the window.
	if n := len(d.window); n > 0 && d.window[n-1].hash != hash {
		d.window = d.window[:0]
	}
	d.window = append(d.window, cycleEntry{hash: hash, name: name})
	if len(d.window) > d.cfg.WindowSize {
		d.window = d.window[len(d.window)-d.cfg.WindowSize:]
	}

	streak := len(d.window)
	switch {
	case streak >= d.cfg.CriticalThreshold:
		d.logger.Warn("tool cycle critical", "tool", name, "streak", streak)
		return CycleInfo{
			Severity: CycleCritical,
			Streak:   streak,
			ToolName: name,
			Message: fmt.Sprintf(
				"CRITICAL: you have repeated '%s' %d times with identical arguments and it is not working. "+
					"Do NOT call this tool again with the same arguments. Explain what you tried and ask the user for guidance.",
				name, streak),
		}
	case streak >= d.cfg.WarnThreshold:
		d.logger.Warn("tool cycle warning", "tool", name, "streak", streak)
		return CycleInfo{
			Severity: CycleWarning,
			Streak:   streak,
			ToolName: name,
			Message: fmt.Sprintf(
				"WARNING: you have called '%s' %d times with identical arguments. "+
					"If the previous results did not help, try a different approach instead of repeating the call.",
				name, streak),
		}
	default:
		return CycleInfo{Severity: CycleNone, Streak: streak, ToolName: name}
	}
}

// Reset clears the window. Called on new user input.
func (d *CycleDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = d.window[:0]
}

// fingerprintCall builds a stable hash of tool name plus normalized
// arguments so formatting differences do not defeat detection.
func fingerprintCall(name, args string) string {
	canonical := args
	var parsed map[string]any
	if err := json.Unmarshal([]byte(args), &parsed); err == nil {
		if data, err := json.Marshal(parsed); err == nil {
			canonical = string(data)
		}
	}

	key := name + ":" + canonical
	// Shell commands additionally get whitespace collapsed.
	if name == "shell" || name == "bash" {
		key = strings.Join(strings.Fields(key), " ")
	}

	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", h[:8])
}
