// Package navigator – streamguard.go implements the stream loop detector:
// a generic watchdog over chunked model output that catches degenerate text
// repetition while it is being generated, before any tool call is proposed.
//
// Chunks accumulate into a tail-capped buffer. After a warm-up period the
// guard sweeps the buffer on a fixed interval with a priority-ordered list
// of strategies; the first match wins, raises an interruption, and halts
// further checks.
package navigator

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// charRunThreshold is the trailing same-rune run length treated as a loop.
const charRunThreshold = 512

// StreamStrategy is one pattern check over accumulated stream text.
type StreamStrategy struct {
	Name  string
	Check func(tail string) (matched bool, detail string)
}

// StreamGuard watches one turn's streamed output for repetition loops.
type StreamGuard struct {
	mu         sync.Mutex
	cfg        StreamGuardConfig
	buf        []byte
	firstChunk time.Time
	fired      bool
	stopped    bool

	strategies  []StreamStrategy
	interrupter *Interrupter
	logger      *slog.Logger
}

// NewStreamGuard creates a guard with the default strategy list.
func NewStreamGuard(cfg StreamGuardConfig, interrupter *Interrupter, logger *slog.Logger) *StreamGuard {
	if cfg.WarmupSeconds <= 0 {
		cfg.WarmupSeconds = 5
	}
	if cfg.CheckIntervalSeconds <= 0 {
		cfg.CheckIntervalSeconds = 2
	}
	if cfg.MinRepeatLength <= 0 {
		cfg.MinRepeatLength = 40
	}
	if cfg.MinRepeatCount <= 1 {
		cfg.MinRepeatCount = 4
	}
	if cfg.MaxBufferBytes <= 0 {
		cfg.MaxBufferBytes = 256 * 1024
	}

	g := &StreamGuard{
		cfg:         cfg,
		interrupter: interrupter,
		logger:      logger.With("component", "streamguard"),
	}
	g.strategies = []StreamStrategy{
		{Name: "block-repeat", Check: g.checkBlockRepeat},
		{Name: "line-repeat", Check: g.checkLineRepeat},
		{Name: "char-run", Check: checkCharRun},
	}
	return g
}

// Feed appends a streamed chunk. No-op once the guard fired or stopped.
func (g *StreamGuard) Feed(chunk string) {
	if chunk == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fired || g.stopped {
		return
	}
	if g.firstChunk.IsZero() {
		g.firstChunk = time.Now()
	}
	g.buf = append(g.buf, chunk...)
	if len(g.buf) > g.cfg.MaxBufferBytes {
		// Keep the tail; every strategy only inspects the end.
		keep := g.buf[len(g.buf)-g.cfg.MaxBufferBytes:]
		g.buf = append(g.buf[:0:0], keep...)
	}
}

// checkOnce sweeps the buffer at the given instant. Split from the loop so
// tests can drive it with synthetic clocks. Returns true when a strategy
// matched and the interruption was raised.
func (g *StreamGuard) checkOnce(now time.Time) bool {
	g.mu.Lock()
	if g.fired || g.stopped || g.firstChunk.IsZero() {
		g.mu.Unlock()
		return false
	}
	if now.Sub(g.firstChunk) < time.Duration(g.cfg.WarmupSeconds)*time.Second {
		g.mu.Unlock()
		return false
	}
	tail := string(g.buf)
	g.mu.Unlock()

	for _, s := range g.strategies {
		matched, detail := s.Check(tail)
		if !matched {
			continue
		}
		g.mu.Lock()
		if g.fired || g.stopped {
			g.mu.Unlock()
			return false
		}
		g.fired = true
		g.mu.Unlock()

		g.logger.Warn("stream loop detected", "strategy", s.Name, "detail", detail)
		g.interrupter.RequestCancel("runaway generation: "+detail, false, false)
		return true
	}
	return false
}

// Start launches the sweep loop and returns its stop function. The stop
// function is idempotent and must run on every turn exit path.
func (g *StreamGuard) Start() (stop func()) {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(time.Duration(g.cfg.CheckIntervalSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if g.checkOnce(time.Now()) {
					return
				}
			}
		}
	}()

	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.stopped = true
			g.mu.Unlock()
			close(done)
		})
	}
}

// ─── Strategies ───

// checkBlockRepeat looks for the tail ending in N consecutive copies of the
// same block of at least MinRepeatLength bytes.
func (g *StreamGuard) checkBlockRepeat(tail string) (bool, string) {
	minLen := g.cfg.MinRepeatLength
	minCount := g.cfg.MinRepeatCount

	n := len(tail)
	if n < minLen*minCount {
		return false, ""
	}

	maxLen := n / minCount
	if maxLen > 2048 {
		maxLen = 2048
	}
	for blockLen := minLen; blockLen <= maxLen; blockLen++ {
		block := tail[n-blockLen:]
		if tail[n-2*blockLen:n-blockLen] != block {
			continue
		}
		count := 2
		for count < minCount && (count+1)*blockLen <= n {
			start := n - (count+1)*blockLen
			if tail[start:start+blockLen] != block {
				break
			}
			count++
		}
		if count >= minCount {
			return true, fmt.Sprintf("block of %d chars repeated %d times", blockLen, count)
		}
	}
	return false, ""
}

// checkLineRepeat looks for the same non-trivial line repeated on
// consecutive trailing lines. Needs twice the block-repeat count since
// lines can be short.
func (g *StreamGuard) checkLineRepeat(tail string) (bool, string) {
	minCount := g.cfg.MinRepeatCount * 2

	lines := strings.Split(tail, "\n")
	// The last element may be a line still being streamed; skip it.
	if len(lines) > 0 {
		lines = lines[:len(lines)-1]
	}
	if len(lines) < minCount {
		return false, ""
	}

	last := strings.TrimSpace(lines[len(lines)-1])
	// Short lines like closing braces legitimately repeat in code.
	if len(last) < 4 {
		return false, ""
	}

	count := 0
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != last {
			break
		}
		count++
	}
	if count >= minCount {
		return true, fmt.Sprintf("line %q repeated %d times", truncate(last, 40), count)
	}
	return false, ""
}

// checkCharRun looks for a pathological run of a single rune.
func checkCharRun(tail string) (bool, string) {
	if tail == "" {
		return false, ""
	}
	lastRune, _ := utf8.DecodeLastRuneInString(tail)
	if lastRune == utf8.RuneError {
		return false, ""
	}

	count := 0
	rest := tail
	for rest != "" {
		r, size := utf8.DecodeLastRuneInString(rest)
		if r != lastRune {
			break
		}
		count++
		rest = rest[:len(rest)-size]
		if count >= charRunThreshold {
			return true, fmt.Sprintf("character %q repeated %d+ times", lastRune, count)
		}
	}
	return false, ""
}
