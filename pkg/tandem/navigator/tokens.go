// Package navigator – tokens.go estimates context-window consumption.
// Estimates are deliberately rough (≈3 characters per token for mixed
// code/prose) — they feed the compaction threshold, not billing.
package navigator

import "unicode/utf8"

const (
	// DefaultContextWindow is assumed when the model's window is unknown.
	DefaultContextWindow = 128_000

	// perMessageOverhead accounts for role/framing tokens the wire format
	// adds around each message.
	perMessageOverhead = 4

	// charsPerToken is the estimation divisor.
	charsPerToken = 3
)

// Accountant tracks estimated token cost against the model's context window.
type Accountant struct {
	window int
}

// NewAccountant creates an accountant for the given context window.
// A non-positive window falls back to DefaultContextWindow.
func NewAccountant(contextWindow int) *Accountant {
	if contextWindow <= 0 {
		contextWindow = DefaultContextWindow
	}
	return &Accountant{window: contextWindow}
}

// Window returns the context window size in tokens.
func (a *Accountant) Window() int {
	return a.window
}

// EstimateText estimates the token cost of a raw string.
func EstimateText(s string) int {
	if s == "" {
		return 0
	}
	n := utf8.RuneCountInString(s) / charsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// EstimateMessage estimates one message including its tool-call arguments.
func (a *Accountant) EstimateMessage(m Message) int {
	total := perMessageOverhead + EstimateText(m.Content)
	for _, tc := range m.ToolCalls {
		total += EstimateText(tc.Function.Name) + EstimateText(tc.Function.Arguments)
	}
	return total
}

// EstimateConversation estimates the full message list.
func (a *Accountant) EstimateConversation(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += a.EstimateMessage(m)
	}
	return total
}

// UsagePercent reports estimated usage as a percentage of the window.
func (a *Accountant) UsagePercent(msgs []Message) float64 {
	return float64(a.EstimateConversation(msgs)) / float64(a.window) * 100
}

// Usage bundles the estimate for event emission.
func (a *Accountant) Usage(msgs []Message) ContextUsagePayload {
	tokens := a.EstimateConversation(msgs)
	return ContextUsagePayload{
		Tokens:       tokens,
		WindowTokens: a.window,
		UsagePercent: float64(tokens) / float64(a.window) * 100,
	}
}
