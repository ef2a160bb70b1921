// Package navigator – compact.go implements conversation compaction:
// replacing older messages with an LLM-generated summary once context usage
// crosses a threshold, reclaiming window budget without losing the thread.
// Manual compaction reuses the same path with custom instructions and an
// explicit summary label.
package navigator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// defaultSummaryPrompt asks the model to compress the visible history.
const defaultSummaryPrompt = "Summarize the conversation so far for your own future reference. " +
	"Capture: what the user wants, decisions made, work completed, file paths and identifiers touched, " +
	"and anything still pending. Be specific and concise; write plain prose."

// defaultSummaryLabel heads the synthesized summary message.
const defaultSummaryLabel = "Conversation summary"

// fallbackSummary is used when every summarization attempt fails.
const fallbackSummary = "Previous conversation context was compacted."

const (
	summaryTimeout    = 90 * time.Second
	maxSummaryRetries = 3
	perMessageExcerpt = 2000
)

// CompactOptions parameterizes one compaction run.
type CompactOptions struct {
	// Manual marks user-requested compaction (the /compact command), which
	// skips the usage-threshold check.
	Manual bool

	// Instructions replaces the default summarization prompt when set.
	Instructions string

	// Label heads the summary message (default: "Conversation summary").
	Label string
}

// Compactor watches context usage and rewrites the conversation when it
// grows past the configured share of the model window.
type Compactor struct {
	mu         sync.Mutex
	compacting bool

	cfg          CompactionConfig
	conversation *Conversation
	accountant   *Accountant
	client       Client
	bus          *Bus
	logger       *slog.Logger
}

// NewCompactor creates a compactor, normalizing degenerate config values.
func NewCompactor(cfg CompactionConfig, conversation *Conversation, accountant *Accountant, client Client, bus *Bus, logger *slog.Logger) *Compactor {
	if cfg.TriggerPercent <= 0 || cfg.TriggerPercent > 100 {
		cfg.TriggerPercent = 80
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = 6
	}
	if cfg.MinMessages <= 0 {
		cfg.MinMessages = 10
	}
	return &Compactor{
		cfg:          cfg,
		conversation: conversation,
		accountant:   accountant,
		client:       client,
		bus:          bus,
		logger:       logger.With("component", "compactor"),
	}
}

// MaybeCompact runs a compaction when context usage has crossed the
// threshold. Called before each model call. Returns true when it compacted.
func (c *Compactor) MaybeCompact(ctx context.Context, runID string) bool {
	usage := c.accountant.UsagePercent(c.conversation.Messages())
	if usage < c.cfg.TriggerPercent {
		return false
	}
	if c.conversation.Len() < c.cfg.MinMessages {
		return false
	}

	c.logger.Info("compaction threshold crossed",
		"usage_percent", fmt.Sprintf("%.1f", usage),
		"trigger_percent", c.cfg.TriggerPercent,
		"messages", c.conversation.Len(),
	)
	if err := c.Compact(ctx, runID, CompactOptions{}); err != nil {
		c.logger.Warn("automatic compaction failed", "error", err)
		return false
	}
	return true
}

// Compact performs one summarization pass over the conversation. Reentrant
// calls while a pass is running are rejected.
func (c *Compactor) Compact(ctx context.Context, runID string, opts CompactOptions) error {
	c.mu.Lock()
	if c.compacting {
		c.mu.Unlock()
		return fmt.Errorf("compaction already in progress")
	}
	c.compacting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.compacting = false
		c.mu.Unlock()
	}()

	msgs := c.conversation.Messages()
	before := len(msgs)

	first := 0
	if len(msgs) > 0 && msgs[0].Role == RoleSystem {
		first = 1
	}

	keepStart := len(msgs) - c.cfg.KeepRecent
	if keepStart < first {
		keepStart = first
	}

	// The kept window must include the latest user message so the model
	// does not lose the active request.
	if c.cfg.PreserveRecentUser {
		for i := len(msgs) - 1; i >= first; i-- {
			if msgs[i].Role == RoleUser && !msgs[i].Ephemeral {
				if i < keepStart {
					keepStart = i
				}
				break
			}
		}
	}

	// Never split an assistant tool-call batch from its results.
	for keepStart > first && msgs[keepStart].Role == RoleTool {
		keepStart--
	}

	old := msgs[first:keepStart]
	if len(old) == 0 {
		return fmt.Errorf("nothing to compact")
	}

	c.bus.Emit(runID, CompactionStartPayload{Manual: opts.Manual})

	summary := c.summarize(ctx, old, opts.Instructions)

	label := opts.Label
	if label == "" {
		label = defaultSummaryLabel
	}
	summaryMsg := Message{
		Role:      RoleUser,
		Content:   "[" + label + "]\n" + summary,
		Timestamp: time.Now(),
	}

	rebuilt := make([]Message, 0, 1+1+len(msgs)-keepStart)
	if first == 1 {
		rebuilt = append(rebuilt, msgs[0])
	}
	rebuilt = append(rebuilt, summaryMsg)
	rebuilt = append(rebuilt, msgs[keepStart:]...)
	c.conversation.Replace(rebuilt)

	after := c.conversation.Len()
	c.bus.Emit(runID, CompactionCompletePayload{
		MessagesBefore: before,
		MessagesAfter:  after,
		Manual:         opts.Manual,
	})
	c.logger.Info("conversation compacted",
		"messages_before", before,
		"messages_after", after,
		"manual", opts.Manual,
	)
	return nil
}

// summarize asks the model to compress the old messages, retrying transient
// failures with exponential backoff and falling back to a static summary.
func (c *Compactor) summarize(ctx context.Context, old []Message, instructions string) string {
	prompt := instructions
	if prompt == "" {
		prompt = defaultSummaryPrompt
	}

	request := make([]Message, 0, len(old)+1)
	for _, m := range old {
		role := m.Role
		content := excerpt(renderForSummary(m), perMessageExcerpt)
		// A tool message is only valid on the wire paired with its
		// originating call, which this request does not carry.
		if role == RoleTool {
			role = RoleUser
			content = "[tool result: " + m.Name + "]\n" + content
		}
		request = append(request, Message{Role: role, Content: content})
	}
	request = append(request, Message{Role: RoleUser, Content: prompt})

	backoff := 2 * time.Second
	for attempt := 1; attempt <= maxSummaryRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, summaryTimeout)
		resp, err := c.client.Send(callCtx, request, SendOptions{})
		cancel()

		if err == nil && strings.TrimSpace(resp.Content) != "" {
			return strings.TrimSpace(resp.Content)
		}
		if err == nil {
			err = fmt.Errorf("empty summary response")
		}

		c.logger.Warn("summary attempt failed",
			"attempt", attempt,
			"max_retries", maxSummaryRetries,
			"error", err,
		)
		if ctx.Err() != nil {
			break
		}
		if attempt < maxSummaryRetries {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
			}
		}
	}

	c.logger.Error("summarization failed after all retries, using fallback")
	return fallbackSummary
}

// renderForSummary flattens a message for the summarization request. Tool
// call details collapse to names only so the summary call stays small.
func renderForSummary(m Message) string {
	if len(m.ToolCalls) == 0 {
		return m.Content
	}
	names := make([]string, 0, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		names = append(names, tc.Function.Name)
	}
	if m.Content == "" {
		return "(called tools: " + strings.Join(names, ", ") + ")"
	}
	return m.Content + "\n(called tools: " + strings.Join(names, ", ") + ")"
}

// excerpt truncates long content, marking the cut.
func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[... truncated ...]"
}
