// Package navigator – conversation.go holds the ordered message history for
// one agent and the message model shared across the package.
//
// The conversation is owned by a single Agent instance; accessors copy on
// read so callers can never alias the internal slice. Order is append-only
// except for bulk replacement (compaction, resume) and predicate removal
// (ephemeral cleanup, reminder cleanup) — messages are never reordered.
package navigator

import (
	"encoding/json"
	"sync"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FunctionCall holds the function name and serialized arguments from the model.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// Message is one unit of conversation history.
//
// Tool-role messages reference a ToolCallID from a prior assistant message's
// ToolCalls. The Partial flag marks assistant output that was cut short by an
// interjection; Ephemeral marks UI-only messages purged once a turn concludes
// with visible text.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	Timestamp  time.Time  `json:"timestamp,omitzero"`

	Partial        bool `json:"partial,omitempty"`
	IsInterjection bool `json:"is_interjection,omitempty"`
	Ephemeral      bool `json:"ephemeral,omitempty"`
}

// NewUserMessage builds a user message stamped with the current time.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now()}
}

// NewToolResultMessage builds a tool-role message answering the given call.
func NewToolResultMessage(callID, name, content string) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: callID,
		Name:       name,
		Timestamp:  time.Now(),
	}
}

// ArgumentsMap parses the call's JSON arguments into a map.
// Returns an empty map for empty or malformed arguments.
func (tc ToolCall) ArgumentsMap() map[string]any {
	args := map[string]any{}
	if tc.Function.Arguments == "" {
		return args
	}
	_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
	return args
}

// ─── Conversation ───

// Conversation is the ordered message list with a cached system-message slot.
// At most one system message ever exists and it always occupies index 0.
type Conversation struct {
	mu        sync.RWMutex
	messages  []Message
	hasSystem bool
}

// NewConversation creates an empty conversation.
func NewConversation() *Conversation {
	return &Conversation{}
}

// SetSystemPrompt replaces the system message's content in place, inserting
// it at index 0 on first use. It never produces a duplicate system entry.
func (c *Conversation) SetSystemPrompt(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hasSystem {
		c.messages[0].Content = content
		return
	}
	c.messages = append([]Message{{Role: RoleSystem, Content: content}}, c.messages...)
	c.hasSystem = true
}

// SystemPrompt returns the current system message content, or "" if unset.
func (c *Conversation) SystemPrompt() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasSystem {
		return ""
	}
	return c.messages[0].Content
}

// Append adds messages to the end of the history.
func (c *Conversation) Append(msgs ...Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msgs...)
}

// Replace swaps the entire history (compaction, rewind, resume).
// The system-message slot is recomputed from the new list.
func (c *Conversation) Replace(msgs []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = make([]Message, len(msgs))
	copy(c.messages, msgs)
	c.hasSystem = len(c.messages) > 0 && c.messages[0].Role == RoleSystem
}

// RemoveIf deletes every message matching the predicate, preserving order.
// Returns the number removed.
func (c *Conversation) RemoveIf(pred func(Message) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.messages[:0]
	removed := 0
	for _, m := range c.messages {
		if pred(m) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	c.messages = kept
	c.hasSystem = len(c.messages) > 0 && c.messages[0].Role == RoleSystem
	return removed
}

// Messages returns a copy of the full history.
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages including the system message.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Last returns the final message and true, or a zero message and false when
// the conversation is empty.
func (c *Conversation) Last() (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.messages) == 0 {
		return Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}
