// Package navigator – session.go defines the durable session model and the
// persistence filter that decides which messages reach disk.
package navigator

import (
	"time"

	"github.com/google/uuid"
)

// TodoStatus tracks one todo item's progress.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoDone       TodoStatus = "done"
)

// Todo is one item of the session's working plan.
type Todo struct {
	ID      int        `json:"id"`
	Content string     `json:"content"`
	Status  TodoStatus `json:"status"`
}

// Session is the durable unit of conversation state. One JSON document per
// session on disk.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// WorkDir is the workspace the session was opened in.
	WorkDir string `json:"workdir,omitempty"`

	// Messages is the filtered history: no system messages, no assistant
	// messages with unresolved tool calls.
	Messages []Message `json:"messages"`

	Todos []Todo `json:"todos,omitempty"`

	// IdleQueue holds messages composed while no turn was running, waiting
	// to be sent.
	IdleQueue []string `json:"idle_queue,omitempty"`

	// ProjectContext is a snapshot of workspace context injected into the
	// system prompt.
	ProjectContext string `json:"project_context,omitempty"`

	ActivePlugins []string `json:"active_plugins,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewSession creates a session with a fresh id.
func NewSession(name, workDir string) *Session {
	now := time.Now()
	return &Session{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
		WorkDir:   workDir,
	}
}

// Touch bumps the updated timestamp.
func (s *Session) Touch() {
	s.UpdatedAt = time.Now()
}

// Clone deep-copies the session so cached reads cannot alias store state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		c.Messages[i] = m
		if len(m.ToolCalls) > 0 {
			c.Messages[i].ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
		}
	}
	if s.Todos != nil {
		c.Todos = append([]Todo(nil), s.Todos...)
	}
	if s.IdleQueue != nil {
		c.IdleQueue = append([]string(nil), s.IdleQueue...)
	}
	if s.ActivePlugins != nil {
		c.ActivePlugins = append([]string(nil), s.ActivePlugins...)
	}
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// SessionInfo is the listing summary for one stored session.
type SessionInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	WorkDir      string    `json:"workdir,omitempty"`
	MessageCount int       `json:"message_count"`
}

// Info summarizes the session for listings.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:           s.ID,
		Name:         s.Name,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		WorkDir:      s.WorkDir,
		MessageCount: len(s.Messages),
	}
}

// FilterMessagesForPersistence applies the on-disk message rules: system
// messages never persist (the prompt is regenerated on load), and an
// assistant message with any unanswered tool call is stripped along with
// the results of stripped calls, so the file always satisfies the
// call/result pairing invariant.
func FilterMessagesForPersistence(msgs []Message) []Message {
	answered := make(map[string]bool)
	for _, m := range msgs {
		if m.Role == RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}

	// An assistant message survives only when every one of its calls has a
	// result; the ids of surviving calls keep their tool messages.
	kept := make(map[string]bool)
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			continue
		case RoleAssistant:
			if len(m.ToolCalls) > 0 {
				resolved := true
				for _, tc := range m.ToolCalls {
					if !answered[tc.ID] {
						resolved = false
						break
					}
				}
				if !resolved {
					continue
				}
				for _, tc := range m.ToolCalls {
					kept[tc.ID] = true
				}
			}
			out = append(out, m)
		case RoleTool:
			if !kept[m.ToolCallID] {
				continue
			}
			out = append(out, m)
		default:
			out = append(out, m)
		}
	}
	return out
}
