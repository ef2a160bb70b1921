package navigator

import (
	"testing"
)

func TestConversation_SystemPromptSingleSlot(t *testing.T) {
	t.Parallel()
	c := NewConversation()

	c.SetSystemPrompt("first")
	c.SetSystemPrompt("second")

	if c.Len() != 1 {
		t.Fatalf("expected 1 message, got %d", c.Len())
	}
	if got := c.SystemPrompt(); got != "second" {
		t.Errorf("expected system prompt %q, got %q", "second", got)
	}
}

func TestConversation_SystemPromptInsertsAtFront(t *testing.T) {
	t.Parallel()
	c := NewConversation()

	c.Append(NewUserMessage("hello"))
	c.SetSystemPrompt("you are helpful")

	msgs := c.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleSystem {
		t.Errorf("expected system message at index 0, got %s", msgs[0].Role)
	}
	if msgs[1].Role != RoleUser {
		t.Errorf("expected user message at index 1, got %s", msgs[1].Role)
	}
}

func TestConversation_MessagesReturnsCopy(t *testing.T) {
	t.Parallel()
	c := NewConversation()
	c.Append(NewUserMessage("original"))

	msgs := c.Messages()
	msgs[0].Content = "mutated"

	if got := c.Messages()[0].Content; got != "original" {
		t.Errorf("internal state mutated through accessor copy: %q", got)
	}
}

func TestConversation_ReplaceRecomputesSystemSlot(t *testing.T) {
	t.Parallel()
	c := NewConversation()
	c.SetSystemPrompt("prompt")
	c.Append(NewUserMessage("hi"))

	c.Replace([]Message{NewUserMessage("fresh start")})

	if got := c.SystemPrompt(); got != "" {
		t.Errorf("expected empty system prompt after replace, got %q", got)
	}

	// Setting a prompt again must insert, not overwrite the user message.
	c.SetSystemPrompt("new prompt")
	msgs := c.Messages()
	if len(msgs) != 2 || msgs[0].Role != RoleSystem || msgs[1].Content != "fresh start" {
		t.Errorf("unexpected layout after re-setting prompt: %+v", msgs)
	}
}

func TestConversation_RemoveIfPreservesOrder(t *testing.T) {
	t.Parallel()
	c := NewConversation()
	c.Append(
		Message{Role: RoleUser, Content: "a"},
		Message{Role: RoleUser, Content: "reminder", Ephemeral: true},
		Message{Role: RoleAssistant, Content: "b"},
		Message{Role: RoleUser, Content: "reminder 2", Ephemeral: true},
		Message{Role: RoleUser, Content: "c"},
	)

	removed := c.RemoveIf(func(m Message) bool { return m.Ephemeral })
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}

	var contents []string
	for _, m := range c.Messages() {
		contents = append(contents, m.Content)
	}
	want := []string{"a", "b", "c"}
	if len(contents) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(contents))
	}
	for i := range want {
		if contents[i] != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], contents[i])
		}
	}
}

func TestConversation_Last(t *testing.T) {
	t.Parallel()
	c := NewConversation()

	if _, ok := c.Last(); ok {
		t.Error("expected no last message on empty conversation")
	}

	c.Append(NewUserMessage("one"), NewUserMessage("two"))
	last, ok := c.Last()
	if !ok || last.Content != "two" {
		t.Errorf("expected last %q, got %q (ok=%v)", "two", last.Content, ok)
	}
}

func TestToolCall_ArgumentsMap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args string
		want map[string]any
	}{
		{"valid", `{"path":"main.go"}`, map[string]any{"path": "main.go"}},
		{"empty", "", map[string]any{}},
		{"malformed", `{oops`, map[string]any{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := ToolCall{Function: FunctionCall{Name: "read_file", Arguments: tt.args}}
			got := tc.ArgumentsMap()
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d keys, got %d", len(tt.want), len(got))
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("key %q: expected %v, got %v", k, v, got[k])
				}
			}
		})
	}
}
