package navigator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type compactorFixture struct {
	compactor *Compactor
	conv      *Conversation
	client    *scriptedClient
	bus       *Bus
}

func newTestCompactor(t *testing.T, cfg CompactionConfig, window int) *compactorFixture {
	t.Helper()
	conv := NewConversation()
	client := &scriptedClient{}
	bus := NewBus()
	return &compactorFixture{
		compactor: NewCompactor(cfg, conv, NewAccountant(window), client, bus, slog.Default()),
		conv:      conv,
		client:    client,
		bus:       bus,
	}
}

// seedConversation fills the fixture with a system prompt and n alternating
// user/assistant messages.
func (f *compactorFixture) seedConversation(n int) {
	f.conv.SetSystemPrompt("You are the assistant.")
	for i := 0; i < n; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		f.conv.Append(Message{Role: role, Content: strings.Repeat("words ", 10)})
	}
}

func TestCompactor_RebuildsWithSummary(t *testing.T) {
	t.Parallel()
	f := newTestCompactor(t, CompactionConfig{KeepRecent: 4}, 0)
	f.seedConversation(10)
	rec := &eventRecorder{}
	defer f.bus.Subscribe(rec.record)()
	f.client.steps = []scriptStep{{resp: &Response{Content: "The summary."}}}

	if err := f.compactor.Compact(context.Background(), "run-1", CompactOptions{}); err != nil {
		t.Fatalf("expected compaction to succeed, got error: %v", err)
	}

	msgs := f.conv.Messages()
	if len(msgs) != 6 {
		t.Fatalf("expected system, summary, and 4 kept messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleSystem {
		t.Error("expected the system prompt to survive in front")
	}
	if msgs[1].Role != RoleUser || msgs[1].Content != "[Conversation summary]\nThe summary." {
		t.Errorf("unexpected summary message: %+v", msgs[1])
	}

	events := rec.waitFor(t, 2)
	start, ok := events[0].Payload.(CompactionStartPayload)
	if !ok || start.Manual {
		t.Errorf("unexpected start event: %+v", events[0].Payload)
	}
	complete, ok := events[1].Payload.(CompactionCompletePayload)
	if !ok || complete.MessagesBefore != 11 || complete.MessagesAfter != 6 {
		t.Errorf("unexpected completion event: %+v", events[1].Payload)
	}
}

func TestCompactor_ManualLabelAndInstructions(t *testing.T) {
	t.Parallel()
	f := newTestCompactor(t, CompactionConfig{KeepRecent: 2}, 0)
	f.seedConversation(8)
	f.client.steps = []scriptStep{{resp: &Response{Content: "Paths: a.go, b.go."}}}

	err := f.compactor.Compact(context.Background(), "run-1", CompactOptions{
		Manual:       true,
		Instructions: "List every file path mentioned so far.",
		Label:        "Handoff notes",
	})
	if err != nil {
		t.Fatalf("expected compaction to succeed, got error: %v", err)
	}

	request := f.client.sentMessages(0)
	last := request[len(request)-1]
	if last.Role != RoleUser || last.Content != "List every file path mentioned so far." {
		t.Errorf("expected the custom instructions as the final request message, got %+v", last)
	}

	msgs := f.conv.Messages()
	if !strings.HasPrefix(msgs[1].Content, "[Handoff notes]\n") {
		t.Errorf("expected the custom label, got %q", msgs[1].Content)
	}
}

func TestCompactor_PreservesActiveUserRequest(t *testing.T) {
	t.Parallel()
	f := newTestCompactor(t, CompactionConfig{KeepRecent: 2, PreserveRecentUser: true}, 0)
	f.conv.SetSystemPrompt("system")
	f.conv.Append(
		Message{Role: RoleUser, Content: "an old request"},
		Message{Role: RoleAssistant, Content: "old answer"},
		Message{Role: RoleUser, Content: "the active request"},
		Message{Role: RoleAssistant, Content: "progress 1"},
		Message{Role: RoleAssistant, Content: "progress 2"},
		Message{Role: RoleAssistant, Content: "progress 3"},
		Message{Role: RoleAssistant, Content: "progress 4"},
		Message{Role: RoleAssistant, Content: "progress 5"},
	)
	f.client.steps = []scriptStep{{resp: &Response{Content: "summary"}}}

	if err := f.compactor.Compact(context.Background(), "run-1", CompactOptions{}); err != nil {
		t.Fatalf("expected compaction to succeed, got error: %v", err)
	}

	msgs := f.conv.Messages()
	if !containsContent(msgs, "the active request") {
		t.Error("expected the latest user request to survive compaction")
	}
	if containsContent(msgs, "an old request") {
		t.Error("expected the older exchange to be summarized away")
	}
}

func TestCompactor_NeverSplitsToolBatch(t *testing.T) {
	t.Parallel()
	f := newTestCompactor(t, CompactionConfig{KeepRecent: 3}, 0)
	f.conv.SetSystemPrompt("system")
	f.conv.Append(
		Message{Role: RoleUser, Content: "start"},
		Message{Role: RoleAssistant, Content: "thinking"},
		Message{Role: RoleUser, Content: "go on"},
		Message{Role: RoleAssistant, ToolCalls: []ToolCall{
			{ID: "call_1", Function: FunctionCall{Name: "shell"}},
			{ID: "call_2", Function: FunctionCall{Name: "read_file"}},
		}},
		NewToolResultMessage("call_1", "shell", "out 1"),
		NewToolResultMessage("call_2", "read_file", "out 2"),
		Message{Role: RoleAssistant, Content: "based on the outputs"},
	)
	f.client.steps = []scriptStep{{resp: &Response{Content: "summary"}}}

	if err := f.compactor.Compact(context.Background(), "run-1", CompactOptions{}); err != nil {
		t.Fatalf("expected compaction to succeed, got error: %v", err)
	}

	// The cut would land on a tool result; it must back up to keep the
	// calling assistant message with its results.
	msgs := f.conv.Messages()
	if len(msgs[2].ToolCalls) != 2 {
		t.Fatalf("expected the tool-calling message right after the summary, got %+v", msgs[2])
	}
	if msgs[3].Role != RoleTool || msgs[4].Role != RoleTool {
		t.Error("expected both tool results kept with their call")
	}
}

func TestCompactor_SummaryRequestCarriesNoToolRoles(t *testing.T) {
	t.Parallel()
	f := newTestCompactor(t, CompactionConfig{KeepRecent: 2}, 0)
	f.conv.SetSystemPrompt("system")
	f.conv.Append(
		Message{Role: RoleUser, Content: "start"},
		Message{Role: RoleAssistant, ToolCalls: []ToolCall{
			{ID: "call_1", Function: FunctionCall{Name: "shell"}},
		}},
		NewToolResultMessage("call_1", "shell", "listing output"),
		Message{Role: RoleAssistant, Content: "done with tools"},
		Message{Role: RoleUser, Content: "next"},
		Message{Role: RoleAssistant, Content: "working 1"},
		Message{Role: RoleAssistant, Content: "working 2"},
	)
	f.client.steps = []scriptStep{{resp: &Response{Content: "summary"}}}

	if err := f.compactor.Compact(context.Background(), "run-1", CompactOptions{}); err != nil {
		t.Fatalf("expected compaction to succeed, got error: %v", err)
	}

	refiled := false
	for _, m := range f.client.sentMessages(0) {
		if m.Role == RoleTool {
			t.Fatalf("expected no tool-role messages in the summary request, got %+v", m)
		}
		if m.Role == RoleUser && strings.HasPrefix(m.Content, "[tool result: shell]") {
			refiled = true
		}
	}
	if !refiled {
		t.Error("expected the tool output refiled as user content in the summary request")
	}
}

func TestCompactor_NothingToCompact(t *testing.T) {
	t.Parallel()
	f := newTestCompactor(t, CompactionConfig{}, 0)
	f.conv.SetSystemPrompt("system")
	f.conv.Append(Message{Role: RoleUser, Content: "hi"})

	err := f.compactor.Compact(context.Background(), "run-1", CompactOptions{})
	if err == nil || !strings.Contains(err.Error(), "nothing to compact") {
		t.Errorf("expected a nothing-to-compact error, got %v", err)
	}
	if f.client.callCount() != 0 {
		t.Error("expected no model call when there is nothing to compact")
	}
}

func TestCompactor_FallbackWhenSummarizationFails(t *testing.T) {
	t.Parallel()
	f := newTestCompactor(t, CompactionConfig{KeepRecent: 2}, 0)
	f.seedConversation(8)
	f.client.steps = []scriptStep{
		{err: errors.New("upstream unavailable")},
		{err: errors.New("upstream unavailable")},
		{err: errors.New("upstream unavailable")},
	}

	// A cancelled context stops the retry loop after the first failure, so
	// the fallback path runs without waiting out the backoff.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.compactor.Compact(ctx, "run-1", CompactOptions{}); err != nil {
		t.Fatalf("expected compaction to fall back, got error: %v", err)
	}
	msgs := f.conv.Messages()
	if !strings.Contains(msgs[1].Content, fallbackSummary) {
		t.Errorf("expected the static fallback summary, got %q", msgs[1].Content)
	}
}

func TestCompactor_RejectsReentrantCompaction(t *testing.T) {
	t.Parallel()
	f := newTestCompactor(t, CompactionConfig{KeepRecent: 2}, 0)
	f.seedConversation(8)

	gate := make(chan struct{})
	f.client.steps = []scriptStep{{
		before: func([]Message) { <-gate },
		resp:   &Response{Content: "slow summary"},
	}}

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- f.compactor.Compact(context.Background(), "run-1", CompactOptions{})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for f.client.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected the first compaction to reach the model call")
		}
		time.Sleep(5 * time.Millisecond)
	}

	err := f.compactor.Compact(context.Background(), "run-1", CompactOptions{})
	if err == nil || !strings.Contains(err.Error(), "already in progress") {
		t.Errorf("expected the overlapping compaction to be rejected, got %v", err)
	}

	close(gate)
	if err := <-firstDone; err != nil {
		t.Errorf("expected the first compaction to finish, got error: %v", err)
	}
}

func TestCompactor_MaybeCompactThreshold(t *testing.T) {
	t.Parallel()
	// A 100-token window makes percentages easy to hit deterministically.
	f := newTestCompactor(t, CompactionConfig{TriggerPercent: 50, KeepRecent: 2, MinMessages: 4}, 100)
	f.client.steps = []scriptStep{{resp: &Response{Content: "summary"}}}

	f.conv.Append(
		Message{Role: RoleUser, Content: strings.Repeat("x", 60)},
		Message{Role: RoleAssistant, Content: strings.Repeat("x", 60)},
		Message{Role: RoleUser, Content: strings.Repeat("x", 60)},
		Message{Role: RoleAssistant, Content: strings.Repeat("x", 60)},
	)

	if !f.compactor.MaybeCompact(context.Background(), "run-1") {
		t.Error("expected compaction above the threshold")
	}
	if f.client.callCount() != 1 {
		t.Errorf("expected one summary call, made %d", f.client.callCount())
	}
}

func TestCompactor_MaybeCompactBelowThresholdOrTooShort(t *testing.T) {
	t.Parallel()

	quiet := newTestCompactor(t, CompactionConfig{TriggerPercent: 50, MinMessages: 4}, 10_000)
	quiet.conv.Append(
		Message{Role: RoleUser, Content: "short"},
		Message{Role: RoleAssistant, Content: "short"},
		Message{Role: RoleUser, Content: "short"},
		Message{Role: RoleAssistant, Content: "short"},
	)
	if quiet.compactor.MaybeCompact(context.Background(), "run-1") {
		t.Error("expected no compaction below the usage threshold")
	}

	short := newTestCompactor(t, CompactionConfig{TriggerPercent: 50, MinMessages: 4}, 100)
	short.conv.Append(
		Message{Role: RoleUser, Content: strings.Repeat("x", 200)},
		Message{Role: RoleAssistant, Content: strings.Repeat("x", 200)},
	)
	if short.compactor.MaybeCompact(context.Background(), "run-1") {
		t.Error("expected no compaction under the minimum message count")
	}
	if short.client.callCount() != 0 {
		t.Error("expected no model call for a conversation this short")
	}
}

func TestRenderForSummary(t *testing.T) {
	t.Parallel()

	plain := Message{Role: RoleAssistant, Content: "just text"}
	if got := renderForSummary(plain); got != "just text" {
		t.Errorf("unexpected plain rendering: %q", got)
	}

	calls := Message{Role: RoleAssistant, ToolCalls: []ToolCall{
		{Function: FunctionCall{Name: "shell", Arguments: `{"cmd":"ls"}`}},
		{Function: FunctionCall{Name: "read_file", Arguments: `{"path":"a"}`}},
	}}
	if got := renderForSummary(calls); got != "(called tools: shell, read_file)" {
		t.Errorf("expected arguments collapsed to names, got %q", got)
	}

	both := Message{Role: RoleAssistant, Content: "running", ToolCalls: calls.ToolCalls}
	if got := renderForSummary(both); got != "running\n(called tools: shell, read_file)" {
		t.Errorf("unexpected combined rendering: %q", got)
	}
}

func TestExcerpt(t *testing.T) {
	t.Parallel()

	if got := excerpt("short", 100); got != "short" {
		t.Errorf("expected short content untouched, got %q", got)
	}
	long := strings.Repeat("a", 150)
	got := excerpt(long, 100)
	if !strings.HasPrefix(got, strings.Repeat("a", 100)) || !strings.Contains(got, "truncated") {
		t.Errorf("expected a marked truncation, got %q", got)
	}
}
