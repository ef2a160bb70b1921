package navigator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(slog.Default())
	r.Register(
		MakeToolDefinition("echo", "repeats its input", nil),
		func(ctx context.Context, args map[string]any) (any, error) {
			text, _ := args["text"].(string)
			return text, nil
		},
	)
	return r
}

func echoCall(id, text string) ToolCall {
	return ToolCall{
		ID:   id,
		Type: "function",
		Function: FunctionCall{
			Name:      "echo",
			Arguments: `{"text":` + jsonString(text) + `}`,
		},
	}
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestRegistry_ExecuteInInputOrder(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	results := r.ExecuteToolCalls(context.Background(), []ToolCall{
		echoCall("call_1", "first"),
		echoCall("call_2", "second"),
	}, CycleInfo{})

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ToolCallID != "call_1" || results[0].Content != "first" {
		t.Errorf("unexpected first result: %+v", results[0])
	}
	if results[1].ToolCallID != "call_2" || results[1].Content != "second" {
		t.Errorf("unexpected second result: %+v", results[1])
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	results := r.ExecuteToolCalls(context.Background(), []ToolCall{
		{ID: "call_1", Function: FunctionCall{Name: "missing"}},
	}, CycleInfo{})

	if results[0].Error == nil {
		t.Fatal("expected an error for an unknown tool")
	}
	if !strings.Contains(results[0].Content, "unknown tool: missing") {
		t.Errorf("unexpected content: %q", results[0].Content)
	}
}

func TestRegistry_MalformedArguments(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	results := r.ExecuteToolCalls(context.Background(), []ToolCall{
		{ID: "call_1", Function: FunctionCall{Name: "echo", Arguments: "{not json"}},
	}, CycleInfo{})

	if results[0].Error == nil {
		t.Fatal("expected an error for malformed arguments")
	}
	if !strings.HasPrefix(results[0].Content, "Error executing echo:") {
		t.Errorf("unexpected content: %q", results[0].Content)
	}
}

func TestRegistry_PermissionDenied(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	r.SetPermission(func(name string, args map[string]any) error {
		if name == "echo" {
			return &ToolPermissionError{Tool: name, Reason: "blocked by policy"}
		}
		return nil
	})

	results := r.ExecuteToolCalls(context.Background(), []ToolCall{
		echoCall("call_1", "hi"),
	}, CycleInfo{})

	if !IsPermissionDenied(results[0].Error) {
		t.Fatalf("expected a permission denial, got %v", results[0].Error)
	}
	if !strings.Contains(results[0].Content, "blocked by policy") {
		t.Errorf("unexpected content: %q", results[0].Content)
	}
}

func TestRegistry_CancellationSkipsRemainingCalls(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	interrupter := NewInterrupter(slog.Default())
	interrupter.BeginTurn()
	token := interrupter.MintToken()

	// The first handler fires the interruption mid-batch; the second call
	// must be answered without running.
	ran := 0
	r.Register(
		MakeToolDefinition("trip", "cancels the turn", nil),
		func(ctx context.Context, args map[string]any) (any, error) {
			ran++
			interrupter.RequestCancel("user pressed esc", false, false)
			return "tripped", nil
		},
	)

	ctx := ContextWithCancelToken(context.Background(), token)
	results := r.ExecuteToolCalls(ctx, []ToolCall{
		{ID: "call_1", Function: FunctionCall{Name: "trip"}},
		echoCall("call_2", "never"),
	}, CycleInfo{})

	if ran != 1 {
		t.Errorf("expected exactly the first handler to run, ran %d", ran)
	}
	if results[0].Content != "tripped" {
		t.Errorf("unexpected first result: %+v", results[0])
	}
	if results[1].ToolCallID != "call_2" ||
		!strings.Contains(results[1].Content, "Skipped: execution was cancelled") {
		t.Errorf("expected the second call to be skipped, got %+v", results[1])
	}
	if results[1].Error != nil {
		t.Errorf("expected a skip marker, not an error: %v", results[1].Error)
	}
}

func TestRegistry_TimeoutStopsSlowHandler(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	r.SetTimeout(20 * time.Millisecond)
	r.Register(
		MakeToolDefinition("slow", "waits for its context", nil),
		func(ctx context.Context, args map[string]any) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return "late", nil
			}
		},
	)

	start := time.Now()
	results := r.ExecuteToolCalls(context.Background(), []ToolCall{
		{ID: "call_1", Function: FunctionCall{Name: "slow"}},
	}, CycleInfo{})

	if results[0].Error == nil {
		t.Fatal("expected the slow handler to be cut off")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("expected the timeout to apply, took %s", elapsed)
	}
}

func TestRegistry_ToolsSortedByName(t *testing.T) {
	t.Parallel()
	r := NewRegistry(slog.Default())
	noop := func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }
	r.Register(MakeToolDefinition("carrot", "", nil), noop)
	r.Register(MakeToolDefinition("apple", "", nil), noop)
	r.Register(MakeToolDefinition("banana", "", nil), noop)

	defs := r.Tools()
	if len(defs) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(defs))
	}
	for i, want := range []string{"apple", "banana", "carrot"} {
		if defs[i].Function.Name != want {
			t.Errorf("expected %s at position %d, got %s", want, i, defs[i].Function.Name)
		}
	}

	if !r.HasTool("apple") || r.HasTool("durian") {
		t.Error("unexpected HasTool answers")
	}
}

func TestMakeToolDefinition(t *testing.T) {
	t.Parallel()

	def := MakeToolDefinition("probe", "inspects things", nil)
	if def.Type != "function" || def.Function.Name != "probe" {
		t.Errorf("unexpected definition: %+v", def)
	}
	if string(def.Function.Parameters) != `{"properties":{},"type":"object"}` {
		t.Errorf("unexpected empty schema: %s", def.Function.Parameters)
	}

	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
		},
		"required": []string{"path"},
	}
	def = MakeToolDefinition("read_file", "", params)
	var decoded map[string]any
	if err := json.Unmarshal(def.Function.Parameters, &decoded); err != nil {
		t.Fatalf("expected a valid schema, got error: %v", err)
	}
	if _, ok := decoded["required"]; !ok {
		t.Error("expected the provided schema to pass through")
	}
}

func TestFormatToolOutput(t *testing.T) {
	t.Parallel()

	if got := formatToolOutput(nil); got != "(no output)" {
		t.Errorf("unexpected nil rendering: %q", got)
	}
	if got := formatToolOutput("plain"); got != "plain" {
		t.Errorf("unexpected string rendering: %q", got)
	}
	if got := formatToolOutput(&ToolResult{Content: "inner"}); got != "inner" {
		t.Errorf("unexpected result rendering: %q", got)
	}
	got := formatToolOutput(map[string]int{"count": 2})
	if !strings.Contains(got, `"count": 2`) {
		t.Errorf("unexpected struct rendering: %q", got)
	}
}

func TestFilteredScheduler(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	r.Register(
		MakeToolDefinition("delegate", "spawns a sub-agent", nil),
		func(ctx context.Context, args map[string]any) (any, error) { return "spawned", nil },
	)

	filtered := NewFilteredScheduler(r, []string{"delegate"})

	for _, def := range filtered.Tools() {
		if def.Function.Name == "delegate" {
			t.Error("expected the denied tool to be hidden")
		}
	}

	results := filtered.ExecuteToolCalls(context.Background(), []ToolCall{
		{ID: "call_1", Function: FunctionCall{Name: "delegate"}},
		echoCall("call_2", "allowed"),
	}, CycleInfo{})

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Error == nil ||
		!strings.Contains(results[0].Content, "not available in this context") {
		t.Errorf("expected the denied call to be refused, got %+v", results[0])
	}
	if results[1].Content != "allowed" {
		t.Errorf("expected the allowed call to execute, got %+v", results[1])
	}
}

func TestCancelTokenFromContext_Absent(t *testing.T) {
	t.Parallel()
	token := CancelTokenFromContext(context.Background())
	if token != nil {
		t.Fatal("expected no token on a bare context")
	}
	if token.Cancelled() {
		t.Error("expected a nil token to read as not cancelled")
	}
}
