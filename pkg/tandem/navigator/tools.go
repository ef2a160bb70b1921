// Package navigator – tools.go defines the tool execution boundary: the
// Scheduler contract the agent depends on, the result and error types that
// cross it, and a registry-backed implementation that dispatches calls to
// registered handlers with per-tool timeouts.
package navigator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultToolTimeout is the maximum time a single tool execution can take.
const DefaultToolTimeout = 30 * time.Second

// ctxKeyCancelToken is the context key carrying the turn's cancellation
// token into tool handlers.
type ctxKeyCancelToken struct{}

// ContextWithCancelToken returns a context carrying the cancellation token.
func ContextWithCancelToken(ctx context.Context, token *CancelToken) context.Context {
	return context.WithValue(ctx, ctxKeyCancelToken{}, token)
}

// CancelTokenFromContext extracts the cancellation token. Returns nil when
// not set; a nil token reads as not cancelled.
func CancelTokenFromContext(ctx context.Context) *CancelToken {
	if v, ok := ctx.Value(ctxKeyCancelToken{}).(*CancelToken); ok {
		return v
	}
	return nil
}

// ToolHandlerFunc is the signature for tool execution handlers. Receives
// parsed arguments and returns the result or an error.
type ToolHandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// ToolResult holds the output of a single tool execution.
type ToolResult struct {
	ToolCallID string
	Name       string
	Content    string
	Error      error
}

// ToolPermissionError marks a tool call blocked by permission policy. The
// agent special-cases it: the model gets a fixed denial payload instead of
// a crash or a stack trace.
type ToolPermissionError struct {
	Tool   string
	Reason string
}

func (e *ToolPermissionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("permission denied for tool %q", e.Tool)
	}
	return fmt.Sprintf("permission denied for tool %q: %s", e.Tool, e.Reason)
}

// IsPermissionDenied reports whether err is a tool permission denial.
func IsPermissionDenied(err error) bool {
	var pe *ToolPermissionError
	return errors.As(err, &pe)
}

// Scheduler is the tool execution boundary the agent depends on. It must
// return exactly one result per input call, matched by ToolCallID, in input
// order. Implementations poll the cancellation token from the context and
// report denials as *ToolPermissionError in the result's Error.
type Scheduler interface {
	ExecuteToolCalls(ctx context.Context, calls []ToolCall, cycle CycleInfo) []ToolResult
	Tools() []ToolDefinition
}

// ─── Registry ───

// PermissionFunc decides whether a call may run. Return a
// *ToolPermissionError to deny.
type PermissionFunc func(name string, args map[string]any) error

// registeredTool bundles a tool definition with its handler.
type registeredTool struct {
	Definition ToolDefinition
	Handler    ToolHandlerFunc
}

// Registry is the built-in Scheduler: a registry of callable tools with
// sequential dispatch, per-tool timeouts, and a permission hook.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]registeredTool
	permission PermissionFunc
	timeout    time.Duration
	logger     *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:   make(map[string]registeredTool),
		timeout: DefaultToolTimeout,
		logger:  logger.With("component", "tools"),
	}
}

// MakeToolDefinition builds a function-typed tool definition from a JSON
// schema expressed as a plain map. A nil params map produces an empty
// object schema.
func MakeToolDefinition(name, description string, params map[string]any) ToolDefinition {
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
	if params != nil {
		schema = params
	}
	schemaJSON, _ := json.Marshal(schema)
	return ToolDefinition{
		Type: "function",
		Function: FunctionDef{
			Name:        name,
			Description: description,
			Parameters:  schemaJSON,
		},
	}
}

// Register adds or replaces a tool.
func (r *Registry) Register(def ToolDefinition, handler ToolHandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if def.Type == "" {
		def.Type = "function"
	}
	r.tools[def.Function.Name] = registeredTool{Definition: def, Handler: handler}
}

// SetPermission installs the permission hook.
func (r *Registry) SetPermission(fn PermissionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permission = fn
}

// SetTimeout overrides the per-tool timeout.
func (r *Registry) SetTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.timeout = d
	}
}

// Tools returns the registered definitions sorted by name.
func (r *Registry) Tools() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition)
	}
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Function.Name < defs[j].Function.Name
	})
	return defs
}

// HasTool reports whether a tool is registered.
func (r *Registry) HasTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// ExecuteToolCalls dispatches a batch sequentially, returning one result
// per call in input order. Once the cancellation token fires, remaining
// calls are answered with a skipped marker instead of running.
func (r *Registry) ExecuteToolCalls(ctx context.Context, calls []ToolCall, cycle CycleInfo) []ToolResult {
	token := CancelTokenFromContext(ctx)
	results := make([]ToolResult, len(calls))
	for i, call := range calls {
		if token.Cancelled() {
			results[i] = ToolResult{
				ToolCallID: call.ID,
				Name:       call.Function.Name,
				Content:    "Skipped: execution was cancelled before this call ran.",
			}
			continue
		}
		results[i] = r.executeSingle(ctx, call)
	}
	return results
}

// executeSingle runs one tool call with a timeout.
func (r *Registry) executeSingle(ctx context.Context, call ToolCall) ToolResult {
	name := call.Function.Name
	result := ToolResult{ToolCallID: call.ID, Name: name}

	r.mu.RLock()
	tool, ok := r.tools[name]
	permission := r.permission
	timeout := r.timeout
	r.mu.RUnlock()

	if !ok {
		result.Error = fmt.Errorf("unknown tool: %s", name)
		result.Content = formatToolError(name, result.Error)
		r.logger.Warn("unknown tool called", "name", name)
		return result
	}

	args, err := parseToolArgs(call.Function.Arguments)
	if err != nil {
		result.Error = fmt.Errorf("parsing arguments: %w", err)
		result.Content = formatToolError(name, result.Error)
		r.logger.Warn("tool argument parse error", "name", name, "error", err)
		return result
	}

	if permission != nil {
		if err := permission(name, args); err != nil {
			result.Error = err
			result.Content = formatToolError(name, err)
			r.logger.Warn("tool blocked", "name", name, "error", err)
			return result
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := tool.Handler(execCtx, args)
	if err != nil {
		result.Error = err
		result.Content = formatToolError(name, err)
		r.logger.Warn("tool failed",
			"name", name,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return result
	}

	result.Content = formatToolOutput(out)
	r.logger.Debug("tool done",
		"name", name,
		"duration_ms", time.Since(start).Milliseconds(),
		"output_len", len(result.Content),
	)
	return result
}

// parseToolArgs decodes the JSON arguments string; empty means no args.
func parseToolArgs(raw string) (map[string]any, error) {
	if raw == "" || raw == "{}" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// formatToolError renders an error as tool-result content the model can
// read and react to.
func formatToolError(name string, err error) string {
	return fmt.Sprintf("Error executing %s: %v", name, err)
}

// formatToolOutput renders a handler's return value as message content.
func formatToolOutput(out any) string {
	switch v := out.(type) {
	case nil:
		return "(no output)"
	case string:
		return v
	case *ToolResult:
		return v.Content
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// ─── Filtering ───

// filteredScheduler hides a denied subset of an inner scheduler's tools.
// Delegates run behind one so they cannot re-delegate or touch tools
// reserved for the parent.
type filteredScheduler struct {
	inner  Scheduler
	denied map[string]bool
}

// NewFilteredScheduler wraps a scheduler, removing the named tools from its
// advertised set. A denied call that somehow still arrives is answered with
// an error result instead of executing.
func NewFilteredScheduler(inner Scheduler, denied []string) Scheduler {
	set := make(map[string]bool, len(denied))
	for _, name := range denied {
		set[name] = true
	}
	return &filteredScheduler{inner: inner, denied: set}
}

func (f *filteredScheduler) Tools() []ToolDefinition {
	all := f.inner.Tools()
	kept := make([]ToolDefinition, 0, len(all))
	for _, def := range all {
		if !f.denied[def.Function.Name] {
			kept = append(kept, def)
		}
	}
	return kept
}

func (f *filteredScheduler) ExecuteToolCalls(ctx context.Context, calls []ToolCall, cycle CycleInfo) []ToolResult {
	allowed := make([]ToolCall, 0, len(calls))
	blocked := make(map[string]ToolResult)
	for _, call := range calls {
		if f.denied[call.Function.Name] {
			err := fmt.Errorf("tool %q is not available in this context", call.Function.Name)
			blocked[call.ID] = ToolResult{
				ToolCallID: call.ID,
				Name:       call.Function.Name,
				Content:    formatToolError(call.Function.Name, err),
				Error:      err,
			}
			continue
		}
		allowed = append(allowed, call)
	}

	executed := f.inner.ExecuteToolCalls(ctx, allowed, cycle)
	byID := make(map[string]ToolResult, len(executed))
	for _, res := range executed {
		byID[res.ToolCallID] = res
	}

	// Reassemble in input order, one result per call.
	results := make([]ToolResult, 0, len(calls))
	for _, call := range calls {
		if res, ok := blocked[call.ID]; ok {
			results = append(results, res)
			continue
		}
		results = append(results, byID[call.ID])
	}
	return results
}
