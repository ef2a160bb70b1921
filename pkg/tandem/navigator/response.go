// Package navigator – response.go implements the response processor: it
// interprets one model response and either concludes the turn with final
// text, dispatches tool calls and asks for another round, or requests a
// single retry for an empty response.
package navigator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// wrapperToolPrefix marks batch wrapper calls some models emit instead of
// parallel tool calls. A wrapper is transparent bookkeeping: it is unwrapped
// into its constituents and never appears as a distinct history entry.
const wrapperToolPrefix = "multi_tool_use"

// recipientPrefix is the namespace some models prepend to wrapped names.
const recipientPrefix = "functions."

// permissionDeniedPayload is the fixed tool-result content the model sees
// when a call was blocked by permission policy.
const permissionDeniedPayload = "Tool execution was denied: the user did not grant permission for this call. " +
	"Do not retry it. Ask the user how to proceed, or continue without it."

// OutcomeKind classifies what the turn loop should do next.
type OutcomeKind int

const (
	// OutcomeFinal ends the turn with visible text.
	OutcomeFinal OutcomeKind = iota
	// OutcomeContinue re-invokes the model after tool results were appended.
	OutcomeContinue
	// OutcomeEmptyRetry asks for one retry of an empty response.
	OutcomeEmptyRetry
)

// Outcome is the processor's verdict on one model response.
type Outcome struct {
	Kind      OutcomeKind
	FinalText string
}

// Processor turns model responses into conversation mutations and tool
// executions.
type Processor struct {
	conversation *Conversation
	cycles       *CycleDetector
	scheduler    Scheduler
	watchdog     *Watchdog
	bus          *Bus
	logger       *slog.Logger
}

// NewProcessor wires a processor from its collaborators.
func NewProcessor(conversation *Conversation, cycles *CycleDetector, scheduler Scheduler, watchdog *Watchdog, bus *Bus, logger *slog.Logger) *Processor {
	return &Processor{
		conversation: conversation,
		cycles:       cycles,
		scheduler:    scheduler,
		watchdog:     watchdog,
		bus:          bus,
		logger:       logger.With("component", "processor"),
	}
}

// Process interprets one model response. It appends the assistant message
// (post-unwrap), runs cycle detection, executes tools, and appends their
// results. The caller loops on OutcomeContinue.
func (p *Processor) Process(ctx context.Context, runID string, resp *Response) Outcome {
	calls := unwrapToolCalls(resp.ToolCalls)

	// No tools: the response is either final text or an empty answer.
	if len(calls) == 0 {
		text := strings.TrimSpace(resp.Content)
		if text == "" {
			return Outcome{Kind: OutcomeEmptyRetry}
		}
		p.conversation.Append(Message{
			Role:      RoleAssistant,
			Content:   text,
			Timestamp: time.Now(),
		})
		// UI-only messages have served their purpose once visible text lands.
		if removed := p.conversation.RemoveIf(func(m Message) bool { return m.Ephemeral }); removed > 0 {
			p.logger.Debug("purged ephemeral messages", "count", removed)
		}
		return Outcome{Kind: OutcomeFinal, FinalText: text}
	}

	p.conversation.Append(Message{
		Role:      RoleAssistant,
		Content:   resp.Content,
		ToolCalls: calls,
		Timestamp: time.Now(),
	})

	cycle := p.cycles.Observe(calls)
	if cycle.Severity == CycleCritical {
		// Answer every call without executing, then redirect the model.
		for _, call := range calls {
			p.conversation.Append(NewToolResultMessage(call.ID, call.Function.Name,
				"Skipped: this exact call has already been made repeatedly with no progress."))
		}
		p.conversation.Append(Message{
			Role:      RoleUser,
			Content:   "[System reminder: " + cycle.Message + "]",
			Ephemeral: true,
			Timestamp: time.Now(),
		})
		p.logger.Warn("cycle breaker: batch skipped", "tool", cycle.ToolName, "streak", cycle.Streak)
		return Outcome{Kind: OutcomeContinue}
	}

	p.watchdog.Touch()
	for _, call := range calls {
		p.bus.Emit(runID, ToolCallStartPayload{ToolName: call.Function.Name, CallID: call.ID})
	}

	results := p.scheduler.ExecuteToolCalls(ctx, calls, cycle)
	for _, res := range results {
		content := res.Content
		if IsPermissionDenied(res.Error) {
			content = permissionDeniedPayload
		}
		p.conversation.Append(NewToolResultMessage(res.ToolCallID, res.Name, content))
		p.bus.Emit(runID, ToolCallEndPayload{
			ToolName: res.Name,
			CallID:   res.ToolCallID,
			IsError:  res.Error != nil,
		})
	}
	p.watchdog.Touch()

	if cycle.Severity == CycleWarning {
		p.conversation.Append(Message{
			Role:      RoleUser,
			Content:   "[System reminder: " + cycle.Message + "]",
			Ephemeral: true,
			Timestamp: time.Now(),
		})
	}

	return Outcome{Kind: OutcomeContinue}
}

// ─── Wrapper unwrapping ───

// wrappedUse is one constituent inside a batch wrapper call.
type wrappedUse struct {
	RecipientName string          `json:"recipient_name"`
	Parameters    json.RawMessage `json:"parameters"`
}

// wrapperArgs is the argument shape of a batch wrapper call.
type wrapperArgs struct {
	ToolUses []wrappedUse `json:"tool_uses"`
}

// unwrapToolCalls expands batch wrapper calls into their constituents,
// preserving order. Constituent IDs derive from the wrapper's so every
// result still resolves to a unique call id.
func unwrapToolCalls(calls []ToolCall) []ToolCall {
	var out []ToolCall
	for _, call := range calls {
		if !strings.HasPrefix(call.Function.Name, wrapperToolPrefix) {
			out = append(out, call)
			continue
		}

		var args wrapperArgs
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil || len(args.ToolUses) == 0 {
			// An unparsable wrapper passes through; the scheduler will
			// report it as an unknown tool.
			out = append(out, call)
			continue
		}

		for i, use := range args.ToolUses {
			name := strings.TrimPrefix(use.RecipientName, recipientPrefix)
			params := string(use.Parameters)
			if params == "" || params == "null" {
				params = "{}"
			}
			out = append(out, ToolCall{
				ID:   wrappedCallID(call.ID, i),
				Type: "function",
				Function: FunctionCall{
					Name:      name,
					Arguments: params,
				},
			})
		}
	}
	return out
}

// wrappedCallID derives a stable unique id for an unwrapped constituent.
func wrappedCallID(wrapperID string, index int) string {
	if wrapperID == "" {
		wrapperID = "wrapped"
	}
	return wrapperID + "_" + strconv.Itoa(index)
}
