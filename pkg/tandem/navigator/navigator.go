// Package navigator – navigator.go implements the Agent: the turn
// orchestrator that owns one conversation and drives it through model
// calls, tool execution, interruption resolution, compaction, and
// persistence until a final answer emerges.
//
// A turn is one SendMessage call, possibly spanning many model round
// trips. The Agent is not reentrant for the same turn: a call arriving
// while a turn is live is routed as an interjection, never a fresh turn.
// All collaborators are injected at construction; nothing is looked up
// globally.
package navigator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Fixed user-facing strings. These are data, not formatting: tests and the
// REPL rely on them being stable.
const (
	// interruptedMessage concludes a turn stopped by a non-continuable cancel.
	interruptedMessage = "Request interrupted."

	// emptyResponseMessage concludes a turn after the empty-response retry
	// also came back empty.
	emptyResponseMessage = "I couldn't produce a response this time. Please try again or rephrase the request."

	// permissionDeniedUserMessage concludes a turn that failed on a denied
	// tool permission. Never a stack trace.
	permissionDeniedUserMessage = "A required tool permission was denied, so I stopped here. Grant the permission or adjust the request to continue."

	// recoveryReminder is injected once on the call after an interrupted turn.
	recoveryReminder = "[System reminder: the previous request was interrupted before it finished. Recent work may be incomplete; re-check state before repeating side effects.]"

	// wrapUpReminder nudges a time-boxed delegate as its budget runs low.
	wrapUpReminder = "[System reminder: your wall-clock budget is nearly exhausted. Wrap up now and deliver your best answer with what you have gathered so far.]"

	// budgetExhaustedReminder demands a final answer once the budget is gone.
	budgetExhaustedReminder = "[System reminder: wall-clock budget exhausted. Provide your final answer now with the information gathered so far.]"
)

// AgentOptions wires an Agent from its collaborators. Client and Scheduler
// are required; everything else defaults sensibly when zero.
type AgentOptions struct {
	Config    Config
	Client    Client
	Scheduler Scheduler

	// Conversation and Accountant may be shared or pre-seeded; nil builds
	// fresh ones.
	Conversation *Conversation
	Accountant   *Accountant

	// Store and Session enable persistence; both nil runs in-memory only.
	Store   *Store
	Session *Session

	// Bus receives lifecycle events; nil builds a private one.
	Bus *Bus

	Logger *slog.Logger

	// Delegated marks a time-boxed agent: activity watchdog and wall-clock
	// budget active, no todo reminders, stall exhaustion raises.
	Delegated bool

	// Model overrides the client's default model for this agent.
	Model string

	// RunID tags emitted events; defaults to the session id, then "local".
	RunID string

	// PromptFn regenerates the system prompt before each turn.
	PromptFn func() string
}

// Agent orchestrates turns over one conversation.
type Agent struct {
	cfg       Config
	client    Client
	scheduler Scheduler

	conversation *Conversation
	accountant   *Accountant
	interrupter  *Interrupter
	watchdog     *Watchdog
	clock        *TurnClock
	cycles       *CycleDetector
	processor    *Processor
	compactor    *Compactor

	store *Store
	bus   *Bus

	delegated       bool
	model           string
	runID           string
	promptFn        func() string
	activityTimeout time.Duration
	llmCallTimeout  time.Duration

	logger *slog.Logger

	mu         sync.Mutex
	session    *Session
	idleQueue  []string
	totalUsage Usage
}

// NewAgent assembles an agent. Collaborators absent from opts are built
// from the config; zero config values fall back to defaults so a partially
// filled Config never produces a dead watchdog or a zero timeout.
func NewAgent(opts AgentOptions) *Agent {
	cfg := opts.Config

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = NewBus()
	}
	conversation := opts.Conversation
	if conversation == nil {
		conversation = NewConversation()
	}
	accountant := opts.Accountant
	if accountant == nil {
		accountant = NewAccountant(cfg.ContextWindow)
	}

	activityTimeout := time.Duration(cfg.Agent.ActivityTimeoutSeconds) * time.Second
	if activityTimeout <= 0 {
		activityTimeout = 30 * time.Second
	}
	maxContinuations := cfg.Agent.MaxContinuations
	if maxContinuations <= 0 {
		maxContinuations = 2
	}
	llmCallTimeout := time.Duration(cfg.Agent.LLMCallTimeoutSeconds) * time.Second
	if llmCallTimeout <= 0 {
		llmCallTimeout = 300 * time.Second
	}

	var budget time.Duration
	if opts.Delegated {
		minutes := cfg.Agent.TurnBudgetMinutes
		if minutes <= 0 {
			minutes = 10
		}
		budget = time.Duration(minutes) * time.Minute
	}

	interrupter := NewInterrupter(logger)
	watchdog := NewWatchdog(activityTimeout, maxContinuations, interrupter, logger)
	cycles := NewCycleDetector(cfg.Agent.Cycle, logger)

	a := &Agent{
		cfg:             cfg,
		client:          opts.Client,
		scheduler:       opts.Scheduler,
		conversation:    conversation,
		accountant:      accountant,
		interrupter:     interrupter,
		watchdog:        watchdog,
		clock:           NewTurnClock(budget),
		cycles:          cycles,
		processor:       NewProcessor(conversation, cycles, opts.Scheduler, watchdog, bus, logger),
		compactor:       NewCompactor(cfg.Compaction, conversation, accountant, opts.Client, bus, logger),
		store:           opts.Store,
		bus:             bus,
		delegated:       opts.Delegated,
		model:           opts.Model,
		promptFn:        opts.PromptFn,
		activityTimeout: activityTimeout,
		llmCallTimeout:  llmCallTimeout,
		logger:          logger.With("component", "agent"),
		session:         opts.Session,
	}

	if opts.Session != nil {
		if len(opts.Session.Messages) > 0 {
			conversation.Replace(opts.Session.Messages)
		}
		a.idleQueue = append(a.idleQueue, opts.Session.IdleQueue...)
	}

	a.runID = opts.RunID
	if a.runID == "" {
		if opts.Session != nil {
			a.runID = opts.Session.ID
		} else {
			a.runID = "local"
		}
	}
	if a.promptFn == nil {
		a.promptFn = a.defaultPrompt
	}

	return a
}

// Bus exposes the event bus so callers can subscribe to lifecycle events.
func (a *Agent) Bus() *Bus { return a.bus }

// RunID returns the identifier tagged onto this agent's events.
func (a *Agent) RunID() string { return a.runID }

// Live reports whether a turn is currently in progress.
func (a *Agent) Live() bool { return a.interrupter.Live() }

// TotalUsage returns token usage accumulated across all model calls.
func (a *Agent) TotalUsage() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalUsage
}

func (a *Agent) addUsage(u Usage) {
	a.mu.Lock()
	a.totalUsage.PromptTokens += u.PromptTokens
	a.totalUsage.CompletionTokens += u.CompletionTokens
	a.totalUsage.TotalTokens += u.TotalTokens
	a.mu.Unlock()
}

// ─── Turn entry ───

// SendMessage runs one full turn for the given user input and returns the
// final answer text. A call arriving while a turn is live is routed as an
// interjection into that turn and returns immediately with empty text.
//
// Transport errors propagate; interruptions, stalls, empty responses, and
// permission denials resolve to fixed messages instead of errors — except
// a delegated agent's exhausted stall budget, which returns a
// *StallBudgetError so the delegating call fails visibly.
func (a *Agent) SendMessage(ctx context.Context, text string) (string, error) {
	if !a.interrupter.BeginTurn() {
		a.AddUserInterjection(text)
		return "", nil
	}

	runID := a.runID
	start := time.Now()
	a.bus.Emit(runID, TurnStartPayload{Delegated: a.delegated})

	a.watchdog.Reset()
	a.cycles.Reset()
	var stopWatchdog func()
	if a.delegated {
		a.clock.StartTurn()
		stopWatchdog = a.watchdog.Start()
	}

	endedInterrupted := false
	defer func() {
		if stopWatchdog != nil {
			stopWatchdog()
		}
		a.interrupter.EndTurn(endedInterrupted)
		a.bus.Emit(runID, TurnEndPayload{
			Interrupted: endedInterrupted,
			Duration:    time.Since(start),
		})
		a.bus.Emit(runID, a.accountant.Usage(a.conversation.Messages()))
		a.autoSave()
	}()

	if a.interrupter.ConsumeInterruptedFlag() {
		a.appendEphemeral(recoveryReminder)
	}
	if !a.delegated {
		if reminder := a.todoReminder(); reminder != "" {
			a.appendEphemeral(reminder)
		}
	}
	a.conversation.SetSystemPrompt(a.promptFn())
	a.conversation.Append(NewUserMessage(text))
	a.autoSave()

	a.logger.Info("turn start",
		"run_id", runID,
		"delegated", a.delegated,
		"messages", a.conversation.Len(),
	)

	finalText, interrupted, err := a.runTurn(ctx, runID)
	endedInterrupted = interrupted
	if err != nil {
		if IsPermissionDenied(err) {
			a.logger.Warn("turn stopped by permission denial", "error", err)
			return permissionDeniedUserMessage, nil
		}
		a.bus.Emit(runID, ErrorPayload{Message: err.Error()})
		return "", err
	}

	a.logger.Info("turn complete",
		"run_id", runID,
		"interrupted", interrupted,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return finalText, nil
}

// resolution classifies the outcome of interruption handling.
type resolution int

const (
	resolveResume resolution = iota
	resolveFinal
	resolveError
)

// runTurn loops model calls and tool rounds until terminal text, a
// non-continuable interruption, or an error. The bool result reports
// whether the turn ended interrupted.
func (a *Agent) runTurn(ctx context.Context, runID string) (string, bool, error) {
	emptyRetried := false
	overflowCompacted := false
	timeGuidanceGiven := false
	demandFinal := false

	for round := 1; ; round++ {
		// An interruption that arrived during tool execution resolves here,
		// before another model call is spent.
		if a.interrupter.Pending() != nil {
			res, text, err := a.resolveInterruption(runID, &Response{Interrupted: true})
			if res != resolveResume {
				return text, true, err
			}
		}

		if a.delegated && !demandFinal {
			if a.clock.Expired() {
				demandFinal = true
				a.appendEphemeral(budgetExhaustedReminder)
				a.logger.Warn("turn budget exhausted, demanding final answer", "round", round)
			} else if a.clock.RunningOut() && !timeGuidanceGiven {
				timeGuidanceGiven = true
				a.appendEphemeral(wrapUpReminder)
				a.logger.Info("turn budget running out, injecting wrap-up guidance",
					"elapsed", a.clock.Elapsed().Round(time.Second))
			}
		}

		a.compactor.MaybeCompact(ctx, runID)

		token := a.interrupter.MintToken()
		resp, err := a.callModel(ctx, runID, token, !demandFinal)
		if err != nil {
			// An interruption racing a failed call wins over the error.
			if a.interrupter.Pending() != nil {
				res, text, rerr := a.resolveInterruption(runID, &Response{Interrupted: true})
				if res == resolveResume {
					continue
				}
				return text, true, rerr
			}
			if IsContextOverflow(err) && !overflowCompacted {
				overflowCompacted = true
				a.logger.Warn("context overflow, compacting and retrying", "round", round)
				if cerr := a.compactor.Compact(ctx, runID, CompactOptions{}); cerr == nil {
					a.autoSave()
					continue
				}
			}
			return "", false, err
		}

		a.addUsage(resp.Usage)

		if resp.Interrupted || a.interrupter.Pending() != nil {
			res, text, rerr := a.resolveInterruption(runID, resp)
			if res == resolveResume {
				continue
			}
			return text, true, rerr
		}

		outcome := a.processor.Process(ContextWithCancelToken(ctx, token), runID, resp)
		a.autoSave()
		a.bus.Emit(runID, a.accountant.Usage(a.conversation.Messages()))

		switch outcome.Kind {
		case OutcomeFinal:
			return outcome.FinalText, false, nil
		case OutcomeEmptyRetry:
			if emptyRetried {
				a.logger.Warn("empty response twice, concluding turn")
				return emptyResponseMessage, false, nil
			}
			emptyRetried = true
			a.logger.Debug("empty response, retrying once", "round", round)
		case OutcomeContinue:
			// Tool results appended; ask the model again.
		}
	}
}

// resolveInterruption consumes the pending interruption and applies the
// resolution protocol: interjections persist partial output and resume,
// continuable stalls spend continuation budget and resume, everything else
// concludes the turn.
func (a *Agent) resolveInterruption(runID string, resp *Response) (resolution, string, error) {
	pending := a.interrupter.Consume()
	if pending == nil {
		// Token fired but the context is already gone; conclude as a cancel.
		return resolveFinal, interruptedMessage, nil
	}

	switch pending.Kind {
	case InterruptInterjection:
		if partial := strings.TrimSpace(resp.Content); partial != "" {
			a.conversation.Append(Message{
				Role:      RoleAssistant,
				Content:   partial,
				Partial:   true,
				Timestamp: time.Now(),
			})
		}
		a.conversation.Append(Message{
			Role:           RoleUser,
			Content:        pending.Message,
			IsInterjection: true,
			Timestamp:      time.Now(),
		})
		// An interjection is fresh user input: repeated calls before it no
		// longer count as a streak.
		a.cycles.Reset()
		a.autoSave()
		a.logger.Info("interjection resolved, resuming turn", "chars", len(pending.Message))
		return resolveResume, "", nil

	default: // InterruptCancel
		if pending.IsTimeout && pending.CanContinueAfterTimeout {
			n := a.watchdog.IncrementContinuation()
			a.appendEphemeral(fmt.Sprintf(
				"[System reminder: %s. You appear stalled. Either call a tool to make concrete progress or deliver your final answer now.]",
				pending.Reason))
			a.autoSave()
			a.logger.Warn("stall continuation", "count", n, "reason", pending.Reason)
			return resolveResume, "", nil
		}
		if pending.IsTimeout && a.delegated {
			return resolveError, "", &StallBudgetError{
				Continuations: a.watchdog.Continuations(),
				Timeout:       a.activityTimeout,
			}
		}
		a.logger.Info("turn cancelled", "reason", pending.Reason)
		return resolveFinal, interruptedMessage, nil
	}
}

// callModel performs one model call with streaming, loop detection over the
// stream, and the per-call safety-net timeout.
func (a *Agent) callModel(ctx context.Context, runID string, token *CancelToken, includeTools bool) (*Response, error) {
	guard := NewStreamGuard(a.cfg.Agent.StreamGuard, a.interrupter, a.logger)
	stopGuard := guard.Start()
	defer stopGuard()

	callCtx, cancel := context.WithTimeout(ctx, a.llmCallTimeout)
	defer cancel()

	var tools []ToolDefinition
	if includeTools && a.scheduler != nil {
		tools = a.scheduler.Tools()
	}

	start := time.Now()
	resp, err := a.client.Send(callCtx, a.conversation.Messages(), SendOptions{
		Tools:  tools,
		Cancel: token,
		Model:  a.model,
		OnChunk: func(chunk string) {
			guard.Feed(chunk)
			a.bus.Emit(runID, ThinkingChunkPayload{Content: chunk})
		},
	})
	if err != nil {
		return nil, err
	}

	a.logger.Debug("model call complete",
		"duration_ms", time.Since(start).Milliseconds(),
		"tool_calls", len(resp.ToolCalls),
		"interrupted", resp.Interrupted,
		"tokens", resp.Usage.TotalTokens,
	)
	return resp, nil
}

// ─── Interruption entry points ───

// Interrupt requests cancellation of the live turn. Returns false when no
// turn is running or a cancel is already pending.
func (a *Agent) Interrupt(reason string) bool {
	if reason == "" {
		reason = "user cancelled"
	}
	return a.interrupter.RequestCancel(reason, false, false)
}

// AddUserInterjection routes mid-turn user input into the live turn.
// Returns true when accepted as an interjection. When a cancel is already
// pending the text is queued for the next turn instead; when no turn is
// live the caller should use SendMessage.
func (a *Agent) AddUserInterjection(text string) bool {
	if a.interrupter.RequestInterjection(text) {
		return true
	}
	if a.interrupter.Live() {
		a.QueueIdleMessage(text)
	}
	return false
}

// QueueIdleMessage stores input to be replayed as a fresh turn once the
// agent is idle. The queue persists with the session.
func (a *Agent) QueueIdleMessage(text string) {
	a.mu.Lock()
	a.idleQueue = append(a.idleQueue, text)
	a.mu.Unlock()
	a.autoSave()
}

// DrainIdleQueue removes and returns all queued idle messages.
func (a *Agent) DrainIdleQueue() []string {
	a.mu.Lock()
	queued := a.idleQueue
	a.idleQueue = nil
	a.mu.Unlock()
	if len(queued) > 0 {
		a.autoSave()
	}
	return queued
}

// ─── Conversation access ───

// Messages returns a copy of the conversation history.
func (a *Agent) Messages() []Message {
	return a.conversation.Messages()
}

// SetMessages replaces the conversation history. Intended for resuming a
// persisted session before the first turn.
func (a *Agent) SetMessages(msgs []Message) {
	a.conversation.Replace(msgs)
	a.cycles.Reset()
	a.autoSave()
}

// CompactConversation manually compacts the history with optional custom
// instructions and summary label.
func (a *Agent) CompactConversation(ctx context.Context, instructions, label string) error {
	err := a.compactor.Compact(ctx, a.runID, CompactOptions{
		Manual:       true,
		Instructions: instructions,
		Label:        label,
	})
	if err != nil {
		return err
	}
	a.autoSave()
	return nil
}

// ContextUsage reports current estimated context consumption.
func (a *Agent) ContextUsage() ContextUsagePayload {
	return a.accountant.Usage(a.conversation.Messages())
}

// ─── Session state ───

// Session returns the attached session, or nil for in-memory agents.
func (a *Agent) Session() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// SetTodos replaces the session todo list and emits a todo event.
func (a *Agent) SetTodos(todos []Todo) {
	a.mu.Lock()
	if a.session != nil {
		a.session.Todos = append([]Todo(nil), todos...)
	}
	a.mu.Unlock()
	a.bus.Emit(a.runID, TodoUpdatePayload{Todos: todos})
	a.autoSave()
}

// Todos returns a copy of the session todo list.
func (a *Agent) Todos() []Todo {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil
	}
	return append([]Todo(nil), a.session.Todos...)
}

// SaveNow persists the session synchronously, bypassing the debounce.
func (a *Agent) SaveNow() error {
	sess := a.syncSession()
	if sess == nil || a.store == nil {
		return nil
	}
	return a.store.SaveSession(sess)
}

// autoSave persists the session through the debounced path. Failures are
// the store's to log; a failed save never aborts a turn.
func (a *Agent) autoSave() {
	sess := a.syncSession()
	if sess == nil || a.store == nil {
		return
	}
	a.store.AutoSave(sess)
}

// syncSession copies agent-owned state onto the session.
func (a *Agent) syncSession() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil
	}
	a.session.Messages = a.conversation.Messages()
	a.session.IdleQueue = append([]string(nil), a.idleQueue...)
	return a.session
}

// ─── Reminders and prompts ───

// appendEphemeral adds a UI-only user message purged once the turn
// concludes with visible text.
func (a *Agent) appendEphemeral(content string) {
	a.conversation.Append(Message{
		Role:      RoleUser,
		Content:   content,
		Ephemeral: true,
		Timestamp: time.Now(),
	})
}

// todoReminder renders the open todo list, or "" when there is nothing
// worth reminding about.
func (a *Agent) todoReminder() string {
	todos := a.Todos()
	open := 0
	var b strings.Builder
	b.WriteString("[System reminder: current todo list:\n")
	for _, t := range todos {
		if t.Status == TodoDone {
			continue
		}
		open++
		marker := " "
		if t.Status == TodoInProgress {
			marker = "~"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", marker, t.Content)
	}
	if open == 0 {
		return ""
	}
	b.WriteString("Update statuses as you make progress.]")
	return b.String()
}

// defaultPrompt builds the system prompt when no PromptFn was injected.
func (a *Agent) defaultPrompt() string {
	var b strings.Builder
	name := a.cfg.Name
	if name == "" {
		name = "Tandem"
	}
	fmt.Fprintf(&b, "You are %s, a pragmatic coding assistant running in a terminal. ", name)
	b.WriteString("Use the available tools to inspect and change the project instead of guessing. ")
	b.WriteString("Be concise; prefer doing over describing.")

	a.mu.Lock()
	sess := a.session
	a.mu.Unlock()
	if sess != nil {
		if sess.WorkDir != "" {
			fmt.Fprintf(&b, "\n\nWorking directory: %s", sess.WorkDir)
		}
		if sess.ProjectContext != "" {
			fmt.Fprintf(&b, "\n\nProject context:\n%s", sess.ProjectContext)
		}
	}
	return b.String()
}

// ─── Delegation wiring ───

// NewDelegateRunner builds the DelegateRunner the DelegateManager executes
// tasks through: each run gets an isolated, time-boxed child agent sharing
// the parent's client, event bus, and (tool-filtered) scheduler.
func NewDelegateRunner(cfg Config, client Client, scheduler Scheduler, bus *Bus, logger *slog.Logger) DelegateRunner {
	return func(ctx context.Context, run *DelegateRun) (string, int, error) {
		childCfg := cfg
		if deadline, ok := ctx.Deadline(); ok {
			minutes := int(time.Until(deadline).Minutes())
			if minutes < 1 {
				minutes = 1
			}
			childCfg.Agent.TurnBudgetMinutes = minutes
		}

		child := NewAgent(AgentOptions{
			Config:    childCfg,
			Client:    client,
			Scheduler: NewFilteredScheduler(scheduler, cfg.Delegates.DeniedTools),
			Bus:       bus,
			Logger:    logger.With("delegate", run.ID),
			Delegated: true,
			Model:     run.Model,
			RunID:     "delegate:" + run.ID,
			PromptFn:  func() string { return delegatePrompt(run) },
		})

		text, err := child.SendMessage(ctx, run.Task)
		return text, child.TotalUsage().TotalTokens, err
	}
}

// delegatePrompt is the system prompt for delegated agents.
func delegatePrompt(run *DelegateRun) string {
	return fmt.Sprintf(
		"You are %s, a delegated agent spun off from a parent session to complete one bounded task. "+
			"Work autonomously: no user is watching, and you cannot ask questions. "+
			"Use the available tools to make concrete progress, and finish with a concise report of what you did and found.",
		run.Label)
}
