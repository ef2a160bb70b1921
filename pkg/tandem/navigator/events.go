// Package navigator – events.go implements the pub/sub bus for agent
// lifecycle events. Every payload is a typed variant keyed by its Kind, so
// subscribers can type-switch exhaustively instead of digging through maps.
//
// Delivery is asynchronous: each subscriber owns a buffered queue drained by
// its own goroutine, and Emit never blocks — when a slow subscriber's queue
// fills up, the oldest pending event is dropped in its place.
package navigator

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventKind discriminates event payload variants.
type EventKind string

const (
	EventTurnStart          EventKind = "turn_start"
	EventTurnEnd            EventKind = "turn_end"
	EventThinkingChunk      EventKind = "thinking_chunk"
	EventError              EventKind = "error"
	EventContextUsageUpdate EventKind = "context_usage_update"
	EventCompactionStart    EventKind = "compaction_start"
	EventCompactionComplete EventKind = "compaction_complete"
	EventToolCallStart      EventKind = "tool_call_start"
	EventToolCallEnd        EventKind = "tool_call_end"
	EventTodoUpdate         EventKind = "todo_update"
	EventDelegateStart      EventKind = "delegate_start"
	EventDelegateEnd        EventKind = "delegate_end"
)

// EventPayload is implemented by every event variant.
type EventPayload interface {
	Kind() EventKind
}

// TurnStartPayload marks the beginning of a sendMessage turn.
type TurnStartPayload struct {
	Delegated bool `json:"delegated"`
}

// TurnEndPayload marks the end of a turn. Interrupted reports whether the
// turn finished through cancellation rather than a final answer.
type TurnEndPayload struct {
	Interrupted bool          `json:"interrupted"`
	Duration    time.Duration `json:"duration"`
}

// ThinkingChunkPayload carries one streamed text chunk from the model.
type ThinkingChunkPayload struct {
	Content string `json:"content"`
}

// ErrorPayload carries a turn-level error message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ContextUsagePayload reports estimated context-window consumption.
type ContextUsagePayload struct {
	Tokens       int     `json:"tokens"`
	WindowTokens int     `json:"window_tokens"`
	UsagePercent float64 `json:"usage_percent"`
}

// CompactionStartPayload marks the start of conversation summarization.
type CompactionStartPayload struct {
	Manual bool `json:"manual"`
}

// CompactionCompletePayload reports the outcome of a summarization pass.
type CompactionCompletePayload struct {
	MessagesBefore int  `json:"messages_before"`
	MessagesAfter  int  `json:"messages_after"`
	Manual         bool `json:"manual"`
}

// ToolCallStartPayload marks the dispatch of one tool call.
type ToolCallStartPayload struct {
	ToolName string `json:"tool_name"`
	CallID   string `json:"call_id"`
}

// ToolCallEndPayload reports one finished tool call.
type ToolCallEndPayload struct {
	ToolName string `json:"tool_name"`
	CallID   string `json:"call_id"`
	IsError  bool   `json:"is_error"`
}

// TodoUpdatePayload carries the session's current todo list.
type TodoUpdatePayload struct {
	Todos []Todo `json:"todos"`
}

// DelegateStartPayload marks the spawn of a delegated agent run.
type DelegateStartPayload struct {
	DelegateID string `json:"delegate_id"`
	Label      string `json:"label"`
	Task       string `json:"task"`
}

// DelegateEndPayload reports a finished delegated agent run.
type DelegateEndPayload struct {
	DelegateID string        `json:"delegate_id"`
	Label      string        `json:"label"`
	Status     string        `json:"status"`
	Duration   time.Duration `json:"duration"`
}

func (TurnStartPayload) Kind() EventKind          { return EventTurnStart }
func (TurnEndPayload) Kind() EventKind            { return EventTurnEnd }
func (ThinkingChunkPayload) Kind() EventKind      { return EventThinkingChunk }
func (ErrorPayload) Kind() EventKind              { return EventError }
func (ContextUsagePayload) Kind() EventKind       { return EventContextUsageUpdate }
func (CompactionStartPayload) Kind() EventKind    { return EventCompactionStart }
func (CompactionCompletePayload) Kind() EventKind { return EventCompactionComplete }
func (ToolCallStartPayload) Kind() EventKind      { return EventToolCallStart }
func (ToolCallEndPayload) Kind() EventKind        { return EventToolCallEnd }
func (TodoUpdatePayload) Kind() EventKind         { return EventTodoUpdate }
func (DelegateStartPayload) Kind() EventKind      { return EventDelegateStart }
func (DelegateEndPayload) Kind() EventKind        { return EventDelegateEnd }

// Event is the envelope delivered to subscribers. Seq is assigned per run
// from an atomic counter, so subscribers can re-order across goroutines.
type Event struct {
	RunID     string       `json:"run_id"`
	Seq       int64        `json:"seq"`
	Timestamp time.Time    `json:"timestamp"`
	Payload   EventPayload `json:"payload"`
}

// EventListener receives events on the subscriber's own goroutine.
type EventListener func(Event)

// subscriberQueueSize bounds each subscriber's pending events.
const subscriberQueueSize = 256

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Bus is a thread-safe pub/sub hub for agent events.
type Bus struct {
	subscribers sync.Map // subscriberID (uint64) → *subscriber
	nextID      atomic.Uint64
	seqByRun    sync.Map // runID → *atomic.Int64
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a listener for all events and returns an unsubscribe
// function. The listener runs on a dedicated goroutine per subscription.
func (b *Bus) Subscribe(fn EventListener) func() {
	sub := &subscriber{
		ch:   make(chan Event, subscriberQueueSize),
		done: make(chan struct{}),
	}
	id := b.nextID.Add(1)
	b.subscribers.Store(id, sub)

	go func() {
		for {
			select {
			case ev := <-sub.ch:
				fn(ev)
			case <-sub.done:
				// Drain what is already queued before exiting.
				for {
					select {
					case ev := <-sub.ch:
						fn(ev)
					default:
						return
					}
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.subscribers.Delete(id)
			close(sub.done)
		})
	}
}

// SubscribeKind registers a listener for a single event kind.
func (b *Bus) SubscribeKind(kind EventKind, fn EventListener) func() {
	return b.Subscribe(func(ev Event) {
		if ev.Payload != nil && ev.Payload.Kind() == kind {
			fn(ev)
		}
	})
}

// SubscribeRun registers a listener scoped to one run ID.
func (b *Bus) SubscribeRun(runID string, fn EventListener) func() {
	return b.Subscribe(func(ev Event) {
		if ev.RunID == runID {
			fn(ev)
		}
	})
}

// Emit publishes a payload to all subscribers without blocking. The event's
// Seq is auto-assigned from the per-run counter.
func (b *Bus) Emit(runID string, payload EventPayload) {
	ev := Event{
		RunID:     runID,
		Seq:       b.runSeq(runID).Add(1),
		Timestamp: time.Now(),
		Payload:   payload,
	}

	b.subscribers.Range(func(_, value any) bool {
		sub := value.(*subscriber)
		for {
			select {
			case sub.ch <- ev:
				return true
			default:
			}
			// Full queue: evict the oldest pending event and retry.
			select {
			case <-sub.ch:
			default:
			}
		}
	})
}

// CleanupRun drops the sequence counter for a finished run.
func (b *Bus) CleanupRun(runID string) {
	b.seqByRun.Delete(runID)
}

// runSeq returns the sequence counter for a run, creating one if needed.
func (b *Bus) runSeq(runID string) *atomic.Int64 {
	if v, ok := b.seqByRun.Load(runID); ok {
		return v.(*atomic.Int64)
	}
	seq := &atomic.Int64{}
	actual, _ := b.seqByRun.LoadOrStore(runID, seq)
	return actual.(*atomic.Int64)
}
