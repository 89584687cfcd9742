package domain

import (
	"context"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventMessageReceived   EventType = "message.received"
	EventMessageSent       EventType = "message.sent"
	EventToolCallStarted   EventType = "tool.call.started"
	EventToolCallCompleted EventType = "tool.call.completed"
	EventLLMCallStarted    EventType = "llm.call.started"
	EventLLMCallCompleted  EventType = "llm.call.completed"
	EventSessionCreated    EventType = "session.created"
	EventSessionCleared    EventType = "session.cleared"
	EventAgentError        EventType = "agent.error"

	// Streaming response events consumed by the TUI.
	EventStreamStarted   EventType = "stream.started"
	EventStreamDelta     EventType = "stream.delta"
	EventStreamCompleted EventType = "stream.completed"
	EventStreamError     EventType = "stream.error"

	// Search pipeline events.
	EventSearchPhaseStarted   EventType = "search.phase.started"
	EventSearchPhaseCompleted EventType = "search.phase.completed"
)

// StreamDeltaPayload carries one incremental chunk of a streaming response.
type StreamDeltaPayload struct {
	Content   string
	ToolCalls []ToolCall
	Done      bool
	Iteration int
}

// StreamCompletedPayload carries the final assembled response.
type StreamCompletedPayload struct {
	Content string
	Usage   *Usage
}

// StreamErrorPayload carries a streaming failure description.
type StreamErrorPayload struct {
	Error string
}

// SearchPhasePayload describes one phase of the search pipeline.
type SearchPhasePayload struct {
	Phase string
	Query string
	Hits  int
}

// Event is the envelope published on the event bus. Payload contents are
// event-type specific; the bus is in-process so payloads stay as Go values.
type Event struct {
	Type      EventType
	Timestamp time.Time
	SessionID string
	Payload   any
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
