// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from the turn pipeline, the tool executor
// and the model gateway to subscribers such as the MQTT publisher. The
// bus is nil-safe: publishing on a nil *Bus is a no-op, so components
// do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the turn pipeline.
	SourceAgent = "agent"
	// SourceExecutor identifies events from the tool execution engine.
	SourceExecutor = "executor"
	// SourceGateway identifies events from the model gateway.
	SourceGateway = "gateway"
	// SourceTelegram identifies events from the Telegram transport.
	SourceTelegram = "telegram"
	// SourceWebChat identifies events from the WebSocket chat endpoint.
	SourceWebChat = "webchat"
	// SourceHealth identifies events from the service health monitor.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals the beginning of a turn.
	// Data: user_id, mode, text_len, attachments.
	KindTurnStart = "turn_start"
	// KindPlan signals a tool plan was selected.
	// Data: user_id, tools.
	KindPlan = "plan"
	// KindTurnComplete signals the end of a turn.
	// Data: user_id, mode, ok, files, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindTurnBusy signals a message rejected because a turn was running.
	// Data: user_id.
	KindTurnBusy = "turn_busy"
	// KindModeChanged signals a pinned-mode toggle.
	// Data: user_id, mode.
	KindModeChanged = "mode_changed"

	// KindToolCall signals the start of a tool invocation.
	// Data: tool, index.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool invocation.
	// Data: tool, index, ok, files, duration_ms.
	KindToolDone = "tool_done"

	// KindCredentialFailed signals one credential of a backend failed.
	// Data: backend, credential, error.
	KindCredentialFailed = "credential_failed"
	// KindFallback signals the gateway switched backend family.
	// Data: from, to.
	KindFallback = "fallback"
	// KindCallComplete signals a finished gateway call.
	// Data: backend, model, ok, duration_ms.
	KindCallComplete = "call_complete"

	// KindMessageReceived signals an inbound transport message.
	// Data: user_id, kind.
	KindMessageReceived = "message_received"

	// KindServiceStatus signals a watched service went up or down.
	// Data: service, ready, error.
	KindServiceStatus = "service_status"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to callers back
	// to the channel stored in subs.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers without blocking. Safe to
// call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit stamps and publishes an event. Safe to call on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Unknown
// or already-removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
