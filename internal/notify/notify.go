// Package notify is the in-process notification channel: services publish
// state changes, subscribers (websocket clients, awaiting MCP calls) consume
// them. Delivery is fire-and-forget; consumers re-read current state.
package notify

import (
	"sync"
	"time"
)

// Kind names an event type on the wire.
type Kind string

const (
	KindPermissionRequest  Kind = "permission-request"
	KindPermissionResolved Kind = "permission-resolved"
	KindPhaseChanged       Kind = "phase-changed"
	KindBusyChanged        Kind = "busy-changed"
	KindMessageAppended    Kind = "message-appended"
	KindSessionRemoved     Kind = "session-removed"
	KindInboxPosted        Kind = "inbox-posted"
)

// Event is one published state change.
type Event struct {
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
	Payload   any       `json:"payload,omitempty"`
}

// PermissionRequestPayload is the outbound permission-request event body.
type PermissionRequestPayload struct {
	RequestID   string `json:"request_id"`
	SessionID   string `json:"session_id"`
	ToolName    string `json:"tool_name"`
	ToolInput   any    `json:"tool_input"`
	ToolUseID   string `json:"tool_use_id"`
	Description string `json:"description,omitempty"`
}

// PermissionResolvedPayload reports how a request was resolved.
type PermissionResolvedPayload struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Behavior  string `json:"behavior"`
	Reason    string `json:"reason"`
	Message   string `json:"message,omitempty"`
	Interrupt bool   `json:"interrupt,omitempty"`
}

// Publisher accepts events. Implementations must not block the caller.
type Publisher interface {
	Publish(e Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Bus fans events out to subscribers. A subscriber whose buffer is full
// misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Publish delivers e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func unregisters it and closes the channel; it is safe to call twice.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
}

// Close closes every subscriber channel. Later subscriptions are closed immediately.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	b.closed = true
}
