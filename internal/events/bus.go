// Package events is an in-process publish/subscribe bus for pipeline
// lifecycle events. Transports subscribe to forward events; a nil *Bus
// accepts publishes and drops them, so publishers need no guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourcePipeline = "pipeline"
	SourceGateway  = "gateway"
	SourceMQTT     = "mqtt"
	SourceWatch    = "connwatch"
)

// Kinds published by the pipeline. Every turn event carries user_id and
// message_id in Data.
const (
	// KindTurnStart: text_len.
	KindTurnStart = "turn.start"
	// KindTurnClassified: intents, tool_calls, restart.
	KindTurnClassified = "turn.classified"
	// KindToolDispatched: tool, kind, ok.
	KindToolDispatched = "tool.dispatched"
	// KindActionDone: action, outcome, elapsed_ms.
	KindActionDone = "action.done"
	// KindTurnRestart: restart, text_len.
	KindTurnRestart = "turn.restart"
	// KindTurnDone: elapsed_ms, restarts.
	KindTurnDone = "turn.done"
	// KindTurnError: error.
	KindTurnError = "turn.error"

	// KindClientConnected and KindClientDisconnected: remote.
	KindClientConnected    = "client.connected"
	KindClientDisconnected = "client.disconnected"

	// KindServiceUp and KindServiceDown: service, error.
	KindServiceUp   = "service.up"
	KindServiceDown = "service.down"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus broadcasts events to buffered subscriber channels. A full
// subscriber misses events instead of blocking the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with room for it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
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

// Emit publishes an event stamped now.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel with room for bufSize events. Release it
// with Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
