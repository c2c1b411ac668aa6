// Package bus implements the process-wide typed event bus that decouples the
// agent runtime and channel manager (producers) from the gateway broadcast and
// file auto-send (consumers).
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gofer-dev/gofer/pkg/protocol"
)

// Event is an immutable record published on the bus.
type Event struct {
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
	ChannelID string         `json:"channel_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(kind, source string, data map[string]any) Event {
	return Event{Type: kind, Source: source, Timestamp: time.Now(), Data: data}
}

// ToDict flattens the event for wire serialization.
func (e Event) ToDict() map[string]any {
	out := map[string]any{
		"type":      e.Type,
		"source":    e.Source,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if e.SessionID != "" {
		out["session_id"] = e.SessionID
	}
	if e.ChannelID != "" {
		out["channel_id"] = e.ChannelID
	}
	if e.Data != nil {
		out["data"] = e.Data
	}
	return out
}

// Listener receives published events. Listeners run in the publishing
// goroutine inside a fault boundary; a panicking listener does not affect
// delivery to the others.
type Listener func(Event)

type subscriber struct {
	id   string
	kind string // event kind or protocol.Wildcard
	fn   Listener
}

// Bus is the typed pub/sub. The subscriber list is copy-on-write: publishing
// snapshots the list without holding the registration lock, so a publish in
// flight never blocks Subscribe/Unsubscribe and never observes a partial
// registration.
type Bus struct {
	mu     sync.Mutex
	subs   atomic.Pointer[[]subscriber]
	pubMu  sync.Mutex // serializes publishes: listeners never observe interleaved events
	errors atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	b := &Bus{}
	empty := make([]subscriber, 0)
	b.subs.Store(&empty)
	return b
}

// Subscribe registers a listener for one event kind, or for every kind when
// kind is protocol.Wildcard. Returns the subscription id.
func (b *Bus) Subscribe(kind string, fn Listener) string {
	id := uuid.NewString()
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := *b.subs.Load()
	next := make([]subscriber, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, subscriber{id: id, kind: kind, fn: fn})
	b.subs.Store(&next)
	return id
}

// Unsubscribe removes a subscription. Returns false if the id is unknown.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := *b.subs.Load()
	next := make([]subscriber, 0, len(cur))
	found := false
	for _, s := range cur {
		if s.id == id {
			found = true
			continue
		}
		next = append(next, s)
	}
	if found {
		b.subs.Store(&next)
	}
	return found
}

// Publish delivers the event to every listener registered for its kind plus
// every wildcard listener, in registration order, before returning. Publishes
// are atomic with respect to each other.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	for _, s := range *b.subs.Load() {
		if s.kind != event.Type && s.kind != protocol.Wildcard {
			continue
		}
		b.deliver(s, event)
	}
}

func (b *Bus) deliver(s subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.errors.Add(1)
			slog.Error("bus: listener panicked",
				"event", event.Type,
				"subscription", s.id,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	s.fn(event)
}

// ErrorCount returns the number of listener faults recorded since start.
func (b *Bus) ErrorCount() uint64 { return b.errors.Load() }

// SubscriberCount returns the current number of subscriptions.
func (b *Bus) SubscriberCount() int { return len(*b.subs.Load()) }
