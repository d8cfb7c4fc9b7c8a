// Package events provides the publish/subscribe bus that carries the
// monitor's reactive outputs: connection status transitions, merged
// readings, alert selection changes, and feed staleness. Consumers (the
// WebSocket stream, tests, future notifiers) subscribe with buffered
// channels. The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceConnection identifies events from the connection manager.
	SourceConnection = "connection"
	// SourceReadings identifies events from the reading store.
	SourceReadings = "readings"
	// SourceAlert identifies events from the alert arbiter.
	SourceAlert = "alert"
	// SourceFeed identifies events from the feed staleness watcher.
	SourceFeed = "feed"
)

// Kind constants describe the type of event within a source.
const (
	// KindStatusChanged signals a connection state transition.
	// Data: state, error (optional).
	KindStatusChanged = "status_changed"
	// KindDecodeFailed signals a dropped message that could not be decoded.
	// Data: topic, error.
	KindDecodeFailed = "decode_failed"
	// KindCallbackFailed signals a subscriber handler that failed or panicked.
	// Data: topic, error.
	KindCallbackFailed = "callback_failed"
	// KindMessageDropped signals inbound messages discarded by the rate limiter.
	// Data: dropped, interval.
	KindMessageDropped = "message_dropped"

	// KindReading signals a reading merged into the store.
	// Data: id, type, value, unit, status.
	KindReading = "reading"

	// KindAlertRaised signals a new active alert.
	// Data: id, type, value, unit.
	KindAlertRaised = "alert_raised"
	// KindAlertCleared signals that no reading currently needs attention.
	// Data: previous.
	KindAlertCleared = "alert_cleared"
	// KindAlertAcknowledged signals an operator acknowledgment.
	// Data: id.
	KindAlertAcknowledged = "alert_acknowledged"
	// KindAlertRearmed signals an acknowledgment evicted after recovery.
	// Data: id, status.
	KindAlertRearmed = "alert_rearmed"

	// KindFeedStale signals that live data stopped arriving.
	// Data: error.
	KindFeedStale = "feed_stale"
	// KindFeedLive signals that live data resumed.
	KindFeedLive = "feed_live"
)

// Event represents a single event published by a component.
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

// Bus is a non-blocking broadcast event bus. A subscriber whose buffer
// is full misses the event; the bus counts what each one missed.
type Bus struct {
	mu      sync.RWMutex
	subs    map[<-chan Event]*subscriber
	nowFunc func() time.Time
}

type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:    make(map[<-chan Event]*subscriber),
		nowFunc: time.Now,
	}
}

// Publish delivers e to every subscriber with room for it. A zero
// Timestamp is filled in. Publishing on a nil Bus does nothing.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.nowFunc()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Emit is shorthand for publishing an event built from its parts.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe registers a subscriber with a buffer of size events. Pair
// every call with Unsubscribe.
func (b *Bus) Subscribe(size int) <-chan Event {
	sub := &subscriber{ch: make(chan Event, size)}
	b.mu.Lock()
	b.subs[sub.ch] = sub
	b.mu.Unlock()
	return sub.ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// or already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(sub.ch)
	}
}

// Dropped reports how many events ch missed because its buffer was full.
func (b *Bus) Dropped(ch <-chan Event) uint64 {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sub, ok := b.subs[ch]; ok {
		return sub.dropped.Load()
	}
	return 0
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
