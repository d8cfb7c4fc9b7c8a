// Package connection owns the single logical connection to the pub/sub
// broker and multiplexes topic subscriptions over it.
//
// The [Manager] is an actor: transport callbacks and public operations
// are queued onto one dispatch goroutine and each runs to completion
// before the next. Only that goroutine mutates the connection state and
// the subscription registry, and only it issues broker-level subscribe
// and unsubscribe calls. Public methods enqueue and return immediately,
// so message handlers may call back into the Manager.
//
// Subscriptions belong to the registry, not the broker: on every
// transition into [Connected] (first connect or reconnect) each
// registered topic filter is subscribed again exactly once.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/sensorwatch/internal/events"
)

// ErrInvalidEnvelope is reported for message payloads that are not
// well-formed JSON. Such messages are dropped before any handler runs.
var ErrInvalidEnvelope = errors.New("payload is not valid JSON")

// ErrStopped is returned by Flush once the dispatch goroutine has
// exited.
var ErrStopped = errors.New("connection manager stopped")

// Handlers are the callbacks a [Transport] invokes. They may be called
// from any goroutine; the Manager serializes them onto its queue.
type Handlers struct {
	// OnConnected is called after every successful handshake,
	// including automatic reconnects.
	OnConnected func()
	// OnConnectError is called when a handshake attempt fails or times
	// out. The transport keeps retrying on its own.
	OnConnectError func(err error)
	// OnConnectionLost is called when an established connection drops.
	// err is nil for a requested disconnect.
	OnConnectionLost func(err error)
	// OnReconnecting is called before an automatic reconnect attempt.
	// Optional; not every transport can report it.
	OnReconnecting func()
	// OnMessage is called for every inbound publish.
	OnMessage func(topic string, payload []byte)
}

// Transport is the narrow broker capability the Manager depends on.
// Implementations must not block the caller on network I/O: Connect
// starts the handshake and reports its outcome through Handlers, and
// Subscribe/Unsubscribe return after queuing the request. Subscribing
// to an already-subscribed filter must be harmless.
type Transport interface {
	// Connect starts the connection and enables automatic reconnection
	// after both initial failures and unexpected drops. A returned error
	// means the transport could not even start (bad configuration).
	Connect(ctx context.Context, h Handlers) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	// Disconnect closes the connection and stops reconnecting.
	Disconnect(ctx context.Context) error
}

// Message is a decoded inbound publish handed to subscribers.
type Message struct {
	// Topic is the concrete topic the message was published to, which
	// may differ from the subscription filter when wildcards are used.
	Topic      string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// MessageHandler consumes messages for a subscription. A returned error
// or a panic is logged and does not affect other handlers.
type MessageHandler func(Message) error

// Subscription is the handle returned by [Manager.Subscribe]. Handler
// identity is the handle itself: Unsubscribe removes exactly this one.
type Subscription struct {
	id      uint64
	topic   string
	handler MessageHandler
	// removed is set synchronously by Unsubscribe so dispatches already
	// queued skip the handler before the registry catches up.
	removed atomic.Bool
}

// Topic returns the subscription's topic filter.
func (s *Subscription) Topic() string { return s.topic }

// Observer is the handle returned by [Manager.OnStatusChange].
type Observer struct {
	fn      func(Status)
	removed atomic.Bool
}

// CallbackError describes a handler that failed while processing a
// message on Topic.
type CallbackError struct {
	Topic string
	Err   error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("handler for %s: %v", e.Topic, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// Stats are running message counters.
type Stats struct {
	Received      int64 `json:"received"`
	Delivered     int64 `json:"delivered"`
	DecodeErrors  int64 `json:"decode_errors"`
	HandlerErrors int64 `json:"handler_errors"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithBus publishes status, decode, and handler failure events to b.
func WithBus(b *events.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithClock overrides the clock used to stamp received messages.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.nowFunc = now
		}
	}
}

// Manager maintains one broker connection and its subscriptions.
type Manager struct {
	transport Transport
	logger    *slog.Logger
	bus       *events.Bus
	nowFunc   func() time.Time

	q      *queue
	closed atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
	loop   context.Context
	nextID atomic.Uint64

	// Owned by the dispatch goroutine.
	status           Status
	transportStarted bool
	subs             map[string][]*Subscription
	observers        []*Observer

	// Read-side mirror for State, Status and Topics.
	viewMu     sync.RWMutex
	viewStatus Status
	viewTopics []string

	received      atomic.Int64
	delivered     atomic.Int64
	decodeErrors  atomic.Int64
	handlerErrors atomic.Int64
}

// New creates a Manager for the given transport. Call [Manager.Start]
// to run the dispatch goroutine and [Manager.Connect] to connect.
func New(t Transport, opts ...Option) *Manager {
	m := &Manager{
		transport: t,
		logger:    slog.Default(),
		nowFunc:   time.Now,
		q:         newQueue(),
		subs:      make(map[string][]*Subscription),
		status:    Status{State: Disconnected},
		loop:      context.Background(),
	}
	m.viewStatus = m.status
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start runs the dispatch goroutine until ctx is cancelled or Close is
// called. Operations enqueued before Start are processed once it runs.
func (m *Manager) Start(ctx context.Context) {
	if m.done != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.loop = loopCtx
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(loopCtx)
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.q.signal:
			for _, fn := range m.q.drain() {
				fn()
			}
		}
	}
}

// Close disconnects the transport, reports Disconnected to observers,
// and stops the dispatch goroutine. ctx bounds the disconnect.
func (m *Manager) Close(ctx context.Context) error {
	if m.closed.Swap(true) {
		return nil
	}
	err := m.transport.Disconnect(ctx)
	m.q.push(func() {
		m.setStatus(Status{State: Disconnected})
	})
	if m.done == nil {
		return err
	}
	if ferr := m.Flush(ctx); ferr != nil && !errors.Is(ferr, ErrStopped) && err == nil {
		err = ferr
	}
	m.cancel()
	<-m.done
	return err
}

// Flush blocks until every operation queued before the call has been
// handled, ctx is done, or the dispatch goroutine has exited. It must
// not be called from a handler or observer, which run on the dispatch
// goroutine.
func (m *Manager) Flush(ctx context.Context) error {
	done := make(chan struct{})
	m.q.push(func() { close(done) })
	select {
	case <-done:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect starts connecting. It is a no-op while Connected or
// Connecting. Failures are reported to status observers, never
// returned: the transport retries in the background, so callers do
// not need to call Connect again to recover.
func (m *Manager) Connect() {
	m.q.push(m.handleConnect)
}

// Subscribe registers handler for messages matching topic. If the
// connection is up, the broker-level subscribe is issued immediately.
func (m *Manager) Subscribe(topic string, handler MessageHandler) *Subscription {
	sub := &Subscription{
		id:      m.nextID.Add(1),
		topic:   topic,
		handler: handler,
	}
	m.q.push(func() { m.addSubscription(sub) })
	return sub
}

// Unsubscribe removes exactly sub. When no handlers remain for its
// topic, the registry entry is removed and, if connected, the broker
// subscription is dropped. Unknown or already-removed handles are
// ignored.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil || sub.removed.Swap(true) {
		return
	}
	m.q.push(func() { m.removeSubscription(sub) })
}

// OnStatusChange registers fn for status transitions. fn first
// receives the current status, before any later transition.
func (m *Manager) OnStatusChange(fn func(Status)) *Observer {
	o := &Observer{fn: fn}
	m.q.push(func() {
		if o.removed.Load() {
			return
		}
		m.observers = append(m.observers, o)
		m.notify(o, m.status)
	})
	return o
}

// OffStatusChange deregisters an observer. It receives nothing after
// the call returns, including transitions already queued.
func (m *Manager) OffStatusChange(o *Observer) {
	if o == nil || o.removed.Swap(true) {
		return
	}
	m.q.push(func() {
		m.observers = slices.DeleteFunc(m.observers, func(x *Observer) bool { return x == o })
	})
}

// State returns the most recently settled connection state.
func (m *Manager) State() State {
	return m.Status().State
}

// Status returns the most recently settled status.
func (m *Manager) Status() Status {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.viewStatus
}

// Topics returns the registered topic filters, sorted.
func (m *Manager) Topics() []string {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return slices.Clone(m.viewTopics)
}

// Stats returns a snapshot of the message counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Received:      m.received.Load(),
		Delivered:     m.delivered.Load(),
		DecodeErrors:  m.decodeErrors.Load(),
		HandlerErrors: m.handlerErrors.Load(),
	}
}

// --- dispatch goroutine only below this line ---

func (m *Manager) handlers() Handlers {
	return Handlers{
		OnConnected: func() {
			m.q.push(m.handleConnected)
		},
		OnConnectError: func(err error) {
			m.q.push(func() { m.handleConnectError(err) })
		},
		OnConnectionLost: func(err error) {
			m.q.push(func() { m.handleConnectionLost(err) })
		},
		OnReconnecting: func() {
			m.q.push(func() { m.setStatus(Status{State: Connecting}) })
		},
		OnMessage: func(topic string, payload []byte) {
			m.received.Add(1)
			p := slices.Clone(payload)
			at := m.nowFunc()
			m.q.push(func() { m.dispatch(topic, p, at) })
		},
	}
}

func (m *Manager) handleConnect() {
	switch m.status.State {
	case Connected, Connecting:
		m.logger.Debug("connect ignored", "state", m.status.State)
		return
	}

	m.setStatus(Status{State: Connecting})

	if m.transportStarted {
		// The transport is already retrying on its own; its next
		// outcome settles the state.
		m.logger.Debug("transport already reconnecting in background")
		return
	}

	if err := m.transport.Connect(m.loop, m.handlers()); err != nil {
		m.logger.Warn("transport failed to start", "error", err)
		m.setStatus(Status{State: Failed, Err: err})
		return
	}
	m.transportStarted = true
}

func (m *Manager) handleConnected() {
	if m.status.State == Connected {
		return
	}
	m.setStatus(Status{State: Connected})
	for _, topic := range m.sortedTopics() {
		m.brokerSubscribe(topic)
	}
}

func (m *Manager) handleConnectError(err error) {
	m.logger.Warn("broker connection attempt failed", "error", err)
	m.setStatus(Status{State: Failed, Err: err})
}

func (m *Manager) handleConnectionLost(err error) {
	if err != nil {
		m.logger.Warn("broker connection lost", "error", err)
	}
	m.setStatus(Status{State: Disconnected, Err: err})
}

// setStatus applies a transition and notifies every observer before
// returning. Transitioning to the current state is not an event.
func (m *Manager) setStatus(s Status) {
	if s.State == m.status.State {
		return
	}
	prev := m.status.State
	m.status = s

	m.viewMu.Lock()
	m.viewStatus = s
	m.viewMu.Unlock()

	m.logger.Info("connection status changed", "from", prev, "to", s.State)

	data := map[string]any{"state": s.State.String(), "previous": prev.String()}
	if s.Err != nil {
		data["error"] = s.Err.Error()
	}
	m.bus.Emit(events.SourceConnection, events.KindStatusChanged, data)

	for _, o := range slices.Clone(m.observers) {
		m.notify(o, s)
	}
}

func (m *Manager) notify(o *Observer, s Status) {
	if o.removed.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("status observer panicked", "panic", r)
		}
	}()
	o.fn(s)
}

func (m *Manager) addSubscription(sub *Subscription) {
	if sub.removed.Load() {
		return
	}
	m.subs[sub.topic] = append(m.subs[sub.topic], sub)
	m.refreshTopics()
	m.logger.Debug("subscription added", "topic", sub.topic, "handlers", len(m.subs[sub.topic]))

	if m.status.State == Connected {
		m.brokerSubscribe(sub.topic)
	}
}

func (m *Manager) removeSubscription(sub *Subscription) {
	list, ok := m.subs[sub.topic]
	if !ok {
		return
	}
	i := slices.Index(list, sub)
	if i < 0 {
		return
	}
	list = slices.Delete(list, i, i+1)

	if len(list) > 0 {
		m.subs[sub.topic] = list
		return
	}

	delete(m.subs, sub.topic)
	m.refreshTopics()
	m.logger.Debug("last handler removed", "topic", sub.topic)

	if m.status.State == Connected {
		if err := m.transport.Unsubscribe(sub.topic); err != nil {
			m.logger.Warn("broker unsubscribe failed", "topic", sub.topic, "error", err)
		}
	}
}

func (m *Manager) brokerSubscribe(topic string) {
	if err := m.transport.Subscribe(topic); err != nil {
		m.logger.Warn("broker subscribe failed", "topic", topic, "error", err)
		return
	}
	m.logger.Debug("broker subscribe issued", "topic", topic)
}

func (m *Manager) sortedTopics() []string {
	topics := make([]string, 0, len(m.subs))
	for t := range m.subs {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

func (m *Manager) refreshTopics() {
	topics := m.sortedTopics()
	m.viewMu.Lock()
	m.viewTopics = topics
	m.viewMu.Unlock()
}

// dispatch decodes one inbound message and hands it to a snapshot of
// the handlers whose filters match its topic.
func (m *Manager) dispatch(topic string, payload []byte, at time.Time) {
	if !json.Valid(payload) {
		m.decodeErrors.Add(1)
		m.logger.Warn("dropping message", "topic", topic, "payload_size", len(payload), "error", ErrInvalidEnvelope)
		m.bus.Emit(events.SourceConnection, events.KindDecodeFailed, map[string]any{
			"topic": topic,
			"error": ErrInvalidEnvelope.Error(),
		})
		return
	}

	var targets []*Subscription
	for _, filter := range m.sortedTopics() {
		if TopicMatches(filter, topic) {
			targets = append(targets, m.subs[filter]...)
		}
	}
	if len(targets) == 0 {
		m.logger.Debug("message for topic with no handlers", "topic", topic)
		return
	}

	msg := Message{Topic: topic, Payload: json.RawMessage(payload), ReceivedAt: at}
	for _, sub := range targets {
		// A handler earlier in this snapshot may have removed a sibling.
		if sub.removed.Load() {
			continue
		}
		if err := m.invoke(sub, msg); err != nil {
			m.handlerErrors.Add(1)
			m.logger.Error("message handler failed", "topic", topic, "error", err)
			m.bus.Emit(events.SourceConnection, events.KindCallbackFailed, map[string]any{
				"topic": topic,
				"error": err.Error(),
			})
			continue
		}
		m.delivered.Add(1)
	}
}

// invoke runs one handler, converting a panic into a *CallbackError.
func (m *Manager) invoke(sub *Subscription, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CallbackError{Topic: msg.Topic, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if herr := sub.handler(msg); herr != nil {
		return &CallbackError{Topic: msg.Topic, Err: herr}
	}
	return nil
}
