// Package monitor composes the connection manager, reading store and
// alert arbiter into the running telemetry pipeline, and exposes the
// read side that the HTTP surface and CLI consume.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/sensorwatch/internal/alert"
	"github.com/nugget/sensorwatch/internal/connection"
	"github.com/nugget/sensorwatch/internal/connwatch"
	"github.com/nugget/sensorwatch/internal/events"
	"github.com/nugget/sensorwatch/internal/readings"
	"github.com/nugget/sensorwatch/internal/sensor"
)

// ErrFeedStale is reported by the feed watcher while no fresh data is
// arriving.
var ErrFeedStale = errors.New("feed is stale")

// ErrNotConnected is reported by the broker watcher while the
// connection is not up.
var ErrNotConnected = errors.New("broker not connected")

// Config holds the pipeline settings.
type Config struct {
	// Topics to subscribe. Wildcard filters are allowed.
	Topics []string

	// StaleAfter is how long the feed may be silent (default 5s).
	StaleAfter time.Duration

	// PollInterval drives staleness checks and alert window expiry
	// (default 1s).
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = readings.DefaultStaleAfter
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Deps are the components the monitor wires together.
type Deps struct {
	Conn    *connection.Manager
	Store   *readings.Store
	Arbiter *alert.Arbiter
	Bus     *events.Bus
	Logger  *slog.Logger

	// NowFunc defaults to time.Now.
	NowFunc func() time.Time
}

// Monitor runs the pipeline.
type Monitor struct {
	cfg     Config
	conn    *connection.Manager
	store   *readings.Store
	arbiter *alert.Arbiter
	bus     *events.Bus
	logger  *slog.Logger
	nowFunc func() time.Time
	watches *connwatch.Manager

	mu       sync.Mutex
	started  bool
	subs     []*connection.Subscription
	observer *connection.Observer
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a monitor. Conn, Store and Arbiter are required.
func New(cfg Config, deps Deps) (*Monitor, error) {
	if deps.Conn == nil || deps.Store == nil || deps.Arbiter == nil {
		return nil, errors.New("monitor: connection, store and arbiter are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.NowFunc
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		cfg:     cfg.withDefaults(),
		conn:    deps.Conn,
		store:   deps.Store,
		arbiter: deps.Arbiter,
		bus:     deps.Bus,
		logger:  logger,
		nowFunc: now,
		watches: connwatch.NewManager(logger),
	}, nil
}

// Start starts the connection manager, subscribes every configured
// topic, connects, and starts the broker and feed watchers. It returns
// immediately; connection progress is reported through status events.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("monitor already started")
	}
	m.started = true

	m.conn.Start(ctx)
	m.observer = m.conn.OnStatusChange(m.handleStatus)
	for _, topic := range m.cfg.Topics {
		m.subs = append(m.subs, m.conn.Subscribe(topic, m.handleMessage))
	}
	m.conn.Connect()

	m.watches.Watch(ctx, connwatch.WatcherConfig{
		Name:     "broker",
		Probe:    m.probeBroker,
		Interval: m.cfg.PollInterval,
	})
	m.watches.Watch(ctx, connwatch.WatcherConfig{
		Name:     "feed",
		Probe:    m.probeFeed,
		Interval: m.cfg.PollInterval,
		OnReady: func() {
			m.bus.Emit(events.SourceFeed, events.KindFeedLive, nil)
		},
		OnDown: func(err error) {
			m.bus.Emit(events.SourceFeed, events.KindFeedStale, map[string]any{"error": err.Error()})
		},
	})

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(loopCtx)

	m.logger.Info("monitor started",
		"topics", m.cfg.Topics,
		"stale_after", m.cfg.StaleAfter.String(),
		"alert_window", m.arbiter.Window().String(),
	)
	return nil
}

// run refreshes the alert on every poll so that alerts expire when
// their window passes even if no new message arrives. Re-arming is left
// to handleMessage.
func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.arbiter.Refresh(m.store.Snapshot())
		}
	}
}

// Close stops the watchers and the evaluation loop, removes the
// pipeline's subscriptions, and closes the connection manager.
func (m *Monitor) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	subs := m.subs
	m.subs = nil
	observer := m.observer
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	m.watches.Stop()
	cancel()
	<-done

	for _, sub := range subs {
		m.conn.Unsubscribe(sub)
	}
	m.conn.OffStatusChange(observer)
	if err := m.conn.Close(ctx); err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}

// handleMessage runs on the connection manager's dispatch goroutine.
// Undecodable payloads were already logged and published by the store;
// they are dropped here rather than reported as handler failures.
func (m *Monitor) handleMessage(msg connection.Message) error {
	if _, err := m.store.IngestMessage(msg.Topic, msg.Payload); err != nil {
		var de *readings.DecodeError
		if errors.As(err, &de) {
			return nil
		}
		return err
	}
	m.arbiter.Evaluate(m.store.Snapshot())
	return nil
}

func (m *Monitor) handleStatus(st connection.Status) {
	m.store.HandleStatus(st)
}

func (m *Monitor) probeBroker(context.Context) error {
	st := m.conn.Status()
	if st.State == connection.Connected {
		return nil
	}
	if st.Err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotConnected, st.State, st.Err)
	}
	return fmt.Errorf("%w: %s", ErrNotConnected, st.State)
}

func (m *Monitor) probeFeed(context.Context) error {
	now := m.nowFunc()
	if !m.store.IsStale(now, m.cfg.StaleAfter) {
		return nil
	}
	if state := m.store.ConnectionState(); state != connection.Connected {
		return fmt.Errorf("%w: connection %s", ErrFeedStale, state)
	}
	return fmt.Errorf("%w: last reading %s ago", ErrFeedStale, now.Sub(m.store.LastObserved()).Round(time.Millisecond))
}

// Readings returns the current snapshot, sorted by id.
func (m *Monitor) Readings() []sensor.Reading {
	return m.store.Snapshot()
}

// Reading returns the current reading for id.
func (m *Monitor) Reading(id string) (sensor.Reading, bool) {
	return m.store.Get(id)
}

// Stale reports whether the feed is stale right now.
func (m *Monitor) Stale() bool {
	return m.store.IsStale(m.nowFunc(), m.cfg.StaleAfter)
}

// ActiveAlert returns the reading that currently needs attention, or
// nil. It has no side effects.
func (m *Monitor) ActiveAlert() *sensor.Reading {
	return m.arbiter.Active(m.store.Snapshot(), m.nowFunc())
}

// Acknowledge silences id for its current Unsafe episode and returns
// the next active alert, if any.
func (m *Monitor) Acknowledge(id string) (*sensor.Reading, error) {
	if err := m.arbiter.Acknowledge(id); err != nil {
		return nil, err
	}
	return m.arbiter.Refresh(m.store.Snapshot()), nil
}

// Report is a point-in-time summary of the pipeline.
type Report struct {
	State        connection.State   `json:"state"`
	Error        string             `json:"error,omitempty"`
	Stale        bool               `json:"stale"`
	Topics       []string           `json:"topics"`
	Sensors      int                `json:"sensors"`
	LastReading  *time.Time         `json:"last_reading,omitempty"`
	Acknowledged []string           `json:"acknowledged"`
	Messages     connection.Stats   `json:"messages"`
	Watches      []connwatch.Health `json:"watches"`
	WatchesReady bool               `json:"watches_ready"`
}

// Status returns a Report.
func (m *Monitor) Status() Report {
	st := m.conn.Status()
	r := Report{
		State:        st.State,
		Error:        st.ErrorString(),
		Stale:        m.Stale(),
		Topics:       m.conn.Topics(),
		Sensors:      m.store.Len(),
		Acknowledged: m.arbiter.Acknowledged(),
		Messages:     m.conn.Stats(),
		Watches:      m.watches.Health(),
		WatchesReady: m.watches.Ready(),
	}
	if last := m.store.LastObserved(); !last.IsZero() {
		r.LastReading = &last
	}
	return r
}

// Healthy reports whether the broker is connected and the feed is live.
func (m *Monitor) Healthy() bool {
	return m.conn.State() == connection.Connected && !m.Stale()
}

// Bus returns the event bus, which may be nil.
func (m *Monitor) Bus() *events.Bus {
	return m.bus
}
