// Package readings keeps the latest classified reading for every
// sensor and answers whether the live feed has gone stale.
package readings

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/sensorwatch/internal/connection"
	"github.com/nugget/sensorwatch/internal/events"
	"github.com/nugget/sensorwatch/internal/sensor"
)

// DefaultStaleAfter is how long the feed may stay silent before it is
// considered stale.
const DefaultStaleAfter = 5 * time.Second

// Option configures a Store.
type Option func(*Store)

// WithRules sets the threshold table. Defaults to sensor.DefaultRules.
func WithRules(r sensor.Rules) Option {
	return func(s *Store) {
		if r != nil {
			s.rules = r
		}
	}
}

// WithDecoder sets the payload decoder.
func WithDecoder(d *Decoder) Option {
	return func(s *Store) {
		if d != nil {
			s.decoder = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBus publishes a reading event for every merged reading.
func WithBus(b *events.Bus) Option {
	return func(s *Store) { s.bus = b }
}

// WithClock overrides the clock used to stamp readings.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFunc = now
		}
	}
}

// Store holds the latest reading per sensor id. Merge is
// replace-by-id; a reader never sees a reading whose status does not
// match its value.
type Store struct {
	mu       sync.RWMutex
	readings map[string]sensor.Reading

	state atomic.Int32 // connection.State

	rules   sensor.Rules
	decoder *Decoder
	nowFunc func() time.Time
	logger  *slog.Logger
	bus     *events.Bus
}

// NewStore creates an empty store. Until it observes a connection
// status it assumes Disconnected.
func NewStore(opts ...Option) *Store {
	s := &Store{
		readings: make(map[string]sensor.Reading),
		rules:    sensor.DefaultRules(),
		decoder:  NewDecoder(nil),
		nowFunc:  time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest decodes a flat payload and merges its readings.
func (s *Store) Ingest(payload []byte) ([]sensor.Reading, error) {
	return s.IngestMessage("", payload)
}

// IngestMessage decodes payload received on topic, classifies each
// sample, stamps it with the current time, and merges it. On a decode
// failure nothing is merged and the *DecodeError is returned.
func (s *Store) IngestMessage(topic string, payload []byte) ([]sensor.Reading, error) {
	samples, err := s.decoder.Decode(topic, payload)
	if err != nil {
		s.logger.Warn("dropping undecodable payload", "topic", topic, "error", err)
		data := map[string]any{"topic": topic, "error": err.Error()}
		var de *DecodeError
		if errors.As(err, &de) && de.Field != "" {
			data["field"] = de.Field
		}
		s.bus.Emit(events.SourceReadings, events.KindDecodeFailed, data)
		return nil, err
	}
	return s.Merge(samples, s.nowFunc()), nil
}

// Merge classifies samples and replaces the stored reading for each id.
// It returns the merged readings in sample order.
func (s *Store) Merge(samples []Sample, at time.Time) []sensor.Reading {
	merged := make([]sensor.Reading, 0, len(samples))
	for _, smp := range samples {
		merged = append(merged, sensor.Reading{
			ID:         smp.ID,
			Name:       smp.Name,
			Kind:       smp.Kind,
			Value:      smp.Value,
			Unit:       smp.Unit,
			Status:     s.rules.Classify(smp.Kind, smp.Value),
			ObservedAt: at,
		})
	}

	s.mu.Lock()
	for _, r := range merged {
		s.readings[r.ID] = r
	}
	s.mu.Unlock()

	for _, r := range merged {
		s.logger.Debug("reading merged",
			"id", r.ID,
			"type", r.Kind,
			"value", r.Value,
			"status", r.Status,
		)
		s.bus.Emit(events.SourceReadings, events.KindReading, map[string]any{
			"id":     r.ID,
			"type":   string(r.Kind),
			"value":  r.Value,
			"unit":   r.Unit,
			"status": string(r.Status),
		})
	}
	return merged
}

// HandleStatus records the connection state. Register it with
// connection.Manager.OnStatusChange.
func (s *Store) HandleStatus(st connection.Status) {
	s.state.Store(int32(st.State))
}

// ConnectionState returns the last observed connection state.
func (s *Store) ConnectionState() connection.State {
	return connection.State(s.state.Load())
}

// IsStale reports whether the feed should be treated as stale at now:
// the connection is not Connected, or there is at least one reading
// and the newest is older than threshold. An empty store on a live
// connection is not stale. A non-positive threshold uses
// DefaultStaleAfter.
func (s *Store) IsStale(now time.Time, threshold time.Duration) bool {
	if s.ConnectionState() != connection.Connected {
		return true
	}
	if threshold <= 0 {
		threshold = DefaultStaleAfter
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.readings) == 0 {
		return false
	}
	return now.Sub(s.newestLocked()) > threshold
}

// LastObserved returns the newest ObservedAt, or the zero time when
// the store is empty.
func (s *Store) LastObserved() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.newestLocked()
}

func (s *Store) newestLocked() time.Time {
	var newest time.Time
	for _, r := range s.readings {
		if r.ObservedAt.After(newest) {
			newest = r.ObservedAt
		}
	}
	return newest
}

// Snapshot returns a point-in-time copy of every reading, sorted by id.
func (s *Store) Snapshot() []sensor.Reading {
	s.mu.RLock()
	out := make([]sensor.Reading, 0, len(s.readings))
	for _, r := range s.readings {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the reading for id.
func (s *Store) Get(id string) (sensor.Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.readings[id]
	return r, ok
}

// Len returns the number of sensors with a reading.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.readings)
}
