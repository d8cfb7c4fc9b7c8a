// Package alert decides which reading, if any, needs operator
// attention. At most one reading is active at a time: the first Unsafe,
// unacknowledged reading by id that was observed within the alert
// window. Acknowledging silences a sensor for its current Unsafe
// episode; once a reading observed after the acknowledgment shows the
// sensor recovered, the acknowledgment is dropped so the next episode
// alerts again.
package alert

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/sensorwatch/internal/events"
	"github.com/nugget/sensorwatch/internal/sensor"
)

// DefaultWindow is how long an Unsafe reading stays alertable after it
// was observed.
const DefaultWindow = 5 * time.Second

// ErrEmptyID is returned by Acknowledge for an empty sensor id.
var ErrEmptyID = errors.New("empty sensor id")

// SelectActiveAlert returns the reading to present, or nil. Candidates
// have Status Unsafe and now-ObservedAt <= window; the first candidate
// by ascending id that is not in acked wins. A non-positive window uses
// DefaultWindow. The returned reading is a copy.
func SelectActiveAlert(snapshot []sensor.Reading, acked map[string]struct{}, now time.Time, window time.Duration) *sensor.Reading {
	if window <= 0 {
		window = DefaultWindow
	}

	var best *sensor.Reading
	for i := range snapshot {
		r := snapshot[i]
		if r.Status != sensor.StatusUnsafe || r.Age(now) > window {
			continue
		}
		if _, ok := acked[r.ID]; ok {
			continue
		}
		if best == nil || r.ID < best.ID {
			best = &r
		}
	}
	return best
}

// AckStore persists the acknowledged set. opstate.KeySet implements it.
type AckStore interface {
	Members() ([]string, error)
	Add(id string) error
	Remove(id string) error
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithWindow sets the alert window. Non-positive values keep the default.
func WithWindow(d time.Duration) Option {
	return func(a *Arbiter) {
		if d > 0 {
			a.window = d
		}
	}
}

// WithRearm controls whether a recovered sensor's acknowledgment is
// dropped. Defaults to true.
func WithRearm(enabled bool) Option {
	return func(a *Arbiter) { a.rearm = enabled }
}

// WithStore persists acknowledgments. Call Restore to load them.
func WithStore(s AckStore) Option {
	return func(a *Arbiter) { a.store = s }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Arbiter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithBus publishes alert events.
func WithBus(b *events.Bus) Option {
	return func(a *Arbiter) { a.bus = b }
}

// WithClock overrides the clock used by Evaluate, Refresh and
// Acknowledge.
func WithClock(now func() time.Time) Option {
	return func(a *Arbiter) {
		if now != nil {
			a.nowFunc = now
		}
	}
}

// Arbiter owns the acknowledged set and tracks the active alert.
type Arbiter struct {
	mu      sync.Mutex
	acked   map[string]struct{}
	// ackedAt is when each id was acknowledged. Restored ids have the
	// zero time.
	ackedAt map[string]time.Time
	active  string // id last reported by Refresh, "" for none

	window  time.Duration
	rearm   bool
	store   AckStore
	nowFunc func() time.Time
	logger  *slog.Logger
	bus     *events.Bus
}

// New creates an Arbiter with an empty acknowledged set.
func New(opts ...Option) *Arbiter {
	a := &Arbiter{
		acked:   make(map[string]struct{}),
		ackedAt: make(map[string]time.Time),
		window:  DefaultWindow,
		rearm:   true,
		nowFunc: time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Window returns the configured alert window.
func (a *Arbiter) Window() time.Duration { return a.window }

// Restore loads acknowledgments from the store, if one is configured.
func (a *Arbiter) Restore() error {
	if a.store == nil {
		return nil
	}
	ids, err := a.store.Members()
	if err != nil {
		return fmt.Errorf("restore acknowledgments: %w", err)
	}

	a.mu.Lock()
	for _, id := range ids {
		a.acked[id] = struct{}{}
	}
	a.mu.Unlock()

	if len(ids) > 0 {
		a.logger.Info("acknowledgments restored", "count", len(ids))
	}
	return nil
}

// Acknowledge silences id for its current Unsafe episode. The in-memory
// set is updated even when persisting fails; the persistence error is
// returned.
func (a *Arbiter) Acknowledge(id string) error {
	if id == "" {
		return ErrEmptyID
	}

	at := a.nowFunc()
	a.mu.Lock()
	_, already := a.acked[id]
	if !already {
		a.acked[id] = struct{}{}
		a.ackedAt[id] = at
	}
	a.mu.Unlock()

	if already {
		return nil
	}

	a.logger.Info("alert acknowledged", "id", id)
	a.bus.Emit(events.SourceAlert, events.KindAlertAcknowledged, map[string]any{"id": id})

	if a.store != nil {
		if err := a.store.Add(id); err != nil {
			return fmt.Errorf("persist acknowledgment %s: %w", id, err)
		}
	}
	return nil
}

// IsAcknowledged reports whether id is currently silenced.
func (a *Arbiter) IsAcknowledged(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.acked[id]
	return ok
}

// Acknowledged returns the silenced ids, sorted.
func (a *Arbiter) Acknowledged() []string {
	a.mu.Lock()
	out := make([]string, 0, len(a.acked))
	for id := range a.acked {
		out = append(out, id)
	}
	a.mu.Unlock()
	sort.Strings(out)
	return out
}

// Update applies the re-arm rule: every acknowledged id whose reading
// in snapshot is no longer Unsafe and was observed no earlier than the
// acknowledgment is dropped from the set. Ids absent from snapshot and
// readings older than the acknowledgment leave the set alone. It
// returns the re-armed ids.
func (a *Arbiter) Update(snapshot []sensor.Reading) []string {
	if !a.rearm {
		return nil
	}

	var rearmed []sensor.Reading
	a.mu.Lock()
	for _, r := range snapshot {
		if _, ok := a.acked[r.ID]; !ok || r.Status == sensor.StatusUnsafe {
			continue
		}
		if r.ObservedAt.Before(a.ackedAt[r.ID]) {
			continue
		}
		delete(a.acked, r.ID)
		delete(a.ackedAt, r.ID)
		rearmed = append(rearmed, r)
	}
	a.mu.Unlock()

	ids := make([]string, 0, len(rearmed))
	for _, r := range rearmed {
		ids = append(ids, r.ID)
		a.logger.Info("alert re-armed", "id", r.ID, "status", r.Status)
		a.bus.Emit(events.SourceAlert, events.KindAlertRearmed, map[string]any{
			"id":     r.ID,
			"status": string(r.Status),
		})
		if a.store != nil {
			if err := a.store.Remove(r.ID); err != nil {
				a.logger.Warn("failed to remove persisted acknowledgment", "id", r.ID, "error", err)
			}
		}
	}
	return ids
}

// Active selects the active alert from snapshot at now using the
// arbiter's acknowledged set and window. It changes nothing.
func (a *Arbiter) Active(snapshot []sensor.Reading, now time.Time) *sensor.Reading {
	a.mu.Lock()
	defer a.mu.Unlock()
	return SelectActiveAlert(snapshot, a.acked, now, a.window)
}

// Evaluate runs Update and then Refresh. Call it where readings are
// merged, so re-arming only ever sees the newest data.
func (a *Arbiter) Evaluate(snapshot []sensor.Reading) *sensor.Reading {
	a.Update(snapshot)
	return a.Refresh(snapshot)
}

// Refresh selects the active alert at the current time and publishes
// alert_raised or alert_cleared when the selection changed since the
// previous call. It never re-arms.
func (a *Arbiter) Refresh(snapshot []sensor.Reading) *sensor.Reading {
	cur := a.Active(snapshot, a.nowFunc())

	id := ""
	if cur != nil {
		id = cur.ID
	}

	a.mu.Lock()
	prev := a.active
	a.active = id
	a.mu.Unlock()

	if id == prev {
		return cur
	}
	if cur != nil {
		a.logger.Warn("alert raised",
			"id", cur.ID,
			"type", cur.Kind,
			"value", cur.Value,
			"unit", cur.Unit,
		)
		a.bus.Emit(events.SourceAlert, events.KindAlertRaised, map[string]any{
			"id":    cur.ID,
			"type":  string(cur.Kind),
			"value": cur.Value,
			"unit":  cur.Unit,
		})
	} else {
		a.logger.Info("alert cleared", "previous", prev)
		a.bus.Emit(events.SourceAlert, events.KindAlertCleared, map[string]any{"previous": prev})
	}
	return cur
}
