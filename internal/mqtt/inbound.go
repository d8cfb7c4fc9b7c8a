package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/sensorwatch/internal/config"
	"github.com/nugget/sensorwatch/internal/events"
)

// traceKeys are the payload fields worth seeing when a publisher
// misbehaves: the flat-payload presence flags and the per-topic
// value/unit pair.
var traceKeys = []string{"value", "unit", "tSensor", "hSensor", "gSensor", "dSensor", "mSensor"}

func traceInbound(logger *slog.Logger, topic string, payload []byte) {
	ctx := context.Background()
	if !logger.Enabled(ctx, config.LevelTrace) {
		return
	}
	attrs := []slog.Attr{slog.String("topic", topic), slog.Int("bytes", len(payload))}
	var obj map[string]any
	if json.Unmarshal(payload, &obj) == nil {
		for _, k := range traceKeys {
			if v, ok := obj[k]; ok {
				attrs = append(attrs, slog.Any(k, v))
			}
		}
	}
	logger.LogAttrs(ctx, config.LevelTrace, "inbound message", attrs...)
}

// inboundGate admits at most limit messages per fixed window and
// reports what it turned away when the window closes.
type inboundGate struct {
	limit   int
	window  time.Duration
	logger  *slog.Logger
	bus     *events.Bus
	nowFunc func() time.Time

	mu       sync.Mutex
	opened   time.Time
	admitted int
	rejected int
}

func newInboundGate(limit int, window time.Duration, logger *slog.Logger, bus *events.Bus) *inboundGate {
	return &inboundGate{limit: limit, window: window, logger: logger, bus: bus, nowFunc: time.Now}
}

// admit reports whether one more message fits in the current window.
func (g *inboundGate) admit() bool {
	now := g.nowFunc()
	g.mu.Lock()
	admitted, rejected := g.rollLocked(now)
	ok := g.admitted < g.limit
	if ok {
		g.admitted++
	} else {
		g.rejected++
	}
	g.mu.Unlock()

	g.report(admitted, rejected)
	return ok
}

// rollLocked starts a new window once the current one has elapsed and
// returns the closed window's counts.
func (g *inboundGate) rollLocked(now time.Time) (admitted, rejected int) {
	if !g.opened.IsZero() && now.Sub(g.opened) < g.window {
		return 0, 0
	}
	admitted, rejected = g.admitted, g.rejected
	g.opened, g.admitted, g.rejected = now, 0, 0
	return admitted, rejected
}

func (g *inboundGate) report(admitted, rejected int) {
	if rejected == 0 {
		return
	}
	g.logger.Warn("inbound messages over rate limit dropped",
		"admitted", admitted,
		"dropped", rejected,
		"limit", g.limit,
		"window", g.window.String(),
	)
	g.bus.Emit(events.SourceConnection, events.KindMessageDropped, map[string]any{
		"dropped":  rejected,
		"interval": g.window.String(),
	})
}

// run closes windows on a timer so drops are reported even when the
// flood stops abruptly.
func (g *inboundGate) run(ctx context.Context) {
	tick := time.NewTicker(g.window)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			g.mu.Lock()
			admitted, rejected := g.rollLocked(g.nowFunc())
			g.mu.Unlock()
			g.report(admitted, rejected)
		}
	}
}

// guard wraps an inbound handler with admission and trace logging.
func (g *inboundGate) guard(next func(topic string, payload []byte)) func(string, []byte) {
	return func(topic string, payload []byte) {
		if !g.admit() {
			return
		}
		traceInbound(g.logger, topic, payload)
		next(topic, payload)
	}
}
