// Package connwatch tracks the health of the live telemetry path and
// owns the retry schedule used by the broker transports.
//
// A [Watcher] polls one probe on a fixed interval and reports
// transitions between healthy and unhealthy. sensorwatch runs two:
// "broker" (is the connection manager Connected?) and "feed" (is fresh
// data arriving?). [Backoff] is the reconnect curve the MQTT transports
// hand to their client libraries.
package connwatch

import "time"

// Backoff is an exponential retry schedule.
type Backoff struct {
	// Initial is the wait before the first retry (default 1s).
	Initial time.Duration
	// Max caps growth (default 30s).
	Max time.Duration
	// Multiplier scales each successive wait (default 2).
	Multiplier float64
}

// DefaultBackoff returns 1s, 2s, 4s, 8s, 16s, then 30s forever.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2}
}

func (b Backoff) normalized() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	return b
}

// Ceiling returns the longest wait the schedule produces.
func (b Backoff) Ceiling() time.Duration {
	return b.normalized().Max
}

// Delay returns the wait before retry number attempt. Attempt 0 is the
// first try and never waits.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	b = b.normalized()
	wait := float64(b.Initial)
	for range attempt - 1 {
		wait *= b.Multiplier
		if wait >= float64(b.Max) {
			return b.Max
		}
	}
	return min(time.Duration(wait), b.Max)
}
