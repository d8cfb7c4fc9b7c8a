// Package sensor defines the reading model shared by the ingest, alert,
// and API layers, and the threshold classifier that derives a reading's
// safety status from its kind and value.
package sensor

import (
	"strings"
	"time"
)

// Kind identifies what a sensor measures.
type Kind string

// Known sensor kinds. Kinds outside this list are accepted but always
// classify as [StatusUnknown] unless a rule is registered for them.
const (
	KindTemperature Kind = "Temperature"
	KindHumidity    Kind = "Humidity"
	KindGas         Kind = "Gas"
	KindMotion      Kind = "Motion"
	KindDistance    Kind = "Distance"
)

// Kinds lists the built-in kinds in display order.
var Kinds = []Kind{KindTemperature, KindHumidity, KindGas, KindMotion, KindDistance}

// ParseKind resolves a case-insensitive kind name. The second return
// value is false for names that do not match a built-in kind.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if strings.EqualFold(string(k), strings.TrimSpace(s)) {
			return k, true
		}
	}
	return Kind(s), false
}

// Status is the safety classification of a reading.
type Status string

// Status values, ordered from least to most severe with Unknown last.
const (
	StatusSafe    Status = "SAFE"
	StatusWarning Status = "WARNING"
	StatusUnsafe  Status = "UNSAFE"
	StatusUnknown Status = "UNKNOWN"
)

// Reading is the latest observation from one physical sensor.
//
// Status is always the classification of (Kind, Value) at the moment
// the reading was merged; it is never set independently.
type Reading struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Kind       Kind      `json:"type"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	Status     Status    `json:"status"`
	ObservedAt time.Time `json:"timestamp"`
}

// Age returns how long ago the reading was observed relative to now.
func (r Reading) Age(now time.Time) time.Duration {
	return now.Sub(r.ObservedAt)
}
