package readings

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/sensorwatch/internal/sensor"
)

// ErrNoReadings is wrapped by a [DecodeError] when a payload is valid
// JSON but carries no recognizable sensor fields.
var ErrNoReadings = errors.New("payload carries no sensor readings")

// DecodeError reports a payload that could not be turned into readings.
type DecodeError struct {
	Topic string
	Field string // offending key, if any
	Err   error
}

func (e *DecodeError) Error() string {
	var b strings.Builder
	b.WriteString("decode")
	if e.Topic != "" {
		b.WriteString(" ")
		b.WriteString(e.Topic)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field %s", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Descriptor maps one sensor's fields in a flat payload such as
// {"tSensor":"dht22","tValue":21.5} to a reading. The sensor is
// present when FlagKey holds a non-empty string and ValueKey a number.
type Descriptor struct {
	FlagKey  string
	ValueKey string
	Kind     sensor.Kind
	ID       string
	Name     string
	Unit     string
}

// DefaultDescriptors returns the built-in payload layout, one sensor
// per kind.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{FlagKey: "tSensor", ValueKey: "tValue", Kind: sensor.KindTemperature, ID: "temp-main", Name: "Temperature", Unit: "°C"},
		{FlagKey: "hSensor", ValueKey: "hValue", Kind: sensor.KindHumidity, ID: "humidity-main", Name: "Humidity", Unit: "%"},
		{FlagKey: "gSensor", ValueKey: "gValue", Kind: sensor.KindGas, ID: "gas-main", Name: "Gas (CO)", Unit: "ppm"},
		{FlagKey: "mSensor", ValueKey: "mValue", Kind: sensor.KindMotion, ID: "motion-main", Name: "Motion", Unit: ""},
		{FlagKey: "dSensor", ValueKey: "dValue", Kind: sensor.KindDistance, ID: "distance-main", Name: "Distance", Unit: "cm"},
	}
}

// Sample is one decoded measurement before classification.
type Sample struct {
	ID    string
	Name  string
	Kind  sensor.Kind
	Value float64
	Unit  string
}

// topicRoot is the first level of per-sensor topics:
// sensors/<kind>/<location>.
const topicRoot = "sensors"

// Decoder turns payload bytes into samples. It understands two layouts:
// the flat multi-sensor object described by its descriptors, and the
// per-sensor topic form sensors/<kind>/<location> carrying
// {"value": n, "unit": "..."}.
type Decoder struct {
	descriptors []Descriptor
	units       map[sensor.Kind]string
}

// NewDecoder creates a decoder for the given descriptors. A nil slice
// uses DefaultDescriptors.
func NewDecoder(descriptors []Descriptor) *Decoder {
	if descriptors == nil {
		descriptors = DefaultDescriptors()
	}
	units := make(map[sensor.Kind]string, len(descriptors))
	for _, d := range descriptors {
		units[d.Kind] = d.Unit
	}
	return &Decoder{descriptors: descriptors, units: units}
}

// Decode parses payload, which arrived on topic. Errors are always
// *DecodeError.
func (d *Decoder) Decode(topic string, payload []byte) ([]Sample, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, &DecodeError{Topic: topic, Err: err}
	}

	if kind, location, ok := parseSensorTopic(topic); ok {
		if _, has := fields["value"]; has {
			s, err := d.decodeTopicForm(kind, location, fields)
			if err != nil {
				return nil, &DecodeError{Topic: topic, Field: "value", Err: err}
			}
			return []Sample{s}, nil
		}
	}

	var samples []Sample
	for _, desc := range d.descriptors {
		if !flagSet(fields[desc.FlagKey]) {
			continue
		}
		raw, ok := fields[desc.ValueKey]
		if !ok || string(raw) == "null" {
			continue
		}
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, &DecodeError{Topic: topic, Field: desc.ValueKey, Err: fmt.Errorf("not a number: %s", raw)}
		}
		samples = append(samples, Sample{
			ID:    desc.ID,
			Name:  desc.Name,
			Kind:  desc.Kind,
			Value: v,
			Unit:  desc.Unit,
		})
	}

	if len(samples) == 0 {
		return nil, &DecodeError{Topic: topic, Err: ErrNoReadings}
	}
	return samples, nil
}

func (d *Decoder) decodeTopicForm(kind sensor.Kind, location string, fields map[string]json.RawMessage) (Sample, error) {
	var v float64
	if err := json.Unmarshal(fields["value"], &v); err != nil {
		return Sample{}, fmt.Errorf("not a number: %s", fields["value"])
	}
	unit := d.units[kind]
	if raw, ok := fields["unit"]; ok {
		var u string
		if err := json.Unmarshal(raw, &u); err == nil && u != "" {
			unit = u
		}
	}
	return Sample{
		ID:    strings.ToLower(string(kind)) + "-" + location,
		Name:  fmt.Sprintf("%s (%s)", kind, location),
		Kind:  kind,
		Value: v,
		Unit:  unit,
	}, nil
}

// parseSensorTopic splits sensors/<kind>/<location>. Unknown kinds are
// accepted and will classify as Unknown.
func parseSensorTopic(topic string) (sensor.Kind, string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != topicRoot || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	kind, _ := sensor.ParseKind(parts[1])
	return kind, parts[2], true
}

// flagSet reports whether raw is a non-empty JSON string.
func flagSet(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return s != ""
}
