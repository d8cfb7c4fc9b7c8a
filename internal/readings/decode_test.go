package readings

import (
	"errors"
	"strings"
	"testing"

	"github.com/nugget/sensorwatch/internal/sensor"
)

func TestDecoder_FlatPayload(t *testing.T) {
	t.Parallel()
	d := NewDecoder(nil)

	tests := []struct {
		name    string
		payload string
		wantIDs []string
	}{
		{"temperature", `{"tSensor":"dht22","tValue":21.5}`, []string{"temp-main"}},
		{"gas", `{"gSensor":"mq7","gValue":12}`, []string{"gas-main"}},
		{"all", `{"tSensor":"a","tValue":1,"hSensor":"b","hValue":2,"gSensor":"c","gValue":3,"mSensor":"d","mValue":0,"dSensor":"e","dValue":4}`,
			[]string{"temp-main", "humidity-main", "gas-main", "motion-main", "distance-main"}},
		{"empty flag skipped", `{"tSensor":"","tValue":21,"gSensor":"mq7","gValue":3}`, []string{"gas-main"}},
		{"missing value skipped", `{"tSensor":"dht22","gSensor":"mq7","gValue":3}`, []string{"gas-main"}},
		{"null value skipped", `{"tSensor":"dht22","tValue":null,"gSensor":"mq7","gValue":3}`, []string{"gas-main"}},
		{"zero value kept", `{"mSensor":"pir","mValue":0}`, []string{"motion-main"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples, err := d.Decode("sensors/live/data", []byte(tt.payload))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			var ids []string
			for _, s := range samples {
				ids = append(ids, s.ID)
			}
			if strings.Join(ids, ",") != strings.Join(tt.wantIDs, ",") {
				t.Errorf("ids = %v, want %v", ids, tt.wantIDs)
			}
		})
	}
}

func TestDecoder_SampleFields(t *testing.T) {
	t.Parallel()
	samples, err := NewDecoder(nil).Decode("", []byte(`{"gSensor":"mq7","gValue":42}`))
	if err != nil {
		t.Fatal(err)
	}
	want := Sample{ID: "gas-main", Name: "Gas (CO)", Kind: sensor.KindGas, Value: 42, Unit: "ppm"}
	if samples[0] != want {
		t.Errorf("sample = %+v, want %+v", samples[0], want)
	}
}

func TestDecoder_PerSensorTopic(t *testing.T) {
	t.Parallel()
	d := NewDecoder(nil)

	samples, err := d.Decode("sensors/temperature/main-room", []byte(`{"value":22.5,"unit":"C"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := Sample{ID: "temperature-main-room", Name: "Temperature (main-room)", Kind: sensor.KindTemperature, Value: 22.5, Unit: "C"}
	if len(samples) != 1 || samples[0] != want {
		t.Errorf("samples = %+v, want [%+v]", samples, want)
	}

	// Unit falls back to the descriptor unit for the kind.
	samples, err = d.Decode("sensors/gas/kitchen", []byte(`{"value":3}`))
	if err != nil {
		t.Fatal(err)
	}
	if samples[0].Unit != "ppm" {
		t.Errorf("Unit = %q, want ppm", samples[0].Unit)
	}
}

func TestDecoder_CustomDescriptors(t *testing.T) {
	t.Parallel()
	d := NewDecoder([]Descriptor{
		{FlagKey: "pSensor", ValueKey: "pValue", Kind: "Pressure", ID: "pressure-main", Name: "Pressure", Unit: "hPa"},
	})
	samples, err := d.Decode("", []byte(`{"pSensor":"bmp280","pValue":1013,"tSensor":"x","tValue":20}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 1 || samples[0].ID != "pressure-main" {
		t.Errorf("samples = %+v, want only pressure-main", samples)
	}
}

func TestDecoder_Errors(t *testing.T) {
	t.Parallel()
	d := NewDecoder(nil)

	tests := []struct {
		name      string
		topic     string
		payload   string
		wantField string
		wantIs    error
	}{
		{"not json", "", `{oops`, "", nil},
		{"array", "", `[1,2]`, "", nil},
		{"no readings", "", `{"status":"ok"}`, "", ErrNoReadings},
		{"bad flat value", "", `{"tSensor":"x","tValue":"warm"}`, "tValue", nil},
		{"bad topic value", "sensors/gas/kitchen", `{"value":"lots"}`, "value", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode(tt.topic, []byte(tt.payload))
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("err = %v, want *DecodeError", err)
			}
			if de.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", de.Field, tt.wantField)
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.wantIs)
			}
			if tt.topic != "" && !strings.Contains(err.Error(), tt.topic) {
				t.Errorf("error %q does not name topic %q", err, tt.topic)
			}
		})
	}
}
