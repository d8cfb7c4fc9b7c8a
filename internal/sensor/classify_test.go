package sensor

import (
	"math"
	"testing"
)

func TestClassify_Boundaries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind  Kind
		value float64
		want  Status
	}{
		// Temperature: strict inequalities on both bands.
		{KindTemperature, 5, StatusUnsafe},
		{KindTemperature, 9.99, StatusUnsafe},
		{KindTemperature, 10, StatusWarning},
		{KindTemperature, 14.9, StatusWarning},
		{KindTemperature, 15, StatusSafe},
		{KindTemperature, 20, StatusSafe},
		{KindTemperature, 25, StatusSafe},
		{KindTemperature, 25.1, StatusWarning},
		{KindTemperature, 30, StatusWarning},
		{KindTemperature, 30.01, StatusUnsafe},

		{KindHumidity, 29, StatusUnsafe},
		{KindHumidity, 30, StatusWarning},
		{KindHumidity, 40, StatusSafe},
		{KindHumidity, 60, StatusSafe},
		{KindHumidity, 61, StatusWarning},
		{KindHumidity, 70, StatusWarning},
		{KindHumidity, 71, StatusUnsafe},

		{KindGas, 0, StatusSafe},
		{KindGas, 34.9, StatusSafe},
		{KindGas, 35, StatusWarning},
		{KindGas, 50, StatusWarning},
		{KindGas, 50.01, StatusUnsafe},

		{KindMotion, 0, StatusSafe},
		{KindMotion, 1, StatusUnsafe},
		{KindMotion, 2, StatusSafe},

		{KindDistance, 12, StatusUnknown},
		{Kind("Pressure"), 1013, StatusUnknown},
	}

	for _, tt := range tests {
		if got := Classify(tt.kind, tt.value); got != tt.want {
			t.Errorf("Classify(%s, %v) = %s, want %s", tt.kind, tt.value, got, tt.want)
		}
	}
}

func TestClassify_Deterministic(t *testing.T) {
	t.Parallel()

	values := []float64{-40, 0, 9.5, 10, 15, 22.2, 25, 30, 31, 1e6, math.Inf(1), math.NaN()}
	for _, k := range append(Kinds, Kind("")) {
		for _, v := range values {
			first := Classify(k, v)
			for range 3 {
				if got := Classify(k, v); got != first {
					t.Fatalf("Classify(%s, %v) not stable: %s then %s", k, v, first, got)
				}
			}
		}
	}
}

func TestRules_NewKindIsATableEntry(t *testing.T) {
	t.Parallel()

	rules := DefaultRules().With(map[string]Rule{
		"distance": {{Status: StatusUnsafe, Op: OpAtMost, Threshold: 10}},
	})

	if got := rules.Classify(KindDistance, 8); got != StatusUnsafe {
		t.Errorf("Distance 8 = %s, want UNSAFE", got)
	}
	if got := rules.Classify(KindDistance, 50); got != StatusSafe {
		t.Errorf("Distance 50 = %s, want SAFE", got)
	}
	// The override must not leak into the package default table.
	if got := Classify(KindDistance, 8); got != StatusUnknown {
		t.Errorf("default Distance 8 = %s, want UNKNOWN", got)
	}
}

func TestRules_OverrideReplacesWholeRule(t *testing.T) {
	t.Parallel()

	rules := DefaultRules().With(map[string]Rule{
		"Temperature": {{Status: StatusUnsafe, Op: OpAbove, Threshold: 40}},
	})

	if got := rules.Classify(KindTemperature, 5); got != StatusSafe {
		t.Errorf("Temperature 5 = %s, want SAFE after override", got)
	}
	if got := rules.Classify(KindTemperature, 41); got != StatusUnsafe {
		t.Errorf("Temperature 41 = %s, want UNSAFE after override", got)
	}
}

func TestRules_Validate(t *testing.T) {
	t.Parallel()

	if err := DefaultRules().Validate(); err != nil {
		t.Fatalf("DefaultRules().Validate() = %v", err)
	}

	bad := []Rules{
		{KindGas: {}},
		{KindGas: {{Status: StatusUnsafe, Op: "between", Threshold: 1}}},
		{KindGas: {{Status: StatusSafe, Op: OpAbove, Threshold: 1}}},
	}
	for i, rs := range bad {
		if err := rs.Validate(); err == nil {
			t.Errorf("case %d: Validate() = nil, want error", i)
		}
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	if k, ok := ParseKind(" temperature "); !ok || k != KindTemperature {
		t.Errorf("ParseKind(temperature) = %q, %v", k, ok)
	}
	if k, ok := ParseKind("Pressure"); ok || k != Kind("Pressure") {
		t.Errorf("ParseKind(Pressure) = %q, %v; want passthrough, false", k, ok)
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	if s, err := ParseStatus("unsafe"); err != nil || s != StatusUnsafe {
		t.Errorf("ParseStatus(unsafe) = %q, %v", s, err)
	}
	if _, err := ParseStatus("critical"); err == nil {
		t.Error("ParseStatus(critical) should fail")
	}
}
