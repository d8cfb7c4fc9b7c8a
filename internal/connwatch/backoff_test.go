package connwatch

import (
	"testing"
	"time"
)

func TestBackoff_Delay(t *testing.T) {
	t.Parallel()
	def := DefaultBackoff()
	tests := []struct {
		name    string
		b       Backoff
		attempt int
		want    time.Duration
	}{
		{"first try", def, 0, 0},
		{"first retry", def, 1, time.Second},
		{"second retry", def, 2, 2 * time.Second},
		{"fifth retry", def, 5, 16 * time.Second},
		{"capped", def, 6, 30 * time.Second},
		{"far past cap", def, 500, 30 * time.Second},
		{"zero value", Backoff{}, 3, 4 * time.Second},
		{"broker ceiling", Backoff{Max: 7 * time.Second}, 4, 7 * time.Second},
		{"linear", Backoff{Initial: 3 * time.Second, Max: time.Minute, Multiplier: 1}, 9, 3 * time.Second},
		{"fractional", Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 1.5}, 3, 225 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.b.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestBackoff_Ceiling(t *testing.T) {
	t.Parallel()
	if got := (Backoff{}).Ceiling(); got != 30*time.Second {
		t.Errorf("zero Ceiling() = %v, want 30s", got)
	}
	if got := (Backoff{Max: 5 * time.Second}).Ceiling(); got != 5*time.Second {
		t.Errorf("Ceiling() = %v, want 5s", got)
	}
}
