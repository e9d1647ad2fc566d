package dispatch

import (
	"testing"
	"time"
)

func TestBackpressureDelay(t *testing.T) {
	t.Parallel()

	b := DefaultBackpressure()
	tests := []struct {
		active, queued int
		want           time.Duration
	}{
		{6, 0, 2 * time.Second},
		{6, 50, 2 * time.Second},
		{5, 0, time.Second},
		{4, 50, time.Second},
		{3, 11, 500 * time.Millisecond},
		{3, 10, 100 * time.Millisecond},
		{0, 0, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.active, tt.queued); got != tt.want {
			t.Fatalf("Delay(%d, %d) = %v, want %v", tt.active, tt.queued, got, tt.want)
		}
	}
}

func TestBackpressureWithDefaultsKeepsOverrides(t *testing.T) {
	t.Parallel()

	b := Backpressure{IdleDelay: time.Millisecond}.withDefaults()
	if b.IdleDelay != time.Millisecond {
		t.Fatalf("IdleDelay = %v, want 1ms", b.IdleDelay)
	}
	if b.HighDelay != 2*time.Second || b.HighActive != 5 {
		t.Fatalf("defaults not applied: %+v", b)
	}
}
