package throughput

import (
	"testing"
	"time"
)

func TestRateWithNoSamples(t *testing.T) {
	m := New(time.Second)
	items, bytes := m.Rate()
	if items != 0 || bytes != 0 {
		t.Fatalf("expected zero rates with no samples, got %v/%v", items, bytes)
	}
}

func TestRateCountsSamplesWithinWindow(t *testing.T) {
	m := New(time.Second)

	for i := 0; i < 10; i++ {
		m.Add(100)
	}

	items, bytes := m.Rate()
	if items != 10 {
		t.Fatalf("expected 10 items/sec, got %v", items)
	}
	if bytes != 1000 {
		t.Fatalf("expected 1000 bytes/sec, got %v", bytes)
	}
}

func TestRateEvictsSamplesOutsideWindow(t *testing.T) {
	m := New(50 * time.Millisecond)

	m.Add(100)
	time.Sleep(80 * time.Millisecond)
	m.Add(100)

	// One surviving sample over a 50ms window is 1/0.05 = 20 items/sec;
	// had the stale sample been kept it would be 40.
	items, _ := m.Rate()
	if items != 20 {
		t.Fatalf("expected the stale sample to be evicted (20 items/sec), got %v items/sec", items)
	}
}

func TestDefaultWindowIsFiveSeconds(t *testing.T) {
	if DefaultWindow != 5*time.Second {
		t.Fatalf("expected DefaultWindow == 5s, got %v", DefaultWindow)
	}
}
