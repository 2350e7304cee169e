package stream

import (
	"testing"
	"time"
)

func TestIPLimiter_CapsPerIP(t *testing.T) {
	l := NewIPLimiter(10)
	for i := 0; i < 10; i++ {
		if !l.Acquire("10.0.0.1") {
			t.Fatalf("connection %d rejected below cap", i+1)
		}
	}
	// The 11th connection from the same ip is refused.
	if l.Acquire("10.0.0.1") {
		t.Error("11th connection allowed")
	}
	// Other ips are unaffected.
	if !l.Acquire("10.0.0.2") {
		t.Error("different ip rejected")
	}

	l.Release("10.0.0.1")
	if !l.Acquire("10.0.0.1") {
		t.Error("slot not freed by Release")
	}
}

func TestIPLimiter_ReleaseClearsEntry(t *testing.T) {
	l := NewIPLimiter(2)
	l.Acquire("a")
	l.Release("a")
	if got := l.Active("a"); got != 0 {
		t.Errorf("Active = %d, want 0", got)
	}
}

func TestMessageRate_FixedWindow(t *testing.T) {
	r := NewMessageRate(100)
	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 100; i++ {
		if !r.Allow(base) {
			t.Fatalf("message %d rejected below limit", i+1)
		}
	}
	if r.Allow(base) {
		t.Error("101st message in the same second allowed")
	}
	if !r.Allow(base.Add(time.Second)) {
		t.Error("window did not reset")
	}
}
