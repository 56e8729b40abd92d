package relay

import "testing"

func TestWindowDecFloorsAtZero(t *testing.T) {
	w := newWindow(CircWindowStart)
	for i := 0; i < CircWindowStart+10; i++ {
		w.dec(1)
	}
	if w.get() != 0 {
		t.Fatalf("window value = %d, want 0", w.get())
	}
}

func TestWindowIncCapsAtMax(t *testing.T) {
	w := newWindow(CircWindowStart)
	w.dec(1)
	w.inc(CircWindowIncrement * 100)
	if w.get() != CircWindowStart {
		t.Fatalf("window value = %d, want %d", w.get(), CircWindowStart)
	}
}

func TestWindowAtOrBelowThreshold(t *testing.T) {
	w := newWindow(CircWindowStart)
	for i := 0; i < CircWindowIncrement; i++ {
		w.dec(1)
	}
	if !w.atOrBelow(circWindowSendmeThreshold) {
		t.Fatalf("expected window at %d to be at or below threshold %d", w.get(), circWindowSendmeThreshold)
	}
	w2 := newWindow(CircWindowStart)
	if w2.atOrBelow(circWindowSendmeThreshold) {
		t.Fatal("a fresh window should not be at or below the sendme threshold")
	}
}
