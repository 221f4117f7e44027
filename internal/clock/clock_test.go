package clock

import (
	"testing"
	"time"
)

func TestFake_AdvanceFiresDueTimers(t *testing.T) {
	f := NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	ch := f.After(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("timer fired before Advance")
	default:
	}

	f.Advance(499 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}

	f.Advance(time.Millisecond)
	select {
	case <-ch:
	default:
		t.Fatal("timer did not fire at deadline")
	}

	if f.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", f.Pending())
	}
}

func TestFake_AfterZeroFiresImmediately(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	select {
	case <-f.After(0):
	default:
		t.Fatal("zero-duration timer should fire immediately")
	}
}

func TestRandJitter_WithinSpread(t *testing.T) {
	j := NewRandJitter(42)
	spread := 200 * time.Millisecond

	for i := 0; i < 1000; i++ {
		got := j.Jitter(spread)
		if got < -spread || got > spread {
			t.Fatalf("Jitter() = %v, want within ±%v", got, spread)
		}
	}
}

func TestRandJitter_Deterministic(t *testing.T) {
	a := NewRandJitter(7)
	b := NewRandJitter(7)

	for i := 0; i < 10; i++ {
		if x, y := a.Jitter(time.Second), b.Jitter(time.Second); x != y {
			t.Fatalf("same seed diverged at draw %d: %v vs %v", i, x, y)
		}
	}
}

func TestFixedJitter_Clamped(t *testing.T) {
	j := FixedJitter{Offset: 500 * time.Millisecond}
	if got := j.Jitter(200 * time.Millisecond); got != 200*time.Millisecond {
		t.Errorf("Jitter() = %v, want clamped to 200ms", got)
	}
}
