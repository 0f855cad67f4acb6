package interval

import (
	"testing"
	"time"
)

func TestTimerPassed(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tm := NewWithClock(3*time.Second, clock)

	if tm.Passed() {
		t.Fatal("passed immediately after construction")
	}
	now = now.Add(2 * time.Second)
	if tm.Passed() {
		t.Fatal("passed before interval")
	}
	now = now.Add(time.Second)
	if !tm.Passed() {
		t.Fatal("not passed at deadline")
	}
	if tm.Passed() {
		t.Fatal("passed twice for one deadline")
	}
	if want := now.Add(3 * time.Second); !tm.Next().Equal(want) {
		t.Fatalf("Next = %v, want %v", tm.Next(), want)
	}
}
