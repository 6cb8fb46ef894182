package clock

import (
	"testing"
	"time"
)

func fixed(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestTickMonotonicallyIncreases(t *testing.T) {
	c := New(fixed(time.Unix(1000, 0)))
	prev := c.Value()
	for i := 0; i < 100; i++ {
		ts := c.Tick()
		if !ts.After(prev) {
			t.Fatalf("Tick %d: got %v, want > %v", i, ts, prev)
		}
		prev = ts
	}
}

func TestTickFollowsWallClock(t *testing.T) {
	now := time.Unix(1000, 0)
	c := New(func() time.Time { return now })
	first := c.Tick()
	if !first.Equal(now) {
		t.Fatalf("first Tick: got %v, want %v", first, now)
	}
	now = now.Add(time.Second)
	if ts := c.Tick(); !ts.Equal(now) {
		t.Fatalf("Tick after wall clock advanced: got %v, want %v", ts, now)
	}
}

func TestTickSurvivesClockGoingBackwards(t *testing.T) {
	now := time.Unix(1000, 0)
	c := New(func() time.Time { return now })
	a := c.Tick()
	now = now.Add(-time.Hour)
	b := c.Tick()
	if !b.After(a) {
		t.Fatalf("Tick after wall clock regressed: got %v, want > %v", b, a)
	}
}

func TestReceiveMaxPlusOne(t *testing.T) {
	c := New(fixed(time.Unix(0, 0)))
	c.Set(time.Unix(0, 5))

	ts := c.Receive(time.Unix(0, 10))
	if !ts.Equal(time.Unix(0, 11)) {
		t.Fatalf("Receive(10) from 5: got %d, want 11", ts.UnixNano())
	}

	ts = c.Receive(time.Unix(0, 3))
	if !ts.Equal(time.Unix(0, 12)) {
		t.Fatalf("Receive(3) from 11: got %d, want 12", ts.UnixNano())
	}
}

func TestTickAfterReceiveExceedsObserved(t *testing.T) {
	c := New(fixed(time.Unix(0, 0)))
	observed := time.Unix(5000, 0)
	c.Receive(observed)
	if ts := c.Tick(); !ts.After(observed) {
		t.Fatalf("Tick after Receive: got %v, want > %v", ts, observed)
	}
}

func TestZeroClockUsesTimeNow(t *testing.T) {
	var c Clock
	before := time.Now().UTC()
	if ts := c.Tick(); ts.Before(before) {
		t.Fatalf("zero Clock Tick: got %v, want >= %v", ts, before)
	}
}

func TestTotalOrderLess_DifferentTimestamps(t *testing.T) {
	t1, t2 := time.Unix(1, 0), time.Unix(2, 0)
	if !TotalOrderLess(t1, "b", t2, "a") {
		t.Fatal("expected (1,b) < (2,a)")
	}
	if TotalOrderLess(t2, "a", t1, "b") {
		t.Fatal("expected (2,a) NOT < (1,b)")
	}
}

func TestTotalOrderLess_SameTimestamp_TieBreakByID(t *testing.T) {
	ts := time.Unix(5, 0)
	if !TotalOrderLess(ts, "01A", ts, "01B") {
		t.Fatal("expected (5,01A) < (5,01B)")
	}
	if TotalOrderLess(ts, "01B", ts, "01A") {
		t.Fatal("expected (5,01B) NOT < (5,01A)")
	}
	if TotalOrderLess(ts, "01A", ts, "01A") {
		t.Fatal("strict less must be irreflexive")
	}
}
