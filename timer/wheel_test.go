package timer_test

import (
	"testing"
	"time"

	"go.netsim.dev/hoststack/timer"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func TestWheelFiresInOrder(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	w := timer.New(clk.Now)

	var fired []string
	w.At(clk.now.Add(30*time.Second), func() { fired = append(fired, "c") })
	w.At(clk.now.Add(10*time.Second), func() { fired = append(fired, "a") })
	w.At(clk.now.Add(20*time.Second), func() { fired = append(fired, "b") })

	clk.Advance(15 * time.Second)
	if n := w.FireDue(); n != 1 {
		t.Fatalf("FireDue() = %d, want 1", n)
	}
	clk.Advance(10 * time.Second)
	if n := w.FireDue(); n != 1 {
		t.Fatalf("FireDue() = %d, want 1", n)
	}
	clk.Advance(10 * time.Second)
	if n := w.FireDue(); n != 1 {
		t.Fatalf("FireDue() = %d, want 1", n)
	}

	want := []string{"a", "b", "c"}
	if len(fired) != len(want) {
		t.Fatalf("fired = %v, want %v", fired, want)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("fired = %v, want %v", fired, want)
		}
	}
}

func TestWheelCancel(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	w := timer.New(clk.Now)

	fired := false
	tok := w.After(5*time.Second, func() { fired = true })
	if !w.Pending(tok) {
		t.Fatal("expected token to be pending")
	}
	w.Cancel(tok)
	if w.Pending(tok) {
		t.Fatal("expected token to no longer be pending")
	}

	clk.Advance(10 * time.Second)
	w.FireDue()
	if fired {
		t.Fatal("cancelled timer fired")
	}
}

func TestSYNRetryScenario(t *testing.T) {
	// Mirrors §8 scenario 3: SYNs at t=0,15,30,45; Closed at t=60.
	clk := &fakeClock{now: time.Unix(0, 0)}
	w := timer.New(clk.Now)

	var sends []time.Duration
	start := clk.now
	var schedule func(n int)
	schedule = func(n int) {
		if n >= 4 {
			return
		}
		sends = append(sends, clk.now.Sub(start))
		w.After(15*time.Second, func() { schedule(n + 1) })
	}
	schedule(0)

	for i := 0; i < 4; i++ {
		clk.Advance(15 * time.Second)
		w.FireDue()
	}

	want := []time.Duration{0, 15 * time.Second, 30 * time.Second, 45 * time.Second}
	if len(sends) != len(want) {
		t.Fatalf("sends = %v, want %v", sends, want)
	}
	for i := range want {
		if sends[i] != want[i] {
			t.Fatalf("sends[%d] = %v, want %v", i, sends[i], want[i])
		}
	}
}
