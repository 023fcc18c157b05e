package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New("test", threshold, open).WithClock(clock.now), clock
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	if !b.Allow("example.com") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("example.com")
	b.RecordFailure("example.com")
	if !b.Allow("example.com") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("example.com")
	if b.Allow("example.com") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("example.com") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("example.com"))
	}
	if !b.Allow("other.org") {
		t.Fatal("other keys must be unaffected")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	b.RecordFailure("k")
	if b.Allow("k") {
		t.Fatal("should be open")
	}

	clock.advance(time.Minute)
	if !b.Allow("k") {
		t.Fatal("should admit one probe after open duration")
	}
	if b.Allow("k") {
		t.Fatal("second call during probe must be rejected")
	}

	b.RecordFailure("k")
	if b.State("k") != StateOpen {
		t.Fatalf("failed probe should reopen, got %v", b.State("k"))
	}

	clock.advance(time.Minute)
	b.Allow("k")
	b.RecordSuccess("k")
	if b.State("k") != StateClosed {
		t.Fatalf("successful probe should close, got %v", b.State("k"))
	}
}

func TestBreaker_Call(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		if err := b.Call("k", func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	}

	called := false
	err := b.Call("k", func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while open")
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half_open", State(9): "unknown",
	} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %s, want %s", s, s.String(), want)
		}
	}
}
