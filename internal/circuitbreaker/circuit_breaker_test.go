package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestBreaker(failures, successes int, timeout time.Duration) (*CircuitBreaker, *clock) {
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(failures, successes, timeout).WithClock(clk.Now), clk
}

func TestInitialStateClosed(t *testing.T) {
	cb, _ := newTestBreaker(3, 1, 10*time.Second)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("expected Allow=true when closed")
	}
}

func TestOpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, 1, 10*time.Second)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", cb.State())
	}
	if cb.Allow() {
		t.Fatal("expected Allow=false when open")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(2, 1, 10*time.Second)
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
}

func TestHalfOpenAfterTimeoutThenCloses(t *testing.T) {
	cb, clk := newTestBreaker(1, 1, time.Second)
	cb.RecordFailure()
	clk.now = clk.now.Add(2 * time.Second)

	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half_open after timeout, got %s", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after success in half_open, got %s", cb.State())
	}
}

func TestReopensOnFailureInHalfOpen(t *testing.T) {
	cb, clk := newTestBreaker(1, 1, time.Second)
	cb.RecordFailure()
	clk.now = clk.now.Add(2 * time.Second)
	_ = cb.State()
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
}

func TestDo(t *testing.T) {
	cb, _ := newTestBreaker(1, 1, time.Minute)
	boom := errors.New("boom")
	ignored := errors.New("client error")

	isFailure := func(err error) bool { return !errors.Is(err, ignored) }

	if err := cb.Do(func() error { return ignored }, isFailure); !errors.Is(err, ignored) {
		t.Fatalf("Do returned %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatal("non-failure errors must not trip the breaker")
	}

	_ = cb.Do(func() error { return boom }, isFailure)
	if err := cb.Do(func() error { t.Fatal("fn must not run while open"); return nil }, isFailure); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func TestOnStateChange(t *testing.T) {
	cb, clk := newTestBreaker(1, 1, time.Second)
	var seen []State
	cb.OnStateChange(func(s State) { seen = append(seen, s) })

	cb.RecordFailure()
	clk.now = clk.now.Add(2 * time.Second)
	cb.State()
	cb.RecordSuccess()

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half_open", State(9): "unknown"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
