package breaker

import (
	"errors"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 70,
		ResetTimeout:     20 * time.Millisecond,
		MonitoringPeriod: time.Second,
		MinimumRequests:  3,
	}
}

var errProbe = errors.New("probe failed")

func TestBreaker_StaysClosedBelowMinimumRequests(t *testing.T) {
	b := New(testConfig(), nil)

	// A single failure can't open the breaker when minimumRequests=3.
	_ = b.Execute(func() error { return errProbe })

	if b.State() != Closed {
		t.Fatalf("expected CLOSED after one failure below minimumRequests, got %s", b.State())
	}
}

func TestBreaker_OpensAtFailureThreshold(t *testing.T) {
	b := New(testConfig(), nil)

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errProbe })
	}

	if b.State() != Open {
		t.Fatalf("expected OPEN after 3/3 failures, got %s", b.State())
	}
}

func TestBreaker_RejectsWithoutCallingFnWhileOpen(t *testing.T) {
	b := New(testConfig(), nil)
	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errProbe })
	}

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if err != ErrOpenCircuit {
		t.Fatalf("expected ErrOpenCircuit, got %v", err)
	}
	if called {
		t.Fatalf("fn must not run while OPEN")
	}
}

func TestBreaker_HalfOpenRecoversToClosedOnSuccesses(t *testing.T) {
	cfg := testConfig()
	b := New(cfg, nil)
	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errProbe })
	}
	time.Sleep(cfg.ResetTimeout + 5*time.Millisecond)

	for i := 0; i < cfg.MinimumRequests; i++ {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("unexpected rejection during half-open recovery: %v", err)
		}
	}

	if b.State() != Closed {
		t.Fatalf("expected CLOSED after minimumRequests successes in HALF_OPEN, got %s", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := testConfig()
	b := New(cfg, nil)
	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errProbe })
	}
	time.Sleep(cfg.ResetTimeout + 5*time.Millisecond)

	_ = b.Execute(func() error { return errProbe })

	if b.State() != Open {
		t.Fatalf("expected OPEN after a HALF_OPEN failure, got %s", b.State())
	}
}

func TestBreaker_SlidingWindowExpiresStaleSamples(t *testing.T) {
	cfg := testConfig()
	cfg.MonitoringPeriod = 30 * time.Millisecond
	b := New(cfg, nil)

	_ = b.Execute(func() error { return errProbe })
	_ = b.Execute(func() error { return errProbe })
	time.Sleep(40 * time.Millisecond)

	// A single new failure after the window expired can't alone open
	// the breaker: minimumRequests is still 3, and stale samples were
	// pruned to zero.
	_ = b.Execute(func() error { return errProbe })

	if b.State() != Closed {
		t.Fatalf("expected CLOSED: stale samples must not accumulate across the monitoring period, got %s", b.State())
	}
	if len(b.samples) != 1 {
		t.Fatalf("expected exactly the one fresh sample to remain, got %d", len(b.samples))
	}
}

func TestBreaker_TransitionObserverFiresOncePerChange(t *testing.T) {
	var transitions []State
	obs := func(_, to State) { transitions = append(transitions, to) }
	b := New(testConfig(), obs)

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errProbe })
	}

	if len(transitions) != 1 || transitions[0] != Open {
		t.Fatalf("expected exactly one transition to OPEN, got %v", transitions)
	}
}

func TestFactory_CachesPerKey(t *testing.T) {
	f := NewFactory(testConfig(), nil)
	a := f.Get("endpoint-1")
	b := f.Get("endpoint-1")
	c := f.Get("endpoint-2")

	if a != b {
		t.Fatalf("expected the same breaker instance for the same key")
	}
	if a == c {
		t.Fatalf("expected different breaker instances for different keys")
	}
}
