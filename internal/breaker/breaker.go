// Package breaker implements the per-endpoint circuit breaker described
// in spec.md §4.2: a CLOSED/OPEN/HALF_OPEN state machine that guards a
// probe operation and short-circuits it during sustained failure.
//
// No pack repository implements anything like this, so it is written
// directly from the spec's state table rather than adapted from an
// example; see DESIGN.md for why the standard library is the right
// tool here regardless.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is one of the three breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpenCircuit is returned by Execute when the breaker vetoes the call.
var ErrOpenCircuit = errors.New("circuit breaker open")

// Config parameterizes one breaker instance. Spec §4.4 sets the
// defaults every Prober call uses (70% / 3x checkInterval / 300s / 3),
// but breakers may be constructed with different values.
type Config struct {
	FailureThreshold float64       // percent, 0-100
	ResetTimeout     time.Duration // OPEN -> HALF_OPEN after this elapses
	MonitoringPeriod time.Duration // sliding window for sample retention
	MinimumRequests  int           // gate before evaluating failure rate
}

// OnStateChange is invoked exactly once per transition.
type OnStateChange func(from, to State)

type sample struct {
	at      time.Time
	success bool
}

// Breaker guards a single endpoint's probe calls.
type Breaker struct {
	cfg Config
	obs OnStateChange

	mu               sync.Mutex
	state            State
	nextAttempt      time.Time
	samples          []sample
	halfOpenSuccess  int
}

// New constructs a breaker in the CLOSED state.
func New(cfg Config, obs OnStateChange) *Breaker {
	if obs == nil {
		obs = func(State, State) {}
	}
	return &Breaker{cfg: cfg, obs: obs, state: Closed}
}

// State returns the current state without mutating anything.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn if the breaker admits the call, records the outcome,
// and evaluates transitions. It returns ErrOpenCircuit without calling
// fn at all when the breaker is OPEN and resetTimeout hasn't elapsed.
func (b *Breaker) Execute(fn func() error) error {
	if !b.admit() {
		return ErrOpenCircuit
	}
	err := fn()
	b.recordOutcome(err == nil)
	return err
}

// admit decides whether a call may proceed, lazily transitioning
// OPEN -> HALF_OPEN on the first attempt after nextAttempt has passed.
func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case Open:
		if now.Before(b.nextAttempt) {
			return false
		}
		b.transition(HalfOpen)
		b.halfOpenSuccess = 0
		return true
	default:
		return true
	}
}

func (b *Breaker) recordOutcome(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case HalfOpen:
		if !success {
			b.transition(Open)
			b.nextAttempt = now.Add(b.cfg.ResetTimeout)
			b.samples = nil
			return
		}
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.MinimumRequests {
			b.transition(Closed)
			b.samples = nil
			b.halfOpenSuccess = 0
		}
		return
	case Closed:
		b.samples = append(b.samples, sample{at: now, success: success})
		b.pruneLocked(now)
		if len(b.samples) >= b.cfg.MinimumRequests {
			failures := 0
			for _, s := range b.samples {
				if !s.success {
					failures++
				}
			}
			rate := float64(failures) / float64(len(b.samples)) * 100
			if rate >= b.cfg.FailureThreshold {
				b.transition(Open)
				b.nextAttempt = now.Add(b.cfg.ResetTimeout)
				b.samples = nil
			}
		}
	case Open:
		// Outcomes can't be recorded while OPEN; admit() would have
		// rejected the call before fn ran.
	}
}

// pruneLocked drops samples outside MonitoringPeriod. Must be called
// with b.mu held. If pruning empties the window, counters are
// implicitly reset since len(b.samples) becomes 0.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.MonitoringPeriod)
	i := 0
	for ; i < len(b.samples); i++ {
		if b.samples[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.samples = append([]sample(nil), b.samples[i:]...)
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.obs(from, to)
}

// ObserverFactory builds a key-scoped OnStateChange, so a Factory's
// caller (metrics, typically) can label transitions by which
// endpoint's breaker fired without the Breaker itself knowing its key.
type ObserverFactory func(key string) OnStateChange

// Factory lazily creates and caches one breaker per key (an endpoint
// id in practice), safe for concurrent use from multiple probe loops.
type Factory struct {
	mu         sync.Mutex
	cfg        Config
	obsFactory ObserverFactory
	breakers   map[string]*Breaker
}

// NewFactory constructs a Factory. obsFactory may be nil, in which
// case every breaker gets a no-op observer.
func NewFactory(cfg Config, obsFactory ObserverFactory) *Factory {
	return &Factory{cfg: cfg, obsFactory: obsFactory, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for key, creating it with the factory's
// default Config on first use.
func (f *Factory) Get(key string) *Breaker {
	return f.GetOrCreate(key, f.cfg)
}

// GetOrCreate returns the cached breaker for key if present, otherwise
// creates one with cfg. cfg is ignored on subsequent calls once a
// breaker for key exists. The Prober uses this to give each
// endpoint's breaker a resetTimeout derived from its own checkInterval
// (spec §4.4), rather than sharing one fixed Config across endpoints.
func (f *Factory) GetOrCreate(key string, cfg Config) *Breaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.breakers[key]; ok {
		return b
	}
	var obs OnStateChange
	if f.obsFactory != nil {
		obs = f.obsFactory(key)
	}
	b := New(cfg, obs)
	f.breakers[key] = b
	return b
}

// Drop removes a cached breaker, e.g. when its endpoint is deleted.
func (f *Factory) Drop(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.breakers, key)
}
