// Package breaker guards calls to external dependencies (model providers,
// long-running tools) with per-dependency circuit breakers. A breaker trips
// after enough failures inside a rolling window, fails fast while open, and
// lets a single probe through after the cool-down to test recovery.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/plumehq/plume/internal/config"
	"github.com/plumehq/plume/internal/fault"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Breaker is the circuit for one named dependency.
//
// State transitions:
//   - closed -> open: failure count inside the window reaches the threshold
//   - open -> half_open: cool-down elapsed, one probe call admitted
//   - half_open -> closed: probe succeeds
//   - half_open -> open: probe fails, cool-down restarts
type Breaker struct {
	name string
	cfg  config.BreakerConfig

	mu        sync.Mutex
	state     State
	failures  []time.Time
	openedAt  time.Time
	probing   bool
	rejected  int64
	tripCount int64

	now func() time.Time
}

func New(name string, cfg config.BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Minute
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed. While open it fails fast; once
// the cool-down has elapsed it admits exactly one probe and holds further
// callers off until the probe resolves via Success or Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.CoolDown {
			b.transition(StateHalfOpen)
			b.probing = true
			return nil
		}
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return nil
		}
	}

	b.rejected++
	return fault.New(fault.KindCircuitBreakerOpen, "dependency %s unavailable (circuit open)", b.name)
}

// Success records a completed call. It closes the circuit when the call was
// a half-open probe, and clears the failure window otherwise.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	b.failures = b.failures[:0]
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// Failure records a failed call. Every attempt counts, including retries of
// the same operation. A failed half-open probe reopens the circuit.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == StateHalfOpen {
		b.probing = false
		b.open(now)
		return
	}
	if b.state == StateOpen {
		return
	}

	b.failures = append(b.failures, now)
	b.prune(now)
	if len(b.failures) >= b.cfg.FailureThreshold {
		b.open(now)
	}
}

// Do runs fn under the breaker when the circuit admits it.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

// ForceOpen trips the circuit from outside the call path, used by the
// health checker when a probe finds the dependency down.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		b.open(b.now())
	}
}

// ForceClose resets the circuit from outside the call path.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	b.failures = b.failures[:0]
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is the breaker's externally visible status.
type Snapshot struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Failures int    `json:"failures_in_window"`
	Rejected int64  `json:"rejected"`
	Trips    int64  `json:"trips"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	return Snapshot{
		Name:     b.name,
		State:    b.state,
		Failures: len(b.failures),
		Rejected: b.rejected,
		Trips:    b.tripCount,
	}
}

func (b *Breaker) open(now time.Time) {
	b.openedAt = now
	b.failures = b.failures[:0]
	b.tripCount++
	b.transition(StateOpen)
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	keep := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	b.failures = keep
}

func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	slog.Info("circuit state changed", "dependency", b.name, "from", b.state, "to", next)
	b.state = next
}
