package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrymomot/heromessaging/core/clock"
)

// State is the breaker's position in the Closed/Open/HalfOpen machine.
type State int

const (
	// StateClosed admits all calls and samples their outcomes.
	StateClosed State = iota

	// StateOpen rejects all calls until the break duration elapses.
	StateOpen

	// StateHalfOpen admits probe calls; three consecutive successes close
	// the breaker, any failure reopens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// halfOpenSuccessTarget is the number of consecutive half-open successes
// required before the breaker closes again.
const halfOpenSuccessTarget = 3

// ErrCircuitOpen is returned in a failure result when the breaker rejects a
// call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError carries the remaining break duration for a rejected call.
type OpenError struct {
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker is open (retry after %s)", e.RetryAfter)
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// Config controls when the breaker trips and recovers.
type Config struct {
	// FailureThreshold is the failure count within the sampling window that
	// trips the breaker.
	FailureThreshold int

	// FailureRateThreshold is the failure ratio (0..1] within the sampling
	// window that trips the breaker.
	FailureRateThreshold float64

	// MinimumThroughput is the minimum number of samples in the window
	// before the breaker may trip.
	MinimumThroughput int

	// SamplingDuration is the trailing interval over which samples are
	// retained.
	SamplingDuration time.Duration

	// BreakDuration is how long the breaker stays open before probing.
	BreakDuration time.Duration
}

// DefaultConfig returns the breaker configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     5,
		FailureRateThreshold: 0.5,
		MinimumThroughput:    10,
		SamplingDuration:     time.Minute,
		BreakDuration:        30 * time.Second,
	}
}

type sample struct {
	at      time.Time
	success bool
}

// Breaker is a three-state circuit breaker over a sliding sample window.
//
// Closed trips to Open only when the window holds at least
// MinimumThroughput samples AND either the failure count reaches
// FailureThreshold or the failure rate reaches FailureRateThreshold.
// Open admits nothing until BreakDuration has elapsed, then transitions to
// HalfOpen on the next call. HalfOpen closes after three consecutive
// successes and reopens on any failure.
//
// The internal lock is held only around bookkeeping, never across the
// protected call.
type Breaker struct {
	cfg Config
	clk clock.Clock

	mu                sync.Mutex
	state             State
	lastStateChange   time.Time
	halfOpenSuccesses int
	samples           []sample
}

// New creates a breaker with the given configuration and clock.
func New(cfg Config, clk clock.Clock) *Breaker {
	if cfg.SamplingDuration <= 0 {
		cfg.SamplingDuration = DefaultConfig().SamplingDuration
	}
	if cfg.BreakDuration <= 0 {
		cfg.BreakDuration = DefaultConfig().BreakDuration
	}
	return &Breaker{
		cfg:             cfg,
		clk:             clk,
		state:           StateClosed,
		lastStateChange: clk.Now(),
	}
}

// Allow reports whether a call may proceed. While Open it returns the
// remaining break duration in an *OpenError; once the break duration has
// elapsed it transitions to HalfOpen and admits the probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	default:
		now := b.clk.Now()
		elapsed := now.Sub(b.lastStateChange)
		if elapsed >= b.cfg.BreakDuration {
			b.transition(StateHalfOpen, now)
			return nil
		}
		return &OpenError{RetryAfter: b.cfg.BreakDuration - elapsed}
	}
}

// Record feeds one call outcome into the window and applies the transition
// rules for the current state.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	b.samples = append(b.samples, sample{at: now, success: success})
	b.prune(now)

	switch b.state {
	case StateClosed:
		if !success && b.shouldTrip() {
			b.transition(StateOpen, now)
		}

	case StateHalfOpen:
		if !success {
			b.transition(StateOpen, now)
			return
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= halfOpenSuccessTarget {
			b.transition(StateClosed, now)
		}
	}
}

// State returns the current state, applying the Open→HalfOpen timeout so
// observers never see a stale Open past the break duration.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		now := b.clk.Now()
		if now.Sub(b.lastStateChange) >= b.cfg.BreakDuration {
			b.transition(StateHalfOpen, now)
		}
	}
	return b.state
}

// shouldTrip evaluates the Closed→Open condition over the pruned window.
// Caller must hold the lock.
func (b *Breaker) shouldTrip() bool {
	total := len(b.samples)
	if total < b.cfg.MinimumThroughput {
		return false
	}

	failures := 0
	for _, s := range b.samples {
		if !s.success {
			failures++
		}
	}

	if b.cfg.FailureThreshold > 0 && failures >= b.cfg.FailureThreshold {
		return true
	}
	if b.cfg.FailureRateThreshold > 0 && float64(failures)/float64(total) >= b.cfg.FailureRateThreshold {
		return true
	}
	return false
}

// prune drops samples older than the sampling window. Caller must hold the
// lock.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.SamplingDuration)
	idx := 0
	for idx < len(b.samples) && !b.samples[idx].at.After(cutoff) {
		idx++
	}
	if idx > 0 {
		b.samples = append(b.samples[:0], b.samples[idx:]...)
	}
}

// transition moves to the target state and resets state-scoped counters.
// Caller must hold the lock.
func (b *Breaker) transition(to State, now time.Time) {
	b.state = to
	b.lastStateChange = now
	b.halfOpenSuccesses = 0
	if to == StateClosed {
		// A fresh window prevents pre-trip failures from immediately
		// re-opening the recovered breaker.
		b.samples = b.samples[:0]
	}
}
