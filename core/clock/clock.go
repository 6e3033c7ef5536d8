package clock

import (
	"context"
	"time"
)

// Clock is the single source of time for the messaging core. Every
// timestamp, delay, and timeout flows through this interface so tests can
// substitute Fake and drive virtual time deterministically.
type Clock interface {
	// Now returns the current instant.
	Now() time.Time

	// Timestamp returns the current instant as unix nanoseconds.
	Timestamp() int64

	// Elapsed returns the duration since start.
	Elapsed(start time.Time) time.Duration

	// Delay blocks until d has passed or ctx is cancelled. Returns ctx.Err()
	// on cancellation, nil when the delay completes.
	Delay(ctx context.Context, d time.Duration) error

	// NewTimer returns a timer that fires once after d.
	NewTimer(d time.Duration) Timer
}

// Timer is a single-shot timer bound to the clock that produced it.
type Timer interface {
	// C returns the channel on which the fire instant is delivered.
	C() <-chan time.Time

	// Stop prevents the timer from firing. Returns false if it already
	// fired or was stopped.
	Stop() bool
}

// System is a Clock backed by the real wall clock.
type System struct{}

// NewSystem returns the real-time clock.
func NewSystem() System {
	return System{}
}

func (System) Now() time.Time {
	return time.Now()
}

func (System) Timestamp() int64 {
	return time.Now().UnixNano()
}

func (System) Elapsed(start time.Time) time.Duration {
	return time.Since(start)
}

func (System) Delay(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (System) NewTimer(d time.Duration) Timer {
	return systemTimer{t: time.NewTimer(d)}
}

type systemTimer struct {
	t *time.Timer
}

func (st systemTimer) C() <-chan time.Time {
	return st.t.C
}

func (st systemTimer) Stop() bool {
	return st.t.Stop()
}
