package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Fake is a Clock whose time only moves when Advance is called. Timers and
// delays registered against it fire synchronously inside Advance, which
// makes timed loops fully deterministic in tests.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
	stopped  bool
}

// NewFake returns a fake clock starting at the given instant. A zero start
// defaults to an arbitrary fixed epoch so tests produce stable timestamps.
func NewFake(start time.Time) *Fake {
	if start.IsZero() {
		start = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Timestamp() int64 {
	return f.Now().UnixNano()
}

func (f *Fake) Elapsed(start time.Time) time.Duration {
	return f.Now().Sub(start)
}

// Delay blocks until virtual time passes d or ctx is cancelled.
func (f *Fake) Delay(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	w := f.addWaiter(d)
	select {
	case <-ctx.Done():
		f.removeWaiter(w)
		return ctx.Err()
	case <-w.ch:
		return nil
	}
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	if d <= 0 {
		// Fire immediately without requiring an Advance.
		ch := make(chan time.Time, 1)
		ch <- f.Now()
		return &fakeTimer{f: f, w: &fakeWaiter{ch: ch, stopped: true}}
	}
	return &fakeTimer{f: f, w: f.addWaiter(d)}
}

// Advance moves virtual time forward by d, firing every timer and delay
// whose deadline falls within the advanced window, in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now

	var due []*fakeWaiter
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.stopped && !w.deadline.After(now) {
			due = append(due, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, w := range due {
		w.ch <- now
	}
}

func (f *Fake) addWaiter(d time.Duration) *fakeWaiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{
		deadline: f.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	f.waiters = append(f.waiters, w)
	return w
}

func (f *Fake) removeWaiter(target *fakeWaiter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, w := range f.waiters {
		if w == target {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return
		}
	}
}

type fakeTimer struct {
	f *Fake
	w *fakeWaiter
}

func (t *fakeTimer) C() <-chan time.Time {
	return t.w.ch
}

func (t *fakeTimer) Stop() bool {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	if t.w.stopped {
		return false
	}
	t.w.stopped = true
	t.f.removeWaiterLocked(t.w)
	return true
}

func (f *Fake) removeWaiterLocked(target *fakeWaiter) {
	for i, w := range f.waiters {
		if w == target {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return
		}
	}
}
