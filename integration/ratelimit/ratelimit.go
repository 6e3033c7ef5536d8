package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/dmitrymomot/heromessaging/core/clock"
	"github.com/dmitrymomot/heromessaging/core/pipeline"
)

// Limiter is a token-bucket pipeline.RateLimiter with one bucket per key.
// Acquisition never blocks; denials carry the wait the caller would need
// for the permits to become available.
type Limiter struct {
	rate  rate.Limit
	burst int
	clk   clock.Clock

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source for bucket refills. Tests pass a fake
// clock here.
func WithClock(clk clock.Clock) Option {
	return func(l *Limiter) {
		if clk != nil {
			l.clk = clk
		}
	}
}

// New creates a limiter admitting r permits per second with the given
// burst per key.
func New(r float64, burst int, opts ...Option) *Limiter {
	l := &Limiter{
		rate:    rate.Limit(r),
		burst:   burst,
		clk:     clock.NewSystem(),
		buckets: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Acquire(ctx context.Context, key string, permits int) (pipeline.Decision, error) {
	if permits < 1 {
		permits = 1
	}

	now := l.clk.Now()
	bucket := l.bucket(key)

	res := bucket.ReserveN(now, permits)
	if !res.OK() {
		return pipeline.Decision{
			Allowed: false,
			Reason:  "requested permits exceed burst capacity",
		}, nil
	}

	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return pipeline.Decision{
			Allowed:    false,
			RetryAfter: delay,
			Reason:     "rate limit exceeded",
		}, nil
	}

	return pipeline.Decision{
		Allowed:   true,
		Remaining: int(bucket.TokensAt(now)),
	}, nil
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(l.rate, l.burst)
		l.buckets[key] = bucket
	}
	return bucket
}
