package retry

import (
	"math/rand"
	"time"
)

// Policy computes retry decisions and delays for the retry decorator and the
// outbox/inbox redelivery schedulers. The default is exponential backoff
// with additive jitter:
//
//	delay(n) = min(BaseDelay * 2^n * (1 + rand[0, JitterFactor)), MaxDelay)
//
// Before clamping, delays are monotonically non-decreasing in n; after
// clamping they never exceed MaxDelay.
type Policy struct {
	// MaxRetries bounds the number of retries after the initial attempt.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay clamps the computed delay.
	MaxDelay time.Duration

	// JitterFactor spreads delays uniformly over
	// [delay, delay*(1+JitterFactor)) to avoid thundering herds.
	JitterFactor float64

	// Rand overrides the random source. Nil uses math/rand/v2.
	Rand func() float64
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.2,
	}
}

// Delay returns the wait before retry attempt n (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	backoff := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if time.Duration(backoff) >= p.MaxDelay && p.MaxDelay > 0 {
			// Already saturated; jitter cannot push it below the clamp.
			return p.MaxDelay
		}
	}

	if p.JitterFactor > 0 {
		backoff *= 1 + p.random()*p.JitterFactor
	}

	d := time.Duration(backoff)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ShouldRetry reports whether attempt n (0-based count of retries already
// performed) should be followed by another attempt for the given error.
// Nil errors, exhausted budgets, and critical faults are never retried.
func (p Policy) ShouldRetry(attempt int, err error) bool {
	if err == nil || attempt >= p.MaxRetries {
		return false
	}
	switch Classify(err) {
	case ClassCritical, ClassValidation:
		return false
	case ClassTransient:
		return true
	default:
		return false
	}
}

func (p Policy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}
