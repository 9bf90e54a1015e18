package engine

import (
	"math"
	"time"
)

// RetryPolicy schedules durable retries of events whose processor fetch
// failed transiently. Attempts are counted from 1 (the original event).
type RetryPolicy struct {
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// BackoffCoefficient multiplies the delay after each attempt. Must be >= 1.
	BackoffCoefficient float64
	// MaximumInterval caps the delay.
	MaximumInterval time.Duration
	// MaximumAttempts bounds the total attempts. Zero means unlimited.
	MaximumAttempts int
}

// DefaultRetryPolicy retries for roughly two hours before giving up.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:    30 * time.Second,
		BackoffCoefficient: 2,
		MaximumInterval:    30 * time.Minute,
		MaximumAttempts:    8,
	}
}

// Backoff returns the delay after the given failed attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	coef := p.BackoffCoefficient
	if coef < 1 {
		coef = 1
	}

	d := float64(p.InitialInterval) * math.Pow(coef, float64(attempt-1))
	if p.MaximumInterval > 0 && d > float64(p.MaximumInterval) {
		return p.MaximumInterval
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Exhausted reports whether no attempt may follow the given one.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaximumAttempts > 0 && attempt >= p.MaximumAttempts
}
