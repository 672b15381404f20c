package pipeline

import (
	"math/rand/v2"
	"time"
)

// BackoffStrategy computes the delay before retry attempt n (1-based).
type BackoffStrategy interface {
	Delay(attempt int) time.Duration
}

// ExponentialBackoff doubles the delay per attempt, capped at Max, with
// ±20% jitter to spread retries from correlated failures.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration

	// rand returns a value in [0, 1); overridable in tests
	rand func() float64
}

// NewExponentialBackoff builds a strategy with the given base and cap.
func NewExponentialBackoff(base, max time.Duration) *ExponentialBackoff {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	return &ExponentialBackoff{Base: base, Max: max, rand: rand.Float64}
}

const jitterFraction = 0.2

// Delay returns min(Base * 2^(attempt-1), Max) with ±20% jitter applied.
// The result never exceeds Max.
func (b *ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := b.raw(attempt)

	r := b.rand
	if r == nil {
		r = rand.Float64
	}
	// Uniform in [-jitterFraction, +jitterFraction]
	factor := 1 + jitterFraction*(2*r()-1)
	d = time.Duration(float64(d) * factor)

	if d > b.Max {
		d = b.Max
	}
	if d < 0 {
		d = b.Max
	}
	return d
}

// raw is the deterministic curve before jitter.
func (b *ExponentialBackoff) raw(attempt int) time.Duration {
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max || d < 0 { // overflow guard
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
