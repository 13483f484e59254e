// Package backoff computes retry delays for peer RPC delivery.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// JitterFraction is the largest fraction of the capped delay added as jitter.
const JitterFraction = 0.25

// Policy is an exponential backoff: Base * 2^attempt, capped at Max, with up
// to JitterFraction of the capped value added on top.
type Policy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultPolicy returns 3 retries starting at 100ms, capped at 5s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		Base:       100 * time.Millisecond,
		Max:        5000 * time.Millisecond,
	}
}

// Attempts is the total number of delivery attempts, the first try included.
func (p Policy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Delay returns the wait before retry attempt k (0-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.Base) * math.Pow(2, float64(attempt))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	r := p.Rand
	if r == nil {
		r = rand.Float64 //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(d + d*JitterFraction*r())
}
